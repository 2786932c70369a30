// Package events announces created listings on RabbitMQ so downstream
// consumers (search indexing, notifications) can react without polling the
// listing backend.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"realtyhub/pkg/domain"
)

const (
	defaultExchange = "realtyhub.listings"
	routingCreated  = "listing.created"
)

// ListingCreatedEvent is the wire shape of one announcement.
type ListingCreatedEvent struct {
	ListingID  int64     `json:"listingId"`
	RealtorID  int64     `json:"realtorId"`
	Title      string    `json:"title"`
	City       string    `json:"city"`
	State      string    `json:"state"`
	Price      int64     `json:"price"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Config configures the publisher connection.
type Config struct {
	URL      string
	Exchange string
}

// Publisher publishes listing events on a topic exchange.
type Publisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

// NewPublisher dials the broker and declares the exchange.
func NewPublisher(cfg Config) (*Publisher, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("event publisher requires an amqp url")
	}
	exchange := strings.TrimSpace(cfg.Exchange)
	if exchange == "" {
		exchange = defaultExchange
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, channel: channel, exchange: exchange}, nil
}

// ListingCreated publishes one listing.created event.
func (p *Publisher) ListingCreated(ctx context.Context, listing domain.Listing) error {
	body, err := json.Marshal(newListingCreated(listing, time.Now().UTC()))
	if err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx, p.exchange, routingCreated, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

// Close shuts down the channel and connection.
func (p *Publisher) Close() error {
	if err := p.channel.Close(); err != nil {
		_ = p.conn.Close()
		return err
	}
	return p.conn.Close()
}

func newListingCreated(listing domain.Listing, at time.Time) ListingCreatedEvent {
	return ListingCreatedEvent{
		ListingID:  listing.ID,
		RealtorID:  listing.Realtor,
		Title:      listing.Title,
		City:       listing.City,
		State:      listing.State,
		Price:      listing.Price,
		OccurredAt: at,
	}
}
