// Package audit persists one row per creation attempt so operators can
// answer "what happened to this upload" after the fact, including which
// blobs were compensated.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"realtyhub/internal/util"
	"realtyhub/internal/workflow"
)

// AttemptModel is the GORM model for one workflow execution.
type AttemptModel struct {
	ID           uint   `gorm:"primaryKey"`
	RequestID    string `gorm:"index"`
	UserID       int64  `gorm:"index"`
	RealtorID    int64
	State        string `gorm:"not null;index"`
	FailKind     string
	FailStatus   int
	FailMessage  string
	ListingID    int64
	ImageCount   int
	Ledger       datatypes.JSON `gorm:"type:jsonb"`
	Compensation datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt    time.Time      `gorm:"not null;index"`
}

func (AttemptModel) TableName() string { return "creation_attempts" }

// Store implements workflow.Recorder on GORM + Postgres.
type Store struct {
	db *gorm.DB
}

// NewStore opens the DB and runs auto-migration.
func NewStore(dsn string) (*Store, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if err := db.AutoMigrate(&AttemptModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate audit db: %w", err)
	}
	return &Store{db: db}, nil
}

// Record writes the attempt row. Best-effort: a failed insert is logged and
// never affects the caller's response.
func (s *Store) Record(ctx context.Context, res workflow.Result) {
	row := newAttempt(ctx, res)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		slog.WarnContext(ctx, "audit row not recorded", "state", res.State, "err", err)
	}
}

func newAttempt(ctx context.Context, res workflow.Result) AttemptModel {
	row := AttemptModel{
		RequestID:  util.RequestIDFromContext(ctx),
		UserID:     res.Identity.ID,
		RealtorID:  res.Realtor.ID,
		State:      string(res.State),
		ListingID:  res.Listing.ID,
		ImageCount: len(res.Ledger),
		CreatedAt:  time.Now().UTC(),
	}
	if res.Failure != nil {
		row.FailKind = string(res.Failure.Kind)
		row.FailStatus = res.Failure.Status
		row.FailMessage = res.Failure.Message
	}
	if len(res.Ledger) > 0 {
		if raw, err := json.Marshal(res.Ledger); err == nil {
			row.Ledger = datatypes.JSON(raw)
		}
	}
	if res.Rollback != nil {
		if raw, err := json.Marshal(res.Rollback); err == nil {
			row.Compensation = datatypes.JSON(raw)
		}
	}
	return row
}
