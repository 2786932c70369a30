// Package workflow implements the property-creation saga: authenticate the
// caller, resolve their realtor record, validate the image batch, upload the
// images, create the listing in the external backend, and compensate
// (delete uploaded blobs) when any later step fails.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"realtyhub/internal/identityclient"
	"realtyhub/internal/listingclient"
	"realtyhub/internal/realtorclient"
	"realtyhub/internal/upload"
	"realtyhub/pkg/domain"
)

// State names one position in the creation state machine. Completed and
// Failed are terminal; RollingBack is entered only when failure strikes with
// a non-empty ledger.
type State string

const (
	StateReceived        State = "received"
	StateAuthenticated   State = "authenticated"
	StateRealtorResolved State = "realtor_resolved"
	StateValidated       State = "validated"
	StateUploading       State = "uploading"
	StateUploaded        State = "uploaded"
	StateCreating        State = "creating"
	StateRollingBack     State = "rolling_back"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
)

// FailKind classifies a terminal failure; each kind has a fixed HTTP status
// except repository failures, which propagate the backend's own status.
type FailKind string

const (
	KindAuthentication FailKind = "authentication"
	KindAuthorization  FailKind = "authorization"
	KindValidation     FailKind = "validation"
	KindUpload         FailKind = "upload"
	KindRepository     FailKind = "repository"
)

// Failure is the single failure variant the workflow reports. The first
// error encountered is the one reported; rollback is a side effect performed
// before returning, never a competing error source.
type Failure struct {
	Kind    FailKind
	Status  int
	Message string
	Details []string
}

func (f *Failure) Error() string {
	return f.Message
}

// IdentityVerifier verifies a bearer credential against the identity service.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (domain.CallerIdentity, error)
}

// RealtorDirectory resolves a caller identity to a realtor record.
type RealtorDirectory interface {
	ResolveByUser(ctx context.Context, token string, userID int64) (domain.Realtor, error)
}

// ListingCreator persists a draft in the external listing backend.
type ListingCreator interface {
	Create(ctx context.Context, token string, draft domain.ListingDraft) (domain.Listing, error)
}

// Recorder persists an audit row for a finished workflow execution.
// Implementations must tolerate being called with either terminal state.
type Recorder interface {
	Record(ctx context.Context, res Result)
}

// Publisher announces a successfully created listing.
type Publisher interface {
	ListingCreated(ctx context.Context, listing domain.Listing) error
}

// Request is one creation attempt. DraftJSON is the raw propertyData field;
// it is parsed only after the caller is authenticated and resolved, matching
// the step order of the state machine.
type Request struct {
	Token     string
	DraftJSON []byte
	Files     []domain.ImageFile
}

// Result is the terminal outcome of one execution. Failure is nil exactly
// when State is StateCompleted.
type Result struct {
	State    State
	Identity domain.CallerIdentity
	Realtor  domain.Realtor
	Listing  domain.Listing
	Ledger   []domain.UploadedAsset
	Rollback *upload.CompensationReport
	Failure  *Failure
}

// Workflow wires the collaborators of the creation saga. Audit and events
// are optional; a nil Recorder or Publisher disables them.
type Workflow struct {
	identity IdentityVerifier
	realtors RealtorDirectory
	limits   upload.Limits
	uploader *upload.Orchestrator
	rollback *upload.Coordinator
	listings ListingCreator
	audit    Recorder
	events   Publisher
}

// Config collects the workflow's collaborators.
type Config struct {
	Identity IdentityVerifier
	Realtors RealtorDirectory
	Limits   upload.Limits
	Uploader *upload.Orchestrator
	Rollback *upload.Coordinator
	Listings ListingCreator
	Audit    Recorder
	Events   Publisher
}

// New constructs a workflow.
func New(cfg Config) *Workflow {
	return &Workflow{
		identity: cfg.Identity,
		realtors: cfg.Realtors,
		limits:   cfg.Limits,
		uploader: cfg.Uploader,
		rollback: cfg.Rollback,
		listings: cfg.Listings,
		audit:    cfg.Audit,
		events:   cfg.Events,
	}
}

// Run executes one request to a terminal state. Steps run strictly
// sequentially; uploads are deliberately serialized so the ledger always
// equals exactly what exists in the object store at the instant of any
// failure. There is no cancellation mid-flight: once started, the execution
// reaches Completed or Failed.
func (w *Workflow) Run(ctx context.Context, req Request) Result {
	res := Result{State: StateReceived}
	defer w.finish(ctx, &res)

	// Received -> Authenticated
	if req.Token == "" {
		return w.fail(ctx, &res, &Failure{
			Kind:    KindAuthentication,
			Status:  http.StatusUnauthorized,
			Message: "authentication required",
		})
	}
	identity, err := w.identity.Verify(ctx, req.Token)
	if err != nil {
		if errors.Is(err, identityclient.ErrUnauthorized) {
			return w.fail(ctx, &res, &Failure{
				Kind:    KindAuthentication,
				Status:  http.StatusUnauthorized,
				Message: "invalid or expired credentials",
			})
		}
		return w.fail(ctx, &res, &Failure{
			Kind:    KindAuthentication,
			Status:  http.StatusInternalServerError,
			Message: "identity check failed",
			Details: []string{err.Error()},
		})
	}
	res.Identity = identity
	res.State = StateAuthenticated

	// Authenticated -> RealtorResolved
	realtor, err := w.realtors.ResolveByUser(ctx, req.Token, identity.ID)
	if err != nil {
		if errors.Is(err, realtorclient.ErrNotFound) {
			return w.fail(ctx, &res, &Failure{
				Kind:    KindAuthorization,
				Status:  http.StatusBadRequest,
				Message: "Realtor profile not found",
			})
		}
		return w.fail(ctx, &res, &Failure{
			Kind:    KindAuthorization,
			Status:  http.StatusInternalServerError,
			Message: "realtor lookup failed",
			Details: []string{err.Error()},
		})
	}
	res.Realtor = realtor
	res.State = StateRealtorResolved

	// RealtorResolved -> Validated
	var draft domain.ListingDraft
	if err := json.Unmarshal(req.DraftJSON, &draft); err != nil {
		return w.fail(ctx, &res, &Failure{
			Kind:    KindValidation,
			Status:  http.StatusBadRequest,
			Message: "invalid propertyData JSON",
			Details: []string{err.Error()},
		})
	}
	verdict := upload.Validate(req.Files, w.limits)
	if !verdict.OK {
		return w.fail(ctx, &res, &Failure{
			Kind:    KindValidation,
			Status:  http.StatusBadRequest,
			Message: "image validation failed",
			Details: verdict.Details,
		})
	}
	res.State = StateValidated

	// Validated -> Uploaded, ledger populated put by put
	res.State = StateUploading
	ledger, err := w.uploader.Upload(ctx, identity.ID, verdict.Accepted)
	res.Ledger = ledger
	if err != nil {
		return w.fail(ctx, &res, &Failure{
			Kind:    KindUpload,
			Status:  http.StatusInternalServerError,
			Message: "image upload failed",
			Details: []string{err.Error()},
		})
	}
	res.State = StateUploaded

	// Uploaded -> Completed
	draft.RealtorID = realtor.ID
	draft.AssignPhotos(ledger)
	res.State = StateCreating
	listing, err := w.listings.Create(ctx, req.Token, draft)
	if err != nil {
		var apiErr *listingclient.APIError
		if errors.As(err, &apiErr) {
			return w.fail(ctx, &res, &Failure{
				Kind:    KindRepository,
				Status:  apiErr.Status,
				Message: "listing creation failed",
				Details: []string{apiErr.Body},
			})
		}
		return w.fail(ctx, &res, &Failure{
			Kind:    KindRepository,
			Status:  http.StatusInternalServerError,
			Message: "listing creation failed",
			Details: []string{err.Error()},
		})
	}
	res.Listing = listing
	res.State = StateCompleted
	return res
}

// fail transitions to the Failed terminal state, compensating first when the
// ledger is non-empty. The triggering failure is always the one reported;
// rollback problems are logged inside the coordinator, never surfaced.
func (w *Workflow) fail(ctx context.Context, res *Result, failure *Failure) Result {
	if len(res.Ledger) > 0 {
		res.State = StateRollingBack
		report := w.rollback.Compensate(ctx, res.Ledger)
		res.Rollback = &report
	}
	res.State = StateFailed
	res.Failure = failure
	return *res
}

// finish records the terminal result and, on success, publishes the created
// listing. Both collaborators are best-effort.
func (w *Workflow) finish(ctx context.Context, res *Result) {
	if w.audit != nil {
		w.audit.Record(ctx, *res)
	}
	if res.State == StateCompleted {
		slog.InfoContext(ctx, "listing created",
			"listing_id", res.Listing.ID,
			"realtor_id", res.Realtor.ID,
			"images", len(res.Ledger))
		if w.events != nil {
			if err := w.events.ListingCreated(ctx, res.Listing); err != nil {
				slog.WarnContext(ctx, "listing.created event not published", "err", err)
			}
		}
		return
	}
	slog.WarnContext(ctx, "listing creation failed",
		"state", res.State,
		"kind", res.Failure.Kind,
		"status", res.Failure.Status,
		"rolled_back", res.Rollback != nil)
}
