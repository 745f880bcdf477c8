package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/guestpost/marketplace/submission-engine/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when a conditional write observes a different version.
	ErrVersionConflict = errors.New("version conflict")
	// ErrClaimHeld is returned when another worker holds an unexpired publication lease.
	ErrClaimHeld = errors.New("publication claim held by another worker")
	// ErrPaymentResolved is returned when a payment has already reached a final status.
	ErrPaymentResolved = errors.New("payment already resolved")
)

// Store is the record store consumed by the workflow engine. Every submission write is
// a compare-and-swap on version; there are no in-process locks spanning calls.
type Store interface {
	CreateSubmission(ctx context.Context, in SubmissionInput) (models.Submission, error)
	GetSubmission(ctx context.Context, id uuid.UUID) (models.Submission, error)
	UpdateSubmission(ctx context.Context, sub models.Submission, expectedVersion int64) (models.Submission, error)
	ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]models.Submission, error)

	UpsertValidationRecord(ctx context.Context, rec models.ValidationRecord) (models.ValidationRecord, error)
	GetValidationRecord(ctx context.Context, postID uuid.UUID) (models.ValidationRecord, error)

	CreatePayment(ctx context.Context, in PaymentInput) (models.PaymentRecord, error)
	GetPayment(ctx context.Context, id uuid.UUID) (models.PaymentRecord, error)
	GetPaymentBySession(ctx context.Context, sessionID string) (models.PaymentRecord, error)
	AttachPaymentSession(ctx context.Context, id uuid.UUID, sessionID, redirectURL string) (models.PaymentRecord, error)
	ResolvePayment(ctx context.Context, in PaymentResolution) (models.PaymentRecord, error)

	ClaimPublication(ctx context.Context, postID uuid.UUID, workerID string, lease time.Duration, now time.Time) (models.PublicationClaim, error)
	ReleasePublication(ctx context.Context, postID uuid.UUID, workerID string) error

	GetAuthorProfile(ctx context.Context, ownerID string) (models.AuthorProfile, error)
	Ping(ctx context.Context) error
}

type SubmissionInput struct {
	ID       uuid.UUID
	OwnerID  string
	Title    string
	Content  string
	Excerpt  string
	Category string
	Tags     []string
}

// SubmissionFilter selects records for the background workers. Zero-valued fields are ignored.
type SubmissionFilter struct {
	Status          models.SubmissionStatus
	ScheduledBefore *time.Time
	UpdatedBefore   *time.Time
	Limit           int
}

type PaymentInput struct {
	ID       uuid.UUID
	PostID   uuid.UUID
	Amount   int64
	Currency string
}

type PaymentResolution struct {
	ID                    uuid.UUID
	Status                models.PaymentStatus
	ExternalTransactionID *string
	ResolvedAt            time.Time
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}
