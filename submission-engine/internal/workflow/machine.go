package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/guestpost/marketplace/submission-engine/internal/events"
	"github.com/guestpost/marketplace/submission-engine/internal/models"
	"github.com/guestpost/marketplace/submission-engine/internal/payment"
	"github.com/guestpost/marketplace/submission-engine/internal/store"
)

type Role string

const (
	RoleAuthor Role = "author"
	// RoleEditor marks trusted submitters allowed to request auto-publication.
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

// Actor is the caller of a state machine operation.
type Actor struct {
	ID   string
	Role Role
}

func (a Actor) Privileged() bool {
	return a.Role == RoleEditor || a.Role == RoleAdmin || a.Role == RoleSystem
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

func (a Actor) canAccess(sub models.Submission) bool {
	return a.Privileged() || (a.ID != "" && a.ID == sub.OwnerID)
}

var (
	runnerActor    = Actor{ID: "validation-runner", Role: RoleSystem}
	gatewayActor   = Actor{ID: "payment-gateway", Role: RoleSystem}
	schedulerActor = Actor{ID: "publication-scheduler", Role: RoleSystem}
)

// ValidationQueue is notified when a submission becomes ready for validation.
type ValidationQueue interface {
	Enqueue(postID uuid.UUID)
}

type Config struct {
	Thresholds            models.Thresholds
	MaxValidationAttempts int
	// Fee is the submission price in minor currency units.
	Fee      int64
	Currency string
	// ConflictRetries bounds re-read attempts for internal callers that lose a version race.
	ConflictRetries int
	ExcerptWords    int
}

func (c Config) withDefaults() Config {
	if c.Thresholds == (models.Thresholds{}) {
		c.Thresholds = models.DefaultThresholds
	}
	if c.MaxValidationAttempts <= 0 {
		c.MaxValidationAttempts = 3
	}
	if c.Fee <= 0 {
		c.Fee = 5000
	}
	if c.Currency == "" {
		c.Currency = "USD"
	}
	if c.ConflictRetries <= 0 {
		c.ConflictRetries = 5
	}
	if c.ExcerptWords <= 0 {
		c.ExcerptWords = 40
	}
	return c
}

// Machine owns every status change of a submission. Each write is a compare-and-swap
// on the record version; the machine holds no locks of its own.
type Machine struct {
	store   store.Store
	gateway payment.Gateway
	events  events.Publisher
	queue   ValidationQueue
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
}

func NewMachine(st store.Store, gw payment.Gateway, pub events.Publisher, cfg Config, logger *slog.Logger) *Machine {
	if pub == nil {
		pub = events.Nop
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		store:   st,
		gateway: gw,
		events:  pub,
		cfg:     cfg.withDefaults(),
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.With("component", "workflow"),
	}
}

func (m *Machine) SetValidationQueue(q ValidationQueue) { m.queue = q }

func (m *Machine) SetClock(now func() time.Time) { m.now = now }

func (m *Machine) Config() Config { return m.cfg }

// stageFunc mutates a copy of the current record. Returning false leaves the record untouched.
type stageFunc func(sub *models.Submission) (bool, error)

// apply loads the record, stages a change and commits it. A non-zero version is the
// caller's expectation and fails fast on mismatch; zero means "latest" and retries
// lost races a bounded number of times.
func (m *Machine) apply(ctx context.Context, id uuid.UUID, version int64, actor Actor, stage stageFunc) (models.Submission, error) {
	attempts := 1
	if version == 0 {
		attempts = m.cfg.ConflictRetries
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		current, err := m.load(ctx, id)
		if err != nil {
			return models.Submission{}, err
		}
		if version != 0 && current.Version != version {
			return current, conflict(version, current.Version)
		}
		next := current
		changed, err := stage(&next)
		if err != nil {
			return current, err
		}
		if !changed {
			return current, nil
		}
		updated, err := m.commit(ctx, next, current.Status, current.Version, actor)
		if err == nil {
			return updated, nil
		}
		if !IsKind(err, KindConcurrentModification) {
			return current, err
		}
		lastErr = err
	}
	return models.Submission{}, lastErr
}

func (m *Machine) commit(ctx context.Context, next models.Submission, from models.SubmissionStatus, expected int64, actor Actor) (models.Submission, error) {
	if next.Status != from && !CanTransition(from, next.Status) {
		return models.Submission{}, invalidTransition(string(next.Status), from)
	}
	if err := checkInvariants(next, m.now()); err != nil {
		return models.Submission{}, fmt.Errorf("submission %s: %w", next.ID, err)
	}
	updated, err := m.store.UpdateSubmission(ctx, next, expected)
	if err != nil {
		return models.Submission{}, translate(err)
	}
	if from != updated.Status {
		m.emit(ctx, updated, from, actor)
	}
	return updated, nil
}

func (m *Machine) emit(ctx context.Context, sub models.Submission, from models.SubmissionStatus, actor Actor) {
	m.logger.Info("submission transition",
		"post_id", sub.ID,
		"from", from,
		"to", sub.Status,
		"version", sub.Version,
		"actor", actor.ID,
	)
	ev := events.TransitionEvent{
		ID:            uuid.New(),
		PostID:        sub.ID,
		OwnerID:       sub.OwnerID,
		Title:         sub.Title,
		From:          from,
		To:            sub.Status,
		Version:       sub.Version,
		Actor:         actor.ID,
		FailureReason: sub.FailureReason,
		FailureDetail: sub.FailureDetail,
		OccurredAt:    m.now(),
	}
	if err := m.events.Publish(ctx, ev); err != nil {
		m.logger.Warn("publish transition event", "post_id", sub.ID, "to", sub.Status, "error", err)
	}
}

func (m *Machine) load(ctx context.Context, id uuid.UUID) (models.Submission, error) {
	sub, err := m.store.GetSubmission(ctx, id)
	if err != nil {
		return models.Submission{}, translate(err)
	}
	return sub, nil
}

func (m *Machine) enqueue(id uuid.UUID) {
	if m.queue != nil {
		m.queue.Enqueue(id)
	}
}

func translate(err error) error {
	switch {
	case errors.Is(err, store.ErrVersionConflict):
		return &Error{Kind: KindConcurrentModification, Err: err}
	case errors.Is(err, store.ErrNotFound):
		return &Error{Kind: KindNotFound, Msg: "submission not found"}
	}
	return err
}

// dropStale logs and swallows invalid transitions raised by at-least-once sources.
func (m *Machine) dropStale(op string, id uuid.UUID, err error) error {
	if IsKind(err, KindInvalidTransition) {
		m.logger.Warn("dropping stale event", "op", op, "post_id", id, "error", err)
		return nil
	}
	return err
}
