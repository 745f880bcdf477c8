package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/guestpost/marketplace/submission-engine/internal/models"
	"github.com/guestpost/marketplace/submission-engine/internal/store"
	"github.com/guestpost/marketplace/submission-engine/internal/workflow"
)

// Validator computes and stores the validation record of a submission.
type Validator interface {
	Validate(ctx context.Context, sub models.Submission) (models.ValidationRecord, error)
}

type Config struct {
	Concurrency  int
	PollInterval time.Duration
	// StaleAfter is how long a record may sit in Validating before it is treated as abandoned.
	StaleAfter time.Duration
	BatchSize  int
	Logger     *slog.Logger
}

// Runner is the validation worker pool. Work arrives through Enqueue and through a
// periodic sweep of AwaitingValidation records, so a dropped notification only delays a post.
type Runner struct {
	machine   *workflow.Machine
	validator Validator
	store     store.Store
	cfg       Config
	logger    *slog.Logger
	queue     chan uuid.UUID
	now       func() time.Time

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
}

func New(machine *workflow.Machine, validator Validator, st store.Store, cfg Config) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		machine:   machine,
		validator: validator,
		store:     st,
		cfg:       cfg,
		logger:    logger.With("component", "validation-runner"),
		queue:     make(chan uuid.UUID, cfg.BatchSize*2),
		now:       func() time.Time { return time.Now().UTC() },
		inflight:  map[uuid.UUID]struct{}{},
	}
}

// Enqueue schedules a post for validation without blocking. When the queue is full the
// next sweep picks the post up.
func (r *Runner) Enqueue(id uuid.UUID) {
	select {
	case r.queue <- id:
	default:
		r.logger.Debug("validation queue full", "post_id", id)
	}
}

// Run starts the workers and the sweeper and blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.work(ctx)
		}()
	}

	r.Sweep(ctx)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

func (r *Runner) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-r.queue:
			if _, err := r.Process(ctx, id); err != nil {
				r.logger.Error("process submission", "post_id", id, "error", err)
			}
		}
	}
}

// Sweep enqueues waiting posts and recovers posts abandoned in Validating.
func (r *Runner) Sweep(ctx context.Context) {
	waiting, err := r.store.ListSubmissions(ctx, store.SubmissionFilter{
		Status: models.StatusAwaitingValidation,
		Limit:  r.cfg.BatchSize,
	})
	if err != nil {
		r.logger.Error("list awaiting validation", "error", err)
	}
	for _, sub := range waiting {
		r.Enqueue(sub.ID)
	}

	cutoff := r.now().Add(-r.cfg.StaleAfter)
	stale, err := r.store.ListSubmissions(ctx, store.SubmissionFilter{
		Status:        models.StatusValidating,
		UpdatedBefore: &cutoff,
		Limit:         r.cfg.BatchSize,
	})
	if err != nil {
		r.logger.Error("list stale validations", "error", err)
		return
	}
	for _, sub := range stale {
		if r.isInflight(sub.ID) {
			continue
		}
		updated, err := r.machine.RecoverStaleValidation(ctx, sub.ID, sub.Version)
		switch {
		case err == nil:
			r.logger.Warn("recovered stale validation", "post_id", sub.ID, "status", updated.Status, "attempts", updated.ValidationAttempts)
		case workflow.IsKind(err, workflow.KindConcurrentModification), workflow.IsKind(err, workflow.KindInvalidTransition):
			r.logger.Debug("stale validation already moved", "post_id", sub.ID)
		default:
			r.logger.Error("recover stale validation", "post_id", sub.ID, "error", err)
		}
	}
}

// Process validates one post and returns whether this worker did the work.
func (r *Runner) Process(ctx context.Context, id uuid.UUID) (bool, error) {
	if !r.claimInflight(id) {
		return false, nil
	}
	defer r.releaseInflight(id)

	sub, err := r.machine.BeginValidation(ctx, id)
	if err != nil {
		if workflow.IsKind(err, workflow.KindInvalidTransition) || workflow.IsKind(err, workflow.KindNotFound) {
			return false, nil
		}
		return false, err
	}

	rec, err := r.validator.Validate(ctx, sub)
	if ctx.Err() != nil {
		// Leave the post in Validating; stale recovery counts the attempt.
		return true, ctx.Err()
	}
	if err != nil {
		// Without a stored record the verdict cannot be trusted; retry within the attempt bound.
		r.logger.Warn("validation record not stored", "post_id", id, "attempt", sub.ValidationAttempts, "error", err)
		updated, rerr := r.machine.RecoverStaleValidation(ctx, id, sub.Version)
		if rerr != nil {
			return true, r.dropStale(id, rerr)
		}
		r.logger.Info("validation inconclusive", "post_id", id, "status", updated.Status)
		return true, nil
	}

	updated, err := r.machine.OnValidationResult(ctx, id, sub.Version, rec)
	if err != nil {
		return true, r.dropStale(id, err)
	}
	r.logger.Info("validation applied", "post_id", id, "verdict", rec.Verdict, "status", updated.Status)
	return true, nil
}

// dropStale swallows results for a post that another worker or the stale sweep has
// already moved on.
func (r *Runner) dropStale(id uuid.UUID, err error) error {
	if workflow.IsKind(err, workflow.KindInvalidTransition) || workflow.IsKind(err, workflow.KindConcurrentModification) {
		r.logger.Warn("dropping validation result", "post_id", id, "error", err)
		return nil
	}
	return err
}

func (r *Runner) claimInflight(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inflight[id]; busy {
		return false
	}
	r.inflight[id] = struct{}{}
	return true
}

func (r *Runner) releaseInflight(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, id)
}

func (r *Runner) isInflight(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, busy := r.inflight[id]
	return busy
}
