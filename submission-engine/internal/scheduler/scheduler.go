package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/guestpost/marketplace/submission-engine/internal/models"
	"github.com/guestpost/marketplace/submission-engine/internal/store"
	"github.com/guestpost/marketplace/submission-engine/internal/workflow"
)

type Config struct {
	Interval time.Duration
	// Lease bounds how long a claim survives a crashed worker.
	Lease     time.Duration
	BatchSize int
	WorkerID  string
	Logger    *slog.Logger
}

// Scheduler publishes due Scheduled posts. Replicas coordinate through publication
// claims in the store; FirePublication only succeeds from Scheduled, so a post is
// published at most once even if two replicas fire it.
type Scheduler struct {
	machine *workflow.Machine
	store   store.Store
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

func New(machine *workflow.Machine, st store.Store, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = DefaultWorkerID()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		machine: machine,
		store:   st,
		cfg:     cfg,
		logger:  logger.With("component", "scheduler", "worker_id", cfg.WorkerID),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// DefaultWorkerID identifies this process among scheduler replicas.
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "scheduler"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

func (s *Scheduler) Run(ctx context.Context) {
	runEvery(ctx, s.cfg.Interval, func() {
		if _, err := s.Tick(ctx); err != nil {
			s.logger.Error("scheduler tick", "error", err)
		}
	})
}

// Tick fires every due post this worker manages to claim and returns how many it published.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.store.ListSubmissions(ctx, store.SubmissionFilter{
		Status:          models.StatusScheduled,
		ScheduledBefore: &now,
		Limit:           s.cfg.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("list due publications: %w", err)
	}

	published := 0
	for _, sub := range due {
		if ctx.Err() != nil {
			return published, ctx.Err()
		}
		if s.fire(ctx, sub.ID, now) {
			published++
		}
	}
	return published, nil
}

func (s *Scheduler) fire(ctx context.Context, id uuid.UUID, now time.Time) bool {
	if _, err := s.store.ClaimPublication(ctx, id, s.cfg.WorkerID, s.cfg.Lease, now); err != nil {
		if errors.Is(err, store.ErrClaimHeld) {
			s.logger.Debug("publication claimed elsewhere", "post_id", id)
		} else {
			s.logger.Error("claim publication", "post_id", id, "error", err)
		}
		return false
	}

	_, err := s.machine.FirePublication(ctx, id)
	switch {
	case err == nil:
		s.logger.Info("published scheduled post", "post_id", id)
	case workflow.IsKind(err, workflow.KindInvalidTransition):
		s.logger.Warn("dropping stale publication", "post_id", id, "error", err)
	default:
		// The claim expires on its own and a later tick retries.
		s.logger.Error("fire publication", "post_id", id, "error", err)
		return false
	}
	if err := s.store.ReleasePublication(ctx, id, s.cfg.WorkerID); err != nil {
		s.logger.Warn("release publication claim", "post_id", id, "error", err)
	}
	return err == nil
}

func runEvery(ctx context.Context, interval time.Duration, fn func()) {
	fn()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
