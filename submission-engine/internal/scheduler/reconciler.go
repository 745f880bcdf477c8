package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/guestpost/marketplace/submission-engine/internal/models"
	"github.com/guestpost/marketplace/submission-engine/internal/payment"
	"github.com/guestpost/marketplace/submission-engine/internal/store"
	"github.com/guestpost/marketplace/submission-engine/internal/workflow"
)

type ReconcilerConfig struct {
	Interval time.Duration
	// SessionTTL is how long a payment may stay pending before the gateway is asked directly.
	SessionTTL time.Duration
	BatchSize  int
	Logger     *slog.Logger
}

// Reconciler settles payments whose gateway callback never arrived.
type Reconciler struct {
	machine *workflow.Machine
	store   store.Store
	gateway payment.Gateway
	cfg     ReconcilerConfig
	logger  *slog.Logger
	now     func() time.Time
}

func NewReconciler(machine *workflow.Machine, st store.Store, gw payment.Gateway, cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		machine: machine,
		store:   st,
		gateway: gw,
		cfg:     cfg,
		logger:  logger.With("component", "payment-reconciler"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *Reconciler) Run(ctx context.Context) {
	runEvery(ctx, r.cfg.Interval, func() {
		if _, err := r.Sweep(ctx); err != nil {
			r.logger.Error("reconcile payments", "error", err)
		}
	})
}

// Sweep checks every post stuck in PaymentProcessing longer than the session TTL and
// returns how many it moved.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.cfg.SessionTTL)
	stuck, err := r.store.ListSubmissions(ctx, store.SubmissionFilter{
		Status:        models.StatusPaymentProcessing,
		UpdatedBefore: &cutoff,
		Limit:         r.cfg.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("list pending payments: %w", err)
	}
	moved := 0
	for _, sub := range stuck {
		if ctx.Err() != nil {
			return moved, ctx.Err()
		}
		ok, err := r.reconcile(ctx, sub, cutoff)
		if err != nil {
			r.logger.Error("reconcile payment", "post_id", sub.ID, "error", err)
			continue
		}
		if ok {
			moved++
		}
	}
	return moved, nil
}

func (r *Reconciler) reconcile(ctx context.Context, sub models.Submission, cutoff time.Time) (bool, error) {
	if sub.PaymentRef == nil {
		return false, nil
	}
	pay, err := r.store.GetPayment(ctx, *sub.PaymentRef)
	if err != nil {
		return false, fmt.Errorf("load payment: %w", err)
	}

	result := workflow.PaymentResult{PostID: sub.ID, PaymentID: pay.ID, Status: pay.Status}
	if !pay.Status.Resolved() {
		if pay.GatewaySessionID == "" {
			return false, nil
		}
		state, err := r.gateway.SessionStatus(ctx, pay.GatewaySessionID)
		if err != nil {
			return false, fmt.Errorf("query session %s: %w", pay.GatewaySessionID, err)
		}
		result.Status = state.Status
		result.ExternalTransactionID = state.ExternalTransactionID
		if !state.Status.Resolved() {
			if pay.CreatedAt.After(cutoff) {
				return false, nil
			}
			r.logger.Warn("expiring payment session", "post_id", sub.ID, "payment_id", pay.ID, "session_id", pay.GatewaySessionID)
			result.Status = models.PaymentFailed
		}
	}

	updated, err := r.machine.OnPaymentResult(ctx, result)
	if err != nil {
		if workflow.IsKind(err, workflow.KindInvalidTransition) || workflow.IsKind(err, workflow.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	r.logger.Info("payment reconciled", "post_id", sub.ID, "payment_id", pay.ID, "status", result.Status, "post_status", updated.Status)
	return updated.Status != models.StatusPaymentProcessing, nil
}
