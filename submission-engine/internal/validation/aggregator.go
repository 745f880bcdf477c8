package validation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/guestpost/marketplace/submission-engine/internal/models"
	"github.com/guestpost/marketplace/submission-engine/internal/store"
)

// Aggregator runs the plagiarism and AI-content checks side by side and stores
// one ValidationRecord per post.
type Aggregator struct {
	plagiarism Checker
	aiContent  Checker
	store      store.Store
	thresholds models.Thresholds
	logger     *slog.Logger
	now        func() time.Time
}

func NewAggregator(plagiarism, aiContent Checker, st store.Store, th models.Thresholds, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		plagiarism: plagiarism,
		aiContent:  aiContent,
		store:      st,
		thresholds: th,
		logger:     logger.With("component", "validation"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

type checkOutcome struct {
	score *float64
	err   error
}

func runCheck(ctx context.Context, c Checker, sub models.Submission, text string) checkOutcome {
	score, err := c.Check(ctx, sub.ID, text)
	if err != nil {
		return checkOutcome{err: err}
	}
	return checkOutcome{score: &score}
}

// Validate waits for both checks before writing the record. A failed sub-check
// leaves its score empty and makes the verdict Inconclusive. No verdict is returned
// unless the record was stored.
func (a *Aggregator) Validate(ctx context.Context, sub models.Submission) (models.ValidationRecord, error) {
	text := ExtractText(sub.Content)

	var (
		wg         sync.WaitGroup
		plagiarism checkOutcome
		aiContent  checkOutcome
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		plagiarism = runCheck(ctx, a.plagiarism, sub, text)
	}()
	go func() {
		defer wg.Done()
		aiContent = runCheck(ctx, a.aiContent, sub, text)
	}()
	wg.Wait()

	rec := models.ValidationRecord{
		PostID:          sub.ID,
		PlagiarismScore: plagiarism.score,
		AIContentScore:  aiContent.score,
		AttemptCount:    sub.ValidationAttempts,
		ComputedAt:      a.now(),
	}
	if plagiarism.err != nil {
		rec.PlagiarismError = plagiarism.err.Error()
		a.logger.Warn("plagiarism check failed", "post_id", sub.ID, "error", plagiarism.err)
	}
	if aiContent.err != nil {
		rec.AIContentError = aiContent.err.Error()
		a.logger.Warn("ai content check failed", "post_id", sub.ID, "error", aiContent.err)
	}
	rec.Verdict = models.ComputeVerdict(rec.PlagiarismScore, rec.AIContentScore, a.thresholds)

	saved, err := a.store.UpsertValidationRecord(ctx, rec)
	if err != nil {
		return models.ValidationRecord{}, fmt.Errorf("store validation record: %w", err)
	}
	a.logger.Info("validation computed", "post_id", sub.ID, "verdict", saved.Verdict, "attempt", saved.AttemptCount)
	return saved, nil
}
