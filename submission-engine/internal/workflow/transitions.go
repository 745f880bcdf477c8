package workflow

import (
	"fmt"
	"time"

	"github.com/guestpost/marketplace/submission-engine/internal/models"
)

var transitions = map[models.SubmissionStatus][]models.SubmissionStatus{
	models.StatusDraft:              {models.StatusAwaitingValidation},
	models.StatusValidationFailed:   {models.StatusAwaitingValidation},
	models.StatusAwaitingValidation: {models.StatusValidating},
	models.StatusValidating:         {models.StatusAwaitingPayment, models.StatusValidationFailed, models.StatusAwaitingValidation},
	models.StatusAwaitingPayment:    {models.StatusPaymentProcessing, models.StatusDraft},
	models.StatusPaymentProcessing:  {models.StatusPendingReview, models.StatusPublished, models.StatusScheduled, models.StatusAwaitingPayment},
	models.StatusPendingReview:      {models.StatusPublished, models.StatusScheduled, models.StatusRejected},
	models.StatusScheduled:          {models.StatusPublished},
}

// CanTransition reports whether from -> to is an edge of the submission lifecycle.
func CanTransition(from, to models.SubmissionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// checkInvariants guards a staged record before it is written.
func checkInvariants(sub models.Submission, now time.Time) error {
	paid := sub.Status.Rank() >= models.StatusAwaitingPayment.Rank()
	if paid && sub.ValidationRef == nil {
		return fmt.Errorf("status %s requires a validation reference", sub.Status)
	}
	if !paid && sub.ValidationRef != nil {
		return fmt.Errorf("status %s must not carry a validation reference", sub.Status)
	}
	if sub.Status == models.StatusPublished && sub.ScheduledFor != nil && sub.ScheduledFor.At.After(now) {
		return fmt.Errorf("published submission scheduled in the future")
	}
	if sub.Status == models.StatusScheduled && sub.ScheduledFor == nil {
		return fmt.Errorf("scheduled submission without a schedule")
	}
	return nil
}
