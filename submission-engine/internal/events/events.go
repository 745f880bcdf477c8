package events

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/guestpost/marketplace/submission-engine/internal/models"
)

// TransitionEvent records one committed status change of a submission.
type TransitionEvent struct {
	ID            uuid.UUID               `json:"id"`
	PostID        uuid.UUID               `json:"postId"`
	OwnerID       string                  `json:"ownerId"`
	Title         string                  `json:"title"`
	From          models.SubmissionStatus `json:"from"`
	To            models.SubmissionStatus `json:"to"`
	Version       int64                   `json:"version"`
	Actor         string                  `json:"actor"`
	FailureReason models.FailureReason    `json:"failureReason,omitempty"`
	FailureDetail string                  `json:"failureDetail,omitempty"`
	OccurredAt    time.Time               `json:"occurredAt"`
}

// Publisher receives transition events after the store write has committed.
// Implementations must tolerate duplicates.
type Publisher interface {
	Publish(ctx context.Context, ev TransitionEvent) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, TransitionEvent) error { return nil }

// Nop discards events.
var Nop Publisher = nopPublisher{}

// Fanout delivers each event to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev TransitionEvent) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ObjectKey places an event under <prefix>/transitions/YYYY/MM/DD/<post>/<id>.json.
func ObjectKey(prefix string, ev TransitionEvent) string {
	ts := ev.OccurredAt.UTC()
	if ev.OccurredAt.IsZero() {
		ts = time.Now().UTC()
	}
	year, month, day := ts.Date()
	return path.Join(prefix, "transitions",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		ev.PostID.String(),
		fmt.Sprintf("%s.json", ev.ID),
	)
}
