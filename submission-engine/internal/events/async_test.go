package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestpost/marketplace/submission-engine/internal/models"
)

// gatedPublisher blocks every delivery until release is closed.
type gatedPublisher struct {
	release chan struct{}

	mu     sync.Mutex
	events []TransitionEvent
}

func (g *gatedPublisher) Publish(ctx context.Context, ev TransitionEvent) error {
	if g.release != nil {
		<-g.release
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = append(g.events, ev)
	return nil
}

func (g *gatedPublisher) byPost(id uuid.UUID) []models.SubmissionStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []models.SubmissionStatus
	for _, ev := range g.events {
		if ev.PostID == id {
			out = append(out, ev.To)
		}
	}
	return out
}

func TestAsyncPublisherDoesNotWaitForDelivery(t *testing.T) {
	next := &gatedPublisher{release: make(chan struct{})}
	p := NewAsyncPublisher(next, AsyncConfig{Concurrency: 2, Buffer: 4})

	done := make(chan error, 1)
	go func() {
		done <- p.Publish(context.Background(), TransitionEvent{ID: uuid.New(), PostID: uuid.New(), To: models.StatusPublished})
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow downstream publisher")
	}

	close(next.release)
	require.NoError(t, p.Close())
	assert.Len(t, next.events, 1)
}

func TestAsyncPublisherKeepsOrderPerPost(t *testing.T) {
	next := &gatedPublisher{}
	p := NewAsyncPublisher(next, AsyncConfig{Concurrency: 4})
	posts := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	sequence := []models.SubmissionStatus{
		models.StatusAwaitingValidation, models.StatusValidating, models.StatusAwaitingPayment,
		models.StatusPaymentProcessing, models.StatusPendingReview, models.StatusPublished,
	}
	for _, to := range sequence {
		for _, id := range posts {
			require.NoError(t, p.Publish(context.Background(), TransitionEvent{ID: uuid.New(), PostID: id, To: to}))
		}
	}
	require.NoError(t, p.Close())

	for _, id := range posts {
		assert.Equal(t, sequence, next.byPost(id))
	}
}

func TestAsyncPublisherFullQueueHonoursContext(t *testing.T) {
	next := &gatedPublisher{release: make(chan struct{})}
	p := NewAsyncPublisher(next, AsyncConfig{Concurrency: 1, Buffer: 1})
	post := uuid.New()

	// One event is held by the worker, one fills the queue.
	require.NoError(t, p.Publish(context.Background(), TransitionEvent{PostID: post}))
	require.Eventually(t, func() bool { return len(p.queues[0]) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, p.Publish(context.Background(), TransitionEvent{PostID: post}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Publish(ctx, TransitionEvent{PostID: post})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(next.release)
	require.NoError(t, p.Close())
	assert.Len(t, next.events, 2)
}

func TestAsyncPublisherRejectsAfterClose(t *testing.T) {
	p := NewAsyncPublisher(&gatedPublisher{}, AsyncConfig{})
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Publish(context.Background(), TransitionEvent{PostID: uuid.New()}), ErrPublisherClosed)
}
