package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestpost/marketplace/submission-engine/internal/models"
	"github.com/guestpost/marketplace/submission-engine/internal/payment"
	"github.com/guestpost/marketplace/submission-engine/internal/store"
	"github.com/guestpost/marketplace/submission-engine/internal/validation"
	"github.com/guestpost/marketplace/submission-engine/internal/workflow"
)

type fixedValidator struct {
	store      store.Store
	plagiarism *float64
	aiContent  *float64
	calls      int32
}

func (v *fixedValidator) Validate(ctx context.Context, sub models.Submission) (models.ValidationRecord, error) {
	atomic.AddInt32(&v.calls, 1)
	return v.store.UpsertValidationRecord(ctx, models.ValidationRecord{
		PostID:          sub.ID,
		PlagiarismScore: v.plagiarism,
		AIContentScore:  v.aiContent,
		Verdict:         models.ComputeVerdict(v.plagiarism, v.aiContent, models.DefaultThresholds),
		AttemptCount:    sub.ValidationAttempts,
	})
}

// flakyStore fails validation record writes while down is set.
type flakyStore struct {
	*store.MemoryStore
	down atomic.Bool
}

func (s *flakyStore) UpsertValidationRecord(ctx context.Context, rec models.ValidationRecord) (models.ValidationRecord, error) {
	if s.down.Load() {
		return models.ValidationRecord{}, errors.New("db down")
	}
	return s.MemoryStore.UpsertValidationRecord(ctx, rec)
}

type scoreChecker struct {
	name  string
	score float64
}

func (c *scoreChecker) Name() string { return c.name }

func (c *scoreChecker) Check(ctx context.Context, postID uuid.UUID, text string) (float64, error) {
	return c.score, nil
}

func score(v float64) *float64 { return &v }

var editor = workflow.Actor{ID: "editor-1", Role: workflow.RoleEditor}

func setup(t *testing.T, v *fixedValidator) (*Runner, *workflow.Machine, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	v.store = st
	m := workflow.NewMachine(st, payment.NewStaticGateway("http://localhost"), nil, workflow.Config{}, nil)
	r := New(m, v, st, Config{Concurrency: 2, PollInterval: 10 * time.Millisecond, StaleAfter: time.Minute})
	m.SetValidationQueue(r)
	return r, m, st
}

func submitted(t *testing.T, m *workflow.Machine) models.Submission {
	t.Helper()
	ctx := context.Background()
	sub, err := m.SaveDraft(ctx, editor, workflow.DraftInput{Title: "t", Content: "<p>words</p>", Category: "c"})
	require.NoError(t, err)
	sub, err = m.Submit(ctx, editor, sub.ID, sub.Version, workflow.SubmitOptions{})
	require.NoError(t, err)
	return sub
}

func TestProcessAppliesVerdict(t *testing.T) {
	v := &fixedValidator{plagiarism: score(15), aiContent: score(25)}
	r, m, st := setup(t, v)
	sub := submitted(t, m)

	done, err := r.Process(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.True(t, done)

	got, err := st.GetSubmission(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAwaitingPayment, got.Status)
	assert.Equal(t, 1, got.ValidationAttempts)
}

func TestProcessSkipsPostsNotWaiting(t *testing.T) {
	v := &fixedValidator{plagiarism: score(15), aiContent: score(25)}
	r, m, _ := setup(t, v)
	sub := submitted(t, m)
	_, err := m.BeginValidation(context.Background(), sub.ID)
	require.NoError(t, err)

	done, err := r.Process(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.False(t, done)
	assert.EqualValues(t, 0, atomic.LoadInt32(&v.calls))
}

func TestSweepRecoversStaleValidation(t *testing.T) {
	v := &fixedValidator{plagiarism: score(15), aiContent: score(25)}
	r, m, st := setup(t, v)
	sub := submitted(t, m)
	_, err := m.BeginValidation(context.Background(), sub.ID)
	require.NoError(t, err)

	r.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	r.Sweep(context.Background())

	got, err := st.GetSubmission(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAwaitingValidation, got.Status)
	assert.Equal(t, 1, got.ValidationAttempts)
}

func TestRunDrivesInconclusiveToServiceUnavailable(t *testing.T) {
	v := &fixedValidator{plagiarism: score(15)}
	r, m, st := setup(t, v)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(stopped)
	}()

	sub := submitted(t, m)
	require.Eventually(t, func() bool {
		got, err := st.GetSubmission(context.Background(), sub.ID)
		return err == nil && got.Status == models.StatusValidationFailed
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-stopped

	got, err := st.GetSubmission(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonServiceUnavailable, got.FailureReason)
	assert.Equal(t, 3, got.ValidationAttempts)
	assert.EqualValues(t, 3, atomic.LoadInt32(&v.calls))
}

func TestProcessDoesNotApplyUnstoredVerdict(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{MemoryStore: store.NewMemoryStore()}
	plagiarism := &scoreChecker{name: "plagiarism", score: 30}
	aiContent := &scoreChecker{name: "ai_content", score: 10}
	agg := validation.NewAggregator(plagiarism, aiContent, st, models.DefaultThresholds, nil)
	m := workflow.NewMachine(st, payment.NewStaticGateway("http://localhost"), nil, workflow.Config{}, nil)
	r := New(m, agg, st, Config{})
	m.SetValidationQueue(r)

	sub := submitted(t, m)
	_, err := r.Process(ctx, sub.ID)
	require.NoError(t, err)
	sub, err = st.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusValidationFailed, sub.Status)

	sub, err = m.Submit(ctx, editor, sub.ID, sub.Version, workflow.SubmitOptions{})
	require.NoError(t, err)
	plagiarism.score = 10
	st.down.Store(true)

	done, err := r.Process(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, done)

	got, err := st.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAwaitingValidation, got.Status)
	assert.Nil(t, got.ValidationRef)
	stored, err := st.GetValidationRecord(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictFail, stored.Verdict)

	st.down.Store(false)
	_, err = r.Process(ctx, sub.ID)
	require.NoError(t, err)

	got, err = st.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAwaitingPayment, got.Status)
	assert.Equal(t, 2, got.ValidationAttempts)
	stored, err = st.GetValidationRecord(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictPass, stored.Verdict)
	assert.Equal(t, 2, stored.AttemptCount)
	assert.Equal(t, 10.0, *stored.PlagiarismScore)
}

func TestProcessDropsVerdictForSupersededAttempt(t *testing.T) {
	ctx := context.Background()
	v := &fixedValidator{plagiarism: score(15), aiContent: score(25)}
	r, m, st := setup(t, v)
	sub := submitted(t, m)

	began, err := m.BeginValidation(ctx, sub.ID)
	require.NoError(t, err)
	_, err = m.RecoverStaleValidation(ctx, sub.ID, began.Version)
	require.NoError(t, err)
	current, err := m.BeginValidation(ctx, sub.ID)
	require.NoError(t, err)

	_, err = st.UpsertValidationRecord(ctx, models.ValidationRecord{
		PostID: sub.ID, PlagiarismScore: score(15), AIContentScore: score(25),
		Verdict: models.VerdictPass, AttemptCount: current.ValidationAttempts,
	})
	require.NoError(t, err)
	_, err = m.OnValidationResult(ctx, sub.ID, began.Version, models.ValidationRecord{
		PostID: sub.ID, PlagiarismScore: score(15), AIContentScore: score(25), Verdict: models.VerdictPass,
	})
	assert.True(t, workflow.IsKind(err, workflow.KindConcurrentModification))
	assert.NoError(t, r.dropStale(sub.ID, err))

	got, err := st.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusValidating, got.Status)
}
