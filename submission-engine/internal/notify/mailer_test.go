package notify

import (
	"bytes"
	"context"
	"errors"
	"testing"

	mail "github.com/go-mail/mail/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestpost/marketplace/submission-engine/internal/events"
	"github.com/guestpost/marketplace/submission-engine/internal/models"
	"github.com/guestpost/marketplace/submission-engine/internal/store"
)

type captureSender struct {
	sent []*mail.Message
	err  error
}

func (c *captureSender) DialAndSend(m ...*mail.Message) error {
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, m...)
	return nil
}

func body(t *testing.T, m *mail.Message) string {
	t.Helper()
	var buf bytes.Buffer
	_, err := m.WriteTo(&buf)
	require.NoError(t, err)
	return buf.String()
}

func setup(t *testing.T) (*Mailer, *captureSender) {
	t.Helper()
	st := store.NewMemoryStore()
	st.PutAuthorProfile(models.AuthorProfile{OwnerID: "author-1", DisplayName: "Ada", Bio: "bio", Email: "ada@example.com"})
	s := &captureSender{}
	return newMailer(s, Config{From: "no-reply@example.com", BaseURL: "https://example.com/submissions/"}, st, nil), s
}

func TestPublishMailsOutcomes(t *testing.T) {
	cases := []struct {
		to      models.SubmissionStatus
		detail  string
		subject string
	}{
		{models.StatusValidationFailed, "plagiarism score 30.0 exceeds 20.0", `Your submission "Go tips" did not pass validation`},
		{models.StatusPublished, "", `"Go tips" is live`},
		{models.StatusRejected, "off topic", `Your submission "Go tips" was declined`},
	}
	for _, tc := range cases {
		t.Run(string(tc.to), func(t *testing.T) {
			m, s := setup(t)
			ev := events.TransitionEvent{PostID: uuid.New(), OwnerID: "author-1", Title: "Go tips", To: tc.to, FailureDetail: tc.detail}
			require.NoError(t, m.Publish(context.Background(), ev))
			require.Len(t, s.sent, 1)

			msg := s.sent[0]
			assert.Equal(t, []string{tc.subject}, msg.GetHeader("Subject"))
			assert.Contains(t, msg.GetHeader("To")[0], "ada@example.com")
			assert.Contains(t, body(t, msg), "https://example.com/submissions/"+ev.PostID.String())
			if tc.detail != "" {
				assert.Contains(t, body(t, msg), tc.detail)
			}
		})
	}
}

func TestPublishIgnoresIntermediateTransitions(t *testing.T) {
	m, s := setup(t)
	for _, to := range []models.SubmissionStatus{models.StatusAwaitingValidation, models.StatusAwaitingPayment, models.StatusScheduled} {
		require.NoError(t, m.Publish(context.Background(), events.TransitionEvent{PostID: uuid.New(), OwnerID: "author-1", To: to}))
	}
	assert.Empty(t, s.sent)
}

func TestPublishSkipsOwnersWithoutProfile(t *testing.T) {
	m, s := setup(t)
	err := m.Publish(context.Background(), events.TransitionEvent{PostID: uuid.New(), OwnerID: "ghost", To: models.StatusPublished})
	require.NoError(t, err)
	assert.Empty(t, s.sent)
}

func TestPublishReturnsSendErrors(t *testing.T) {
	m, s := setup(t)
	s.err = errors.New("421 service not available")
	err := m.Publish(context.Background(), events.TransitionEvent{PostID: uuid.New(), OwnerID: "author-1", To: models.StatusPublished})
	assert.ErrorContains(t, err, "421")
}

func TestNewMailerRequiresHost(t *testing.T) {
	_, err := NewMailer(Config{From: "x@example.com"}, store.NewMemoryStore(), nil)
	assert.Error(t, err)

	m, err := NewMailer(Config{Host: "smtp.example.com", From: "x@example.com"}, store.NewMemoryStore(), nil)
	require.NoError(t, err)
	assert.NotNil(t, m)
}
