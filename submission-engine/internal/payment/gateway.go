package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/guestpost/marketplace/submission-engine/internal/models"
)

var (
	// ErrUnavailable marks transient gateway failures: network errors, timeouts, 5xx and 429.
	ErrUnavailable = errors.New("payment gateway unavailable")
	// ErrRejected marks a 4xx answer. The request must not be retried as is.
	ErrRejected = errors.New("payment gateway rejected request")
)

type SessionRequest struct {
	PostID         uuid.UUID
	PaymentID      uuid.UUID
	Amount         int64
	Currency       string
	IdempotencyKey string
}

type Session struct {
	ID          string `json:"session_id"`
	RedirectURL string `json:"redirect_url"`
}

// SessionState is the gateway's view of a session, as returned by a status query or
// delivered by a callback.
type SessionState struct {
	SessionID             string
	Status                models.PaymentStatus
	ExternalTransactionID *string
}

type Gateway interface {
	CreateSession(ctx context.Context, req SessionRequest) (Session, error)
	SessionStatus(ctx context.Context, sessionID string) (SessionState, error)
}

// IsRejected reports whether err is a permanent gateway refusal.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}

// StaticGateway hands out local sessions that stay pending. Used when no gateway is configured.
type StaticGateway struct {
	RedirectBase string
}

func NewStaticGateway(redirectBase string) *StaticGateway {
	return &StaticGateway{RedirectBase: redirectBase}
}

func (g *StaticGateway) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	id := "local-" + req.PaymentID.String()
	return Session{ID: id, RedirectURL: fmt.Sprintf("%s/pay/%s", g.RedirectBase, id)}, nil
}

func (g *StaticGateway) SessionStatus(ctx context.Context, sessionID string) (SessionState, error) {
	return SessionState{SessionID: sessionID, Status: models.PaymentPending}, nil
}
