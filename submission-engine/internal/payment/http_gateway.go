package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/guestpost/marketplace/submission-engine/internal/models"
)

type HTTPGatewayConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	Retries    int
	Backoff    time.Duration
	HTTPClient *http.Client
}

type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
	timeout time.Duration
	retries int
	backoff time.Duration
}

func NewHTTPGateway(cfg HTTPGatewayConfig) (*HTTPGateway, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("payment gateway base url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &HTTPGateway{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  client,
		timeout: timeout,
		retries: retries,
		backoff: backoff,
	}, nil
}

func (g *HTTPGateway) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	key := req.IdempotencyKey
	if key == "" {
		key = req.PaymentID.String()
	}
	body, err := json.Marshal(map[string]interface{}{
		"post_id":         req.PostID.String(),
		"amount":          req.Amount,
		"currency":        req.Currency,
		"idempotency_key": key,
	})
	if err != nil {
		return Session{}, fmt.Errorf("payment marshal request: %w", err)
	}
	var session Session
	if err := g.do(ctx, http.MethodPost, "/sessions", body, key, &session); err != nil {
		return Session{}, err
	}
	if session.ID == "" {
		return Session{}, fmt.Errorf("%w: response missing session_id", ErrRejected)
	}
	return session, nil
}

func (g *HTTPGateway) SessionStatus(ctx context.Context, sessionID string) (SessionState, error) {
	var out struct {
		SessionID             string  `json:"session_id"`
		Status                string  `json:"status"`
		ExternalTransactionID *string `json:"external_transaction_id"`
	}
	if err := g.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID), nil, "", &out); err != nil {
		return SessionState{}, err
	}
	status, ok := models.ParsePaymentStatus(out.Status)
	if !ok {
		return SessionState{}, fmt.Errorf("payment gateway returned unknown status %q", out.Status)
	}
	if out.SessionID == "" {
		out.SessionID = sessionID
	}
	return SessionState{SessionID: out.SessionID, Status: status, ExternalTransactionID: out.ExternalTransactionID}, nil
}

// do runs one gateway call, retrying transient failures with a doubling backoff.
func (g *HTTPGateway) do(ctx context.Context, method, path string, body []byte, idempotencyKey string, out interface{}) error {
	attempts := g.retries + 1
	delay := g.backoff
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		}
		lastErr = g.once(ctx, method, path, body, idempotencyKey, out)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, ErrUnavailable) {
			return lastErr
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return fmt.Errorf("payment gateway call failed after %d attempts: %w", attempts, lastErr)
}

func (g *HTTPGateway) once(ctx context.Context, method, path string, body []byte, idempotencyKey string, out interface{}) error {
	reqCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, method, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("payment build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrUnavailable, resp.Status)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: %s", ErrRejected, resp.Status)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%w: unexpected %s", ErrUnavailable, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("payment decode response: %w", err)
	}
	return nil
}
