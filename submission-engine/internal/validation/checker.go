package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTransient marks failures worth retrying: network errors, 5xx, 429 and
	// cancelled or timed out attempts.
	ErrTransient = errors.New("transient validation failure")
	// ErrPermanent marks failures that a retry cannot fix, such as a 4xx or a malformed score.
	ErrPermanent = errors.New("permanent validation failure")
)

// Checker scores a post's plain text between 0 and 100.
type Checker interface {
	Name() string
	Check(ctx context.Context, postID uuid.UUID, text string) (float64, error)
}

type HTTPCheckerConfig struct {
	Name    string
	BaseURL string
	Path    string
	APIKey  string
	// Timeout bounds a single attempt. Defaults to 30s.
	Timeout time.Duration
	// MaxAttempts defaults to 3.
	MaxAttempts int
	// Backoff is the delay before the second attempt, doubled for each later one. Defaults to 1s.
	Backoff    time.Duration
	HTTPClient *http.Client
}

type HTTPChecker struct {
	name        string
	url         string
	apiKey      string
	client      *http.Client
	timeout     time.Duration
	maxAttempts int
	backoff     time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewHTTPChecker(cfg HTTPCheckerConfig) (*HTTPChecker, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%s checker base url required", cfg.Name)
	}
	path := cfg.Path
	if path == "" {
		path = "/check"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}
	return &HTTPChecker{
		name:        cfg.Name,
		url:         strings.TrimSuffix(cfg.BaseURL, "/") + "/" + strings.TrimPrefix(path, "/"),
		apiKey:      cfg.APIKey,
		client:      client,
		timeout:     timeout,
		maxAttempts: attempts,
		backoff:     backoff,
		sleep:       sleepContext,
	}, nil
}

func (c *HTTPChecker) Name() string { return c.name }

func (c *HTTPChecker) Check(ctx context.Context, postID uuid.UUID, text string) (float64, error) {
	body, err := json.Marshal(map[string]string{
		"post_id": postID.String(),
		"content": text,
	})
	if err != nil {
		return 0, fmt.Errorf("%s marshal request: %w", c.name, err)
	}

	delay := c.backoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("%s check: %w: %v", c.name, ErrTransient, ctx.Err())
		}
		score, err := c.attempt(ctx, body)
		if err == nil {
			return score, nil
		}
		lastErr = err
		if !errors.Is(err, ErrTransient) {
			return 0, fmt.Errorf("%s check: %w", c.name, err)
		}
		if attempt < c.maxAttempts {
			if err := c.sleep(ctx, delay); err != nil {
				return 0, fmt.Errorf("%s check: %w: %v", c.name, ErrTransient, err)
			}
			delay *= 2
		}
	}
	return 0, fmt.Errorf("%s check failed after %d attempts: %w", c.name, c.maxAttempts, lastErr)
}

func (c *HTTPChecker) attempt(ctx context.Context, body []byte) (float64, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("%w: build request: %v", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return 0, fmt.Errorf("%w: %s", ErrTransient, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return 0, fmt.Errorf("%w: %s", ErrPermanent, resp.Status)
	}
	var out struct {
		Score *float64 `json:"score"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("%w: decode response: %v", ErrPermanent, err)
	}
	if out.Score == nil || *out.Score < 0 || *out.Score > 100 {
		return 0, fmt.Errorf("%w: score missing or out of range", ErrPermanent)
	}
	return *out.Score, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
