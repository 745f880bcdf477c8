package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/guestpost/marketplace/submission-engine/internal/models"
)

const SignatureHeader = "X-Gateway-Signature"

var (
	ErrBadSignature    = errors.New("invalid webhook signature")
	ErrMalformedNotice = errors.New("malformed payment notification")
)

// Callback is an asynchronous payment status notification from the gateway.
type Callback struct {
	SessionID             string               `json:"session_id"`
	ExternalTransactionID *string              `json:"external_transaction_id,omitempty"`
	Status                models.PaymentStatus `json:"status"`
}

// VerifySignature checks a hex HMAC-SHA256 of body. An empty secret disables verification.
func VerifySignature(secret string, body []byte, signature string) error {
	if secret == "" {
		return nil
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) == 0 {
		return ErrBadSignature
	}
	if !hmac.Equal(got, Sign(secret, body)) {
		return ErrBadSignature
	}
	return nil
}

func Sign(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// ParseCallback verifies and decodes a webhook body.
func ParseCallback(secret string, body []byte, signature string) (Callback, error) {
	if err := VerifySignature(secret, body, signature); err != nil {
		return Callback{}, err
	}
	var raw struct {
		SessionID             string  `json:"session_id"`
		ExternalTransactionID *string `json:"external_transaction_id"`
		Status                string  `json:"status"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return Callback{}, fmt.Errorf("%w: %v", ErrMalformedNotice, err)
	}
	if strings.TrimSpace(raw.SessionID) == "" {
		return Callback{}, fmt.Errorf("%w: session_id required", ErrMalformedNotice)
	}
	status, ok := models.ParsePaymentStatus(raw.Status)
	if !ok {
		return Callback{}, fmt.Errorf("%w: unknown status %q", ErrMalformedNotice, raw.Status)
	}
	if raw.ExternalTransactionID != nil && strings.TrimSpace(*raw.ExternalTransactionID) == "" {
		raw.ExternalTransactionID = nil
	}
	return Callback{SessionID: raw.SessionID, ExternalTransactionID: raw.ExternalTransactionID, Status: status}, nil
}
