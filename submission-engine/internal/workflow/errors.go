package workflow

import (
	"errors"
	"fmt"

	"github.com/guestpost/marketplace/submission-engine/internal/models"
)

type Kind string

const (
	KindMissingField           Kind = "missing_field"
	KindServiceUnavailable     Kind = "service_unavailable"
	KindConcurrentModification Kind = "concurrent_modification"
	KindGatewayRejected        Kind = "gateway_rejected"
	KindInvalidTransition      Kind = "invalid_transition"
	KindNotFound               Kind = "not_found"
	KindForbidden              Kind = "forbidden"
)

// Error is returned by every Machine operation that fails for a domain reason.
type Error struct {
	Kind  Kind
	Field string
	From  models.SubmissionStatus
	Op    string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	msg := e.Msg
	switch {
	case msg != "":
	case e.Kind == KindMissingField:
		msg = fmt.Sprintf("%s is required", e.Field)
	case e.Kind == KindInvalidTransition:
		msg = fmt.Sprintf("%s not allowed from %s", e.Op, e.From)
	default:
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func missingField(field string) error {
	return &Error{Kind: KindMissingField, Field: field}
}

func invalidTransition(op string, from models.SubmissionStatus) error {
	return &Error{Kind: KindInvalidTransition, Op: op, From: from}
}

func conflict(expected, stored int64) error {
	return &Error{Kind: KindConcurrentModification, Msg: fmt.Sprintf("version %d is stale, current is %d", expected, stored)}
}

func forbidden(msg string) error {
	return &Error{Kind: KindForbidden, Msg: msg}
}
