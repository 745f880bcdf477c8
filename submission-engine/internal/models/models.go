package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type SubmissionStatus string

const (
	StatusDraft              SubmissionStatus = "draft"
	StatusAwaitingValidation SubmissionStatus = "awaiting_validation"
	StatusValidating         SubmissionStatus = "validating"
	StatusValidationFailed   SubmissionStatus = "validation_failed"
	StatusAwaitingPayment    SubmissionStatus = "awaiting_payment"
	StatusPaymentProcessing  SubmissionStatus = "payment_processing"
	StatusPendingReview      SubmissionStatus = "pending_review"
	StatusScheduled          SubmissionStatus = "scheduled"
	StatusPublished          SubmissionStatus = "published"
	StatusRejected           SubmissionStatus = "rejected"
)

var statusOrder = map[SubmissionStatus]int{
	StatusDraft:              0,
	StatusAwaitingValidation: 1,
	StatusValidating:         2,
	StatusValidationFailed:   3,
	StatusAwaitingPayment:    4,
	StatusPaymentProcessing:  5,
	StatusPendingReview:      6,
	StatusScheduled:          7,
	StatusPublished:          8,
	StatusRejected:           9,
}

// Rank orders statuses along the submission lifecycle. Unknown statuses rank -1.
func (s SubmissionStatus) Rank() int {
	if r, ok := statusOrder[s]; ok {
		return r
	}
	return -1
}

func (s SubmissionStatus) Valid() bool { return s.Rank() >= 0 }

// Terminal reports whether no further transition can leave the status.
func (s SubmissionStatus) Terminal() bool {
	return s == StatusPublished || s == StatusRejected
}

// Editable reports whether content fields may still change.
func (s SubmissionStatus) Editable() bool {
	return s == StatusDraft || s == StatusValidationFailed
}

type FailureReason string

const (
	ReasonNone               FailureReason = ""
	ReasonContentRejected    FailureReason = "content_rejected"
	ReasonServiceUnavailable FailureReason = "service_unavailable"
	ReasonGatewayRejected    FailureReason = "gateway_rejected"
	ReasonAdminRejected      FailureReason = "admin_rejected"
)

// Schedule pairs a publication instant with the timezone label the author picked.
// At is always compared in UTC; Timezone is display only.
type Schedule struct {
	At       time.Time `json:"at"`
	Timezone string    `json:"timezone"`
}

type Submission struct {
	ID                 uuid.UUID        `json:"id"`
	OwnerID            string           `json:"ownerId"`
	Title              string           `json:"title"`
	Content            string           `json:"content"`
	Excerpt            string           `json:"excerpt"`
	Category           string           `json:"category"`
	Tags               []string         `json:"tags"`
	Status             SubmissionStatus `json:"status"`
	ValidationRef      *uuid.UUID       `json:"validationRef,omitempty"`
	PaymentRef         *uuid.UUID       `json:"paymentRef,omitempty"`
	ScheduledFor       *Schedule        `json:"scheduledFor,omitempty"`
	AutoPublish        bool             `json:"autoPublish"`
	ValidationAttempts int              `json:"validationAttempts"`
	FailureReason      FailureReason    `json:"failureReason,omitempty"`
	FailureDetail      string           `json:"failureDetail,omitempty"`
	Version            int64            `json:"version"`
	PublishedAt        *time.Time       `json:"publishedAt,omitempty"`
	CreatedAt          time.Time        `json:"createdAt"`
	UpdatedAt          time.Time        `json:"updatedAt"`
}

// NormalizeTags trims tags, drops blanks and removes duplicates keeping the first occurrence.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		key := strings.ToLower(t)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out
}

type Verdict string

const (
	VerdictPass         Verdict = "pass"
	VerdictFail         Verdict = "fail"
	VerdictInconclusive Verdict = "inconclusive"
)

type ValidationRecord struct {
	PostID          uuid.UUID `json:"postId"`
	PlagiarismScore *float64  `json:"plagiarismScore,omitempty"`
	AIContentScore  *float64  `json:"aiContentScore,omitempty"`
	PlagiarismError string    `json:"plagiarismError,omitempty"`
	AIContentError  string    `json:"aiContentError,omitempty"`
	Verdict         Verdict   `json:"verdict"`
	AttemptCount    int       `json:"attemptCount"`
	ComputedAt      time.Time `json:"computedAt"`
}

// Thresholds are inclusive upper bounds for passing scores.
type Thresholds struct {
	Plagiarism float64
	AIContent  float64
}

var DefaultThresholds = Thresholds{Plagiarism: 20, AIContent: 30}

// ComputeVerdict derives the verdict from the sub-check scores. A nil score means
// the sub-check errored.
func ComputeVerdict(plagiarism, aiContent *float64, th Thresholds) Verdict {
	if plagiarism == nil || aiContent == nil {
		return VerdictInconclusive
	}
	if *plagiarism <= th.Plagiarism && *aiContent <= th.AIContent {
		return VerdictPass
	}
	return VerdictFail
}

// Passes reports whether the record is a Pass that actually satisfies th.
func (v ValidationRecord) Passes(th Thresholds) bool {
	return v.Verdict == VerdictPass && ComputeVerdict(v.PlagiarismScore, v.AIContentScore, th) == VerdictPass
}

type PaymentStatus string

const (
	PaymentCreated   PaymentStatus = "created"
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// Resolved reports whether the gateway has reported a final outcome.
func (s PaymentStatus) Resolved() bool {
	return s == PaymentSucceeded || s == PaymentFailed || s == PaymentRefunded
}

func ParsePaymentStatus(raw string) (PaymentStatus, bool) {
	switch PaymentStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case PaymentCreated:
		return PaymentCreated, true
	case PaymentPending:
		return PaymentPending, true
	case PaymentSucceeded, "success", "paid", "completed":
		return PaymentSucceeded, true
	case PaymentFailed, "failure", "declined", "canceled", "cancelled", "expired":
		return PaymentFailed, true
	case PaymentRefunded:
		return PaymentRefunded, true
	}
	return "", false
}

type PaymentRecord struct {
	ID                    uuid.UUID     `json:"id"`
	PostID                uuid.UUID     `json:"postId"`
	Amount                int64         `json:"amount"`
	Currency              string        `json:"currency"`
	GatewaySessionID      string        `json:"gatewaySessionId,omitempty"`
	RedirectURL           string        `json:"redirectUrl,omitempty"`
	Status                PaymentStatus `json:"status"`
	ExternalTransactionID *string       `json:"externalTransactionId,omitempty"`
	CreatedAt             time.Time     `json:"createdAt"`
	UpdatedAt             time.Time     `json:"updatedAt"`
	ResolvedAt            *time.Time    `json:"resolvedAt,omitempty"`
}

// PublicationClaim is a time-bounded exclusive reservation on a scheduled post.
type PublicationClaim struct {
	PostID     uuid.UUID `json:"postId"`
	WorkerID   string    `json:"workerId"`
	LeaseUntil time.Time `json:"leaseUntil"`
}

// Active reports whether the lease is still held at the given instant.
func (c PublicationClaim) Active(at time.Time) bool {
	return c.LeaseUntil.After(at)
}

type AuthorProfile struct {
	OwnerID     string `json:"ownerId"`
	DisplayName string `json:"displayName"`
	Bio         string `json:"bio"`
	Email       string `json:"email"`
}
