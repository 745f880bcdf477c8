package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"

	"github.com/guestpost/marketplace/submission-engine/internal/models"
	"github.com/guestpost/marketplace/submission-engine/internal/payment"
	"github.com/guestpost/marketplace/submission-engine/internal/store"
	"github.com/guestpost/marketplace/submission-engine/internal/validation"
)

type DraftInput struct {
	// ID is uuid.Nil for the first save.
	ID       uuid.UUID
	Version  int64
	Title    string
	Content  string
	Excerpt  string
	Category string
	Tags     []string
}

// SaveDraft creates a draft on first save and afterwards edits the content fields of
// a Draft or ValidationFailed record. It never changes the status.
func (m *Machine) SaveDraft(ctx context.Context, actor Actor, in DraftInput) (models.Submission, error) {
	excerpt := strings.TrimSpace(in.Excerpt)
	if excerpt == "" {
		excerpt = validation.DeriveExcerpt(in.Content, m.cfg.ExcerptWords)
	}
	if in.ID == uuid.Nil {
		if actor.ID == "" {
			return models.Submission{}, forbidden("anonymous drafts are not allowed")
		}
		sub, err := m.store.CreateSubmission(ctx, store.SubmissionInput{
			OwnerID:  actor.ID,
			Title:    strings.TrimSpace(in.Title),
			Content:  in.Content,
			Excerpt:  excerpt,
			Category: strings.TrimSpace(in.Category),
			Tags:     in.Tags,
		})
		if err != nil {
			return models.Submission{}, fmt.Errorf("create draft: %w", err)
		}
		m.logger.Info("draft created", "post_id", sub.ID, "owner_id", sub.OwnerID)
		return sub, nil
	}
	if in.Version == 0 {
		return models.Submission{}, missingField("version")
	}
	return m.apply(ctx, in.ID, in.Version, actor, func(sub *models.Submission) (bool, error) {
		if !actor.canAccess(*sub) {
			return false, forbidden("not the owner of this submission")
		}
		if !sub.Status.Editable() {
			return false, invalidTransition("edit", sub.Status)
		}
		sub.Title = strings.TrimSpace(in.Title)
		sub.Content = in.Content
		sub.Excerpt = excerpt
		sub.Category = strings.TrimSpace(in.Category)
		sub.Tags = models.NormalizeTags(in.Tags)
		return true, nil
	})
}

type SubmitOptions struct {
	AutoPublish  bool
	ScheduledFor *models.Schedule
}

// Submit sends a Draft or ValidationFailed record to validation.
func (m *Machine) Submit(ctx context.Context, actor Actor, id uuid.UUID, version int64, opts SubmitOptions) (models.Submission, error) {
	if version == 0 {
		return models.Submission{}, missingField("version")
	}
	schedule, err := normalizeSchedule(opts.ScheduledFor)
	if err != nil {
		return models.Submission{}, err
	}
	if !actor.Privileged() && (opts.AutoPublish || schedule != nil) {
		return models.Submission{}, forbidden("auto-publish and scheduling require a privileged role")
	}

	sub, err := m.apply(ctx, id, version, actor, func(sub *models.Submission) (bool, error) {
		if !actor.canAccess(*sub) {
			return false, forbidden("not the owner of this submission")
		}
		if sub.Status != models.StatusDraft && sub.Status != models.StatusValidationFailed {
			return false, invalidTransition("submit", sub.Status)
		}
		if err := m.checkComplete(ctx, *sub, actor); err != nil {
			return false, err
		}
		sub.Status = models.StatusAwaitingValidation
		sub.ValidationAttempts = 0
		sub.ValidationRef = nil
		sub.PaymentRef = nil
		sub.FailureReason = models.ReasonNone
		sub.FailureDetail = ""
		sub.AutoPublish = opts.AutoPublish
		sub.ScheduledFor = schedule
		return true, nil
	})
	if err != nil {
		return sub, err
	}
	m.enqueue(sub.ID)
	return sub, nil
}

func (m *Machine) checkComplete(ctx context.Context, sub models.Submission, actor Actor) error {
	if strings.TrimSpace(sub.Title) == "" {
		return missingField("title")
	}
	if validation.ExtractText(sub.Content) == "" {
		return missingField("content")
	}
	if strings.TrimSpace(sub.Category) == "" {
		return missingField("category")
	}
	if actor.Privileged() {
		return nil
	}
	profile, err := m.store.GetAuthorProfile(ctx, sub.OwnerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return missingField("author.display_name")
		}
		return fmt.Errorf("load author profile: %w", err)
	}
	if strings.TrimSpace(profile.DisplayName) == "" {
		return missingField("author.display_name")
	}
	if strings.TrimSpace(profile.Bio) == "" {
		return missingField("author.bio")
	}
	return nil
}

func normalizeSchedule(s *models.Schedule) (*models.Schedule, error) {
	if s == nil || s.At.IsZero() {
		return nil, nil
	}
	out := models.Schedule{At: s.At.UTC(), Timezone: strings.TrimSpace(s.Timezone)}
	if out.Timezone == "" {
		out.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(out.Timezone); err != nil {
		return nil, &Error{Kind: KindMissingField, Field: "timezone", Msg: fmt.Sprintf("unknown timezone %q", out.Timezone)}
	}
	return &out, nil
}

// BeginValidation moves an AwaitingValidation record to Validating and counts the attempt.
func (m *Machine) BeginValidation(ctx context.Context, id uuid.UUID) (models.Submission, error) {
	return m.apply(ctx, id, 0, runnerActor, func(sub *models.Submission) (bool, error) {
		if sub.Status != models.StatusAwaitingValidation {
			return false, invalidTransition("begin validation", sub.Status)
		}
		sub.Status = models.StatusValidating
		sub.ValidationAttempts++
		return true, nil
	})
}

// OnValidationResult applies an aggregated verdict to a Validating record. version is
// the one returned by BeginValidation; zero applies the verdict to the latest record.
// A Pass only counts once the stored record of the current attempt confirms it.
func (m *Machine) OnValidationResult(ctx context.Context, id uuid.UUID, version int64, rec models.ValidationRecord) (models.Submission, error) {
	return m.validationResult(ctx, id, version, rec)
}

// RecoverStaleValidation treats a Validating record whose worker vanished as an
// Inconclusive outcome. It only applies if the record is still at version.
func (m *Machine) RecoverStaleValidation(ctx context.Context, id uuid.UUID, version int64) (models.Submission, error) {
	rec := models.ValidationRecord{
		PostID:          id,
		Verdict:         models.VerdictInconclusive,
		PlagiarismError: "validation worker did not report",
		AIContentError:  "validation worker did not report",
	}
	return m.validationResult(ctx, id, version, rec)
}

func (m *Machine) validationResult(ctx context.Context, id uuid.UUID, version int64, rec models.ValidationRecord) (models.Submission, error) {
	verdict := rec.Verdict
	if verdict == models.VerdictPass && !rec.Passes(m.cfg.Thresholds) {
		verdict = models.ComputeVerdict(rec.PlagiarismScore, rec.AIContentScore, m.cfg.Thresholds)
	}

	sub, err := m.apply(ctx, id, version, runnerActor, func(sub *models.Submission) (bool, error) {
		if sub.Status != models.StatusValidating {
			return false, invalidTransition("validation result", sub.Status)
		}
		outcome := verdict
		if outcome == models.VerdictPass {
			confirmed, err := m.passRecorded(ctx, *sub)
			if err != nil {
				return false, err
			}
			if !confirmed {
				m.logger.Warn("pass verdict without a stored passing record", "post_id", sub.ID, "attempt", sub.ValidationAttempts)
				outcome = models.VerdictInconclusive
			}
		}
		switch outcome {
		case models.VerdictPass:
			ref := sub.ID
			sub.Status = models.StatusAwaitingPayment
			sub.ValidationRef = &ref
			sub.FailureReason = models.ReasonNone
			sub.FailureDetail = ""
		case models.VerdictFail:
			sub.Status = models.StatusValidationFailed
			sub.FailureReason = models.ReasonContentRejected
			sub.FailureDetail = describeScores(rec, m.cfg.Thresholds)
		default:
			if sub.ValidationAttempts < m.cfg.MaxValidationAttempts {
				sub.Status = models.StatusAwaitingValidation
				sub.FailureReason = models.ReasonNone
				sub.FailureDetail = ""
			} else {
				sub.Status = models.StatusValidationFailed
				sub.FailureReason = models.ReasonServiceUnavailable
				sub.FailureDetail = fmt.Sprintf("validation inconclusive after %d attempts", sub.ValidationAttempts)
			}
		}
		return true, nil
	})
	if err != nil {
		return sub, err
	}
	if sub.Status == models.StatusAwaitingValidation {
		m.enqueue(sub.ID)
	}
	return sub, nil
}

// passRecorded reports whether the stored validation record belongs to the current
// attempt and passes the configured thresholds.
func (m *Machine) passRecorded(ctx context.Context, sub models.Submission) (bool, error) {
	stored, err := m.store.GetValidationRecord(ctx, sub.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load validation record: %w", err)
	}
	return stored.AttemptCount == sub.ValidationAttempts && stored.Passes(m.cfg.Thresholds), nil
}

func describeScores(rec models.ValidationRecord, th models.Thresholds) string {
	var parts []string
	if rec.PlagiarismScore != nil && *rec.PlagiarismScore > th.Plagiarism {
		parts = append(parts, fmt.Sprintf("plagiarism score %.1f exceeds %.1f", *rec.PlagiarismScore, th.Plagiarism))
	}
	if rec.AIContentScore != nil && *rec.AIContentScore > th.AIContent {
		parts = append(parts, fmt.Sprintf("ai content score %.1f exceeds %.1f", *rec.AIContentScore, th.AIContent))
	}
	if len(parts) == 0 {
		return "content did not pass validation"
	}
	return strings.Join(parts, "; ")
}

type PaymentSession struct {
	Submission models.Submission    `json:"submission"`
	Payment    models.PaymentRecord `json:"payment"`
}

// CreatePaymentSession opens a gateway session for an AwaitingPayment record. The
// record only moves to PaymentProcessing once the gateway has acknowledged.
func (m *Machine) CreatePaymentSession(ctx context.Context, actor Actor, id uuid.UUID, version int64) (PaymentSession, error) {
	if version == 0 {
		return PaymentSession{}, missingField("version")
	}
	sub, err := m.load(ctx, id)
	if err != nil {
		return PaymentSession{}, err
	}
	if !actor.canAccess(sub) {
		return PaymentSession{}, forbidden("not the owner of this submission")
	}
	if sub.Version != version {
		return PaymentSession{Submission: sub}, conflict(version, sub.Version)
	}
	if sub.Status != models.StatusAwaitingPayment {
		return PaymentSession{Submission: sub}, invalidTransition("create payment session", sub.Status)
	}

	pay, err := m.store.CreatePayment(ctx, store.PaymentInput{PostID: sub.ID, Amount: m.cfg.Fee, Currency: m.cfg.Currency})
	if err != nil {
		return PaymentSession{Submission: sub}, fmt.Errorf("create payment record: %w", err)
	}
	session, err := m.gateway.CreateSession(ctx, payment.SessionRequest{
		PostID:         sub.ID,
		PaymentID:      pay.ID,
		Amount:         pay.Amount,
		Currency:       pay.Currency,
		IdempotencyKey: pay.ID.String(),
	})
	if err != nil {
		pay = m.failPayment(ctx, pay)
		kind := KindServiceUnavailable
		if payment.IsRejected(err) {
			kind = KindGatewayRejected
		}
		m.logger.Warn("payment session not created", "post_id", sub.ID, "payment_id", pay.ID, "error", err)
		return PaymentSession{Submission: sub, Payment: pay}, &Error{Kind: kind, Msg: "payment session not created", Err: err}
	}
	pay, err = m.store.AttachPaymentSession(ctx, pay.ID, session.ID, session.RedirectURL)
	if err != nil {
		return PaymentSession{Submission: sub}, fmt.Errorf("attach payment session: %w", err)
	}

	next := sub
	ref := pay.ID
	next.Status = models.StatusPaymentProcessing
	next.PaymentRef = &ref
	next.FailureReason = models.ReasonNone
	next.FailureDetail = ""
	updated, err := m.commit(ctx, next, sub.Status, version, actor)
	if err != nil {
		m.failPayment(ctx, pay)
		return PaymentSession{Submission: sub, Payment: pay}, err
	}

	// A callback may have resolved the payment between the gateway ack and the commit.
	current, err := m.store.GetPayment(ctx, pay.ID)
	if err != nil {
		return PaymentSession{Submission: updated, Payment: pay}, nil
	}
	if current.Status.Resolved() {
		applied, err := m.applyPayment(ctx, current)
		if err != nil {
			m.logger.Warn("apply early payment result", "post_id", sub.ID, "payment_id", pay.ID, "error", err)
		} else {
			updated = applied
		}
	}
	return PaymentSession{Submission: updated, Payment: current}, nil
}

func (m *Machine) failPayment(ctx context.Context, pay models.PaymentRecord) models.PaymentRecord {
	failed, err := m.store.ResolvePayment(ctx, store.PaymentResolution{ID: pay.ID, Status: models.PaymentFailed, ResolvedAt: m.now()})
	if err != nil {
		m.logger.Error("mark payment failed", "payment_id", pay.ID, "post_id", pay.PostID, "error", err)
		return pay
	}
	return failed
}

type PaymentResult struct {
	// PostID is optional; when set it must match the payment's post.
	PostID                uuid.UUID
	PaymentID             uuid.UUID
	Status                models.PaymentStatus
	ExternalTransactionID *string
}

// OnPaymentResult records a gateway outcome and advances the submission. Duplicate
// deliveries resolve nothing and leave the record as it is.
func (m *Machine) OnPaymentResult(ctx context.Context, res PaymentResult) (models.Submission, error) {
	pay, err := m.store.GetPayment(ctx, res.PaymentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Submission{}, &Error{Kind: KindNotFound, Msg: "payment not found"}
		}
		return models.Submission{}, fmt.Errorf("load payment: %w", err)
	}
	if res.PostID != uuid.Nil && res.PostID != pay.PostID {
		return models.Submission{}, &Error{Kind: KindNotFound, Msg: "payment does not belong to submission"}
	}
	if !res.Status.Resolved() {
		return m.load(ctx, pay.PostID)
	}

	resolved, err := m.store.ResolvePayment(ctx, store.PaymentResolution{
		ID:                    pay.ID,
		Status:                res.Status,
		ExternalTransactionID: res.ExternalTransactionID,
		ResolvedAt:            m.now(),
	})
	switch {
	case err == nil:
		pay = resolved
		m.logger.Info("payment resolved", "payment_id", pay.ID, "post_id", pay.PostID, "status", pay.Status)
	case errors.Is(err, store.ErrPaymentResolved):
		m.logger.Debug("duplicate payment result", "payment_id", pay.ID, "status", res.Status)
		if pay, err = m.store.GetPayment(ctx, pay.ID); err != nil {
			return models.Submission{}, fmt.Errorf("reload payment: %w", err)
		}
	default:
		return models.Submission{}, fmt.Errorf("resolve payment: %w", err)
	}
	return m.applyPayment(ctx, pay)
}

// HandleCallback routes a webhook notification by gateway session id. Unknown
// sessions and stale transitions are acknowledged without effect.
func (m *Machine) HandleCallback(ctx context.Context, cb payment.Callback) error {
	pay, err := m.store.GetPaymentBySession(ctx, cb.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.logger.Info("payment callback for unknown session", "session_id", cb.SessionID, "status", cb.Status)
			return nil
		}
		return fmt.Errorf("load payment by session: %w", err)
	}
	_, err = m.OnPaymentResult(ctx, PaymentResult{
		PaymentID:             pay.ID,
		Status:                cb.Status,
		ExternalTransactionID: cb.ExternalTransactionID,
	})
	return m.dropStale("payment callback", pay.PostID, err)
}

// applyPayment moves a PaymentProcessing record according to its resolved payment.
// Records that no longer point at the payment are left alone.
func (m *Machine) applyPayment(ctx context.Context, pay models.PaymentRecord) (models.Submission, error) {
	return m.apply(ctx, pay.PostID, 0, gatewayActor, func(sub *models.Submission) (bool, error) {
		if sub.Status != models.StatusPaymentProcessing || sub.PaymentRef == nil || *sub.PaymentRef != pay.ID {
			return false, nil
		}
		now := m.now()
		switch pay.Status {
		case models.PaymentSucceeded:
			switch {
			case !sub.AutoPublish:
				sub.Status = models.StatusPendingReview
			case sub.ScheduledFor != nil && sub.ScheduledFor.At.After(now):
				sub.Status = models.StatusScheduled
			default:
				sub.Status = models.StatusPublished
				sub.PublishedAt = &now
			}
		case models.PaymentFailed, models.PaymentRefunded:
			sub.Status = models.StatusAwaitingPayment
			sub.PaymentRef = nil
			sub.FailureReason = models.ReasonGatewayRejected
			sub.FailureDetail = fmt.Sprintf("payment %s", pay.Status)
		default:
			return false, nil
		}
		return true, nil
	})
}

type Decision struct {
	Approve  bool
	Reason   string
	Schedule *models.Schedule
	// KeepRequestedSchedule applies the schedule given at submit time when Schedule is nil.
	KeepRequestedSchedule bool
}

// AdminDecision approves or rejects a PendingReview record.
func (m *Machine) AdminDecision(ctx context.Context, actor Actor, id uuid.UUID, version int64, d Decision) (models.Submission, error) {
	if !actor.IsAdmin() {
		return models.Submission{}, forbidden("admin role required")
	}
	if version == 0 {
		return models.Submission{}, missingField("version")
	}
	schedule, err := normalizeSchedule(d.Schedule)
	if err != nil {
		return models.Submission{}, err
	}
	return m.apply(ctx, id, version, actor, func(sub *models.Submission) (bool, error) {
		if sub.Status != models.StatusPendingReview {
			return false, invalidTransition("admin decision", sub.Status)
		}
		if !d.Approve {
			sub.Status = models.StatusRejected
			sub.FailureReason = models.ReasonAdminRejected
			sub.FailureDetail = strings.TrimSpace(d.Reason)
			return true, nil
		}
		// Without a schedule the approval publishes now unless the submit-time one is kept.
		sched := schedule
		if sched == nil && d.KeepRequestedSchedule {
			sched = sub.ScheduledFor
		}
		sub.ScheduledFor = sched
		now := m.now()
		if sched != nil && sched.At.After(now) {
			sub.Status = models.StatusScheduled
		} else {
			sub.Status = models.StatusPublished
			sub.PublishedAt = &now
		}
		return true, nil
	})
}

// FirePublication publishes a due Scheduled record. A second call observes Published
// and fails with InvalidTransition.
func (m *Machine) FirePublication(ctx context.Context, id uuid.UUID) (models.Submission, error) {
	return m.apply(ctx, id, 0, schedulerActor, func(sub *models.Submission) (bool, error) {
		if sub.Status != models.StatusScheduled {
			return false, invalidTransition("fire publication", sub.Status)
		}
		now := m.now()
		if sub.ScheduledFor != nil && sub.ScheduledFor.At.After(now) {
			return false, &Error{Kind: KindInvalidTransition, Msg: "publication is not due yet"}
		}
		sub.Status = models.StatusPublished
		sub.PublishedAt = &now
		return true, nil
	})
}

// Cancel withdraws a submission. Draft is a no-op and AwaitingPayment returns to Draft.
func (m *Machine) Cancel(ctx context.Context, actor Actor, id uuid.UUID, version int64) (models.Submission, error) {
	if version == 0 {
		return models.Submission{}, missingField("version")
	}
	return m.apply(ctx, id, version, actor, func(sub *models.Submission) (bool, error) {
		if !actor.canAccess(*sub) {
			return false, forbidden("not the owner of this submission")
		}
		switch sub.Status {
		case models.StatusDraft:
			return false, nil
		case models.StatusAwaitingPayment:
			if sub.PaymentRef != nil {
				return false, invalidTransition("cancel with open payment session", sub.Status)
			}
			sub.Status = models.StatusDraft
			sub.ValidationRef = nil
			sub.ValidationAttempts = 0
			sub.AutoPublish = false
			sub.ScheduledFor = nil
			sub.FailureReason = models.ReasonNone
			sub.FailureDetail = ""
			return true, nil
		}
		return false, invalidTransition("cancel", sub.Status)
	})
}

type View struct {
	Submission models.Submission        `json:"submission"`
	Validation *models.ValidationRecord `json:"validation,omitempty"`
	Payment    *models.PaymentRecord    `json:"payment,omitempty"`
}

// Get returns a submission with its validation record and current payment.
func (m *Machine) Get(ctx context.Context, actor Actor, id uuid.UUID) (View, error) {
	sub, err := m.load(ctx, id)
	if err != nil {
		return View{}, err
	}
	if !actor.canAccess(sub) {
		return View{}, forbidden("not the owner of this submission")
	}
	view := View{Submission: sub}
	if rec, err := m.store.GetValidationRecord(ctx, id); err == nil {
		view.Validation = &rec
	} else if !errors.Is(err, store.ErrNotFound) {
		return View{}, fmt.Errorf("load validation record: %w", err)
	}
	if sub.PaymentRef != nil {
		pay, err := m.store.GetPayment(ctx, *sub.PaymentRef)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return View{}, fmt.Errorf("load payment: %w", err)
		}
		if err == nil {
			view.Payment = &pay
		}
	}
	return view, nil
}
