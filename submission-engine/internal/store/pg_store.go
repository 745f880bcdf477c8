package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/guestpost/marketplace/submission-engine/internal/models"
)

type PGStore struct {
	db   *sql.DB
	psql sq.StatementBuilderType
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{
		db:   db,
		psql: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

var submissionColumns = []string{
	"id", "owner_id", "title", "content", "excerpt", "category", "tags", "status",
	"validation_ref", "payment_ref", "scheduled_for", "schedule_timezone", "auto_publish",
	"validation_attempts", "failure_reason", "failure_detail", "version", "published_at",
	"created_at", "updated_at",
}

var paymentColumns = []string{
	"id", "post_id", "amount", "currency", "gateway_session_id", "redirect_url", "status",
	"external_transaction_id", "created_at", "updated_at", "resolved_at",
}

var (
	submissionReturning = strings.Join(submissionColumns, ", ")
	paymentReturning    = strings.Join(paymentColumns, ", ")
)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubmission(row rowScanner) (models.Submission, error) {
	var (
		sub           models.Submission
		tags          pq.StringArray
		status        string
		validationRef sql.NullString
		paymentRef    sql.NullString
		scheduledFor  sql.NullTime
		timezone      sql.NullString
		reason        sql.NullString
		detail        sql.NullString
		publishedAt   sql.NullTime
	)
	if err := row.Scan(
		&sub.ID,
		&sub.OwnerID,
		&sub.Title,
		&sub.Content,
		&sub.Excerpt,
		&sub.Category,
		&tags,
		&status,
		&validationRef,
		&paymentRef,
		&scheduledFor,
		&timezone,
		&sub.AutoPublish,
		&sub.ValidationAttempts,
		&reason,
		&detail,
		&sub.Version,
		&publishedAt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	); err != nil {
		return models.Submission{}, err
	}
	sub.Tags = []string(tags)
	if sub.Tags == nil {
		sub.Tags = []string{}
	}
	sub.Status = models.SubmissionStatus(status)
	sub.ValidationRef = parseNullUUID(validationRef)
	sub.PaymentRef = parseNullUUID(paymentRef)
	if scheduledFor.Valid {
		sub.ScheduledFor = &models.Schedule{At: scheduledFor.Time.UTC(), Timezone: timezone.String}
	}
	sub.FailureReason = models.FailureReason(reason.String)
	sub.FailureDetail = detail.String
	if publishedAt.Valid {
		t := publishedAt.Time
		sub.PublishedAt = &t
	}
	return sub, nil
}

func scanPayment(row rowScanner) (models.PaymentRecord, error) {
	var (
		rec        models.PaymentRecord
		status     string
		session    sql.NullString
		redirect   sql.NullString
		externalID sql.NullString
		resolvedAt sql.NullTime
	)
	if err := row.Scan(
		&rec.ID,
		&rec.PostID,
		&rec.Amount,
		&rec.Currency,
		&session,
		&redirect,
		&status,
		&externalID,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&resolvedAt,
	); err != nil {
		return models.PaymentRecord{}, err
	}
	rec.Status = models.PaymentStatus(status)
	rec.GatewaySessionID = session.String
	rec.RedirectURL = redirect.String
	if externalID.Valid {
		v := externalID.String
		rec.ExternalTransactionID = &v
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		rec.ResolvedAt = &t
	}
	return rec, nil
}

func parseNullUUID(v sql.NullString) *uuid.UUID {
	if !v.Valid {
		return nil
	}
	id, err := uuid.Parse(v.String)
	if err != nil {
		return nil
	}
	return &id
}

func nullUUID(id *uuid.UUID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (s *PGStore) CreateSubmission(ctx context.Context, in SubmissionInput) (models.Submission, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	query := `
		INSERT INTO submissions (id, owner_id, title, content, excerpt, category, tags, status, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,1)
		RETURNING ` + submissionReturning
	row := s.db.QueryRowContext(ctx, query, in.ID, in.OwnerID, in.Title, in.Content, in.Excerpt, in.Category,
		pq.StringArray(models.NormalizeTags(in.Tags)), string(models.StatusDraft))
	sub, err := scanSubmission(row)
	if err != nil {
		return models.Submission{}, fmt.Errorf("insert submission: %w", err)
	}
	return sub, nil
}

func (s *PGStore) GetSubmission(ctx context.Context, id uuid.UUID) (models.Submission, error) {
	query := `SELECT ` + submissionReturning + ` FROM submissions WHERE id=$1`
	sub, err := scanSubmission(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Submission{}, ErrNotFound
		}
		return models.Submission{}, fmt.Errorf("get submission: %w", err)
	}
	return sub, nil
}

// UpdateSubmission writes every mutable field of sub if the stored version still equals
// expectedVersion, bumping the version by one.
func (s *PGStore) UpdateSubmission(ctx context.Context, sub models.Submission, expectedVersion int64) (models.Submission, error) {
	var (
		scheduledFor sql.NullTime
		timezone     string
	)
	if sub.ScheduledFor != nil {
		scheduledFor = sql.NullTime{Time: sub.ScheduledFor.At.UTC(), Valid: true}
		timezone = sub.ScheduledFor.Timezone
	}
	query := `
		UPDATE submissions
		SET title=$3,
		    content=$4,
		    excerpt=$5,
		    category=$6,
		    tags=$7,
		    status=$8,
		    validation_ref=$9,
		    payment_ref=$10,
		    scheduled_for=$11,
		    schedule_timezone=$12,
		    auto_publish=$13,
		    validation_attempts=$14,
		    failure_reason=$15,
		    failure_detail=$16,
		    published_at=$17,
		    version=version+1,
		    updated_at=NOW()
		WHERE id=$1 AND version=$2
		RETURNING ` + submissionReturning
	row := s.db.QueryRowContext(ctx, query,
		sub.ID,
		expectedVersion,
		sub.Title,
		sub.Content,
		sub.Excerpt,
		sub.Category,
		pq.StringArray(models.NormalizeTags(sub.Tags)),
		string(sub.Status),
		nullUUID(sub.ValidationRef),
		nullUUID(sub.PaymentRef),
		scheduledFor,
		timezone,
		sub.AutoPublish,
		sub.ValidationAttempts,
		string(sub.FailureReason),
		sub.FailureDetail,
		nullTime(sub.PublishedAt),
	)
	updated, err := scanSubmission(row)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Submission{}, fmt.Errorf("update submission: %w", err)
	}
	var current int64
	if err := s.db.QueryRowContext(ctx, `SELECT version FROM submissions WHERE id=$1`, sub.ID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Submission{}, ErrNotFound
		}
		return models.Submission{}, fmt.Errorf("read submission version: %w", err)
	}
	return models.Submission{}, fmt.Errorf("%w: expected %d, stored %d", ErrVersionConflict, expectedVersion, current)
}

func (s *PGStore) ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]models.Submission, error) {
	q := s.psql.Select(submissionColumns...).From("submissions")
	if filter.Status != "" {
		q = q.Where(sq.Eq{"status": string(filter.Status)})
	}
	orderBy := "updated_at ASC"
	if filter.ScheduledBefore != nil {
		q = q.Where(sq.LtOrEq{"scheduled_for": filter.ScheduledBefore.UTC()})
		orderBy = "scheduled_for ASC"
	}
	if filter.UpdatedBefore != nil {
		q = q.Where(sq.Lt{"updated_at": filter.UpdatedBefore.UTC()})
	}
	q = q.OrderBy(orderBy).Limit(uint64(normalizeLimit(filter.Limit)))

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var out []models.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return out, nil
}

func (s *PGStore) UpsertValidationRecord(ctx context.Context, rec models.ValidationRecord) (models.ValidationRecord, error) {
	if rec.ComputedAt.IsZero() {
		rec.ComputedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO validation_records (post_id, plagiarism_score, ai_content_score, plagiarism_error, ai_content_error, verdict, attempt_count, computed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (post_id)
		DO UPDATE SET plagiarism_score = EXCLUDED.plagiarism_score,
			ai_content_score = EXCLUDED.ai_content_score,
			plagiarism_error = EXCLUDED.plagiarism_error,
			ai_content_error = EXCLUDED.ai_content_error,
			verdict = EXCLUDED.verdict,
			attempt_count = EXCLUDED.attempt_count,
			computed_at = EXCLUDED.computed_at
		RETURNING computed_at
	`
	var computedAt time.Time
	if err := s.db.QueryRowContext(ctx, query,
		rec.PostID,
		nullFloat(rec.PlagiarismScore),
		nullFloat(rec.AIContentScore),
		rec.PlagiarismError,
		rec.AIContentError,
		string(rec.Verdict),
		rec.AttemptCount,
		rec.ComputedAt,
	).Scan(&computedAt); err != nil {
		return models.ValidationRecord{}, fmt.Errorf("upsert validation record: %w", err)
	}
	rec.ComputedAt = computedAt
	return rec, nil
}

func (s *PGStore) GetValidationRecord(ctx context.Context, postID uuid.UUID) (models.ValidationRecord, error) {
	const query = `
		SELECT post_id, plagiarism_score, ai_content_score, plagiarism_error, ai_content_error, verdict, attempt_count, computed_at
		FROM validation_records
		WHERE post_id=$1
	`
	var (
		rec        models.ValidationRecord
		plagiarism sql.NullFloat64
		aiContent  sql.NullFloat64
		verdict    string
	)
	err := s.db.QueryRowContext(ctx, query, postID).Scan(
		&rec.PostID,
		&plagiarism,
		&aiContent,
		&rec.PlagiarismError,
		&rec.AIContentError,
		&verdict,
		&rec.AttemptCount,
		&rec.ComputedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ValidationRecord{}, ErrNotFound
		}
		return models.ValidationRecord{}, fmt.Errorf("get validation record: %w", err)
	}
	if plagiarism.Valid {
		v := plagiarism.Float64
		rec.PlagiarismScore = &v
	}
	if aiContent.Valid {
		v := aiContent.Float64
		rec.AIContentScore = &v
	}
	rec.Verdict = models.Verdict(verdict)
	return rec, nil
}

func (s *PGStore) CreatePayment(ctx context.Context, in PaymentInput) (models.PaymentRecord, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	query := `
		INSERT INTO payments (id, post_id, amount, currency, status)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING ` + paymentReturning
	rec, err := scanPayment(s.db.QueryRowContext(ctx, query, in.ID, in.PostID, in.Amount, in.Currency, string(models.PaymentCreated)))
	if err != nil {
		return models.PaymentRecord{}, fmt.Errorf("insert payment: %w", err)
	}
	return rec, nil
}

func (s *PGStore) GetPayment(ctx context.Context, id uuid.UUID) (models.PaymentRecord, error) {
	query := `SELECT ` + paymentReturning + ` FROM payments WHERE id=$1`
	rec, err := scanPayment(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PaymentRecord{}, ErrNotFound
		}
		return models.PaymentRecord{}, fmt.Errorf("get payment: %w", err)
	}
	return rec, nil
}

func (s *PGStore) GetPaymentBySession(ctx context.Context, sessionID string) (models.PaymentRecord, error) {
	query := `SELECT ` + paymentReturning + ` FROM payments WHERE gateway_session_id=$1`
	rec, err := scanPayment(s.db.QueryRowContext(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PaymentRecord{}, ErrNotFound
		}
		return models.PaymentRecord{}, fmt.Errorf("get payment by session: %w", err)
	}
	return rec, nil
}

// AttachPaymentSession records the gateway acknowledgement, moving the payment from
// created to pending.
func (s *PGStore) AttachPaymentSession(ctx context.Context, id uuid.UUID, sessionID, redirectURL string) (models.PaymentRecord, error) {
	query := `
		UPDATE payments
		SET gateway_session_id=$2, redirect_url=$3, status=$4, updated_at=NOW()
		WHERE id=$1 AND status=$5
		RETURNING ` + paymentReturning
	rec, err := scanPayment(s.db.QueryRowContext(ctx, query, id, sessionID, redirectURL,
		string(models.PaymentPending), string(models.PaymentCreated)))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.PaymentRecord{}, fmt.Errorf("attach payment session: %w", err)
	}
	if _, getErr := s.GetPayment(ctx, id); getErr != nil {
		return models.PaymentRecord{}, getErr
	}
	return models.PaymentRecord{}, ErrPaymentResolved
}

// ResolvePayment sets a final status only while the payment is still created or pending.
func (s *PGStore) ResolvePayment(ctx context.Context, in PaymentResolution) (models.PaymentRecord, error) {
	query := `
		UPDATE payments
		SET status=$2,
		    external_transaction_id=COALESCE($3, external_transaction_id),
		    resolved_at=$4,
		    updated_at=NOW()
		WHERE id=$1 AND status IN ($5, $6)
		RETURNING ` + paymentReturning
	rec, err := scanPayment(s.db.QueryRowContext(ctx, query, in.ID, string(in.Status), nullString(in.ExternalTransactionID),
		in.ResolvedAt, string(models.PaymentCreated), string(models.PaymentPending)))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.PaymentRecord{}, fmt.Errorf("resolve payment: %w", err)
	}
	if _, getErr := s.GetPayment(ctx, in.ID); getErr != nil {
		return models.PaymentRecord{}, getErr
	}
	return models.PaymentRecord{}, ErrPaymentResolved
}

// ClaimPublication inserts or takes over the claim row for postID. The conflict branch
// only fires when the existing lease has expired, so at most one worker holds a post.
func (s *PGStore) ClaimPublication(ctx context.Context, postID uuid.UUID, workerID string, lease time.Duration, now time.Time) (models.PublicationClaim, error) {
	now = now.UTC()
	query, args, err := s.psql.Insert("publication_claims").
		Columns("post_id", "worker_id", "lease_until", "claimed_at").
		Values(postID, workerID, now.Add(lease), now).
		Suffix(`ON CONFLICT (post_id) DO UPDATE
			SET worker_id = EXCLUDED.worker_id,
			    lease_until = EXCLUDED.lease_until,
			    claimed_at = EXCLUDED.claimed_at
			WHERE publication_claims.lease_until <= EXCLUDED.claimed_at
			RETURNING post_id, worker_id, lease_until`).
		ToSql()
	if err != nil {
		return models.PublicationClaim{}, fmt.Errorf("build claim query: %w", err)
	}
	var claim models.PublicationClaim
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&claim.PostID, &claim.WorkerID, &claim.LeaseUntil); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PublicationClaim{}, ErrClaimHeld
		}
		return models.PublicationClaim{}, fmt.Errorf("claim publication: %w", err)
	}
	return claim, nil
}

func (s *PGStore) ReleasePublication(ctx context.Context, postID uuid.UUID, workerID string) error {
	query, args, err := s.psql.Delete("publication_claims").
		Where(sq.Eq{"post_id": postID, "worker_id": workerID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build release query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("release publication: %w", err)
	}
	return nil
}

func (s *PGStore) GetAuthorProfile(ctx context.Context, ownerID string) (models.AuthorProfile, error) {
	const query = `SELECT owner_id, display_name, bio, email FROM author_profiles WHERE owner_id=$1`
	var p models.AuthorProfile
	if err := s.db.QueryRowContext(ctx, query, ownerID).Scan(&p.OwnerID, &p.DisplayName, &p.Bio, &p.Email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.AuthorProfile{}, ErrNotFound
		}
		return models.AuthorProfile{}, fmt.Errorf("get author profile: %w", err)
	}
	return p, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
