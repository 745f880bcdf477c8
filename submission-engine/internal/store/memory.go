package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/guestpost/marketplace/submission-engine/internal/models"
)

// MemoryStore is a process-local Store used by tests and local runs without Postgres.
type MemoryStore struct {
	mu          sync.RWMutex
	submissions map[uuid.UUID]models.Submission
	validations map[uuid.UUID]models.ValidationRecord
	payments    map[uuid.UUID]models.PaymentRecord
	claims      map[uuid.UUID]models.PublicationClaim
	authors     map[string]models.AuthorProfile
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		submissions: map[uuid.UUID]models.Submission{},
		validations: map[uuid.UUID]models.ValidationRecord{},
		payments:    map[uuid.UUID]models.PaymentRecord{},
		claims:      map[uuid.UUID]models.PublicationClaim{},
		authors:     map[string]models.AuthorProfile{},
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the timestamp source used for created_at/updated_at.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// PutAuthorProfile seeds an author profile.
func (m *MemoryStore) PutAuthorProfile(p models.AuthorProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authors[p.OwnerID] = p
}

func cloneSubmission(sub models.Submission) models.Submission {
	sub.Tags = append([]string{}, sub.Tags...)
	if sub.ValidationRef != nil {
		v := *sub.ValidationRef
		sub.ValidationRef = &v
	}
	if sub.PaymentRef != nil {
		v := *sub.PaymentRef
		sub.PaymentRef = &v
	}
	if sub.ScheduledFor != nil {
		v := *sub.ScheduledFor
		v.At = v.At.UTC()
		sub.ScheduledFor = &v
	}
	if sub.PublishedAt != nil {
		v := *sub.PublishedAt
		sub.PublishedAt = &v
	}
	return sub
}

func (m *MemoryStore) CreateSubmission(ctx context.Context, in SubmissionInput) (models.Submission, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.submissions[in.ID]; exists {
		return models.Submission{}, fmt.Errorf("insert submission: duplicate id %s", in.ID)
	}
	now := m.now()
	sub := models.Submission{
		ID:        in.ID,
		OwnerID:   in.OwnerID,
		Title:     in.Title,
		Content:   in.Content,
		Excerpt:   in.Excerpt,
		Category:  in.Category,
		Tags:      models.NormalizeTags(in.Tags),
		Status:    models.StatusDraft,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.submissions[sub.ID] = sub
	return cloneSubmission(sub), nil
}

func (m *MemoryStore) GetSubmission(ctx context.Context, id uuid.UUID) (models.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.submissions[id]
	if !ok {
		return models.Submission{}, ErrNotFound
	}
	return cloneSubmission(sub), nil
}

func (m *MemoryStore) UpdateSubmission(ctx context.Context, sub models.Submission, expectedVersion int64) (models.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.submissions[sub.ID]
	if !ok {
		return models.Submission{}, ErrNotFound
	}
	if current.Version != expectedVersion {
		return models.Submission{}, fmt.Errorf("%w: expected %d, stored %d", ErrVersionConflict, expectedVersion, current.Version)
	}
	next := cloneSubmission(sub)
	next.OwnerID = current.OwnerID
	next.CreatedAt = current.CreatedAt
	next.Tags = models.NormalizeTags(next.Tags)
	next.Version = current.Version + 1
	next.UpdatedAt = m.now()
	m.submissions[next.ID] = next
	return cloneSubmission(next), nil
}

func (m *MemoryStore) ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]models.Submission, error) {
	m.mu.RLock()
	var out []models.Submission
	for _, sub := range m.submissions {
		if filter.Status != "" && sub.Status != filter.Status {
			continue
		}
		if filter.ScheduledBefore != nil {
			if sub.ScheduledFor == nil || sub.ScheduledFor.At.After(*filter.ScheduledBefore) {
				continue
			}
		}
		if filter.UpdatedBefore != nil && !sub.UpdatedAt.Before(*filter.UpdatedBefore) {
			continue
		}
		out = append(out, cloneSubmission(sub))
	}
	m.mu.RUnlock()

	if filter.ScheduledBefore != nil {
		sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.At.Before(out[j].ScheduledFor.At) })
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	}
	if limit := normalizeLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UpsertValidationRecord(ctx context.Context, rec models.ValidationRecord) (models.ValidationRecord, error) {
	if rec.ComputedAt.IsZero() {
		rec.ComputedAt = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validations[rec.PostID] = rec
	return rec, nil
}

func (m *MemoryStore) GetValidationRecord(ctx context.Context, postID uuid.UUID) (models.ValidationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.validations[postID]
	if !ok {
		return models.ValidationRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) CreatePayment(ctx context.Context, in PaymentInput) (models.PaymentRecord, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	rec := models.PaymentRecord{
		ID:        in.ID,
		PostID:    in.PostID,
		Amount:    in.Amount,
		Currency:  in.Currency,
		Status:    models.PaymentCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.payments[rec.ID] = rec
	return rec, nil
}

func (m *MemoryStore) GetPayment(ctx context.Context, id uuid.UUID) (models.PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.payments[id]
	if !ok {
		return models.PaymentRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) GetPaymentBySession(ctx context.Context, sessionID string) (models.PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.payments {
		if rec.GatewaySessionID != "" && rec.GatewaySessionID == sessionID {
			return rec, nil
		}
	}
	return models.PaymentRecord{}, ErrNotFound
}

func (m *MemoryStore) AttachPaymentSession(ctx context.Context, id uuid.UUID, sessionID, redirectURL string) (models.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.payments[id]
	if !ok {
		return models.PaymentRecord{}, ErrNotFound
	}
	if rec.Status != models.PaymentCreated {
		return models.PaymentRecord{}, ErrPaymentResolved
	}
	rec.GatewaySessionID = sessionID
	rec.RedirectURL = redirectURL
	rec.Status = models.PaymentPending
	rec.UpdatedAt = m.now()
	m.payments[id] = rec
	return rec, nil
}

func (m *MemoryStore) ResolvePayment(ctx context.Context, in PaymentResolution) (models.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.payments[in.ID]
	if !ok {
		return models.PaymentRecord{}, ErrNotFound
	}
	if rec.Status != models.PaymentCreated && rec.Status != models.PaymentPending {
		return models.PaymentRecord{}, ErrPaymentResolved
	}
	rec.Status = in.Status
	if in.ExternalTransactionID != nil {
		v := *in.ExternalTransactionID
		rec.ExternalTransactionID = &v
	}
	resolved := in.ResolvedAt
	rec.ResolvedAt = &resolved
	rec.UpdatedAt = m.now()
	m.payments[in.ID] = rec
	return rec, nil
}

func (m *MemoryStore) ClaimPublication(ctx context.Context, postID uuid.UUID, workerID string, lease time.Duration, now time.Time) (models.PublicationClaim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.claims[postID]; ok && existing.Active(now) {
		return models.PublicationClaim{}, ErrClaimHeld
	}
	claim := models.PublicationClaim{PostID: postID, WorkerID: workerID, LeaseUntil: now.UTC().Add(lease)}
	m.claims[postID] = claim
	return claim, nil
}

func (m *MemoryStore) ReleasePublication(ctx context.Context, postID uuid.UUID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.claims[postID]; ok && existing.WorkerID == workerID {
		delete(m.claims, postID)
	}
	return nil
}

func (m *MemoryStore) GetAuthorProfile(ctx context.Context, ownerID string) (models.AuthorProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.authors[ownerID]
	if !ok {
		return models.AuthorProfile{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
