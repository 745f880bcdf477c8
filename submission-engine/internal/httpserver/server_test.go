package httpserver_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestpost/marketplace/submission-engine/internal/auth"
	"github.com/guestpost/marketplace/submission-engine/internal/httpserver"
	"github.com/guestpost/marketplace/submission-engine/internal/models"
	"github.com/guestpost/marketplace/submission-engine/internal/payment"
	"github.com/guestpost/marketplace/submission-engine/internal/store"
	"github.com/guestpost/marketplace/submission-engine/internal/workflow"
)

const webhookSecret = "whsec_test"

type env struct {
	st      *store.MemoryStore
	machine *workflow.Machine
	srv     *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := store.NewMemoryStore()
	st.PutAuthorProfile(models.AuthorProfile{OwnerID: "author-1", DisplayName: "Ada", Bio: "Writes about Go"})
	m := workflow.NewMachine(st, payment.NewStaticGateway("https://pay.local"), nil, workflow.Config{}, nil)
	v, err := auth.NewVerifier(auth.Config{DevAllowLocal: true})
	require.NoError(t, err)

	srv := httptest.NewServer(httpserver.New(m, st, v, webhookSecret, nil).Router())
	t.Cleanup(srv.Close)
	return &env{st: st, machine: m, srv: srv}
}

func (e *env) do(t *testing.T, method, path, principal string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if principal != "" {
		req.Header.Set(auth.DevPrincipalHeader, principal)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func version(body map[string]interface{}) int64 {
	v, _ := body["version"].(float64)
	return int64(v)
}

func (e *env) awaitingPayment(t *testing.T) (uuid.UUID, int64) {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/submissions", "author-1:author", map[string]interface{}{
		"title": "Go at scale", "content": "<p>Lessons learned.</p>", "category": "engineering",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := uuid.MustParse(body["id"].(string))

	resp, body = e.do(t, http.MethodPost, "/submissions/"+id.String()+"/submit", "author-1:author", map[string]interface{}{"version": version(body)})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, string(models.StatusAwaitingValidation), body["status"])

	ctx := context.Background()
	began, err := e.machine.BeginValidation(ctx, id)
	require.NoError(t, err)
	p, a := 10.0, 12.0
	rec, err := e.st.UpsertValidationRecord(ctx, models.ValidationRecord{
		PostID: id, PlagiarismScore: &p, AIContentScore: &a, Verdict: models.VerdictPass, AttemptCount: began.ValidationAttempts,
	})
	require.NoError(t, err)
	sub, err := e.machine.OnValidationResult(ctx, id, began.Version, rec)
	require.NoError(t, err)
	require.Equal(t, models.StatusAwaitingPayment, sub.Status)
	return id, sub.Version
}

func (e *env) webhook(t *testing.T, payload map[string]interface{}, secret string) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/payments/webhook", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(payment.SignatureHeader, "sha256="+hex.EncodeToString(payment.Sign(secret, body)))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	resp, body := e.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
}

func TestRequiresAuthentication(t *testing.T) {
	e := newEnv(t)
	resp, _ := e.do(t, http.MethodPost, "/submissions", "", map[string]string{"title": "x"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDraftLifecycleOverHTTP(t *testing.T) {
	e := newEnv(t)
	resp, body := e.do(t, http.MethodPost, "/submissions", "author-1:author", map[string]interface{}{
		"title": "Draft", "content": "<p>one two three</p>", "tags": []string{"Go", "go"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := body["id"].(string)
	assert.Equal(t, "one two three", body["excerpt"])

	resp, body = e.do(t, http.MethodPost, "/submissions/"+id+"/submit", "author-1:author", map[string]interface{}{"version": version(body)})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "missing_field", body["kind"])

	resp, body = e.do(t, http.MethodGet, "/submissions/"+id, "author-1:author", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sub := body["submission"].(map[string]interface{})

	resp, body = e.do(t, http.MethodPut, "/submissions/"+id, "author-1:author", map[string]interface{}{
		"version": version(sub), "title": "Draft", "content": "<p>one two three</p>", "category": "go",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPut, "/submissions/"+id, "author-1:author", map[string]interface{}{
		"version": version(sub), "title": "stale",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/submissions/"+id, "intruder:author", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/submissions/"+uuid.NewString(), "author-1:author", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/submissions/not-a-uuid", "author-1:author", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuthorCannotRequestAutoPublish(t *testing.T) {
	e := newEnv(t)
	_, body := e.do(t, http.MethodPost, "/submissions", "author-1:author", map[string]interface{}{
		"title": "t", "content": "<p>c</p>", "category": "c",
	})
	resp, body := e.do(t, http.MethodPost, "/submissions/"+body["id"].(string)+"/submit", "author-1:author", map[string]interface{}{
		"version": version(body), "autoPublish": true,
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden", body["kind"])
}

func TestPaymentWebhookAdvancesToReview(t *testing.T) {
	e := newEnv(t)
	id, ver := e.awaitingPayment(t)

	resp, body := e.do(t, http.MethodPost, "/submissions/"+id.String()+"/payment-session", "author-1:author", map[string]interface{}{"version": ver})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sessionID := body["sessionId"].(string)
	assert.NotEmpty(t, body["redirectUrl"])

	resp, body = e.do(t, http.MethodGet, "/submissions/"+id.String()+"/payment-return", "author-1:author", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(models.StatusPaymentProcessing), body["status"])

	notice := map[string]interface{}{"session_id": sessionID, "status": "succeeded", "external_transaction_id": "txn-1"}
	assert.Equal(t, http.StatusUnauthorized, e.webhook(t, notice, "wrong").StatusCode)
	assert.Equal(t, http.StatusOK, e.webhook(t, notice, webhookSecret).StatusCode)
	assert.Equal(t, http.StatusOK, e.webhook(t, notice, webhookSecret).StatusCode)

	got, err := e.st.GetSubmission(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingReview, got.Status)

	resp, _ = e.do(t, http.MethodPost, "/submissions/"+id.String()+"/cancel", "author-1:author", map[string]interface{}{"version": got.Version})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestWebhookAcknowledgesUnknownSessionAndRejectsMalformed(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, http.StatusOK, e.webhook(t, map[string]interface{}{"session_id": "nope", "status": "succeeded"}, webhookSecret).StatusCode)
	assert.Equal(t, http.StatusBadRequest, e.webhook(t, map[string]interface{}{"status": "succeeded"}, webhookSecret).StatusCode)
	assert.Equal(t, http.StatusBadRequest, e.webhook(t, map[string]interface{}{"session_id": "s", "status": "teleported"}, webhookSecret).StatusCode)
}

func TestAdminDecisionOverHTTP(t *testing.T) {
	e := newEnv(t)
	id, ver := e.awaitingPayment(t)
	res, err := e.machine.CreatePaymentSession(context.Background(), workflow.Actor{ID: "author-1", Role: workflow.RoleAuthor}, id, ver)
	require.NoError(t, err)
	sub, err := e.machine.OnPaymentResult(context.Background(), workflow.PaymentResult{PaymentID: res.Payment.ID, Status: models.PaymentSucceeded})
	require.NoError(t, err)
	require.Equal(t, models.StatusPendingReview, sub.Status)

	path := "/admin/submissions/" + id.String() + "/decision"
	resp, _ := e.do(t, http.MethodPost, path, "editor-1:editor", map[string]interface{}{"version": sub.Version, "approve": true})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	at := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Second)
	resp, body := e.do(t, http.MethodPost, path, "admin-1:admin", map[string]interface{}{
		"version": sub.Version, "approve": true, "scheduledFor": at, "timezone": "America/New_York",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(models.StatusScheduled), body["status"])
}

func TestGatewayRejectionMapsTo402(t *testing.T) {
	st := store.NewMemoryStore()
	st.PutAuthorProfile(models.AuthorProfile{OwnerID: "author-1", DisplayName: "Ada", Bio: "bio"})
	gw, err := payment.NewHTTPGateway(payment.HTTPGatewayConfig{
		BaseURL: "http://gateway.invalid",
		HTTPClient: &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			return &http.Response{StatusCode: http.StatusBadRequest, Body: http.NoBody, Header: http.Header{}}, nil
		})},
	})
	require.NoError(t, err)
	m := workflow.NewMachine(st, gw, nil, workflow.Config{}, nil)
	v, err := auth.NewVerifier(auth.Config{DevAllowLocal: true})
	require.NoError(t, err)
	srv := httptest.NewServer(httpserver.New(m, st, v, "", nil).Router())
	defer srv.Close()
	e := &env{st: st, machine: m, srv: srv}

	id, ver := e.awaitingPayment(t)
	resp, body := e.do(t, http.MethodPost, "/submissions/"+id.String()+"/payment-session", "author-1:author", map[string]interface{}{"version": ver})
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, "gateway_rejected", body["kind"])
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
