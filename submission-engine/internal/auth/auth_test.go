package auth_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestpost/marketplace/submission-engine/internal/auth"
	"github.com/guestpost/marketplace/submission-engine/internal/workflow"
)

func generateKeyPair(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pubASN1, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "keys.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubASN1}), 0o600))
	return key, path
}

func bearer(r *http.Request, token string) *http.Request {
	r.Header.Set("Authorization", "Bearer "+token)
	return r
}

func TestVerifierHS256(t *testing.T) {
	v, err := auth.NewVerifier(auth.Config{HS256Secret: "s3cret", Issuer: "identity"})
	require.NoError(t, err)

	sign := func(claims jwt.MapClaims, secret string) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		require.NoError(t, err)
		return s
	}

	t.Run("editor role", func(t *testing.T) {
		tok := sign(jwt.MapClaims{"iss": "identity", "sub": "u-1", "role": "Editor", "exp": time.Now().Add(time.Hour).Unix()}, "s3cret")
		actor, err := v.VerifyRequest(bearer(httptest.NewRequest("GET", "/", nil), tok))
		require.NoError(t, err)
		assert.Equal(t, workflow.Actor{ID: "u-1", Role: workflow.RoleEditor}, actor)
	})

	t.Run("roles array picks admin", func(t *testing.T) {
		tok := sign(jwt.MapClaims{"iss": "identity", "sub": "u-2", "roles": []string{"editor", "admin"}}, "s3cret")
		actor, err := v.VerifyToken(tok)
		require.NoError(t, err)
		assert.Equal(t, workflow.RoleAdmin, actor.Role)
	})

	t.Run("system role is not grantable", func(t *testing.T) {
		tok := sign(jwt.MapClaims{"iss": "identity", "sub": "u-3", "role": "system"}, "s3cret")
		actor, err := v.VerifyToken(tok)
		require.NoError(t, err)
		assert.Equal(t, workflow.RoleAuthor, actor.Role)
	})

	t.Run("wrong secret", func(t *testing.T) {
		_, err := v.VerifyToken(sign(jwt.MapClaims{"iss": "identity", "sub": "u-1"}, "other"))
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		_, err := v.VerifyToken(sign(jwt.MapClaims{"iss": "identity", "sub": "u-1", "exp": time.Now().Add(-time.Minute).Unix()}, "s3cret"))
		assert.ErrorIs(t, err, jwt.ErrTokenExpired)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		_, err := v.VerifyToken(sign(jwt.MapClaims{"iss": "elsewhere", "sub": "u-1"}, "s3cret"))
		assert.Error(t, err)
	})

	t.Run("missing subject", func(t *testing.T) {
		_, err := v.VerifyToken(sign(jwt.MapClaims{"iss": "identity"}, "s3cret"))
		assert.Error(t, err)
	})

	t.Run("missing header", func(t *testing.T) {
		_, err := v.VerifyRequest(httptest.NewRequest("GET", "/", nil))
		assert.ErrorIs(t, err, auth.ErrUnauthenticated)
	})
}

func TestVerifierRS256(t *testing.T) {
	priv, keys := generateKeyPair(t)
	v, err := auth.NewVerifier(auth.Config{PublicKeysFile: keys})
	require.NoError(t, err)

	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"sub": "author-9", "exp": time.Now().Add(time.Hour).Unix()}).SignedString(priv)
	require.NoError(t, err)

	actor, err := v.VerifyToken(tok)
	require.NoError(t, err)
	assert.Equal(t, workflow.Actor{ID: "author-9", Role: workflow.RoleAuthor}, actor)

	other, _ := generateKeyPair(t)
	forged, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"sub": "author-9"}).SignedString(other)
	require.NoError(t, err)
	_, err = v.VerifyToken(forged)
	assert.Error(t, err)
}

func TestNewVerifierRequiresKey(t *testing.T) {
	_, err := auth.NewVerifier(auth.Config{})
	assert.Error(t, err)

	empty := filepath.Join(t.TempDir(), "empty.pem")
	require.NoError(t, os.WriteFile(empty, []byte("not a key"), 0o600))
	_, err = auth.NewVerifier(auth.Config{PublicKeysFile: empty})
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	v, err := auth.NewVerifier(auth.Config{DevAllowLocal: true})
	require.NoError(t, err)

	var got workflow.Actor
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = auth.ActorFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest("GET", "/submissions", nil)
	req.Header.Set(auth.DevPrincipalHeader, "admin-1:admin")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, workflow.Actor{ID: "admin-1", Role: workflow.RoleAdmin}, got)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/submissions", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRequireRole(t *testing.T) {
	v, err := auth.NewVerifier(auth.Config{DevAllowLocal: true})
	require.NoError(t, err)
	h := v.Middleware(auth.RequireRole(workflow.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	for principal, want := range map[string]int{
		"admin-1:admin":   http.StatusNoContent,
		"editor-1:editor": http.StatusForbidden,
		"author-1":        http.StatusForbidden,
	} {
		req := httptest.NewRequest("POST", "/admin/submissions/x/decision", nil)
		req.Header.Set(auth.DevPrincipalHeader, principal)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, want, rr.Code, principal)
	}
}
