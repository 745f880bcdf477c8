package auth

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/guestpost/marketplace/submission-engine/internal/workflow"
)

// DevPrincipalHeader carries "<id>:<role>" when local development bypass is enabled.
const DevPrincipalHeader = "X-Local-Dev-Principal"

var ErrUnauthenticated = errors.New("authentication required")

type Config struct {
	// HS256Secret verifies tokens signed with a shared secret.
	HS256Secret string
	// PublicKeysFile holds PEM public keys or certificates for RS/ES/EdDSA tokens.
	PublicKeysFile string
	Issuer         string
	DevAllowLocal  bool
}

// Verifier turns identity-provider bearer tokens into workflow actors.
type Verifier struct {
	cfg    Config
	secret []byte
	keys   []interface{} // *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey
}

func NewVerifier(cfg Config) (*Verifier, error) {
	v := &Verifier{cfg: cfg}
	if cfg.HS256Secret != "" {
		v.secret = []byte(cfg.HS256Secret)
	}
	if cfg.PublicKeysFile != "" {
		if err := v.loadKeys(cfg.PublicKeysFile); err != nil {
			return nil, fmt.Errorf("failed to load public keys: %w", err)
		}
	}
	if v.secret == nil && len(v.keys) == 0 && !cfg.DevAllowLocal {
		return nil, errors.New("no token verification key configured")
	}
	return v, nil
}

func (v *Verifier) loadKeys(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var keys []interface{}
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			cert, certErr := x509.ParseCertificate(block.Bytes)
			if certErr != nil {
				continue
			}
			key = cert.PublicKey
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return fmt.Errorf("no valid keys found in %s", path)
	}
	v.keys = keys
	return nil
}

// VerifyRequest authenticates r with the dev bypass header or a bearer token.
func (v *Verifier) VerifyRequest(r *http.Request) (workflow.Actor, error) {
	if v.cfg.DevAllowLocal {
		if principal := r.Header.Get(DevPrincipalHeader); principal != "" {
			id, role, _ := strings.Cut(principal, ":")
			return workflow.Actor{ID: id, Role: parseRole(role)}, nil
		}
	}

	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return workflow.Actor{}, ErrUnauthenticated
	}
	return v.VerifyToken(strings.TrimPrefix(authHeader, "Bearer "))
}

func (v *Verifier) VerifyToken(tokenStr string) (workflow.Actor, error) {
	var opts []jwt.ParserOption
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}

	var (
		token *jwt.Token
		err   = ErrUnauthenticated
	)
	if v.secret != nil {
		token, err = jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			return v.secret, nil
		}, append(opts, jwt.WithValidMethods([]string{"HS256"}))...)
	}
	if err != nil {
		// Keys carry no kid, so each one is tried in turn.
		for _, key := range v.keys {
			token, err = jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
				return key, nil
			}, append(opts, jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "EdDSA"}))...)
			if err == nil {
				break
			}
		}
	}
	if err != nil {
		return workflow.Actor{}, fmt.Errorf("token parse error: %w", err)
	}
	if !token.Valid {
		return workflow.Actor{}, errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return workflow.Actor{}, errors.New("invalid claims")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return workflow.Actor{}, errors.New("token has no subject")
	}
	return workflow.Actor{ID: sub, Role: roleFromClaims(claims)}, nil
}

// roleFromClaims reads "role" or the strongest entry of "roles". Unknown roles fall back
// to author; the system role is never granted by a token.
func roleFromClaims(claims jwt.MapClaims) workflow.Role {
	if role, ok := claims["role"].(string); ok {
		return parseRole(role)
	}
	best := workflow.RoleAuthor
	if roles, ok := claims["roles"].([]interface{}); ok {
		for _, r := range roles {
			s, _ := r.(string)
			switch parseRole(s) {
			case workflow.RoleAdmin:
				return workflow.RoleAdmin
			case workflow.RoleEditor:
				best = workflow.RoleEditor
			}
		}
	}
	return best
}

func parseRole(s string) workflow.Role {
	switch workflow.Role(strings.ToLower(strings.TrimSpace(s))) {
	case workflow.RoleAdmin:
		return workflow.RoleAdmin
	case workflow.RoleEditor:
		return workflow.RoleEditor
	default:
		return workflow.RoleAuthor
	}
}

type actorKey struct{}

func WithActor(ctx context.Context, actor workflow.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func ActorFrom(ctx context.Context) (workflow.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(workflow.Actor)
	return actor, ok
}

// Middleware rejects unauthenticated requests and stores the actor in the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := v.VerifyRequest(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized","kind":"unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// RequireRole allows the request only if the authenticated actor has one of roles.
func RequireRole(roles ...workflow.Role) func(http.Handler) http.Handler {
	allowed := make(map[workflow.Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFrom(r.Context())
			if _, permitted := allowed[actor.Role]; !ok || !permitted {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"forbidden","kind":"forbidden"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
