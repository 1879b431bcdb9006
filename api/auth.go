/*
auth.go - Caller identity

PURPOSE:
  Two ways into the API:
  1. Members and staff present a bearer JWT signed with JWT_SECRET (HS256).
     The `sub` claim is the caller's account id.
  2. Internal triggers (identity provider, forum) present X-Internal-Key.

  The middleware only establishes WHO is calling. WHAT they may do is
  decided by ledger.Policy inside the workflows, so a valid token for an
  account that does not exist still reaches the workflow and is refused
  there.

SEE ALSO:
  - ledger/policy.go: Authorize
*/
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/collectif/connect-ledger/ledger"
)

// InternalKeyHeader carries the shared secret of internal triggers.
const InternalKeyHeader = "X-Internal-Key"

type contextKey string

const callerKey contextKey = "caller"

// CallerID returns the authenticated account id, or "" if none.
func CallerID(ctx context.Context) ledger.AccountID {
	id, _ := ctx.Value(callerKey).(ledger.AccountID)
	return id
}

// WithCaller returns ctx carrying id as the authenticated caller.
func WithCaller(ctx context.Context, id ledger.AccountID) context.Context {
	return context.WithValue(ctx, callerKey, id)
}

// Authenticator verifies bearer tokens.
type Authenticator struct {
	Secret []byte
	Issuer string
}

// Claims is the token payload the API relies on.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// Verify parses and validates a token and returns its subject.
func (a *Authenticator) Verify(token string) (ledger.AccountID, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(30 * time.Second),
	}
	if a.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.Issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.Secret, nil
	}, opts...)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", errors.New("token has no subject")
	}
	return ledger.AccountID(claims.Subject), nil
}

// Issue signs a token for id. Used by tests and the dev tooling.
func (a *Authenticator) Issue(id ledger.AccountID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   string(id),
		Issuer:    a.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.Secret)
}

// RequireCaller rejects requests without a valid bearer token.
func (a *Authenticator) RequireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if header == "" || token == header {
			writeError(w, ledger.Unauthenticated("a bearer token is required"))
			return
		}
		id, err := a.Verify(token)
		if err != nil {
			writeError(w, ledger.Unauthenticated("invalid token"))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), id)))
	})
}

// RequireInternalKey rejects requests without the shared internal key.
func RequireInternalKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(InternalKeyHeader)
			if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				writeError(w, ledger.Unauthenticated("invalid internal key"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
