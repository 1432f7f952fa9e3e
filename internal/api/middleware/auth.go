package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatgw/internal/crypto"
	"github.com/eldtechnologies/chatgw/internal/router"
)

// AdminAuth guards the admin endpoints. Peers present the shared admin
// token; it is checked against either a plain token or a bcrypt hash.
type AdminAuth struct {
	token    []byte
	hash     string
	verified *expirable.LRU[[sha256.Size]byte, struct{}]
	logger   zerolog.Logger
}

// NewAdminAuth creates the middleware. When hash is set the plain token is
// ignored. With neither set every request is rejected.
func NewAdminAuth(token, hash string, logger zerolog.Logger) *AdminAuth {
	a := &AdminAuth{
		hash:   hash,
		logger: logger.With().Str("component", "admin_auth").Logger(),
	}
	if hash == "" && token != "" {
		a.token = []byte(token)
	}
	if hash != "" {
		// bcrypt costs tens of milliseconds; every forwarded batch hits this
		a.verified = expirable.NewLRU[[sha256.Size]byte, struct{}](64, nil, 10*time.Minute)
	}
	return a
}

// Require rejects requests without a valid admin token.
func (a *AdminAuth) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(router.AdminTokenHeader)
		if token == "" {
			jsonError(w, http.StatusUnauthorized, "missing admin token")
			return
		}
		if !a.check(token) {
			a.logger.Warn().
				Str("type", "security").
				Str("remote_addr", r.RemoteAddr).
				Str("path", r.URL.Path).
				Msg("invalid admin token")
			jsonError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *AdminAuth) check(token string) bool {
	if a.hash == "" {
		return len(a.token) > 0 && subtle.ConstantTimeCompare(a.token, []byte(token)) == 1
	}
	sum := sha256.Sum256([]byte(token))
	if a.verified.Contains(sum) {
		return true
	}
	if err := crypto.VerifyAdminToken(a.hash, token); err != nil {
		return false
	}
	a.verified.Add(sum, struct{}{})
	return true
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
