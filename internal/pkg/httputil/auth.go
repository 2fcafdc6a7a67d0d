package httputil

import (
	"crypto/subtle"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/bissquit/problem-relay/internal/pkg/ctxlog"
)

// BasicAuthConfig holds the accepted credentials. PasswordHash is a bcrypt
// hash and takes precedence over Password.
type BasicAuthConfig struct {
	Realm        string
	Username     string
	Password     string
	PasswordHash string
}

// BasicAuth creates middleware that rejects requests without the configured
// credentials with 401.
func BasicAuth(cfg BasicAuthConfig) func(http.Handler) http.Handler {
	realm := cfg.Realm
	if realm == "" {
		realm = "restricted"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || !cfg.matches(user, pass) {
				ctxlog.FromContext(r.Context()).Warn("unauthorized request",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"credentials_present", ok,
				)
				w.Header().Set("WWW-Authenticate", `Basic realm="`+realm+`", charset="UTF-8"`)
				Text(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (c BasicAuthConfig) matches(user, pass string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(c.Username)) == 1

	var passOK bool
	if c.PasswordHash != "" {
		passOK = bcrypt.CompareHashAndPassword([]byte(c.PasswordHash), []byte(pass)) == nil
	} else {
		passOK = c.Password != "" && subtle.ConstantTimeCompare([]byte(pass), []byte(c.Password)) == 1
	}

	return userOK && passOK
}
