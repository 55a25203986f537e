package auth

import (
	"net/http"

	"github.com/sirupsen/logrus"
)

// Authenticator guards the control API with a static bearer token
type Authenticator struct {
	token  string
	logger *logrus.Logger
}

// NewAuthenticator creates an authenticator. An empty token disables
// authentication.
func NewAuthenticator(token string, logger *logrus.Logger) *Authenticator {
	if token == "" {
		logger.Warn("Control API token not configured, API is unauthenticated")
	}
	return &Authenticator{
		token:  token,
		logger: logger,
	}
}

// Enabled reports whether requests are checked
func (a *Authenticator) Enabled() bool {
	return a.token != ""
}

// Middleware rejects requests without the configured bearer token
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if err := VerifyBearerToken(r, a.token); err != nil {
			a.logger.WithFields(logrus.Fields{
				"remote_addr": r.RemoteAddr,
				"path":        r.URL.Path,
				"error":       err.Error(),
			}).Warn("Authentication failed")

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"authentication failed"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}
