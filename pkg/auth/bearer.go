package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrMissingHeader = errors.New("missing Authorization header")
	ErrInvalidFormat = errors.New("invalid Authorization header format")
	ErrInvalidToken  = errors.New("invalid bearer token")
)

// VerifyBearerToken checks the request's Authorization header against the
// expected API token
func VerifyBearerToken(r *http.Request, expectedToken string) error {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ErrMissingHeader
	}

	scheme, token, ok := strings.Cut(header, " ")
	if !ok || token == "" {
		return ErrInvalidFormat
	}
	if !strings.EqualFold(scheme, "Bearer") {
		return fmt.Errorf("invalid authorization scheme: %s", scheme)
	}

	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(expectedToken)) != 1 {
		return ErrInvalidToken
	}
	return nil
}
