package httpapi

import (
	"crypto/sha256"
	"crypto/subtle"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorizeBearer checks a static agent token. An empty token disables auth,
// which is only sensible on a loopback listener.
func authorizeBearer(authHeader, token string) *authError {
	if token == "" {
		return nil
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	got := sha256.Sum256([]byte(raw))
	want := sha256.Sum256([]byte(token))
	if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
		return &authError{
			status:  401,
			code:    "unauthorized",
			message: "bearer token mismatch",
		}
	}
	return nil
}
