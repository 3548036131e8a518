package auth

import (
	"errors"
	"fmt"

	jwt "github.com/golang-jwt/jwt/v5"
)

// ErrNoUserID means the token carried no usable user_id claim.
var ErrNoUserID = errors.New("auth: token has no user_id claim")

// UserIDFromToken extracts the numeric user id from a bearer token.
//
// The token is parsed without signature verification: the client is not the
// trust boundary, the server validates the same token on every channel
// handshake. We only need the identity it was issued for.
func UserIDFromToken(token string) (int64, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return 0, fmt.Errorf("auth: malformed token: %w", err)
	}

	raw, ok := claims["user_id"]
	if !ok {
		return 0, ErrNoUserID
	}

	// JSON numbers decode as float64.
	switch v := raw.(type) {
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	default:
		return 0, ErrNoUserID
	}
}
