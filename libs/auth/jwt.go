package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// clockSkew tolerates small drift between the token issuer and this host.
const clockSkew = 30 * time.Second

// Claims are the registered claims of a FinTrack token. The subject is the
// user id the caller may act for.
type Claims struct {
	jwt.RegisteredClaims
}

// UserID returns the subject the token was issued to.
func (c *Claims) UserID() string {
	return c.Subject
}

func ParseJWT(tokenString string, secret []byte) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims,
		func(*jwt.Token) (interface{}, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(clockSkew),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID() == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return &claims, nil
}

// ExtractBearer returns the token of an "Authorization: Bearer <token>"
// header, or "" for any other scheme.
func ExtractBearer(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
