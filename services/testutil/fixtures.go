package testutil

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/AfshinJalili/fintrack/libs/auth"
)

const (
	DemoUserID  = "U001"
	OtherUserID = "U002"
)

func GenerateJWT(userID string, secret []byte, ttl time.Duration, now time.Time) (string, error) {
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "fintrack",
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
