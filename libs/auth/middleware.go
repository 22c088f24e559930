package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const ContextSubjectKey = "auth_subject"

// Middleware requires an HS256 bearer token. With an empty secret it is a
// pass-through and no subject is recorded.
func Middleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(secret) == 0 {
			c.Next()
			return
		}

		token := ExtractBearer(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "missing token"})
			return
		}

		claims, err := ParseJWT(token, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "invalid token"})
			return
		}

		c.Set(ContextSubjectKey, claims.UserID())
		c.Next()
	}
}

// SubjectFrom returns the authenticated subject, if the request carried one.
func SubjectFrom(c *gin.Context) (string, bool) {
	val, ok := c.Get(ContextSubjectKey)
	if !ok {
		return "", false
	}
	subject, ok := val.(string)
	return subject, ok && subject != ""
}

// MayActFor reports whether the caller may act on userID. Unauthenticated
// deployments (no subject recorded) allow every caller.
func MayActFor(c *gin.Context, userID string) bool {
	subject, ok := SubjectFrom(c)
	return !ok || subject == userID
}
