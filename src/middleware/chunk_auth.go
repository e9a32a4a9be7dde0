package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nas-ai/shardvault/src/services/security"
	"github.com/sirupsen/logrus"
)

// ChunkSubjectKey is the gin context key holding the authenticated token subject
const ChunkSubjectKey = "chunk_subject"

// ChunkTokenValidator validates bearer tokens for chunk routes
type ChunkTokenValidator interface {
	Validate(token string) (*security.ChunkTokenClaims, error)
}

// ChunkAuth requires a valid chunk bearer token.
func ChunkAuth(tokens ChunkTokenValidator, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing authorization token"})
			return
		}

		claims, err := tokens.Validate(strings.TrimSpace(token))
		if err != nil {
			logger.WithFields(logrus.Fields{
				"ip":         c.ClientIP(),
				"path":       c.Request.URL.Path,
				"request_id": c.GetString(RequestIDKey),
			}).Warn("Rejected chunk request with invalid token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}

		c.Set(ChunkSubjectKey, claims.Subject)
		c.Next()
	}
}
