package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// CapacityChecker reports whether a volume can take more bytes
type CapacityChecker interface {
	EnsureCapacity(ctx context.Context, need uint64) error
}

// CapacityGuard rejects uploads that would push the chunk volume below its
// free space reserve. Requests without a declared length are checked for zero bytes.
func CapacityGuard(checker CapacityChecker, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var need uint64
		if c.Request.ContentLength > 0 {
			need = uint64(c.Request.ContentLength)
		}

		if err := checker.EnsureCapacity(c.Request.Context(), need); err != nil {
			logger.WithError(err).WithField("request_id", c.GetString(RequestIDKey)).Warn("Chunk volume low on space")
			c.AbortWithStatusJSON(http.StatusInsufficientStorage, gin.H{
				"error": "insufficient storage",
				"code":  "INSUFFICIENT_STORAGE",
			})
			return
		}
		c.Next()
	}
}
