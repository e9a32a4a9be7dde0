package middleware

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nas-ai/shardvault/src/services/security"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw...)
	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ChunkSubjectKey))
	})
	r.PUT("/ping", func(c *gin.Context) { c.Status(http.StatusCreated) })
	return r
}

func TestChunkAuth(t *testing.T) {
	tokens, err := security.NewChunkTokenService("middleware-test-secret-0123456789abcdef", time.Minute, quietLogger())
	require.NoError(t, err)
	router := newRouter(RequestID(), ChunkAuth(tokens, quietLogger()))

	valid, err := tokens.Issue("uploader")
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"valid", "Bearer " + valid, http.StatusOK, "uploader"},
		{"missing", "", http.StatusUnauthorized, "Missing authorization token"},
		{"wrong scheme", "Basic " + valid, http.StatusUnauthorized, "Missing authorization token"},
		{"empty bearer", "Bearer   ", http.StatusUnauthorized, "Missing authorization token"},
		{"garbage", "Bearer abc.def.ghi", http.StatusUnauthorized, "Invalid or expired token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ping", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Body.String(), tt.body)
		})
	}
}

type fakeCapacity struct {
	lastNeed uint64
	err      error
}

func (f *fakeCapacity) EnsureCapacity(ctx context.Context, need uint64) error {
	f.lastNeed = need
	return f.err
}

func TestCapacityGuard(t *testing.T) {
	checker := &fakeCapacity{}
	router := newRouter(CapacityGuard(checker, quietLogger()))

	req := httptest.NewRequest(http.MethodPut, "/ping", strings.NewReader("12345"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, uint64(5), checker.lastNeed)

	checker.err = errors.New("disk full")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/ping", strings.NewReader("x")))
	assert.Equal(t, http.StatusInsufficientStorage, w.Code)
	assert.Contains(t, w.Body.String(), "INSUFFICIENT_STORAGE")
}

func TestCORS(t *testing.T) {
	router := newRouter(CORS([]string{"https://vault.example"}, quietLogger()))

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://vault.example")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "https://vault.example", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/ping", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRequestID(t *testing.T) {
	router := newRouter(RequestID(), RequestLogger(quietLogger()))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	generated := w.Header().Get("X-Request-ID")
	assert.Len(t, generated, 36)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-ID", generated)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, generated, w.Header().Get("X-Request-ID"))

	// Non-uuid ids are replaced rather than echoed
	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-ID", "<script>")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.NotEqual(t, "<script>", w.Header().Get("X-Request-ID"))
}

func TestPanicRecovery(t *testing.T) {
	r := gin.New()
	r.Use(PanicRecovery(quietLogger()))
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
