package storage_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nas-ai/shardvault/src/config"
	"github.com/nas-ai/shardvault/src/drivers/storage"
	"github.com/nas-ai/shardvault/src/models"
	"github.com/nas-ai/shardvault/src/server"
	"github.com/nas-ai/shardvault/src/services/common"
	"github.com/nas-ai/shardvault/src/services/security"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "http-store-test-secret-0123456789abcdefgh"

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newChunkServer(t *testing.T) (*httptest.Server, *storage.LocalStore, *security.ChunkTokenService) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := quietLogger()

	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	tokens, err := security.NewChunkTokenService(secret, time.Minute, logger)
	require.NoError(t, err)

	srv, err := server.NewServer(&config.Config{
		Environment:     "test",
		RateLimitPerMin: 6000,
		MaxChunkBytes:   8 << 20,
	}, store, tokens, logger)
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store, tokens
}

func fastRetry() common.RetryConfig {
	return common.RetryConfig{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2,
	}
}

func TestHTTPStore_RoundTripAgainstChunkServer(t *testing.T) {
	ts, backing, tokens := newChunkServer(t)
	client := common.NewResilientHTTPClient(5*time.Second, fastRetry(), quietLogger())
	store, err := storage.NewHTTPStore(ts.URL+"/", client, tokens, quietLogger())
	require.NoError(t, err)
	ctx := context.Background()

	chunk := &models.Chunk{TransportID: uuid.New().String(), Data: []byte("opaque chunk bytes")}
	require.NoError(t, store.Send(ctx, chunk))

	// Landed in the server's store under the transport id
	entry, err := backing.Stat(ctx, chunk.TransportID)
	require.NoError(t, err)
	assert.Equal(t, int64(len(chunk.Data)), entry.Size)

	rc, err := store.Fetch(ctx, chunk.TransportID)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, chunk.Data, got)

	require.NoError(t, store.Delete(ctx, chunk.TransportID))
	_, err = store.Fetch(ctx, chunk.TransportID)
	assert.ErrorIs(t, err, storage.ErrChunkNotFound)
	assert.ErrorIs(t, store.Delete(ctx, chunk.TransportID), storage.ErrChunkNotFound)
}

func TestHTTPStore_Unauthorized(t *testing.T) {
	ts, _, _ := newChunkServer(t)
	client := common.NewResilientHTTPClient(5*time.Second, fastRetry(), quietLogger())

	wrongTokens, err := security.NewChunkTokenService("another-secret-0123456789abcdefghijklmn", time.Minute, quietLogger())
	require.NoError(t, err)
	store, err := storage.NewHTTPStore(ts.URL, client, wrongTokens, quietLogger())
	require.NoError(t, err)

	err = store.Send(context.Background(), &models.Chunk{TransportID: uuid.New().String(), Data: []byte("x")})
	assert.ErrorIs(t, err, storage.ErrUnauthorized)
}

func TestHTTPStore_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer ts.Close()

	client := common.NewResilientHTTPClient(5*time.Second, fastRetry(), quietLogger())
	store, err := storage.NewHTTPStore(ts.URL, client, nil, quietLogger())
	require.NoError(t, err)

	err = store.Send(context.Background(), &models.Chunk{TransportID: uuid.New().String(), Data: []byte("retry me")})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPStore_RejectsBadInput(t *testing.T) {
	_, err := storage.NewHTTPStore("not a url", nil, nil, nil)
	assert.Error(t, err)

	store, err := storage.NewHTTPStore("http://127.0.0.1:1", common.NewResilientHTTPClient(time.Second, fastRetry(), quietLogger()), nil, nil)
	require.NoError(t, err)
	err = store.Send(context.Background(), &models.Chunk{TransportID: "../escape", Data: []byte("x")})
	assert.ErrorIs(t, err, storage.ErrInvalidChunkID)
}
