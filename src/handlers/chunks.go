package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/nas-ai/shardvault/src/drivers/storage"
	"github.com/sirupsen/logrus"
)

// ChunkStore is the storage the chunk server exposes over HTTP.
type ChunkStore interface {
	Put(ctx context.Context, id string, data io.Reader) (int64, error)
	Fetch(ctx context.Context, id string) (io.ReadCloser, error)
	Delete(ctx context.Context, id string) error
	Stat(ctx context.Context, id string) (*storage.ChunkEntry, error)
}

// ChunkHandler serves chunks addressed only by their transport id.
type ChunkHandler struct {
	store    ChunkStore
	maxBytes int64
	logger   *logrus.Logger
}

// NewChunkHandler creates a chunk handler. maxBytes <= 0 disables the size limit.
func NewChunkHandler(store ChunkStore, maxBytes int64, logger *logrus.Logger) *ChunkHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &ChunkHandler{store: store, maxBytes: maxBytes, logger: logger}
}

// Upload stores a chunk sent as multipart field "file" whose filename is the transport id.
// POST /chunks
func (h *ChunkHandler) Upload(c *gin.Context) {
	h.limitBody(c)

	reader, err := c.Request.MultipartReader()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart body required"})
		return
	}

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			h.respondError(c, "", err)
			return
		}

		if part.FormName() != storage.UploadField {
			part.Close()
			continue
		}

		id := part.FileName()
		n, err := h.store.Put(c.Request.Context(), id, part)
		part.Close()
		if err != nil {
			h.respondError(c, id, err)
			return
		}

		h.logger.WithFields(logrus.Fields{"chunk_id": id, "bytes": n}).Debug("Chunk stored")
		c.JSON(http.StatusCreated, gin.H{"id": id, "size": n})
		return
	}

	c.JSON(http.StatusBadRequest, gin.H{"error": "missing form field \"" + storage.UploadField + "\""})
}

// Put stores the raw request body under the id in the path.
// PUT /chunks/:id
func (h *ChunkHandler) Put(c *gin.Context) {
	h.limitBody(c)
	id := c.Param("id")

	n, err := h.store.Put(c.Request.Context(), id, c.Request.Body)
	if err != nil {
		h.respondError(c, id, err)
		return
	}

	h.logger.WithFields(logrus.Fields{"chunk_id": id, "bytes": n}).Debug("Chunk stored")
	c.JSON(http.StatusCreated, gin.H{"id": id, "size": n})
}

// Get streams a stored chunk.
// GET /chunks/:id
func (h *ChunkHandler) Get(c *gin.Context) {
	id := c.Param("id")

	entry, err := h.store.Stat(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, id, err)
		return
	}
	body, err := h.store.Fetch(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, id, err)
		return
	}
	defer body.Close()

	c.DataFromReader(http.StatusOK, entry.Size, "application/octet-stream", body, map[string]string{
		"Cache-Control": "no-store",
	})
}

// Head reports whether a chunk exists and its size.
// HEAD /chunks/:id
func (h *ChunkHandler) Head(c *gin.Context) {
	id := c.Param("id")

	entry, err := h.store.Stat(c.Request.Context(), id)
	if err != nil {
		c.Status(statusFor(err))
		return
	}
	c.Header("Content-Length", strconv.FormatInt(entry.Size, 10))
	c.Status(http.StatusOK)
}

// Delete removes a stored chunk.
// DELETE /chunks/:id
func (h *ChunkHandler) Delete(c *gin.Context) {
	id := c.Param("id")

	if err := h.store.Delete(c.Request.Context(), id); err != nil {
		h.respondError(c, id, err)
		return
	}

	h.logger.WithField("chunk_id", id).Debug("Chunk deleted")
	c.Status(http.StatusNoContent)
}

func (h *ChunkHandler) limitBody(c *gin.Context) {
	if h.maxBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes)
	}
}

func (h *ChunkHandler) respondError(c *gin.Context, id string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).WithField("chunk_id", id).Error("Chunk operation failed")
		c.JSON(status, gin.H{"error": "chunk storage error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, storage.ErrInvalidChunkID), errors.Is(err, storage.ErrPathTraversal):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrChunkNotFound):
		return http.StatusNotFound
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, storage.ErrInsufficientStorage):
		return http.StatusInsufficientStorage
	}
	return http.StatusInternalServerError
}
