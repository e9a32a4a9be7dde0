package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/nas-ai/shardvault/src/models"
	"github.com/nas-ai/shardvault/src/services/common"
	"github.com/sirupsen/logrus"
)

// UploadField is the multipart form field carrying chunk bytes
const UploadField = "file"

var ErrUnauthorized = errors.New("chunk server rejected credentials")

// TokenIssuer signs bearer tokens for chunk server requests
type TokenIssuer interface {
	Issue(subject string) (string, error)
}

// HTTPStore is the client side of the chunk server.
type HTTPStore struct {
	baseURL string
	client  *common.ResilientHTTPClient
	tokens  TokenIssuer
	logger  *logrus.Logger
}

// NewHTTPStore creates a chunk server client. tokens may be nil for
// servers running without authentication.
func NewHTTPStore(baseURL string, client *common.ResilientHTTPClient, tokens TokenIssuer, logger *logrus.Logger) (*HTTPStore, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid chunk server url %q", baseURL)
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		tokens:  tokens,
		logger:  logger,
	}, nil
}

func (s *HTTPStore) authorize(req *http.Request) error {
	if s.tokens == nil {
		return nil
	}
	token, err := s.tokens.Issue("chunk-transport")
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// Send uploads the chunk as multipart field "file" named by its transport id
func (s *HTTPStore) Send(ctx context.Context, chunk *models.Chunk) error {
	if err := ValidateChunkID(chunk.TransportID); err != nil {
		return err
	}

	resp, err := s.client.DoWithRetry(ctx, "POST /chunks", func() (*http.Request, error) {
		src, err := chunk.Open()
		if err != nil {
			return nil, err
		}

		pr, pw := io.Pipe()
		mw := multipart.NewWriter(pw)
		go func() {
			defer src.Close()
			part, err := mw.CreateFormFile(UploadField, chunk.TransportID)
			if err == nil {
				_, err = io.Copy(part, src)
			}
			if err == nil {
				err = mw.Close()
			}
			pw.CloseWithError(err)
		}()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/chunks", pr)
		if err != nil {
			pr.Close()
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		if err := s.authorize(req); err != nil {
			pr.Close()
			return nil, err
		}
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return s.checkStatus(resp, chunk.TransportID, http.StatusCreated, http.StatusOK)
}

// Fetch downloads the chunk stored under id
func (s *HTTPStore) Fetch(ctx context.Context, id string) (io.ReadCloser, error) {
	if err := ValidateChunkID(id); err != nil {
		return nil, err
	}

	resp, err := s.client.DoWithRetry(ctx, "GET /chunks/:id", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/chunks/"+id, nil)
		if err != nil {
			return nil, err
		}
		return req, s.authorize(req)
	})
	if err != nil {
		return nil, err
	}

	if err := s.checkStatus(resp, id, http.StatusOK); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

// Delete removes the chunk stored under id
func (s *HTTPStore) Delete(ctx context.Context, id string) error {
	if err := ValidateChunkID(id); err != nil {
		return err
	}

	resp, err := s.client.DoWithRetry(ctx, "DELETE /chunks/:id", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.baseURL+"/chunks/"+id, nil)
		if err != nil {
			return nil, err
		}
		return req, s.authorize(req)
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return s.checkStatus(resp, id, http.StatusNoContent, http.StatusOK)
}

func (s *HTTPStore) checkStatus(resp *http.Response, id string, accepted ...int) error {
	for _, code := range accepted {
		if resp.StatusCode == code {
			return nil
		}
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return ErrChunkNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	s.logger.WithFields(logrus.Fields{
		"chunk_id":    id,
		"status_code": resp.StatusCode,
	}).Warn("Chunk server returned unexpected status")
	return fmt.Errorf("chunk server status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
