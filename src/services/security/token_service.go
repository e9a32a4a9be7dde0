package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

const (
	chunkTokenIssuer = "shardvault"
	chunkTokenScope  = "chunks"

	// DefaultChunkTokenTTL bounds how long a signed chunk token stays valid
	DefaultChunkTokenTTL = 5 * time.Minute
)

var ErrInvalidChunkToken = errors.New("invalid or expired chunk token")

// ChunkTokenClaims are the claims carried by chunk server bearer tokens
type ChunkTokenClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// ChunkTokenService issues and validates HS256 bearer tokens shared by the
// chunk transport client and the chunk server.
type ChunkTokenService struct {
	secret []byte
	ttl    time.Duration
	logger *logrus.Logger
}

// NewChunkTokenService creates a token service for the shared secret
func NewChunkTokenService(secret string, ttl time.Duration, logger *logrus.Logger) (*ChunkTokenService, error) {
	if secret == "" {
		return nil, fmt.Errorf("chunk token secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultChunkTokenTTL
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &ChunkTokenService{
		secret: []byte(secret),
		ttl:    ttl,
		logger: logger,
	}, nil
}

// Issue signs a token for subject
func (s *ChunkTokenService) Issue(subject string) (string, error) {
	now := time.Now()
	claims := ChunkTokenClaims{
		Scope: chunkTokenScope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    chunkTokenIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign chunk token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a token
func (s *ChunkTokenService) Validate(tokenString string) (*ChunkTokenClaims, error) {
	claims := &ChunkTokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(chunkTokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		s.logger.WithError(err).Debug("Chunk token rejected")
		return nil, ErrInvalidChunkToken
	}
	if claims.Scope != chunkTokenScope {
		return nil, ErrInvalidChunkToken
	}
	return claims, nil
}
