package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// ErrKeyWrap is the single cause reported for every unwrap failure.
var ErrKeyWrap = errors.New("key wrap failed")

// KeyWrapError reports a failure wrapping or unwrapping a content key.
// Unwrap failures never carry the underlying cause so callers cannot tell a
// padding failure apart from a key mismatch.
type KeyWrapError struct {
	Op  string
	Err error
}

func (e *KeyWrapError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, ErrKeyWrap)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrKeyWrap, e.Err)
}

func (e *KeyWrapError) Unwrap() error {
	if e.Err == nil {
		return ErrKeyWrap
	}
	return e.Err
}

func (e *KeyWrapError) Is(target error) bool {
	return target == ErrKeyWrap
}

// KeyWrapper protects content keys with RSA-OAEP (SHA-256).
type KeyWrapper struct {
	random io.Reader
	logger *logrus.Logger
}

// NewKeyWrapper creates a key wrapper.
func NewKeyWrapper(logger *logrus.Logger) *KeyWrapper {
	if logger == nil {
		logger = logrus.New()
	}
	return &KeyWrapper{
		random: rand.Reader,
		logger: logger,
	}
}

// Wrap encrypts a symmetric key under the public key.
func (w *KeyWrapper) Wrap(symmetricKey []byte, pub *rsa.PublicKey) ([]byte, error) {
	if pub == nil {
		return nil, &KeyWrapError{Op: "wrap", Err: errors.New("public key is required")}
	}
	if len(symmetricKey) == 0 {
		return nil, &KeyWrapError{Op: "wrap", Err: errors.New("symmetric key is empty")}
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), w.random, pub, symmetricKey, nil)
	if err != nil {
		return nil, &KeyWrapError{Op: "wrap", Err: err}
	}
	return wrapped, nil
}

// Unwrap recovers a symmetric key with the private key.
func (w *KeyWrapper) Unwrap(wrapped []byte, priv *rsa.PrivateKey) ([]byte, error) {
	if priv == nil {
		return nil, &KeyWrapError{Op: "unwrap", Err: errors.New("private key is required")}
	}

	key, err := rsa.DecryptOAEP(sha256.New(), nil, priv, wrapped, nil)
	if err != nil {
		w.logger.Debug("Key unwrap rejected")
		return nil, &KeyWrapError{Op: "unwrap"}
	}
	return key, nil
}
