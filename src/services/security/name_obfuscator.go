package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// ==============================================================================
// Filename Obfuscation - deterministic SIV-style encryption
// ==============================================================================
//
// token = hex( tag || AES-256-CTR(encKey, iv=tag, name) )
// tag   = HMAC-SHA256(macKey, name)[:16]
//
// Both subkeys are derived from the configured secret with HKDF-SHA256. The
// same name always yields the same token, so the token can be recomputed by a
// reader and used as a lookup key. Equal names produce equal tokens, which is
// the accepted leak of this layer.
//
// ==============================================================================

const (
	// MinObfuscationSecretLength is the minimum accepted secret length in bytes
	MinObfuscationSecretLength = 32

	nameTagSize = 16

	macKeyInfo = "shardvault/name-obfuscation/mac"
	encKeyInfo = "shardvault/name-obfuscation/enc"
)

var (
	ErrWeakObfuscationSecret = fmt.Errorf("obfuscation secret must be at least %d bytes", MinObfuscationSecretLength)
	ErrEmptyName             = errors.New("name is empty")
	ErrInvalidToken          = errors.New("invalid obfuscated name")
)

// ObfuscatorConfig carries the secret the obfuscation subkeys are derived from.
type ObfuscatorConfig struct {
	Secret []byte
}

// NameObfuscator turns file names into deterministic reversible tokens.
type NameObfuscator struct {
	macKey []byte
	block  cipher.Block
}

// NewNameObfuscator derives the obfuscation subkeys from cfg.Secret.
func NewNameObfuscator(cfg ObfuscatorConfig) (*NameObfuscator, error) {
	if len(cfg.Secret) < MinObfuscationSecretLength {
		return nil, ErrWeakObfuscationSecret
	}

	macKey, err := deriveSubkey(cfg.Secret, macKeyInfo)
	if err != nil {
		return nil, err
	}
	encKey, err := deriveSubkey(cfg.Secret, encKeyInfo)
	if err != nil {
		return nil, err
	}
	defer secureWipe(encKey)

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("create name cipher: %w", err)
	}

	return &NameObfuscator{macKey: macKey, block: block}, nil
}

// Obfuscate returns the token for name.
func (o *NameObfuscator) Obfuscate(name string) (string, error) {
	if name == "" {
		return "", ErrEmptyName
	}

	plain := []byte(name)
	tag := o.tag(plain)

	out := make([]byte, nameTagSize+len(plain))
	copy(out, tag)
	cipher.NewCTR(o.block, tag).XORKeyStream(out[nameTagSize:], plain)

	return hex.EncodeToString(out), nil
}

// Deobfuscate reverses Obfuscate. Tokens that were not produced under the
// same secret fail with ErrInvalidToken.
func (o *NameObfuscator) Deobfuscate(token string) (string, error) {
	raw, err := hex.DecodeString(strings.ToLower(token))
	if err != nil || len(raw) <= nameTagSize {
		return "", ErrInvalidToken
	}

	tag := raw[:nameTagSize]
	plain := make([]byte, len(raw)-nameTagSize)
	cipher.NewCTR(o.block, tag).XORKeyStream(plain, raw[nameTagSize:])

	if !hmac.Equal(tag, o.tag(plain)) {
		return "", ErrInvalidToken
	}
	return string(plain), nil
}

func (o *NameObfuscator) tag(plain []byte) []byte {
	mac := hmac.New(sha256.New, o.macKey)
	mac.Write(plain)
	return mac.Sum(nil)[:nameTagSize]
}

func deriveSubkey(secret []byte, info string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive %s: %w", info, err)
	}
	return key, nil
}
