package config

import (
	"fmt"
	"os"
	"strings"
)

const (
	minObfuscationSecretLength = 32
	minChunkAuthSecretLength   = 32
)

// readSecretFromFile reads a secret from the given path.
// It trims whitespace and returns an error if the file cannot be read or is empty.
func readSecretFromFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file '%s': %w", path, err)
	}

	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", fmt.Errorf("secret file '%s' is empty", path)
	}

	return secret, nil
}

// ValidateObfuscationSecret enforces basic strength rules for the filename obfuscation secret.
func ValidateObfuscationSecret(secret string) error {
	return validateSecret("OBFUSCATION_SECRET", "filename obfuscation", secret, minObfuscationSecretLength)
}

// ValidateChunkAuthSecret enforces basic strength rules for the chunk server signing secret.
func ValidateChunkAuthSecret(secret string) error {
	return validateSecret("CHUNK_AUTH_SECRET", "chunk token signing", secret, minChunkAuthSecretLength)
}

func validateSecret(name, purpose, secret string, minLength int) error {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return fmt.Errorf("CRITICAL: %s is required for %s", name, purpose)
	}

	if len(trimmed) < minLength {
		return fmt.Errorf("CRITICAL: %s must be at least %d characters (got %d)", name, minLength, len(trimmed))
	}

	return nil
}
