package security

import (
	"bytes"
	"crypto/aes"
	"crypto/rand"
	"errors"
	"testing"

	"pgregory.net/rapid"
)

func newTestEngine(window int) *CipherEngine {
	return NewCipherEngine(CipherConfig{WindowSize: window}, nil)
}

// TestEncryptDecryptRoundTrip tests basic blob encryption/decryption
func TestEncryptDecryptRoundTrip(t *testing.T) {
	engine := newTestEngine(0)
	testData := []byte("Hello, shard vault! This message crosses more than one AES block.")

	blob, key, err := engine.Encrypt(testData)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if len(key) != KeySize {
		t.Fatalf("Key size: got %d, expected %d", len(key), KeySize)
	}
	if len(blob) < IVSize+aes.BlockSize || (len(blob)-IVSize)%aes.BlockSize != 0 {
		t.Fatalf("Unexpected blob length %d", len(blob))
	}

	decrypted, err := engine.Decrypt(blob, key)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(testData, decrypted) {
		t.Errorf("Decrypted data mismatch:\ngot: %q\nexp: %q", decrypted, testData)
	}
}

// TestEncryptFreshKeyAndIV tests that each call draws new key material
func TestEncryptFreshKeyAndIV(t *testing.T) {
	engine := newTestEngine(0)
	data := []byte("same plaintext")

	blob1, key1, err := engine.Encrypt(data)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	blob2, key2, err := engine.Encrypt(data)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if bytes.Equal(key1, key2) {
		t.Error("Expected distinct keys per invocation")
	}
	if bytes.Equal(blob1[:IVSize], blob2[:IVSize]) {
		t.Error("Expected distinct IVs per invocation")
	}
}

// TestEncryptDecryptAcrossWindows tests streaming over data spanning several windows
func TestEncryptDecryptAcrossWindows(t *testing.T) {
	engine := newTestEngine(64)

	for _, size := range []int{0, 1, 15, 16, 17, 63, 64, 65, 128, 1000} {
		data := make([]byte, size)
		if _, err := rand.Read(data); err != nil {
			t.Fatalf("rand: %v", err)
		}

		var encrypted bytes.Buffer
		key, iv, err := engine.EncryptStream(bytes.NewReader(data), &encrypted)
		if err != nil {
			t.Fatalf("size %d: EncryptStream failed: %v", size, err)
		}
		if !bytes.Equal(iv, encrypted.Bytes()[:IVSize]) {
			t.Fatalf("size %d: IV is not the blob prefix", size)
		}

		expectedLen := IVSize + (size/aes.BlockSize+1)*aes.BlockSize
		if encrypted.Len() != expectedLen {
			t.Errorf("size %d: ciphertext length %d, expected %d", size, encrypted.Len(), expectedLen)
		}

		var decrypted bytes.Buffer
		if err := engine.DecryptStream(key, bytes.NewReader(encrypted.Bytes()), &decrypted); err != nil {
			t.Fatalf("size %d: DecryptStream failed: %v", size, err)
		}
		if !bytes.Equal(data, decrypted.Bytes()) {
			t.Errorf("size %d: round trip mismatch", size)
		}
	}
}

// TestWindowSizeDoesNotChangeFormat tests that blobs are portable across window sizes
func TestWindowSizeDoesNotChangeFormat(t *testing.T) {
	small := newTestEngine(32)
	large := newTestEngine(0)

	data := make([]byte, 5000)
	rand.Read(data)

	blob, key, err := small.Encrypt(data)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	out, err := large.Decrypt(blob, key)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(data, out) {
		t.Error("Blob encrypted with small window did not decrypt with default window")
	}
}

// TestCipherErrors tests the typed failure modes
func TestCipherErrors(t *testing.T) {
	engine := newTestEngine(0)
	blob, key, err := engine.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	tests := []struct {
		name    string
		blob    []byte
		key     []byte
		wantErr error
	}{
		{"short key", blob, key[:16], ErrInvalidKeySize},
		{"long key", blob, append(append([]byte{}, key...), 0), ErrInvalidKeySize},
		{"shorter than IV", blob[:IVSize-1], key, ErrCiphertextTooShort},
		{"empty", nil, key, ErrCiphertextTooShort},
		{"only IV", blob[:IVSize], key, ErrCiphertextNotAligned},
		{"unaligned", blob[:len(blob)-1], key, ErrCiphertextNotAligned},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Decrypt(tt.blob, tt.key)
			var cipherErr *CipherError
			if !errors.As(err, &cipherErr) {
				t.Fatalf("Expected CipherError, got %v", err)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

// TestEncryptWithBadIV tests IV validation on the explicit-IV entry point
func TestEncryptWithBadIV(t *testing.T) {
	engine := newTestEngine(0)
	key, _ := engine.GenerateKey()

	err := engine.EncryptStreamWithIV(key, make([]byte, 8), bytes.NewReader([]byte("x")), &bytes.Buffer{})
	if !errors.Is(err, ErrInvalidIVSize) {
		t.Fatalf("Expected ErrInvalidIVSize, got %v", err)
	}
}

// TestDecryptWrongKey tests that a wrong key never returns the plaintext
func TestDecryptWrongKey(t *testing.T) {
	engine := newTestEngine(0)
	data := []byte("confidential content that must not leak")

	blob, _, err := engine.Encrypt(data)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	wrongKey, _ := engine.GenerateKey()

	out, err := engine.Decrypt(blob, wrongKey)
	if err == nil && bytes.Equal(out, data) {
		t.Fatal("Decrypt with wrong key returned the original plaintext")
	}
}

func TestCipherRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		window := rapid.IntRange(1, 8).Draw(t, "blocks") * aes.BlockSize
		data := rapid.SliceOfN(rapid.Byte(), 0, 4096).Draw(t, "plaintext")

		engine := newTestEngine(window)
		blob, key, err := engine.Encrypt(data)
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		out, err := engine.Decrypt(blob, key)
		if err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}
		if !bytes.Equal(data, out) {
			t.Fatalf("round trip mismatch for %d bytes", len(data))
		}
	})
}
