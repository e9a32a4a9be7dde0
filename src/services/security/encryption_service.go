package security

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
)

// ==============================================================================
// Content Cipher - AES-256-CBC streaming
// ==============================================================================
//
// Blob Structure:
// +------------+-----------------------------------+
// |     IV     | Ciphertext (PKCS#7 padded)        |
// +------------+-----------------------------------+
// | 16 B       | n * 16 B                          |
// +------------+-----------------------------------+
//
// Plaintext is processed in fixed windows so memory use stays constant no
// matter how large the source file is. Every window except the last is a
// multiple of the block size, so CBC chaining continues across windows and
// padding is only ever applied once, at the end of the stream.
//
// ==============================================================================

const (
	// WindowSize is the default plaintext window processed per iteration (64KB)
	WindowSize = 64 * 1024

	// KeySize is the content key length in bytes (256 bits)
	KeySize = 32

	// IVSize is the CBC initialization vector length, stored as the blob prefix
	IVSize = aes.BlockSize
)

// Cipher errors
var (
	ErrInvalidKeySize       = errors.New("invalid key size")
	ErrInvalidIVSize        = errors.New("invalid IV size")
	ErrCiphertextTooShort   = errors.New("ciphertext shorter than IV prefix")
	ErrCiphertextNotAligned = errors.New("ciphertext is not a whole number of blocks")
	ErrCorruptedData        = errors.New("corrupted or tampered data")
)

// CipherError reports a failure inside the content cipher.
type CipherError struct {
	Op  string
	Err error
}

func (e *CipherError) Error() string {
	return fmt.Sprintf("cipher %s: %v", e.Op, e.Err)
}

func (e *CipherError) Unwrap() error {
	return e.Err
}

// windowPool provides reusable buffers for one window plus one block of padding headroom.
var windowPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, WindowSize+aes.BlockSize)
		return &buf
	},
}

// CipherConfig carries the tunables of a CipherEngine.
type CipherConfig struct {
	// WindowSize must be a positive multiple of the AES block size. Zero selects WindowSize.
	WindowSize int
}

// CipherEngine encrypts and decrypts content blobs under per-file keys.
type CipherEngine struct {
	windowSize int
	random     io.Reader
	logger     *logrus.Logger
}

// NewCipherEngine creates a cipher engine. Invalid window sizes fall back to the default.
func NewCipherEngine(cfg CipherConfig, logger *logrus.Logger) *CipherEngine {
	if logger == nil {
		logger = logrus.New()
	}

	window := cfg.WindowSize
	if window <= 0 || window%aes.BlockSize != 0 {
		if window != 0 {
			logger.WithField("window_size", window).Warn("Invalid cipher window size, using default")
		}
		window = WindowSize
	}

	return &CipherEngine{
		windowSize: window,
		random:     rand.Reader,
		logger:     logger,
	}
}

// GenerateKey returns fresh random content key material.
func (e *CipherEngine) GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(e.random, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// Encrypt encrypts plaintext under a freshly generated key and returns the
// self-describing blob (IV prefix + ciphertext) and the key.
func (e *CipherEngine) Encrypt(plaintext []byte) (blob, key []byte, err error) {
	var out bytes.Buffer
	out.Grow(IVSize + len(plaintext) + aes.BlockSize)

	key, _, err = e.EncryptStream(bytes.NewReader(plaintext), &out)
	if err != nil {
		return nil, nil, err
	}
	return out.Bytes(), key, nil
}

// Decrypt decrypts a blob produced by Encrypt.
func (e *CipherEngine) Decrypt(blob, key []byte) ([]byte, error) {
	if len(blob) < IVSize {
		return nil, &CipherError{Op: "decrypt", Err: ErrCiphertextTooShort}
	}

	var out bytes.Buffer
	out.Grow(len(blob) - IVSize)
	if err := e.DecryptStream(key, bytes.NewReader(blob), &out); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// EncryptStream generates a fresh key and IV and streams input into output as
// IV || AES-256-CBC(PKCS#7(input)). The caller owns the returned key.
func (e *CipherEngine) EncryptStream(input io.Reader, output io.Writer) (key, iv []byte, err error) {
	key, err = e.GenerateKey()
	if err != nil {
		return nil, nil, err
	}

	iv = make([]byte, IVSize)
	if _, err := io.ReadFull(e.random, iv); err != nil {
		secureWipe(key)
		return nil, nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	if err := e.EncryptStreamWithIV(key, iv, input, output); err != nil {
		secureWipe(key)
		return nil, nil, err
	}
	return key, iv, nil
}

// EncryptStreamWithIV streams input into output under the given key and IV.
func (e *CipherEngine) EncryptStreamWithIV(key, iv []byte, input io.Reader, output io.Writer) error {
	block, err := newBlock(key, "encrypt")
	if err != nil {
		return err
	}
	if len(iv) != IVSize {
		return &CipherError{Op: "encrypt", Err: ErrInvalidIVSize}
	}

	if _, err := output.Write(iv); err != nil {
		return fmt.Errorf("failed to write IV: %w", err)
	}

	mode := cipher.NewCBCEncrypter(block, iv)

	bufPtr, buf := e.window()
	defer windowPool.Put(bufPtr)
	defer secureWipe(buf)

	for {
		n, err := io.ReadFull(input, buf[:e.windowSize])
		switch {
		case err == nil:
			mode.CryptBlocks(buf[:n], buf[:n])
			if _, err := output.Write(buf[:n]); err != nil {
				return fmt.Errorf("failed to write ciphertext: %w", err)
			}
			continue
		case err == io.EOF || err == io.ErrUnexpectedEOF:
			// Final window: pad and flush
			padded := pkcs7Pad(buf, n)
			mode.CryptBlocks(buf[:padded], buf[:padded])
			if _, err := output.Write(buf[:padded]); err != nil {
				return fmt.Errorf("failed to write ciphertext: %w", err)
			}
			return nil
		default:
			return fmt.Errorf("failed to read input: %w", err)
		}
	}
}

// DecryptStream reads IV || ciphertext from input and writes the plaintext to
// output. The last block is held back until EOF so padding can be removed.
// On error, output may hold a partial plaintext that the caller must discard.
func (e *CipherEngine) DecryptStream(key []byte, input io.Reader, output io.Writer) error {
	block, err := newBlock(key, "decrypt")
	if err != nil {
		return err
	}

	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(input, iv); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return &CipherError{Op: "decrypt", Err: ErrCiphertextTooShort}
		}
		return fmt.Errorf("failed to read IV: %w", err)
	}

	mode := cipher.NewCBCDecrypter(block, iv)

	bufPtr, buf := e.window()
	defer windowPool.Put(bufPtr)
	defer secureWipe(buf)

	held := make([]byte, aes.BlockSize)
	defer secureWipe(held)
	hasHeld := false

	for {
		n, readErr := io.ReadFull(input, buf[:e.windowSize])
		if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
			return fmt.Errorf("failed to read input: %w", readErr)
		}

		if n > 0 {
			if n%aes.BlockSize != 0 {
				return &CipherError{Op: "decrypt", Err: ErrCiphertextNotAligned}
			}
			mode.CryptBlocks(buf[:n], buf[:n])

			if hasHeld {
				if _, err := output.Write(held); err != nil {
					return fmt.Errorf("failed to write plaintext: %w", err)
				}
			}
			if _, err := output.Write(buf[:n-aes.BlockSize]); err != nil {
				return fmt.Errorf("failed to write plaintext: %w", err)
			}
			copy(held, buf[n-aes.BlockSize:n])
			hasHeld = true
		}

		if readErr != nil {
			break
		}
	}

	if !hasHeld {
		return &CipherError{Op: "decrypt", Err: ErrCiphertextNotAligned}
	}

	plain, err := pkcs7Unpad(held)
	if err != nil {
		return err
	}
	if _, err := output.Write(plain); err != nil {
		return fmt.Errorf("failed to write plaintext: %w", err)
	}
	return nil
}

func (e *CipherEngine) window() (*[]byte, []byte) {
	bufPtr := windowPool.Get().(*[]byte)
	need := e.windowSize + aes.BlockSize
	if cap(*bufPtr) < need {
		buf := make([]byte, need)
		bufPtr = &buf
	}
	return bufPtr, (*bufPtr)[:need]
}

func newBlock(key []byte, op string) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, &CipherError{Op: op, Err: ErrInvalidKeySize}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &CipherError{Op: op, Err: err}
	}
	return block, nil
}

// pkcs7Pad pads buf[:n] in place and returns the padded length.
// buf must have at least one block of headroom past n.
func pkcs7Pad(buf []byte, n int) int {
	pad := aes.BlockSize - n%aes.BlockSize
	for i := n; i < n+pad; i++ {
		buf[i] = byte(pad)
	}
	return n + pad
}

// pkcs7Unpad validates the padding of the final block without branching on its content.
func pkcs7Unpad(last []byte) ([]byte, error) {
	pad := int(last[len(last)-1])

	good := subtle.ConstantTimeLessOrEq(1, pad) & subtle.ConstantTimeLessOrEq(pad, aes.BlockSize)
	for i := 0; i < aes.BlockSize; i++ {
		inPad := subtle.ConstantTimeLessOrEq(aes.BlockSize-pad, i)
		match := subtle.ConstantTimeByteEq(last[i], byte(pad))
		good &= subtle.ConstantTimeSelect(inPad, match, 1)
	}

	if good != 1 {
		return nil, &CipherError{Op: "decrypt", Err: ErrCorruptedData}
	}
	return last[:len(last)-pad], nil
}

// secureWipe overwrites a byte slice with zeros to prevent memory forensics
func secureWipe(data []byte) {
	for i := range data {
		data[i] = 0
	}
	runtime.KeepAlive(data)
}
