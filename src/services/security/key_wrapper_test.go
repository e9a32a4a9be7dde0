package security

import (
	"crypto/rsa"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var (
	testKeyOnce sync.Once
	testKeyA    *rsa.PrivateKey
	testKeyB    *rsa.PrivateKey
)

func testKeys(t testing.TB) (*rsa.PrivateKey, *rsa.PrivateKey) {
	testKeyOnce.Do(func() {
		var err error
		testKeyA, err = GenerateKeyPair(MinKeyBits)
		require.NoError(t, err)
		testKeyB, err = GenerateKeyPair(MinKeyBits)
		require.NoError(t, err)
	})
	return testKeyA, testKeyB
}

func TestKeyWrapper_RoundTrip(t *testing.T) {
	priv, _ := testKeys(t)
	wrapper := NewKeyWrapper(nil)
	engine := NewCipherEngine(CipherConfig{}, nil)

	key, err := engine.GenerateKey()
	require.NoError(t, err)

	wrapped, err := wrapper.Wrap(key, &priv.PublicKey)
	require.NoError(t, err)
	assert.Len(t, wrapped, priv.Size())

	unwrapped, err := wrapper.Unwrap(wrapped, priv)
	require.NoError(t, err)
	assert.Equal(t, key, unwrapped)
}

func TestKeyWrapper_WrongPrivateKey(t *testing.T) {
	privA, privB := testKeys(t)
	wrapper := NewKeyWrapper(nil)

	wrapped, err := wrapper.Wrap(make([]byte, KeySize), &privA.PublicKey)
	require.NoError(t, err)

	key, err := wrapper.Unwrap(wrapped, privB)
	assert.Nil(t, key)

	var wrapErr *KeyWrapError
	require.True(t, errors.As(err, &wrapErr))
	assert.Equal(t, "unwrap", wrapErr.Op)
	assert.ErrorIs(t, err, ErrKeyWrap)
	assert.Equal(t, "unwrap: key wrap failed", err.Error())
}

func TestKeyWrapper_TamperedCiphertext(t *testing.T) {
	priv, _ := testKeys(t)
	wrapper := NewKeyWrapper(nil)

	wrapped, err := wrapper.Wrap(make([]byte, KeySize), &priv.PublicKey)
	require.NoError(t, err)
	wrapped[len(wrapped)/2] ^= 0x01

	_, err = wrapper.Unwrap(wrapped, priv)
	assert.ErrorIs(t, err, ErrKeyWrap)

	// Same message regardless of cause
	_, errShort := wrapper.Unwrap([]byte{1, 2, 3}, priv)
	assert.Equal(t, err.Error(), errShort.Error())
}

func TestKeyWrapper_MissingKeys(t *testing.T) {
	wrapper := NewKeyWrapper(nil)

	_, err := wrapper.Wrap(make([]byte, KeySize), nil)
	assert.ErrorIs(t, err, ErrKeyWrap)

	_, err = wrapper.Unwrap([]byte("x"), nil)
	assert.ErrorIs(t, err, ErrKeyWrap)
}

func TestKeyWrapper_Property(t *testing.T) {
	priv, _ := testKeys(t)
	wrapper := NewKeyWrapper(nil)

	rapid.Check(t, func(t *rapid.T) {
		key := rapid.SliceOfN(rapid.Byte(), KeySize, KeySize).Draw(t, "key")

		wrapped, err := wrapper.Wrap(key, &priv.PublicKey)
		if err != nil {
			t.Fatalf("Wrap failed: %v", err)
		}
		unwrapped, err := wrapper.Unwrap(wrapped, priv)
		if err != nil {
			t.Fatalf("Unwrap failed: %v", err)
		}
		if string(unwrapped) != string(key) {
			t.Fatalf("unwrap(wrap(K)) != K")
		}
	})
}

func TestKeyPair_WriteAndLoad(t *testing.T) {
	priv, _ := testKeys(t)
	dir := t.TempDir()

	privPath, pubPath, err := WriteKeyPair(dir, priv)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, PrivateKeyFile), privPath)

	info, err := os.Stat(privPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loadedPriv, err := LoadPrivateKey(privPath)
	require.NoError(t, err)
	assert.True(t, priv.Equal(loadedPriv))

	loadedPub, err := LoadPublicKey(pubPath)
	require.NoError(t, err)
	assert.True(t, priv.PublicKey.Equal(loadedPub))
}

func TestKeyPair_ParseErrors(t *testing.T) {
	_, err := ParsePublicKeyPEM([]byte("not pem"))
	assert.ErrorIs(t, err, ErrInvalidPEM)

	_, err = ParsePrivateKeyPEM(nil)
	assert.ErrorIs(t, err, ErrInvalidPEM)

	_, err = GenerateKeyPair(1024)
	assert.ErrorIs(t, err, ErrKeyTooWeak)
}
