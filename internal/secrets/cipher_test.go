// ABOUTME: Tests for the token cipher round-trip and legacy passthrough
// ABOUTME: Tampered or unencrypted values must come back unchanged, never error

package secrets

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	c, err := NewCipher(KeySource{EncryptionKey: "0123456789abcdef0123456789abcdef"})
	require.NoError(t, err)
	return c
}

func TestCipher_RoundTrip(t *testing.T) {
	c := newTestCipher(t)

	for _, plaintext := range []string{
		"gho_abcdefghij",
		"short",
		"a much longer token value with spaces and símbolos ünïcode",
	} {
		encrypted := c.Encrypt(plaintext)
		assert.NotEqual(t, plaintext, encrypted)
		assert.Equal(t, plaintext, c.Decrypt(encrypted))
	}
}

func TestCipher_EncryptedShape(t *testing.T) {
	c := newTestCipher(t)

	encrypted := c.Encrypt("token")
	parts := strings.Split(encrypted, ":")
	require.Len(t, parts, 3, "nonce:tag:ciphertext")

	// Fresh nonce every call: two encryptions of the same value differ.
	assert.NotEqual(t, encrypted, c.Encrypt("token"))
}

func TestCipher_EmptyString(t *testing.T) {
	c := newTestCipher(t)
	assert.Equal(t, "", c.Encrypt(""))
	assert.Equal(t, "", c.Decrypt(""))
}

func TestCipher_LegacyPlaintextPassthrough(t *testing.T) {
	c := newTestCipher(t)

	// Values from before encryption existed have no nonce:tag:ct shape and
	// must come back untouched.
	assert.Equal(t, "plain-old-token", c.Decrypt("plain-old-token"))
	assert.Equal(t, "with:one-colon", c.Decrypt("with:one-colon"))
}

func TestCipher_TamperedCiphertextPassthrough(t *testing.T) {
	c := newTestCipher(t)

	encrypted := c.Encrypt("secret")
	tampered := encrypted[:len(encrypted)-2] + "xx"
	assert.Equal(t, tampered, c.Decrypt(tampered), "authentication failure returns the stored value unchanged")

	// Disabling the trapdoor changes the logging, not the return value.
	c.LegacyPassthrough = false
	assert.Equal(t, tampered, c.Decrypt(tampered))
}

func TestCipher_WrongKeyPassthrough(t *testing.T) {
	a := newTestCipher(t)
	b, err := NewCipher(KeySource{EncryptionKey: "a completely different key material"})
	require.NoError(t, err)

	encrypted := a.Encrypt("secret")
	assert.Equal(t, encrypted, b.Decrypt(encrypted))
}

func TestNewCipher_KeyDerivation(t *testing.T) {
	// A 32-byte key is used raw; anything else is hashed. Both must produce
	// ciphers that round-trip with themselves.
	exact, err := NewCipher(KeySource{EncryptionKey: "0123456789abcdef0123456789abcdef"})
	require.NoError(t, err)
	assert.Equal(t, "x", exact.Decrypt(exact.Encrypt("x")))

	hashed, err := NewCipher(KeySource{EncryptionKey: "short"})
	require.NoError(t, err)
	assert.Equal(t, "x", hashed.Decrypt(hashed.Encrypt("x")))

	// Session secret works as fallback key material.
	fromSecret, err := NewCipher(KeySource{SessionSecret: "session-secret"})
	require.NoError(t, err)
	assert.Equal(t, "x", fromSecret.Decrypt(fromSecret.Encrypt("x")))

	// A configured key and its absence derive different keys.
	assert.NotEqual(t, "x", hashed.Decrypt(exact.Encrypt("x")))
}

func TestNewCipher_ProductionRequiresKey(t *testing.T) {
	_, err := NewCipher(KeySource{Production: true})
	assert.ErrorIs(t, err, ErrNoProductionKey)

	// Non-production falls back to the development key.
	c, err := NewCipher(KeySource{})
	require.NoError(t, err)
	assert.Equal(t, "x", c.Decrypt(c.Encrypt("x")))
}
