// ABOUTME: Symmetric envelope encryption for credentials stored at rest
// ABOUTME: AES-256-GCM with nonce:tag:ciphertext encoding and legacy passthrough

package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

const (
	keySize   = 32 // AES-256
	nonceSize = 16
	tagSize   = 16

	// devFallbackKey is only ever used in non-production setups that have
	// configured no key material at all. Refused outright in production.
	devFallbackKey = "atrium-dev-only-encryption-key"
)

// ErrNoProductionKey is returned when production mode has no configured
// encryption key. Startup must abort rather than silently degrade.
var ErrNoProductionKey = errors.New("no encryption key configured in production")

// KeySource describes where the cipher key comes from, in priority order:
// a dedicated encryption key, then a shared session secret, then a fixed
// development fallback (non-production only).
type KeySource struct {
	EncryptionKey string // used raw iff exactly 32 bytes, otherwise hashed
	SessionSecret string // hashed to key size
	Production    bool
}

// Cipher encrypts and decrypts short secrets (OAuth tokens and the like)
// before they touch storage.
type Cipher struct {
	aead cipher.AEAD

	// LegacyPassthrough controls the backward-compatibility trapdoor:
	// values that do not look encrypted, or that fail authentication, are
	// returned unchanged with a warning instead of erroring. This is a
	// migration aid for rows written before encryption existed, not a
	// security boundary. With it off, such values are still returned
	// unchanged but logged at Error so operators can find them.
	LegacyPassthrough bool

	logger *slog.Logger
}

// NewCipher derives the key from src and builds the AEAD.
func NewCipher(src KeySource) (*Cipher, error) {
	logger := slog.Default().With("component", "secrets")

	key, err := deriveKey(src, logger)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Cipher{
		aead:              aead,
		LegacyPassthrough: true,
		logger:            logger,
	}, nil
}

func deriveKey(src KeySource, logger *slog.Logger) ([]byte, error) {
	if src.EncryptionKey != "" {
		if len(src.EncryptionKey) == keySize {
			return []byte(src.EncryptionKey), nil
		}
		sum := sha256.Sum256([]byte(src.EncryptionKey))
		return sum[:], nil
	}
	if src.SessionSecret != "" {
		logger.Warn("no dedicated encryption key configured, deriving from session secret")
		sum := sha256.Sum256([]byte(src.SessionSecret))
		return sum[:], nil
	}
	if src.Production {
		return nil, ErrNoProductionKey
	}
	logger.Warn("USING DEVELOPMENT FALLBACK ENCRYPTION KEY - tokens are not protected; configure an encryption key before storing real credentials")
	sum := sha256.Sum256([]byte(devFallbackKey))
	return sum[:], nil
}

// Encrypt seals plaintext and encodes it as nonce:tag:ciphertext, each part
// base64. Empty input stays empty.
func (c *Cipher) Encrypt(plaintext string) string {
	if plaintext == "" {
		return ""
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		// crypto/rand failing means the process is in no state to continue
		panic(fmt.Sprintf("reading random nonce: %v", err))
	}

	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	enc := base64.StdEncoding
	return enc.EncodeToString(nonce) + ":" + enc.EncodeToString(tag) + ":" + enc.EncodeToString(ct)
}

// Decrypt reverses Encrypt. Values that are not in the encoded shape are
// treated as legacy plaintext and returned unchanged; authentication
// failures are likewise passed through with a warning. See
// LegacyPassthrough for why.
func (c *Cipher) Decrypt(value string) string {
	if value == "" {
		return ""
	}

	parts := strings.SplitN(value, ":", 3)
	if len(parts) != 3 {
		return c.passthrough(value, "value is not in encrypted form")
	}

	enc := base64.StdEncoding
	nonce, err := enc.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSize {
		return c.passthrough(value, "bad nonce encoding")
	}
	tag, err := enc.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return c.passthrough(value, "bad tag encoding")
	}
	ct, err := enc.DecodeString(parts[2])
	if err != nil {
		return c.passthrough(value, "bad ciphertext encoding")
	}

	plain, err := c.aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return c.passthrough(value, "authentication failed")
	}
	return string(plain)
}

func (c *Cipher) passthrough(value, reason string) string {
	if c.LegacyPassthrough {
		c.logger.Warn("returning stored value undecrypted", "reason", reason)
	} else {
		c.logger.Error("stored value failed decryption with legacy passthrough disabled", "reason", reason)
	}
	return value
}
