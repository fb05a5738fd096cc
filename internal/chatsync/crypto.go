package chatsync

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"sync"

	cserrors "github.com/alexjbarnes/chatsync/internal/errors"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scryptN is the CPU/memory cost parameter for scrypt key derivation (2^15).
	scryptN = 32768

	// scryptR is the block size parameter for scrypt key derivation.
	scryptR = 8

	// scryptP is the parallelization parameter for scrypt key derivation.
	scryptP = 1

	// scryptKeyLen is the derived key length in bytes (AES-256).
	scryptKeyLen = 32

	// appSalt is the fixed key-derivation salt shared by every install.
	// The secret is per deployment, so a per-blob salt adds nothing.
	appSalt = "chatsync-bucket-encryption-v1"

	// encryptionMarker prefixes every encrypted blob. Blobs without it
	// are legacy plaintext.
	encryptionMarker = "ENCRYPTED:"
)

// Cipher encrypts and decrypts object payloads.
type Cipher interface {
	// Encrypt returns marker || IV || ciphertext+tag. With no secret
	// configured the plaintext is returned unchanged.
	Encrypt(plaintext []byte) ([]byte, error)

	// Decrypt reverses Encrypt. Input without the marker is returned
	// unchanged. A marked blob with a missing or wrong secret fails with
	// a ConfigurationError.
	Decrypt(blob []byte) ([]byte, error)
}

// IsEncrypted reports whether blob carries the encryption marker.
func IsEncrypted(blob []byte) bool {
	return bytes.HasPrefix(blob, []byte(encryptionMarker))
}

// DeriveKey derives a 32-byte key from the secret and the application salt
// using scrypt. The secret is normalized to NFKC first.
func DeriveKey(secret string) ([]byte, error) {
	secret = norm.NFKC.String(secret)

	key, err := scrypt.Key([]byte(secret), []byte(appSalt), scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	return key, nil
}

// SecretCipher is the AES-256-GCM Cipher keyed by a user secret. The key is
// derived on first use and cached.
type SecretCipher struct {
	secret string

	once sync.Once
	gcm  cipher.AEAD
	err  error
}

// NewCipher returns a Cipher for the given secret. An empty secret yields
// a pass-through cipher that can still read legacy plaintext.
func NewCipher(secret string) *SecretCipher {
	return &SecretCipher{secret: secret}
}

// HasSecret reports whether a secret was configured.
func (c *SecretCipher) HasSecret() bool {
	return c.secret != ""
}

func (c *SecretCipher) aead() (cipher.AEAD, error) {
	c.once.Do(func() {
		key, err := DeriveKey(c.secret)
		if err != nil {
			c.err = err
			return
		}
		defer zeroKey(key)

		block, err := aes.NewCipher(key)
		if err != nil {
			c.err = fmt.Errorf("creating AES cipher: %w", err)
			return
		}

		c.gcm, c.err = cipher.NewGCM(block)
	})

	return c.gcm, c.err
}

func (c *SecretCipher) Encrypt(plaintext []byte) ([]byte, error) {
	if !c.HasSecret() {
		return plaintext, nil
	}

	gcm, err := c.aead()
	if err != nil {
		return nil, err
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generating IV: %w", err)
	}

	out := make([]byte, 0, len(encryptionMarker)+len(iv)+len(plaintext)+gcm.Overhead())
	out = append(out, encryptionMarker...)
	out = append(out, iv...)

	return gcm.Seal(out, iv, plaintext, nil), nil
}

func (c *SecretCipher) Decrypt(blob []byte) ([]byte, error) {
	if !IsEncrypted(blob) {
		return blob, nil
	}

	if !c.HasSecret() {
		return nil, &cserrors.ConfigurationError{Field: "ENCRYPTION_KEY", Err: cserrors.ErrMissingSecret}
	}

	gcm, err := c.aead()
	if err != nil {
		return nil, err
	}

	data := blob[len(encryptionMarker):]

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize+gcm.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: %d bytes: %w", len(data), cserrors.ErrCorruptPayload)
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, &cserrors.ConfigurationError{Field: "ENCRYPTION_KEY", Err: cserrors.ErrWrongSecret}
	}

	return plaintext, nil
}

// zeroKey overwrites key material once the AEAD holds its own copy.
func zeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}
