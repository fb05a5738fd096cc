// Package auth guards the MCP control endpoint with static API keys.
// Keys are held only as SHA-256 digests; plaintext keys never outlive
// NewKeyStore.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

const (
	// APIKeyPrefix marks chatsync API keys so they are recognisable in
	// config files and logs.
	APIKeyPrefix = "cs_"

	// apiKeyRandomBytes is the entropy of a generated key.
	apiKeyRandomBytes = 32

	// APIKeyMinLen is the shortest accepted key: the prefix plus 128
	// bits of hex.
	APIKeyMinLen = len(APIKeyPrefix) + 32
)

// APIKey is an authenticated key's identity.
type APIKey struct {
	UserID string
}

type keyEntry struct {
	digest [sha256.Size]byte
	userID string
}

// KeyStore validates bearer API keys.
type KeyStore struct {
	entries []keyEntry
}

// NewKeyStore builds a store from userID -> plaintext key pairs.
func NewKeyStore(keys map[string]string) *KeyStore {
	s := &KeyStore{}
	for userID, key := range keys {
		s.entries = append(s.entries, keyEntry{digest: sha256.Sum256([]byte(key)), userID: userID})
	}

	return s
}

// Len returns the number of registered keys.
func (s *KeyStore) Len() int {
	return len(s.entries)
}

// ValidateAPIKey returns the key's identity, or nil if the key is not
// registered. Every entry is compared so timing does not reveal which
// key matched.
func (s *KeyStore) ValidateAPIKey(key string) *APIKey {
	digest := sha256.Sum256([]byte(key))

	var match *APIKey

	for i := range s.entries {
		if subtle.ConstantTimeCompare(digest[:], s.entries[i].digest[:]) == 1 {
			match = &APIKey{UserID: s.entries[i].userID}
		}
	}

	return match
}

// GenerateAPIKey returns a new random key with the cs_ prefix.
func GenerateAPIKey() (string, error) {
	b := make([]byte, apiKeyRandomBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}

	return APIKeyPrefix + hex.EncodeToString(b), nil
}
