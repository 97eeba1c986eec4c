package envelope

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// NewKey generates a fresh random 32-byte key.
func NewKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("envelope: keygen: %w", err)
	}
	return key, nil
}

// DecodeKey parses a base64-encoded 32-byte key from configuration.
func DecodeKey(b64 string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("envelope: decode key: %w", err)
	}
	if len(key) != keySize {
		return nil, ErrKeyInvalid
	}
	return key, nil
}

// EncodeKey returns the base64 form used in ENC_KEY_B64.
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// DeriveKey derives a session-scoped key from a master key via HKDF-SHA256.
// An empty sessionID returns a key bound to the project scope only.
func DeriveKey(master []byte, userID, projectID, sessionID string) ([]byte, error) {
	if len(master) != keySize {
		return nil, ErrKeyInvalid
	}
	info := []byte("toolbridge/" + userID + "/" + projectID + "/" + sessionID)
	r := hkdf.New(sha256.New, master, nil, info)

	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("envelope: hkdf: %w", err)
	}
	return key, nil
}

// Fingerprint returns the first 8 hex characters of the key's SHA-256 digest.
// Persisted in lease runtime info so operators can confirm both peers hold
// the same key without ever logging the key itself.
func Fingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:])[:8]
}
