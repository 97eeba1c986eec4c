// Package envelope implements the authenticated encryption layer shared by
// both channel fabrics. Every request and response crossing a channel is an
// AES-256-GCM envelope whose additional authenticated data binds the
// ciphertext to its routing attributes, so a message replayed on another
// project, session or sequence number fails authentication instead of being
// silently accepted.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// Scheme is the wire version tag. Peers reject anything else.
const Scheme = "a256gcm:v1"

const (
	nonceSize = 12
	tagSize   = 16
	keySize   = 32
)

var (
	// ErrSchemeUnsupported means the envelope's v field is not Scheme.
	ErrSchemeUnsupported = errors.New("envelope: unsupported scheme")
	// ErrKeyInvalid means the key is not exactly 32 bytes.
	ErrKeyInvalid = errors.New("envelope: key must be 32 bytes")
	// ErrAuthFailed means the tag did not verify: wrong key, tampered
	// ciphertext, or mismatched AAD attributes.
	ErrAuthFailed = errors.New("envelope: authentication failed")
)

// Envelope is the on-wire encrypted payload. All binary fields are base64.
type Envelope struct {
	V   string `json:"v"`
	N   string `json:"n"`
	CT  string `json:"ct"`
	Tag string `json:"tag"`
}

// Attributes are the routing fields bound into the AAD. Seq is carried as a
// string because both peers must produce byte-identical AAD and the pub/sub
// transport only has string attributes.
type Attributes struct {
	UserID    string
	ProjectID string
	SessionID string
	Channel   string
	Type      string
	Seq       string
}

// canonicalAAD renders the attributes as canonical JSON with a fixed field
// order. This exact byte sequence is the interoperability contract between
// producer and executor; do not reorder fields.
func canonicalAAD(attrs Attributes) []byte {
	return []byte(fmt.Sprintf(
		`{"user_id":%q,"project_id":%q,"session_id":%q,"channel":%q,"type":%q,"seq":%q}`,
		attrs.UserID, attrs.ProjectID, attrs.SessionID, attrs.Channel, attrs.Type, attrs.Seq,
	))
}

// Encrypt seals plaintext under key with a fresh random nonce and the
// attribute-bound AAD.
func Encrypt(plaintext, key []byte, attrs Attributes) (*Envelope, error) {
	if len(key) != keySize {
		return nil, ErrKeyInvalid
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("envelope: nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, canonicalAAD(attrs))
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return &Envelope{
		V:   Scheme,
		N:   base64.StdEncoding.EncodeToString(nonce),
		CT:  base64.StdEncoding.EncodeToString(ct),
		Tag: base64.StdEncoding.EncodeToString(tag),
	}, nil
}

// Decrypt opens an envelope. The caller supplies the attributes it expects;
// any single-field mismatch against the sender's attributes yields
// ErrAuthFailed.
func Decrypt(env *Envelope, key []byte, attrs Attributes) ([]byte, error) {
	if env.V != Scheme {
		return nil, ErrSchemeUnsupported
	}
	if len(key) != keySize {
		return nil, ErrKeyInvalid
	}

	nonce, err := base64.StdEncoding.DecodeString(env.N)
	if err != nil || len(nonce) != nonceSize {
		return nil, ErrAuthFailed
	}
	ct, err := base64.StdEncoding.DecodeString(env.CT)
	if err != nil {
		return nil, ErrAuthFailed
	}
	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	if err != nil || len(tag) != tagSize {
		return nil, ErrAuthFailed
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}

	sealed := append(ct, tag...)
	plaintext, err := gcm.Open(nil, nonce, sealed, canonicalAAD(attrs))
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}
