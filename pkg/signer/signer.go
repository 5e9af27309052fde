// Package signer produces and verifies signed state snapshots: a
// tamper-evident, versioned serialization of a component instance's
// state that a client can hold across disconnects and replay to
// recover its session.
//
// A token is base64url(payload) + "." + base64url(HMAC-SHA256(payload)).
// The client stores and returns the token verbatim; only the server
// holds the signing key.
package signer

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Signer errors.
var (
	// ErrInvalidSnapshot is returned when a token is malformed or its
	// signature does not verify under the current key.
	ErrInvalidSnapshot = errors.New("signer: invalid snapshot")

	// ErrEmptyKey is returned when constructing a Signer without key
	// material.
	ErrEmptyKey = errors.New("signer: empty signing key")

	// ErrKeyTooShort is returned when the key is shorter than
	// MinKeySize.
	ErrKeyTooShort = errors.New("signer: signing key shorter than 32 bytes")
)

// MinKeySize is the minimum accepted key length. HMAC-SHA256 keys
// shorter than the hash size weaken the construction.
const MinKeySize = 32

// CurrentFormatVersion is the snapshot payload format version.
// Increment when making breaking changes to the payload shape.
const CurrentFormatVersion = 1

// Snapshot is the payload of a signed state token. It carries enough
// to reconstruct an equivalent instance after the original is gone.
type Snapshot struct {
	// InstanceID is the id of the instance the snapshot was taken from.
	InstanceID string `json:"instance_id"`

	// TypeName identifies the component type.
	TypeName string `json:"type_name"`

	// State is the instance state at signing time.
	State map[string]any `json:"state"`

	// Version is the instance version at signing time.
	Version uint64 `json:"version"`

	// Room and UserID carry the broadcast scoping, if any.
	Room   string `json:"room,omitempty"`
	UserID string `json:"user_id,omitempty"`

	// IssuedAt is when the snapshot was signed.
	IssuedAt time.Time `json:"issued_at"`

	// Format is the payload format version.
	Format int `json:"format"`
}

// Signer signs and verifies snapshots with a process-wide key.
// The key is read-only after construction; Signer is safe for
// concurrent use.
type Signer struct {
	key []byte
}

// New creates a Signer with the given key. Keys must be at least
// MinKeySize bytes; GenerateKey produces a suitable one.
func New(key []byte) (*Signer, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	if len(key) < MinKeySize {
		return nil, ErrKeyTooShort
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Signer{key: k}, nil
}

// GenerateKey returns 32 bytes of cryptographically random key
// material. It panics on entropy failure: weak keys are dangerous.
func GenerateKey() []byte {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return key
}

// Sign serializes the snapshot and returns the signed token.
// IssuedAt and Format are stamped by Sign.
func (s *Signer) Sign(snap *Snapshot) (string, error) {
	stamped := *snap
	stamped.IssuedAt = time.Now().UTC()
	stamped.Format = CurrentFormatVersion

	payload, err := json.Marshal(&stamped)
	if err != nil {
		return "", fmt.Errorf("signer: marshal: %w", err)
	}

	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	sig := mac.Sum(nil)

	enc := base64.RawURLEncoding
	return enc.EncodeToString(payload) + "." + enc.EncodeToString(sig), nil
}

// Verify checks the token's signature and returns the decoded
// snapshot. Any malformation or signature mismatch yields
// ErrInvalidSnapshot; the caller learns nothing about which.
func (s *Signer) Verify(token string) (*Snapshot, error) {
	payloadPart, sigPart, ok := strings.Cut(token, ".")
	if !ok {
		return nil, ErrInvalidSnapshot
	}

	enc := base64.RawURLEncoding
	payload, err := enc.DecodeString(payloadPart)
	if err != nil {
		return nil, ErrInvalidSnapshot
	}
	sig, err := enc.DecodeString(sigPart)
	if err != nil {
		return nil, ErrInvalidSnapshot
	}

	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	expected := mac.Sum(nil)
	if !hmac.Equal(sig, expected) {
		return nil, ErrInvalidSnapshot
	}

	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, ErrInvalidSnapshot
	}
	if snap.Format != CurrentFormatVersion {
		return nil, ErrInvalidSnapshot
	}
	if snap.TypeName == "" {
		return nil, ErrInvalidSnapshot
	}
	return &snap, nil
}

// Age returns how long ago the snapshot was issued.
func (snap *Snapshot) Age() time.Duration {
	return time.Since(snap.IssuedAt)
}
