package signer

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func testSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := New([]byte("test-key-0123456789abcdef-padding"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestNewEmptyKey(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("err = %v, want ErrEmptyKey", err)
	}
}

func TestNewShortKey(t *testing.T) {
	if _, err := New([]byte("too-short")); !errors.Is(err, ErrKeyTooShort) {
		t.Errorf("err = %v, want ErrKeyTooShort", err)
	}
	if _, err := New(make([]byte, MinKeySize-1)); !errors.Is(err, ErrKeyTooShort) {
		t.Errorf("31-byte key: err = %v, want ErrKeyTooShort", err)
	}
	if _, err := New(make([]byte, MinKeySize)); err != nil {
		t.Errorf("32-byte key: err = %v, want nil", err)
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	s := testSigner(t)

	snap := &Snapshot{
		InstanceID: "inst-1",
		TypeName:   "Counter",
		State:      map[string]any{"count": float64(5), "items": []any{"a", nil}},
		Version:    5,
		Room:       "lobby",
		UserID:     "u1",
	}

	token, err := s.Sign(snap)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	got, err := s.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.InstanceID != "inst-1" || got.TypeName != "Counter" || got.Version != 5 {
		t.Errorf("identity fields lost: %+v", got)
	}
	if got.Room != "lobby" || got.UserID != "u1" {
		t.Errorf("scoping lost: %+v", got)
	}
	if !reflect.DeepEqual(got.State, snap.State) {
		t.Errorf("state mismatch: %#v", got.State)
	}
	if got.Format != CurrentFormatVersion {
		t.Errorf("Format = %d", got.Format)
	}
	if got.IssuedAt.IsZero() {
		t.Error("IssuedAt not stamped")
	}
}

func TestVerifyTamperedSignature(t *testing.T) {
	s := testSigner(t)
	token, err := s.Sign(&Snapshot{TypeName: "Counter", Version: 1})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	// Flip one byte in the signature part.
	dot := strings.LastIndex(token, ".")
	raw := []byte(token)
	if raw[dot+1] == 'A' {
		raw[dot+1] = 'B'
	} else {
		raw[dot+1] = 'A'
	}

	if _, err := s.Verify(string(raw)); !errors.Is(err, ErrInvalidSnapshot) {
		t.Errorf("tampered signature: err = %v, want ErrInvalidSnapshot", err)
	}
}

func TestVerifyTamperedPayload(t *testing.T) {
	s := testSigner(t)
	token, err := s.Sign(&Snapshot{TypeName: "Counter", Version: 1})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	raw := []byte(token)
	if raw[0] == 'A' {
		raw[0] = 'B'
	} else {
		raw[0] = 'A'
	}

	if _, err := s.Verify(string(raw)); !errors.Is(err, ErrInvalidSnapshot) {
		t.Errorf("tampered payload: err = %v, want ErrInvalidSnapshot", err)
	}
}

func TestVerifyMalformed(t *testing.T) {
	s := testSigner(t)
	for _, token := range []string{"", "nodot", "a.b", "!!!.###", "a.b.c"} {
		if _, err := s.Verify(token); !errors.Is(err, ErrInvalidSnapshot) {
			t.Errorf("Verify(%q): err = %v, want ErrInvalidSnapshot", token, err)
		}
	}
}

func TestVerifyWrongKey(t *testing.T) {
	s1 := testSigner(t)
	s2, err := New([]byte("a-completely-different-key-pad-32b"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	token, err := s1.Sign(&Snapshot{TypeName: "Counter"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := s2.Verify(token); !errors.Is(err, ErrInvalidSnapshot) {
		t.Errorf("wrong key: err = %v, want ErrInvalidSnapshot", err)
	}
}

func TestGenerateKey(t *testing.T) {
	k1 := GenerateKey()
	k2 := GenerateKey()
	if len(k1) != 32 {
		t.Errorf("key length = %d, want 32", len(k1))
	}
	if string(k1) == string(k2) {
		t.Error("two generated keys should differ")
	}
}
