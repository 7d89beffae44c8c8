package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestDeriveSessionKeyDeterministic(t *testing.T) {
	secret := bytes.Repeat([]byte{0xAB}, 32)

	a, err := DeriveSessionKey(secret, "qkd-kms/session-key/v1")
	if err != nil {
		t.Fatalf("DeriveSessionKey: %v", err)
	}
	b, err := DeriveSessionKey(secret, "qkd-kms/session-key/v1")
	if err != nil {
		t.Fatalf("DeriveSessionKey: %v", err)
	}

	if len(a) != KeyLen {
		t.Fatalf("key length = %d, want %d", len(a), KeyLen)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("identical inputs produced different keys")
	}
}

func TestDeriveSessionKeyDomainSeparation(t *testing.T) {
	secret := bytes.Repeat([]byte{0x42}, 32)

	plain, err := DeriveSessionKey(secret, "qkd-kms/session-key/v1")
	if err != nil {
		t.Fatalf("DeriveSessionKey: %v", err)
	}
	hybrid, err := DeriveSessionKey(secret, "qkd-kms/session-key/hybrid/v1")
	if err != nil {
		t.Fatalf("DeriveSessionKey: %v", err)
	}

	if bytes.Equal(plain, hybrid) {
		t.Fatal("different labels produced the same key")
	}
}

func TestDeriveSessionKeyRejectsEmptySecret(t *testing.T) {
	if _, err := DeriveSessionKey(nil, "label"); !errors.Is(err, ErrEmptySecret) {
		t.Fatalf("err = %v, want ErrEmptySecret", err)
	}
}

func TestHybridSecretChangesDerivation(t *testing.T) {
	raw := bytes.Repeat([]byte{0x01}, 32)
	suppl := bytes.Repeat([]byte{0x02}, 32)

	mixed := HybridSecret(raw, suppl)
	if len(mixed) != 64 {
		t.Fatalf("mixed length = %d, want 64", len(mixed))
	}

	plain, _ := DeriveSessionKey(raw, "label")
	hybrid, _ := DeriveSessionKey(mixed, "label")
	if bytes.Equal(plain, hybrid) {
		t.Fatal("supplemental material did not change the derived key")
	}
}

func TestWipe(t *testing.T) {
	key := bytes.Repeat([]byte{0x7F}, KeyLen)
	Wipe(key)
	for i, b := range key {
		if b != 0 {
			t.Fatalf("byte %d not zeroed", i)
		}
	}
}
