package signing

import (
	"encoding/hex"
	"path/filepath"
	"testing"
)

func TestCanonicalJSONSortsKeysAndOmitsWhitespace(t *testing.T) {
	out, err := CanonicalJSON(map[string]interface{}{
		"zebra": 1,
		"alpha": "x",
		"mid":   true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"alpha":"x","mid":true,"zebra":1}`
	if string(out) != want {
		t.Fatalf("got %q, want %q", out, want)
	}
}

func TestCanonicalJSONDeterministic(t *testing.T) {
	fields := map[string]interface{}{"b": 2, "a": 1, "c": 3}
	first, err := CanonicalJSON(fields)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := CanonicalJSON(fields)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(again) != string(first) {
			t.Fatalf("canonical encoding drifted: %q vs %q", again, first)
		}
	}
}

func TestLoadOrCreatePersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.key")

	s1, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("first LoadOrCreate: %v", err)
	}
	s2, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("second LoadOrCreate: %v", err)
	}
	if s1.PublicKeyHex() != s2.PublicKeyHex() {
		t.Fatal("expected the same key to be reloaded from disk")
	}
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	s, err := LoadOrCreate(filepath.Join(t.TempDir(), "signing.key"))
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	payload, sigHex, err := s.SignFields(map[string]interface{}{
		"order_id": "ord-1",
		"nonce":    "abc123",
	})
	if err != nil {
		t.Fatalf("SignFields: %v", err)
	}

	v := NewVerifier()
	if err := v.Verify(s.PublicKeyHex(), string(payload), sigHex); err != nil {
		t.Fatalf("expected signature to verify, got: %v", err)
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	s, err := LoadOrCreate(filepath.Join(t.TempDir(), "signing.key"))
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	payload, sigHex, err := s.SignFields(map[string]interface{}{"order_id": "ord-1"})
	if err != nil {
		t.Fatalf("SignFields: %v", err)
	}

	v := NewVerifier()
	if err := v.Verify(s.PublicKeyHex(), string(payload)+"tampered", sigHex); err == nil {
		t.Fatal("expected verification of tampered payload to fail")
	}
}

func TestVerifyRejectsWrongPublicKey(t *testing.T) {
	s1, err := LoadOrCreate(filepath.Join(t.TempDir(), "signing1.key"))
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	s2, err := LoadOrCreate(filepath.Join(t.TempDir(), "signing2.key"))
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	payload, sigHex, err := s1.SignFields(map[string]interface{}{"order_id": "ord-1"})
	if err != nil {
		t.Fatalf("SignFields: %v", err)
	}

	v := NewVerifier()
	if err := v.Verify(s2.PublicKeyHex(), string(payload), sigHex); err == nil {
		t.Fatal("expected verification against the wrong public key to fail")
	}
}

func TestWrapCredentialsRoundTripsViaXOR(t *testing.T) {
	s, err := LoadOrCreate(filepath.Join(t.TempDir(), "signing.key"))
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	secret := []byte("shared-secret-bytes")
	info := []byte("appliance-123")
	plaintext := []byte("super-secret-credential")

	wrapped, err := s.WrapCredentials(secret, info, plaintext)
	if err != nil {
		t.Fatalf("WrapCredentials: %v", err)
	}
	if hex.EncodeToString(wrapped) == hex.EncodeToString(plaintext) {
		t.Fatal("expected wrapped credential to differ from plaintext")
	}

	unwrapped, err := s.WrapCredentials(secret, info, wrapped)
	if err != nil {
		t.Fatalf("WrapCredentials (unwrap): %v", err)
	}
	if string(unwrapped) != string(plaintext) {
		t.Fatalf("expected XOR wrap to be its own inverse, got %q want %q", unwrapped, plaintext)
	}
}

func TestWrapCredentialsDiffersByInfo(t *testing.T) {
	s, err := LoadOrCreate(filepath.Join(t.TempDir(), "signing.key"))
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	secret := []byte("shared-secret-bytes")
	plaintext := []byte("same-credential-plaintext")

	a, err := s.WrapCredentials(secret, []byte("appliance-a"), plaintext)
	if err != nil {
		t.Fatalf("WrapCredentials: %v", err)
	}
	b, err := s.WrapCredentials(secret, []byte("appliance-b"), plaintext)
	if err != nil {
		t.Fatalf("WrapCredentials: %v", err)
	}
	if hex.EncodeToString(a) == hex.EncodeToString(b) {
		t.Fatal("expected different info to derive different wrap keys")
	}
}
