package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"
)

func signed(t *testing.T) (SignIn, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return SignIn{
		PublicKey: base64.StdEncoding.EncodeToString(pub),
		Challenge: base64.StdEncoding.EncodeToString(challenge),
		Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(priv, challenge)),
	}, pub
}

func TestSignIn_Valid(t *testing.T) {
	s, _ := signed(t)
	if err := s.Verify(); err != nil {
		t.Fatalf("expected signature to verify, got %v", err)
	}
}

func TestSignIn_TamperedChallenge(t *testing.T) {
	s, _ := signed(t)
	s.Challenge = base64.StdEncoding.EncodeToString([]byte("something else"))
	if err := s.Verify(); err != ErrInvalidSignature {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestSignIn_InvalidInputs(t *testing.T) {
	if err := (SignIn{}).Verify(); err != ErrInvalidPublicKey {
		t.Fatalf("expected ErrInvalidPublicKey, got %v", err)
	}

	s, _ := signed(t)
	s.Challenge = "not-base64!"
	if err := s.Verify(); err != ErrInvalidChallenge {
		t.Fatalf("expected ErrInvalidChallenge, got %v", err)
	}
}

func TestKeyFingerprint_Stable(t *testing.T) {
	s, _ := signed(t)
	a, err := KeyFingerprint(s.PublicKey)
	if err != nil {
		t.Fatalf("KeyFingerprint: %v", err)
	}
	b, _ := KeyFingerprint(s.PublicKey)
	if a != b || len(a) != 24 {
		t.Fatalf("unexpected fingerprints %q %q", a, b)
	}
	if _, err := KeyFingerprint("short"); err == nil {
		t.Fatalf("expected error")
	}
}
