package auth

import (
	"testing"
	"time"
)

func TestCreateAndVerifyToken(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	tok, err := CreateToken("p-1", "river", cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	claims, err := VerifyToken(tok, cfg)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if claims.ParticipantID != "p-1" || claims.Alias != "river" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyToken_WrongSecret(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	tok, err := CreateToken("p-1", "", cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	_, err = VerifyToken(tok, TokenConfig{Secret: "wrong", Expiry: time.Hour, Issuer: "test"})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestCreateToken_InvalidExpiry(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: -time.Second, Issuer: "test"}
	if _, err := CreateToken("p-1", "", cfg); err == nil {
		t.Fatalf("expected error")
	}
}

func TestVerifyToken_ExpiredWithClock(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test", Now: func() time.Time { return now }}
	tok, err := CreateToken("p-1", "", cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := VerifyToken(tok, cfg); err == nil {
		t.Fatalf("expected expired token to fail")
	}
}
