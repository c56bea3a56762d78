package auth

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
)

var (
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrInvalidChallenge = errors.New("invalid challenge")
	ErrInvalidSignature = errors.New("invalid signature")
)

// SignIn is a device proving possession of an ed25519 key.
type SignIn struct {
	PublicKey string `json:"publicKey" binding:"required"`
	Challenge string `json:"challenge" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

func decodeKey(publicKeyB64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, ErrInvalidPublicKey
	}
	return ed25519.PublicKey(raw), nil
}

// Verify checks the signature over the challenge.
func (s SignIn) Verify() error {
	publicKey, err := decodeKey(s.PublicKey)
	if err != nil {
		return err
	}

	challenge, err := base64.StdEncoding.DecodeString(s.Challenge)
	if err != nil || len(challenge) == 0 {
		return ErrInvalidChallenge
	}

	signature, err := base64.StdEncoding.DecodeString(s.Signature)
	if err != nil || len(signature) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}

	if !ed25519.Verify(publicKey, challenge, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// KeyFingerprint is a stable short identifier for a public key. The same
// device always maps to the same participant.
func KeyFingerprint(publicKeyB64 string) (string, error) {
	publicKey, err := decodeKey(publicKeyB64)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:12]), nil
}
