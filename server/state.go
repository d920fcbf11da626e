package server

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// stateNonceBytes gives 256 bits of entropy per login attempt.
const stateNonceBytes = 32

// SignedState is a freshly generated state: the nonce sent upstream and the
// `nonce.signature` value stored in the state cookie.
type SignedState struct {
	Nonce string
	Value string
}

// StateSigner produces and checks HMAC-signed OAuth state values without server storage.
type StateSigner struct {
	key    []byte
	method *jwt.SigningMethodHMAC
}

// NewStateSigner returns a signer keyed by secret.
func NewStateSigner(secret string) (*StateSigner, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("secret key must be at least %d bytes", MinSecretLength)
	}
	return &StateSigner{key: []byte(secret), method: jwt.SigningMethodHS256}, nil
}

// Generate draws a new nonce and signs it.
func (s *StateSigner) Generate() (SignedState, error) {
	buf := make([]byte, stateNonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return SignedState{}, fmt.Errorf("generate state nonce: %w", err)
	}
	nonce := base64.RawURLEncoding.EncodeToString(buf)
	sig, err := s.method.Sign(nonce, s.key)
	if err != nil {
		return SignedState{}, fmt.Errorf("sign state: %w", err)
	}
	return SignedState{
		Nonce: nonce,
		Value: nonce + "." + base64.RawURLEncoding.EncodeToString(sig),
	}, nil
}

// Verify checks the signature of a `nonce.signature` value and returns the nonce.
func (s *StateSigner) Verify(value string) (string, error) {
	if value == "" {
		return "", fmt.Errorf("%w: missing", ErrInvalidState)
	}
	nonce, encSig, ok := strings.Cut(value, ".")
	if !ok || nonce == "" || encSig == "" || strings.Contains(encSig, ".") {
		return "", fmt.Errorf("%w: malformed", ErrInvalidState)
	}
	sig, err := base64.RawURLEncoding.Strict().DecodeString(encSig)
	if err != nil {
		return "", fmt.Errorf("%w: malformed signature", ErrInvalidState)
	}
	if err := s.method.Verify(nonce, sig, s.key); err != nil {
		return "", fmt.Errorf("%w: signature", ErrInvalidState)
	}
	return nonce, nil
}

// VerifyRoundTrip checks the cookie signature and that its nonce equals the
// state parameter echoed back by the upstream. A valid signature with a
// different nonce yields ErrStateMismatch.
func (s *StateSigner) VerifyRoundTrip(cookieValue, callbackState string) error {
	nonce, err := s.Verify(cookieValue)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(nonce), []byte(callbackState)) != 1 {
		return ErrStateMismatch
	}
	return nil
}
