package server

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/go-jose/go-jose/v3"
	"golang.org/x/crypto/hkdf"
)

// MinSecretLength is the shortest secret accepted for signing or encryption keys.
const MinSecretLength = 32

const codecKeyInfo = "tablegate token cookie v1"

// TokenCodec seals token payloads into cookie-safe compact JWEs
// (alg "dir", enc "A256GCM"). The key is fixed for the lifetime of the codec.
type TokenCodec struct {
	key []byte
}

// NewTokenCodec derives the content encryption key from secret.
func NewTokenCodec(secret string) (*TokenCodec, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("token encryption key must be at least %d bytes", MinSecretLength)
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(codecKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive token key: %w", err)
	}
	return &TokenCodec{key: key}, nil
}

// Encrypt returns a fresh ciphertext for plaintext; a random IV is drawn on every call.
func (c *TokenCodec) Encrypt(plaintext []byte) (string, error) {
	enc, err := jose.NewEncrypter(jose.A256GCM, jose.Recipient{Algorithm: jose.DIRECT, Key: c.key}, nil)
	if err != nil {
		return "", fmt.Errorf("create encrypter: %w", err)
	}
	obj, err := enc.Encrypt(plaintext)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return obj.CompactSerialize()
}

// Decrypt opens a ciphertext produced by Encrypt. Every failure wraps ErrDecryption.
func (c *TokenCodec) Decrypt(ciphertext string) ([]byte, error) {
	if err := checkCompactSegments(ciphertext); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	obj, err := jose.ParseEncrypted(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrDecryption, err)
	}
	if obj.Header.Algorithm != string(jose.DIRECT) {
		return nil, fmt.Errorf("%w: unexpected alg %q", ErrDecryption, obj.Header.Algorithm)
	}
	plaintext, err := obj.Decrypt(c.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return plaintext, nil
}

// Seal encodes and encrypts a token payload.
func (c *TokenCodec) Seal(p TokenPayload) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal token payload: %w", err)
	}
	return c.Encrypt(b)
}

// Open decrypts and decodes a token payload.
func (c *TokenCodec) Open(ciphertext string) (TokenPayload, error) {
	b, err := c.Decrypt(ciphertext)
	if err != nil {
		return TokenPayload{}, err
	}
	var p TokenPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return TokenPayload{}, fmt.Errorf("%w: payload: %v", ErrDecryption, err)
	}
	if p.AccessToken == "" {
		return TokenPayload{}, fmt.Errorf("%w: payload has no access token", ErrDecryption)
	}
	return p, nil
}

// checkCompactSegments rejects anything but five canonical base64url segments,
// so that no two distinct strings decode to the same bytes.
func checkCompactSegments(s string) error {
	parts := strings.Split(s, ".")
	if len(parts) != 5 {
		return fmt.Errorf("expected 5 segments, got %d", len(parts))
	}
	for i, part := range parts {
		if _, err := base64.RawURLEncoding.Strict().DecodeString(part); err != nil {
			return fmt.Errorf("segment %d: %v", i, err)
		}
	}
	return nil
}
