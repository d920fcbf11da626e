package server

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEncryptionKey = "token-encryption-secret-0123456789abcdef"

func TestTokenCodecRoundTrip(t *testing.T) {
	codec, err := NewTokenCodec(testEncryptionKey)
	require.NoError(t, err)

	inputs := [][]byte{
		[]byte("T"),
		[]byte(""),
		[]byte(`{"access_token":"abc","refresh_token":"def"}`),
		[]byte(strings.Repeat("x", 4096)),
		{0x00, 0xff, 0x10, 0x80},
	}
	for _, in := range inputs {
		ct, err := codec.Encrypt(in)
		require.NoError(t, err)
		out, err := codec.Decrypt(ct)
		require.NoError(t, err)
		assert.Equal(t, string(in), string(out))
	}
}

func TestTokenCodecIsNonDeterministic(t *testing.T) {
	codec, err := NewTokenCodec(testEncryptionKey)
	require.NoError(t, err)

	a, err := codec.Encrypt([]byte("same plaintext"))
	require.NoError(t, err)
	b, err := codec.Encrypt([]byte("same plaintext"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestTokenCodecRejectsEveryByteFlip(t *testing.T) {
	codec, err := NewTokenCodec(testEncryptionKey)
	require.NoError(t, err)

	ct, err := codec.Encrypt([]byte(`{"access_token":"T"}`))
	require.NoError(t, err)

	for i := 0; i < len(ct); i++ {
		b := []byte(ct)
		b[i] ^= 0x01
		_, err := codec.Decrypt(string(b))
		if !errors.Is(err, ErrDecryption) {
			t.Fatalf("flip at %d (%q): expected ErrDecryption, got %v", i, ct[i], err)
		}
	}
}

func TestTokenCodecRejectsWrongKey(t *testing.T) {
	a, err := NewTokenCodec(testEncryptionKey)
	require.NoError(t, err)
	b, err := NewTokenCodec("another-token-encryption-secret-0123456789")
	require.NoError(t, err)

	ct, err := a.Encrypt([]byte("secret"))
	require.NoError(t, err)
	_, err = b.Decrypt(ct)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestTokenCodecRejectsMalformedInput(t *testing.T) {
	codec, err := NewTokenCodec(testEncryptionKey)
	require.NoError(t, err)

	for _, in := range []string{"", "abc", "a.b.c", "a.b.c.d.e", "....", "a.b.c.d.e.f", "eyJhbGciOiJub25lIn0.e30."} {
		_, err := codec.Decrypt(in)
		assert.ErrorIs(t, err, ErrDecryption, "input %q", in)
	}
}

func TestTokenCodecRequiresLongSecret(t *testing.T) {
	_, err := NewTokenCodec("short")
	assert.Error(t, err)
}

func TestTokenCodecSealOpen(t *testing.T) {
	codec, err := NewTokenCodec(testEncryptionKey)
	require.NoError(t, err)

	exp := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	in := TokenPayload{AccessToken: "T", RefreshToken: "R", TokenType: "bearer", Scope: "table.Read", ExpiresAt: exp}
	ct, err := codec.Seal(in)
	require.NoError(t, err)
	assert.NotContains(t, ct, "table.Read")

	out, err := codec.Open(ct)
	require.NoError(t, err)
	assert.Equal(t, in.AccessToken, out.AccessToken)
	assert.Equal(t, in.RefreshToken, out.RefreshToken)
	assert.True(t, out.ExpiresAt.Equal(exp))
	assert.True(t, out.RefreshExpiresAt.IsZero())
}

func TestTokenCodecOpenRejectsEmptyAccessToken(t *testing.T) {
	codec, err := NewTokenCodec(testEncryptionKey)
	require.NoError(t, err)

	ct, err := codec.Encrypt([]byte(`{"expires_at":"2025-01-01T00:00:00Z"}`))
	require.NoError(t, err)
	_, err = codec.Open(ct)
	assert.ErrorIs(t, err, ErrDecryption)
}
