package chatsync

import (
	"errors"
	"testing"

	cserrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipher_RoundTrip(t *testing.T) {
	c := NewCipher("correct horse battery staple")
	plaintext := []byte(`{"id":"c1","title":"secret plans"}`)

	blob, err := c.Encrypt(plaintext)
	require.NoError(t, err)
	assert.True(t, IsEncrypted(blob))
	assert.NotContains(t, string(blob), "secret plans")

	got, err := c.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestCipher_FreshIVPerBlob(t *testing.T) {
	c := NewCipher("k")

	a, err := c.Encrypt([]byte("same"))
	require.NoError(t, err)

	b, err := c.Encrypt([]byte("same"))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestCipher_NFKCSecret(t *testing.T) {
	// U+FB01 (fi ligature) normalises to "fi" under NFKC.
	a := NewCipher("ﬁle")
	b := NewCipher("file")

	blob, err := a.Encrypt([]byte("payload"))
	require.NoError(t, err)

	got, err := b.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}

func TestCipher_NoSecretPassThrough(t *testing.T) {
	c := NewCipher("")
	assert.False(t, c.HasSecret())

	blob, err := c.Encrypt([]byte("plain"))
	require.NoError(t, err)
	assert.Equal(t, []byte("plain"), blob)
}

func TestCipher_LegacyPlaintextReadable(t *testing.T) {
	c := NewCipher("k")

	got, err := c.Decrypt([]byte(`{"legacy":true}`))
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"legacy":true}`), got)
}

func TestCipher_DecryptErrors(t *testing.T) {
	blob, err := NewCipher("right").Encrypt([]byte("payload"))
	require.NoError(t, err)

	tests := []struct {
		name       string
		cipher     *SecretCipher
		blob       []byte
		wantConfig bool
		wantIs     error
	}{
		{
			name:       "missing secret",
			cipher:     NewCipher(""),
			blob:       blob,
			wantConfig: true,
			wantIs:     cserrors.ErrMissingSecret,
		},
		{
			name:       "wrong secret",
			cipher:     NewCipher("wrong"),
			blob:       blob,
			wantConfig: true,
			wantIs:     cserrors.ErrWrongSecret,
		},
		{
			name:   "truncated",
			cipher: NewCipher("right"),
			blob:   []byte(encryptionMarker + "short"),
			wantIs: cserrors.ErrCorruptPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.cipher.Decrypt(tt.blob)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantIs)

			var cfg *cserrors.ConfigurationError
			assert.Equal(t, tt.wantConfig, errors.As(err, &cfg))
		})
	}
}
