package crypto

import (
	"bytes"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestSealOpen(t *testing.T) {
	key := testKey(t)
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	for _, plaintext := range []string{"", "a", "123-45-6789", string(bytes.Repeat([]byte("x"), 16)), "émoji ✓ 🚑"} {
		token, err := Seal(key, []byte(plaintext), now, rand.Reader)
		require.NoError(t, err)

		got, err := Open(key, token)
		require.NoError(t, err)
		assert.Equal(t, plaintext, string(got))

		ts, ok := TokenTimestamp(token)
		require.True(t, ok)
		assert.Equal(t, now, ts)
	}
}

func TestSeal_RandomIV(t *testing.T) {
	key := testKey(t)
	a, err := Seal(key, []byte("same"), time.Now(), rand.Reader)
	require.NoError(t, err)
	b, err := Seal(key, []byte("same"), time.Now(), rand.Reader)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSealDeterministic(t *testing.T) {
	key := testKey(t)
	a, err := SealDeterministic(key, []byte("jane@example.com"))
	require.NoError(t, err)
	b, err := SealDeterministic(key, []byte("jane@example.com"))
	require.NoError(t, err)
	c, err := SealDeterministic(key, []byte("john@example.com"))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	ts, ok := TokenTimestamp(a)
	require.True(t, ok)
	assert.Equal(t, int64(0), ts.Unix())

	got, err := Open(key, a)
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", string(got))
}

func TestOpen_RejectsTampering(t *testing.T) {
	key := testKey(t)
	token, err := Seal(key, []byte("diagnosis: J45"), time.Now(), rand.Reader)
	require.NoError(t, err)
	raw, err := tokenEncoding.DecodeString(token)
	require.NoError(t, err)

	flip := func(i int) string {
		c := bytes.Clone(raw)
		c[i] ^= 0x01
		return tokenEncoding.EncodeToString(c)
	}

	cases := map[string]string{
		"version":    flip(0),
		"timestamp":  flip(3),
		"iv":         flip(12),
		"ciphertext": flip(headerSize + 1),
		"mac":        flip(len(raw) - 1),
		"truncated":  tokenEncoding.EncodeToString(raw[:len(raw)-1]),
		"short":      tokenEncoding.EncodeToString(raw[:minTokenLength-1]),
		"not base64": "%%%not-a-token%%%",
		"empty":      "",
	}
	for name, tampered := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Open(key, tampered)
			assert.ErrorIs(t, err, errInvalidToken)
		})
	}

	t.Run("wrong key", func(t *testing.T) {
		_, err := Open(testKey(t), token)
		assert.ErrorIs(t, err, errInvalidToken)
	})
}

func TestSeal_InvalidKey(t *testing.T) {
	_, err := Seal(make([]byte, 16), []byte("x"), time.Now(), rand.Reader)
	assert.Error(t, err)
	_, err = Open(make([]byte, 16), "anything")
	assert.ErrorIs(t, err, errInvalidToken)
}

func TestPKCS7(t *testing.T) {
	for n := 0; n <= 33; n++ {
		data := bytes.Repeat([]byte{0xAB}, n)
		padded := pkcs7Pad(data)
		assert.Zero(t, len(padded)%16)
		assert.Greater(t, len(padded), n)
		out, err := pkcs7Unpad(padded)
		require.NoError(t, err)
		assert.Equal(t, data, out)
	}

	_, err := pkcs7Unpad(append(bytes.Repeat([]byte{1}, 15), 0))
	assert.Error(t, err)
	_, err = pkcs7Unpad(append(bytes.Repeat([]byte{1}, 14), 3, 2))
	assert.Error(t, err)
}
