package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// Token layout (URL-safe base64 of):
//
//	version(1) | timestamp(8, big endian) | iv(16) | ciphertext(n*16) | hmac(32)
//
// The 32-byte key is split: first half signs, second half encrypts with
// AES-128-CBC and PKCS#7 padding. The HMAC-SHA256 covers every byte before it.
const (
	tokenVersion   byte = 0x80
	KeySize             = 32
	halfKeySize         = 16
	ivSize              = aes.BlockSize
	macSize             = sha256.Size
	headerSize          = 1 + 8 + ivSize
	minTokenLength      = headerSize + aes.BlockSize + macSize
)

var errInvalidToken = errors.New("invalid token")

var tokenEncoding = base64.URLEncoding

// Seal encrypts plaintext under key. The IV is read from random.
func Seal(key, plaintext []byte, now time.Time, random io.Reader) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(random, iv); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}
	return seal(key, plaintext, now.Unix(), iv)
}

// SealDeterministic encrypts plaintext so that equal inputs under the same
// key produce equal tokens: the IV is derived from the plaintext and the
// timestamp is fixed at zero.
func SealDeterministic(key, plaintext []byte) (string, error) {
	if len(key) != KeySize {
		return "", fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	mac := hmac.New(sha256.New, key[:halfKeySize])
	mac.Write(plaintext)
	return seal(key, plaintext, 0, mac.Sum(nil)[:ivSize])
}

func seal(key, plaintext []byte, timestamp int64, iv []byte) (string, error) {
	if len(key) != KeySize {
		return "", fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key[halfKeySize:])
	if err != nil {
		return "", fmt.Errorf("failed to create AES cipher: %w", err)
	}

	padded := pkcs7Pad(plaintext)
	out := make([]byte, headerSize+len(padded), headerSize+len(padded)+macSize)
	out[0] = tokenVersion
	binary.BigEndian.PutUint64(out[1:9], uint64(timestamp))
	copy(out[9:headerSize], iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[headerSize:], padded)

	mac := hmac.New(sha256.New, key[:halfKeySize])
	mac.Write(out)
	out = mac.Sum(out)

	return tokenEncoding.EncodeToString(out), nil
}

// Open authenticates and decrypts token. Every failure yields the same error.
func Open(key []byte, token string) ([]byte, error) {
	if len(key) != KeySize {
		return nil, errInvalidToken
	}
	raw, err := tokenEncoding.DecodeString(token)
	if err != nil {
		return nil, errInvalidToken
	}
	if len(raw) < minTokenLength || raw[0] != tokenVersion {
		return nil, errInvalidToken
	}
	body, sum := raw[:len(raw)-macSize], raw[len(raw)-macSize:]

	mac := hmac.New(sha256.New, key[:halfKeySize])
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), sum) {
		return nil, errInvalidToken
	}

	ciphertext := body[headerSize:]
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, errInvalidToken
	}
	block, err := aes.NewCipher(key[halfKeySize:])
	if err != nil {
		return nil, errInvalidToken
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, body[9:headerSize]).CryptBlocks(plaintext, ciphertext)

	return pkcs7Unpad(plaintext)
}

// TokenTimestamp returns the creation time embedded in a token without
// authenticating it.
func TokenTimestamp(token string) (time.Time, bool) {
	raw, err := tokenEncoding.DecodeString(token)
	if err != nil || len(raw) < minTokenLength || raw[0] != tokenVersion {
		return time.Time{}, false
	}
	return time.Unix(int64(binary.BigEndian.Uint64(raw[1:9])), 0).UTC(), true
}

func pkcs7Pad(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	return append(append(make([]byte, 0, len(data)+n), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errInvalidToken
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, errInvalidToken
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errInvalidToken
		}
	}
	return data[:len(data)-n], nil
}
