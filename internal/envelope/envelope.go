// Package envelope implements the upstream wire-level crypto wrapper: AES-128-CBC
// with PKCS#7 padding and base64 framing, used to encrypt request parameters
// and decrypt response payloads exchanged with the upstream dispatcher.
package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"strings"
)

// UserKey is the fixed key used for the "api-user" channel. The access key,
// bound per session from the current bearer token, is used for every other
// channel.
const UserKey = "XFmi9GS2hzk98jGX"

// iv is the constant initialisation vector the upstream protocol uses for
// every AES-CBC operation, regardless of key.
var iv = []byte("wNSOYIB1k1DjY5lA")

// ErrNoKey names the no-key condition. No Codec method returns it: keyFor
// always falls back to the fixed user key, and Encrypt/Decrypt return their
// input unchanged on any failure.
var ErrNoKey = errors.New("envelope: no key bound")

// Codec holds the per-session access key derived from the current bearer
// token. The zero value is valid and falls back to the fixed user key for
// every channel until BindToken is called.
type Codec struct {
	accessKey []byte
}

// BindToken derives the access key from the first 16 bytes of token. Tokens
// shorter than 16 bytes leave the access key unset; callers then fall back
// to the user key, matching the upstream client's behavior on the very first
// unauthenticated call.
func (c *Codec) BindToken(token string) {
	if len(token) >= 16 {
		c.accessKey = []byte(token[:16])
	} else {
		c.accessKey = nil
	}
}

func (c *Codec) keyFor(channel string) []byte {
	if channel == "api-user" {
		return []byte(UserKey)
	}
	if c.accessKey != nil {
		return c.accessKey
	}
	return []byte(UserKey)
}

// Encrypt AES-CBC/PKCS7/base64-encrypts plaintext under the key selected by
// channel. On any failure it returns the plaintext unchanged — callers treat
// this as a soft-degrade path per the protocol spec, not an error.
func (c *Codec) Encrypt(plaintext string, channel string) string {
	key := c.keyFor(channel)
	block, err := aes.NewCipher(key)
	if err != nil {
		return plaintext
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	enc := cipher.NewCBCEncrypter(block, iv)
	enc.CryptBlocks(out, padded)

	return base64.StdEncoding.EncodeToString(out)
}

// Decrypt reverses Encrypt. It tolerates base64 input with missing '='
// padding (the upstream frequently omits it) and, like Encrypt, returns the
// input unchanged on any failure rather than an error — callers attempt a
// JSON parse afterwards and surface a structured error if that fails.
func (c *Codec) Decrypt(ciphertext string, channel string) string {
	key := c.keyFor(channel)
	block, err := aes.NewCipher(key)
	if err != nil {
		return ciphertext
	}

	raw, err := base64.StdEncoding.DecodeString(padBase64(ciphertext))
	if err != nil {
		return ciphertext
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return ciphertext
	}

	out := make([]byte, len(raw))
	dec := cipher.NewCBCDecrypter(block, iv)
	dec.CryptBlocks(out, raw)

	unpadded, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return ciphertext
	}
	return string(unpadded)
}

// padBase64 appends the '=' characters standard-base64 decoding requires,
// tolerating upstream responses that omit trailing padding.
func padBase64(s string) string {
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	return s
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(data, padding...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	n := len(data)
	if n == 0 || n%blockSize != 0 {
		return nil, errors.New("envelope: invalid padded length")
	}
	padLen := int(data[n-1])
	if padLen == 0 || padLen > blockSize || padLen > n {
		return nil, errors.New("envelope: invalid padding")
	}
	for _, b := range data[n-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("envelope: invalid padding bytes")
		}
	}
	return data[:n-padLen], nil
}
