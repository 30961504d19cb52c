package agents

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// SecretBox seals and opens provider credentials at rest. Credentials are
// stored AES-256-GCM encrypted; they are only ever decrypted into a dial
// job payload and never logged or returned over HTTP.
type SecretBox struct {
	aead cipher.AEAD
}

// NewSecretBox takes the 32-byte key as hex (64 chars) or base64.
func NewSecretBox(encodedKey string) (*SecretBox, error) {
	key, err := decodeKey(encodedKey)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &SecretBox{aead: aead}, nil
}

func decodeKey(encoded string) ([]byte, error) {
	if key, err := hex.DecodeString(encoded); err == nil && len(key) == 32 {
		return key, nil
	}
	if key, err := base64.StdEncoding.DecodeString(encoded); err == nil && len(key) == 32 {
		return key, nil
	}
	return nil, errors.New("agents: credentials key must decode to 32 bytes")
}

// Seal encrypts plaintext into base64(nonce || ciphertext).
func (b *SecretBox) Seal(plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed value. Empty input stays empty: not every agent
// has every credential field.
func (b *SecretBox) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("agents: malformed sealed credential: %w", err)
	}
	ns := b.aead.NonceSize()
	if len(raw) < ns {
		return "", errors.New("agents: sealed credential too short")
	}
	plain, err := b.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("agents: credential decrypt failed: %w", err)
	}
	return string(plain), nil
}
