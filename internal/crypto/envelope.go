// Package crypto implements the credential envelope used to store provider
// account secrets at rest: AES-256-CBC with a per-purpose scrypt-derived key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// Envelope derives AES-256 keys from a master encryption key and uses them
// to seal/open credential fields. Salt scopes a derived key to a purpose
// (e.g. a provider name), so rotating one provider's exposure doesn't
// require re-deriving for the others. Format: "{iv_hex}:{ciphertext_hex}".
type Envelope struct {
	masterKey string

	mu          sync.RWMutex
	derivedKeys map[string][]byte
}

func NewEnvelope(masterKey string) *Envelope {
	return &Envelope{
		masterKey:   masterKey,
		derivedKeys: make(map[string][]byte),
	}
}

func (e *Envelope) deriveKey(salt string) ([]byte, error) {
	e.mu.RLock()
	if key, ok := e.derivedKeys[salt]; ok {
		e.mu.RUnlock()
		return key, nil
	}
	e.mu.RUnlock()

	key, err := scrypt.Key([]byte(e.masterKey), []byte(salt), 32768, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("scrypt derive: %w", err)
	}

	e.mu.Lock()
	e.derivedKeys[salt] = key
	e.mu.Unlock()

	return key, nil
}

// Seal encrypts plaintext under the key derived for salt.
func (e *Envelope) Seal(plaintext, salt string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	key, err := e.deriveKey(salt)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("aes cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("rand iv: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext), nil
}

// Open decrypts data produced by Seal under the same salt.
func (e *Envelope) Open(sealed, salt string) (string, error) {
	if sealed == "" {
		return "", nil
	}

	key, err := e.deriveKey(salt)
	if err != nil {
		return "", err
	}

	parts := strings.SplitN(sealed, ":", 2)
	if len(parts) != 2 {
		return "", errors.New("crypto: malformed envelope, missing ':' separator")
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode iv: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return "", fmt.Errorf("invalid iv length: %d", len(iv))
	}

	ciphertext, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("ciphertext not block-aligned: %d", len(ciphertext))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("aes cipher: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return "", fmt.Errorf("unpad: %w", err)
	}

	return string(unpadded), nil
}

// HashAPIKey computes a lookup hash for a caller-presented proxy API key.
// Hashes, never the raw key, are what gets stored and compared.
func (e *Envelope) HashAPIKey(apiKey string) string {
	h := sha256.Sum256([]byte(apiKey + e.masterKey))
	return hex.EncodeToString(h[:])
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	pad := make([]byte, padding)
	for i := range pad {
		pad[i] = byte(padding)
	}
	return append(data, pad...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty data")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize || padding > len(data) {
		return nil, fmt.Errorf("invalid padding: %d", padding)
	}
	for i := len(data) - padding; i < len(data); i++ {
		if data[i] != byte(padding) {
			return nil, errors.New("invalid padding bytes")
		}
	}
	return data[:len(data)-padding], nil
}
