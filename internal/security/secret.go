// Package security provides at-rest encryption for the MQTT password in
// the config file and hashing for HTTP API keys. Adapted from the
// teacher's internal/security.EncryptionService (AES-256-GCM keyed by a
// PBKDF2-derived key) and internal/api/middleware.APIKeyStore's
// hash-then-compare approach, trimmed to the single secret this bridge
// actually holds rather than a generic credentials map.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const pbkdf2Iterations = 100000

// EncryptionService encrypts and decrypts the MQTT password at rest, keyed
// by a passphrase supplied out of band (the RUSTBRIDGE_SECRET env var).
type EncryptionService struct {
	masterKey []byte
}

// NewEncryptionService derives an AES-256 key from passphrase via PBKDF2.
func NewEncryptionService(passphrase string) *EncryptionService {
	salt := []byte("fieldbridge-mqtt-password-salt")
	key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, 32, sha256.New)
	return &EncryptionService{masterKey: key}
}

// Encrypt returns plaintext sealed with AES-256-GCM, base64-encoded.
func (s *EncryptionService) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.masterKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt.
func (s *EncryptionService) Decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(s.masterKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// HashAPIKey hashes an HTTP API key for storage/comparison. Unlike
// mqtt-password encryption this is one-way: the server never needs the
// plaintext key back, only to recognize it again.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
