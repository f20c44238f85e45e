// Package encryption provides AES-256-GCM encryption for third-party tokens
// persisted at rest. Ciphertext is base64(nonce || sealed).
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
)

// EncryptionConfig holds the process-wide symmetric key.
type EncryptionConfig struct {
	Key string
}

// Encryptor encrypts and decrypts token strings with a fixed key.
type Encryptor struct {
	gcm cipher.AEAD
}

var (
	// ErrMissingKey is returned by New when no key is configured.
	ErrMissingKey = errors.New("encryption: key not configured")
	// ErrInvalidKeyLength is returned by New when the key is not 32 bytes.
	ErrInvalidKeyLength = errors.New("encryption: key must be exactly 32 bytes")
	// ErrCiphertextTooShort is returned when a ciphertext is shorter than the nonce.
	ErrCiphertextTooShort = errors.New("encryption: ciphertext too short")
)

// New creates an Encryptor. The key must be exactly 32 bytes (AES-256).
func New(cfg EncryptionConfig) (*Encryptor, error) {
	if cfg.Key == "" {
		return nil, ErrMissingKey
	}

	key := []byte(cfg.Key)
	if len(key) != 32 {
		return nil, ErrInvalidKeyLength
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Encryptor{gcm: gcm}, nil
}

// Encrypt encrypts plaintext and returns a base64 encoded string containing
// the nonce and ciphertext.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := e.gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts a base64 encoded string produced by Encrypt.
func (e *Encryptor) Decrypt(cryptoText string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(cryptoText)
	if err != nil {
		return "", err
	}

	nonceSize := e.gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", ErrCiphertextTooShort
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := e.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}
