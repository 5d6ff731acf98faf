// Package vault encrypts account credentials at rest.
//
// Secrets are sealed with AES-256-CBC under a key derived from the
// process-wide encryption secret. The sealed form is "ivHex:cipherHex",
// which keeps encrypted values greppable and diffable in the database.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/intentmail/intentmail/internal/mailerr"
)

// Vault seals and opens credential strings.
type Vault struct {
	key []byte // 32 bytes, SHA-256 of the configured secret
}

// New derives the AES-256 key from the configured secret. An empty secret
// is refused so credentials are never sealed under a known key.
func New(secret string) (*Vault, error) {
	if secret == "" {
		return nil, mailerr.Validation("encryption key is not set; export INTENTMAIL_ENCRYPTION_KEY")
	}
	key := sha256.Sum256([]byte(secret))
	return &Vault{key: key[:]}, nil
}

// Encrypt seals plaintext into the ivHex:cipherHex form. A fresh random IV
// is drawn per call, so equal plaintexts never produce equal outputs.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext), nil
}

// Decrypt opens a sealed value. Malformed input and wrong-key decryptions
// both surface as validation errors; CBC with PKCS#7 cannot tell them apart.
func (v *Vault) Decrypt(sealed string) (string, error) {
	ivHex, cipherHex, ok := strings.Cut(sealed, ":")
	if !ok {
		return "", mailerr.Validation("malformed encrypted value")
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return "", mailerr.Validation("malformed encrypted value: bad iv")
	}
	ciphertext, err := hex.DecodeString(cipherHex)
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", mailerr.Validation("malformed encrypted value: bad ciphertext")
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return "", mailerr.Validation("decrypt failed: wrong key or corrupted value")
	}
	return string(unpadded), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+padding)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(padding)
	}
	return out
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize {
		return nil, fmt.Errorf("invalid padding byte %d", padding)
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}
	return data[:len(data)-padding], nil
}
