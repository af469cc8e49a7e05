// internal/utils/crypto.go
package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// EncryptedPrefix marks a config value stored as AES-GCM ciphertext.
const EncryptedPrefix = "enc:"

func gcmForKey(key string) (cipher.AEAD, error) {
	// 使用密钥前32字节，不足则补零
	keyBytes := make([]byte, 32)
	copy(keyBytes, key)

	block, err := aes.NewCipher(keyBytes)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt encrypts the plaintext using AES-GCM encryption
func Encrypt(plaintext, key string) (string, error) {
	gcm, err := gcmForKey(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts the ciphertext using AES-GCM decryption
func Decrypt(ciphertext, key string) (string, error) {
	ciphertextBytes, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	gcm, err := gcmForKey(key)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertextBytes) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertextBytes := ciphertextBytes[:nonceSize], ciphertextBytes[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}

// RevealSetting returns value unchanged unless it carries EncryptedPrefix,
// in which case it is decrypted with secret.
func RevealSetting(value, secret string) (string, error) {
	if !strings.HasPrefix(value, EncryptedPrefix) {
		return value, nil
	}
	if secret == "" {
		return "", fmt.Errorf("encrypted setting requires a secret")
	}
	return Decrypt(strings.TrimPrefix(value, EncryptedPrefix), secret)
}

// SealSetting encrypts value and prefixes it for storage in a config file.
func SealSetting(value, secret string) (string, error) {
	ct, err := Encrypt(value, secret)
	if err != nil {
		return "", err
	}
	return EncryptedPrefix + ct, nil
}
