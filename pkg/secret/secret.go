// Package secret decrypts account credentials delivered by the job
// server. The server encrypts with AES-256-CBC/PKCS7 where the AES
// key is SHA-256 of the shared key string and the IV is MD5 of the IV
// string, so both sides derive fixed-size material from arbitrary
// configuration strings.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Decrypt decodes a base64 ciphertext and decrypts it with
// AES-256-CBC. keyString and ivString are the shared secrets as
// configured on the server.
func Decrypt(encoded, keyString, ivString string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(ciphertext))
	}

	key := sha256.Sum256([]byte(keyString))
	iv := md5.Sum([]byte(ivString))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv[:]).CryptBlocks(plaintext, ciphertext)

	plaintext, err = unpadPKCS7(plaintext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Encrypt is the inverse of Decrypt. It exists for tests and for
// local tooling that seeds the server with encrypted credentials.
func Encrypt(plaintext, keyString, ivString string) (string, error) {
	key := sha256.Sum256([]byte(keyString))
	iv := md5.Sum([]byte(ivString))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	padded := padPKCS7([]byte(plaintext))
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(ciphertext, padded)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func padPKCS7(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func unpadPKCS7(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, fmt.Errorf("invalid PKCS7 padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("invalid PKCS7 padding")
		}
	}
	return data[:len(data)-n], nil
}
