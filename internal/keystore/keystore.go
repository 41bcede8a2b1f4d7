// Package keystore keeps delegated signing keys encrypted at rest.
package keystore

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// ErrMalformedCiphertext is returned when a stored key cannot be decoded.
var ErrMalformedCiphertext = errors.New("keystore: malformed ciphertext")

// Cipher encrypts key material with AES-256-CBC, keyed by SHA-256 of a passphrase.
// Ciphertexts are stored as "ivhex:cipherhex".
type Cipher struct {
	key [32]byte
}

// NewCipher derives the encryption key from passphrase.
func NewCipher(passphrase string) *Cipher {
	return &Cipher{key: sha256.Sum256([]byte(passphrase))}
}

// Encrypt seals plaintext with a fresh random IV.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return "", fmt.Errorf("keystore: init cipher: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("keystore: read iv: %w", err)
	}
	padded := pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(out), nil
}

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(encoded string) ([]byte, error) {
	ivHex, bodyHex, ok := strings.Cut(encoded, ":")
	if !ok {
		return nil, ErrMalformedCiphertext
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return nil, ErrMalformedCiphertext
	}
	body, err := hex.DecodeString(bodyHex)
	if err != nil || len(body) == 0 || len(body)%aes.BlockSize != 0 {
		return nil, ErrMalformedCiphertext
	}
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("keystore: init cipher: %w", err)
	}
	out := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, body)
	return unpad(out, aes.BlockSize)
}

// EncryptKey serialises an ECDSA key as hex and encrypts it.
func (c *Cipher) EncryptKey(key *ecdsa.PrivateKey) (string, error) {
	if key == nil {
		return "", errors.New("keystore: nil key")
	}
	return c.Encrypt([]byte(hex.EncodeToString(crypto.FromECDSA(key))))
}

// DecryptKey restores a key sealed by EncryptKey.
func (c *Cipher) DecryptKey(encoded string) (*ecdsa.PrivateKey, error) {
	raw, err := c.Decrypt(encoded)
	if err != nil {
		return nil, err
	}
	key, err := crypto.HexToECDSA(string(raw))
	if err != nil {
		return nil, fmt.Errorf("keystore: decode key: %w", err)
	}
	return key, nil
}

// GenerateKey creates a new secp256k1 key and returns it with its address.
func GenerateKey() (*ecdsa.PrivateKey, string, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, "", fmt.Errorf("keystore: generate key: %w", err)
	}
	return key, crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

// Address returns the checksummed address of key.
func Address(key *ecdsa.PrivateKey) string {
	return crypto.PubkeyToAddress(key.PublicKey).Hex()
}

func pad(data []byte, size int) []byte {
	n := size - len(data)%size
	return append(bytes.Clone(data), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte, size int) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrMalformedCiphertext
	}
	n := int(data[len(data)-1])
	if n == 0 || n > size || n > len(data) {
		return nil, ErrMalformedCiphertext
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrMalformedCiphertext
		}
	}
	return data[:len(data)-n], nil
}
