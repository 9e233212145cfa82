// Package keyvault encrypts per-position signing keys with a server-held
// secret. Plaintext key material only ever exists inside the Use callback and
// is zeroed before Use returns.
package keyvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/hkdf"
)

// ErrKeyIntegrity indicates an authentication-tag mismatch or a decrypted
// value that is not a valid signing key. Callers must treat it as fatal for
// the operation in progress.
var ErrKeyIntegrity = errors.New("keyvault: key integrity check failed")

const (
	nonceSize  = 12
	keySize    = 32
	hkdfSalt   = "settlement-layer/keyvault/v1"
	privKeyLen = 32
)

// Vault performs symmetric encryption of raw secp256k1 private keys.
type Vault struct {
	aead cipher.AEAD
}

// New derives the vault's AES-256 key from the server secret via HKDF-SHA256.
func New(secret string) (*Vault, error) {
	if secret == "" {
		return nil, fmt.Errorf("keyvault: secret is required")
	}

	key := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, []byte(secret), []byte(hkdfSalt), nil)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("keyvault: derive key: %w", err)
	}
	defer zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("keyvault: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keyvault: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals a raw 32-byte private key. The blob layout is
// nonce‖ciphertext+tag.
func (v *Vault) Encrypt(privKey []byte) ([]byte, error) {
	if len(privKey) != privKeyLen {
		return nil, fmt.Errorf("keyvault: private key must be %d bytes, got %d", privKeyLen, len(privKey))
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("keyvault: nonce: %w", err)
	}

	blob := make([]byte, 0, nonceSize+privKeyLen+v.aead.Overhead())
	blob = append(blob, nonce...)
	blob = v.aead.Seal(blob, nonce, privKey, nil)
	return blob, nil
}

// Use decrypts a blob, validates the recovered key and hands the parsed
// private key to fn. The plaintext buffer is zeroed before Use returns,
// whatever fn does.
func (v *Vault) Use(blob []byte, fn func(*ecdsa.PrivateKey) error) error {
	if len(blob) < nonceSize+v.aead.Overhead() {
		return fmt.Errorf("%w: blob too short", ErrKeyIntegrity)
	}

	plaintext, err := v.aead.Open(nil, blob[:nonceSize], blob[nonceSize:], nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyIntegrity, err)
	}
	defer zero(plaintext)

	if len(plaintext) != privKeyLen {
		return fmt.Errorf("%w: unexpected key length %d", ErrKeyIntegrity, len(plaintext))
	}
	key, err := ethcrypto.ToECDSA(plaintext)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyIntegrity, err)
	}
	defer zeroKey(key)

	return fn(key)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func zeroKey(k *ecdsa.PrivateKey) {
	if k != nil && k.D != nil {
		k.D.SetInt64(0)
	}
}
