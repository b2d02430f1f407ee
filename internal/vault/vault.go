// Package vault encrypts provider credential bundles so they can pass through
// the queue and be rehydrated by any worker process.
package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrMalformedCiphertext is returned by Decrypt for input that is not
// "hex(iv):hex(ciphertext)" or does not decrypt to validly padded plaintext.
var ErrMalformedCiphertext = errors.New("vault: malformed ciphertext")

// Vault performs AES-256-CBC encryption with a random IV per call. The wire
// format is self-describing, so decryption needs only the process-wide key.
type Vault struct {
	key []byte
}

// New creates a Vault from a 32-byte hex-encoded key.
func New(hexKey string) (*Vault, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, errors.New("vault: ENCRYPTION_KEY must be hex-encoded")
	}
	if len(key) != 32 {
		return nil, errors.New("vault: ENCRYPTION_KEY must be 32 bytes (64 hex chars)")
	}
	return &Vault{key: key}, nil
}

// NewRandom creates a Vault with a random key. Anything encrypted with it is
// unrecoverable after a restart, so this suits only single-process dev runs.
func NewRandom() (*Vault, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("vault: generate key: %w", err)
	}
	return &Vault{key: key}, nil
}

// Encrypt returns hex(iv) + ":" + hex(ciphertext).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("vault: generate iv: %w", err)
	}
	padded := pad([]byte(plaintext))
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt reverses Encrypt. Plaintext containing ":" is unaffected because
// the split happens on the first separator only.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	ivHex, ctHex, found := strings.Cut(ciphertext, ":")
	if !found {
		return "", ErrMalformedCiphertext
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return "", ErrMalformedCiphertext
	}
	// Hex of the remainder may itself contain ":" only if corrupted.
	ct, err := hex.DecodeString(ctHex)
	if err != nil || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", ErrMalformedCiphertext
	}
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", err
	}
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)
	plain, err = unpad(plain)
	if err != nil {
		return "", ErrMalformedCiphertext
	}
	return string(plain), nil
}

// pad applies PKCS#7 padding up to the AES block size.
func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, errors.New("empty plaintext")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, errors.New("bad padding length")
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errors.New("bad padding bytes")
		}
	}
	return b[:len(b)-n], nil
}
