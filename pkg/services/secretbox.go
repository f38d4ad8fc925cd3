package services

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/cuemby/vm/pkg/werrors"
)

// secretBox seals/opens per-service password files at rest with
// AES-256-GCM. It needs no third-party dependency: the stdlib crypto
// primitives are already the idiomatic choice for this.
type secretBox struct {
	key []byte // 32 bytes, AES-256
}

// newSecretBoxFromPassphrase derives a 32-byte key from an operator-supplied
// passphrase via SHA-256.
func newSecretBoxFromPassphrase(passphrase string) *secretBox {
	key := sha256.Sum256([]byte(passphrase))
	return &secretBox{key: key[:]}
}

// Seal encrypts plaintext, returning the nonce prepended to the ciphertext.
func (b *secretBox) Seal(plaintext []byte) ([]byte, error) {
	gcm, err := b.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, werrors.Wrap(err, werrors.CodeInternal, "generate nonce")
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func (b *secretBox) Open(sealed []byte) ([]byte, error) {
	gcm, err := b.gcm()
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, werrors.New(werrors.CodeValidation, "sealed secret shorter than nonce")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, werrors.Wrap(err, werrors.CodeInternal, "decrypt secret")
	}
	return plaintext, nil
}

func (b *secretBox) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, werrors.Wrap(err, werrors.CodeInternal, "create AES cipher")
	}
	return cipher.NewGCM(block)
}
