// Package cryptox implements the letter vault: AES-256-GCM sealing of letter
// bodies under versioned keys.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/capsulekeeper/internal/common"
)

// NonceSize is the GCM nonce length stored next to every ciphertext.
const NonceSize = 12

// Sealed is an encrypted body together with what is needed to open it.
// The three fields are always persisted together.
type Sealed struct {
	Ciphertext []byte
	Nonce      []byte
	KeyVersion int
}

// Vault encrypts with the newest key of its ring and decrypts with any.
type Vault struct {
	ring *KeyRing
}

func NewVault(ring *KeyRing) *Vault {
	return &Vault{ring: ring}
}

// Encrypt seals content under the current key with a fresh random nonce.
func (v *Vault) Encrypt(content []byte) (*Sealed, error) {
	version := v.ring.Current()
	key, ok := v.ring.key(version)
	if !ok {
		return nil, errEmptyKeyRing
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := common.GenerateRandByteArray(NonceSize)
	return &Sealed{
		Ciphertext: aead.Seal(nil, nonce, content, aad(version)),
		Nonce:      nonce,
		KeyVersion: version,
	}, nil
}

// Decrypt opens a sealed body. Any failure (unknown version, malformed nonce,
// failed authentication) yields common.ErrDecryptionFailed and no plaintext.
func (v *Vault) Decrypt(ciphertext, nonce []byte, keyVersion int) ([]byte, error) {
	key, ok := v.ring.key(keyVersion)
	if !ok {
		return nil, fmt.Errorf("%w: unknown key version %d", common.ErrDecryptionFailed, keyVersion)
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: malformed nonce", common.ErrDecryptionFailed)
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryptionFailed, err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, aad(keyVersion))
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", common.ErrDecryptionFailed)
	}
	return plaintext, nil
}

// EncryptJSON marshals value and seals the result.
func (v *Vault) EncryptJSON(value any) (*Sealed, error) {
	plaintext, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(plaintext)
	return v.Encrypt(plaintext)
}

// DecryptJSON opens a sealed body and unmarshals it into out.
func (v *Vault) DecryptJSON(s *Sealed, out any) error {
	plaintext, err := v.Decrypt(s.Ciphertext, s.Nonce, s.KeyVersion)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(plaintext)
	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("%w: malformed content", common.ErrDecryptionFailed)
	}
	return nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// aad binds the ciphertext to its key version.
func aad(version int) []byte {
	return []byte(fmt.Sprintf("v%d", version))
}
