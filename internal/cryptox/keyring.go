package cryptox

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/dmitrijs2005/capsulekeeper/internal/common"
	"golang.org/x/crypto/hkdf"
)

// MasterKeySize is the required length of every master secret.
const MasterKeySize = 32

var errEmptyKeyRing = errors.New("key ring has no keys")

// KeyRing holds one AES-256 data key per version. Data keys are derived from
// the configured master secrets with HKDF-SHA256, so a master secret is never
// used as a cipher key directly. The highest version encrypts; every version
// decrypts.
type KeyRing struct {
	keys    map[int][]byte
	current int
}

// NewKeyRing derives data keys for the given master secrets. Versions must be
// positive and every secret must be MasterKeySize bytes long.
func NewKeyRing(masters map[int][]byte) (*KeyRing, error) {
	if len(masters) == 0 {
		return nil, errEmptyKeyRing
	}

	ring := &KeyRing{keys: make(map[int][]byte, len(masters))}
	for version, secret := range masters {
		if version <= 0 {
			return nil, fmt.Errorf("invalid key version %d", version)
		}
		if len(secret) != MasterKeySize {
			return nil, fmt.Errorf("key version %d: expected %d bytes, got %d", version, MasterKeySize, len(secret))
		}

		dk, err := deriveDataKey(secret, version)
		if err != nil {
			return nil, fmt.Errorf("key version %d: %w", version, err)
		}
		ring.keys[version] = dk
		if version > ring.current {
			ring.current = version
		}
	}
	return ring, nil
}

// ParseKeyRing decodes base64 master secrets keyed by version.
// Errors never include key material.
func ParseKeyRing(encoded map[int]string) (*KeyRing, error) {
	masters := make(map[int][]byte, len(encoded))
	for version, s := range encoded {
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("key version %d: invalid base64", version)
		}
		masters[version] = b
	}
	ring, err := NewKeyRing(masters)
	for _, b := range masters {
		common.WipeByteArray(b)
	}
	return ring, err
}

// Current returns the version used for new encryptions.
func (k *KeyRing) Current() int {
	return k.current
}

// Versions lists the known versions in ascending order.
func (k *KeyRing) Versions() []int {
	out := make([]int, 0, len(k.keys))
	for v := range k.keys {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

func (k *KeyRing) key(version int) ([]byte, bool) {
	dk, ok := k.keys[version]
	return dk, ok
}

func deriveDataKey(secret []byte, version int) ([]byte, error) {
	info := fmt.Sprintf("capsulekeeper letter body v%d", version)
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	dk := make([]byte, 32)
	if _, err := io.ReadFull(r, dk); err != nil {
		return nil, err
	}
	return dk, nil
}

// GenerateMasterKey returns a fresh random master secret, base64 encoded, in
// the format expected by ParseKeyRing.
func GenerateMasterKey() string {
	return base64.StdEncoding.EncodeToString(common.GenerateRandByteArray(MasterKeySize))
}
