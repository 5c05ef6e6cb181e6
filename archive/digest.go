package archive

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
)

const (
	// HashSHA512 is the default digest and the one senders are expected to use.
	HashSHA512 = "sha512"
	HashSHA256 = "sha256"
	// HashBLAKE2b512 is BLAKE2b with a 64-byte output.
	HashBLAKE2b512 = "blake2b-512"
	// HashBLAKE3 is BLAKE3 with the default 32-byte output.
	HashBLAKE3 = "blake3"
)

// HashMethods lists the digest names accepted by ParseHashMethod.
var HashMethods = []string{HashSHA512, HashSHA256, HashBLAKE2b512, HashBLAKE3}

// ParseHashMethod normalises a digest name. Empty selects HashSHA512.
func ParseHashMethod(name string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", HashSHA512:
		return HashSHA512, nil
	case HashSHA256:
		return HashSHA256, nil
	case HashBLAKE2b512, "blake2b":
		return HashBLAKE2b512, nil
	case HashBLAKE3:
		return HashBLAKE3, nil
	default:
		return "", fmt.Errorf("unknown hash method %q", name)
	}
}

// NewHash returns a fresh incremental digest for a method accepted by ParseHashMethod.
func NewHash(method string) (hash.Hash, error) {
	normalized, err := ParseHashMethod(method)
	if err != nil {
		return nil, err
	}
	switch normalized {
	case HashSHA256:
		return sha256.New(), nil
	case HashBLAKE2b512:
		h, err := blake2b.New512(nil)
		if err != nil {
			return nil, fmt.Errorf("create blake2b digest: %w", err)
		}
		return h, nil
	case HashBLAKE3:
		return blake3.New(), nil
	default:
		return sha512.New(), nil
	}
}

// HexDigest hashes data in one shot and returns the lowercase hex encoding.
func HexDigest(method string, data []byte) (string, error) {
	h, err := NewHash(method)
	if err != nil {
		return "", err
	}
	_, _ = h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func checksumsEqual(actual, expected string) bool {
	return strings.EqualFold(strings.TrimSpace(actual), strings.TrimSpace(expected))
}
