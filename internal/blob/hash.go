package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
)

// HashSize is the length of a content hash in hex characters.
const HashSize = sha256.Size * 2

// NewHasher returns the digest used for content addressing.
func NewHasher() hash.Hash {
	return sha256.New()
}

// ContentHash computes the content hash of data.
func ContentHash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// SumHex returns the hex digest accumulated in h.
func SumHex(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// ValidHash reports whether s is a well-formed lowercase hex content hash.
// Hashes become file names, so anything else is rejected before touching disk.
func ValidHash(s string) bool {
	if len(s) != HashSize {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
