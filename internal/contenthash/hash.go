// Package contenthash computes short content ids and content-addressed
// storage paths for deployment files.
package contenthash

import (
	"fmt"
	"strings"

	"github.com/twmb/murmur3"
)

// ContentID returns the 16-lowercase-hex-char Murmur3 digest of data.
// It identifies the preprocessed configuration a caller will see.
func ContentID(data []byte) string {
	return fmt.Sprintf("%016x", murmur3.Sum64(data))
}

// AddressedPath returns the sharded relative path for a content hash,
// of the form "hh/hash" where hh is the first two hex chars. Hashes
// shorter than two chars map to themselves.
func AddressedPath(hash string) string {
	h := strings.ToLower(hash)
	if len(h) < 2 {
		return h
	}

	return h[:2] + "/" + h
}
