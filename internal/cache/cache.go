// Package cache provides content fingerprints for memoised results.
package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Key generates a cache key from parts. Each part is length-prefixed so that
// ("ab", "c") and ("a", "bc") hash differently.
func Key(parts ...string) string {
	h := sha256.New()
	var size [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(size[:], uint64(len(p)))
		h.Write(size[:])
		h.Write([]byte(p))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
