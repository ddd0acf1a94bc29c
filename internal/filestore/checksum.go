package filestore

import (
	"fmt"

	"github.com/zeebo/xxh3"
)

// Checksum returns the xxh3 digest of data. Used to verify that restored
// or cached bytes are exactly what was captured.
func Checksum(data []byte) uint64 {
	return xxh3.Hash(data)
}

// FormatChecksum renders a checksum as 16 hex characters.
func FormatChecksum(sum uint64) string {
	return fmt.Sprintf("%016x", sum)
}
