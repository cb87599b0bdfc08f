package reverb

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// newKey mints a 64-bit identifier suitable for chunk keys and item keys.
// Derived from a random UUIDv4 rather than a counter so keys stay unique
// across writer reconnects and across independent writer processes, the
// property the server relies on for dedup.
func newKey() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8])
}
