// Package identity provides the UUID-based identifiers used throughout the
// protocol engine: agent, session, secure-session, and region owner IDs.
package identity

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Size is the size of a UUID in bytes (128 bits), the wire width of every
// UUID-typed field in the LLUDP template catalogue.
const Size = 16

// ErrInvalidLength is returned when a byte slice is not exactly Size bytes.
var ErrInvalidLength = errors.New("identity: invalid UUID length, expected 16 bytes")

// ZeroID is the nil UUID, used by the protocol to mean "unset".
var ZeroID = UUID{}

// UUID wraps google/uuid.UUID as the identifier type for agents, sessions,
// and regions. The wire encoding is the raw 16 bytes in the order the
// simulator sends them; textual encoding is the canonical dashed-hex form.
type UUID struct {
	inner uuid.UUID
}

// New generates a random (v4) UUID.
func New() UUID {
	return UUID{inner: uuid.New()}
}

// Parse parses a canonical dashed-hex UUID string.
func Parse(s string) (UUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ZeroID, fmt.Errorf("identity: parse %q: %w", s, err)
	}
	return UUID{inner: u}, nil
}

// FromBytes builds a UUID from its 16-byte wire representation.
func FromBytes(b []byte) (UUID, error) {
	if len(b) != Size {
		return ZeroID, fmt.Errorf("%w: got %d bytes", ErrInvalidLength, len(b))
	}
	u, err := uuid.FromBytes(b)
	if err != nil {
		return ZeroID, fmt.Errorf("identity: from bytes: %w", err)
	}
	return UUID{inner: u}, nil
}

// String returns the canonical dashed-hex representation.
func (id UUID) String() string {
	return id.inner.String()
}

// ShortString returns the first 8 hex characters, for log correlation
// without revealing the full identifier.
func (id UUID) ShortString() string {
	s := id.inner.String()
	if len(s) < 8 {
		return s
	}
	return s[:8]
}

// Bytes returns the 16-byte wire representation.
func (id UUID) Bytes() []byte {
	b := id.inner
	return b[:]
}

// PutBytes writes the 16-byte wire representation into dst, which must have
// length >= Size. This avoids an allocation in hot serialization paths.
func (id UUID) PutBytes(dst []byte) {
	copy(dst, id.inner[:])
}

// IsZero reports whether the UUID is the nil UUID.
func (id UUID) IsZero() bool {
	return id.inner == uuid.Nil
}

// Equal reports whether two UUIDs are identical.
func (id UUID) Equal(other UUID) bool {
	return id.inner == other.inner
}

// MarshalText implements encoding.TextMarshaler.
func (id UUID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *UUID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// RegionHandle is the 64-bit grid-coordinate identifier of a server region.
type RegionHandle uint64

// RegionHandleFromBytes decodes a little-endian region handle as carried on
// the wire in RegionHandshake and neighbour-region messages.
func RegionHandleFromBytes(b []byte) (RegionHandle, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("identity: region handle requires 8 bytes, got %d", len(b))
	}
	return RegionHandle(binary.LittleEndian.Uint64(b)), nil
}

// GlobalX and GlobalY decode the global coordinates packed into the handle's
// high 32 bits (X) and low 32 bits (Y), each in meters.
func (h RegionHandle) GlobalX() uint32 { return uint32(h >> 32) }
func (h RegionHandle) GlobalY() uint32 { return uint32(h) }
