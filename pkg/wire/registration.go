// Package wire implements the framed message protocol spoken on every peer
// connection: the fixed-size registration block exchanged at connect time,
// the length-prefixed envelope framing, and the serializable message types
// carried inside envelopes.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Magic is the first word of every registration block. A connection that
// opens with anything else is not speaking this protocol.
const Magic uint32 = 0x464e4d50 // "FNMP"

// Protocol version. Peers with a different major version are rejected.
const (
	VersionMajor uint32 = 1
	VersionMinor uint32 = 0
	VersionPatch uint32 = 0
)

// Kind identifies what sort of peer is registering.
type Kind uint32

// Registration kinds.
const (
	KindClient   Kind = 1
	KindNode     Kind = 2
	KindExecutor Kind = 3
	KindControl  Kind = 4
)

func (k Kind) String() string {
	switch k {
	case KindClient:
		return "CLIENT"
	case KindNode:
		return "NODE"
	case KindExecutor:
		return "EXECUTOR"
	case KindControl:
		return "CONTROL"
	default:
		return fmt.Sprintf("Kind(%d)", uint32(k))
	}
}

// Registration negotiation errors.
var (
	ErrBadMagic        = errors.New("invalid registration block: unsupported connection type")
	ErrVersionMismatch = errors.New("messaging protocol major version mismatch")
)

// Registration is the block a connecting peer sends to identify itself.
// All fields travel little-endian; the UUIDs are raw 16-byte values.
type Registration struct {
	Minor         uint32
	Patch         uint32
	Kind          Kind
	SessionID     uuid.UUID
	ComputationID uuid.UUID
	NodeID        uuid.UUID
}

// registration block layout: magic + major are read first so a bad
// connection can be rejected before trusting the remaining length.
const (
	regPreambleSize = 8
	regBodySize     = 12 + 3*16
)

// WriteRegistration sends a registration block for the current protocol
// version. The whole block is written in a single Write.
func WriteRegistration(w io.Writer, reg *Registration) error {
	buf := make([]byte, regPreambleSize+regBodySize)
	binary.LittleEndian.PutUint32(buf[0:], Magic)
	binary.LittleEndian.PutUint32(buf[4:], VersionMajor)
	binary.LittleEndian.PutUint32(buf[8:], reg.Minor)
	binary.LittleEndian.PutUint32(buf[12:], reg.Patch)
	binary.LittleEndian.PutUint32(buf[16:], uint32(reg.Kind))
	copy(buf[20:], reg.SessionID[:])
	copy(buf[36:], reg.ComputationID[:])
	copy(buf[52:], reg.NodeID[:])

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write registration block: %w", err)
	}
	return nil
}

// ReadRegistration reads and validates a registration block. The magic and
// major version are read first; the rest of the block is only read once
// both check out, so a port scanner never drives a large read. Callers
// enforce the negotiation timeout with a read deadline on the connection.
func ReadRegistration(r io.Reader) (*Registration, error) {
	pre := make([]byte, regPreambleSize)
	if _, err := io.ReadFull(r, pre); err != nil {
		return nil, fmt.Errorf("failed to read registration preamble: %w", err)
	}
	if binary.LittleEndian.Uint32(pre[0:]) != Magic {
		return nil, ErrBadMagic
	}
	if major := binary.LittleEndian.Uint32(pre[4:]); major != VersionMajor {
		return nil, fmt.Errorf("%w: found major version %d, require %d",
			ErrVersionMismatch, major, VersionMajor)
	}

	body := make([]byte, regBodySize)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("failed to read registration block: %w", err)
	}

	reg := &Registration{
		Minor: binary.LittleEndian.Uint32(body[0:]),
		Patch: binary.LittleEndian.Uint32(body[4:]),
		Kind:  Kind(binary.LittleEndian.Uint32(body[8:])),
	}
	copy(reg.SessionID[:], body[12:28])
	copy(reg.ComputationID[:], body[28:44])
	copy(reg.NodeID[:], body[44:60])
	return reg, nil
}
