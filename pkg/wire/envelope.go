package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// maxFrameSize bounds a single envelope frame. Render buffers can be large
// but anything past this is a corrupt length prefix, not a message.
const maxFrameSize = 1 << 30

// Address identifies a message source or destination. Unused components
// are the nil UUID: a destination with only the session set addresses the
// session's client, one with a computation set addresses that computation
// on the given node.
type Address struct {
	Session     uuid.UUID
	Node        uuid.UUID
	Computation uuid.UUID
}

// IsZero reports whether no component of the address is set.
func (a Address) IsZero() bool {
	return a.Session == uuid.Nil && a.Node == uuid.Nil && a.Computation == uuid.Nil
}

func (a Address) String() string {
	return fmt.Sprintf("{session:%s node:%s comp:%s}", a.Session, a.Node, a.Computation)
}

const addressSize = 3 * 16

func putAddress(buf []byte, a Address) {
	copy(buf[0:], a.Session[:])
	copy(buf[16:], a.Node[:])
	copy(buf[32:], a.Computation[:])
}

func getAddress(buf []byte) Address {
	var a Address
	copy(a.Session[:], buf[0:16])
	copy(a.Node[:], buf[16:32])
	copy(a.Computation[:], buf[32:48])
	return a
}

// Envelope is one framed message: a typed payload plus the routing
// metadata the router needs without understanding the payload.
type Envelope struct {
	ClassID     uuid.UUID
	From        Address
	To          []Address
	RoutingName string
	Payload     []byte
}

// NewEnvelope builds an envelope carrying the JSON encoding of content.
func NewEnvelope(classID uuid.UUID, content any) (*Envelope, error) {
	payload, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %s payload: %w", ClassName(classID), err)
	}
	return &Envelope{ClassID: classID, Payload: payload}, nil
}

// DecodePayload parses the envelope's JSON payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to parse %s payload: %w", ClassName(e.ClassID), err)
	}
	return nil
}

// WriteEnvelope frames and writes an envelope. The frame is assembled
// first and written with a single Write so concurrent writers on separate
// envelopes cannot interleave partial frames.
func WriteEnvelope(w io.Writer, e *Envelope) error {
	if len(e.To) > 0xffff {
		return fmt.Errorf("envelope has too many destinations: %d", len(e.To))
	}
	if len(e.RoutingName) > 0xffff {
		return fmt.Errorf("envelope routing name too long: %d bytes", len(e.RoutingName))
	}

	bodyLen := 16 + addressSize + 2 + len(e.To)*addressSize +
		2 + len(e.RoutingName) + 4 + len(e.Payload)
	if bodyLen > maxFrameSize {
		return fmt.Errorf("envelope exceeds maximum frame size: %d bytes", bodyLen)
	}

	var buf bytes.Buffer
	buf.Grow(4 + bodyLen)

	var scratch [addressSize]byte
	binary.LittleEndian.PutUint32(scratch[:4], uint32(bodyLen))
	buf.Write(scratch[:4])

	buf.Write(e.ClassID[:])
	putAddress(scratch[:], e.From)
	buf.Write(scratch[:])

	binary.LittleEndian.PutUint16(scratch[:2], uint16(len(e.To)))
	buf.Write(scratch[:2])
	for _, to := range e.To {
		putAddress(scratch[:], to)
		buf.Write(scratch[:])
	}

	binary.LittleEndian.PutUint16(scratch[:2], uint16(len(e.RoutingName)))
	buf.Write(scratch[:2])
	buf.WriteString(e.RoutingName)

	binary.LittleEndian.PutUint32(scratch[:4], uint32(len(e.Payload)))
	buf.Write(scratch[:4])
	buf.Write(e.Payload)

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write envelope frame: %w", err)
	}
	return nil
}

// ReadEnvelope reads one framed envelope.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		// EOF here is a clean close between frames; pass it through
		// unwrapped so callers can tell it apart from a truncated frame.
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read envelope length: %w", err)
	}
	bodyLen := binary.LittleEndian.Uint32(lenBuf[:])
	if bodyLen > maxFrameSize {
		return nil, fmt.Errorf("envelope frame length %d exceeds maximum", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("failed to read envelope body: %w", err)
	}
	return parseEnvelope(body)
}

func parseEnvelope(body []byte) (*Envelope, error) {
	e := &Envelope{}
	off := 0

	take := func(n int) ([]byte, error) {
		if off+n > len(body) {
			return nil, fmt.Errorf("truncated envelope: need %d bytes at offset %d of %d", n, off, len(body))
		}
		b := body[off : off+n]
		off += n
		return b, nil
	}

	b, err := take(16)
	if err != nil {
		return nil, err
	}
	copy(e.ClassID[:], b)

	if b, err = take(addressSize); err != nil {
		return nil, err
	}
	e.From = getAddress(b)

	if b, err = take(2); err != nil {
		return nil, err
	}
	toCount := int(binary.LittleEndian.Uint16(b))
	if toCount > 0 {
		e.To = make([]Address, toCount)
		for i := 0; i < toCount; i++ {
			if b, err = take(addressSize); err != nil {
				return nil, err
			}
			e.To[i] = getAddress(b)
		}
	}

	if b, err = take(2); err != nil {
		return nil, err
	}
	nameLen := int(binary.LittleEndian.Uint16(b))
	if b, err = take(nameLen); err != nil {
		return nil, err
	}
	e.RoutingName = string(b)

	if b, err = take(4); err != nil {
		return nil, err
	}
	payloadLen := int(binary.LittleEndian.Uint32(b))
	if b, err = take(payloadLen); err != nil {
		return nil, err
	}
	if payloadLen > 0 {
		e.Payload = b
	}

	if off != len(body) {
		return nil, fmt.Errorf("envelope has %d trailing bytes", len(body)-off)
	}
	return e, nil
}
