package header

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/am6737/packetguard/api"
)

const (
	Version uint8 = 1
	Len           = 4
)

// Flags 帧标志位, 占首字节低 4 位
type Flags uint8

const (
	// Compressed marks a body the game compresses itself; the relay
	// passes it through untouched.
	Compressed Flags = 1 << iota
	// Reliable marks frames the game resends until acknowledged.
	Reliable
)

var flagMap = map[Flags]string{
	Compressed: "compressed",
	Reliable:   "reliable",
}

var (
	ErrShort   = errors.New("frame shorter than header")
	ErrVersion = errors.New("unsupported frame version")
)

// Header precedes every relayed datagram:
//
//	[version<<4 | flags][reserved][type id, u16 big endian][body...]
type Header struct {
	Version  uint8
	Flags    Flags
	Reserved uint8
	TypeID   api.TypeID
}

func (h *Header) Encode(b []byte) ([]byte, error) {
	if h == nil {
		return nil, errors.New("nil header")
	}
	if h.TypeID < 0 || h.TypeID > 0xFFFF {
		return nil, fmt.Errorf("type id %s does not fit in a frame header", h.TypeID)
	}
	return Encode(b, h.Version, h.Flags, uint16(h.TypeID)), nil
}

// Encode writes a header into b, which must have room for Len bytes.
func Encode(b []byte, v uint8, f Flags, t uint16) []byte {
	b = b[:Len]
	b[0] = v<<4 | byte(f&0x0f)
	b[1] = 0
	binary.BigEndian.PutUint16(b[2:4], t)
	return b
}

// Build returns a complete frame for body.
func Build(t api.TypeID, f Flags, body []byte) ([]byte, error) {
	h := &Header{Version: Version, Flags: f, TypeID: t}
	out := make([]byte, Len, Len+len(body))
	if _, err := h.Encode(out); err != nil {
		return nil, err
	}
	return append(out, body...), nil
}

func (h *Header) Decode(b []byte) error {
	if len(b) < Len {
		return ErrShort
	}

	h.Version = b[0] >> 4
	h.Flags = Flags(b[0] & 0x0f)
	h.Reserved = b[1]
	h.TypeID = api.TypeID(binary.BigEndian.Uint16(b[2:4]))

	if h.Version != Version {
		return fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}
	return nil
}

// Split decodes the header of frame and returns it with the body.
func Split(frame []byte) (*Header, []byte, error) {
	h := &Header{}
	if err := h.Decode(frame); err != nil {
		return nil, nil, err
	}
	return h, frame[Len:], nil
}

func (h *Header) String() string {
	if h == nil {
		return "<nil>"
	}
	return fmt.Sprintf("version=%d flags=%s reserved=%#x type=%s",
		h.Version, h.Flags, h.Reserved, h.TypeID)
}

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	s := ""
	for bit := Flags(1); bit <= 0x08; bit <<= 1 {
		if f&bit == 0 {
			continue
		}
		name, ok := flagMap[bit]
		if !ok {
			name = fmt.Sprintf("%#x", uint8(bit))
		}
		if s != "" {
			s += "|"
		}
		s += name
	}
	return s
}
