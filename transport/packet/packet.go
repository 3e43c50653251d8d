package packet

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/am6737/packetguard/api"
)

type m map[string]interface{}

// Decoder resolves named fields for a packet type. The host's protocol
// tables sit behind this interface; Schema is the config-driven version.
type Decoder interface {
	// Fields lists the names decodable for the given type.
	Fields(t api.TypeID) []string
	// Decode reads one field from raw. It must not retain or modify raw.
	Decode(t api.TypeID, name string, raw []byte) (Value, error)
	// Encode produces a patch that writes value into field name.
	Encode(t api.TypeID, name string, raw []byte, value interface{}) (api.Patch, error)
}

type fieldResult struct {
	v   Value
	err error
}

// View is the immutable, filter-facing record of one packet event.
// It never writes to the buffer handed to Adapt.
type View struct {
	direction api.Direction
	typeID    api.TypeID
	connID    api.ConnectionID
	raw       []byte
	decoder   Decoder

	mu     sync.Mutex
	fields map[string]fieldResult
}

// Adapt wraps a raw packet buffer. It is total: decoding is deferred to Field.
func Adapt(dir api.Direction, t api.TypeID, raw []byte, connID api.ConnectionID, decoder Decoder) *View {
	return &View{
		direction: dir,
		typeID:    t,
		connID:    connID,
		raw:       raw,
		decoder:   decoder,
	}
}

func (v *View) Direction() api.Direction        { return v.direction }
func (v *View) TypeID() api.TypeID              { return v.typeID }
func (v *View) ConnectionID() api.ConnectionID { return v.connID }
func (v *View) Len() int                        { return len(v.raw) }
func (v *View) Decoder() Decoder                { return v.decoder }

// ByteAt returns the byte at i, or false when i is out of range.
func (v *View) ByteAt(i int) (byte, bool) {
	if i < 0 || i >= len(v.raw) {
		return 0, false
	}
	return v.raw[i], true
}

// Bytes returns a copy of the raw packet.
func (v *View) Bytes() []byte {
	out := make([]byte, len(v.raw))
	copy(out, v.raw)
	return out
}

// Fields lists the field names the decoder knows for this packet's type.
func (v *View) Fields() []string {
	if v.decoder == nil {
		return nil
	}
	return v.decoder.Fields(v.typeID)
}

// Field decodes a named field on first access and memoizes the outcome,
// failures included.
func (v *View) Field(name string) (Value, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if r, ok := v.fields[name]; ok {
		return r.v, r.err
	}

	var r fieldResult
	if v.decoder == nil {
		r.err = &api.DecodeError{TypeID: v.typeID, Field: name, Err: ErrNoDecoder}
	} else {
		r.v, r.err = v.decoder.Decode(v.typeID, name, v.raw)
		if r.err != nil {
			r.err = asDecodeError(v.typeID, name, r.err)
		}
	}

	if v.fields == nil {
		v.fields = make(map[string]fieldResult)
	}
	v.fields[name] = r
	return r.v, r.err
}

// EncodeField asks the decoder for a patch writing value into field name.
func (v *View) EncodeField(name string, value interface{}) (api.Patch, error) {
	if v.decoder == nil {
		return api.Patch{}, &api.DecodeError{TypeID: v.typeID, Field: name, Err: ErrNoDecoder}
	}
	p, err := v.decoder.Encode(v.typeID, name, v.raw, value)
	if err != nil {
		return api.Patch{}, asDecodeError(v.typeID, name, err)
	}
	return p, nil
}

func (v *View) String() string {
	return fmt.Sprintf("direction=%s type=%s conn=%s len=%d",
		v.direction, v.typeID, v.connID, len(v.raw))
}

func (v *View) MarshalJSON() ([]byte, error) {
	return json.Marshal(m{
		"direction":     v.direction.String(),
		"type_id":       v.typeID.String(),
		"connection_id": string(v.connID),
		"length":        len(v.raw),
	})
}

func asDecodeError(t api.TypeID, name string, err error) error {
	if de, ok := err.(*api.DecodeError); ok {
		return de
	}
	return &api.DecodeError{TypeID: t, Field: name, Err: err}
}
