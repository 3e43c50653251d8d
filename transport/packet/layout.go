package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/am6737/packetguard/api"
)

var (
	ErrNoDecoder    = errors.New("no field decoder configured")
	ErrUnknownType  = errors.New("no layout for packet type")
	ErrUnknownField = errors.New("unknown field")
	ErrShortPacket  = errors.New("packet too short")
	ErrBadVarint    = errors.New("malformed varint")
	ErrNotSettable  = errors.New("field width cannot be preserved")
	ErrValueRange   = errors.New("value out of range for field")
)

// Kind 字段的编码类型
type Kind uint8

const (
	KindU8 Kind = iota + 1
	KindU16
	KindU32
	KindU64
	KindI8
	KindI16
	KindI32
	KindI64
	KindF32
	KindF64
	KindBool
	KindVarint
	KindBytes
	KindString
)

var kindMap = map[string]Kind{
	"u8": KindU8, "uint8": KindU8, "byte": KindU8,
	"u16": KindU16, "uint16": KindU16,
	"u32": KindU32, "uint32": KindU32,
	"u64": KindU64, "uint64": KindU64,
	"i8": KindI8, "int8": KindI8,
	"i16": KindI16, "int16": KindI16, "short": KindI16,
	"i32": KindI32, "int32": KindI32, "int": KindI32,
	"i64": KindI64, "int64": KindI64, "long": KindI64,
	"f32": KindF32, "float": KindF32,
	"f64": KindF64, "double": KindF64,
	"bool": KindBool, "boolean": KindBool,
	"varint": KindVarint,
	"bytes": KindBytes,
	"string": KindString,
}

func ParseKind(s string) (Kind, error) {
	if k, ok := kindMap[strings.ToLower(s)]; ok {
		return k, nil
	}
	return 0, fmt.Errorf("unknown field kind %q", s)
}

// fixedWidth returns the encoded size of fixed-width kinds, 0 otherwise.
func (k Kind) fixedWidth() int {
	switch k {
	case KindU8, KindI8, KindBool:
		return 1
	case KindU16, KindI16:
		return 2
	case KindU32, KindI32, KindF32:
		return 4
	case KindU64, KindI64, KindF64:
		return 8
	}
	return 0
}

// Field describes one named field of a packet type.
type Field struct {
	Name string
	Kind Kind
	// Offset is absolute when >= 0; a negative offset means the field
	// directly follows the previous one.
	Offset int
	// Length applies to KindBytes; 0 means "to the end of the packet".
	Length       int
	LittleEndian bool
}

func (f Field) order() binary.ByteOrder {
	if f.LittleEndian {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// Layout is the ordered field list of one packet type.
type Layout struct {
	TypeID api.TypeID
	Name   string
	fields []Field
	index  map[string]int
}

func NewLayout(t api.TypeID, name string, fields []Field) (*Layout, error) {
	fields = append([]Field(nil), fields...)
	l := &Layout{TypeID: t, Name: name, fields: fields, index: make(map[string]int, len(fields))}
	for i, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("layout %s: field %d has no name", t, i)
		}
		if _, dup := l.index[f.Name]; dup {
			return nil, fmt.Errorf("layout %s: duplicate field %q", t, f.Name)
		}
		if i == 0 && f.Offset < 0 {
			l.fields[0].Offset = 0
		}
		l.index[f.Name] = i
	}
	return l, nil
}

func (l *Layout) Names() []string {
	out := make([]string, len(l.fields))
	for i, f := range l.fields {
		out[i] = f.Name
	}
	return out
}

// span locates field i in raw, walking preceding relative fields as needed.
func (l *Layout) span(i int, raw []byte) (start, end int, err error) {
	f := l.fields[i]
	if f.Offset >= 0 {
		start = f.Offset
	} else {
		_, start, err = l.span(i-1, raw)
		if err != nil {
			return 0, 0, err
		}
	}
	if start > len(raw) {
		return 0, 0, ErrShortPacket
	}

	switch f.Kind {
	case KindVarint:
		_, n := binary.Uvarint(raw[start:])
		if n <= 0 {
			if n == 0 {
				return 0, 0, ErrShortPacket
			}
			return 0, 0, ErrBadVarint
		}
		end = start + n
	case KindString:
		size, n := binary.Uvarint(raw[start:])
		if n <= 0 {
			if n == 0 {
				return 0, 0, ErrShortPacket
			}
			return 0, 0, ErrBadVarint
		}
		if size > uint64(len(raw)-start-n) {
			return 0, 0, ErrShortPacket
		}
		end = start + n + int(size)
	case KindBytes:
		if f.Length > 0 {
			end = start + f.Length
		} else {
			end = len(raw)
		}
	default:
		end = start + f.Kind.fixedWidth()
	}
	if end > len(raw) {
		return 0, 0, ErrShortPacket
	}
	return start, end, nil
}

// Decode reads field name from raw.
func (l *Layout) Decode(name string, raw []byte) (Value, error) {
	i, ok := l.index[name]
	if !ok {
		return Value{}, ErrUnknownField
	}
	f := l.fields[i]
	start, end, err := l.span(i, raw)
	if err != nil {
		return Value{}, err
	}
	b := raw[start:end]
	o := f.order()

	switch f.Kind {
	case KindU8:
		return UintValue(uint64(b[0])), nil
	case KindU16:
		return UintValue(uint64(o.Uint16(b))), nil
	case KindU32:
		return UintValue(uint64(o.Uint32(b))), nil
	case KindU64:
		return UintValue(o.Uint64(b)), nil
	case KindI8:
		return IntValue(int64(int8(b[0]))), nil
	case KindI16:
		return IntValue(int64(int16(o.Uint16(b)))), nil
	case KindI32:
		return IntValue(int64(int32(o.Uint32(b)))), nil
	case KindI64:
		return IntValue(int64(o.Uint64(b))), nil
	case KindF32:
		return FloatValue(float64(math.Float32frombits(o.Uint32(b)))), nil
	case KindF64:
		return FloatValue(math.Float64frombits(o.Uint64(b))), nil
	case KindBool:
		return BoolValue(b[0] != 0), nil
	case KindVarint:
		v, _ := binary.Uvarint(b)
		// VarInts carry two's complement int32 values on the wire.
		return IntValue(int64(int32(uint32(v)))), nil
	case KindString:
		_, n := binary.Uvarint(b)
		s := b[n:]
		if !utf8.Valid(s) {
			return Value{}, errors.New("invalid utf-8 string")
		}
		return StringValue(string(s)), nil
	case KindBytes:
		return BytesValue(b), nil
	}
	return Value{}, fmt.Errorf("unsupported kind %d", f.Kind)
}

// EncodePatch builds a patch writing value into field name. Fields whose
// encoded width would change are refused.
func (l *Layout) EncodePatch(name string, raw []byte, value interface{}) (api.Patch, error) {
	i, ok := l.index[name]
	if !ok {
		return api.Patch{}, ErrUnknownField
	}
	f := l.fields[i]
	start, end, err := l.span(i, raw)
	if err != nil {
		return api.Patch{}, err
	}
	width := end - start
	o := f.order()
	b := make([]byte, width)

	switch f.Kind {
	case KindU8, KindU16, KindU32, KindU64:
		u, err := toUint(value, f.Kind.fixedWidth())
		if err != nil {
			return api.Patch{}, err
		}
		putUint(o, b, u)
	case KindI8, KindI16, KindI32, KindI64:
		n, err := toInt(value, f.Kind.fixedWidth())
		if err != nil {
			return api.Patch{}, err
		}
		putUint(o, b, uint64(n))
	case KindF32:
		fv, err := toFloat(value)
		if err != nil {
			return api.Patch{}, err
		}
		o.PutUint32(b, math.Float32bits(float32(fv)))
	case KindF64:
		fv, err := toFloat(value)
		if err != nil {
			return api.Patch{}, err
		}
		o.PutUint64(b, math.Float64bits(fv))
	case KindBool:
		bv, ok := value.(bool)
		if !ok {
			return api.Patch{}, ErrValueRange
		}
		if bv {
			b[0] = 1
		}
	case KindVarint:
		n, err := toInt(value, 4)
		if err != nil {
			return api.Patch{}, err
		}
		enc := binary.AppendUvarint(nil, uint64(uint32(int32(n))))
		if len(enc) != width {
			return api.Patch{}, ErrNotSettable
		}
		b = enc
	case KindString:
		s, ok := value.(string)
		if !ok {
			return api.Patch{}, ErrValueRange
		}
		enc := binary.AppendUvarint(nil, uint64(len(s)))
		enc = append(enc, s...)
		if len(enc) != width {
			return api.Patch{}, ErrNotSettable
		}
		b = enc
	case KindBytes:
		bv, ok := value.([]byte)
		if !ok || len(bv) != width {
			return api.Patch{}, ErrNotSettable
		}
		copy(b, bv)
	default:
		return api.Patch{}, fmt.Errorf("unsupported kind %d", f.Kind)
	}
	return api.Patch{Offset: start, Data: b}, nil
}

func putUint(o binary.ByteOrder, b []byte, u uint64) {
	switch len(b) {
	case 1:
		b[0] = byte(u)
	case 2:
		o.PutUint16(b, uint16(u))
	case 4:
		o.PutUint32(b, uint32(u))
	case 8:
		o.PutUint64(b, u)
	}
}

func toInt(v interface{}, width int) (int64, error) {
	var n int64
	switch x := v.(type) {
	case int64:
		n = x
	case int:
		n = int64(x)
	case uint64:
		if x > math.MaxInt64 {
			return 0, ErrValueRange
		}
		n = int64(x)
	case float64:
		// 2^63 is exact in float64; anything at or past it does not convert
		if x != math.Trunc(x) || x >= math.Ldexp(1, 63) || x < -math.Ldexp(1, 63) {
			return 0, ErrValueRange
		}
		n = int64(x)
	default:
		return 0, ErrValueRange
	}
	if width < 8 {
		bits := uint(width * 8)
		lo, hi := -(int64(1) << (bits - 1)), int64(1)<<(bits-1)-1
		if n < lo || n > hi {
			return 0, ErrValueRange
		}
	}
	return n, nil
}

func toUint(v interface{}, width int) (uint64, error) {
	var u uint64
	switch x := v.(type) {
	case uint64:
		u = x
	case int64:
		if x < 0 {
			return 0, ErrValueRange
		}
		u = uint64(x)
	case int:
		if x < 0 {
			return 0, ErrValueRange
		}
		u = uint64(x)
	case float64:
		if x < 0 || x != math.Trunc(x) || x >= math.Ldexp(1, 64) {
			return 0, ErrValueRange
		}
		u = uint64(x)
	default:
		return 0, ErrValueRange
	}
	if width < 8 && u >= uint64(1)<<(uint(width)*8) {
		return 0, ErrValueRange
	}
	return u, nil
}

func toFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	}
	return 0, ErrValueRange
}

// Schema is a Decoder backed by per-type layouts.
type Schema struct {
	layouts map[api.TypeID]*Layout
}

var _ Decoder = (*Schema)(nil)

func NewSchema(layouts ...*Layout) *Schema {
	s := &Schema{layouts: make(map[api.TypeID]*Layout, len(layouts))}
	for _, l := range layouts {
		s.layouts[l.TypeID] = l
	}
	return s
}

func (s *Schema) Layout(t api.TypeID) (*Layout, bool) {
	if s == nil {
		return nil, false
	}
	l, ok := s.layouts[t]
	return l, ok
}

// Types returns the type ids with a layout, ascending.
func (s *Schema) Types() []api.TypeID {
	out := make([]api.TypeID, 0, len(s.layouts))
	for t := range s.layouts {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Schema) Fields(t api.TypeID) []string {
	l, ok := s.Layout(t)
	if !ok {
		return nil
	}
	return l.Names()
}

func (s *Schema) Decode(t api.TypeID, name string, raw []byte) (Value, error) {
	l, ok := s.Layout(t)
	if !ok {
		return Value{}, ErrUnknownType
	}
	return l.Decode(name, raw)
}

func (s *Schema) Encode(t api.TypeID, name string, raw []byte, value interface{}) (api.Patch, error) {
	l, ok := s.Layout(t)
	if !ok {
		return api.Patch{}, ErrUnknownType
	}
	return l.EncodePatch(name, raw, value)
}
