package packet

import "fmt"

// Value is a decoded scalar or byte-slice field.
type Value struct {
	v interface{}
}

func IntValue(n int64) Value      { return Value{v: n} }
func UintValue(n uint64) Value    { return Value{v: n} }
func FloatValue(f float64) Value  { return Value{v: f} }
func BoolValue(b bool) Value      { return Value{v: b} }
func StringValue(s string) Value  { return Value{v: s} }
func BytesValue(b []byte) Value {
	// 拷贝一份，避免脚本持有原始缓冲区
	c := make([]byte, len(b))
	copy(c, b)
	return Value{v: c}
}

// Interface returns int64, uint64, float64, bool, string or []byte.
func (v Value) Interface() interface{} { return v.v }

func (v Value) IsZero() bool { return v.v == nil }

func (v Value) String() string {
	if b, ok := v.v.([]byte); ok {
		return fmt.Sprintf("%x", b)
	}
	return fmt.Sprint(v.v)
}
