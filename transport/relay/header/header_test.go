package header

import (
	"testing"

	"github.com/am6737/packetguard/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		name   string
		header Header
		wire   []byte
	}{
		{"plain", Header{Version: Version, TypeID: 0x0A}, []byte{0x10, 0, 0, 0x0A}},
		{"flags", Header{Version: Version, Flags: Compressed | Reliable, TypeID: 0x1234}, []byte{0x13, 0, 0x12, 0x34}},
		{"max type", Header{Version: Version, TypeID: 0xFFFF}, []byte{0x10, 0, 0xFF, 0xFF}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			b, err := test.header.Encode(make([]byte, Len))
			require.NoError(t, err)
			assert.Equal(t, test.wire, b)

			var h Header
			require.NoError(t, h.Decode(b))
			assert.Equal(t, test.header, h)
		})
	}
}

func TestEncodeRejectsWideType(t *testing.T) {
	_, err := (&Header{Version: Version, TypeID: 0x10000}).Encode(make([]byte, Len))
	assert.Error(t, err)
	_, err = Build(-1, 0, nil)
	assert.Error(t, err)
}

func TestDecodeErrors(t *testing.T) {
	var h Header
	assert.ErrorIs(t, h.Decode([]byte{0x10, 0}), ErrShort)
	assert.ErrorIs(t, h.Decode([]byte{0x20, 0, 0, 1}), ErrVersion)
}

func TestBuildSplit(t *testing.T) {
	frame, err := Build(0x0B, Reliable, []byte("hello"))
	require.NoError(t, err)
	assert.Len(t, frame, Len+5)

	h, body, err := Split(frame)
	require.NoError(t, err)
	assert.Equal(t, api.TypeID(0x0B), h.TypeID)
	assert.Equal(t, Reliable, h.Flags)
	assert.Equal(t, []byte("hello"), body)
	assert.Equal(t, "version=1 flags=reliable reserved=0x0 type=0xB", h.String())
}

func TestFlagsString(t *testing.T) {
	assert.Equal(t, "none", Flags(0).String())
	assert.Equal(t, "compressed|reliable", (Compressed | Reliable).String())
	assert.Equal(t, "compressed|0x8", (Compressed | 0x08).String())
}
