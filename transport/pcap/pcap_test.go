package pcap

import (
	"bytes"
	"testing"
	"time"

	"github.com/am6737/packetguard/api"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteRead(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 5000, time.UTC)
	records := []Record{
		{Time: now, Direction: api.Inbound, TypeID: 0x0A, ConnectionID: "127.0.0.1:5000", Data: []byte{1, 2, 3}},
		{Time: now.Add(time.Second), Direction: api.Outbound, TypeID: -1, ConnectionID: "", Data: []byte{}},
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, records))

	got, err := Read(&buf)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for i := range records {
		assert.True(t, records[i].Time.Equal(got[i].Time), "record %d time", i)
		assert.Equal(t, records[i].Direction, got[i].Direction)
		assert.Equal(t, records[i].TypeID, got[i].TypeID)
		assert.Equal(t, records[i].ConnectionID, got[i].ConnectionID)
		assert.Equal(t, records[i].Data, got[i].Data)
	}
	assert.NotNil(t, got[1].Data)
	assert.Empty(t, got[1].Data)
}

func TestReadRejectsOtherLinkTypes(t *testing.T) {
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65535, 1))

	_, err := Read(&buf)
	assert.ErrorIs(t, err, ErrLinkType)
}

func TestDecodeShortRecord(t *testing.T) {
	_, err := decode([]byte{1, 0, 0})
	assert.Error(t, err)
	_, err = decode([]byte{1, 0, 0, 0, 1, 0, 9, 'a'})
	assert.Error(t, err)
}
