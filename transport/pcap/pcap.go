// Package pcap stores intercepted packet events in pcap files so that they
// can be inspected with standard tools and replayed through the pipeline.
package pcap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/am6737/packetguard/api"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// LinkType is the user-defined DLT the records are written with.
const LinkType = layers.LinkType(147)

const snapLen = 1 << 21

// recordHeader is dir(1) + typeId(4) + connId length(2).
const recordHeader = 7

var ErrLinkType = errors.New("unexpected pcap link type")

// Record is one packet event.
type Record struct {
	Time         time.Time
	Direction    api.Direction
	TypeID       api.TypeID
	ConnectionID api.ConnectionID
	Data         []byte
}

// Writer appends records to a pcap stream.
type Writer struct {
	w *pcapgo.Writer
}

// NewWriter writes the file header and returns a Writer.
func NewWriter(w io.Writer) (*Writer, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, LinkType); err != nil {
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	return &Writer{w: pw}, nil
}

func (w *Writer) Write(r Record) error {
	data, err := encode(r)
	if err != nil {
		return err
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     r.Time,
		CaptureLength: len(data),
		Length:        len(data),
	}
	return w.w.WritePacket(ci, data)
}

// Write writes a complete pcap stream holding records.
func Write(w io.Writer, records []Record) error {
	pw, err := NewWriter(w)
	if err != nil {
		return err
	}
	for i, r := range records {
		if err := pw.Write(r); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}
	return nil
}

// Read parses every record of a pcap stream produced by Write.
func Read(r io.Reader) ([]Record, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read pcap header: %w", err)
	}
	if pr.LinkType() != LinkType {
		return nil, fmt.Errorf("%w: %d", ErrLinkType, pr.LinkType())
	}

	var out []Record
	for {
		data, ci, err := pr.ReadPacketData()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("record %d: %w", len(out), err)
		}
		rec, err := decode(data)
		if err != nil {
			return out, fmt.Errorf("record %d: %w", len(out), err)
		}
		rec.Time = ci.Timestamp
		out = append(out, rec)
	}
}

func encode(r Record) ([]byte, error) {
	if len(r.ConnectionID) > math.MaxUint16 {
		return nil, fmt.Errorf("connection id too long: %d bytes", len(r.ConnectionID))
	}
	b := make([]byte, 0, recordHeader+len(r.ConnectionID)+len(r.Data))
	b = append(b, byte(r.Direction))
	b = binary.BigEndian.AppendUint32(b, uint32(r.TypeID))
	b = binary.BigEndian.AppendUint16(b, uint16(len(r.ConnectionID)))
	b = append(b, r.ConnectionID...)
	b = append(b, r.Data...)
	return b, nil
}

func decode(b []byte) (Record, error) {
	if len(b) < recordHeader {
		return Record{}, io.ErrUnexpectedEOF
	}
	n := int(binary.BigEndian.Uint16(b[5:7]))
	if len(b) < recordHeader+n {
		return Record{}, io.ErrUnexpectedEOF
	}
	// an empty payload decodes to an empty, non-nil slice
	payload := b[recordHeader+n:]
	data := make([]byte, len(payload))
	copy(data, payload)
	return Record{
		Direction:    api.Direction(b[0]),
		TypeID:       api.TypeID(int32(binary.BigEndian.Uint32(b[1:5]))),
		ConnectionID: api.ConnectionID(b[recordHeader : recordHeader+n]),
		Data:         data,
	}, nil
}
