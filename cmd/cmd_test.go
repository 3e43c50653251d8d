package cmd

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/am6737/packetguard/api"
	"github.com/am6737/packetguard/config"
	"github.com/am6737/packetguard/transport/pcap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
log:
  level: error
layouts:
  - type_id: "0x0A"
    name: trade
    fields:
      - name: amount
        kind: i32
rules:
  - id: cap
    applies_to: "0x0A"
    source: |
      if (fields.amount > 1000) return drop("amount");
  - id: double
    applies_to: "0x0A"
    priority: high
    source: return modify(set("amount", fields.amount * 2));
`

func runApp(t *testing.T, args ...string) (string, error) {
	var out bytes.Buffer
	writer := App.Writer
	App.Writer = &out
	defer func() { App.Writer = writer }()

	err := App.Run(append([]string{"packetguard"}, args...))
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestTemplateLoads(t *testing.T) {
	out, err := runApp(t, "template")
	require.NoError(t, err)

	path := writeFile(t, t.TempDir(), "config.yaml", out)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, api.FailClosed, cfg.FailurePolicy())
}

func TestCheck(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "good.yaml", testConfig)
	out, err := runApp(t, "check", "--config", good)
	require.NoError(t, err)
	assert.Contains(t, out, `"cap"`)
	assert.Contains(t, out, `"double"`)

	bad := writeFile(t, dir, "bad.yaml", testConfig+`
  - id: broken
    applies_to: all
    source: "return ("
`)
	out, err = runApp(t, "check", "--config", bad)
	assert.Error(t, err)
	assert.Contains(t, out, `"broken"`)
}

func amount(n int32) []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(n))
}

func TestReplay(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", testConfig)

	var capture bytes.Buffer
	now := time.Unix(1700000000, 0)
	require.NoError(t, pcap.Write(&capture, []pcap.Record{
		{Time: now, Direction: api.Inbound, TypeID: 0x0A, ConnectionID: "p1", Data: amount(5000)},
		{Time: now, Direction: api.Inbound, TypeID: 0x0A, ConnectionID: "p1", Data: amount(10)},
		{Time: now, Direction: api.Outbound, TypeID: 0x0B, ConnectionID: "p1", Data: []byte{1}},
	}))
	in := writeFile(t, dir, "in.pcap", capture.String())
	outPath := filepath.Join(dir, "out.pcap")

	out, err := runApp(t, "replay", "--config", cfgPath, "--pcap", in, "--out", outPath)
	require.NoError(t, err)
	assert.Contains(t, out, "dropped\trule=cap")
	assert.Contains(t, out, "packets=3 allowed=1 modified=1 dropped=1 failed=0")

	f, err := os.Open(outPath)
	require.NoError(t, err)
	defer f.Close()
	records, err := pcap.Read(f)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, amount(20), records[0].Data)
	assert.Equal(t, []byte{1}, records[1].Data)
}
