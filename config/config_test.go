package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/am6737/packetguard/api"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const sample = `
engine:
  pool_size: 4
  max_wall_time: 15ms
  failure_policy: fail-open
layouts:
  - type_id: "0x0A"
    name: trade
    fields:
      - {name: item, kind: varint}
      - {name: amount, kind: i32}
      - {name: tag, kind: u8, offset: 0}
connections:
  rate_limits:
    - {types: "0x0A,0x0B", per_second: 20, burst: 5}
rules_file: rules.yaml
rules:
  - id: inline
    applies_to: all
    priority: monitor
    source: return true;
`

const rulesFile = `
rules:
  - id: big-trade
    applies_to: "0x0A"
    priority: 1
    source: |
      if (fields.amount > 1000) return drop("amount");
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.yaml"), sample)
	writeFile(t, filepath.Join(dir, "rules.yaml"), rulesFile)

	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Engine.PoolSize)
	assert.Equal(t, 15*time.Millisecond, cfg.Engine.MaxWallTime)
	assert.Equal(t, 256, cfg.Engine.MaxCallDepth, "defaults survive partial config")
	assert.Equal(t, api.FailOpen, cfg.FailurePolicy())
	assert.Equal(t, 4, cfg.ScriptConfig().Pool.Size)

	schema, err := cfg.Schema()
	require.NoError(t, err)
	assert.Equal(t, []string{"item", "amount", "tag"}, schema.Fields(0x0A))

	hc, err := cfg.HostConfig()
	require.NoError(t, err)
	assert.Len(t, hc.Limits, 2)
	assert.Equal(t, 5, hc.Limits[0x0B].Burst)

	defs, err := cfg.LoadRules()
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "inline", defs[0].ID)
	assert.Equal(t, "big-trade", defs[1].ID)
	assert.Equal(t, filepath.Join(dir, "rules.yaml"), cfg.RulesPath())
}

func TestLoadInvalid(t *testing.T) {
	dir := t.TempDir()
	tests := []string{
		"engine: {failure_policy: maybe}",
		"layouts: [{type_id: all, fields: []}]",
		"layouts: [{type_id: '1', fields: [{name: a, kind: quad}]}]",
		"connections: {rate_limits: [{types: all, per_second: 1}]}",
		"relay: {enabled: true, upstream: ''}",
		"persistence: {enabled: true, type: postgres}",
	}
	for i, content := range tests {
		path := filepath.Join(dir, "bad.yaml")
		writeFile(t, path, content)
		_, err := Load(path)
		assert.Error(t, err, "case %d: %s", i, content)
	}
}

func TestParseRules(t *testing.T) {
	list, err := ParseRules([]byte(`[{"id": "a", "applies_to": "1", "source": "return true;"}]`))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].ID)

	doc, err := ParseRules([]byte(rulesFile))
	require.NoError(t, err)
	require.Len(t, doc, 1)

	_, err = ParseRules([]byte("rules: 5"))
	assert.Error(t, err)
	_, err = ParseRules([]byte("just text"))
	assert.Error(t, err)
}

func TestParseRulesEmpty(t *testing.T) {
	tests := []struct {
		name string
		data string
		// nil means "no rule set given", empty means "clear every rule"
		wantNil bool
	}{
		{name: "blank", data: "  \n", wantNil: true},
		{name: "null document", data: "null", wantNil: true},
		{name: "no rules key", data: "other: 1", wantNil: true},
		{name: "empty list", data: "[]"},
		{name: "empty rules key", data: `{"rules": []}`},
		{name: "null rules key", data: "rules:\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRules([]byte(tt.data))
			require.NoError(t, err)
			assert.Empty(t, got)
			if tt.wantNil {
				assert.Nil(t, got)
			} else {
				assert.NotNil(t, got)
			}
		})
	}
}

func TestTemplateRoundTrip(t *testing.T) {
	out, err := yaml.Marshal(GenerateConfigTemplate())
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, string(out))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, api.FailClosed, cfg.FailurePolicy())
}

func TestWatcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	writeFile(t, path, rulesFile)

	var calls atomic.Int32
	w := NewWatcher(logrus.New(), path, WatcherConfig{Debounce: 20 * time.Millisecond}, func() {
		calls.Add(1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	started := make(chan error, 1)
	go func() { started <- w.Start(ctx) }()

	// fsnotify needs the watch in place before the write
	time.Sleep(100 * time.Millisecond)
	writeFile(t, filepath.Join(dir, "other.yaml"), "x")
	writeFile(t, path, rulesFile+"\n")
	writeFile(t, path, rulesFile+"\n\n")

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "writes are debounced")

	cancel()
	assert.NoError(t, <-started)
}
