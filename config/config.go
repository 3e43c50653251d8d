package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/am6737/packetguard/api"
	"github.com/am6737/packetguard/audit"
	"github.com/am6737/packetguard/host"
	"github.com/am6737/packetguard/rules"
	"github.com/am6737/packetguard/script"
	"github.com/am6737/packetguard/transport/packet"
	"github.com/am6737/packetguard/transport/relay"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log         LogConfig          `yaml:"log"`
	Engine      EngineConfig       `yaml:"engine"`
	Layouts     []LayoutConfig     `yaml:"layouts"`
	Rules       []rules.Definition `yaml:"rules"`
	RulesFile   string             `yaml:"rules_file"`
	Connections ConnectionsConfig  `yaml:"connections"`
	Audit       AuditConfig        `yaml:"audit"`
	Persistence Persistence        `yaml:"persistence"`
	Admin       AdminConfig        `yaml:"admin"`
	Relay       RelayConfig        `yaml:"relay"`

	// dir 配置文件所在目录, 用于解析相对路径
	dir string
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EngineConfig 过滤脚本引擎配置
type EngineConfig struct {
	PoolSize       int           `yaml:"pool_size"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	MaxWallTime    time.Duration `yaml:"max_wall_time"`
	MaxCallDepth   int           `yaml:"max_call_depth"`
	// "fail-closed" (default) or "fail-open"
	FailurePolicy string `yaml:"failure_policy"`
}

type LayoutConfig struct {
	TypeID string        `yaml:"type_id"`
	Name   string        `yaml:"name"`
	Fields []FieldConfig `yaml:"fields"`
}

type FieldConfig struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
	// Offset is absolute; omitted means right after the previous field.
	Offset       *int `yaml:"offset,omitempty"`
	Length       int  `yaml:"length,omitempty"`
	LittleEndian bool `yaml:"little_endian,omitempty"`
}

type ConnectionsConfig struct {
	IdleTimeout   time.Duration     `yaml:"idle_timeout"`
	SweepInterval time.Duration     `yaml:"sweep_interval"`
	HistorySize   int               `yaml:"history_size"`
	RateLimits    []RateLimitConfig `yaml:"rate_limits"`
}

type RateLimitConfig struct {
	Types     string  `yaml:"types"`
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

type AuditConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Log            bool          `yaml:"log"`
	Webhook        string        `yaml:"webhook"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
	QueueSize      int           `yaml:"queue_size"`
	Workers        int           `yaml:"workers"`
}

type Persistence struct {
	Enabled    bool   `yaml:"enabled"`
	Url        string `yaml:"url"`
	Type       string `yaml:"type"`
	DB         string `yaml:"db"`
	Collection string `yaml:"collection"`
}

type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// RelayConfig 参考宿主: UDP 中继
type RelayConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Listen      ListenConfig  `yaml:"listen"`
	Upstream    string        `yaml:"upstream"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

type ListenConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	ReadBuffer  int    `yaml:"read_buffer"`
	WriteBuffer int    `yaml:"write_buffer"`
	MTU         int    `yaml:"mtu"`
	ReusePort   bool   `yaml:"reuse_port"`
	QueueSize   int    `yaml:"queue_size"`
}

func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	cfg := GenerateConfigTemplate()
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.dir = filepath.Dir(filename)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that can be checked without compiling rules.
func (c *Config) Validate() error {
	if _, err := api.ParseFailurePolicy(c.Engine.FailurePolicy); err != nil {
		return err
	}
	if _, err := c.Schema(); err != nil {
		return err
	}
	if _, err := c.HostConfig(); err != nil {
		return err
	}
	if c.Relay.Enabled && c.Relay.Upstream == "" {
		return errors.New("relay: upstream is required")
	}
	if c.Persistence.Enabled && c.Persistence.Type != "" && c.Persistence.Type != "mongo" && c.Persistence.Type != "mongodb" {
		return fmt.Errorf("persistence: unsupported type %q", c.Persistence.Type)
	}
	return nil
}

func (c *Config) FailurePolicy() api.FailurePolicy {
	p, _ := api.ParseFailurePolicy(c.Engine.FailurePolicy)
	return p
}

func (c *Config) ScriptConfig() script.Config {
	return script.Config{
		Pool: script.PoolConfig{
			Size:           c.Engine.PoolSize,
			AcquireTimeout: c.Engine.AcquireTimeout,
		},
		Budget: c.Budget(),
	}
}

func (c *Config) Budget() script.Budget {
	return script.Budget{
		MaxWallTime:  c.Engine.MaxWallTime,
		MaxCallDepth: c.Engine.MaxCallDepth,
	}
}

// Schema builds the field decoder from the configured layouts.
func (c *Config) Schema() (*packet.Schema, error) {
	layouts := make([]*packet.Layout, 0, len(c.Layouts))
	seen := map[api.TypeID]struct{}{}
	for i, lc := range c.Layouts {
		set, err := rules.ParseTypeSet(lc.TypeID)
		if err != nil || set.All() || len(set.IDs()) != 1 {
			return nil, fmt.Errorf("layout %d: invalid type_id %q", i, lc.TypeID)
		}
		t := set.IDs()[0]
		if _, dup := seen[t]; dup {
			return nil, fmt.Errorf("layout %d: duplicate type_id %s", i, t)
		}
		seen[t] = struct{}{}

		fields := make([]packet.Field, 0, len(lc.Fields))
		for _, fc := range lc.Fields {
			kind, err := packet.ParseKind(fc.Kind)
			if err != nil {
				return nil, fmt.Errorf("layout %s field %q: %w", t, fc.Name, err)
			}
			offset := -1
			if fc.Offset != nil {
				offset = *fc.Offset
			}
			fields = append(fields, packet.Field{
				Name:         fc.Name,
				Kind:         kind,
				Offset:       offset,
				Length:       fc.Length,
				LittleEndian: fc.LittleEndian,
			})
		}
		l, err := packet.NewLayout(t, lc.Name, fields)
		if err != nil {
			return nil, err
		}
		layouts = append(layouts, l)
	}
	return packet.NewSchema(layouts...), nil
}

func (c *Config) HostConfig() (host.Config, error) {
	hc := host.Config{
		IdleTimeout:   c.Connections.IdleTimeout,
		SweepInterval: c.Connections.SweepInterval,
		HistorySize:   c.Connections.HistorySize,
		Limits:        map[api.TypeID]host.Limit{},
	}
	for i, rl := range c.Connections.RateLimits {
		set, err := rules.ParseTypeSet(rl.Types)
		if err != nil {
			return hc, fmt.Errorf("rate limit %d: %w", i, err)
		}
		if set.All() {
			return hc, fmt.Errorf("rate limit %d: types must be explicit", i)
		}
		for _, t := range set.IDs() {
			hc.Limits[t] = host.Limit{PerSecond: rl.PerSecond, Burst: rl.Burst}
		}
	}
	return hc, nil
}

func (c *Config) AuditDispatcherConfig() audit.Config {
	return audit.Config{
		QueueSize:    c.Audit.QueueSize,
		Workers:      c.Audit.Workers,
		WriteTimeout: c.Audit.WebhookTimeout,
	}
}

func (c *Config) RelayConfig() relay.Config {
	return relay.Config{
		Host:        c.Relay.Listen.Host,
		Port:        c.Relay.Listen.Port,
		ReadBuffer:  c.Relay.Listen.ReadBuffer,
		WriteBuffer: c.Relay.Listen.WriteBuffer,
		MTU:         c.Relay.Listen.MTU,
		ReusePort:   c.Relay.Listen.ReusePort,
		QueueSize:   c.Relay.Listen.QueueSize,
		Upstream:    c.Relay.Upstream,
		IdleTimeout: c.Relay.IdleTimeout,
	}
}

// RulesPath returns the rules file path resolved against the config file.
func (c *Config) RulesPath() string {
	if c.RulesFile == "" || filepath.IsAbs(c.RulesFile) {
		return c.RulesFile
	}
	return filepath.Join(c.dir, c.RulesFile)
}

// LoadRules returns the inline rules followed by those of the rules file.
func (c *Config) LoadRules() ([]rules.Definition, error) {
	defs := append([]rules.Definition(nil), c.Rules...)
	if path := c.RulesPath(); path != "" {
		fromFile, err := LoadRulesFile(path)
		if err != nil {
			return nil, err
		}
		defs = append(defs, fromFile...)
	}
	return defs, nil
}

// LoadRulesFile reads a YAML (or JSON) rules file: either a bare list of
// rules or a document with a top-level "rules" key.
func LoadRulesFile(path string) ([]rules.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRules(data)
}

// ParseRules returns nil when data names no rules at all, and a non-nil
// (possibly empty) slice when it holds a list or a "rules" key.
func ParseRules(data []byte) ([]rules.Definition, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("invalid rules file: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, nil
	}

	node := root.Content[0]
	switch node.Kind {
	case yaml.SequenceNode:
		return decodeRules(node)
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			if node.Content[i].Value == "rules" {
				return decodeRules(node.Content[i+1])
			}
		}
		return nil, nil
	case yaml.ScalarNode:
		if node.ShortTag() == "!!null" {
			return nil, nil
		}
	}
	return nil, errors.New("invalid rules file: expected a list or a rules key")
}

func decodeRules(node *yaml.Node) ([]rules.Definition, error) {
	list := []rules.Definition{}
	if node.ShortTag() == "!!null" {
		return list, nil
	}
	if err := node.Decode(&list); err != nil {
		return nil, fmt.Errorf("invalid rules file: %w", err)
	}
	if list == nil {
		list = []rules.Definition{}
	}
	return list, nil
}

var (
	defaultLog = LogConfig{
		Level:  "info",
		Format: "text",
	}

	defaultEngine = EngineConfig{
		PoolSize:       8,
		AcquireTimeout: 50 * time.Millisecond,
		MaxWallTime:    20 * time.Millisecond,
		MaxCallDepth:   256,
		FailurePolicy:  api.FailClosed.String(),
	}

	defaultConnections = ConnectionsConfig{
		IdleTimeout:   5 * time.Minute,
		SweepInterval: 30 * time.Second,
		HistorySize:   256,
	}

	defaultAudit = AuditConfig{
		Enabled:        true,
		Log:            true,
		WebhookTimeout: 5 * time.Second,
		QueueSize:      4096,
		Workers:        2,
	}

	defaultPersistence = Persistence{
		Enabled:    false,
		Url:        "mongodb://127.0.0.1:27017",
		Type:       "mongo",
		DB:         "packetguard",
		Collection: "audit",
	}

	defaultAdmin = AdminConfig{
		Enabled: true,
		Listen:  "127.0.0.1:7780",
	}

	defaultRelay = RelayConfig{
		Enabled: false,
		Listen: ListenConfig{
			Host:        "0.0.0.0",
			Port:        7777,
			ReadBuffer:  10485760,
			WriteBuffer: 10485760,
			MTU:         1500,
			QueueSize:   256,
		},
		Upstream:    "127.0.0.1:7778",
		IdleTimeout: 2 * time.Minute,
	}
)

// GenerateConfigTemplate 生成通用配置模板
func GenerateConfigTemplate() Config {
	return Config{
		Log:         defaultLog,
		Engine:      defaultEngine,
		Connections: defaultConnections,
		Audit:       defaultAudit,
		Persistence: defaultPersistence,
		Admin:       defaultAdmin,
		Relay:       defaultRelay,
	}
}
