package rules

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/am6737/packetguard/api"
	"github.com/am6737/packetguard/script"
	"gopkg.in/yaml.v3"
)

// Priority orders rules; lower runs first.
type Priority int

const (
	PriorityLowest Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityHighest
	// PriorityMonitor runs last and is meant for rules that only observe.
	PriorityMonitor
)

var priorityNames = map[string]Priority{
	"lowest":  PriorityLowest,
	"low":     PriorityLow,
	"normal":  PriorityNormal,
	"high":    PriorityHigh,
	"highest": PriorityHighest,
	"monitor": PriorityMonitor,
}

func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if p, ok := priorityNames[s]; ok {
		return p, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid priority %q", s)
	}
	return Priority(n), nil
}

func (p *Priority) UnmarshalYAML(value *yaml.Node) error {
	v, err := ParsePriority(value.Value)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func (p *Priority) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		*p = Priority(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("invalid priority %s", b)
	}
	v, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Definition is one rule as written in configuration.
type Definition struct {
	ID        string   `yaml:"id" json:"id"`
	AppliesTo string   `yaml:"applies_to" json:"applies_to"`
	Priority  Priority `yaml:"priority" json:"priority"`
	// Direction is "inbound", "outbound" or empty for both.
	Direction string `yaml:"direction,omitempty" json:"direction,omitempty"`
	// Enabled defaults to true when omitted.
	Enabled *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Source  string `yaml:"source" json:"source"`
}

func (d *Definition) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// Rule is a compiled, immutable rule inside a snapshot.
type Rule struct {
	ID        string
	Types     TypeSet
	Priority  Priority
	Direction api.Direction
	Program   *script.Program
}

// Matches reports whether the rule runs for packets flowing in dir.
func (r *Rule) Matches(dir api.Direction) bool {
	return r.Direction == 0 || r.Direction == dir
}

func (r *Rule) String() string {
	return fmt.Sprintf("%s(priority=%d types=%s)", r.ID, r.Priority, r.Types)
}

func (r *Rule) MarshalJSON() ([]byte, error) {
	dir := ""
	if r.Direction != 0 {
		dir = r.Direction.String()
	}
	hash := ""
	if r.Program != nil {
		hash = r.Program.Hash
	}
	return json.Marshal(map[string]interface{}{
		"id":         r.ID,
		"applies_to": r.Types.String(),
		"priority":   int(r.Priority),
		"direction":  dir,
		"hash":       hash,
	})
}

// before is the evaluation order: ascending priority, then id.
func before(a, b *Rule) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.ID < b.ID
}

// Snapshot is one immutable, versioned rule set.
type Snapshot struct {
	Version uint64

	rules    []*Rule
	byType   map[api.TypeID][]*Rule
	wildcard []*Rule
}

func newSnapshot(version uint64, rs []*Rule) *Snapshot {
	sorted := append([]*Rule(nil), rs...)
	sort.Slice(sorted, func(i, j int) bool { return before(sorted[i], sorted[j]) })

	s := &Snapshot{
		Version: version,
		rules:   sorted,
		byType:  make(map[api.TypeID][]*Rule),
	}
	for _, r := range sorted {
		for _, t := range r.Types.IDs() {
			if _, ok := s.byType[t]; !ok {
				s.byType[t] = nil
			}
		}
	}
	// 通配规则合并进每个类型的列表, 查找时无需再排序
	for _, r := range sorted {
		if r.Types.All() {
			s.wildcard = append(s.wildcard, r)
			for t := range s.byType {
				s.byType[t] = append(s.byType[t], r)
			}
			continue
		}
		for _, t := range r.Types.IDs() {
			s.byType[t] = append(s.byType[t], r)
		}
	}
	return s
}

// Lookup returns the rules for t in evaluation order. The slice is shared
// and must not be modified.
func (s *Snapshot) Lookup(t api.TypeID) []*Rule {
	if rs, ok := s.byType[t]; ok {
		return rs
	}
	return s.wildcard
}

// Rules returns every rule of the snapshot in evaluation order.
func (s *Snapshot) Rules() []*Rule { return s.rules }

func (s *Snapshot) Len() int { return len(s.rules) }

func (s *Snapshot) Get(id string) (*Rule, bool) {
	for _, r := range s.rules {
		if r.ID == id {
			return r, true
		}
	}
	return nil, false
}
