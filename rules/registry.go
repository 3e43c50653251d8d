package rules

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/am6737/packetguard/api"
	"github.com/am6737/packetguard/api/interfaces"
	"github.com/am6737/packetguard/script"
	"github.com/sirupsen/logrus"
)

// Compiler is the part of the filter engine the registry needs.
type Compiler interface {
	Compile(ruleID, source string) (*script.Program, error)
	Prune(keep map[string]struct{})
}

var _ Compiler = (interfaces.FilterEngine)(nil)

// Registry publishes rule snapshots. Readers never block; reloads are
// serialized and a concurrent reload is rejected.
type Registry struct {
	logger   *logrus.Entry
	compiler Compiler

	current atomic.Pointer[Snapshot]
	reload  sync.Mutex
}

func NewRegistry(logger *logrus.Logger, compiler Compiler) *Registry {
	r := &Registry{
		logger:   logger.WithField("component", "rules"),
		compiler: compiler,
	}
	r.current.Store(newSnapshot(0, nil))
	return r
}

// Snapshot returns the active snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Lookup returns the active rules for t in evaluation order.
func (r *Registry) Lookup(t api.TypeID) []*Rule {
	return r.current.Load().Lookup(t)
}

// Reload compiles defs into a new snapshot and publishes it in one step.
// Rules that fail validation or compilation are left out and reported.
func (r *Registry) Reload(defs []Definition) (*api.ReloadReport, error) {
	if !r.reload.TryLock() {
		return nil, api.ErrReloadInProgress
	}
	defer r.reload.Unlock()

	version := r.current.Load().Version + 1
	report := &api.ReloadReport{
		Version:  version,
		Compiled: []string{},
		Disabled: []string{},
		Failed:   []api.RuleFailure{},
	}

	seen := make(map[string]struct{}, len(defs))
	keep := make(map[string]struct{}, len(defs))
	var compiled []*Rule

	for i := range defs {
		def := &defs[i]
		rule, err := r.build(def, seen)
		if err != nil {
			id := def.ID
			if id == "" {
				id = fmt.Sprintf("#%d", i)
			}
			report.Failed = append(report.Failed, api.RuleFailure{ID: id, Error: err.Error()})
			r.logger.WithError(err).WithField("rule", id).Warn("Rule excluded from snapshot")
			continue
		}
		if rule == nil {
			report.Disabled = append(report.Disabled, def.ID)
			continue
		}
		compiled = append(compiled, rule)
		keep[rule.ID] = struct{}{}
	}

	snap := newSnapshot(version, compiled)
	for _, rule := range snap.Rules() {
		report.Compiled = append(report.Compiled, rule.ID)
	}
	r.current.Store(snap)
	r.compiler.Prune(keep)

	r.logger.WithField("report", report.String()).Info("Rules reloaded")
	return report, nil
}

// build validates and compiles one definition. A nil rule with a nil
// error means the rule is disabled.
func (r *Registry) build(def *Definition, seen map[string]struct{}) (*Rule, error) {
	if def.ID == "" {
		return nil, errors.New("rule has no id")
	}
	if _, dup := seen[def.ID]; dup {
		return nil, fmt.Errorf("duplicate rule id %q", def.ID)
	}
	seen[def.ID] = struct{}{}

	if !def.IsEnabled() {
		return nil, nil
	}

	types, err := ParseTypeSet(def.AppliesTo)
	if err != nil {
		return nil, fmt.Errorf("applies_to: %w", err)
	}
	dir, err := api.ParseDirection(def.Direction)
	if err != nil {
		return nil, err
	}

	prog, err := r.compiler.Compile(def.ID, def.Source)
	if err != nil {
		return nil, err
	}
	return &Rule{
		ID:        def.ID,
		Types:     types,
		Priority:  def.Priority,
		Direction: dir,
		Program:   prog,
	}, nil
}
