package script

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/am6737/packetguard/api"
	"github.com/am6737/packetguard/transport/packet"
	"github.com/dop251/goja"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// maxCachedFunctions bounds the per-runtime function cache; it is reset
// when exceeded, usually after several reloads.
const maxCachedFunctions = 1024

// watchdogGrace is how long past MaxWallTime Execute waits for a runtime
// that has not yet observed its interrupt.
const watchdogGrace = 25 * time.Millisecond

// Budget is the resource ceiling of one filter execution.
type Budget struct {
	// MaxWallTime is enforced by a watchdog that interrupts the runtime.
	MaxWallTime time.Duration
	// MaxCallDepth caps the script call stack.
	MaxCallDepth int
}

func DefaultBudget() Budget {
	return Budget{
		MaxWallTime:  20 * time.Millisecond,
		MaxCallDepth: 256,
	}
}

func (b Budget) orDefault(d Budget) Budget {
	if b.MaxWallTime <= 0 {
		b.MaxWallTime = d.MaxWallTime
	}
	if b.MaxCallDepth <= 0 {
		b.MaxCallDepth = d.MaxCallDepth
	}
	return b
}

type Config struct {
	Pool   PoolConfig
	Budget Budget
}

func DefaultConfig() Config {
	return Config{
		Pool:   DefaultPoolConfig(),
		Budget: DefaultBudget(),
	}
}

// Program is a compiled filter, reusable across runtimes.
type Program struct {
	RuleID string
	// Hash is the hex blake2b-256 digest of the filter source.
	Hash string
	prog *goja.Program
}

func (p *Program) String() string {
	if len(p.Hash) > 12 {
		return p.RuleID + "@" + p.Hash[:12]
	}
	return p.RuleID + "@" + p.Hash
}

// Engine compiles and executes filter scripts.
type Engine struct {
	logger *logrus.Entry
	pool   *Pool
	budget Budget

	mu    sync.Mutex
	cache map[string]*Program

	compiled  metrics.Counter
	timeouts  metrics.Counter
	errors    metrics.Counter
	abandoned metrics.Counter
	execute   metrics.Timer
}

func NewEngine(config Config, logger *logrus.Logger, registry metrics.Registry) *Engine {
	if registry == nil {
		registry = metrics.DefaultRegistry
	}
	entry := logger.WithField("component", "script")
	e := &Engine{
		logger:    entry,
		budget:    config.Budget.orDefault(DefaultBudget()),
		cache:     make(map[string]*Program),
		compiled:  metrics.GetOrRegisterCounter("script.compiled", registry),
		timeouts:  metrics.GetOrRegisterCounter("script.timeouts", registry),
		errors:    metrics.GetOrRegisterCounter("script.errors", registry),
		abandoned: metrics.GetOrRegisterCounter("script.abandoned", registry),
		execute:   metrics.GetOrRegisterTimer("script.execute", registry),
	}
	e.pool = newPool(config.Pool, func() (*vm, error) { return newVM(entry) }, registry)
	return e
}

func (e *Engine) Pool() *Pool { return e.pool }

func (e *Engine) Budget() Budget { return e.budget }

// Compile turns a filter body into a Program. The body runs as a strict
// function of (packet, fields). Unchanged sources hit the cache.
func (e *Engine) Compile(ruleID, source string) (*Program, error) {
	sum := blake2b.Sum256([]byte(source))
	hash := hex.EncodeToString(sum[:])

	e.mu.Lock()
	if p, ok := e.cache[ruleID]; ok && p.Hash == hash {
		e.mu.Unlock()
		return p, nil
	}
	e.mu.Unlock()

	wrapped := "(function (packet, fields) {\n" + source + "\n})"
	prog, err := goja.Compile(ruleID, wrapped, true)
	if err != nil {
		return nil, &api.CompileError{RuleID: ruleID, Err: err}
	}

	p := &Program{RuleID: ruleID, Hash: hash, prog: prog}
	e.mu.Lock()
	e.cache[ruleID] = p
	e.mu.Unlock()
	e.compiled.Inc(1)

	e.logger.WithFields(logrus.Fields{"rule": ruleID, "program": p.String()}).Debug("Compiled filter")
	return p, nil
}

// Prune drops cached programs of rules not in keep.
func (e *Engine) Prune(keep map[string]struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id := range e.cache {
		if _, ok := keep[id]; !ok {
			delete(e.cache, id)
		}
	}
}

// Cached reports whether a program for ruleID is cached.
func (e *Engine) Cached(ruleID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.cache[ruleID]
	return ok
}

// Execute runs p against view. It never panics and never returns a raw
// failure: every problem becomes an Error verdict.
func (e *Engine) Execute(ctx context.Context, p *Program, view *packet.View, budget Budget) (verdict api.Verdict) {
	start := time.Now()
	defer e.execute.UpdateSince(start)

	if p == nil || p.prog == nil {
		return api.Fail(&api.ScriptError{RuleID: ruleIDOf(p), Err: errors.New("program not compiled")})
	}
	budget = budget.orDefault(e.budget)

	v, err := e.pool.Acquire(ctx)
	if err != nil {
		e.errors.Inc(1)
		return api.Fail(fmt.Errorf("rule %s: %w", p.RuleID, err))
	}

	defer func() {
		if verdict.Kind == api.VerdictError {
			if errors.Is(verdict.Cause, api.ErrTimeout) {
				e.timeouts.Inc(1)
			}
			e.errors.Inc(1)
		}
	}()

	// Interrupt is only observed between instructions, so a long native
	// call (regexp backtracking, String.prototype.repeat) can outlive the
	// budget. The caller stops waiting at the hard deadline and the
	// runtime goes back to the pool, discarded, once the call unwinds.
	var abandoned atomic.Bool
	done := make(chan api.Verdict, 1)
	go func() {
		done <- e.run(ctx, v, p, view, budget, &abandoned)
	}()

	deadline := time.NewTimer(budget.MaxWallTime + watchdogGrace)
	defer deadline.Stop()

	select {
	case verdict = <-done:
		return verdict
	case <-deadline.C:
		// run's own watchdog has interrupted v already
		abandoned.Store(true)
		e.abandoned.Inc(1)
		return api.Fail(fmt.Errorf("rule %s: %w", p.RuleID, api.ErrTimeout))
	case <-ctx.Done():
		abandoned.Store(true)
		e.abandoned.Inc(1)
		return api.Fail(fmt.Errorf("rule %s: %w", p.RuleID, ctx.Err()))
	}
}

// run executes p on v and hands v back to the pool when it returns. It is
// the only goroutine touching v while it runs.
func (e *Engine) run(ctx context.Context, v *vm, p *Program, view *packet.View, budget Budget, abandoned *atomic.Bool) (verdict api.Verdict) {
	discard := false
	defer func() {
		v.ruleID = ""
		e.pool.Release(v, discard || abandoned.Load())
	}()

	defer func() {
		if r := recover(); r != nil {
			discard = true
			verdict = api.Fail(e.classify(p.RuleID, panicError(r)))
		}
	}()

	v.ruleID = p.RuleID
	v.rt.SetMaxCallStackSize(budget.MaxCallDepth)

	// 看门狗: 超时或 ctx 取消时强制中断运行时
	timer := time.AfterFunc(budget.MaxWallTime, func() { v.rt.Interrupt(api.ErrTimeout) })
	stop := context.AfterFunc(ctx, func() { v.rt.Interrupt(ctx.Err()) })
	defer func() {
		// 中断可能已经投递, 该运行时不能再复用
		if !timer.Stop() {
			discard = true
		}
		if !stop() {
			discard = true
		}
	}()

	fn, err := v.function(p)
	if err != nil {
		return api.Fail(e.classify(p.RuleID, err))
	}

	fields := v.rt.NewDynamicObject(&fieldsObject{vm: v, view: view, keys: view.Fields()})
	res, err := fn(goja.Undefined(), v.packetObject(view, fields), fields)
	if err != nil {
		return api.Fail(e.classify(p.RuleID, err))
	}

	verdict, err = v.toVerdict(res, view)
	if err != nil {
		return api.Fail(e.classify(p.RuleID, err))
	}
	return verdict
}

// classify maps a runtime failure onto the error taxonomy.
func (e *Engine) classify(ruleID string, err error) error {
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		if cause, ok := ie.Value().(error); ok {
			return fmt.Errorf("rule %s: %w", ruleID, cause)
		}
		return fmt.Errorf("rule %s: %w", ruleID, api.ErrTimeout)
	}

	var ex *goja.Exception
	if errors.As(err, &ex) {
		if goErr := goErrorOf(ex); goErr != nil {
			return &api.ScriptError{RuleID: ruleID, Err: goErr}
		}
		return &api.ScriptError{RuleID: ruleID, Err: errors.New(ex.Value().String())}
	}

	var de *api.DecodeError
	if errors.As(err, &de) {
		return &api.ScriptError{RuleID: ruleID, Err: de}
	}
	return &api.ScriptError{RuleID: ruleID, Err: err}
}

// function instantiates p in this runtime, once.
func (v *vm) function(p *Program) (goja.Callable, error) {
	if fn, ok := v.fns[p]; ok {
		return fn, nil
	}
	val, err := v.rt.RunProgram(p.prog)
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(val)
	if !ok {
		return nil, errors.New("filter did not evaluate to a function")
	}
	if len(v.fns) >= maxCachedFunctions {
		v.fns = make(map[*Program]goja.Callable)
	}
	v.fns[p] = fn
	return fn, nil
}

// goErrorOf extracts the Go error carried by a GoError exception.
func goErrorOf(ex *goja.Exception) error {
	obj, ok := ex.Value().(*goja.Object)
	if !ok {
		return nil
	}
	val := obj.Get("value")
	if val == nil {
		return nil
	}
	err, _ := val.Export().(error)
	return err
}

func panicError(r interface{}) error {
	switch x := r.(type) {
	case error:
		return x
	case goja.Value:
		return fmt.Errorf("uncaught %s", x.String())
	default:
		return fmt.Errorf("panic: %v", x)
	}
}

func ruleIDOf(p *Program) string {
	if p == nil {
		return ""
	}
	return p.RuleID
}
