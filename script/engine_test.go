package script

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/am6737/packetguard/api"
	"github.com/am6737/packetguard/transport/packet"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, config Config) *Engine {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return NewEngine(config, logger, metrics.NewRegistry())
}

func tradeView(t *testing.T, amount int32) *packet.View {
	t.Helper()
	l, err := packet.NewLayout(0x0A, "trade", []packet.Field{
		{Name: "amount", Kind: packet.KindI32},
		{Name: "item", Kind: packet.KindU16, Offset: -1},
	})
	require.NoError(t, err)
	raw := binary.BigEndian.AppendUint32(nil, uint32(amount))
	raw = binary.BigEndian.AppendUint16(raw, 7)
	return packet.Adapt(api.Inbound, 0x0A, raw, "conn-1", packet.NewSchema(l))
}

func run(t *testing.T, e *Engine, src string, view *packet.View) api.Verdict {
	t.Helper()
	p, err := e.Compile("test", src)
	require.NoError(t, err)
	return e.Execute(context.Background(), p, view, Budget{})
}

func TestExecuteVerdicts(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())

	tests := []struct {
		name     string
		src      string
		expected api.Verdict
	}{
		{"undefined allows", ``, api.Allow()},
		{"true allows", `return true;`, api.Allow()},
		{"false drops", `return false;`, api.Drop("filter returned false")},
		{"explicit allow", `return allow();`, api.Allow()},
		{"drop with reason", `return drop("too big");`, api.Drop("too big")},
		{"threshold", `return fields.amount > 1000 ? drop("amount") : allow();`, api.Drop("amount")},
		{"patch", `return modify(patch(1, [9, 8]));`, api.Modify(api.Patch{Offset: 1, Data: []byte{9, 8}})},
		{"patch list", `return modify([patch(0, [1]), patch(4, "a")]);`,
			api.Modify(api.Patch{Offset: 0, Data: []byte{1}}, api.Patch{Offset: 4, Data: []byte("a")})},
		{"replace", `return modify(replace([1, 2]));`, api.Modify(api.Patch{Data: []byte{1, 2}, Truncate: true})},
		{"set field", `return modify(set("amount", 10));`, api.Modify(api.Patch{Offset: 0, Data: []byte{0, 0, 0, 10}})},
		{"empty modify", `return modify();`, api.Allow()},
		{"packet api", `return packet.typeId === 10 && packet.direction === "inbound" &&
			packet.connectionId === "conn-1" && packet.length === 6 && packet.byte(5) === 7 &&
			packet.byte(6) === undefined && packet.bytes().length === 6;`, api.Allow()},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			v := run(t, e, test.src, tradeView(t, 5000))
			assert.Equal(t, test.expected, v)
		})
	}
}

func TestExecuteErrors(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())

	tests := []struct {
		name string
		src  string
	}{
		{"throw", `throw new Error("boom");`},
		{"reference error", `return notDefined + 1;`},
		{"bad action", `return { action: "explode" };`},
		{"bad patch byte", `return modify(patch(0, [256]));`},
		{"unsettable field", `return modify(set("missing", 1));`},
		{"string result", `return "yes";`},
		{"field write", `fields.amount = 1; return true;`},
		{"call depth", `var f = function (n) { return f(n + 1); }; return f(0);`},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			v := run(t, e, test.src, tradeView(t, 1))
			require.Equal(t, api.VerdictError, v.Kind, v.String())
			var se *api.ScriptError
			assert.True(t, errors.As(v.Cause, &se), "cause %v", v.Cause)
		})
	}
}

func TestCompile(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())

	_, err := e.Compile("broken", `return (;`)
	var ce *api.CompileError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "broken", ce.RuleID)
	assert.False(t, e.Cached("broken"))

	p1, err := e.Compile("a", `return true;`)
	require.NoError(t, err)
	p2, err := e.Compile("a", `return true;`)
	require.NoError(t, err)
	assert.Same(t, p1, p2)

	p3, err := e.Compile("a", `return false;`)
	require.NoError(t, err)
	assert.NotSame(t, p1, p3)
	assert.NotEqual(t, p1.Hash, p3.Hash)

	e.Prune(map[string]struct{}{})
	assert.False(t, e.Cached("a"))
}

func TestExecuteTimeout(t *testing.T) {
	config := DefaultConfig()
	config.Pool.Size = 1
	e := newTestEngine(t, config)

	p, err := e.Compile("loop", `while (true) {}`)
	require.NoError(t, err)

	budget := Budget{MaxWallTime: 30 * time.Millisecond}
	start := time.Now()
	v := e.Execute(context.Background(), p, tradeView(t, 1), budget)
	elapsed := time.Since(start)

	require.Equal(t, api.VerdictError, v.Kind)
	assert.ErrorIs(t, v.Cause, api.ErrTimeout)
	assert.Less(t, elapsed, budget.MaxWallTime+500*time.Millisecond)

	// the interrupted runtime is thrown away, the next event still runs
	assert.Equal(t, 0, e.Pool().Idle())
	v = run(t, e, `return drop();`, tradeView(t, 1))
	assert.Equal(t, api.VerdictDrop, v.Kind)
}

func TestExecuteNativeCallTimeout(t *testing.T) {
	config := DefaultConfig()
	config.Pool = PoolConfig{Size: 1, AcquireTimeout: 10 * time.Millisecond}
	e := newTestEngine(t, config)

	// catastrophic backtracking stays inside one native call
	p, err := e.Compile("redos", `return /^(a|aa)+(?=b)$/.test("a".repeat(34));`)
	require.NoError(t, err)

	budget := Budget{MaxWallTime: 20 * time.Millisecond}
	start := time.Now()
	v := e.Execute(context.Background(), p, tradeView(t, 1), budget)
	elapsed := time.Since(start)

	require.Equal(t, api.VerdictError, v.Kind)
	assert.ErrorIs(t, v.Cause, api.ErrTimeout)
	assert.Less(t, elapsed, budget.MaxWallTime+watchdogGrace+200*time.Millisecond)

	// the busy runtime still holds its slot and is never handed out
	v = run(t, e, `return true;`, tradeView(t, 1))
	require.Equal(t, api.VerdictError, v.Kind)
	assert.ErrorIs(t, v.Cause, api.ErrPoolExhausted)

	assert.Eventually(t, func() bool { return e.Pool().InUse() == 0 }, 30*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, e.Pool().Idle())

	v = run(t, e, `return true;`, tradeView(t, 1))
	assert.Equal(t, api.VerdictAllow, v.Kind)
}

func TestExecuteContextCancel(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	p, err := e.Compile("loop", `for (;;) {}`)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	v := e.Execute(ctx, p, tradeView(t, 1), Budget{MaxWallTime: 5 * time.Second})
	require.Equal(t, api.VerdictError, v.Kind)
	assert.ErrorIs(t, v.Cause, context.Canceled)
}

func TestExecutePoolExhausted(t *testing.T) {
	config := DefaultConfig()
	config.Pool = PoolConfig{Size: 1, AcquireTimeout: 10 * time.Millisecond}
	e := newTestEngine(t, config)

	held, err := e.Pool().Acquire(context.Background())
	require.NoError(t, err)

	v := run(t, e, `return true;`, tradeView(t, 1))
	require.Equal(t, api.VerdictError, v.Kind)
	assert.ErrorIs(t, v.Cause, api.ErrPoolExhausted)

	e.Pool().Release(held, false)
	v = run(t, e, `return true;`, tradeView(t, 1))
	assert.Equal(t, api.VerdictAllow, v.Kind)
}

func TestGlobalsAreFrozen(t *testing.T) {
	config := DefaultConfig()
	config.Pool.Size = 1
	e := newTestEngine(t, config)

	for _, src := range []string{
		`globalThis.leak = 1; return true;`,
		`allow = function () { return false; }; return true;`,
		`Array.prototype.leak = 1; return true;`,
		`Object.prototype.leak = 1; return true;`,
		`Object.getPrototypeOf(Uint8Array).prototype.leak = 1; return true;`,
		`Object.getPrototypeOf([][Symbol.iterator]()).leak = 1; return true;`,
		`Object.getPrototypeOf(Object.getPrototypeOf([][Symbol.iterator]())).leak = 1; return true;`,
		`Object.getPrototypeOf(new Map().entries()).next = null; return true;`,
		`Object.getOwnPropertyDescriptor(RegExp.prototype, "global").get.leak = 1; return true;`,
		`Object.getPrototypeOf(Symbol.prototype)[Symbol.toStringTag] = "x"; return true;`,
	} {
		v := run(t, e, src, tradeView(t, 1))
		assert.Equal(t, api.VerdictError, v.Kind, src)
	}

	v := run(t, e, `return typeof leak === "undefined" && [].leak === undefined && allow().action === "allow";`, tradeView(t, 1))
	assert.Equal(t, api.VerdictAllow, v.Kind)

	v = run(t, e, `
		var it = [][Symbol.iterator]();
		return new Uint8Array(1).leak === undefined &&
			it.leak === undefined &&
			Object.getPrototypeOf(it).leak === undefined &&
			new Map([[1, 2]]).entries().next().value[1] === 2 &&
			Object.getOwnPropertyDescriptor(RegExp.prototype, "global").get.leak === undefined;
	`, tradeView(t, 1))
	assert.Equal(t, api.VerdictAllow, v.Kind)
}

func TestDecodeError(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	short := packet.Adapt(api.Inbound, 0x0A, []byte{1}, "c", tradeView(t, 0).Decoder())

	v := run(t, e, `return fields.amount > 10;`, short)
	require.Equal(t, api.VerdictError, v.Kind)
	var de *api.DecodeError
	require.True(t, errors.As(v.Cause, &de), "cause %v", v.Cause)
	assert.Equal(t, "amount", de.Field)

	v = run(t, e, `try { return fields.amount > 10; } catch (e) { return drop("malformed"); }`, short)
	assert.Equal(t, api.Drop("malformed"), v)

	v = run(t, e, `return fields.unknown === undefined && !("unknown" in fields) && ("amount" in fields);`, short)
	assert.Equal(t, api.VerdictAllow, v.Kind)
}
