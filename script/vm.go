package script

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/am6737/packetguard/api"
	"github.com/am6737/packetguard/transport/packet"
	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"
)

// prelude defines the verdict helpers. Everything reachable from the global
// object is frozen afterwards so one execution cannot leave state behind
// for the next one on the same runtime.
const prelude = `"use strict";
var allow = function () { return { action: "allow" }; };
var drop = function (reason) {
	return { action: "drop", reason: reason === undefined ? "" : String(reason) };
};
var patch = function (offset, data) { return { offset: offset, data: data }; };
var replace = function (data) { return { offset: 0, data: data, truncate: true }; };
var set = function (field, value) { return { field: field, value: value }; };
var modify = function () {
	return { action: "modify", patches: Array.prototype.slice.call(arguments) };
};
(function (g) {
	var seen = new Set();
	var deepFreeze = function (o) {
		if (o === null || (typeof o !== "object" && typeof o !== "function") || seen.has(o)) {
			return;
		}
		seen.add(o);
		Reflect.ownKeys(o).forEach(function (k) {
			var d = Object.getOwnPropertyDescriptor(o, k);
			if (!d) {
				return;
			}
			deepFreeze(d.value);
			deepFreeze(d.get);
			deepFreeze(d.set);
		});
		deepFreeze(Object.getPrototypeOf(o));
		Object.freeze(o);
	};
	// intrinsics with no path from the global object
	var roots = [g];
	[
		function () { return [][Symbol.iterator](); },
		function () { return ""[Symbol.iterator](); },
		function () { return new Map()[Symbol.iterator](); },
		function () { return new Set()[Symbol.iterator](); },
		function () { return "".matchAll(/x/g); },
		function () { return new Function("return function* () {}")(); },
		function () { return new Function("return async function () {}")(); },
		function () { return new Function("return async function* () {}")(); },
	].forEach(function (f) {
		try {
			roots.push(f());
		} catch (e) {}
	});
	roots.forEach(deepFreeze);
})(globalThis);
`

// vm is one isolated interpreter context.
type vm struct {
	rt     *goja.Runtime
	freeze goja.Callable
	logger *logrus.Entry
	ruleID string

	// 已实例化的过滤函数
	fns map[*Program]goja.Callable
}

func newVM(logger *logrus.Entry) (*vm, error) {
	v := &vm{
		rt:     goja.New(),
		logger: logger,
		fns:    make(map[*Program]goja.Callable),
	}

	console := v.rt.NewObject()
	_ = console.Set("log", v.consoleFunc(logrus.InfoLevel))
	_ = console.Set("info", v.consoleFunc(logrus.InfoLevel))
	_ = console.Set("warn", v.consoleFunc(logrus.WarnLevel))
	_ = console.Set("error", v.consoleFunc(logrus.ErrorLevel))
	if err := v.rt.Set("console", console); err != nil {
		return nil, err
	}

	if _, err := v.rt.RunString(prelude); err != nil {
		return nil, fmt.Errorf("script prelude: %w", err)
	}

	freeze, ok := goja.AssertFunction(v.rt.Get("Object").ToObject(v.rt).Get("freeze"))
	if !ok {
		return nil, errors.New("script prelude: Object.freeze unavailable")
	}
	v.freeze = freeze
	return v, nil
}

func (v *vm) consoleFunc(level logrus.Level) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = a.String()
		}
		v.logger.WithField("rule", v.ruleID).Log(level, "[JS] "+strings.Join(parts, " "))
		return goja.Undefined()
	}
}

// packetObject builds the frozen per-execution `packet` argument.
func (v *vm) packetObject(view *packet.View, fields goja.Value) goja.Value {
	obj := v.rt.NewObject()
	_ = obj.Set("direction", view.Direction().String())
	_ = obj.Set("typeId", int64(view.TypeID()))
	_ = obj.Set("connectionId", string(view.ConnectionID()))
	_ = obj.Set("length", view.Len())
	_ = obj.Set("fields", fields)
	_ = obj.Set("byte", func(call goja.FunctionCall) goja.Value {
		b, ok := view.ByteAt(int(call.Argument(0).ToInteger()))
		if !ok {
			return goja.Undefined()
		}
		return v.rt.ToValue(int64(b))
	})
	_ = obj.Set("bytes", func(goja.FunctionCall) goja.Value {
		return v.bytesValue(view.Bytes())
	})
	_, _ = v.freeze(goja.Undefined(), obj)
	return obj
}

func (v *vm) bytesValue(b []byte) goja.Value {
	items := make([]interface{}, len(b))
	for i, c := range b {
		items[i] = int64(c)
	}
	return v.rt.NewArray(items...)
}

// fieldsObject exposes PacketView fields to scripts, read-only and lazily.
type fieldsObject struct {
	vm   *vm
	view *packet.View
	keys []string
}

var _ goja.DynamicObject = (*fieldsObject)(nil)

func (f *fieldsObject) known(key string) bool {
	for _, k := range f.keys {
		if k == key {
			return true
		}
	}
	return false
}

func (f *fieldsObject) Get(key string) goja.Value {
	if !f.known(key) {
		return nil
	}
	val, err := f.view.Field(key)
	if err != nil {
		panic(f.vm.rt.NewGoError(err))
	}
	if b, ok := val.Interface().([]byte); ok {
		return f.vm.bytesValue(b)
	}
	return f.vm.rt.ToValue(val.Interface())
}

func (f *fieldsObject) Set(string, goja.Value) bool { return false }
func (f *fieldsObject) Has(key string) bool         { return f.known(key) }
func (f *fieldsObject) Delete(string) bool          { return false }
func (f *fieldsObject) Keys() []string              { return f.keys }

// toVerdict converts the script's return value.
func (v *vm) toVerdict(res goja.Value, view *packet.View) (api.Verdict, error) {
	if res == nil || goja.IsUndefined(res) || goja.IsNull(res) {
		return api.Allow(), nil
	}

	switch x := res.Export().(type) {
	case bool:
		if x {
			return api.Allow(), nil
		}
		return api.Drop("filter returned false"), nil
	case int64:
		if x != 0 {
			return api.Allow(), nil
		}
		return api.Drop("filter returned 0"), nil
	case float64:
		if x != 0 {
			return api.Allow(), nil
		}
		return api.Drop("filter returned 0"), nil
	}

	obj, ok := res.(*goja.Object)
	if !ok {
		return api.Verdict{}, fmt.Errorf("unsupported filter result %q", res.String())
	}

	action := ""
	if a := obj.Get("action"); a != nil {
		action = a.String()
	}
	switch action {
	case "allow":
		return api.Allow(), nil
	case "drop":
		reason := ""
		if r := obj.Get("reason"); r != nil && !goja.IsUndefined(r) {
			reason = r.String()
		}
		return api.Drop(reason), nil
	case "modify":
		patches, err := v.toPatches(obj.Get("patches"), view)
		if err != nil {
			return api.Verdict{}, err
		}
		if len(patches) == 0 {
			return api.Allow(), nil
		}
		return api.Modify(patches...), nil
	}
	return api.Verdict{}, fmt.Errorf("unknown filter action %q", action)
}

func (v *vm) toPatches(val goja.Value, view *packet.View) ([]api.Patch, error) {
	items, err := v.arrayItems(val)
	if err != nil {
		return nil, fmt.Errorf("modify: %w", err)
	}

	var out []api.Patch
	for _, item := range items {
		obj, ok := item.(*goja.Object)
		if !ok {
			return nil, fmt.Errorf("modify: patch must be an object, got %q", item.String())
		}
		// modify([patch(...), patch(...)]) passes one array.
		if obj.ClassName() == "Array" {
			nested, err := v.toPatches(obj, view)
			if err != nil {
				return nil, err
			}
			out = append(out, nested...)
			continue
		}

		if field := obj.Get("field"); field != nil && !goja.IsUndefined(field) {
			value := exportScalar(v, obj.Get("value"))
			p, err := view.EncodeField(field.String(), value)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
			continue
		}

		data, err := v.toBytes(obj.Get("data"))
		if err != nil {
			return nil, fmt.Errorf("modify: %w", err)
		}
		p := api.Patch{Data: data}
		if off := obj.Get("offset"); off != nil {
			p.Offset = int(off.ToInteger())
		}
		if tr := obj.Get("truncate"); tr != nil {
			p.Truncate = tr.ToBoolean()
		}
		out = append(out, p)
	}
	return out, nil
}

// arrayItems reads an array-like value.
func (v *vm) arrayItems(val goja.Value) ([]goja.Value, error) {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, nil
	}
	obj, ok := val.(*goja.Object)
	if !ok {
		return nil, fmt.Errorf("expected array, got %q", val.String())
	}
	lv := obj.Get("length")
	if lv == nil {
		return nil, errors.New("expected array-like value")
	}
	n := int(lv.ToInteger())
	if n < 0 || n > packet.MaxPacketLen {
		return nil, fmt.Errorf("array length %d out of range", n)
	}
	out := make([]goja.Value, n)
	for i := 0; i < n; i++ {
		out[i] = obj.Get(strconv.Itoa(i))
	}
	return out, nil
}

// toBytes accepts strings, ArrayBuffers and arrays (or typed arrays) of byte values.
func (v *vm) toBytes(val goja.Value) ([]byte, error) {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, errors.New("missing patch data")
	}
	switch x := val.Export().(type) {
	case string:
		return []byte(x), nil
	case []byte:
		return append([]byte(nil), x...), nil
	case goja.ArrayBuffer:
		return append([]byte(nil), x.Bytes()...), nil
	}

	items, err := v.arrayItems(val)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(items))
	for i, item := range items {
		if item == nil {
			return nil, fmt.Errorf("byte %d is undefined", i)
		}
		n := item.ToInteger()
		if n < 0 || n > 255 {
			return nil, fmt.Errorf("byte %d out of range: %d", i, n)
		}
		out[i] = byte(n)
	}
	return out, nil
}

// exportScalar converts a script value into what packet.Layout expects.
func exportScalar(v *vm, val goja.Value) interface{} {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil
	}
	switch x := val.Export().(type) {
	case int64, float64, bool, string, []byte:
		return x
	case int:
		return int64(x)
	}
	if b, err := v.toBytes(val); err == nil {
		return b
	}
	return val.Export()
}
