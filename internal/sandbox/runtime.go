package sandbox

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dop251/goja"
	"github.com/flemzord/codeclaw/internal/catalog"
)

// ToolPlaceholder is what stringifying a tool function yields.
const ToolPlaceholder = "function tool() { [native code] }"

// blockedGlobals are host capabilities a script might reach for. Each is
// defined as a throwing accessor so the script gets a descriptive error
// instead of a ReferenceError.
var blockedGlobals = []string{
	"fetch", "XMLHttpRequest", "WebSocket", "EventSource",
	"process", "require", "module", "exports", "Deno", "Bun",
	"setTimeout", "setInterval", "setImmediate", "clearTimeout", "clearInterval",
	"queueMicrotask", "importScripts", "Buffer", "Worker", "SharedArrayBuffer",
}

var (
	dynamicImportRe = regexp.MustCompile(`(^|[^.\w$])import\s*\(`)
	staticImportRe  = regexp.MustCompile(`(?m)^\s*import\s+[\w{*'"]`)
)

// CheckImports rejects static and dynamic module loading.
func CheckImports(code string) error {
	if dynamicImportRe.MatchString(code) || staticImportRe.MatchString(code) {
		return fmt.Errorf("%w: module loading is not available in the sandbox", ErrSandboxViolation)
	}
	return nil
}

// WrapScript turns the script body into an async function call so it can
// use top-level await and return a value.
func WrapScript(code string) string {
	return "(async () => {\n" + code + "\n})()"
}

// promiseFactory creates a pending promise and hands out its settle functions.
const promiseFactory = `(function () {
	let resolve, reject;
	const p = new Promise((a, b) => { resolve = a; reject = b; });
	return [p, resolve, reject];
})`

// helpers are resolved once per runtime before user code runs, so later
// tampering with JSON or Object by the script does not affect the host.
type helpers struct {
	newPromise goja.Callable
	stringify  goja.Callable
	parse      goja.Callable
	freeze     goja.Callable
}

func loadHelpers(vm *goja.Runtime) (helpers, error) {
	var h helpers
	factory, err := vm.RunString(promiseFactory)
	if err != nil {
		return h, err
	}
	var ok bool
	if h.newPromise, ok = goja.AssertFunction(factory); !ok {
		return h, fmt.Errorf("promise factory is not callable")
	}

	jsonObj := vm.Get("JSON").ToObject(vm)
	if h.stringify, ok = goja.AssertFunction(jsonObj.Get("stringify")); !ok {
		return h, fmt.Errorf("JSON.stringify is not callable")
	}
	if h.parse, ok = goja.AssertFunction(jsonObj.Get("parse")); !ok {
		return h, fmt.Errorf("JSON.parse is not callable")
	}
	if h.freeze, ok = goja.AssertFunction(vm.Get("Object").ToObject(vm).Get("freeze")); !ok {
		return h, fmt.Errorf("Object.freeze is not callable")
	}
	return h, nil
}

func (e *execution) blockCapabilities() error {
	global := e.vm.GlobalObject()
	for _, name := range blockedGlobals {
		msg := fmt.Sprintf("%s: %s is not available in the sandbox; only the tools object can be used", ErrSandboxViolation, name)
		getter := e.vm.ToValue(func(goja.FunctionCall) goja.Value {
			panic(e.vm.NewGoError(fmt.Errorf("%s", msg)))
		})
		if err := global.DefineAccessorProperty(name, getter, nil, goja.FLAG_FALSE, goja.FLAG_FALSE); err != nil {
			return fmt.Errorf("blocking %s: %w", name, err)
		}
	}
	return nil
}

func (e *execution) installConsole() error {
	console := e.vm.NewObject()
	for _, level := range []string{"log", "info", "debug", "warn", "error"} {
		prefix := ""
		if level == "warn" || level == "error" {
			prefix = "[" + level + "] "
		}
		fn := func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				parts = append(parts, e.format(arg))
			}
			e.appendLog(prefix + strings.Join(parts, " "))
			return goja.Undefined()
		}
		if err := console.Set(level, fn); err != nil {
			return err
		}
	}
	if _, err := e.helpers.freeze(goja.Undefined(), console); err != nil {
		return err
	}
	return e.vm.GlobalObject().DefineDataProperty("console", console, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE)
}

func (e *execution) format(v goja.Value) string {
	if goja.IsUndefined(v) {
		return "undefined"
	}
	if s, ok := v.Export().(string); ok {
		return s
	}
	out, err := e.helpers.stringify(goja.Undefined(), v)
	if err != nil || goja.IsUndefined(out) {
		return v.String()
	}
	return out.String()
}

func (e *execution) appendLog(line string) {
	if len(e.logs) >= e.r.cfg.MaxLogLines {
		e.logsDropped++
		return
	}
	if len(line) > maxLogLineBytes {
		line = line[:maxLogLineBytes] + "…"
	}
	e.logs = append(e.logs, e.r.cfg.Redactor.Redact(line))
}

// installTools materializes the dispatch table as a frozen object tree of
// stub functions on the global `tools`.
func (e *execution) installTools(tbl *catalog.Table) error {
	root := e.vm.NewObject()
	namespaces := map[string]*goja.Object{"": root}
	var order []*goja.Object

	for _, entry := range tbl.Entries() {
		parent := root
		for i := 0; i < len(entry.Segments)-1; i++ {
			key := strings.Join(entry.Segments[:i+1], ".")
			ns, ok := namespaces[key]
			if !ok {
				ns = e.vm.NewObject()
				if err := parent.Set(entry.Segments[i], ns); err != nil {
					return err
				}
				namespaces[key] = ns
				order = append(order, ns)
			}
			parent = ns
		}

		stub, err := e.stub(entry)
		if err != nil {
			return err
		}
		if err := parent.Set(entry.Segments[len(entry.Segments)-1], stub); err != nil {
			return err
		}
	}

	order = append(order, root)
	for _, obj := range order {
		if _, err := e.helpers.freeze(goja.Undefined(), obj); err != nil {
			return err
		}
	}
	return e.vm.GlobalObject().DefineDataProperty("tools", root, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE)
}

func (e *execution) stub(entry *catalog.Entry) (*goja.Object, error) {
	fn := e.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		return e.invoke(entry, call)
	}).ToObject(e.vm)

	placeholder := e.vm.ToValue(func(goja.FunctionCall) goja.Value {
		return e.vm.ToValue(ToolPlaceholder)
	})
	if err := fn.DefineDataProperty("toString", placeholder, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE); err != nil {
		return nil, err
	}
	if _, err := e.helpers.freeze(goja.Undefined(), fn); err != nil {
		return nil, err
	}
	return fn, nil
}

// errorText renders a thrown JS value the way a script author expects.
func errorText(vm *goja.Runtime, v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "script threw " + fmt.Sprint(v)
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return v.String()
	}
	msg := obj.Get("message")
	if msg == nil || goja.IsUndefined(msg) {
		return v.String()
	}
	name := "Error"
	if n := obj.Get("name"); n != nil && !goja.IsUndefined(n) {
		name = n.String()
	}
	if name == "GoError" {
		return msg.String()
	}
	return name + ": " + msg.String()
}
