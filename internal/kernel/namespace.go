package kernel

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dop251/goja"
)

// Namespace is the persistent definition space that submitted code runs
// against. Globals created by one Run are visible to every later Run on the
// same Namespace.
type Namespace struct {
	vm  *goja.Runtime
	out io.Writer
}

// NewNamespace creates an empty namespace with console, print and the exit
// primitives installed.
func NewNamespace() *Namespace {
	n := &Namespace{
		vm:  goja.New(),
		out: io.Discard,
	}
	n.install()
	return n
}

// Run executes code with all console output directed to out. The writer is
// only attached for the duration of the call.
func (n *Namespace) Run(code string, out io.Writer) (goja.Value, error) {
	n.out = out
	defer func() {
		n.out = io.Discard
		n.vm.ClearInterrupt()
	}()
	return n.vm.RunString(code)
}

// Get returns the exported value of a global, or nil when it is undefined.
func (n *Namespace) Get(name string) any {
	v := n.vm.Get(name)
	if v == nil || goja.IsUndefined(v) {
		return nil
	}
	return v.Export()
}

func (n *Namespace) install() {
	console := n.vm.NewObject()
	for _, name := range []string{"log", "info", "debug"} {
		_ = console.Set(name, n.writeLine(""))
	}
	_ = console.Set("warn", n.writeLine("WARN: "))
	_ = console.Set("error", n.writeLine("ERROR: "))
	_ = n.vm.Set("console", console)
	_ = n.vm.Set("print", n.writeLine(""))

	_ = n.vm.Set("exit", n.exit)
	_ = n.vm.Set("quit", n.exit)
	process := n.vm.NewObject()
	_ = process.Set("exit", n.exit)
	_ = n.vm.Set("process", process)
}

func (n *Namespace) writeLine(prefix string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = formatValue(arg)
		}
		fmt.Fprintf(n.out, "%s%s\n", prefix, strings.Join(parts, " "))
		return goja.Undefined()
	}
}

// exit stops the running script without touching the host process. The
// interrupt is uncatchable from script code.
func (n *Namespace) exit(call goja.FunctionCall) goja.Value {
	code := int64(0)
	if arg := call.Argument(0); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
		code = arg.ToInteger()
	}
	n.vm.Interrupt(&ExitError{Code: code})
	return goja.Undefined()
}

func formatValue(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	switch exported := v.Export().(type) {
	case map[string]any, []any:
		if b, err := json.Marshal(exported); err == nil {
			return string(b)
		}
	}
	return v.String()
}
