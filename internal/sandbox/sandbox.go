// Package sandbox assembles the constrained JavaScript environment a
// worker executes one script in. Scripts see the database proxy, a
// console that records output events, and the engine's own JSON, Math
// and Date facilities. Nothing else.
//
// Security:
//   - eval and the Function constructor are disabled
//   - no module loader, process object, filesystem or network surface
//   - call stack depth is bounded
//   - the VM is interrupted when the script budget is exhausted
package sandbox

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja/parser"

	"github.com/jkaninda/scriptbox/internal/domain"
)

const defaultMaxCallStack = 500

// wrapHeader and wrapFooter embed the script as an async function body
// so top-level return and await are legal and the produced value can be
// observed as the settled result.
const (
	wrapHeader = "(async () => {\n"
	wrapFooter = "\n})();"
)

// WrapLineOffset is the number of wrapper lines before user line 1.
const WrapLineOffset = 1

// Wrap embeds (possibly transformed) source in the execution wrapper.
// The validator parses exactly this form so reported positions match.
func Wrap(source string) string {
	return wrapHeader + source + wrapFooter
}

// denySnippet replaces the function constructors reachable from script
// code so dynamic code evaluation fails even via constructor chains.
const denySnippet = `(() => {
	const deny = function () { throw new TypeError("dynamic code evaluation is disabled"); };
	for (const probe of [function () {}, async function () {}, function* () {}]) {
		const proto = Object.getPrototypeOf(probe);
		Object.defineProperty(proto, "constructor", { value: deny, writable: false, configurable: false });
	}
	globalThis.Function = deny;
})();`

// Binding attaches host functionality to the script namespace under a
// primary name plus optional aliases. The database proxies implement it.
type Binding interface {
	Name() string
	Aliases() []string
	Attach(vm *goja.Runtime) (goja.Value, error)
}

// Options configure a Runtime.
type Options struct {
	Timeout      time.Duration // Interrupt budget. Zero = domain default.
	MaxCallStack int           // Zero = 500.
	Logger       *slog.Logger
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return domain.DefaultTimeout
	}
	return o.Timeout
}

func (o Options) maxCallStack() int {
	if o.MaxCallStack <= 0 {
		return defaultMaxCallStack
	}
	return o.MaxCallStack
}

// ScriptError is the classified outcome of a failed run. Kind maps
// directly onto the result failure taxonomy.
type ScriptError struct {
	Kind    domain.FailureKind
	Message string
	Line    int
	Column  int
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Runtime is a single-use script environment. One Runtime runs one
// script; workers are disposable so nothing is ever reset or reused.
type Runtime struct {
	vm     *goja.Runtime
	opts   Options
	logger *slog.Logger
}

// New builds the constrained VM: bounded stack, disabled dynamic code,
// console bridge, and the supplied bindings under their names.
func New(events *domain.EventStream, bindings []Binding, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	vm := goja.New()
	vm.SetMaxCallStackSize(opts.maxCallStack())

	if err := vm.Set("eval", goja.Undefined()); err != nil {
		return nil, fmt.Errorf("disable eval: %w", err)
	}
	if _, err := vm.RunString(denySnippet); err != nil {
		return nil, fmt.Errorf("disable function constructor: %w", err)
	}
	if err := vm.Set("console", newConsole(vm, events)); err != nil {
		return nil, fmt.Errorf("bind console: %w", err)
	}

	for _, b := range bindings {
		val, err := b.Attach(vm)
		if err != nil {
			return nil, fmt.Errorf("bind %s: %w", b.Name(), err)
		}
		if err := vm.Set(b.Name(), val); err != nil {
			return nil, fmt.Errorf("bind %s: %w", b.Name(), err)
		}
		for _, alias := range b.Aliases() {
			if err := vm.Set(alias, val); err != nil {
				return nil, fmt.Errorf("bind %s: %w", alias, err)
			}
		}
	}

	return &Runtime{vm: vm, opts: opts, logger: logger}, nil
}

// Execute runs the script to settlement and returns its produced value.
// The entrypoint transform is applied first, then the async wrapper.
// A non-nil ScriptError carries the classified failure.
func (r *Runtime) Execute(source string) (any, *ScriptError) {
	wrapped := Wrap(Transform(source))

	prog, err := goja.Compile("script.js", wrapped, false)
	if err != nil {
		return nil, classifySyntax(wrapped, err)
	}

	timeout := r.opts.timeout()
	r.logger.Debug("executing script",
		slog.Int("source_bytes", len(source)),
		slog.Duration("timeout", timeout),
	)
	timer := time.AfterFunc(timeout, func() {
		r.vm.Interrupt(fmt.Sprintf("script execution timed out after %dms", timeout.Milliseconds()))
	})
	defer timer.Stop()
	defer r.vm.ClearInterrupt()

	value, err := r.vm.RunProgram(prog)
	if err != nil {
		return nil, classifyRun(err, timeout)
	}

	// The wrapper evaluates to a promise; the job queue has drained by
	// the time RunProgram returns, so the state is final.
	if p, ok := value.Export().(*goja.Promise); ok {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			return sanitizeValue(p.Result().Export()), nil
		case goja.PromiseStateRejected:
			return nil, &ScriptError{Kind: domain.FailureRuntime, Message: thrownMessage(p.Result())}
		default:
			return nil, &ScriptError{
				Kind:    domain.FailureRuntime,
				Message: "script did not settle; a promise is still pending",
			}
		}
	}
	return sanitizeValue(value.Export()), nil
}

// classifyRun maps an engine error onto the failure taxonomy.
func classifyRun(err error, timeout time.Duration) *ScriptError {
	switch e := err.(type) {
	case *goja.InterruptedError:
		return &ScriptError{
			Kind:    domain.FailureTimeout,
			Message: fmt.Sprintf("script execution timed out after %dms", timeout.Milliseconds()),
		}
	case *goja.StackOverflowError:
		return &ScriptError{Kind: domain.FailureRuntime, Message: "maximum call stack size exceeded"}
	case *goja.Exception:
		return &ScriptError{Kind: domain.FailureRuntime, Message: thrownMessage(e.Value())}
	default:
		return &ScriptError{Kind: domain.FailureRuntime, Message: err.Error()}
	}
}

// classifySyntax reports a compile failure with a user-relative
// position. Validation runs before spawn, so this path is rare.
func classifySyntax(wrapped string, compileErr error) *ScriptError {
	scriptErr := &ScriptError{Kind: domain.FailureSyntax, Message: compileErr.Error()}
	if _, err := parser.ParseFile(nil, "script.js", wrapped, 0); err != nil {
		if list, ok := err.(parser.ErrorList); ok && len(list) > 0 {
			first := list[0]
			scriptErr.Message = first.Message
			scriptErr.Line = first.Position.Line - WrapLineOffset
			scriptErr.Column = first.Position.Column
			if scriptErr.Line < 1 {
				scriptErr.Line = 1
			}
		}
	}
	return scriptErr
}

// thrownMessage extracts the script-visible message from a thrown value,
// without engine stack frames. Error names other than the plain Error
// and the host-call wrapper are kept as a prefix.
func thrownMessage(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "unknown error"
	}
	if obj, ok := v.(*goja.Object); ok {
		if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) {
			msg := m.String()
			if n := obj.Get("name"); n != nil && !goja.IsUndefined(n) {
				if name := n.String(); name != "" && name != "Error" && name != "GoError" {
					return name + ": " + msg
				}
			}
			return msg
		}
	}
	return v.String()
}

// sanitizeValue keeps the produced value JSON-serializable for the
// result message, falling back to its string form.
func sanitizeValue(v any) any {
	if v == nil {
		return nil
	}
	if _, err := json.Marshal(v); err != nil {
		return fmt.Sprint(v)
	}
	return v
}

// IsListShaped reports whether a produced value is a row or document
// list, used to attach a bounded data preview to the event stream.
func IsListShaped(v any) ([]map[string]any, bool) {
	items, ok := v.([]any)
	if !ok || len(items) == 0 {
		return nil, false
	}
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, false
		}
		out = append(out, m)
	}
	return out, true
}
