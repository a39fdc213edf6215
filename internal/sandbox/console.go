package sandbox

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dop251/goja"

	"github.com/jkaninda/scriptbox/internal/domain"
)

// maxConsoleBytes caps a single console message so the event stream
// stays bounded no matter what the script prints.
const maxConsoleBytes = 8 * 1024

// newConsole builds the console object. log, info, warn and error
// append an event of the matching kind; arguments are joined with a
// space and objects are rendered as JSON.
func newConsole(vm *goja.Runtime, events *domain.EventStream) *goja.Object {
	obj := vm.NewObject()
	bind := func(name string, kind domain.EventKind) {
		_ = obj.Set(name, func(call goja.FunctionCall) goja.Value {
			events.Append(domain.OutputEvent{Kind: kind, Message: formatArgs(call.Arguments)})
			return goja.Undefined()
		})
	}
	bind("log", domain.EventLog)
	bind("info", domain.EventInfo)
	bind("warn", domain.EventWarn)
	bind("error", domain.EventError)
	return obj
}

// formatArgs renders console arguments the way scripts expect them to
// read: strings as-is, everything else through its JSON form.
func formatArgs(args []goja.Value) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, formatArg(arg))
	}
	msg := strings.Join(parts, " ")
	if len(msg) > maxConsoleBytes {
		msg = msg[:maxConsoleBytes] + "..."
	}
	return msg
}

func formatArg(arg goja.Value) string {
	if arg == nil || goja.IsUndefined(arg) {
		return "undefined"
	}
	if goja.IsNull(arg) {
		return "null"
	}
	exported := arg.Export()
	switch v := exported.(type) {
	case string:
		return v
	case map[string]any, []any:
		if data, err := json.Marshal(v); err == nil {
			return string(data)
		}
		return arg.String()
	case fmt.Stringer:
		return v.String()
	default:
		return arg.String()
	}
}
