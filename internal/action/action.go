// Package action implements the action dispatch and placeholder
// substitution layer of spec section 6.3: turning a matched rule's
// action declaration, plus the merged parameter set policyrun built,
// into either an in-process function call or an external command
// invocation.
//
// Grounded on the teacher's AsyncWebhookProcessor executor pattern
// (internal/infrastructure/notification) for the function-dispatch
// table idiom, and on os/exec usage elsewhere in the pack for
// ACTION_COMMAND.
package action

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Type distinguishes how an Action is executed.
type Type int

const (
	TypeUnset Type = iota
	TypeNone
	TypeFunction
	TypeCommand
)

// Func is an in-process action implementation, registered under a
// name and invoked with the merged, placeholder-substituted
// parameters (spec 6.3's ACTION_FUNCTION.call).
type Func func(ctx context.Context, entryID string, attrs map[string]any, params map[string]string) (post map[string]string, err error)

// Action is one rule's configured action.
type Action struct {
	Type       Type
	Name       string   // ACTION_FUNCTION: registry key
	Argv       []string // ACTION_COMMAND: template, pre-substitution
	ExternalFn bool     // true when a status-manager executor claims this action
}

// Context carries the values spec 6.3's placeholders resolve against.
type Context struct {
	Cfg       string
	FSName    string
	FSPath    string
	Rule      string
	FileClass string
	Path      string
	Name      string
	FID       string
	Output    string
	Attrs     map[string]string // flattened attribute name -> string value, including "<module>.<info>" keys
}

// placeholderValue resolves one {key} against ctx, falling back to
// Attrs for anything not a fixed field.
func (c Context) placeholderValue(key string) (string, bool) {
	switch key {
	case "cfg":
		return c.Cfg, true
	case "fsname":
		return c.FSName, true
	case "fspath":
		return c.FSPath, true
	case "rule":
		return c.Rule, true
	case "fileclass":
		return c.FileClass, true
	case "path":
		return c.Path, true
	case "name":
		return c.Name, true
	case "fid":
		return c.FID, true
	case "output":
		return c.Output, true
	default:
		v, ok := c.Attrs[key]
		return v, ok
	}
}

// Substitute expands every {placeholder} in value against ctx. In
// strict mode, a placeholder with no resolvable value is an error;
// otherwise it is left untouched.
func Substitute(value string, ctx Context, strict bool) (string, error) {
	var b strings.Builder
	i := 0
	for i < len(value) {
		open := strings.IndexByte(value[i:], '{')
		if open < 0 {
			b.WriteString(value[i:])
			break
		}
		b.WriteString(value[i : i+open])
		i += open
		close := strings.IndexByte(value[i:], '}')
		if close < 0 {
			if strict {
				return "", fmt.Errorf("action: unterminated placeholder in %q", value)
			}
			b.WriteString(value[i:])
			break
		}
		key := value[i+1 : i+close]
		resolved, ok := ctx.placeholderValue(key)
		if !ok {
			if strict {
				return "", fmt.Errorf("action: unresolved placeholder {%s}", key)
			}
			b.WriteString(value[i : i+close+1])
		} else {
			b.WriteString(resolved)
		}
		i += close + 1
	}
	return b.String(), nil
}

// SubstituteArgv expands every argument of an ACTION_COMMAND template.
// Resolved values are inserted verbatim: they are neither escaped nor
// shell-quoted. Each template argument still yields exactly one argv
// element, so a value containing spaces does not split into several
// arguments.
func SubstituteArgv(argv []string, ctx Context) ([]string, error) {
	out := make([]string, len(argv))
	for i, arg := range argv {
		v, err := Substitute(arg, ctx, true)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Registry holds named ACTION_FUNCTION implementations.
type Registry struct {
	funcs map[string]Func
}

// NewRegistry returns an empty function registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds or replaces the function dispatched under name.
func (r *Registry) Register(name string, fn Func) {
	r.funcs[name] = fn
}

// Dispatch executes a, resolving its parameters against ctx and
// running either the registered function or an external command.
// ACTION_UNSET/ACTION_NONE are no-ops and return nil.
func Dispatch(ctx context.Context, r *Registry, a Action, entryID string, attrs map[string]any, params map[string]string, actx Context) (map[string]string, error) {
	resolved := make(map[string]string, len(params))
	for k, v := range params {
		sv, err := Substitute(v, actx, true)
		if err != nil {
			return nil, fmt.Errorf("action: substitute param %s: %w", k, err)
		}
		resolved[k] = sv
	}

	switch a.Type {
	case TypeUnset, TypeNone:
		return nil, nil
	case TypeFunction:
		fn, ok := r.funcs[a.Name]
		if !ok {
			return nil, fmt.Errorf("action: no function registered for %q", a.Name)
		}
		return fn(ctx, entryID, attrs, resolved)
	case TypeCommand:
		argv, err := SubstituteArgv(a.Argv, actx)
		if err != nil {
			return nil, fmt.Errorf("action: substitute command argv: %w", err)
		}
		if len(argv) == 0 {
			return nil, fmt.Errorf("action: empty command argv")
		}
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		out, err := cmd.CombinedOutput()
		actx.Output = string(out)
		if err != nil {
			return nil, fmt.Errorf("action: command %q failed: %w (output: %s)", argv[0], err, out)
		}
		return map[string]string{"output": string(out)}, nil
	default:
		return nil, fmt.Errorf("action: unknown action type %d", a.Type)
	}
}

// MergeParams merges parameter maps in the spec's required order:
// policy defaults, trigger overrides, rule overrides, fileclass
// overrides — later maps win (spec 6.3 step 7).
func MergeParams(policyDefaults, triggerOverrides, ruleOverrides, fileclassOverrides map[string]string) map[string]string {
	merged := make(map[string]string)
	for _, layer := range []map[string]string{policyDefaults, triggerOverrides, ruleOverrides, fileclassOverrides} {
		for k, v := range layer {
			merged[k] = v
		}
	}
	return merged
}
