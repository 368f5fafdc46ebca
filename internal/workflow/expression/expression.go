// Package expression resolves the template scope used throughout the
// Workflow Orchestrator (spec.md §4.8): `{{ expr }}` placeholders evaluated
// with expr-lang, plus a legacy `$a.b.c` dotted form kept for
// backward-compatible workflow definitions.
package expression

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/apphub/orchestrator-core/internal/coreerrors"
)

var placeholderPattern = regexp.MustCompile(`\{\{(.*?)\}\}`)
var legacyPattern = regexp.MustCompile(`\$[a-zA-Z_][a-zA-Z0-9_.]*`)

// Resolver evaluates {{expr}}/$a.b.c placeholders against a scope, caching
// compiled programs the way the teacher's Evaluator does.
type Resolver struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New constructs a Resolver.
func New() *Resolver {
	return &Resolver{cache: make(map[string]*vm.Program)}
}

func (r *Resolver) compile(expression string) (*vm.Program, error) {
	r.mu.RLock()
	if p, ok := r.cache[expression]; ok {
		r.mu.RUnlock()
		return p, nil
	}
	r.mu.RUnlock()

	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[expression] = program
	r.mu.Unlock()
	return program, nil
}

func (r *Resolver) eval(expression string, scope map[string]any) (any, error) {
	program, err := r.compile(expression)
	if err != nil {
		return nil, &coreerrors.ValidationError{
			Field:   "expression",
			Message: fmt.Sprintf("failed to compile %q: %s", expression, err.Error()),
		}
	}
	result, err := expr.Run(program, scope)
	if err != nil {
		return nil, &coreerrors.ValidationError{
			Field:   "expression",
			Message: fmt.Sprintf("failed to evaluate %q: %s", expression, err.Error()),
		}
	}
	return result, nil
}

// ResolveString resolves every {{expr}} placeholder in s against scope.
// If s is exactly one placeholder with no surrounding text, the typed
// value is returned unstringified (e.g. a number, bool, or object);
// otherwise each placeholder's value is interpolated as text.
func (r *Resolver) ResolveString(s string, scope map[string]any) (any, error) {
	matches := placeholderPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		expr := strings.TrimSpace(s[matches[0][2]:matches[0][3]])
		val, err := r.eval(legacyToExpr(expr), scope)
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(expr, "$") && strings.HasSuffix(expr, ".output") {
			return ResolveLegacyOutput(val), nil
		}
		return val, nil
	}

	var missing error
	out := placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		inner := strings.TrimSpace(match[2 : len(match)-2])
		val, err := r.eval(legacyToExpr(inner), scope)
		if err != nil {
			missing = err
			return match
		}
		return stringify(val)
	})
	if missing != nil {
		return nil, missing
	}
	return out, nil
}

// legacyToExpr rewrites a bare `$a.b.c` dotted reference into the
// expr-lang-native `a.b.c`, and aliases a trailing `.output` to `.result`
// the way the teacher's compatibility path does — when result is an
// object carrying `files: []`, that array is substituted for the whole
// reference: ResolveString applies ResolveLegacyOutput when the template is
// exactly one legacy reference ending in `.output`.
func legacyToExpr(expression string) string {
	return legacyPattern.ReplaceAllStringFunc(expression, func(ref string) string {
		path := strings.TrimPrefix(ref, "$")
		path = strings.Replace(path, ".output", ".result", 1)
		return path
	})
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// ResolveLegacyOutput implements the `.output` → `.result` aliasing rule's
// files-array special case: if the resolved result is a map with a
// `files` key holding an array, that array is returned in place of the
// whole result object.
func ResolveLegacyOutput(result any) any {
	m, ok := result.(map[string]any)
	if !ok {
		return result
	}
	files, ok := m["files"]
	if !ok {
		return result
	}
	if reflect.TypeOf(files) != nil && reflect.TypeOf(files).Kind() == reflect.Slice {
		return files
	}
	return result
}

// ResolveMap walks v recursively, resolving any string value through
// ResolveString; non-string leaves pass through unchanged.
func (r *Resolver) ResolveMap(v any, scope map[string]any) (any, error) {
	switch t := v.(type) {
	case string:
		return r.ResolveString(t, scope)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			resolved, err := r.ResolveMap(val, scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			resolved, err := r.ResolveMap(val, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}
