package scripted

import (
	"context"
	"errors"
	"fmt"
	"time"

	starlarkjson "go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// reportFunc is the function every script must define.
const reportFunc = "report"

// DefaultTimeout bounds a report call when the definition sets none.
const DefaultTimeout = 30 * time.Second

// Evaluator runs report predicates written in Starlark.
type Evaluator struct {
	timeout time.Duration
	vars    starlark.StringDict
}

// NewEvaluator creates an evaluator. vars are predeclared in every script.
func NewEvaluator(timeout time.Duration, vars map[string]any) (*Evaluator, error) {
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"json":   starlarkjson.Module,
	}
	for key, val := range vars {
		sv, err := varValue(val)
		if err != nil {
			return nil, fmt.Errorf("variable %s: %w", key, err)
		}
		predeclared[key] = sv
	}

	return &Evaluator{timeout: timeout, vars: predeclared}, nil
}

// Check executes script and verifies that it defines report.
func (e *Evaluator) Check(script string) error {
	_, err := e.load(&starlark.Thread{Name: "check"}, script)
	return err
}

// Report calls report(initial, current) and returns the evidence it lists.
// An empty list means nothing changed.
func (e *Evaluator) Report(ctx context.Context, script, initial, current string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "report",
		Print: func(*starlark.Thread, string) {},
	}

	stop := context.AfterFunc(ctx, func() { thread.Cancel(ctx.Err().Error()) })
	defer stop()

	report, err := e.load(thread, script)
	if err != nil {
		return nil, err
	}

	result, err := starlark.Call(thread, report, starlark.Tuple{starlark.String(initial), starlark.String(current)}, nil)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("starlark execution timeout after %v", e.timeout)
		}
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	return toEvidence(result)
}

func (e *Evaluator) load(thread *starlark.Thread, script string) (starlark.Callable, error) {
	globals, err := starlark.ExecFile(thread, "report.star", script, e.vars)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	fn, ok := globals[reportFunc].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("script must define a %s(initial, current) function", reportFunc)
	}
	return fn, nil
}

// toEvidence converts the list or tuple returned by report into evidence lines.
// Items that are not strings are rendered as Starlark would print them.
func toEvidence(v starlark.Value) ([]string, error) {
	var items starlark.Indexable
	switch v := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case *starlark.List:
		items = v
	case starlark.Tuple:
		items = v
	default:
		return nil, fmt.Errorf("%s must return a list, got %s", reportFunc, v.Type())
	}

	evidence := make([]string, items.Len())
	for i := range evidence {
		item := items.Index(i)
		if s, ok := starlark.AsString(item); ok {
			evidence[i] = s
		} else {
			evidence[i] = item.String()
		}
	}
	return evidence, nil
}

// varValue converts a runbook variable, as decoded from YAML, to Starlark.
func varValue(v any) (starlark.Value, error) {
	switch v := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(v), nil
	case int:
		return starlark.MakeInt(v), nil
	case int64:
		return starlark.MakeInt64(v), nil
	case uint64:
		return starlark.MakeUint64(v), nil
	case float64:
		return starlark.Float(v), nil
	case string:
		return starlark.String(v), nil
	case []any:
		elems := make([]starlark.Value, len(v))
		for i := range v {
			elem, err := varValue(v[i])
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			elems[i] = elem
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		dict := starlark.NewDict(len(v))
		for key, val := range v {
			elem, err := varValue(val)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			if err := dict.SetKey(starlark.String(key), elem); err != nil {
				return nil, err
			}
		}
		dict.Freeze()
		return dict, nil
	}
	return nil, fmt.Errorf("unsupported type %T", v)
}
