// Package filter evaluates user supplied JavaScript predicates against log entries.
//
// A predicate is either a bare expression evaluated with `entry` in scope, for example
// `entry.msg.includes("timeout")`, or a CommonJS style module exporting `filter(entry)`.
package filter

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/coachpo/logmerge/internal/domain/schema"
)

const defaultTimeout = 250 * time.Millisecond

// Predicate is a compiled filter bound to its own runtime. Match is safe for concurrent use;
// calls are serialised because a goja runtime is single threaded.
type Predicate struct {
	source    string
	timeout   time.Duration
	afterFunc func(time.Duration, func()) stopper

	mu sync.Mutex
	rt *goja.Runtime
	fn goja.Callable
}

type stopper interface {
	Stop() bool
}

func afterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

// jsEntry is the view of an entry handed to scripts.
type jsEntry struct {
	TS         string            `json:"ts"`
	UnixMillis int64             `json:"unixMillis"`
	Msg        string            `json:"msg"`
	Fields     map[string]string `json:"fields"`
}

// Option configures a predicate.
type Option func(*Predicate)

// WithTimeout bounds a single evaluation. Scripts exceeding it are interrupted.
func WithTimeout(d time.Duration) Option {
	return func(p *Predicate) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// Compile builds a predicate from source.
func Compile(name, source string, opts ...Option) (*Predicate, error) {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return nil, fmt.Errorf("filter: source required")
	}
	p := &Predicate{source: trimmed, timeout: defaultTimeout, afterFunc: afterFunc}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	module := isModule(trimmed)
	script := trimmed
	if !module {
		script = "(function (entry) {\n  return (" + trimmed + ");\n})"
	}
	program, err := goja.Compile(name, script, true)
	if err != nil {
		return nil, fmt.Errorf("filter: compile %s: %s", name, describe(err))
	}

	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if module {
		p.fn, err = loadModule(rt, program)
	} else {
		p.fn, err = loadExpression(rt, program)
	}
	if err != nil {
		return nil, fmt.Errorf("filter: %s: %w", name, err)
	}
	p.rt = rt
	return p, nil
}

// Source returns the predicate text as configured.
func (p *Predicate) Source() string { return p.source }

// Match reports whether entry passes the predicate. A script that throws or times out yields an
// error.
func (p *Predicate) Match(entry schema.LogEntry) (bool, error) {
	fields := entry.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	view := jsEntry{
		TS:         entry.Timestamp.UTC().Format(time.RFC3339Nano),
		UnixMillis: entry.Timestamp.UnixMilli(),
		Msg:        entry.Message,
		Fields:     fields,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	fired := make(chan struct{})
	timer := p.afterFunc(p.timeout, func() {
		defer close(fired)
		p.rt.Interrupt("filter timeout")
	})
	value, err := p.fn(goja.Undefined(), p.rt.ToValue(view))
	if !timer.Stop() {
		// the interrupt must land before it is cleared or it leaks into the next call
		<-fired
	}
	p.rt.ClearInterrupt()
	if err != nil {
		return false, fmt.Errorf("filter: evaluate: %s", describe(err))
	}
	return value.ToBoolean(), nil
}

func isModule(source string) bool {
	return strings.Contains(source, "module.exports") || strings.Contains(source, "exports.filter")
}

func loadExpression(rt *goja.Runtime, program *goja.Program) (goja.Callable, error) {
	value, err := rt.RunProgram(program)
	if err != nil {
		return nil, fmt.Errorf("run: %s", describe(err))
	}
	fn, ok := goja.AssertFunction(value)
	if !ok {
		return nil, fmt.Errorf("expression did not produce a function")
	}
	return fn, nil
}

func loadModule(rt *goja.Runtime, program *goja.Program) (goja.Callable, error) {
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("module", module); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if _, err := rt.RunProgram(program); err != nil {
		return nil, fmt.Errorf("module run: %s", describe(err))
	}

	exported := module.Get("exports")
	if goja.IsUndefined(exported) || goja.IsNull(exported) {
		return nil, fmt.Errorf("module exports missing")
	}
	if fn, ok := goja.AssertFunction(exported); ok {
		return fn, nil
	}
	value := exported.ToObject(rt).Get("filter")
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, fmt.Errorf("filter export missing")
	}
	fn, ok := goja.AssertFunction(value)
	if !ok {
		return nil, fmt.Errorf("filter export is not a function")
	}
	return fn, nil
}

// describe flattens goja errors to a single line with a position when one is known.
func describe(err error) string {
	var syntaxErr *goja.CompilerSyntaxError
	if errors.As(err, &syntaxErr) && syntaxErr != nil && syntaxErr.File != nil {
		pos := syntaxErr.File.Position(syntaxErr.Offset)
		return fmt.Sprintf("%s (line %d, column %d)", strings.TrimSpace(syntaxErr.Message), pos.Line, pos.Column)
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Sprintf("interrupted: %v", interrupted.Value())
	}
	var jsErr *goja.Exception
	if errors.As(err, &jsErr) && jsErr != nil {
		if val := jsErr.Value(); val != nil && !goja.IsUndefined(val) && !goja.IsNull(val) {
			return strings.TrimSpace(val.String())
		}
	}
	msg := strings.TrimSpace(err.Error())
	if idx := strings.Index(msg, "\n"); idx > 0 {
		msg = msg[:idx]
	}
	return msg
}
