// Package engine implements a pattern engine whose queries are CUE
// constraints.
//
// A query is unified with each ingested event, viewed as a struct keyed by
// its wire field names. The event satisfies the query when it has every
// field the query names and the result is concrete and free of conflicts:
//
//	datatype: "temperature"
//	value:    >30
//
// Whole-number values are presented as CUE ints and the rest as floats, so
// "value: 30" matches a reading of 30.0 and bounds such as ">30" match both.
//
// A pattern with Count n matches after n consecutive satisfying events on the
// same stream; any non-satisfying event on that stream starts the run over.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/rbaliyan/cepstream"
	"github.com/rbaliyan/cepstream/internal/patterns"
)

// ErrNotStruct is returned for a query that does not describe a struct.
var ErrNotStruct = errors.New("query must be a struct of field constraints")

// CompileError reports a query that failed to compile.
type CompileError struct {
	Pattern string
	Err     error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile pattern %s: %v", e.Pattern, e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

type pattern struct {
	name  string
	query cue.Value
	count int
	runs  map[string][]*cepstream.Event
}

type match struct {
	pattern string
	events  []*cepstream.Event
}

// Engine evaluates deployed patterns in deployment order.
type Engine struct {
	mu       sync.Mutex
	ctx      *cue.Context
	patterns []*pattern
	onMatch  cepstream.MatchFunc
	logger   *slog.Logger
}

var _ cepstream.Engine = (*Engine)(nil)

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an engine reporting matches to onMatch.
func New(onMatch cepstream.MatchFunc, opts ...Option) *Engine {
	e := &Engine{
		ctx:     cuecontext.New(),
		onMatch: onMatch,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "engine")
	return e
}

// Compile checks that def compiles without deploying it.
func Compile(def patterns.Definition) error {
	_, err := compile(cuecontext.New(), def)
	return err
}

func compile(ctx *cue.Context, def patterns.Definition) (cue.Value, error) {
	v := ctx.CompileString(def.Query, cue.Filename(def.Name))
	if err := v.Err(); err != nil {
		return cue.Value{}, &CompileError{Pattern: def.Name, Err: err}
	}
	if v.IncompleteKind() != cue.StructKind {
		return cue.Value{}, &CompileError{Pattern: def.Name, Err: ErrNotStruct}
	}
	return v, nil
}

// Deploy compiles and adds definitions. Nothing is deployed if any of them
// fails to compile.
func (e *Engine) Deploy(defs ...patterns.Definition) error {
	if err := patterns.Validate(defs); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	compiled := make([]*pattern, 0, len(defs))
	for _, def := range defs {
		for _, p := range e.patterns {
			if p.name == def.Name {
				return &CompileError{Pattern: def.Name, Err: patterns.ErrDuplicateName}
			}
		}
		v, err := compile(e.ctx, def)
		if err != nil {
			return err
		}
		count := def.Count
		if count == 0 {
			count = 1
		}
		compiled = append(compiled, &pattern{
			name:  def.Name,
			query: v,
			count: count,
			runs:  make(map[string][]*cepstream.Event),
		})
	}

	e.patterns = append(e.patterns, compiled...)
	for _, p := range compiled {
		e.logger.Info("deployed pattern", "pattern", p.name, "count", p.count)
	}
	return nil
}

// Patterns returns the deployed pattern names in evaluation order.
func (e *Engine) Patterns() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, len(e.patterns))
	for i, p := range e.patterns {
		names[i] = p.name
	}
	return names
}

// Ingest evaluates ev against every pattern and reports completed matches.
// Matches are reported after evaluation, outside the engine lock.
func (e *Engine) Ingest(ctx context.Context, ev *cepstream.Event) error {
	if ev == nil {
		return nil
	}

	e.mu.Lock()
	v := e.ctx.Encode(fields(ev))
	if err := v.Err(); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("encode event: %w", err)
	}

	var matches []match
	for _, p := range e.patterns {
		if !satisfies(p.query, v) {
			delete(p.runs, ev.StreamID)
			continue
		}
		run := append(p.runs[ev.StreamID], ev)
		if len(run) < p.count {
			p.runs[ev.StreamID] = run
			continue
		}
		delete(p.runs, ev.StreamID)
		matches = append(matches, match{pattern: p.name, events: run})
	}
	e.mu.Unlock()

	for _, m := range matches {
		e.logger.Debug("pattern matched", "pattern", m.pattern, "stream_id", ev.StreamID)
		if e.onMatch != nil {
			e.onMatch(ctx, m.pattern, m.events)
		}
	}
	return nil
}

// satisfies reports whether ev provides every field q names and the
// unification of the two is concrete.
func satisfies(q, ev cue.Value) bool {
	if !present(q, ev) {
		return false
	}
	return q.Unify(ev).Validate(cue.Concrete(true)) == nil
}

func present(q, ev cue.Value) bool {
	iter, err := q.Fields()
	if err != nil {
		return false
	}
	for iter.Next() {
		path := cue.MakePath(iter.Selector())
		got := ev.LookupPath(path)
		if !got.Exists() {
			return false
		}
		if iter.Value().IncompleteKind() == cue.StructKind && !present(iter.Value(), got) {
			return false
		}
	}
	return true
}

// fields returns the set fields of ev under their wire names.
func fields(ev *cepstream.Event) map[string]any {
	m := map[string]any{
		"stream_id": ev.StreamID,
		"timestamp": number(ev.Timestamp),
	}
	if ev.Datatype != "" {
		m["datatype"] = ev.Datatype
	}
	if ev.Unit != "" {
		m["unit"] = ev.Unit
	}
	setFloat(m, "value", ev.Value)
	setFloat(m, "observed_value", ev.ObservedValue)
	setFloat(m, "imputed_value", ev.ImputedValue)
	setFloat(m, "confidence", ev.Confidence)
	if ev.Method != nil {
		m["method"] = *ev.Method
	}
	if len(ev.Extras) > 0 {
		m["extras"] = numbers(ev.Extras)
	}
	return m
}

// maxExact is the largest magnitude at which every float64 integer is exact.
const maxExact = 1 << 53

// number returns f as an int64 when it holds a whole number.
func number(f float64) any {
	if f == math.Trunc(f) && math.Abs(f) <= maxExact {
		return int64(f)
	}
	return f
}

// numbers copies v with every whole float64 replaced by an int64.
func numbers(v any) any {
	switch t := v.(type) {
	case float64:
		return number(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = numbers(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = numbers(e)
		}
		return out
	default:
		return v
	}
}

func setFloat(m map[string]any, key string, v *float64) {
	if v != nil {
		m[key] = number(*v)
	}
}
