// Package sandbox evaluates untrusted strategy code in Starlark with a
// whitelisted vocabulary, a wall-clock deadline and classified errors.
package sandbox

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-sandbox/internal/backtester"
	"github.com/atlas-desktop/strategy-sandbox/internal/workers"
	"github.com/atlas-desktop/strategy-sandbox/pkg/types"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
	"go.uber.org/zap"
)

const (
	// OutputBinding is the global the strategy must assign its portfolio to
	OutputBinding = "pf"
	scriptName    = "strategy.star"
)

var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// Config bounds evaluations
type Config struct {
	DefaultDeadline time.Duration
	MinDeadline     time.Duration
	MaxDeadline     time.Duration
	MaxOutputBytes  int
	MaxSteps        uint64 // 0 means unlimited
}

// DefaultConfig returns the standard limits
func DefaultConfig() Config {
	return Config{
		DefaultDeadline: 30 * time.Second,
		MinDeadline:     time.Second,
		MaxDeadline:     300 * time.Second,
		MaxOutputBytes:  64 << 10,
	}
}

// Outcome is a successful evaluation
type Outcome struct {
	Result   *backtester.Result
	Windows  []backtester.WindowResult
	Output   string
	Duration time.Duration
}

// Evaluator runs strategy code on a worker pool
type Evaluator struct {
	logger *zap.Logger
	pool   *workers.Pool
	config Config
}

// NewEvaluator creates an evaluator. The pool must be started.
func NewEvaluator(logger *zap.Logger, pool *workers.Pool, config Config) *Evaluator {
	def := DefaultConfig()
	if config.DefaultDeadline <= 0 {
		config.DefaultDeadline = def.DefaultDeadline
	}
	if config.MinDeadline <= 0 {
		config.MinDeadline = def.MinDeadline
	}
	if config.MaxDeadline < config.MinDeadline {
		config.MaxDeadline = def.MaxDeadline
	}
	if config.MaxOutputBytes <= 0 {
		config.MaxOutputBytes = def.MaxOutputBytes
	}
	return &Evaluator{logger: logger, pool: pool, config: config}
}

// Deadline resolves a requested limit: zero means the default, anything else
// is clamped to [MinDeadline, MaxDeadline].
func (e *Evaluator) Deadline(requested time.Duration) time.Duration {
	switch {
	case requested <= 0:
		return e.config.DefaultDeadline
	case requested < e.config.MinDeadline:
		return e.config.MinDeadline
	case requested > e.config.MaxDeadline:
		return e.config.MaxDeadline
	}
	return requested
}

// Eval parses, checks and runs code against b. On failure the returned
// error is always a *Error and no partial outcome is returned.
func (e *Evaluator) Eval(ctx context.Context, code string, b *Bindings, deadline time.Duration) (*Outcome, error) {
	deadline = e.Deadline(deadline)

	f, err := fileOptions.Parse(scriptName, code, 0)
	if err != nil {
		return nil, syntaxError(err)
	}
	if line, ok := findLoad(f); ok {
		return nil, &Error{Kind: types.ErrorKindSyntax, Message: "load statements are not allowed", Line: line}
	}

	lib := newLibrary(e.logger, b)
	predeclared := lib.predeclared()
	prog, err := starlark.FileProgram(f, predeclared.Has)
	if err != nil {
		return nil, syntaxError(err)
	}

	out := newOutputBuffer(e.config.MaxOutputBytes)
	thread := &starlark.Thread{
		Name:  "strategy",
		Print: func(_ *starlark.Thread, msg string) { out.println(msg) },
	}
	if e.config.MaxSteps > 0 {
		thread.SetMaxExecutionSteps(e.config.MaxSteps)
	}

	e.logger.Debug("Evaluating strategy",
		zap.Int("code_bytes", len(code)),
		zap.Duration("deadline", deadline),
		zap.Strings("symbols", b.Symbols),
	)

	start := time.Now()
	var globals starlark.StringDict
	err = e.pool.Run(ctx, deadline, func(runCtx context.Context) error {
		thread.SetLocal(ctxKey, runCtx)
		g, err := prog.Init(thread, predeclared)
		globals = g
		return err
	}, func() {
		thread.Cancel("deadline exceeded")
	})
	elapsed := time.Since(start)

	if err != nil {
		classified := runError(err, deadline.String())
		e.logger.Debug("Strategy failed",
			zap.String("kind", string(classified.Kind)),
			zap.String("message", classified.Message),
			zap.Int("line", classified.Line),
			zap.String("backtrace", classified.Backtrace),
			zap.Duration("elapsed", elapsed),
		)
		return nil, classified
	}

	pf, ok := globals[OutputBinding]
	if !ok {
		return nil, contractViolation("strategy must assign its portfolio to %q", OutputBinding)
	}
	pv, ok := unwrapPortfolio(pf)
	if !ok {
		return nil, contractViolation("%q must be a portfolio, got %s", OutputBinding, pf.Type())
	}

	return &Outcome{
		Result:   pv.res,
		Windows:  pv.windows,
		Output:   out.String(),
		Duration: elapsed,
	}, nil
}

// unwrapPortfolio accepts a portfolio or a wfo_run result carrying one
func unwrapPortfolio(v starlark.Value) (*portfolioValue, bool) {
	switch x := v.(type) {
	case *portfolioValue:
		return x, true
	case *starlarkstruct.Struct:
		inner, err := x.Attr("portfolio")
		if err != nil {
			return nil, false
		}
		pv, ok := inner.(*portfolioValue)
		return pv, ok
	}
	return nil, false
}

// findLoad reports the line of the first load statement. Load is only legal
// at top level, so the file's statements are all that need checking.
func findLoad(f *syntax.File) (int, bool) {
	for _, stmt := range f.Stmts {
		if load, ok := stmt.(*syntax.LoadStmt); ok {
			start, _ := load.Span()
			return int(start.Line), true
		}
	}
	return 0, false
}

const truncatedMarker = "\n[output truncated]\n"

// outputBuffer collects print output up to a byte limit
type outputBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newOutputBuffer(limit int) *outputBuffer {
	return &outputBuffer{limit: limit}
}

func (o *outputBuffer) println(msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.truncated {
		return
	}
	if o.buf.Len()+len(msg)+1 > o.limit {
		if room := o.limit - o.buf.Len(); room > 0 {
			o.buf.WriteString(msg[:min(room, len(msg))])
		}
		o.buf.WriteString(truncatedMarker)
		o.truncated = true
		return
	}
	o.buf.WriteString(msg)
	o.buf.WriteByte('\n')
}

func (o *outputBuffer) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.String()
}
