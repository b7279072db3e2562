package triggers

import (
	"context"
	"sync"
	"time"

	"github.com/patrickwarner/popgate/internal/clock"
	"github.com/patrickwarner/popgate/internal/observability"

	"go.uber.org/zap"
)

// State is the lifecycle position of an Evaluation.
type State int

const (
	StateIdle State = iota
	StateEvaluating
	StateResolved
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEvaluating:
		return "evaluating"
	case StateResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Outcome is the result of evaluating a campaign's triggers. ResolvedBy is
// the trigger whose result decided the outcome; it is empty for an empty set
// or when the context ended first, in which case Err holds the context error.
type Outcome struct {
	Met        bool
	ResolvedBy Kind
	Elapsed    time.Duration
	Err        error
}

// Manager evaluates trigger sets. A single Manager serves any number of
// concurrent evaluations; evaluations share no state.
type Manager struct {
	logger  *zap.Logger
	metrics observability.MetricsRegistry
}

// NewManager returns a Manager. A nil logger or registry disables that
// output.
func NewManager(logger *zap.Logger, metrics observability.MetricsRegistry) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NoopRegistry{}
	}
	return &Manager{logger: logger, metrics: metrics}
}

// Evaluation is one run of a trigger set.
type Evaluation struct {
	set    Set
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	state   State
	outcome Outcome
}

// State returns the current lifecycle state.
func (e *Evaluation) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Done is closed once the evaluation has resolved.
func (e *Evaluation) Done() <-chan struct{} { return e.done }

// Wait blocks until the evaluation resolves and returns its outcome.
func (e *Evaluation) Wait() Outcome {
	<-e.done
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outcome
}

// Cancel abandons the evaluation. If it has not resolved yet it resolves as
// not met with context.Canceled.
func (e *Evaluation) Cancel() { e.cancel() }

// Evaluate runs set against env and blocks until it resolves or ctx ends.
func (m *Manager) Evaluate(ctx context.Context, set Set, env Environment) Outcome {
	return m.Start(ctx, set, env).Wait()
}

// Start begins evaluating set against env and returns immediately. Every
// predicate is started before Start returns.
func (m *Manager) Start(ctx context.Context, set Set, env Environment) *Evaluation {
	ctx, cancel := context.WithCancel(ctx)
	e := &Evaluation{set: set, cancel: cancel, done: make(chan struct{})}

	if len(set.Triggers) == 0 {
		e.finish(Outcome{Met: true})
		cancel()
		return e
	}

	e.mu.Lock()
	e.state = StateEvaluating
	e.mu.Unlock()

	handles := make([]*Handle, len(set.Triggers))
	for i, t := range set.Triggers {
		handles[i] = Start(t, env)
	}
	clk := envClock(env)
	go m.run(ctx, e, handles, clk, clk.Now())
	return e
}

func (m *Manager) run(ctx context.Context, e *Evaluation, handles []*Handle, clk clock.Clock, started time.Time) {
	defer e.cancel()

	stop := make(chan struct{})
	results := make(chan Result, len(handles))
	for _, h := range handles {
		go func(h *Handle) {
			select {
			case r := <-h.Done():
				results <- r
			case <-stop:
			}
		}(h)
	}

	outcome := m.combine(ctx, e.set.Operator, results, len(handles))
	outcome.Elapsed = clk.Now().Sub(started)

	close(stop)
	for _, h := range handles {
		h.Cancel()
	}
	e.finish(outcome)
}

func (m *Manager) combine(ctx context.Context, op Operator, results <-chan Result, n int) Outcome {
	remaining := n
	for {
		select {
		case r := <-results:
			remaining--
			m.record(r)
			met := r.Met && r.Err == nil
			switch op {
			case OperatorAND:
				if !met {
					return Outcome{Met: false, ResolvedBy: r.Kind}
				}
				if remaining == 0 {
					return Outcome{Met: true, ResolvedBy: r.Kind}
				}
			default:
				if met {
					return Outcome{Met: true, ResolvedBy: r.Kind}
				}
				if remaining == 0 {
					return Outcome{Met: false, ResolvedBy: r.Kind}
				}
			}
		case <-ctx.Done():
			return Outcome{Met: false, Err: ctx.Err()}
		}
	}
}

func (m *Manager) record(r Result) {
	switch {
	case r.Err != nil:
		m.logger.Warn("trigger predicate failed",
			zap.String("trigger", string(r.Kind)),
			zap.Error(r.Err))
		m.metrics.IncrementTriggerResults(string(r.Kind), "error")
	case r.Met:
		m.metrics.IncrementTriggerResults(string(r.Kind), "met")
	default:
		m.metrics.IncrementTriggerResults(string(r.Kind), "not_met")
	}
}

func (e *Evaluation) finish(o Outcome) {
	e.mu.Lock()
	e.state = StateResolved
	e.outcome = o
	e.mu.Unlock()
	close(e.done)
}

// envClock is the time source elapsed times are measured against.
func envClock(env Environment) clock.Clock {
	if env != nil {
		if clk := env.Clock(); clk != nil {
			return clk
		}
	}
	return clock.New()
}
