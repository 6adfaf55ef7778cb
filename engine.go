package resilix

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// instrumentationName names the tracer and meter scope.
const instrumentationName = "github.com/byte4ever/resilix"

type (
	// Engine executes guarded calls against the targets of a sealed
	// Registry. Each concrete target name gets its own breaker, created
	// on first use and kept for the engine's lifetime.
	Engine struct {
		registry  *Registry
		breakers  *breakerSet
		clock     Clock
		hooks     *Hooks
		logger    *slog.Logger
		tracer    trace.Tracer
		jitter    Jitter
		analyzer  AnalyzerConfig
		graph     DependencyGraph
		namespace string
	}

	// EngineOption configures an Engine.
	EngineOption func(*engineSetup)

	engineSetup struct {
		clock     Clock
		hooks     Hooks
		logger    *slog.Logger
		tracer    trace.Tracer
		jitter    Jitter
		analyzer  AnalyzerConfig
		graph     DependencyGraph
		namespace string
	}
)

// WithClock sets the time source for breakers and backoff waits.
func WithClock(c Clock) EngineOption {
	return func(s *engineSetup) { s.clock = c }
}

// WithHooks adds event hooks. Repeated use joins the hooks.
func WithHooks(h Hooks) EngineOption {
	return func(s *engineSetup) { s.hooks = JoinHooks(s.hooks, h) }
}

// WithLogger sets the structured logger. The default discards.
func WithLogger(l *slog.Logger) EngineOption {
	return func(s *engineSetup) { s.logger = l }
}

// WithTracer sets the tracer used for guarded call spans. The default is a
// no-op tracer.
func WithTracer(t trace.Tracer) EngineOption {
	return func(s *engineSetup) { s.tracer = t }
}

// WithJitter replaces the backoff jitter source.
func WithJitter(j Jitter) EngineOption {
	return func(s *engineSetup) { s.jitter = j }
}

// WithAnalyzerConfig sets the thresholds used by Analyze.
func WithAnalyzerConfig(c AnalyzerConfig) EngineOption {
	return func(s *engineSetup) { s.analyzer = c }
}

// WithDependencyGraph adds edges to the graph derived from the registry's
// DependsOn lists.
func WithDependencyGraph(g DependencyGraph) EngineOption {
	return func(s *engineSetup) { s.graph = g }
}

// withNamespace prefixes breaker keys so sandboxed engines never share
// breaker state with production traffic.
func withNamespace(ns string) EngineOption {
	return func(s *engineSetup) { s.namespace = ns }
}

// NewEngine seals reg and returns an engine serving its targets.
func NewEngine(reg *Registry, opts ...EngineOption) *Engine {
	setup := engineSetup{
		clock:    RealClock{},
		logger:   discardLogger(),
		tracer:   tracenoop.NewTracerProvider().Tracer(instrumentationName),
		jitter:   DefaultJitter,
		analyzer: DefaultAnalyzerConfig(),
	}

	for _, opt := range opts {
		opt(&setup)
	}

	reg.Seal()

	if err := reg.CacheErr(); err != nil {
		setup.logger.Warn("registry resolves uncached", slog.String("error", err.Error()))
	}

	hooks := JoinHooks(logHooks(setup.logger), setup.hooks)

	return &Engine{
		registry: reg,
		breakers: newBreakerSet(
			WithBreakerClock(setup.clock),
			WithBreakerHooks(&hooks),
			WithBreakerLogger(setup.logger),
		),
		clock:     setup.clock,
		hooks:     &hooks,
		logger:    setup.logger,
		tracer:    setup.tracer,
		jitter:    setup.jitter,
		analyzer:  setup.analyzer,
		graph:     setup.graph,
		namespace: setup.namespace,
	}
}

// Close releases the registry's resolution cache. Every engine built on the
// same registry shares it.
func (e *Engine) Close() { e.registry.Close() }

// Registry returns the engine's sealed registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Breaker returns the breaker of a concrete target if one was created.
func (e *Engine) Breaker(target string) (*CircuitBreaker, bool) {
	return e.breakers.lookup(e.namespace + target)
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

// logHooks reports retries, timeouts and chaos injections at debug level.
func logHooks(l *slog.Logger) Hooks {
	return Hooks{
		OnRetry: func(target string, attempt int, err error, delay time.Duration) {
			l.Debug("retrying",
				slog.String("target", target),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()),
			)
		},
		OnTimeout: func(target string, attempt int) {
			l.Debug("attempt timed out",
				slog.String("target", target),
				slog.Int("attempt", attempt),
			)
		},
		OnChaosInjected: func(target string, kind ErrorKind) {
			l.Debug("chaos injected",
				slog.String("target", target),
				slog.String("kind", kind.String()),
			)
		},
		OnRejected: func(target string) {
			l.Debug("call rejected by open breaker", slog.String("target", target))
		},
	}
}
