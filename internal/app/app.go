// Package app wires all chorus subsystems into a running application.
//
// The App struct owns the full lifecycle: New connects persistence, builds
// the classifier and generator fallback chains and the session manager,
// Handler exposes them over HTTP, and Shutdown tears everything down in
// order.
//
// For testing, inject doubles via functional options (WithPersistence,
// WithGenerator, WithClassifier). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/MrWong99/chorus/internal/classify"
	"github.com/MrWong99/chorus/internal/config"
	"github.com/MrWong99/chorus/internal/generate"
	"github.com/MrWong99/chorus/internal/health"
	"github.com/MrWong99/chorus/internal/mcp"
	"github.com/MrWong99/chorus/internal/observe"
	"github.com/MrWong99/chorus/internal/resilience"
	"github.com/MrWong99/chorus/internal/voicestore"
	"github.com/MrWong99/chorus/internal/voicestore/postgres"
	"github.com/MrWong99/chorus/internal/voicestore/redis"
)

// ErrNoGenerator is returned by [New] when neither a provider chain nor an
// injected generator is available.
var ErrNoGenerator = errors.New("app: no LLM provider configured")

// reapInterval is how often idle sessions are checked.
const reapInterval = time.Minute

// App owns all subsystem lifetimes.
type App struct {
	cfg   *config.Config
	chain []config.NamedProvider

	persist    voicestore.Persistence
	generator  generate.Generator
	classifier classify.Classifier
	sessions   *SessionManager
	health     *health.Handler
	metrics    *observe.Metrics
	log        *slog.Logger
	version    string

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithPersistence injects a persistence backend instead of creating one from
// config.
func WithPersistence(p voicestore.Persistence) Option {
	return func(a *App) { a.persist = p }
}

// WithGenerator injects a generator instead of building one over the
// provider chain.
func WithGenerator(g generate.Generator) Option {
	return func(a *App) { a.generator = g }
}

// WithClassifier injects a classifier instead of building one from config.
func WithClassifier(c classify.Classifier) Option {
	return func(a *App) { a.classifier = c }
}

// WithMetrics sets the metrics instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithVersion sets the version reported to MCP clients. Default: "dev".
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// WithLogger sets the application logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// New creates an App from cfg and the LLM provider chain built by
// [config.Registry.CreateChain]. chain may be empty when a generator is
// injected.
func New(ctx context.Context, cfg *config.Config, chain []config.NamedProvider, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	for _, np := range chain {
		np.Provider = &observedProvider{Provider: np.Provider, name: backendName(np.Entry), metrics: a.metrics}
		a.chain = append(a.chain, np)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.version == "" {
		a.version = "dev"
	}

	if err := a.initPersistence(ctx); err != nil {
		return nil, fmt.Errorf("app: init persistence: %w", err)
	}
	if err := a.initCollaborators(); err != nil {
		a.close()
		return nil, err
	}

	a.sessions = NewSessionManager(SessionManagerConfig{
		Persistence: a.persist,
		Classifier:  a.classifier,
		Generator:   a.generator,
		Engine:      cfg.Engine,
		Personas:    cfg.Personas,
		Idle:        cfg.Server.SessionIdle,
		Metrics:     a.metrics,
		Logger:      a.log,
	})
	a.health = health.New(a.checkers()...)

	a.log.Info("app: ready",
		"persistence", cfg.Persistence.Backend,
		"providers", len(chain),
		"classifier", cfg.Providers.Classifier,
	)
	return a, nil
}

// initPersistence connects the configured backend unless one was injected.
func (a *App) initPersistence(ctx context.Context) error {
	if a.persist != nil {
		return nil
	}
	pc := a.cfg.Persistence
	switch pc.Backend {
	case config.BackendMemory, "":
		a.persist = voicestore.NewMemPersistence()

	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, pc.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		p := postgres.New(pool)
		if err := p.Migrate(ctx); err != nil {
			pool.Close()
			return err
		}
		a.persist = p
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})

	case config.BackendRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     pc.Redis.Addr,
			Password: pc.Redis.Password,
			DB:       pc.Redis.DB,
		})
		p := redis.New(client, redis.Config{Prefix: pc.Redis.Prefix, TTL: pc.Redis.TTL})
		if err := p.Ping(ctx); err != nil {
			_ = client.Close()
			return err
		}
		a.persist = p
		a.closers = append(a.closers, client.Close)

	default:
		return fmt.Errorf("unknown backend %q", pc.Backend)
	}
	return nil
}

// breakerConfig builds the breaker template for one fallback chain. State
// changes feed the breaker transition counter labelled "chain/backend".
func (a *App) breakerConfig(chain string) resilience.BreakerConfig {
	bc := a.cfg.Providers.Breaker
	return resilience.BreakerConfig{
		MaxFailures:  bc.MaxFailures,
		ResetTimeout: bc.ResetTimeout,
		HalfOpenMax:  bc.HalfOpenMax,
		Logger:       a.log,
		OnStateChange: func(backend string, _, to resilience.State) {
			a.metrics.RecordBreakerTransition(context.Background(), chain+"/"+backend, to.String())
		},
	}
}

// backendName labels a chain member for breaker logs and metrics.
func backendName(e config.ProviderEntry) string {
	if e.Model == "" {
		return e.Name
	}
	return e.Name + ":" + e.Model
}

// initCollaborators builds the generator and classifier fallback chains over
// the provider chain unless they were injected.
func (a *App) initCollaborators() error {
	if a.generator == nil {
		if len(a.chain) == 0 {
			return ErrNoGenerator
		}
		var fb *generate.Fallback
		for _, np := range a.chain {
			opts := []generate.Option{generate.Unguarded()}
			if np.Entry.Temperature != 0 {
				opts = append(opts, generate.WithTemperature(np.Entry.Temperature))
			}
			name := backendName(np.Entry)
			g := generate.NewLLM(np.Provider, name, opts...)
			if fb == nil {
				fb = generate.NewFallback(g, name, a.breakerConfig("generator"))
				continue
			}
			fb.AddFallback(name, g)
		}
		a.generator = fb
	}

	if a.classifier == nil {
		if a.cfg.Providers.Classifier == config.ClassifierKeywords || len(a.chain) == 0 {
			a.classifier = classify.Keywords{}
			return nil
		}
		var fb *classify.Fallback
		for _, np := range a.chain {
			name := backendName(np.Entry)
			c := classify.NewLLM(np.Provider)
			if fb == nil {
				fb = classify.NewFallback(c, name, a.breakerConfig("classifier"))
				continue
			}
			fb.AddFallback(name, c)
		}
		// Keyword heuristics never fail, so the chain always answers.
		fb.AddFallback("keywords", classify.Keywords{})
		a.classifier = fb
	}
	return nil
}

type breakerReporter interface {
	Breakers() map[string]resilience.State
}

// checkers returns the readiness checks for the wired subsystems.
func (a *App) checkers() []health.Checker {
	var cs []health.Checker
	if p, ok := a.persist.(health.Pinger); ok {
		cs = append(cs, health.Ping("persistence", p))
	}
	if b, ok := a.generator.(breakerReporter); ok {
		cs = append(cs, health.Breakers("generator", b.Breakers))
	}
	if b, ok := a.classifier.(breakerReporter); ok {
		cs = append(cs, health.Breakers("classifier", b.Breakers))
	}
	return cs
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Handler returns the HTTP handler for the demo host: health probes, the
// optional metrics and MCP endpoints and the session API, wrapped in the tracing
// middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	if path := a.cfg.Telemetry.MetricsPath; path != "" {
		mux.Handle("GET "+path, promhttp.Handler())
	}
	if path := a.cfg.Server.MCPPath; path != "" {
		mux.Handle(path, mcp.Handler(mcp.NewServer(a.sessions, a.version)))
	}
	newAPI(a.sessions).register(mux)
	return observe.Middleware(a.metrics)(mux)
}

// Run reaps idle sessions and, when a listen address is configured, serves
// [App.Handler] until ctx is done.
func (a *App) Run(ctx context.Context) error {
	go a.sessions.RunReaper(ctx, reapInterval)

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		<-ctx.Done()
		return nil
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.log.Info("app: http host listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http host: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("app: http host shutdown: %w", err)
	}
	return nil
}

// Reload applies a config change to the running app. Engine tunables and
// personas reach sessions opened afterwards; sections that need a restart
// are logged.
func (a *App) Reload(old, new *config.Config) config.ConfigDiff {
	d := config.Diff(old, new)
	if d.EngineChanged() || d.PersonasChanged {
		a.sessions.ApplyEngine(new.Engine, new.Personas)
		a.log.Info("app: engine config applied to new sessions", "sections", d.EngineSections, "personas_changed", d.PersonasChanged)
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("app: config sections changed that need a restart", "sections", d.RestartRequired)
	}
	return d
}

// Shutdown drops all sessions and runs the closers in order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("app: shutting down", "closers", len(a.closers))
		a.sessions.Shutdown(ctx)
		for i, closer := range a.closers {
			if ctx.Err() != nil {
				a.log.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			}
			if err := closer(); err != nil {
				a.log.Warn("app: closer error", "index", i, "err", err)
			}
		}
		a.log.Info("app: shutdown complete")
	})
	return shutdownErr
}

// close runs the closers after a failed New.
func (a *App) close() {
	for _, c := range a.closers {
		_ = c()
	}
}
