// Package app wires all vibecanvas subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and watches the config file, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithSubscriber,
// WithLauncher, WithShareStores, ...). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/vibecanvas/internal/config"
	"github.com/MrWong99/vibecanvas/internal/health"
	"github.com/MrWong99/vibecanvas/internal/observe"
	"github.com/MrWong99/vibecanvas/internal/session"
	"github.com/MrWong99/vibecanvas/internal/share"
	"github.com/MrWong99/vibecanvas/internal/share/dpaste"
	sharepg "github.com/MrWong99/vibecanvas/internal/share/postgres"
	"github.com/MrWong99/vibecanvas/internal/web"
	"github.com/MrWong99/vibecanvas/pkg/channel"
	"github.com/MrWong99/vibecanvas/pkg/channel/rtm"
	"github.com/MrWong99/vibecanvas/pkg/provider/convai"
	"github.com/MrWong99/vibecanvas/pkg/provider/convai/agora"
)

const (
	readHeaderTimeout = 10 * time.Second
	drainTimeout      = 10 * time.Second
)

// App owns all subsystem lifetimes.
type App struct {
	cfg           *config.Config
	configPath    string
	watchInterval time.Duration
	level         *slog.LevelVar
	metrics       *observe.Metrics

	subscriber  channel.Subscriber
	launcher    convai.Launcher
	shareStores []share.Store
	listener    net.Listener

	// Subsystems — initialised in New, torn down in Shutdown.
	ctrl    *session.Controller
	sharer  *share.Service
	checks  []health.Checker
	handler http.Handler
	server  *http.Server
	watcher *config.Watcher

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSubscriber injects the channel subscriber instead of dialing the
// configured gateway.
func WithSubscriber(s channel.Subscriber) Option {
	return func(a *App) { a.subscriber = s }
}

// WithLauncher injects the agent launcher instead of building the platform
// client from config.
func WithLauncher(l convai.Launcher) Option {
	return func(a *App) { a.launcher = l }
}

// WithShareStores injects share backends, in the order they are tried,
// instead of building them from config.
func WithShareStores(stores ...share.Store) Option {
	return func(a *App) { a.shareStores = stores }
}

// WithConfigPath enables hot reload of the given config file.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithWatchInterval sets how often the config file is polled.
func WithWatchInterval(d time.Duration) Option {
	return func(a *App) { a.watchInterval = d }
}

// WithLevelVar lets hot reload change the level of the process logger.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithListener makes Run serve on l instead of listening on the configured
// address.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any external collaborator.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Channel subscriber ────────────────────────────────────────────
	if err := a.initSubscriber(); err != nil {
		return nil, fmt.Errorf("app: init channel: %w", err)
	}

	// ── 2. Agent launcher ────────────────────────────────────────────────
	if err := a.initLauncher(); err != nil {
		return nil, fmt.Errorf("app: init agent: %w", err)
	}

	// ── 3. Session controller ────────────────────────────────────────────
	ctrlOpts := []session.Option{
		session.WithGeneratingTimeout(cfg.Session.GeneratingTimeout),
		session.WithGreetingPhrases(cfg.Session.GreetingPhrases...),
		session.WithMetrics(a.metrics),
	}
	if a.launcher != nil {
		ctrlOpts = append(ctrlOpts, session.WithLauncher(a.launcher))
	}
	a.ctrl = session.New(a.subscriber, ctrlOpts...)
	a.checks = append(a.checks, health.Checker{Name: "session", Check: a.ctrl.Check, Optional: true})

	// ── 4. Share service ─────────────────────────────────────────────────
	if err := a.initShare(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init share: %w", err)
	}

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	// ── 6. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyConfig, config.WithInterval(a.watchInterval))
		if err != nil {
			a.runClosers()
			return nil, fmt.Errorf("app: init watcher: %w", err)
		}
		a.watcher = w
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initSubscriber() error {
	if a.subscriber != nil {
		return nil
	}
	c := a.cfg.Channel
	sub, err := rtm.New(c.URL,
		rtm.WithToken(c.Token),
		rtm.WithUserID(c.UserID),
		rtm.WithBuffer(c.Buffer),
		rtm.WithDialTimeout(c.DialTimeout),
	)
	if err != nil {
		return err
	}
	a.subscriber = sub
	return nil
}

func (a *App) initLauncher() error {
	if a.launcher != nil {
		return nil
	}
	if !a.cfg.Agent.Enabled() {
		slog.Info("agent platform not configured, sessions will only listen to the channel")
		return nil
	}
	ac := a.cfg.Agent
	client, err := agora.New(agora.Config{
		BaseURL:         ac.BaseURL,
		AppID:           ac.AppID,
		CustomerID:      ac.CustomerID,
		CustomerSecret:  ac.CustomerSecret,
		BotUID:          ac.BotUID,
		BotToken:        ac.BotToken,
		IdleTimeout:     ac.IdleTimeout,
		SystemPrompt:    ac.SystemPrompt,
		GreetingMessage: ac.GreetingMessage,
		FailureMessage:  ac.FailureMessage,
		LLMURL:          ac.LLM.URL,
		LLMAPIKey:       ac.LLM.APIKey,
		LLMModel:        ac.LLM.Model,
		LLMMaxHistory:   ac.LLM.MaxHistory,
		TTSVendor:       ac.TTS.Vendor,
		TTSAPIKey:       ac.TTS.APIKey,
		TTSRegion:       ac.TTS.Region,
		TTSVoice:        ac.TTS.Voice,
		ASRVendor:       ac.ASR.Vendor,
		ASRLanguage:     ac.ASR.Language,
	},
		agora.WithTimeout(ac.RequestTimeout),
		agora.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.launcher = client
	return nil
}

// initShare builds the share backends from config unless they were
// injected. With no backend at all sharing is disabled.
func (a *App) initShare(ctx context.Context) error {
	stores := a.shareStores
	if stores == nil {
		sc := a.cfg.Share
		if sc.PasteURL != "" {
			paste, err := dpaste.New(sc.PasteURL,
				dpaste.WithSyntax(sc.Syntax),
				dpaste.WithExpiryDays(sc.ExpiryDays),
				dpaste.WithTimeout(sc.RequestTimeout),
			)
			if err != nil {
				return err
			}
			stores = append(stores, paste)
		}
		if sc.PostgresDSN != "" {
			archive, err := sharepg.NewStore(ctx, sc.PostgresDSN)
			if err != nil {
				return err
			}
			a.closers = append(a.closers, func() error { archive.Close(); return nil })
			a.checks = append(a.checks, health.Checker{Name: "database", Check: archive.Ping})
			stores = append(stores, archive)
		}
	}
	if len(stores) == 0 {
		slog.Info("sharing disabled: no paste service or archive configured")
		return nil
	}

	opts := []share.Option{
		share.WithPublicBaseURL(a.cfg.Server.PublicBaseURL),
		share.WithBreaker(a.cfg.Share.Breaker.MaxFailures, a.cfg.Share.Breaker.ResetTimeout),
		share.WithMetrics(a.metrics),
	}
	for _, s := range stores[1:] {
		opts = append(opts, share.WithFallback(s))
	}
	a.sharer = share.NewService(stores[0], opts...)
	return nil
}

func (a *App) initHTTP() {
	mux := http.NewServeMux()
	health.New(a.checks...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	webOpts := []web.Option{web.WithChannelPrefix(a.cfg.Session.ChannelPrefix)}
	if a.sharer != nil {
		webOpts = append(webOpts, web.WithSharer(a.sharer))
	}
	web.New(a.ctrl, webOpts...).Register(mux)

	a.handler = observe.Middleware(a.metrics)(mux)
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Controller returns the session controller.
func (a *App) Controller() *session.Controller { return a.ctrl }

// SharingEnabled reports whether at least one share backend is configured.
func (a *App) SharingEnabled() bool { return a.sharer != nil }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and, when enabled, polls the config file until ctx is
// cancelled or the server fails. In-flight requests are drained before Run
// returns.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
	}
	slog.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), drainTimeout)
		defer cancel()
		if err := a.server.Shutdown(drainCtx); err != nil {
			slog.Warn("http server shutdown", "err", err)
		}
		return nil
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	return g.Wait()
}

// applyConfig is the hot-reload callback of the config watcher.
func (a *App) applyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.GeneratingTimeoutChanged {
		a.ctrl.SetGeneratingTimeout(d.NewGeneratingTimeout)
		slog.Info("generating timeout changed", "timeout", d.NewGeneratingTimeout)
	}
	if d.GreetingPhrasesChanged {
		a.ctrl.SetGreetingPhrases(d.NewGreetingPhrases)
		slog.Info("greeting phrases changed", "phrases", d.NewGreetingPhrases)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends the active session and tears down all subsystems in order.
// It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.ctrl.Close(ctx); err != nil {
			slog.Warn("session controller close error", "err", err)
		}
		shutdownErr = a.runClosersCtx(ctx)
		if shutdownErr == nil {
			slog.Info("shutdown complete")
		}
	})
	return shutdownErr
}

func (a *App) runClosers() {
	_ = a.runClosersCtx(context.Background())
}

func (a *App) runClosersCtx(ctx context.Context) error {
	for i, closer := range a.closers {
		select {
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
			return ctx.Err()
		default:
		}
		if err := closer(); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	return nil
}
