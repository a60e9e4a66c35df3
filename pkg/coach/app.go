package coach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/teslashibe/go-nutrizen/internal/httpc"
	"github.com/teslashibe/go-nutrizen/pkg/audioio"
	"github.com/teslashibe/go-nutrizen/pkg/backend"
	"github.com/teslashibe/go-nutrizen/pkg/capture"
	"github.com/teslashibe/go-nutrizen/pkg/history"
	"github.com/teslashibe/go-nutrizen/pkg/live"
	"github.com/teslashibe/go-nutrizen/pkg/playback"
	"github.com/teslashibe/go-nutrizen/pkg/reconciler"
	"github.com/teslashibe/go-nutrizen/pkg/tools"
)

// OAuth scopes requested with Application Default Credentials.
var adcScopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/generative-language",
}

// App is the coach application orchestrator.
// It owns the history, the playback timeline and at most one live session.
type App struct {
	config Config
	logger *slog.Logger
	base   *slog.Logger // without the component tag
	policy reconciler.ReleasePolicy

	// Core components
	history    *history.Store
	backend    backend.Backend
	dispatcher *tools.Dispatcher
	metrics    *MetricsCollector

	// Audio
	sink      audioio.Sink
	clock     playback.Clock
	scheduler *playback.Scheduler
	newSource func() (audioio.Source, error)

	tokenSource oauth2.TokenSource

	// drained carries scheduler drain notifications into the event loop.
	drained chan struct{}

	// State
	mu      sync.Mutex
	state   SessionState
	active  *activeSession
	notices map[Notice]string
}

// Option configures an App.
type Option func(*App)

// WithLogger sets the application logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithBackend replaces the user-data backend chosen from the config.
func WithBackend(b backend.Backend) Option {
	return func(a *App) { a.backend = b }
}

// WithSink replaces the playback device.
func WithSink(s audioio.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithSourceFactory replaces how a microphone source is opened for each
// session.
func WithSourceFactory(fn func() (audioio.Source, error)) Option {
	return func(a *App) { a.newSource = fn }
}

// WithClock sets the playback clock.
func WithClock(c playback.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithTokenSource authenticates sessions with ts.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(a *App) { a.tokenSource = ts }
}

// New creates a coach application with the given configuration.
func New(cfg Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, _ := reconciler.ParseReleasePolicy(cfg.ReleasePolicy)

	a := &App{
		config:  cfg,
		logger:  slog.Default(),
		policy:  policy,
		history: history.NewStore(),
		metrics: NewMetricsCollector(),
		drained: make(chan struct{}, 1),
		state:   StateIdle,
		notices: make(map[Notice]string),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.base = a.logger
	a.logger = a.component("coach")
	return a, nil
}

// component returns the logger for one part of the app.
func (a *App) component(name string) *slog.Logger {
	return a.base.With("component", name)
}

// Init prepares the backend, the tool dispatcher and the playback device.
// Call this after New() and before StartSession().
func (a *App) Init(ctx context.Context) error {
	if a.backend == nil {
		b, err := a.openBackend()
		if err != nil {
			return fmt.Errorf("backend init: %w", err)
		}
		a.backend = b
	}
	a.dispatcher = tools.NewDispatcher(a.backend,
		tools.WithConcurrency(a.config.ToolConcurrency),
		tools.WithDefaultUserID(a.config.UserID),
		tools.WithLogger(a.component("tools")),
	)

	if a.config.UseADC && a.tokenSource == nil {
		ts, err := google.DefaultTokenSource(ctx, adcScopes...)
		if err != nil {
			return fmt.Errorf("application default credentials: %w", err)
		}
		a.tokenSource = ts
	}

	if a.newSource == nil {
		a.newSource = func() (audioio.Source, error) {
			cfg := audioio.DefaultConfig()
			cfg.Backend = audioio.Backend(a.config.AudioBackend)
			cfg.Device = a.config.AudioDevice
			return audioio.NewSource(cfg, a.component("mic"))
		}
	}
	if a.sink == nil {
		cfg := audioio.DefaultOutputConfig()
		cfg.Backend = audioio.Backend(a.config.AudioBackend)
		sink, err := audioio.NewSink(cfg, a.component("speaker"))
		if err != nil {
			return fmt.Errorf("audio output: %w", err)
		}
		a.sink = sink
	}
	if err := a.sink.Start(ctx); err != nil {
		return fmt.Errorf("audio output: %w", err)
	}

	if a.clock == nil {
		a.clock = playback.NewWallClock()
	}
	out := playback.NewSinkOutput(a.sink, a.clock, a.component("playback"))
	a.scheduler = playback.New(a.clock, out, playback.WithLogger(a.component("playback")))
	out.Bind(a.scheduler)
	a.scheduler.OnDrained(a.signalDrained)

	a.showNotice(NoticeWelcome)
	a.logger.Info("coach ready",
		"model", a.config.Model,
		"voice", a.config.Voice,
		"user_id", a.config.UserID,
		"release_policy", a.policy,
	)
	return nil
}

func (a *App) openBackend() (backend.Backend, error) {
	if a.config.BackendURL != "" {
		a.logger.Info("using http backend", "url", a.config.BackendURL)
		return backend.NewHTTP(a.config.BackendURL, httpc.NewClient(10*time.Second)), nil
	}
	seed := backend.DefaultSeed()
	if a.config.ProfileFile != "" {
		s, err := backend.LoadSeed(a.config.ProfileFile)
		if err != nil {
			return nil, err
		}
		seed = s
	}
	return backend.NewMemory(seed, a.component("backend")), nil
}

// Run blocks until ctx is cancelled, then shuts the app down.
func (a *App) Run(ctx context.Context) error {
	<-ctx.Done()
	a.Shutdown()
	return nil
}

// Shutdown stops any running session and releases the audio output.
func (a *App) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.StopSession(ctx); err != nil && err != ErrNoSession {
		a.logger.Warn("session stop on shutdown", "error", err)
	}
	if a.dispatcher != nil {
		a.dispatcher.Wait()
	}
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			a.logger.Warn("audio output close", "error", err)
		}
	}
	a.logger.Info("coach stopped", "turns", a.metrics.Totals().Turns)
}

// History returns the conversation history.
func (a *App) History() *history.Store { return a.history }

// Metrics returns the latency collector.
func (a *App) Metrics() *MetricsCollector { return a.metrics }

// Backend returns the user-data backend.
func (a *App) Backend() backend.Backend { return a.backend }

// Dispatcher returns the tool dispatcher. It is nil before Init.
func (a *App) Dispatcher() *tools.Dispatcher { return a.dispatcher }

// RunTool runs a declared tool directly against the backend, outside any
// session. The user id defaults to the configured one.
func (a *App) RunTool(ctx context.Context, name string, args map[string]any) (any, error) {
	if a.dispatcher == nil {
		return nil, errors.New("coach: Init has not been called")
	}
	n, err := tools.Parse(name)
	if err != nil {
		return nil, err
	}
	result, err := a.dispatcher.Dispatch(ctx, n, args)
	if err != nil {
		return nil, &tools.ExecutionError{Tool: n, Err: err}
	}
	return result, nil
}

// State returns the session state.
func (a *App) State() SessionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Status is a point-in-time view of the app for the host API.
type Status struct {
	State       SessionState  `json:"state"`
	SessionID   string        `json:"session_id,omitempty"`
	Turn        string        `json:"turn,omitempty"`
	Playing     int           `json:"playing"`
	Capture     capture.Stats `json:"capture"`
	Live        live.Stats    `json:"live"`
	Tools       tools.Stats   `json:"tools"`
	Totals      Totals        `json:"totals"`
	Current     TurnMetrics   `json:"current_turn"`
	Average     TurnMetrics   `json:"average_turn"`
	Messages    int           `json:"messages"`
	ReleaseMode string        `json:"release_policy"`
}

// Status returns the current status.
func (a *App) Status() Status {
	a.mu.Lock()
	st := Status{State: a.state, ReleaseMode: a.policy.String()}
	as := a.active
	a.mu.Unlock()

	if as != nil {
		if sess := as.session(); sess != nil {
			st.SessionID = sess.ID()
			st.Live = sess.Stats()
		}
		if p := as.pipeline(); p != nil {
			st.Capture = p.Stats()
		}
		st.Turn = as.rec.State().String()
	}
	if a.scheduler != nil {
		st.Playing = a.scheduler.Active()
	}
	if a.dispatcher != nil {
		st.Tools = a.dispatcher.Stats()
	}
	st.Totals = a.metrics.Totals()
	st.Current = a.metrics.Current()
	st.Average = a.metrics.Average()
	st.Messages = a.history.Len()
	return st
}

// showNotice displays n, replacing an earlier copy of the same notice.
func (a *App) showNotice(n Notice) {
	a.removeNotices(n)
	msg := a.history.Append(history.Message{Sender: history.SenderSystem, Text: n.Text()})
	a.mu.Lock()
	a.notices[n] = msg.ID
	a.mu.Unlock()
}

func (a *App) removeNotices(ns ...Notice) {
	for _, n := range ns {
		a.mu.Lock()
		id, ok := a.notices[n]
		delete(a.notices, n)
		a.mu.Unlock()
		if ok {
			a.history.RemoveID(id)
		}
	}
}

// clearNotices removes every system message.
func (a *App) clearNotices() {
	a.history.RemoveSystem()
	a.mu.Lock()
	a.notices = make(map[Notice]string)
	a.mu.Unlock()
}

func (a *App) signalDrained() {
	select {
	case a.drained <- struct{}{}:
	default:
	}
}
