package coach

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/teslashibe/go-nutrizen/pkg/capture"
	"github.com/teslashibe/go-nutrizen/pkg/history"
	"github.com/teslashibe/go-nutrizen/pkg/live"
	"github.com/teslashibe/go-nutrizen/pkg/reconciler"
)

// activeSession is one microphone-to-model conversation.
type activeSession struct {
	ctx    context.Context
	cancel context.CancelFunc
	rec    *reconciler.Reconciler

	mu      sync.Mutex
	live    *live.Session
	capture *capture.Pipeline
	err     error

	closed    chan struct{} // closed by the live OnClose callback
	closeOnce sync.Once
	loopDone  chan struct{}
}

func (s *activeSession) session() *live.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

func (s *activeSession) pipeline() *capture.Pipeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capture
}

func (s *activeSession) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// StartSession opens a live session and starts streaming the microphone.
// Only one session may be active at a time.
func (a *App) StartSession(ctx context.Context) error {
	if a.scheduler == nil {
		return errors.New("coach: Init has not been called")
	}

	a.mu.Lock()
	if a.active != nil {
		a.mu.Unlock()
		return ErrSessionActive
	}
	sctx, cancel := context.WithCancel(context.Background())
	as := &activeSession{
		ctx:      sctx,
		cancel:   cancel,
		closed:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	as.rec = reconciler.New(a.history, a.scheduler,
		reconciler.WithPolicy(a.policy),
		reconciler.WithLogger(a.component("reconciler")),
		reconciler.OnRelease(func(history.Message) { a.metrics.MarkReleased() }),
	)
	a.active = as
	a.state = StateListening
	a.mu.Unlock()

	a.removeNotices(NoticeWelcome, NoticeError, NoticeStartFailure)
	a.showNotice(NoticeListening)

	sess, err := a.openSession(ctx, as)
	if err != nil {
		cancel()
		a.mu.Lock()
		if a.active == as {
			a.active = nil
		}
		a.state = StateError
		a.mu.Unlock()

		a.removeNotices(NoticeListening)
		a.showNotice(NoticeStartFailure)
		a.logger.Error("session start failed", "error", err)
		return fmt.Errorf("coach: start session: %w", err)
	}

	as.mu.Lock()
	as.live = sess
	as.mu.Unlock()

	go a.loop(as)
	a.logger.Info("session started", "session", sess.ID())
	return nil
}

func (a *App) openSession(ctx context.Context, as *activeSession) (*live.Session, error) {
	src, err := a.newSource()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", capture.ErrDeviceUnavailable, err)
	}

	cfg := a.config.liveConfig()
	cfg.TokenSource = a.tokenSource

	var started bool
	cb := live.Callbacks{
		OnOpen: func(s *live.Session) error {
			p := capture.New(src, s,
				capture.WithFrameSize(a.config.FrameSize),
				capture.WithLogger(a.component("capture")),
			)
			as.mu.Lock()
			as.capture = p
			as.mu.Unlock()
			started = true
			return p.Start(as.ctx)
		},
		OnError: func(err error) { a.sessionFailed(as, err) },
		OnClose: func() { as.closeOnce.Do(func() { close(as.closed) }) },
	}

	sess, err := live.Open(ctx, cfg, cb, a.component("live"))
	if err != nil {
		// A failed capture start already released the device.
		if !started {
			if cerr := src.Close(); cerr != nil {
				a.logger.Warn("microphone close", "error", cerr)
			}
		}
		return nil, err
	}
	return sess, nil
}

// StopSession stops capture, closes the live session and silences
// playback, then waits for the session's event loop to finish.
func (a *App) StopSession(ctx context.Context) error {
	a.mu.Lock()
	as := a.active
	if as == nil || as.session() == nil {
		a.mu.Unlock()
		return ErrNoSession
	}
	a.state = StateProcessing
	a.mu.Unlock()

	a.clearNotices()
	a.showNotice(NoticeProcessing)

	if p := as.pipeline(); p != nil {
		if err := p.Stop(); err != nil {
			a.logger.Warn("capture stop", "error", err)
		}
	}
	as.session().Close()
	a.scheduler.StopAll()

	select {
	case <-as.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SessionDone returns a channel closed when the current session has fully
// ended. With no session the channel is already closed.
func (a *App) SessionDone() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return a.active.loopDone
}

// sessionFailed handles a transport error. The session is already
// released when it runs.
func (a *App) sessionFailed(as *activeSession, err error) {
	as.mu.Lock()
	as.err = err
	as.mu.Unlock()

	a.mu.Lock()
	current := a.active == as
	if current {
		a.state = StateError
	}
	a.mu.Unlock()
	if !current {
		return
	}

	a.logger.Error("live session error", "error", err)
	a.removeNotices(NoticeListening, NoticeProcessing)
	a.showNotice(NoticeError)

	if p := as.pipeline(); p != nil {
		_ = p.Stop()
	}
	a.scheduler.StopAll()
}

// loop is the session's single event consumer. Events are handled in
// arrival order; scheduler drains are folded into the same goroutine.
// Once the session is closing, events still buffered are discarded.
func (a *App) loop(as *activeSession) {
	defer close(as.loopDone)

	sess := as.session()
	events := sess.Events()
	var discarded int
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if discarded > 0 {
					a.logger.Debug("discarded events after close", "count", discarded)
				}
				a.finishSession(as)
				return
			}
			select {
			case <-sess.Done():
				discarded++
				continue
			default:
			}
			a.handleEvent(as, sess, ev)
		case <-a.drained:
			// Drops a stale signal left over from an earlier StopAll.
			if a.scheduler.Active() == 0 {
				as.rec.PlaybackDrained()
			}
		}
	}
}

func (a *App) handleEvent(as *activeSession, sess *live.Session, ev live.Event) {
	switch ev := ev.(type) {
	case live.ToolCallRequest:
		a.dispatcher.Handle(as.ctx, ev, sess)
		return
	case live.InputTranscriptDelta:
		a.metrics.MarkTranscript()
	case live.OutputTranscriptDelta:
		a.metrics.MarkFirstResponse()
	case live.ModelAudioChunk:
		if len(ev.Data) > 0 {
			a.metrics.MarkAudioIn()
		}
	case live.TurnComplete:
		a.metrics.MarkTurnComplete()
	case live.Interrupted:
		a.metrics.MarkInterrupted()
	}
	as.rec.Handle(ev)
}

// finishSession runs once the event stream has ended.
func (a *App) finishSession(as *activeSession) {
	// OnError, when there is one, runs before OnClose.
	<-as.closed
	as.cancel()

	if p := as.pipeline(); p != nil {
		if err := p.Stop(); err != nil {
			a.logger.Warn("capture stop", "error", err)
		}
		st := p.Stats()
		a.metrics.AddCapture(st.FramesSent, st.FramesDropped)
	}
	as.rec.Flush()
	a.scheduler.StopAll()
	a.metrics.EndSession()

	failed := as.failure() != nil
	a.mu.Lock()
	if a.active == as {
		a.active = nil
	}
	if failed {
		a.state = StateError
	} else {
		a.state = StateIdle
	}
	a.mu.Unlock()

	if failed {
		a.removeNotices(NoticeWelcome, NoticeListening, NoticeProcessing, NoticeStartFailure)
	} else {
		a.clearNotices()
	}
	a.logger.Info("session ended", "session", as.session().ID(), "failed", failed)
}
