// Package reconciler turns the live event stream into conversation
// history. It accumulates transcript fragments into evolving partial
// messages, finalizes them on turn completion, and holds the coach's final
// message back until its audio has drained.
package reconciler

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/teslashibe/go-nutrizen/pkg/analysis"
	"github.com/teslashibe/go-nutrizen/pkg/audioio"
	"github.com/teslashibe/go-nutrizen/pkg/history"
	"github.com/teslashibe/go-nutrizen/pkg/live"
	"github.com/teslashibe/go-nutrizen/pkg/playback"
)

// State is the reconciler's turn state.
type State int

const (
	Idle State = iota
	Accumulating
	AwaitingAudioDrain
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Accumulating:
		return "accumulating"
	case AwaitingAudioDrain:
		return "awaiting_audio_drain"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ReleasePolicy decides when a held coach message becomes visible.
type ReleasePolicy int

const (
	// ReleaseOnPlaybackDrain waits for the drain signal and for the
	// player to have nothing left to play.
	ReleaseOnPlaybackDrain ReleasePolicy = iota

	// ReleaseOnDrainSignal releases as soon as a server message arrives
	// without audio.
	ReleaseOnDrainSignal
)

func (p ReleasePolicy) String() string {
	switch p {
	case ReleaseOnPlaybackDrain:
		return "playback-drain"
	case ReleaseOnDrainSignal:
		return "drain-signal"
	}
	return fmt.Sprintf("ReleasePolicy(%d)", int(p))
}

// ParseReleasePolicy parses "playback-drain" or "drain-signal". The empty
// string selects ReleaseOnPlaybackDrain.
func ParseReleasePolicy(s string) (ReleasePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "playback-drain":
		return ReleaseOnPlaybackDrain, nil
	case "drain-signal":
		return ReleaseOnDrainSignal, nil
	}
	return 0, fmt.Errorf("reconciler: unknown release policy %q", s)
}

// Sink is the visible history.
type Sink interface {
	ShowPartial(sender history.Sender, text string) history.Message
	Commit(msg history.Message) history.Message
}

// Player schedules decoded model audio.
type Player interface {
	Enqueue(samples [][]float32, sampleRate int) *playback.Segment
	StopAll()
	Active() int
}

// PendingTurn is the in-progress turn.
type PendingTurn struct {
	UserBuffer  string
	CoachBuffer string

	// Finalized is the coach message waiting for its audio to drain.
	Finalized *history.Message
}

// Reconciler applies server events to history and playback. Handle must
// be called from a single goroutine in event order; PlaybackDrained and
// State may be called from any goroutine.
type Reconciler struct {
	sink   Sink
	player Player
	policy ReleasePolicy
	logger *slog.Logger

	onRelease func(history.Message)

	mu    sync.Mutex
	state State
	turn  PendingTurn
	armed bool
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithPolicy sets the release policy.
func WithPolicy(p ReleasePolicy) Option {
	return func(r *Reconciler) { r.policy = p }
}

// WithLogger sets the reconciler logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// OnRelease registers fn to run after a coach message becomes visible.
func OnRelease(fn func(history.Message)) Option {
	return func(r *Reconciler) { r.onRelease = fn }
}

// New creates a reconciler writing to sink and playing through player.
func New(sink Sink, player Player, opts ...Option) *Reconciler {
	r := &Reconciler{
		sink:   sink,
		player: player,
		policy: ReleaseOnPlaybackDrain,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle applies one event.
func (r *Reconciler) Handle(ev live.Event) {
	switch ev := ev.(type) {
	case live.InputTranscriptDelta:
		r.appendDelta(history.SenderUser, ev.Text)
	case live.OutputTranscriptDelta:
		r.appendDelta(history.SenderCoach, ev.Text)
	case live.TurnComplete:
		r.turnComplete()
	case live.ModelAudioChunk:
		r.audioChunk(ev)
	case live.Interrupted:
		r.logger.Debug("interrupted, stopping playback")
		r.player.StopAll()
	case live.ToolCallRequest:
		// Tool calls go to the dispatcher.
	default:
		r.logger.Warn("unhandled event", "type", fmt.Sprintf("%T", ev))
	}
}

func (r *Reconciler) appendDelta(sender history.Sender, text string) {
	var released *history.Message

	r.mu.Lock()
	if sender == history.SenderUser {
		r.turn.UserBuffer += text
	} else {
		// New model output starts a new coach message; whatever was
		// held from the previous turn goes out first.
		if r.turn.Finalized != nil {
			released = r.takeFinalizedLocked()
		}
		r.turn.CoachBuffer += text
	}
	if r.state == Idle {
		r.state = Accumulating
	}
	buf := r.turn.UserBuffer
	if sender == history.SenderCoach {
		buf = r.turn.CoachBuffer
	}
	r.mu.Unlock()

	if released != nil {
		r.commitRelease(*released)
	}
	if trimmed := strings.TrimSpace(buf); trimmed != "" {
		r.sink.ShowPartial(sender, trimmed)
	}
}

func (r *Reconciler) turnComplete() {
	r.mu.Lock()
	var previous *history.Message
	if r.turn.Finalized != nil {
		previous = r.takeFinalizedLocked()
	}
	user, coach := r.finalizeLocked()
	if coach != nil {
		r.state = AwaitingAudioDrain
	} else {
		r.state = Idle
	}
	r.mu.Unlock()

	if previous != nil {
		r.commitRelease(*previous)
	}
	if user != nil {
		r.sink.Commit(*user)
	}
}

// finalizeLocked builds the user and coach messages from the buffers,
// holds the coach message and clears both buffers.
func (r *Reconciler) finalizeLocked() (user, coach *history.Message) {
	if text := strings.TrimSpace(r.turn.UserBuffer); text != "" {
		user = &history.Message{Sender: history.SenderUser, Text: text}
	}
	if text := strings.TrimSpace(r.turn.CoachBuffer); text != "" {
		commentary, a, err := analysis.Extract(text)
		if err != nil {
			r.logger.Warn("structured analysis ignored", "error", err)
		}
		coach = &history.Message{Sender: history.SenderCoach, Text: commentary, Analysis: a}
		r.turn.Finalized = coach
		r.armed = false
	}
	r.turn.UserBuffer = ""
	r.turn.CoachBuffer = ""
	return user, coach
}

func (r *Reconciler) audioChunk(ev live.ModelAudioChunk) {
	if len(ev.Data) > 0 {
		samples, err := audioio.PCM16ToFloat(ev.Data, 1, audioio.OutputSampleRate)
		if err != nil {
			r.logger.Warn("dropping model audio chunk", "error", err, "bytes", len(ev.Data))
			return
		}
		r.player.Enqueue(samples, audioio.OutputSampleRate)
		return
	}

	r.mu.Lock()
	if r.turn.Finalized == nil {
		r.mu.Unlock()
		return
	}
	var released *history.Message
	if r.policy == ReleaseOnDrainSignal || r.player.Active() == 0 {
		released = r.takeFinalizedLocked()
	} else {
		r.armed = true
	}
	r.mu.Unlock()

	if released != nil {
		r.commitRelease(*released)
	}
}

// PlaybackDrained reports that the player has finished everything it was
// given. An armed release completes here.
func (r *Reconciler) PlaybackDrained() {
	r.mu.Lock()
	if !r.armed || r.turn.Finalized == nil {
		r.mu.Unlock()
		return
	}
	released := r.takeFinalizedLocked()
	r.mu.Unlock()

	r.commitRelease(*released)
}

// Flush ends the session's turn: a held message is released and any
// partial text is finalized so nothing the user saw disappears.
func (r *Reconciler) Flush() {
	r.mu.Lock()
	var held *history.Message
	if r.turn.Finalized != nil {
		held = r.takeFinalizedLocked()
	}
	user, coach := r.finalizeLocked()
	if coach != nil {
		coach = r.takeFinalizedLocked()
	}
	r.state = Idle
	r.mu.Unlock()

	if held != nil {
		r.commitRelease(*held)
	}
	if user != nil {
		r.sink.Commit(*user)
	}
	if coach != nil {
		r.commitRelease(*coach)
	}
}

// State returns the current turn state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Pending returns a copy of the in-progress turn.
func (r *Reconciler) Pending() PendingTurn {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.turn
	if p.Finalized != nil {
		m := *p.Finalized
		p.Finalized = &m
	}
	return p
}

func (r *Reconciler) takeFinalizedLocked() *history.Message {
	msg := r.turn.Finalized
	r.turn.Finalized = nil
	r.armed = false
	if r.turn.UserBuffer != "" || r.turn.CoachBuffer != "" {
		r.state = Accumulating
	} else {
		r.state = Idle
	}
	return msg
}

func (r *Reconciler) commitRelease(msg history.Message) {
	committed := r.sink.Commit(msg)
	r.logger.Debug("coach message released",
		"id", committed.ID,
		"has_analysis", committed.Analysis != nil,
	)
	if r.onRelease != nil {
		r.onRelease(committed)
	}
}
