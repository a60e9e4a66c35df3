// Package live is a client for the Gemini Live bidirectional audio API.
//
// A Session owns one websocket. Outbound messages go through a single
// writer goroutine; inbound messages are mapped to Events and delivered in
// arrival order on one channel.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/teslashibe/go-nutrizen/pkg/audioio"
	"github.com/teslashibe/go-nutrizen/pkg/capture"
)

// Callbacks are session lifecycle hooks. All are optional.
type Callbacks struct {
	// OnOpen runs at the end of Open once the server accepted the setup.
	// A non-nil error aborts Open and closes the session.
	OnOpen func(s *Session) error

	// OnError receives the transport failure that ended the session.
	OnError func(err error)

	// OnClose runs once after the connection is released.
	OnClose func()
}

// Stats reports session counters.
type Stats struct {
	ID             string `json:"id"`
	AudioSent      int64  `json:"audio_sent"`
	AudioDropped   int64  `json:"audio_dropped"`
	ToolResults    int64  `json:"tool_results"`
	EventsReceived int64  `json:"events_received"`
	BadAudio       int64  `json:"bad_audio"`
}

// realtimeInput is the outbound audio frame. Capture already produces
// base64 text, so the frame is written as-is rather than through
// genai.Blob which would encode it again.
type realtimeInput struct {
	RealtimeInput struct {
		MediaChunks []mediaChunk `json:"mediaChunks"`
	} `json:"realtimeInput"`
}

type mediaChunk struct {
	Data     string `json:"data"`
	MIMEType string `json:"mimeType"`
}

// Session is one open Live connection.
type Session struct {
	id     string
	cfg    Config
	conn   *websocket.Conn
	cb     Callbacks
	logger *slog.Logger

	out    chan any
	events chan Event

	done     chan struct{}
	released chan struct{}
	stopOnce sync.Once
	errOnce  sync.Once
	err      error
	wg       sync.WaitGroup
	writerWG sync.WaitGroup

	audioSent    atomic.Int64
	audioDropped atomic.Int64
	toolResults  atomic.Int64
	received     atomic.Int64
	badAudio     atomic.Int64
}

// Open dials the endpoint, sends the setup message and waits for the
// server to acknowledge it. Only one session should be open at a time;
// callers serialize Open and Close.
func Open(ctx context.Context, cfg Config, cb Callbacks, logger *slog.Logger) (*Session, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	target, header, err := dialTarget(cfg)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, &TransportError{Op: "dial", Err: err}
	}

	s := &Session{
		id:       uuid.NewString(),
		cfg:      cfg,
		conn:     conn,
		cb:       cb,
		out:      make(chan any, cfg.SendBuffer),
		events:   make(chan Event, cfg.EventBuffer),
		done:     make(chan struct{}),
		released: make(chan struct{}),
	}
	s.logger = logger.With("session", s.id)

	if err := s.handshake(); err != nil {
		conn.Close()
		return nil, err
	}

	s.writerWG.Add(1)
	go s.writeLoop()
	s.wg.Add(2)
	go s.readLoop()
	go s.keepAlive()
	go s.supervise()

	s.logger.Info("live session open", "model", cfg.Model, "voice", cfg.Voice, "tools", len(cfg.Tools))

	if cb.OnOpen != nil {
		if err := cb.OnOpen(s); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

func dialTarget(cfg Config) (string, http.Header, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return "", nil, &TransportError{Op: "dial", Err: err}
	}
	header := make(http.Header)

	switch {
	case cfg.TokenSource != nil:
		tok, err := cfg.TokenSource.Token()
		if err != nil {
			return "", nil, &TransportError{Op: "dial", Err: fmt.Errorf("token: %w", err)}
		}
		tok.SetAuthHeader(&http.Request{Header: header})
	case cfg.APIKey != "":
		q := u.Query()
		q.Set("key", cfg.APIKey)
		u.RawQuery = q.Encode()
	default:
		return "", nil, ErrMissingCredentials
	}
	return u.String(), header, nil
}

// handshake sends setup and blocks until setupComplete.
func (s *Session) handshake() error {
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteJSON(s.cfg.setupMessage()); err != nil {
		return &TransportError{Op: "setup", Err: err}
	}
	s.conn.SetWriteDeadline(time.Time{})

	s.conn.SetReadDeadline(deadline)
	defer s.conn.SetReadDeadline(time.Time{})
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return &TransportError{Op: "setup", Err: err}
		}
		d, err := decodeServerMessage(raw)
		if err != nil {
			s.logger.Warn("undecodable message during setup", "error", err)
			continue
		}
		if d.msg.SetupComplete != nil {
			return nil
		}
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Events returns the ordered event stream. It is closed when the session
// ends. Events may still be buffered after Done is closed; consumers
// should drain and discard them.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed when the session starts shutting down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the transport error that ended the session, if any.
func (s *Session) Err() error {
	select {
	case <-s.released:
		return s.err
	default:
		return nil
	}
}

// SendAudio queues one capture frame. It never blocks: the frame is
// dropped and false returned when the send queue is full or the session
// is closed.
func (s *Session) SendAudio(f capture.Frame) bool {
	var msg realtimeInput
	msg.RealtimeInput.MediaChunks = []mediaChunk{{Data: f.Data, MIMEType: f.MIMEType}}

	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- msg:
		s.audioSent.Add(1)
		return true
	default:
		s.audioDropped.Add(1)
		return false
	}
}

// TrySend implements capture.FrameSender.
func (s *Session) TrySend(f capture.Frame) bool { return s.SendAudio(f) }

// SendToolResult queues a function response correlated by call id. It
// waits for queue space, the session to close, or ctx.
func (s *Session) SendToolResult(ctx context.Context, id, name string, response map[string]any) error {
	msg := &genai.LiveClientMessage{
		ToolResponse: &genai.LiveClientToolResponse{
			FunctionResponses: []*genai.FunctionResponse{{
				ID:       id,
				Name:     name,
				Response: response,
			}},
		},
	}

	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.out <- msg:
		s.toolResults.Add(1)
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the session and waits for the connection to be released.
// It is safe to call multiple times and from callbacks.
func (s *Session) Close() error {
	s.stop()
	<-s.released
	return nil
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		ID:             s.id,
		AudioSent:      s.audioSent.Load(),
		AudioDropped:   s.audioDropped.Load(),
		ToolResults:    s.toolResults.Load(),
		EventsReceived: s.received.Load(),
		BadAudio:       s.badAudio.Load(),
	}
}

func (s *Session) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *Session) fail(err error) {
	s.errOnce.Do(func() {
		s.err = err
		s.logger.Error("live session failed", "error", err)
	})
	s.stop()
}

// supervise releases the connection once the session is stopped and then
// runs the error and close callbacks.
func (s *Session) supervise() {
	<-s.done

	// Let the writer send its close frame before the socket goes away.
	s.writerWG.Wait()
	s.conn.Close()
	s.wg.Wait()

	err := s.err
	close(s.released)

	if err != nil && s.cb.OnError != nil {
		s.cb.OnError(err)
	}
	if s.cb.OnClose != nil {
		s.cb.OnClose()
	}
	s.logger.Info("live session closed",
		"audio_sent", s.audioSent.Load(),
		"audio_dropped", s.audioDropped.Load(),
		"events", s.received.Load(),
	)
}

func (s *Session) writeLoop() {
	defer s.writerWG.Done()
	for {
		select {
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case msg := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteJSON(msg); err != nil {
				s.fail(&TransportError{Op: "write", Err: err})
				return
			}
		}
	}
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	defer close(s.events)

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				// Closed locally.
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					s.logger.Info("live session closed by server")
					s.stop()
				} else {
					s.fail(&TransportError{Op: "read", Err: err})
				}
			}
			return
		}

		d, err := decodeServerMessage(raw)
		if err != nil {
			s.logger.Warn("dropping undecodable server message", "error", err, "bytes", len(raw))
			continue
		}
		if d.audioErr != nil {
			s.badAudio.Add(1)
			encErr := &audioio.EncodingError{Op: "decode base64", Err: d.audioErr}
			s.logger.Warn("dropping corrupt audio chunk", "error", encErr)
		}
		s.logControl(d.msg)

		for _, ev := range Events(d.msg) {
			select {
			case <-s.done:
				return
			default:
			}
			select {
			case s.events <- ev:
				s.received.Add(1)
			case <-s.done:
				return
			}
		}
	}
}

func (s *Session) logControl(msg *genai.LiveServerMessage) {
	switch {
	case msg.GoAway != nil:
		s.logger.Warn("server going away", "time_left", msg.GoAway.TimeLeft)
	case msg.ToolCallCancellation != nil:
		s.logger.Info("tool calls cancelled", "cancellation", msg.ToolCallCancellation)
	case msg.UsageMetadata != nil:
		s.logger.Debug("usage", "total_tokens", msg.UsageMetadata.TotalTokenCount)
	}
}

func (s *Session) keepAlive() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				s.fail(&TransportError{Op: "write", Err: fmt.Errorf("ping: %w", err)})
				return
			}
		}
	}
}
