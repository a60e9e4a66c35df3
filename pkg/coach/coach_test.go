package coach

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-nutrizen/pkg/audioio"
	"github.com/teslashibe/go-nutrizen/pkg/backend"
	"github.com/teslashibe/go-nutrizen/pkg/capture"
	"github.com/teslashibe/go-nutrizen/pkg/history"
	"github.com/teslashibe/go-nutrizen/pkg/tools"
)

// fakeLive is a scripted live server. Tool responses sent by the client
// are forwarded to toolResponses; audio frames are counted.
type fakeLive struct {
	srv           *httptest.Server
	toolResponses chan map[string]any
	audioFrames   chan struct{}
}

func newFakeLive(t *testing.T, script func(conn *websocket.Conn)) *fakeLive {
	t.Helper()
	f := &fakeLive{
		toolResponses: make(chan map[string]any, 4),
		audioFrames:   make(chan struct{}, 1),
	}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var setup map[string]any
		if err := conn.ReadJSON(&setup); err != nil {
			return
		}
		if err := conn.WriteJSON(map[string]any{"setupComplete": map[string]any{}}); err != nil {
			return
		}

		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				var m map[string]any
				if err := conn.ReadJSON(&m); err != nil {
					return
				}
				if tr, ok := m["toolResponse"].(map[string]any); ok {
					f.toolResponses <- tr
				}
				if _, ok := m["realtimeInput"]; ok {
					select {
					case f.audioFrames <- struct{}{}:
					default:
					}
				}
			}
		}()

		if script != nil {
			script(conn)
		}
		<-gone
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeLive) endpoint() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func send(conn *websocket.Conn, format string, args ...any) {
	conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(format, args...)))
}

func newTestApp(t *testing.T, endpoint, policy string, opts ...Option) (*App, *backend.Memory) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.APIKey = "test-key"
	cfg.Endpoint = endpoint
	cfg.ReleasePolicy = policy
	cfg.AudioBackend = string(audioio.BackendMock)
	cfg.FrameSize = 320

	mem := backend.NewMemory(backend.DefaultSeed(), nil)
	base := []Option{
		WithBackend(mem),
		WithSink(audioio.NewMockSink(audioio.DefaultOutputConfig(), nil)),
		WithSourceFactory(func() (audioio.Source, error) {
			return audioio.NewMockSource(audioio.DefaultConfig(), nil, audioio.WithSineWave(440, 0.3)), nil
		}),
	}
	a, err := New(cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(a.Shutdown)
	return a, mem
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func messages(a *App, sender history.Sender) []history.Message {
	var out []history.Message
	for _, m := range a.History().Snapshot() {
		if m.Sender == sender && !m.Partial {
			out = append(out, m)
		}
	}
	return out
}

func hasNotice(a *App, n Notice) bool {
	for _, m := range messages(a, history.SenderSystem) {
		if m.Text == n.Text() {
			return true
		}
	}
	return false
}

// coachMessage builds a server message carrying coach transcript text and
// audioBytes of silent PCM.
func coachMessage(t *testing.T, text string, audioBytes int) []byte {
	t.Helper()
	msg := map[string]any{
		"serverContent": map[string]any{
			"outputTranscription": map[string]any{"text": text},
			"modelTurn": map[string]any{
				"parts": []any{map[string]any{
					"inlineData": map[string]any{
						"data":     base64.StdEncoding.EncodeToString(make([]byte, audioBytes)),
						"mimeType": "audio/pcm;rate=24000",
					},
				}},
			},
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestInit_ShowsWelcome(t *testing.T) {
	a, _ := newTestApp(t, "ws://127.0.0.1:1", "")
	if !hasNotice(a, NoticeWelcome) {
		t.Error("welcome notice missing")
	}
	if a.State() != StateIdle {
		t.Errorf("state = %s", a.State())
	}
}

func TestSession_ConversationTurn(t *testing.T) {
	tests := []struct {
		name   string
		policy string
	}{
		{"drain signal", "drain-signal"},
		{"playback drain", "playback-drain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := coachMessage(t, "Très bien ```json {\"meal_understanding\":{\"items\":[{\"name\":\"pomme\",\"estimated_qty_g\":150}]}} ``` merci", 480)
			f := newFakeLive(t, func(conn *websocket.Conn) {
				send(conn, `{"serverContent":{"inputTranscription":{"text":"Bon"}}}`)
				send(conn, `{"serverContent":{"inputTranscription":{"text":"jour"}}}`)
				send(conn, "%s", reply)
				send(conn, `{"serverContent":{"turnComplete":true}}`)
			})
			a, _ := newTestApp(t, f.endpoint(), tt.policy)

			if err := a.StartSession(context.Background()); err != nil {
				t.Fatalf("StartSession: %v", err)
			}
			if a.State() != StateListening {
				t.Errorf("state = %s, want listening", a.State())
			}
			if hasNotice(a, NoticeWelcome) || !hasNotice(a, NoticeListening) {
				t.Error("listening notice should replace welcome")
			}

			eventually(t, "coach message", func() bool {
				return len(messages(a, history.SenderCoach)) == 1
			})

			user := messages(a, history.SenderUser)
			if len(user) != 1 || user[0].Text != "Bonjour" {
				t.Errorf("user messages = %+v", user)
			}
			coach := messages(a, history.SenderCoach)[0]
			if coach.Text != "Très bien merci" {
				t.Errorf("coach text = %q", coach.Text)
			}
			if coach.Analysis == nil || coach.Analysis.MealUnderstanding.Items[0].Name != "pomme" {
				t.Errorf("analysis = %+v", coach.Analysis)
			}

			eventually(t, "turn archived", func() bool { return a.Metrics().Totals().Turns == 1 })
			turn := a.Metrics().Turns()[0]
			if turn.AudioChunksIn != 1 || turn.ReleaseTime.IsZero() {
				t.Errorf("turn metrics = %+v", turn)
			}
		})
	}
}

func TestSession_ToolCallAnswered(t *testing.T) {
	f := newFakeLive(t, func(conn *websocket.Conn) {
		send(conn, `{"toolCall":{"functionCalls":[{"id":"c1","name":"save_meal_log","args":{"user_id":"user_1234","meal_text":"Une pomme","parsed_items":["pomme"],"estimated_macros":{"kcal":80}}}]}}`)
	})
	a, mem := newTestApp(t, f.endpoint(), "")

	if err := a.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	select {
	case tr := <-f.toolResponses:
		resps, _ := tr["functionResponses"].([]any)
		if len(resps) != 1 {
			t.Fatalf("responses = %v", tr)
		}
		r := resps[0].(map[string]any)
		if r["id"] != "c1" || r["name"] != "save_meal_log" {
			t.Errorf("response = %v", r)
		}
		result, _ := r["response"].(map[string]any)["result"].(map[string]any)
		if result["ok"] != true {
			t.Errorf("result = %v", result)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no tool response")
	}

	if logs := mem.MealLogs(); len(logs) != 1 || logs[0].MealText != "Une pomme" {
		t.Errorf("meal logs = %+v", logs)
	}
}

func TestSession_StreamsMicrophone(t *testing.T) {
	f := newFakeLive(t, nil)
	a, _ := newTestApp(t, f.endpoint(), "")

	if err := a.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	select {
	case <-f.audioFrames:
	case <-time.After(3 * time.Second):
		t.Fatal("no audio frame reached the server")
	}
	if st := a.Status(); st.SessionID == "" || !st.Capture.Running {
		t.Errorf("status = %+v", st)
	}
}

func TestStopSession(t *testing.T) {
	f := newFakeLive(t, func(conn *websocket.Conn) {
		send(conn, `{"serverContent":{"inputTranscription":{"text":"Une salade"}}}`)
	})
	a, _ := newTestApp(t, f.endpoint(), "")

	if err := a.StopSession(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Errorf("stop before start = %v", err)
	}
	if err := a.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := a.StartSession(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Errorf("second start = %v", err)
	}
	eventually(t, "user partial", func() bool { return a.History().Len() >= 2 })

	done := a.SessionDone()
	select {
	case <-done:
		t.Fatal("SessionDone closed while the session runs")
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := a.StopSession(ctx); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	select {
	case <-done:
	default:
		t.Error("SessionDone still open after StopSession")
	}

	if a.State() != StateIdle {
		t.Errorf("state = %s, want idle", a.State())
	}
	if n := len(messages(a, history.SenderSystem)); n != 0 {
		t.Errorf("%d system messages left", n)
	}
	// The partial was handled before the stop, so it is kept as a final
	// message.
	if user := messages(a, history.SenderUser); len(user) != 1 || user[0].Text != "Une salade" {
		t.Errorf("user messages = %+v", user)
	}

	// A new session can start.
	if err := a.StartSession(context.Background()); err != nil {
		t.Errorf("restart: %v", err)
	}
}

// gatedClock stalls its first Now call, which holds the event loop inside
// the first audio Enqueue until open is closed.
type gatedClock struct {
	once    sync.Once
	entered chan struct{}
	open    chan struct{}
}

func (c *gatedClock) Now() time.Duration {
	c.once.Do(func() {
		close(c.entered)
		<-c.open
	})
	return 0
}

func TestStopSession_DiscardsBufferedEvents(t *testing.T) {
	f := newFakeLive(t, func(conn *websocket.Conn) {
		send(conn, `{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"data":"AAAAAA==","mimeType":"audio/pcm;rate=24000"}}]}}}`)
		send(conn, `{"serverContent":{"inputTranscription":{"text":"Trop tard"}}}`)
	})
	clock := &gatedClock{entered: make(chan struct{}), open: make(chan struct{})}
	a, _ := newTestApp(t, f.endpoint(), "", WithClock(clock))
	var release sync.Once
	openGate := func() { release.Do(func() { close(clock.open) }) }
	t.Cleanup(openGate)

	if err := a.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	select {
	case <-clock.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("audio chunk never reached playback")
	}

	a.mu.Lock()
	sess := a.active.session()
	a.mu.Unlock()
	// The audio chunk, the transcript delta and its empty audio chunk.
	eventually(t, "transcript buffered", func() bool { return sess.Stats().EventsReceived >= 3 })

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		stopped <- a.StopSession(ctx)
	}()
	select {
	case <-sess.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session never started closing")
	}
	openGate()

	if err := <-stopped; err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	for _, m := range a.History().Snapshot() {
		if strings.Contains(m.Text, "Trop tard") {
			t.Errorf("event buffered before close reached history: %+v", m)
		}
	}
	if a.State() != StateIdle {
		t.Errorf("state = %s, want idle", a.State())
	}
}

func TestSession_TransportErrorShowsError(t *testing.T) {
	var conns atomic.Int32
	f := newFakeLive(t, func(conn *websocket.Conn) {
		if conns.Add(1) == 1 {
			conn.UnderlyingConn().Close()
		}
	})
	a, _ := newTestApp(t, f.endpoint(), "")

	if err := a.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	eventually(t, "session end", func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.active == nil
	})

	if a.State() != StateError {
		t.Errorf("state = %s, want error", a.State())
	}
	if !hasNotice(a, NoticeError) || hasNotice(a, NoticeListening) {
		t.Errorf("history = %+v", a.History().Snapshot())
	}
	if err := a.StartSession(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if hasNotice(a, NoticeError) {
		t.Error("error notice kept after restart")
	}
}

func TestStartSession_Failures(t *testing.T) {
	closed := httptest.NewServer(http.NotFoundHandler())
	endpoint := "ws" + strings.TrimPrefix(closed.URL, "http")
	closed.Close()

	micErr := errors.New("no microphone")
	tests := []struct {
		name     string
		endpoint string
		opts     []Option
		wantErr  error
	}{
		{"dial failure", endpoint, nil, nil},
		{
			"microphone unavailable",
			"",
			[]Option{WithSourceFactory(func() (audioio.Source, error) {
				return audioio.NewMockSource(audioio.DefaultConfig(), nil, audioio.WithStartError(micErr)), nil
			})},
			capture.ErrDeviceUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep := tt.endpoint
			if ep == "" {
				ep = newFakeLive(t, nil).endpoint()
			}
			a, _ := newTestApp(t, ep, "", tt.opts...)

			err := a.StartSession(context.Background())
			if err == nil {
				t.Fatal("expected start failure")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if a.State() != StateError {
				t.Errorf("state = %s", a.State())
			}
			if !hasNotice(a, NoticeStartFailure) || hasNotice(a, NoticeListening) {
				t.Errorf("history = %+v", a.History().Snapshot())
			}
			if err := a.StopSession(context.Background()); !errors.Is(err, ErrNoSession) {
				t.Errorf("stop after failed start = %v", err)
			}
		})
	}
}

func TestRunTool(t *testing.T) {
	a, mem := newTestApp(t, "ws://127.0.0.1:1", "")

	got, err := a.RunTool(context.Background(), "save_meal_log", map[string]any{"meal_text": "soupe"})
	if err != nil {
		t.Fatalf("RunTool: %v", err)
	}
	if ack, ok := got.(backend.Ack); !ok || !ack.OK {
		t.Errorf("result = %#v", got)
	}
	logs := mem.MealLogs()
	if len(logs) != 1 || logs[0].UserID != DefaultUserID || logs[0].MealText != "soupe" {
		t.Errorf("meal logs = %+v", logs)
	}

	if _, err := a.RunTool(context.Background(), "order_pizza", nil); !errors.Is(err, tools.ErrUnknownTool) {
		t.Errorf("unknown tool err = %v", err)
	}
}
