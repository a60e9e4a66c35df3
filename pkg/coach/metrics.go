package coach

import (
	"sync"
	"time"
)

const metricsHistory = 100

// TurnMetrics tracks latency for one conversation turn. Durations are
// measured from the first event of the turn.
type TurnMetrics struct {
	// Timestamps for key events
	StartTime         time.Time `json:"start_time"`
	FirstResponseTime time.Time `json:"first_response_time"` // first coach transcript
	FirstAudioTime    time.Time `json:"first_audio_time"`
	TurnCompleteTime  time.Time `json:"turn_complete_time"`
	ReleaseTime       time.Time `json:"release_time"` // coach message became visible

	// Computed latencies (from StartTime)
	FirstResponse time.Duration `json:"first_response"`
	FirstAudio    time.Duration `json:"first_audio"`
	TurnComplete  time.Duration `json:"turn_complete"`
	Release       time.Duration `json:"release"`

	AudioChunksIn int  `json:"audio_chunks_in"`
	Interrupted   bool `json:"interrupted"`
}

// Totals are session-spanning audio counters.
type Totals struct {
	FramesSent     int64 `json:"frames_sent"`
	FramesDropped  int64 `json:"frames_dropped"`
	ChunksReceived int64 `json:"chunks_received"`
	Turns          int64 `json:"turns"`
}

// MetricsCollector collects per-turn latency and audio counters.
// It is goroutine-safe.
type MetricsCollector struct {
	mu      sync.Mutex
	now     func() time.Time
	current TurnMetrics
	open    bool
	history []TurnMetrics
	totals  Totals

	onUpdate func(TurnMetrics)
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		now:     time.Now,
		history: make([]TurnMetrics, 0, metricsHistory),
	}
}

// OnUpdate sets a callback that fires whenever a turn is archived.
func (m *MetricsCollector) OnUpdate(fn func(TurnMetrics)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUpdate = fn
}

// MarkTranscript records user speech. The first mark opens a turn.
func (m *MetricsCollector) MarkTranscript() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beginLocked()
}

// MarkFirstResponse records the first coach transcript of the turn.
func (m *MetricsCollector) MarkFirstResponse() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beginLocked()
	if m.current.FirstResponseTime.IsZero() {
		m.current.FirstResponseTime = m.now()
		m.current.FirstResponse = m.current.FirstResponseTime.Sub(m.current.StartTime)
	}
}

// MarkAudioIn records one model audio chunk.
func (m *MetricsCollector) MarkAudioIn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beginLocked()
	m.current.AudioChunksIn++
	m.totals.ChunksReceived++
	if m.current.FirstAudioTime.IsZero() {
		m.current.FirstAudioTime = m.now()
		m.current.FirstAudio = m.current.FirstAudioTime.Sub(m.current.StartTime)
	}
}

// MarkTurnComplete records the end of model output for the turn.
func (m *MetricsCollector) MarkTurnComplete() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return
	}
	m.current.TurnCompleteTime = m.now()
	m.current.TurnComplete = m.current.TurnCompleteTime.Sub(m.current.StartTime)
}

// MarkInterrupted flags the current turn as cut short by the user.
func (m *MetricsCollector) MarkInterrupted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open {
		m.current.Interrupted = true
	}
}

// MarkReleased records the coach message becoming visible and archives
// the turn.
func (m *MetricsCollector) MarkReleased() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return
	}
	m.current.ReleaseTime = m.now()
	m.current.Release = m.current.ReleaseTime.Sub(m.current.StartTime)
	m.archiveLocked()
}

// AddCapture adds a finished session's capture counters.
func (m *MetricsCollector) AddCapture(sent, dropped int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totals.FramesSent += sent
	m.totals.FramesDropped += dropped
}

// EndSession archives any open turn.
func (m *MetricsCollector) EndSession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open {
		m.archiveLocked()
	}
}

// Current returns the in-progress turn, or the zero value between turns.
func (m *MetricsCollector) Current() TurnMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return TurnMetrics{}
	}
	return m.current
}

// Turns returns the archived turns, oldest first.
func (m *MetricsCollector) Turns() []TurnMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TurnMetrics(nil), m.history...)
}

// Totals returns the audio counters.
func (m *MetricsCollector) Totals() Totals {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totals
}

// Average returns average latencies over recent turns. A latency that a
// turn never reached is left out of that average.
func (m *MetricsCollector) Average() TurnMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	var avg TurnMetrics
	var nResp, nAudio, nDone, nRel time.Duration
	for _, h := range m.history {
		if !h.FirstResponseTime.IsZero() {
			avg.FirstResponse += h.FirstResponse
			nResp++
		}
		if !h.FirstAudioTime.IsZero() {
			avg.FirstAudio += h.FirstAudio
			nAudio++
		}
		if !h.TurnCompleteTime.IsZero() {
			avg.TurnComplete += h.TurnComplete
			nDone++
		}
		if !h.ReleaseTime.IsZero() {
			avg.Release += h.Release
			nRel++
		}
	}
	if nResp > 0 {
		avg.FirstResponse /= nResp
	}
	if nAudio > 0 {
		avg.FirstAudio /= nAudio
	}
	if nDone > 0 {
		avg.TurnComplete /= nDone
	}
	if nRel > 0 {
		avg.Release /= nRel
	}
	return avg
}

// beginLocked opens a turn if none is open. A completed turn that never
// released a message is archived first.
func (m *MetricsCollector) beginLocked() {
	if m.open && !m.current.TurnCompleteTime.IsZero() {
		m.archiveLocked()
	}
	if !m.open {
		m.current = TurnMetrics{StartTime: m.now()}
		m.open = true
	}
}

// archiveLocked must be called with mu held.
func (m *MetricsCollector) archiveLocked() {
	m.history = append(m.history, m.current)
	if len(m.history) > metricsHistory {
		m.history = m.history[1:]
	}
	m.totals.Turns++
	m.open = false
	if m.onUpdate != nil {
		turn := m.current
		go m.onUpdate(turn)
	}
}

// FormatLatency returns a formatted string of the turn's latencies.
func (t *TurnMetrics) FormatLatency() string {
	return formatDuration(t.FirstResponse) + " TEXT | " +
		formatDuration(t.FirstAudio) + " AUDIO | " +
		formatDuration(t.TurnComplete) + " DONE | " +
		formatDuration(t.Release) + " SHOWN"
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "---ms"
	}
	return d.Round(time.Millisecond).String()
}
