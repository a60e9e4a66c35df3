// Package history holds the visible conversation: the ordered list of
// messages the user sees.
package history

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-nutrizen/pkg/analysis"
)

// Sender identifies who a message is from.
type Sender string

const (
	SenderUser   Sender = "user"
	SenderCoach  Sender = "coach"
	SenderSystem Sender = "system"
)

// Message is one entry in the visible conversation.
type Message struct {
	ID        string                 `json:"id"`
	Sender    Sender                 `json:"sender"`
	Text      string                 `json:"text"`
	Analysis  *analysis.MealAnalysis `json:"structured_analysis,omitempty"`
	Partial   bool                   `json:"partial,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Listener receives a snapshot after every change.
type Listener func(msgs []Message)

// Store is the visible history. It is safe for concurrent use.
//
// A sender has at most one partial message at a time. Partial text is
// updated in place until Commit turns it into a final message; final
// messages are never modified afterwards.
type Store struct {
	now func() time.Time

	// notifyMu serializes change delivery so listeners see snapshots in
	// mutation order.
	notifyMu sync.Mutex

	mu        sync.Mutex
	msgs      []Message
	partials  map[Sender]string
	listeners map[int]Listener
	nextID    int
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore returns an empty history.
func NewStore(opts ...Option) *Store {
	s := &Store{
		now:       time.Now,
		partials:  make(map[Sender]string),
		listeners: make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ShowPartial displays the in-progress text for sender as a single evolving
// message, replacing the previous partial text rather than duplicating it.
func (s *Store) ShowPartial(sender Sender, text string) Message {
	var out Message
	s.update(func() {
		if i := s.partialIndex(sender); i >= 0 {
			s.msgs[i].Text = text
			out = s.msgs[i]
			return
		}
		out = Message{
			ID:        uuid.NewString(),
			Sender:    sender,
			Text:      text,
			Partial:   true,
			CreatedAt: s.now(),
		}
		s.msgs = append(s.msgs, out)
		s.partials[sender] = out.ID
	})
	return out
}

// Commit finalizes msg. It takes the place of the sender's partial message
// when one is shown, and is appended otherwise.
func (s *Store) Commit(msg Message) Message {
	msg.Partial = false
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}

	s.update(func() {
		if i := s.partialIndex(msg.Sender); i >= 0 {
			s.msgs[i] = msg
			delete(s.partials, msg.Sender)
			return
		}
		s.msgs = append(s.msgs, msg)
	})
	return msg
}

// Append adds a final message, typically a transient system status.
func (s *Store) Append(msg Message) Message {
	msg.Partial = false
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	s.update(func() {
		s.msgs = append(s.msgs, msg)
	})
	return msg
}

// RemoveSystem drops every system message and reports how many were removed.
func (s *Store) RemoveSystem() int {
	removed := 0
	s.update(func() {
		kept := s.msgs[:0]
		for _, m := range s.msgs {
			if m.Sender == SenderSystem {
				removed++
				continue
			}
			kept = append(kept, m)
		}
		s.msgs = kept
		s.reindexPartials()
	})
	return removed
}

// RemoveID drops the message with the given id.
func (s *Store) RemoveID(id string) bool {
	found := false
	s.update(func() {
		for i, m := range s.msgs {
			if m.ID == id {
				s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
				found = true
				break
			}
		}
		s.reindexPartials()
	})
	return found
}

// DropPartials removes all partial messages.
func (s *Store) DropPartials() {
	s.update(func() {
		kept := s.msgs[:0]
		for _, m := range s.msgs {
			if !m.Partial {
				kept = append(kept, m)
			}
		}
		s.msgs = kept
		s.partials = make(map[Sender]string)
	})
}

// Clear empties the history.
func (s *Store) Clear() {
	s.update(func() {
		s.msgs = nil
		s.partials = make(map[Sender]string)
	})
}

// Snapshot returns a copy of the visible messages in order.
func (s *Store) Snapshot() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Len returns the number of visible messages.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

// Subscribe registers fn for change notifications and returns a function
// that removes it. fn must not modify the store.
func (s *Store) Subscribe(fn Listener) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Store) update(mutate func()) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	mutate()
	snap := s.snapshotLocked()
	fns := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

func (s *Store) snapshotLocked() []Message {
	out := make([]Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func (s *Store) partialIndex(sender Sender) int {
	id, ok := s.partials[sender]
	if !ok {
		return -1
	}
	for i := len(s.msgs) - 1; i >= 0; i-- {
		if s.msgs[i].ID == id {
			return i
		}
	}
	delete(s.partials, sender)
	return -1
}

func (s *Store) reindexPartials() {
	for sender, id := range s.partials {
		present := false
		for _, m := range s.msgs {
			if m.ID == id {
				present = true
				break
			}
		}
		if !present {
			delete(s.partials, sender)
		}
	}
}
