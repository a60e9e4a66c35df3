package history

import (
	"sync"
	"testing"
	"time"

	"github.com/teslashibe/go-nutrizen/pkg/analysis"
)

func senders(msgs []Message) []Sender {
	out := make([]Sender, len(msgs))
	for i, m := range msgs {
		out[i] = m.Sender
	}
	return out
}

func TestShowPartial_EvolvesSingleMessage(t *testing.T) {
	s := NewStore()

	s.ShowPartial(SenderUser, "Bon")
	s.ShowPartial(SenderUser, "Bonjour")
	s.ShowPartial(SenderCoach, "Salut")
	s.ShowPartial(SenderUser, "Bonjour coach")
	s.ShowPartial(SenderCoach, "Salut !")

	msgs := s.Snapshot()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2: %+v", len(msgs), msgs)
	}
	if msgs[0].Sender != SenderUser || msgs[0].Text != "Bonjour coach" || !msgs[0].Partial {
		t.Errorf("user partial = %+v", msgs[0])
	}
	if msgs[1].Sender != SenderCoach || msgs[1].Text != "Salut !" || !msgs[1].Partial {
		t.Errorf("coach partial = %+v", msgs[1])
	}
}

func TestCommit_ReplacesPartialInPlace(t *testing.T) {
	s := NewStore()

	s.ShowPartial(SenderUser, "Bon")
	s.ShowPartial(SenderCoach, "D'accord")
	s.Commit(Message{Sender: SenderUser, Text: "Bonjour"})

	msgs := s.Snapshot()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].Text != "Bonjour" || msgs[0].Partial {
		t.Errorf("committed user message = %+v", msgs[0])
	}
	if msgs[0].ID == "" {
		t.Error("committed message has no id")
	}

	// A new turn starts a fresh partial rather than touching the committed one.
	s.ShowPartial(SenderUser, "Et")
	msgs = s.Snapshot()
	if len(msgs) != 3 || msgs[0].Text != "Bonjour" || msgs[2].Text != "Et" {
		t.Errorf("after new partial: %+v", msgs)
	}
}

func TestCommit_AppendsWithoutPartial(t *testing.T) {
	s := NewStore()
	s.Commit(Message{Sender: SenderUser, Text: "un"})
	s.Commit(Message{Sender: SenderUser, Text: "deux"})

	msgs := s.Snapshot()
	if len(msgs) != 2 || msgs[1].Text != "deux" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestCommit_CarriesAnalysis(t *testing.T) {
	s := NewStore()
	a := &analysis.MealAnalysis{NextStepCTA: "Buvez de l'eau"}

	got := s.Commit(Message{Sender: SenderCoach, Text: "ok", Analysis: a})
	if got.Analysis != a {
		t.Error("analysis not preserved")
	}
	if s.Snapshot()[0].Analysis.NextStepCTA != "Buvez de l'eau" {
		t.Error("analysis missing from snapshot")
	}
}

func TestRemoveSystem(t *testing.T) {
	s := NewStore()
	s.Append(Message{Sender: SenderSystem, Text: "Je vous écoute..."})
	s.Commit(Message{Sender: SenderUser, Text: "Bonjour"})
	s.Append(Message{Sender: SenderSystem, Text: "Le coach analyse votre repas..."})
	s.ShowPartial(SenderCoach, "Alors")

	if n := s.RemoveSystem(); n != 2 {
		t.Errorf("removed %d, want 2", n)
	}

	got := senders(s.Snapshot())
	if len(got) != 2 || got[0] != SenderUser || got[1] != SenderCoach {
		t.Errorf("senders = %v", got)
	}

	// The coach partial is still tracked after the removal shifted it.
	s.ShowPartial(SenderCoach, "Alors voilà")
	msgs := s.Snapshot()
	if len(msgs) != 2 || msgs[1].Text != "Alors voilà" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestRemoveID(t *testing.T) {
	s := NewStore()
	m := s.Append(Message{Sender: SenderSystem, Text: "x"})

	if !s.RemoveID(m.ID) {
		t.Error("RemoveID returned false")
	}
	if s.RemoveID(m.ID) {
		t.Error("second RemoveID returned true")
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d", s.Len())
	}
}

func TestDropPartials(t *testing.T) {
	s := NewStore()
	s.Commit(Message{Sender: SenderUser, Text: "final"})
	s.ShowPartial(SenderUser, "en cours")
	s.ShowPartial(SenderCoach, "aussi")

	s.DropPartials()

	msgs := s.Snapshot()
	if len(msgs) != 1 || msgs[0].Text != "final" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	s := NewStore()
	s.Commit(Message{Sender: SenderUser, Text: "a"})

	snap := s.Snapshot()
	snap[0].Text = "mutated"

	if s.Snapshot()[0].Text != "a" {
		t.Error("snapshot aliased store state")
	}
}

func TestSubscribe(t *testing.T) {
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	s := NewStore(WithClock(func() time.Time { return fixed }))

	var mu sync.Mutex
	var lens []int
	cancel := s.Subscribe(func(msgs []Message) {
		mu.Lock()
		lens = append(lens, len(msgs))
		mu.Unlock()
	})

	m := s.Commit(Message{Sender: SenderUser, Text: "a"})
	s.Append(Message{Sender: SenderSystem, Text: "b"})
	cancel()
	s.Append(Message{Sender: SenderSystem, Text: "c"})

	mu.Lock()
	defer mu.Unlock()
	if len(lens) != 2 || lens[0] != 1 || lens[1] != 2 {
		t.Errorf("notifications = %v, want [1 2]", lens)
	}
	if !m.CreatedAt.Equal(fixed) {
		t.Errorf("CreatedAt = %v", m.CreatedAt)
	}
}
