package session

import (
	"errors"
	"testing"
	"time"
)

func TestCreateAndGet(t *testing.T) {
	m := NewManager(time.Minute)

	s := m.Create("u1", "persona-1", "book-1", "voice-1")
	if s.ID == "" || s.Status != StatusActive {
		t.Fatalf("session = %+v", s)
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.UserID != "u1" || got.PersonaID != "persona-1" || got.BookID != "book-1" {
		t.Fatalf("got = %+v", got)
	}

	if _, err := m.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGetOrCreate(t *testing.T) {
	m := NewManager(time.Minute)

	s := m.GetOrCreate("", "u1")
	if s.ID == "" {
		t.Fatal("empty id")
	}
	same := m.GetOrCreate(s.ID, "u1")
	if same.ID != s.ID {
		t.Fatalf("id = %s, want %s", same.ID, s.ID)
	}

	if _, err := m.End(s.ID); err != nil {
		t.Fatalf("End: %v", err)
	}
	fresh := m.GetOrCreate(s.ID, "u1")
	if fresh.ID == s.ID {
		t.Fatal("ended session reused")
	}
}

func TestTurnLifecycleCounters(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("u1", "", "", "")

	if err := m.BeginTurn(s.ID, "t1"); err != nil {
		t.Fatalf("BeginTurn: %v", err)
	}
	got, _ := m.Get(s.ID)
	if got.ActiveTurnID != "t1" || got.TurnCount != 1 {
		t.Fatalf("after begin: %+v", got)
	}

	if err := m.FinishTurn(s.ID, "t1", true); err != nil {
		t.Fatalf("FinishTurn: %v", err)
	}
	got, _ = m.Get(s.ID)
	if got.ActiveTurnID != "" || got.CancelCount != 1 {
		t.Fatalf("after cancel: %+v", got)
	}

	// Finishing a stale turn id leaves the current active turn alone.
	if err := m.BeginTurn(s.ID, "t2"); err != nil {
		t.Fatalf("BeginTurn t2: %v", err)
	}
	if err := m.FinishTurn(s.ID, "t1", false); err != nil {
		t.Fatalf("FinishTurn stale: %v", err)
	}
	got, _ = m.Get(s.ID)
	if got.ActiveTurnID != "t2" {
		t.Fatalf("active turn = %q, want t2", got.ActiveTurnID)
	}
}

func TestExpireInactive(t *testing.T) {
	m := NewManager(time.Minute)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	m.now = func() time.Time { return now }

	idle := m.Create("u1", "", "", "")
	busy := m.Create("u2", "", "", "")

	var expired []string
	m.SetExpireHook(func(s *Session) { expired = append(expired, s.ID) })

	now = base.Add(90 * time.Second)
	if err := m.Touch(busy.ID); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	now = base.Add(2 * time.Minute)
	m.ExpireInactive()

	if len(expired) != 1 || expired[0] != idle.ID {
		t.Fatalf("expired = %v, want [%s]", expired, idle.ID)
	}
	got, err := m.Get(idle.ID)
	if err != nil {
		t.Fatalf("Get idle: %v", err)
	}
	if got.Status != StatusEnded {
		t.Fatalf("idle status = %v, want ended", got.Status)
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("active = %d, want 1", m.ActiveCount())
	}

	// The next pass drops ended sessions entirely.
	m.ExpireInactive()
	if _, err := m.Get(idle.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after cleanup", err)
	}
}

func TestExpireHookSeesActiveTurn(t *testing.T) {
	m := NewManager(time.Minute)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	m.now = func() time.Time { return now }

	s := m.Create("u1", "", "", "")
	if err := m.BeginTurn(s.ID, "t1"); err != nil {
		t.Fatalf("BeginTurn: %v", err)
	}

	var hookTurn string
	m.SetExpireHook(func(s *Session) { hookTurn = s.ActiveTurnID })

	now = base.Add(2 * time.Minute)
	m.ExpireInactive()

	// Playback teardown needs the turn that was still in flight.
	if hookTurn != "t1" {
		t.Fatalf("hook turn = %q, want t1", hookTurn)
	}
	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ActiveTurnID != "" {
		t.Fatalf("registry still holds turn %q", got.ActiveTurnID)
	}
}
