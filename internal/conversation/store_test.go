package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nugget/tally/internal/database/dbtest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(dbtest.Open(t))
}

func TestAppendAndHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	conv, err := s.CreateConversation(ctx, "alice")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	contents := []struct {
		role Role
		text string
	}{
		{RoleUser, "create task A"},
		{RoleAssistant, "done"},
		{RoleUser, "create task B"},
		{RoleAssistant, "done again"},
	}
	for _, c := range contents {
		if _, err := s.AppendMessage(ctx, conv.ID, "alice", c.role, c.text); err != nil {
			t.Fatalf("AppendMessage(%s): %v", c.role, err)
		}
	}

	msgs, err := s.History(ctx, conv.ID, "alice", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != len(contents) {
		t.Fatalf("History len = %d, want %d", len(msgs), len(contents))
	}
	for i, c := range contents {
		if msgs[i].Role != c.role || msgs[i].Content != c.text {
			t.Errorf("msgs[%d] = %s %q, want %s %q", i, msgs[i].Role, msgs[i].Content, c.role, c.text)
		}
		if msgs[i].OwnerID != "alice" {
			t.Errorf("msgs[%d].OwnerID = %q", i, msgs[i].OwnerID)
		}
	}

	recent, err := s.History(ctx, conv.ID, "alice", 2)
	if err != nil {
		t.Fatalf("History(limit 2): %v", err)
	}
	if len(recent) != 2 || recent[0].Content != "create task B" || recent[1].Content != "done again" {
		t.Errorf("History(limit 2) = %+v, want the last two in order", recent)
	}

	got, err := s.GetConversation(ctx, conv.ID, "alice")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if !got.UpdatedAt.After(conv.UpdatedAt) && !got.UpdatedAt.Equal(conv.UpdatedAt) {
		t.Errorf("updated_at went backwards")
	}
}

func TestAppendMessage_BumpsUpdatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return base }
	conv, _ := s.CreateConversation(ctx, "alice")

	s.now = func() time.Time { return base.Add(time.Hour) }
	if _, err := s.AppendMessage(ctx, conv.ID, "alice", RoleUser, "hi"); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetConversation(ctx, conv.ID, "alice")
	if !got.UpdatedAt.Equal(base.Add(time.Hour)) {
		t.Errorf("updated_at = %v, want %v", got.UpdatedAt, base.Add(time.Hour))
	}
}

func TestOwnershipAndNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	conv, _ := s.CreateConversation(ctx, "alice")

	tests := []struct {
		name string
		fn   func() error
		want error
	}{
		{"append foreign", func() error {
			_, err := s.AppendMessage(ctx, conv.ID, "mallory", RoleUser, "x")
			return err
		}, ErrOwnership},
		{"history foreign", func() error {
			_, err := s.History(ctx, conv.ID, "mallory", 10)
			return err
		}, ErrOwnership},
		{"get foreign", func() error {
			_, err := s.GetConversation(ctx, conv.ID, "mallory")
			return err
		}, ErrOwnership},
		{"append missing", func() error {
			_, err := s.AppendMessage(ctx, 9999, "alice", RoleUser, "x")
			return err
		}, ErrNotFound},
		{"history missing", func() error {
			_, err := s.History(ctx, 9999, "alice", 10)
			return err
		}, ErrNotFound},
		{"bad role", func() error {
			_, err := s.AppendMessage(ctx, conv.ID, "alice", Role("system"), "x")
			return err
		}, ErrInvalidRole},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	msgs, _ := s.History(ctx, conv.ID, "alice", 0)
	if len(msgs) != 0 {
		t.Errorf("rejected appends left %d messages behind", len(msgs))
	}
}

func TestListConversations(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	step := 0
	s.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}

	older, _ := s.CreateConversation(ctx, "alice")
	newer, _ := s.CreateConversation(ctx, "alice")
	s.CreateConversation(ctx, "bob")
	s.AppendMessage(ctx, older.ID, "alice", RoleUser, "bump")

	list, err := s.ListConversations(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[0].ID != older.ID || list[0].MessageCount != 1 {
		t.Errorf("list[0] = %+v, want bumped conversation %d with 1 message", list[0], older.ID)
	}
	if list[1].ID != newer.ID || list[1].MessageCount != 0 {
		t.Errorf("list[1] = %+v, want %d with 0 messages", list[1], newer.ID)
	}
}

func TestAcquireLease(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	conv, _ := s.CreateConversation(ctx, "alice")

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	ok, err := s.AcquireLease(ctx, conv.ID, "a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire = %v, %v; want true", ok, err)
	}
	if ok, _ := s.AcquireLease(ctx, conv.ID, "b", time.Minute); ok {
		t.Error("second holder acquired a live lease")
	}
	if ok, _ := s.AcquireLease(ctx, conv.ID, "a", time.Minute); !ok {
		t.Error("holder could not renew its own lease")
	}

	now = now.Add(2 * time.Minute)
	if ok, _ := s.AcquireLease(ctx, conv.ID, "b", time.Minute); !ok {
		t.Error("expired lease was not taken over")
	}

	if err := s.ReleaseLease(ctx, conv.ID, "a"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.AcquireLease(ctx, conv.ID, "c", time.Minute); ok {
		t.Error("release by a former holder dropped the current lease")
	}
	s.ReleaseLease(ctx, conv.ID, "b")
	if ok, _ := s.AcquireLease(ctx, conv.ID, "c", time.Minute); !ok {
		t.Error("lease not free after release")
	}
}

func TestLocker_Serializes(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	conv, _ := s.CreateConversation(ctx, "alice")
	l := NewLocker(s, time.Minute, nil)

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, conv.ID)
			if err != nil {
				t.Errorf("Lock: %v", err)
				return
			}
			mu.Lock()
			active++
			maxSeen = max(maxSeen, active)
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxSeen)
	}
	if len(l.locks) != 0 {
		t.Errorf("locker leaked %d keys", len(l.locks))
	}
}

func TestLocker_WaitsForForeignLease(t *testing.T) {
	s := newTestStore(t)
	conv, _ := s.CreateConversation(t.Context(), "alice")

	// Another process holds the lease.
	if ok, err := s.AcquireLease(t.Context(), conv.ID, "other-process", time.Minute); !ok || err != nil {
		t.Fatalf("seed lease: %v %v", ok, err)
	}

	l := NewLocker(s, time.Minute, nil)
	l.poll = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, conv.ID); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("Lock err = %v, want ErrLeaseHeld", err)
	}

	s.ReleaseLease(t.Context(), conv.ID, "other-process")
	unlock, err := l.Lock(t.Context(), conv.ID)
	if err != nil {
		t.Fatalf("Lock after release: %v", err)
	}
	unlock()
}
