package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestSession is a helper that inserts a session and returns it.
func createTestSession(t *testing.T, s *SQLiteStore, command, state string) *Session {
	t.Helper()
	sess := &Session{
		ID:        uuid.New().String(),
		Command:   command,
		State:     state,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("createTestSession(%s): %v", command, err)
	}
	return sess
}

func TestSQLiteSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := createTestSession(t, s, "python server.py", "awaiting_connect")

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Command != "python server.py" || got.State != "awaiting_connect" {
		t.Errorf("got %+v", got)
	}
	if got.ExitCode != nil {
		t.Error("exit code should be null before termination")
	}

	if err := s.UpdateSessionState(ctx, sess.ID, "running", nil); err != nil {
		t.Fatalf("UpdateSessionState: %v", err)
	}

	code := 137
	if err := s.UpdateSessionState(ctx, sess.ID, "terminated", &code); err != nil {
		t.Fatalf("UpdateSessionState with exit code: %v", err)
	}
	got, err = s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != "terminated" || got.ExitCode == nil || *got.ExitCode != 137 {
		t.Errorf("after terminate: %+v", got)
	}
}

func TestSQLiteUpdateUnknownSession(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateSessionState(context.Background(), "no-such-id", "running", nil)
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("err = %v, want sql.ErrNoRows", err)
	}
}

func TestSQLiteListActiveSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := createTestSession(t, s, "cmd-a", "running")
	b := createTestSession(t, s, "cmd-b", "awaiting_connect")
	c := createTestSession(t, s, "cmd-c", "terminated")

	active, err := s.ListActiveSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	ids := map[string]bool{}
	for _, sess := range active {
		ids[sess.ID] = true
	}
	if !ids[a.ID] || !ids[b.ID] || ids[c.ID] {
		t.Errorf("active = %v", ids)
	}

	all, err := s.ListSessions(ctx, 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("ListSessions returned %d, want 3", len(all))
	}
}

func TestSQLiteEventSequencing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := createTestSession(t, s, "cmd", "running")

	for _, typ := range []string{"process_spawned", "request_timeout", "process_exited"} {
		detail, _ := json.Marshal(map[string]string{"type": typ})
		seq, err := s.AppendEvent(ctx, &Event{
			ID:        uuid.New().String(),
			SessionID: sess.ID,
			Type:      typ,
			Detail:    detail,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("AppendEvent(%s): %v", typ, err)
		}
		if seq < 1 {
			t.Errorf("seq = %d", seq)
		}
	}

	events, err := s.ListEvents(ctx, sess.ID, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Errorf("event %d has seq %d", i, ev.Seq)
		}
	}
	if events[1].Type != "request_timeout" {
		t.Errorf("order not preserved: %v", events)
	}

	// afterSeq pagination
	tail, err := s.ListEvents(ctx, sess.ID, 2, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 1 || tail[0].Type != "process_exited" {
		t.Errorf("tail = %v", tail)
	}
}

func TestSQLitePurge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := createTestSession(t, s, "old", "terminated")
	if _, err := s.AppendEvent(ctx, &Event{
		ID: uuid.New().String(), SessionID: old.ID, Type: "process_exited",
		CreatedAt: time.Now().Add(-48 * time.Hour).UTC(),
	}); err != nil {
		t.Fatal(err)
	}
	// Backdate the session so the purge cutoff catches it.
	if _, err := s.db.Exec(`UPDATE sessions SET updated_at = ? WHERE id = ?`,
		time.Now().Add(-48*time.Hour).UTC(), old.ID); err != nil {
		t.Fatal(err)
	}
	live := createTestSession(t, s, "live", "running")

	cutoff := time.Now().Add(-24 * time.Hour).UTC()
	if n, err := s.PurgeOldEvents(ctx, cutoff); err != nil || n != 1 {
		t.Errorf("PurgeOldEvents = (%d, %v), want (1, nil)", n, err)
	}
	if n, err := s.PurgeOldSessions(ctx, cutoff); err != nil || n != 1 {
		t.Errorf("PurgeOldSessions = (%d, %v), want (1, nil)", n, err)
	}
	if _, err := s.GetSession(ctx, live.ID); err != nil {
		t.Errorf("live session purged: %v", err)
	}
	if _, err := s.GetSession(ctx, old.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("old session should be gone, err = %v", err)
	}
}
