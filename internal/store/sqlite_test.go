package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
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

// createTestSession is a helper that inserts a session in the given namespace.
func createTestSession(t *testing.T, s *SQLiteStore, namespace, tag string) *Session {
	t.Helper()
	sess, err := s.CreateSession(context.Background(), namespace, tag, `{"name":"test"}`, "{}")
	if err != nil {
		t.Fatalf("createTestSession(%s): %v", tag, err)
	}
	return sess
}

func TestCreateSessionTagIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := createTestSession(t, s, "default", "machine-1:/work")
	second, err := s.CreateSession(ctx, "default", "machine-1:/work", `{"name":"other"}`, "{}")
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Errorf("expected same session for same tag, got %s and %s", first.ID, second.ID)
	}

	// Same tag in another namespace is a different session.
	other, err := s.CreateSession(ctx, "team-b", "machine-1:/work", "{}", "{}")
	if err != nil {
		t.Fatal(err)
	}
	if other.ID == first.ID {
		t.Error("tag collision across namespaces")
	}
}

func TestGetSessionNamespaceIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := createTestSession(t, s, "default", "")
	got, err := s.GetSession(ctx, "team-b", sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("session visible from another namespace")
	}
	got, err = s.GetSession(ctx, "default", sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("session not found in own namespace")
	}
}

func TestAddMessageSequencing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := createTestSession(t, s, "default", "")

	for i := 1; i <= 5; i++ {
		msg, inserted, err := s.AddMessage(ctx, "default", sess.ID, fmt.Sprintf(`{"n":%d}`, i), "")
		if err != nil {
			t.Fatal(err)
		}
		if !inserted {
			t.Fatalf("message %d reported as duplicate", i)
		}
		if msg.Seq != int64(i) {
			t.Errorf("message %d: seq = %d", i, msg.Seq)
		}
	}

	updated, err := s.GetSession(ctx, "default", sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Seq != 5 {
		t.Errorf("session seq = %d, want 5", updated.Seq)
	}
}

func TestAddMessageLocalIDIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := createTestSession(t, s, "default", "")

	first, inserted, err := s.AddMessage(ctx, "default", sess.ID, `{"text":"hi"}`, "local-1")
	if err != nil {
		t.Fatal(err)
	}
	if !inserted {
		t.Fatal("first append reported as duplicate")
	}

	dup, inserted, err := s.AddMessage(ctx, "default", sess.ID, `{"text":"different"}`, "local-1")
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Error("duplicate localId inserted a new row")
	}
	if dup.ID != first.ID || dup.Seq != first.Seq || dup.Content != first.Content {
		t.Errorf("duplicate returned %+v, want original %+v", dup, first)
	}

	// Seq must not have been consumed by the duplicate.
	next, _, err := s.AddMessage(ctx, "default", sess.ID, `{"text":"next"}`, "")
	if err != nil {
		t.Fatal(err)
	}
	if next.Seq != first.Seq+1 {
		t.Errorf("next seq = %d, want %d", next.Seq, first.Seq+1)
	}
}

func TestAddMessageLocalIDCrossNamespace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := createTestSession(t, s, "default", "")

	if _, _, err := s.AddMessage(ctx, "default", sess.ID, `{"secret":"payload"}`, "local-1"); err != nil {
		t.Fatal(err)
	}

	// Replaying the same localId from another namespace must fail, not hand
	// back the stored row.
	msg, _, err := s.AddMessage(ctx, "team-b", sess.ID, `{"text":"replay"}`, "local-1")
	if err == nil {
		t.Fatal("cross-namespace append with a known localId succeeded")
	}
	if msg != nil {
		t.Errorf("cross-namespace append returned a message: %+v", msg)
	}
}

func TestGetMessagesPaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := createTestSession(t, s, "default", "")

	for i := 1; i <= 10; i++ {
		if _, _, err := s.AddMessage(ctx, "default", sess.ID, fmt.Sprintf(`{"n":%d}`, i), ""); err != nil {
			t.Fatal(err)
		}
	}

	// Tail: latest 3, oldest first.
	tail, err := s.GetMessages(ctx, "default", sess.ID, 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 3 {
		t.Fatalf("tail len = %d", len(tail))
	}
	if tail[0].Seq != 8 || tail[2].Seq != 10 {
		t.Errorf("tail seqs = %d..%d, want 8..10", tail[0].Seq, tail[2].Seq)
	}

	// Window before seq 8.
	window, err := s.GetMessages(ctx, "default", sess.ID, 3, 8)
	if err != nil {
		t.Fatal(err)
	}
	if len(window) != 3 || window[0].Seq != 5 || window[2].Seq != 7 {
		t.Errorf("window seqs wrong: %+v", window)
	}

	// beforeSeq=1 means nothing precedes it.
	empty, err := s.GetMessages(ctx, "default", sess.ID, 10, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 {
		t.Errorf("beforeSeq=1 returned %d messages", len(empty))
	}

	// limit=0 is empty without error.
	none, err := s.GetMessages(ctx, "default", sess.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("limit=0 returned %d messages", len(none))
	}

	after, err := s.GetMessagesAfter(ctx, "default", sess.ID, 7, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != 3 || after[0].Seq != 8 {
		t.Errorf("after seq 7: %+v", after)
	}
}

func TestUpdateSessionMetadataVersionCheck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := createTestSession(t, s, "default", "")

	updated, err := s.UpdateSessionMetadata(ctx, "default", sess.ID, `{"name":"renamed"}`, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if updated.MetadataVersion != 1 {
		t.Errorf("metadata version = %d, want 1", updated.MetadataVersion)
	}
	if updated.Metadata != `{"name":"renamed"}` {
		t.Errorf("metadata = %s", updated.Metadata)
	}

	// Stale expected version: ErrVersionMismatch with the current snapshot.
	snap, err := s.UpdateSessionMetadata(ctx, "default", sess.ID, `{"name":"stale"}`, 0, false)
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("err = %v, want ErrVersionMismatch", err)
	}
	if snap == nil || snap.Metadata != `{"name":"renamed"}` {
		t.Errorf("snapshot = %+v", snap)
	}

	// Unknown session: nil, nil.
	missing, err := s.UpdateSessionMetadata(ctx, "default", "no-such-id", "{}", 0, false)
	if err != nil || missing != nil {
		t.Errorf("missing session: %+v, %v", missing, err)
	}
}

func TestUpdateSessionMetadataOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := createTestSession(t, s, "default", "")
	time.Sleep(5 * time.Millisecond)
	b := createTestSession(t, s, "default", "")
	time.Sleep(5 * time.Millisecond)

	// Rename a without touching updated_at; b must stay first in the list.
	if _, err := s.UpdateSessionMetadata(ctx, "default", a.ID, `{"name":"x"}`, 0, false); err != nil {
		t.Fatal(err)
	}
	list, err := s.ListSessions(ctx, "default")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != b.ID {
		t.Errorf("list order changed by rename: %v", list)
	}

	// A touching update moves a to the front.
	if _, err := s.UpdateSessionMetadata(ctx, "default", a.ID, `{"name":"y"}`, 1, true); err != nil {
		t.Fatal(err)
	}
	list, err = s.ListSessions(ctx, "default")
	if err != nil {
		t.Fatal(err)
	}
	if list[0].ID != a.ID {
		t.Error("touching update did not reorder list")
	}
}

func TestSetSessionTodosTimestampGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := createTestSession(t, s, "default", "")

	applied, err := s.SetSessionTodos(ctx, "default", sess.ID, `[{"text":"a"}]`, 100)
	if err != nil {
		t.Fatal(err)
	}
	if !applied {
		t.Fatal("initial todos not applied")
	}

	// Older logical timestamp loses.
	applied, err = s.SetSessionTodos(ctx, "default", sess.ID, `[{"text":"old"}]`, 50)
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Error("older todos overwrote newer")
	}

	// Equal timestamp also loses (strictly-newer wins).
	applied, err = s.SetSessionTodos(ctx, "default", sess.ID, `[{"text":"same"}]`, 100)
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Error("equal-timestamp todos applied")
	}

	got, err := s.GetSession(ctx, "default", sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Todos != `[{"text":"a"}]` || got.TodosUpdatedAt != 100 {
		t.Errorf("todos = %s @ %d", got.Todos, got.TodosUpdatedAt)
	}
}

func TestMergeSessionMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	oldSess := createTestSession(t, s, "default", "")
	newSess := createTestSession(t, s, "default", "")

	for i := 1; i <= 3; i++ {
		if _, _, err := s.AddMessage(ctx, "default", oldSess.ID, fmt.Sprintf(`{"old":%d}`, i), ""); err != nil {
			t.Fatal(err)
		}
	}
	for i := 1; i <= 2; i++ {
		if _, _, err := s.AddMessage(ctx, "default", newSess.ID, fmt.Sprintf(`{"new":%d}`, i), ""); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.MergeSessionMessages(ctx, "default", oldSess.ID, newSess.ID); err != nil {
		t.Fatal(err)
	}

	merged, err := s.GetMessages(ctx, "default", newSess.ID, 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(merged) != 5 {
		t.Fatalf("merged count = %d", len(merged))
	}
	for i, m := range merged {
		if m.Seq != int64(i+1) {
			t.Errorf("merged[%d].Seq = %d", i, m.Seq)
		}
	}
	// The old session's own messages moved with their relative order intact.
	if merged[2].Content != `{"new":2}` || merged[3].Content != `{"old":1}` {
		t.Errorf("merged order wrong: %s then %s", merged[2].Content, merged[3].Content)
	}

	after, err := s.GetSession(ctx, "default", newSess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Seq != 5 {
		t.Errorf("new session seq = %d, want 5", after.Seq)
	}

	// New appends continue past the merged range.
	next, _, err := s.AddMessage(ctx, "default", newSess.ID, `{"after":true}`, "")
	if err != nil {
		t.Fatal(err)
	}
	if next.Seq != 6 {
		t.Errorf("post-merge seq = %d, want 6", next.Seq)
	}
}

func TestMergeSessionMessagesLocalIDCollision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	oldSess := createTestSession(t, s, "default", "")
	newSess := createTestSession(t, s, "default", "")

	if _, _, err := s.AddMessage(ctx, "default", oldSess.ID, `{"from":"old"}`, "shared"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.AddMessage(ctx, "default", oldSess.ID, `{"from":"old-2"}`, "only-old"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.AddMessage(ctx, "default", newSess.ID, `{"from":"new"}`, "shared"); err != nil {
		t.Fatal(err)
	}

	if err := s.MergeSessionMessages(ctx, "default", oldSess.ID, newSess.ID); err != nil {
		t.Fatal(err)
	}

	merged, err := s.GetMessages(ctx, "default", newSess.ID, 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(merged) != 3 {
		t.Fatalf("merged count = %d, want 3", len(merged))
	}

	// The target session's row keeps its localId. A moved row that collides
	// loses its key so the unique index holds; a non-colliding one keeps it.
	byContent := make(map[string]string, len(merged))
	for _, m := range merged {
		byContent[m.Content] = m.LocalID
	}
	if got := byContent[`{"from":"new"}`]; got != "shared" {
		t.Errorf("target row localId = %q, want shared", got)
	}
	if got := byContent[`{"from":"old"}`]; got != "" {
		t.Errorf("colliding moved row localId = %q, want empty", got)
	}
	if got := byContent[`{"from":"old-2"}`]; got != "only-old" {
		t.Errorf("moved row localId = %q, want only-old", got)
	}
}

func TestSessionNamespaceAndMachineExistence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := createTestSession(t, s, "team-b", "")
	ns, err := s.GetSessionNamespace(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ns != "team-b" {
		t.Errorf("namespace = %q, want team-b", ns)
	}
	ns, err = s.GetSessionNamespace(ctx, "missing")
	if err != nil {
		t.Fatal(err)
	}
	if ns != "" {
		t.Errorf("missing session namespace = %q, want empty", ns)
	}

	if _, err := s.UpsertMachine(ctx, "team-b", "machine-b", "{}", "{}"); err != nil {
		t.Fatal(err)
	}
	exists, err := s.MachineExists(ctx, "machine-b")
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Error("machine-b not found")
	}
	exists, err = s.MachineExists(ctx, "missing")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("missing machine reported as existing")
	}
}

func TestMachineUpsertAndVersionedUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.UpsertMachine(ctx, "default", "machine-1", `{"host":"laptop"}`, "{}")
	if err != nil {
		t.Fatal(err)
	}
	if m.MetadataVersion != 0 {
		t.Errorf("new machine version = %d", m.MetadataVersion)
	}

	// Second upsert is get-or-create: the existing row wins.
	again, err := s.UpsertMachine(ctx, "default", "machine-1", `{"host":"other"}`, "{}")
	if err != nil {
		t.Fatal(err)
	}
	if again.Metadata != `{"host":"laptop"}` {
		t.Errorf("upsert replaced metadata: %s", again.Metadata)
	}

	updated, err := s.UpdateMachineMetadata(ctx, "default", "machine-1", `{"host":"desktop"}`, 0)
	if err != nil {
		t.Fatal(err)
	}
	if updated.MetadataVersion != 1 || updated.Metadata != `{"host":"desktop"}` {
		t.Errorf("updated machine = %+v", updated)
	}

	snap, err := s.UpdateMachineMetadata(ctx, "default", "machine-1", "{}", 0)
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("err = %v, want ErrVersionMismatch", err)
	}
	if snap.Metadata != `{"host":"desktop"}` {
		t.Errorf("snapshot = %s", snap.Metadata)
	}

	if _, err := s.UpdateMachineRunnerState(ctx, "default", "machine-1", `{"version":"1.2"}`, 0); err != nil {
		t.Fatal(err)
	}

	// Same machine id in another namespace is a distinct row.
	other, err := s.UpsertMachine(ctx, "team-b", "machine-1", "{}", "{}")
	if err != nil {
		t.Fatal(err)
	}
	if other.Metadata == `{"host":"desktop"}` {
		t.Error("machine row shared across namespaces")
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := createTestSession(t, s, "default", "")
	if _, _, err := s.AddMessage(ctx, "default", sess.ID, "{}", ""); err != nil {
		t.Fatal(err)
	}

	deleted, err := s.DeleteSession(ctx, "default", sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !deleted {
		t.Fatal("delete reported no rows")
	}
	msgs, err := s.GetMessages(ctx, "default", sess.ID, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("messages survived session delete: %d", len(msgs))
	}

	deleted, err = s.DeleteSession(ctx, "default", sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if deleted {
		t.Error("second delete reported rows")
	}
}

func TestUserPreferences(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetUserPreference(ctx, "default", "u1", "session-sort", "recent"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetUserPreference(ctx, "default", "u1", "session-sort", "alpha"); err != nil {
		t.Fatal(err)
	}
	p, err := s.GetUserPreference(ctx, "default", "u1", "session-sort")
	if err != nil {
		t.Fatal(err)
	}
	if p == nil || p.Value != "alpha" {
		t.Errorf("preference = %+v", p)
	}

	missing, err := s.GetUserPreference(ctx, "default", "u1", "unknown")
	if err != nil || missing != nil {
		t.Errorf("missing preference: %+v, %v", missing, err)
	}
}
