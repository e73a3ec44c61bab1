package sync

import (
	"context"
	"fmt"
	"testing"
)

func newTestLog(t *testing.T) (*MessageLog, *SessionCache, *eventCollector) {
	t.Helper()
	cache, col, st := newTestCache(t)
	return NewMessageLog(st, cache.pub), cache, col
}

func TestAppendEmitsOnce(t *testing.T) {
	log, cache, col := newTestLog(t)
	ctx := context.Background()

	v, err := cache.GetOrCreate(ctx, "default", "", "{}", "")
	if err != nil {
		t.Fatal(err)
	}
	col.reset()

	msg, inserted, err := log.Append(ctx, "default", v.ID, `{"text":"hi"}`, "local-1")
	if err != nil {
		t.Fatal(err)
	}
	if !inserted || msg.Seq != 1 {
		t.Fatalf("first append: inserted=%v seq=%d", inserted, msg.Seq)
	}
	events := col.byKind(KindMessageReceived)
	if len(events) != 1 {
		t.Fatalf("message-received events = %d, want 1", len(events))
	}
	payload := events[0].Payload.(*MessagePayload)
	if payload.Message.Seq != msg.Seq {
		t.Errorf("event seq %d != stored seq %d", payload.Message.Seq, msg.Seq)
	}

	// Duplicate localId: same row back, no second event.
	dup, inserted, err := log.Append(ctx, "default", v.ID, `{"text":"other"}`, "local-1")
	if err != nil {
		t.Fatal(err)
	}
	if inserted || dup.Seq != 1 {
		t.Errorf("duplicate append: inserted=%v seq=%d", inserted, dup.Seq)
	}
	if got := len(col.byKind(KindMessageReceived)); got != 1 {
		t.Errorf("duplicate append emitted an event (total %d)", got)
	}
}

func TestAppendCarriesUsage(t *testing.T) {
	log, cache, col := newTestLog(t)
	ctx := context.Background()

	v, err := cache.GetOrCreate(ctx, "default", "", "{}", "")
	if err != nil {
		t.Fatal(err)
	}
	col.reset()

	content := `{"role":"assistant","usage":{"input_tokens":10,"output_tokens":25}}`
	if _, _, err := log.Append(ctx, "default", v.ID, content, ""); err != nil {
		t.Fatal(err)
	}
	events := col.byKind(KindMessageReceived)
	payload := events[0].Payload.(*MessagePayload)
	if payload.Usage == nil || payload.Usage.InputTokens != 10 || payload.Usage.OutputTokens != 25 {
		t.Errorf("usage = %+v", payload.Usage)
	}
}

func TestPagePagination(t *testing.T) {
	log, cache, _ := newTestLog(t)
	ctx := context.Background()

	v, err := cache.GetOrCreate(ctx, "default", "", "{}", "")
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 7; i++ {
		if _, _, err := log.Append(ctx, "default", v.ID, fmt.Sprintf(`{"n":%d}`, i), ""); err != nil {
			t.Fatal(err)
		}
	}

	// Tail page.
	page, err := log.Page(ctx, "default", v.ID, 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Messages) != 3 || page.Messages[0].Seq != 5 {
		t.Fatalf("tail page: %+v", page.Messages)
	}
	if !page.HasMore || page.NextBeforeSeq != 5 {
		t.Errorf("page cursor: hasMore=%v next=%d", page.HasMore, page.NextBeforeSeq)
	}

	// Middle page via the cursor.
	page, err = log.Page(ctx, "default", v.ID, 3, page.NextBeforeSeq)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Messages) != 3 || page.Messages[0].Seq != 2 {
		t.Fatalf("middle page: %+v", page.Messages)
	}

	// Final page exhausts the log.
	page, err = log.Page(ctx, "default", v.ID, 3, page.NextBeforeSeq)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Messages) != 1 || page.Messages[0].Seq != 1 || page.HasMore {
		t.Fatalf("final page: %+v hasMore=%v", page.Messages, page.HasMore)
	}

	// limit=0 is empty with hasMore=false.
	page, err = log.Page(ctx, "default", v.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Messages) != 0 || page.HasMore {
		t.Errorf("limit=0 page: %+v", page)
	}

	tail, err := log.Tail(ctx, "default", v.ID, 5, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 2 || tail[0].Seq != 6 {
		t.Errorf("tail after 5: %+v", tail)
	}
}
