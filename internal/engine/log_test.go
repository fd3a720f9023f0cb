package engine

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestLogWriter_AppendsInAcceptanceOrder(t *testing.T) {
	l := newMemLog()
	w := newLogWriter(l, 64, time.Second)
	defer w.close()

	for i := 1; i <= 10; i++ {
		w.appendMessage("s1", Message{ID: fmt.Sprintf("m%d", i), SessionID: "s1"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := w.readHistory(ctx, "s1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("expected 10 messages, got %d", len(got))
	}
	for i, msg := range got {
		want := fmt.Sprintf("m%d", i+1)
		if msg.ID != want {
			t.Errorf("position %d: expected %q, got %q", i, want, msg.ID)
		}
	}
}

func TestLogWriter_ReadIsBarrierBehindAppends(t *testing.T) {
	l := newMemLog()
	w := newLogWriter(l, 64, time.Second)
	defer w.close()

	// The append was only enqueued, but a read submitted afterwards must
	// observe it.
	w.appendMessage("s1", Message{ID: "m1", SessionID: "s1", Text: "hello"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := w.readHistory(ctx, "s1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("read should see the prior append, got %+v", got)
	}
}

func TestLogWriter_CloseDrains(t *testing.T) {
	l := newMemLog()
	w := newLogWriter(l, 64, time.Second)

	for i := 1; i <= 5; i++ {
		w.appendMessage("s1", Message{ID: fmt.Sprintf("m%d", i), SessionID: "s1"})
	}
	w.recordEnded("s1", SessionMeta{EndedBy: "alice", Reason: EndReasonUser})
	w.close()

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.messages["s1"]) != 5 {
		t.Errorf("expected 5 drained appends, got %d", len(l.messages["s1"]))
	}
	if l.ended["s1"].EndedBy != "alice" {
		t.Errorf("expected drained end record, got %+v", l.ended["s1"])
	}
}

func TestLogWriter_ReadTimesOut(t *testing.T) {
	l := newMemLog()
	w := newLogWriter(l, 1, time.Second)
	defer w.close()

	// Jam the writer with a slow op so the read cannot start.
	block := make(chan struct{})
	w.enqueue(func(ctx context.Context) { <-block })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := w.readHistory(ctx, "s1")
	close(block)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
}

func TestLogWriter_DropsWritesAfterClose(t *testing.T) {
	l := newMemLog()
	w := newLogWriter(l, 64, time.Second)

	w.appendMessage("s1", Message{ID: "m1", SessionID: "s1"})
	w.close()

	// A relay racing shutdown must be dropped, not panic on the closed
	// channel.
	w.appendMessage("s1", Message{ID: "m2", SessionID: "s1"})
	w.recordEnded("s1", SessionMeta{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := w.readHistory(ctx, "s1"); err == nil {
		t.Error("readHistory after close should fail")
	}

	// close is idempotent.
	w.close()

	if got := len(l.messages["s1"]); got != 1 {
		t.Errorf("expected only the pre-close append, got %d messages", got)
	}
}
