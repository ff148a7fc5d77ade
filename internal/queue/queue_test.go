package queue

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/LoGGGG2402/computer-management-system-sub006/internal/clock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEnqueueDequeueIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Unix(0, 0))
	p, err := Open[string](dir, "status", Limits{}, clk, discardLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := p.Enqueue("payload-a"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	item, ok, err := p.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if !ok {
		t.Fatal("Dequeue() ok = false, want true")
	}
	if item.Payload != "payload-a" {
		t.Fatalf("Payload = %q, want payload-a", item.Payload)
	}
}

func TestDequeueEmptyPartitionReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Unix(0, 0))
	p, err := Open[string](dir, "status", Limits{}, clk, discardLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	_, ok, err := p.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if ok {
		t.Fatal("Dequeue() ok = true on empty partition, want false")
	}
}

func TestDequeueReturnsOldestFirst(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Unix(0, 0))
	p, err := Open[string](dir, "status", Limits{}, clk, discardLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := p.Enqueue("first"); err != nil {
		t.Fatalf("Enqueue first: %v", err)
	}
	clk.Advance(time.Second)
	if _, err := p.Enqueue("second"); err != nil {
		t.Fatalf("Enqueue second: %v", err)
	}

	item, ok, err := p.Dequeue()
	if err != nil || !ok {
		t.Fatalf("Dequeue: ok=%v err=%v", ok, err)
	}
	if item.Payload != "first" {
		t.Fatalf("Payload = %q, want first", item.Payload)
	}
}

func TestRequeueIncrementsRetryAttemptsAndRefreshesTimestamp(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Unix(0, 0))
	p, err := Open[string](dir, "command-result", Limits{}, clk, discardLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	item, err := p.Enqueue("payload")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	dequeued, ok, err := p.Dequeue()
	if err != nil || !ok {
		t.Fatalf("Dequeue: ok=%v err=%v", ok, err)
	}

	clk.Advance(5 * time.Minute)
	if err := p.Requeue(dequeued); err != nil {
		t.Fatalf("Requeue: %v", err)
	}

	requeued, ok, err := p.Dequeue()
	if err != nil || !ok {
		t.Fatalf("Dequeue after requeue: ok=%v err=%v", ok, err)
	}
	if requeued.RetryAttempts != item.RetryAttempts+1 {
		t.Fatalf("RetryAttempts = %d, want %d", requeued.RetryAttempts, item.RetryAttempts+1)
	}
	if !requeued.EnqueuedAt.After(item.EnqueuedAt) {
		t.Fatal("Requeue did not refresh EnqueuedAt")
	}
}

func TestPruneDropsItemsOlderThanMaxAge(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Unix(0, 0))
	p, err := Open[string](dir, "status", Limits{MaxAge: time.Hour}, clk, discardLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := p.Enqueue("stale"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	clk.Advance(2 * time.Hour)

	// Triggers a prune pass ahead of the new enqueue.
	if _, err := p.Enqueue("fresh"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	n, err := p.Len()
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 1 {
		t.Fatalf("Len() = %d, want 1 (stale item should have been pruned)", n)
	}

	item, ok, err := p.Dequeue()
	if err != nil || !ok {
		t.Fatalf("Dequeue: ok=%v err=%v", ok, err)
	}
	if item.Payload != "fresh" {
		t.Fatalf("Payload = %q, want fresh", item.Payload)
	}
}

func TestPruneDropsOldestOverMaxCount(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Unix(0, 0))
	p, err := Open[string](dir, "status", Limits{MaxCount: 2}, clk, discardLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := p.Enqueue("payload"); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		clk.Advance(time.Second)
	}

	n, err := p.Len()
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 2 {
		t.Fatalf("Len() = %d, want 2", n)
	}
}

func TestEnqueueNeverExceedsMaxCount(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Unix(0, 0))
	p, err := Open[string](dir, "status", Limits{MaxCount: 3}, clk, discardLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := 0; i < 10; i++ {
		if _, err := p.Enqueue("payload"); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		n, err := p.Len()
		if err != nil {
			t.Fatalf("Len: %v", err)
		}
		if n > 3 {
			t.Fatalf("Len() = %d after enqueue %d, want <= MaxCount (3)", n, i)
		}
		clk.Advance(time.Second)
	}
}

func TestCorruptedItemIsDroppedAndDequeueAdvances(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Unix(0, 0))
	p, err := Open[string](dir, "status", Limits{}, clk, discardLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := p.Enqueue("good"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "garbage.json"), []byte("not json"), 0o600); err != nil {
		t.Fatalf("write garbage file: %v", err)
	}

	item, ok, err := p.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if !ok {
		t.Fatal("Dequeue() ok = false, want true (should skip past corrupted item)")
	}
	if item.Payload != "good" {
		t.Fatalf("Payload = %q, want good", item.Payload)
	}

	if _, err := os.Stat(filepath.Join(dir, "garbage.json")); !os.IsNotExist(err) {
		t.Fatal("corrupted file was not removed")
	}
}
