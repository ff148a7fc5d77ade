// Package queue implements the Offline Queue (spec §4.2): a file-backed,
// durable FIFO used by the three item-type partitions — telemetry status
// samples, command results, and error reports. Each queued item is one file
// whose stem is its ItemID and whose content is the serialized item; a
// partition is one directory.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LoGGGG2402/computer-management-system-sub006/internal/atomicfile"
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/clock"
)

// Limits bounds a single partition. Each partition enforces its own limits
// independently.
type Limits struct {
	MaxCount     int
	MaxSizeBytes int64
	MaxAge       time.Duration
}

// Item is the generic envelope stored on disk. Ownership of Payload
// transfers to the partition on Enqueue; a consumer that Dequeues it and
// fails to deliver it must Requeue, which bumps RetryAttempts and refreshes
// EnqueuedAt.
type Item[T any] struct {
	ItemID        string    `json:"itemId"`
	EnqueuedAt    time.Time `json:"enqueuedAt"`
	RetryAttempts int       `json:"retryAttempts"`
	Payload       T         `json:"payload"`
}

// Partition is one directory of a generic file-backed queue, holding items
// of a single payload type T.
type Partition[T any] struct {
	mu     sync.Mutex
	dir    string
	name   string
	limits Limits
	clock  clock.Clock
	log    *slog.Logger
}

// Open prepares a partition rooted at dir (created if missing). name is used
// only for logging (e.g. "status", "command-result", "error-report").
func Open[T any](dir, name string, limits Limits, clk clock.Clock, log *slog.Logger) (*Partition[T], error) {
	if err := atomicfile.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("create %s partition dir: %w", name, err)
	}
	return &Partition[T]{
		dir:    dir,
		name:   name,
		limits: limits,
		clock:  clk,
		log:    log.With("partition", name),
	}, nil
}

type entry[T any] struct {
	path string
	size int64
	item Item[T]
}

// list reads every item file in the partition, sorted oldest-first by
// EnqueuedAt. Corrupted files (read or deserialize failure) are deleted and
// logged as a side effect rather than returned.
func (p *Partition[T]) list() ([]entry[T], error) {
	dirEntries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, fmt.Errorf("read %s partition: %w", p.name, err)
	}

	out := make([]entry[T], 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		path := filepath.Join(p.dir, de.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			p.log.Warn("dropping unreadable queue item", "file", de.Name(), "reason", err.Error())
			_ = os.Remove(path)
			continue
		}

		var item Item[T]
		if err := json.Unmarshal(data, &item); err != nil {
			p.log.Warn("dropping corrupted queue item", "file", de.Name(), "reason", err.Error())
			_ = os.Remove(path)
			continue
		}

		out = append(out, entry[T]{path: path, size: int64(len(data)), item: item})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].item.EnqueuedAt.Before(out[j].item.EnqueuedAt)
	})
	return out, nil
}

func (p *Partition[T]) itemPath(id string) string {
	return filepath.Join(p.dir, id+".json")
}

func (p *Partition[T]) writeItem(item Item[T]) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal %s queue item: %w", p.name, err)
	}
	return atomicfile.Write(p.itemPath(item.ItemID), data, 0o600)
}

// prune drops items in three ordered passes: first anything older than
// MaxAge, then oldest-first until at most MaxCount-1 remain (prune runs
// before Enqueue writes its new item, so the partition must end up one
// short of MaxCount going in — otherwise the write that follows would push
// the partition to MaxCount+1, violating the "at most MaxCount after any
// enqueue returns" bound), then oldest-first until at most 80% of
// MaxSizeBytes remains. Must be called with p.mu held.
func (p *Partition[T]) prune() error {
	entries, err := p.list()
	if err != nil {
		return err
	}

	if p.limits.MaxAge > 0 {
		now := p.clock.Now()
		kept := entries[:0]
		for _, e := range entries {
			if now.Sub(e.item.EnqueuedAt) > p.limits.MaxAge {
				p.log.Warn("dropping queue item past max age", "item_id", e.item.ItemID, "reason", "max_age exceeded")
				_ = os.Remove(e.path)
				continue
			}
			kept = append(kept, e)
		}
		entries = kept
	}

	if p.limits.MaxCount > 0 && len(entries) > p.limits.MaxCount-1 {
		excess := len(entries) - (p.limits.MaxCount - 1)
		for i := 0; i < excess; i++ {
			p.log.Warn("dropping queue item over max count", "item_id", entries[i].item.ItemID, "reason", "max_count exceeded")
			_ = os.Remove(entries[i].path)
		}
		entries = entries[excess:]
	}

	if p.limits.MaxSizeBytes > 0 {
		var total int64
		for _, e := range entries {
			total += e.size
		}
		target := p.limits.MaxSizeBytes * 80 / 100
		i := 0
		for total > p.limits.MaxSizeBytes && i < len(entries) {
			p.log.Warn("dropping queue item over max size", "item_id", entries[i].item.ItemID, "reason", "max_size_bytes exceeded")
			_ = os.Remove(entries[i].path)
			total -= entries[i].size
			i++
			if total <= target {
				break
			}
		}
	}

	return nil
}

// Enqueue prunes the partition, then durably writes payload as a new item.
func (p *Partition[T]) Enqueue(payload T) (Item[T], error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.prune(); err != nil {
		return Item[T]{}, err
	}

	item := Item[T]{
		ItemID:     uuid.NewString(),
		EnqueuedAt: p.clock.Now(),
		Payload:    payload,
	}
	if err := p.writeItem(item); err != nil {
		return Item[T]{}, err
	}
	p.log.Debug("enqueued item", "item_id", item.ItemID)
	return item, nil
}

// Dequeue removes and returns the oldest item, skipping and deleting any
// corrupted files encountered along the way. ok is false when the partition
// is empty.
func (p *Partition[T]) Dequeue() (item Item[T], ok bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries, err := p.list()
	if err != nil {
		return Item[T]{}, false, err
	}
	if len(entries) == 0 {
		return Item[T]{}, false, nil
	}

	oldest := entries[0]
	if err := os.Remove(oldest.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Item[T]{}, false, fmt.Errorf("remove dequeued %s item: %w", p.name, err)
	}
	p.log.Debug("dequeued item", "item_id", oldest.item.ItemID)
	return oldest.item, true, nil
}

// Requeue rewrites item with an incremented RetryAttempts and a refreshed
// EnqueuedAt, for a consumer that dequeued it but failed to deliver it.
func (p *Partition[T]) Requeue(item Item[T]) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	item.RetryAttempts++
	item.EnqueuedAt = p.clock.Now()
	if err := p.writeItem(item); err != nil {
		return err
	}
	p.log.Debug("requeued item", "item_id", item.ItemID, "retry_attempts", item.RetryAttempts)
	return nil
}

// Len reports the number of items currently held in the partition.
func (p *Partition[T]) Len() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries, err := p.list()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}
