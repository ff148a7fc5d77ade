// Package ignorelist implements the Version Ignore List (spec §4.3): a
// durable set of update versions the agent refuses to install. Membership
// is consulted before every update attempt.
package ignorelist

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/LoGGGG2402/computer-management-system-sub006/internal/atomicfile"
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/clock"
)

// Entry records why a version is ignored and how many times it has failed.
type Entry struct {
	Version        string    `json:"version"`
	Reason         string    `json:"reason"`
	AddedAt        time.Time `json:"addedAt"`
	FailedAttempts int       `json:"failedAttempts"`
}

// List is the durable ignore set. Writes are rewrite-whole and guarded by
// an in-process mutex, matching the discipline the teacher applies to its
// other file-backed caches.
type List struct {
	mu      sync.Mutex
	path    string
	clock   clock.Clock
	entries map[string]Entry
}

// Open loads an existing ignore list from path, or starts an empty one if
// the file doesn't exist yet.
func Open(path string, clk clock.Clock) (*List, error) {
	if err := atomicfile.EnsureDir(parentDir(path)); err != nil {
		return nil, fmt.Errorf("create ignore list dir: %w", err)
	}

	l := &List{path: path, clock: clk, entries: make(map[string]Entry)}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *List) load() error {
	data, err := readFileIfExists(l.path)
	if err != nil {
		return fmt.Errorf("read ignore list: %w", err)
	}
	if data == nil {
		return nil
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("unmarshal ignore list: %w", err)
	}
	for _, e := range entries {
		l.entries[e.Version] = e
	}
	return nil
}

func (l *List) save() error {
	entries := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		entries = append(entries, e)
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal ignore list: %w", err)
	}
	return atomicfile.Write(l.path, data, 0o600)
}

// IsIgnored reports whether version is currently in the ignore list.
func (l *List) IsIgnored(version string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[version]
	return ok
}

// Add records version as ignored for reason. If version is already present,
// FailedAttempts is incremented instead of the entry being replaced.
func (l *List) Add(version, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.entries[version]; ok {
		existing.FailedAttempts++
		existing.Reason = reason
		l.entries[version] = existing
		return l.save()
	}

	l.entries[version] = Entry{
		Version:        version,
		Reason:         reason,
		AddedAt:        l.clock.Now(),
		FailedAttempts: 1,
	}
	return l.save()
}

// Remove drops version from the ignore list, if present. Used when an
// operator explicitly clears an ignored version.
func (l *List) Remove(version string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.entries[version]; !ok {
		return nil
	}
	delete(l.entries, version)
	return l.save()
}

// Entries returns a snapshot of all ignored versions.
func (l *List) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e)
	}
	return out
}
