// Package identity implements the Identity Store (spec §4.1): the durable
// holder of the agent's AgentId, room configuration, and protected token.
//
// The on-disk record is a single JSON file written through atomicfile, so a
// reader never observes a partially-written record (spec invariant: "for
// all identity writes W, either the pre-W or post-W record is observable").
// The token itself is never written in clear form — it is sealed with a
// machine-scoped key before it touches disk and unsealed only for the
// shortest window needed to attach it to an outbound request.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/LoGGGG2402/computer-management-system-sub006/internal/atomicfile"
)

// ErrNotConfigured is returned by Load when no identity record exists yet —
// the caller (Session Controller) must treat this as "requires
// configuration" and exit, per spec scenario 1.
var ErrNotConfigured = errors.New("identity: agent is not configured")

// ErrPartialRecord is returned when a record exists but is missing required
// fields — a corrupt or hand-edited file, treated the same as "not
// configured" per spec §4.1 ("partial records are an error condition
// requiring reconfiguration").
var ErrPartialRecord = errors.New("identity: partial identity record, reconfiguration required")

// RoomConfig locates the managed endpoint within the operator's room
// layout.
type RoomConfig struct {
	Name string `json:"name"`
	X    int    `json:"x"`
	Y    int    `json:"y"`
}

// Identity is the fully populated, in-memory view of the identity record.
// Token holds the unsealed bearer credential; callers should hold it for
// the shortest reasonable window and never log it.
type Identity struct {
	AgentID   string
	Room      RoomConfig
	Token     string
	CreatedAt string
}

// record is the on-disk JSON shape. The token is stored sealed — it is
// opaque outside this package.
type record struct {
	AgentID        string     `json:"agentId"`
	RoomConfig     RoomConfig `json:"room_config"`
	TokenProtected []byte     `json:"agent_token_protected"`
	CreatedAt      string     `json:"created_at"`
}

func (r record) isComplete() bool {
	return r.AgentID != "" && len(r.TokenProtected) > 0
}

// Sealer seals and unseals the protected token. Implementations are
// machine-scoped: a blob sealed on one machine must not decrypt on
// another (spec law: "cross-machine decrypt is forbidden").
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Unseal(sealed []byte) ([]byte, error)
}

// Store is the durable Identity Store. A single Store must not be shared
// across processes — the single-instance rule (spec §5) guarantees that.
// Within a process, Store serializes its own writes.
type Store struct {
	mu     sync.Mutex
	path   string
	sealer Sealer
}

// Open prepares a Store rooted at dir (created if missing). sealer must be
// constructed for the current machine — see NewMachineSealer.
func Open(dir string, sealer Sealer) (*Store, error) {
	if err := atomicfile.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("create identity dir: %w", err)
	}
	return &Store{
		path:   filepath.Join(dir, "identity.json"),
		sealer: sealer,
	}, nil
}

// Load reads the identity record. Returns ErrNotConfigured if no record
// exists, ErrPartialRecord if the record is malformed, or a fully
// populated Identity with the token unsealed.
func (s *Store) Load() (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (Identity, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Identity{}, ErrNotConfigured
	}
	if err != nil {
		return Identity{}, fmt.Errorf("read identity record: %w", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrPartialRecord, err)
	}
	if !rec.isComplete() {
		return Identity{}, ErrPartialRecord
	}

	plain, err := s.sealer.Unseal(rec.TokenProtected)
	if err != nil {
		return Identity{}, fmt.Errorf("unseal token: %w", err)
	}

	return Identity{
		AgentID:   rec.AgentID,
		Room:      rec.RoomConfig,
		Token:     string(plain),
		CreatedAt: rec.CreatedAt,
	}, nil
}

// Create writes a brand-new identity record. Fails if one already exists —
// callers that intend to reconfigure must use Reconfigure instead, since
// spec §3 requires AgentId to be created exactly once per installation.
func (s *Store) Create(id Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.load(); !errors.Is(err, ErrNotConfigured) {
		if err == nil {
			return errors.New("identity: already configured, use Reconfigure")
		}
	}
	return s.write(id)
}

// Reconfigure overwrites the stored room config and/or token while
// preserving AgentId unless newAgentID is non-empty (explicit invalidation,
// per spec §3: "reconfiguration preserves it unless explicitly
// invalidated").
func (s *Store) Reconfigure(newAgentID string, room RoomConfig, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.load()
	agentID := newAgentID
	if agentID == "" {
		if err != nil && !errors.Is(err, ErrNotConfigured) {
			return err
		}
		agentID = existing.AgentID
	}
	if agentID == "" {
		return errors.New("identity: no agent id available for reconfiguration")
	}

	return s.write(Identity{AgentID: agentID, Room: room, Token: token})
}

func (s *Store) write(id Identity) error {
	sealed, err := s.sealer.Seal([]byte(id.Token))
	if err != nil {
		return fmt.Errorf("seal token: %w", err)
	}

	rec := record{
		AgentID:        id.AgentID,
		RoomConfig:     id.Room,
		TokenProtected: sealed,
		CreatedAt:      id.CreatedAt,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal identity record: %w", err)
	}
	return atomicfile.Write(s.path, data, 0o600)
}
