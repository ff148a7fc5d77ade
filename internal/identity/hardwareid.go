package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/LoGGGG2402/computer-management-system-sub006/internal/atomicfile"
)

// HardwareID returns the stable opaque identifier this installation
// presents to Identify (spec §4.4's IdentifyRequest.hardwareId). It is
// generated once per installation and persisted alongside the identity
// record, the same "generate on first use, persist under dir" shape as
// MachineSealer's key — but unlike the machine key this value is sent to
// the server, never used for local encryption.
func HardwareID(dir string) (string, error) {
	if err := atomicfile.EnsureDir(dir); err != nil {
		return "", fmt.Errorf("create hardware id dir: %w", err)
	}
	path := filepath.Join(dir, "hardware.id")

	if existing, err := os.ReadFile(path); err == nil {
		return string(existing), nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read hardware id: %w", err)
	}

	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate hardware id: %w", err)
	}
	id := hex.EncodeToString(raw)
	if err := atomicfile.Write(path, []byte(id), 0o644); err != nil {
		return "", fmt.Errorf("persist hardware id: %w", err)
	}
	return id, nil
}
