package identity

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/LoGGGG2402/computer-management-system-sub006/internal/atomicfile"
)

// MachineSealer seals the protected token with a key generated once per
// machine and stored alongside the identity record. It implements Sealer.
//
// This is the "machine-scoped protection primitive" spec §4.1 calls for: a
// key that never leaves the machine, so a sealed blob copied elsewhere is
// unreadable (spec law: cross-machine decrypt is forbidden). Platform
// credential stores (Windows DPAPI, a TPM-backed keyring, …) would improve
// on this, but a locally-generated, tightly-permissioned key file is
// sufficient to satisfy the documented contract and keeps the primitive
// portable across the platforms this agent targets.
type MachineSealer struct {
	keyPath string
}

// NewMachineSealer prepares a sealer whose key lives under dir, generating
// the key on first use.
func NewMachineSealer(dir string) (*MachineSealer, error) {
	if err := atomicfile.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	s := &MachineSealer{keyPath: filepath.Join(dir, "machine.key")}
	if _, err := s.loadOrCreateKey(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MachineSealer) loadOrCreateKey() ([]byte, error) {
	key, err := os.ReadFile(s.keyPath)
	if err == nil {
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("machine key has wrong length: %d", len(key))
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read machine key: %w", err)
	}

	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate machine key: %w", err)
	}
	if err := atomicfile.Write(s.keyPath, key, 0o600); err != nil {
		return nil, fmt.Errorf("persist machine key: %w", err)
	}
	if err := restrictToMachine(s.keyPath); err != nil {
		// Hardening beyond the 0600 file mode already applied above; a
		// failure here is returned, so the sealer is not created.
		return nil, fmt.Errorf("restrict machine key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext with the machine key under a fresh random nonce,
// prefixing the output with that nonce.
func (s *MachineSealer) Seal(plaintext []byte) ([]byte, error) {
	key, err := s.loadOrCreateKey()
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Unseal reverses Seal. It fails if the blob was sealed with a different
// machine key (file copied from another machine, or key file lost).
func (s *MachineSealer) Unseal(sealed []byte) ([]byte, error) {
	key, err := s.loadOrCreateKey()
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}

	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("sealed token is too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}
