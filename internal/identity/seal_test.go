package identity

import (
	"path/filepath"
	"testing"
)

func TestMachineSealerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sealer, err := NewMachineSealer(filepath.Join(dir, "keys"))
	if err != nil {
		t.Fatalf("NewMachineSealer: %v", err)
	}

	plain := []byte("a bearer token that must not leak")
	sealed, err := sealer.Seal(plain)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if contains(sealed, string(plain)) {
		t.Fatal("sealed blob contains plaintext")
	}

	opened, err := sealer.Unseal(sealed)
	if err != nil {
		t.Fatalf("Unseal: %v", err)
	}
	if string(opened) != string(plain) {
		t.Fatalf("Unseal() = %q, want %q", opened, plain)
	}
}

func TestMachineSealerKeyPersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	keyDir := filepath.Join(dir, "keys")

	first, err := NewMachineSealer(keyDir)
	if err != nil {
		t.Fatalf("NewMachineSealer (first): %v", err)
	}
	sealed, err := first.Seal([]byte("token"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	second, err := NewMachineSealer(keyDir)
	if err != nil {
		t.Fatalf("NewMachineSealer (second): %v", err)
	}
	opened, err := second.Unseal(sealed)
	if err != nil {
		t.Fatalf("Unseal with reloaded key: %v", err)
	}
	if string(opened) != "token" {
		t.Fatalf("Unseal() = %q, want token", opened)
	}
}

func TestMachineSealerRejectsForeignKey(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()

	sealerA, err := NewMachineSealer(filepath.Join(dirA, "keys"))
	if err != nil {
		t.Fatalf("NewMachineSealer A: %v", err)
	}
	sealerB, err := NewMachineSealer(filepath.Join(dirB, "keys"))
	if err != nil {
		t.Fatalf("NewMachineSealer B: %v", err)
	}

	sealed, err := sealerA.Seal([]byte("token"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if _, err := sealerB.Unseal(sealed); err == nil {
		t.Fatal("Unseal with a different machine key succeeded, want error")
	}
}
