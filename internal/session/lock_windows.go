//go:build windows

package session

import (
	"fmt"
	"net"

	winio "github.com/Microsoft/go-winio"
)

// fileLock is the Windows single-instance lock: binding a uniquely named
// pipe fails if another instance already owns it, so the listener itself
// is the lock (spec §5). The teacher already depends on go-winio
// transitively for Windows container support; this is the first direct
// use of its named pipe primitive.
type fileLock struct {
	listener net.Listener
}

func acquireLock(path string) (*fileLock, error) {
	pipeName := `\\.\pipe\` + pipeNameFromPath(path)

	// Binding a pipe name that's already bound by a running instance is
	// the only realistic failure for a name derived from a fixed,
	// per-install path — treat any ListenPipe error here as "already
	// running" rather than trying to enumerate Windows error codes.
	listener, err := winio.ListenPipe(pipeName, &winio.PipeConfig{})
	if err != nil {
		return nil, ErrAlreadyRunning
	}

	return &fileLock{listener: listener}, nil
}

func (l *fileLock) Release() error {
	if l == nil || l.listener == nil {
		return nil
	}
	return l.listener.Close()
}

func pipeNameFromPath(path string) string {
	name := []byte(path)
	for i, b := range name {
		if b == '\\' || b == '/' || b == ':' {
			name[i] = '_'
		}
	}
	return string(name)
}
