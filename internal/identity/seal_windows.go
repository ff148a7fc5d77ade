//go:build windows

package identity

// restrictToMachine is a no-op on Windows for the key file itself — ACL
// hardening of the key file lives with the installer (out of scope, per
// spec §4.1: "Access permissions on the containing directory are the
// responsibility of the installer"). The machine-scoped boundary on
// Windows is instead enforced by internal/session's single-instance lock,
// which uses github.com/Microsoft/go-winio's named pipe primitive to bind
// the agent to exactly one running instance per machine.
func restrictToMachine(path string) error {
	return nil
}
