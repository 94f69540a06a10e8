//go:build !unix

package holepunch

import "syscall"

// reuseControl is a no-op where SO_REUSEPORT is unavailable. Punching then
// relies on the dial path alone.
func reuseControl(_, _ string, c syscall.RawConn) error {
	return nil
}
