//go:build unix

package holepunch

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseControl sets SO_REUSEADDR and SO_REUSEPORT so the listener and the
// outbound dials can share one local port.
func reuseControl(_, _ string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			opErr = fmt.Errorf("set SO_REUSEADDR: %w", err)
			return
		}
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			opErr = fmt.Errorf("set SO_REUSEPORT: %w", err)
		}
	})
	if err != nil {
		return err
	}
	return opErr
}
