//go:build !linux

package executor

import (
	"errors"
	"net"
)

var errNoBacklogHint = errors.New("no transport send-backlog hint on this platform")

// idealSendBacklog has no portable source; the engine falls back to its
// configured or default cap.
func idealSendBacklog(nc *net.TCPConn) (uint64, error) {
	return 0, errNoBacklogHint
}
