// Package portutil hands out free TCP ports for locally spawned servers.
package portutil

import (
	"fmt"
	"net"
)

// AllocatePort asks the OS for an unused port by binding :0 and releasing
// it. There is a small window where another process can grab the port, so
// callers should treat a later bind failure as retryable.
func AllocatePort() (int, error) {
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate port: %w", err)
	}
	defer func() { _ = listener.Close() }()

	return listener.Addr().(*net.TCPAddr).Port, nil
}
