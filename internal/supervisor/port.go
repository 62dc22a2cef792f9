package supervisor

import (
	"fmt"
	"net"
)

// FreePort asks the kernel for an unused TCP port on host by binding port 0,
// then releases it. The port is handed to the upstream, which binds it next.
func FreePort(host string) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("bind %s:0: %w", host, err)
	}
	defer func() { _ = ln.Close() }()

	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("unexpected listener address %T", ln.Addr())
	}
	return addr.Port, nil
}
