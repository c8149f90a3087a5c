//go:build !linux

package listener

import (
	"fmt"
	"net"
)

// MD5Capable reports whether this host supports TCP_MD5SIG. Only Linux
// exposes the socket option through golang.org/x/sys/unix; every other
// platform fails config validation up front (spec.md §9).
func MD5Capable() bool { return false }

func applyMD5(conn net.Conn, password string) error {
	return fmt.Errorf("listener: TCP-MD5 is not supported on this platform")
}

func applyListenerMD5(ln net.Listener, ip net.IP, password string) error {
	return fmt.Errorf("listener: TCP-MD5 is not supported on this platform")
}
