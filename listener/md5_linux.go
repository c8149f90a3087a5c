//go:build linux

package listener

import (
	"encoding/binary"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// Linux's struct tcp_md5sig (linux/tcp.h):
//
//	struct tcp_md5sig {
//	        struct __kernel_sockaddr_storage tcpm_addr; // 128 bytes
//	        __u8  tcpm_flags;
//	        __u8  tcpm_prefixlen;
//	        __u16 tcpm_keylen;
//	        int   __tcpm_pad;
//	        __u8  tcpm_key[80];
//	};
const (
	sockaddrStorageSize = 128
	tcpMD5SigMaxKeyLen  = 80
	tcpMD5SigSize       = sockaddrStorageSize + 1 + 1 + 2 + 4 + tcpMD5SigMaxKeyLen
	tcpMD5SigOpt        = 14 // TCP_MD5SIG
)

// MD5Capable reports whether this host supports the TCP_MD5SIG socket
// option (spec.md §9: "the core must expose a capability probe so the
// control layer can reject invalid configs early").
func MD5Capable() bool {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return false
	}
	defer unix.Close(fd)
	buf := make([]byte, tcpMD5SigSize)
	return unix.SetsockoptString(fd, unix.IPPROTO_TCP, tcpMD5SigOpt, string(buf)) == nil
}

// applyListenerMD5 binds or clears (password == "") the TCP-MD5 key for
// remote ip on the listening socket ln itself, ahead of any inbound SYN
// (spec.md §4.7). This is the pre-handshake counterpart to applyMD5, which
// only reaches the connection after accept.
func applyListenerMD5(ln net.Listener, ip net.IP, password string) error {
	if len(password) > tcpMD5SigMaxKeyLen {
		return fmt.Errorf("listener: MD5 key longer than %d bytes", tcpMD5SigMaxKeyLen)
	}
	sc, ok := ln.(syscall.Conn)
	if !ok {
		return fmt.Errorf("listener: listening socket does not expose a raw fd")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}

	sig := marshalTCPMD5Sig(ip, password)
	var sockErr error
	if ctrlErr := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptString(int(fd), unix.IPPROTO_TCP, tcpMD5SigOpt, string(sig))
	}); ctrlErr != nil {
		return ctrlErr
	}
	return sockErr
}

// applyMD5 installs password as the TCP-MD5 key for conn's remote
// endpoint. The listening socket is already pre-bound per remote via
// applyListenerMD5 (called from Listener.SyncMD5) before any handshake
// reaches here; this second application is a safety net for kernels where
// an accepted socket does not otherwise retain the listening socket's
// TCP_MD5SIG state.
func applyMD5(conn net.Conn, password string) error {
	if len(password) > tcpMD5SigMaxKeyLen {
		return fmt.Errorf("listener: MD5 key longer than %d bytes", tcpMD5SigMaxKeyLen)
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("listener: invalid remote address %q", host)
	}

	sc, ok := conn.(syscall.Conn)
	if !ok {
		return fmt.Errorf("listener: connection does not expose a raw fd")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}

	sig := marshalTCPMD5Sig(ip, password)
	var sockErr error
	if ctrlErr := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptString(int(fd), unix.IPPROTO_TCP, tcpMD5SigOpt, string(sig))
	}); ctrlErr != nil {
		return ctrlErr
	}
	return sockErr
}

func marshalTCPMD5Sig(ip net.IP, password string) []byte {
	buf := make([]byte, tcpMD5SigSize)
	if ip4 := ip.To4(); ip4 != nil {
		binary.LittleEndian.PutUint16(buf[0:2], unix.AF_INET)
		copy(buf[4:8], ip4)
	} else {
		binary.LittleEndian.PutUint16(buf[0:2], unix.AF_INET6)
		copy(buf[8:24], ip.To16())
	}
	const (
		prefixlenOffset = sockaddrStorageSize + 1
		keylenOffset    = sockaddrStorageSize + 2
		keyOffset       = sockaddrStorageSize + 8
	)
	buf[prefixlenOffset] = 0
	binary.LittleEndian.PutUint16(buf[keylenOffset:keylenOffset+2], uint16(len(password)))
	copy(buf[keyOffset:], password)
	return buf
}
