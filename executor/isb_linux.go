package executor

import (
	"net"

	"golang.org/x/sys/unix"
)

// idealSendBacklog estimates how many bytes the transport wants kept
// outstanding on the send queue: one congestion window's worth of segments,
// from TCP_INFO.
func idealSendBacklog(nc *net.TCPConn) (uint64, error) {
	raw, err := nc.SyscallConn()
	if err != nil {
		return 0, err
	}
	var info *unix.TCPInfo
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		info, sockErr = unix.GetsockoptTCPInfo(int(fd), unix.IPPROTO_TCP, unix.TCP_INFO)
	})
	if err != nil {
		return 0, err
	}
	if sockErr != nil {
		return 0, sockErr
	}
	return uint64(info.Snd_cwnd) * uint64(info.Snd_mss), nil
}
