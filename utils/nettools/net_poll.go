//go:build darwin || linux

package nettools

import (
	"golang.org/x/sys/unix"
)

func init() {
	probe = pollIdle
}

// pollIdle polls without blocking. An idle connection should have nothing
// to read, readable ones are peeked to tell EOF from stray bytes.
func pollIdle(fds []int) []State {
	states := make([]State, len(fds))
	s := make([]unix.PollFd, 0, len(fds))
	idx := make([]int, 0, len(fds))
	for i, fd := range fds {
		if fd == -1 {
			continue
		}
		s = append(s, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		idx = append(idx, i)
	}
	if len(s) == 0 {
		return states
	}
	_, err := unix.Poll(s, 0)
	for err == unix.EINTR {
		_, err = unix.Poll(s, 0)
	}
	if err != nil {
		return states
	}
	var b [1]byte
	for j, p := range s {
		i := idx[j]
		switch {
		case p.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0:
			states[i] = Dead
		case p.Revents&unix.POLLIN != 0:
			// EOF, a reset, or a response nobody is waiting for
			states[i] = Dead
			if _, _, err := unix.Recvfrom(fds[i], b[:], unix.MSG_PEEK|unix.MSG_DONTWAIT); err == unix.EAGAIN {
				states[i] = Alive
			}
		default:
			states[i] = Alive
		}
	}
	return states
}
