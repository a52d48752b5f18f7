// Package nettools inspects idle sockets without consuming from them.
package nettools

import (
	"net"
	"sync"
	"syscall"
)

type State uint8

const (
	// Unknown is reported for connections without a file descriptor, such
	// as in-memory pipes, and on platforms without a probe.
	Unknown State = iota
	Alive
	// Dead connections were closed or reset by the peer, or have bytes
	// waiting that no request asked for.
	Dead
)

func (s State) String() string {
	switch s {
	case Alive:
		return "alive"
	case Dead:
		return "dead"
	}
	return "unknown"
}

// probe is installed by the platform specific files, fds of -1 are to be
// reported Unknown.
var probe func(fds []int) []State

// Probe checks idle connections in one go. It must not race with reads on
// the connections.
func Probe(cc []net.Conn) []State {
	states := make([]State, len(cc))
	if probe == nil || len(cc) == 0 {
		return states
	}
	controlFDSet(cc, func(fds []int) {
		copy(states, probe(fds))
	})
	return states
}

// Usable reports whether an idle connection may carry another request,
// connections that can't be probed are assumed usable.
func Usable(c net.Conn) bool {
	return Probe([]net.Conn{c})[0] != Dead
}

// controlFDSet runs control with the descriptors of all connections held
// at once, -1 standing in for those without one.
func controlFDSet(connections []net.Conn, control func([]int)) {
	cc := mapConnsToFDs(connections)
	releaser := sync.RWMutex{}
	wg := sync.WaitGroup{}

	releaser.Lock()
	fds := make([]int, len(cc))
	for i, s := range cc {
		fds[i] = -1
		if s == nil {
			continue
		}
		wg.Add(1)
		go func(i int, s syscall.RawConn) {
			// the control action is not run when Control fails, errors
			// only happen before it, see (*net.conn).SyscallConn:
			//
			//  if err := fd.incref(); err != nil {
			//  	return err
			//  }
			//  defer fd.decref()
			//  f(uintptr(fd.Sysfd))
			//  return nil
			if err := s.Control(func(fd uintptr) {
				fds[i] = int(fd)
				wg.Done()
				releaser.RLock()
				releaser.RUnlock()
			}); err != nil {
				wg.Done()
			}
		}(i, s)
	}
	wg.Wait()
	control(fds)
	releaser.Unlock() // release Control
}

func connsToFD(raw net.Conn) syscall.RawConn {
	// *tls.Conn, tunnels and polyfilled TLS connections, possibly nested
	for {
		t, ok := raw.(interface{ NetConn() net.Conn })
		if !ok {
			break
		}
		raw = t.NetConn()
	}
	if c, ok := raw.(syscall.Conn); ok {
		if c, err := c.SyscallConn(); err == nil {
			return c
		}
	}
	return nil
}

func mapConnsToFDs(cc []net.Conn) []syscall.RawConn {
	rc := make([]syscall.RawConn, len(cc))
	for i, raw := range cc {
		rc[i] = connsToFD(raw)
	}
	return rc
}
