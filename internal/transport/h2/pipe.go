package h2

import (
	"bytes"
	"sync"
)

// pipe buffers response DATA between the consumer goroutine and the single
// reader of the body. Its size is bounded by the stream receive window.
type pipe struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	err  error         // returned once buf is drained
	wake chan struct{} // cap 1
}

func newPipe() *pipe {
	return &pipe{wake: make(chan struct{}, 1)}
}

func (p *pipe) Write(b []byte) {
	p.mu.Lock()
	if p.err == nil {
		p.buf.Write(b)
	}
	p.mu.Unlock()
	p.signal()
}

// CloseWithError lets the reader drain what's buffered, then see err.
func (p *pipe) CloseWithError(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
	p.signal()
}

// Abandon drops buffered data, every later Read fails with err.
func (p *pipe) Abandon(err error) {
	p.mu.Lock()
	p.buf.Reset()
	p.err = err
	p.mu.Unlock()
	p.signal()
}

func (p *pipe) Read(b []byte) (int, error) {
	for {
		p.mu.Lock()
		if p.buf.Len() > 0 {
			n, _ := p.buf.Read(b)
			p.mu.Unlock()
			return n, nil
		}
		if err := p.err; err != nil {
			p.mu.Unlock()
			return 0, err
		}
		p.mu.Unlock()
		<-p.wake
	}
}

func (p *pipe) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}
