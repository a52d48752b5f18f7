package netpool_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frankli0324/rq/internal/errs"
	"github.com/frankli0324/rq/netpool"
)

type fakeConn struct {
	id     string
	mux    bool
	dead   atomic.Bool
	closed atomic.Bool
	raw    net.Conn
}

func (c *fakeConn) ID() string        { return c.id }
func (c *fakeConn) Multiplexed() bool { return c.mux }
func (c *fakeConn) Alive() bool       { return !c.dead.Load() && !c.closed.Load() }
func (c *fakeConn) Close() error {
	c.closed.Store(true)
	if c.raw != nil {
		c.raw.Close()
	}
	return nil
}

type rawFake struct{ *fakeConn }

func (c rawFake) Raw() net.Conn { return c.raw }

type dialer struct {
	n   atomic.Int32
	mux bool
}

func (d *dialer) dial(context.Context) (netpool.Conn, error) {
	n := d.n.Add(1)
	return &fakeConn{id: fmt.Sprint("c", n), mux: d.mux}, nil
}

var key = netpool.Key{Origin: "http://example.test:80"}

func checkout(t *testing.T, p *netpool.Pool[netpool.Conn], d *dialer) netpool.Conn {
	t.Helper()
	c, err := p.Checkout(context.Background(), key, d.dial)
	require.NoError(t, err)
	return c
}

func TestReuseIdle(t *testing.T) {
	p := netpool.New[netpool.Conn](netpool.Config{})
	defer p.Close()
	d := &dialer{}

	c1 := checkout(t, p, d)
	assert.Equal(t, netpool.Stats{Active: 1}, p.Stats(key))
	p.Release(key, c1, true)
	assert.Equal(t, netpool.Stats{Idle: 1}, p.Stats(key))

	c2 := checkout(t, p, d)
	assert.Equal(t, c1.ID(), c2.ID())
	assert.Equal(t, int32(1), d.n.Load())

	p.Release(key, c2, false)
	assert.True(t, c2.(*fakeConn).closed.Load())
	assert.Equal(t, netpool.Stats{}, p.Stats(key))
}

func TestMostRecentlyIdledFirst(t *testing.T) {
	p := netpool.New[netpool.Conn](netpool.Config{})
	defer p.Close()
	d := &dialer{}
	c1, c2 := checkout(t, p, d), checkout(t, p, d)
	p.Release(key, c1, true)
	p.Release(key, c2, true)
	assert.Equal(t, c2.ID(), checkout(t, p, d).ID())
}

func TestPerOriginCapQueuesFIFO(t *testing.T) {
	p := netpool.New[netpool.Conn](netpool.Config{MaxConnsPerOrigin: 2})
	defer p.Close()
	d := &dialer{}
	c1, c2 := checkout(t, p, d), checkout(t, p, d)

	got := make(chan string, 2)
	for i := 0; i < 2; i++ {
		go func() {
			c, err := p.Checkout(context.Background(), key, d.dial)
			if err != nil {
				got <- err.Error()
				return
			}
			got <- c.ID()
		}()
		require.Eventually(t, func() bool { return p.Stats(key).Waiting == i+1 }, time.Second, time.Millisecond)
	}

	p.Release(key, c1, true)
	assert.Equal(t, c1.ID(), <-got)
	p.Release(key, c2, false)
	assert.Equal(t, "c3", <-got)
	assert.Equal(t, int32(3), d.n.Load())
	assert.Equal(t, 2, p.Stats(key).Active)
}

func TestCheckoutCancelled(t *testing.T) {
	p := netpool.New[netpool.Conn](netpool.Config{MaxConnsPerOrigin: 1})
	defer p.Close()
	d := &dialer{}
	c1 := checkout(t, p, d)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Checkout(ctx, key, d.dial)
	assert.ErrorIs(t, err, errs.ErrTimeout)

	ctx, cancel = context.WithCancel(context.Background())
	go func() {
		assert.Eventually(t, func() bool { return p.Stats(key).Waiting == 1 }, time.Second, time.Millisecond)
		cancel()
	}()
	_, err = p.Checkout(ctx, key, d.dial)
	assert.ErrorIs(t, err, errs.ErrCancelled)
	assert.Equal(t, netpool.Stats{Active: 1}, p.Stats(key))

	// the slot is still usable afterwards
	p.Release(key, c1, true)
	assert.Equal(t, c1.ID(), checkout(t, p, d).ID())
}

func TestCheckoutTimeout(t *testing.T) {
	p := netpool.New[netpool.Conn](netpool.Config{MaxConnsPerOrigin: 1, CheckoutTimeout: 20 * time.Millisecond})
	defer p.Close()
	d := &dialer{}
	checkout(t, p, d)
	start := time.Now()
	_, err := p.Checkout(context.Background(), key, d.dial)
	assert.ErrorIs(t, err, errs.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDialFailureHandsSlotOn(t *testing.T) {
	p := netpool.New[netpool.Conn](netpool.Config{MaxConnsPerOrigin: 1})
	defer p.Close()
	d := &dialer{}
	release := make(chan struct{})
	failing := func(context.Context) (netpool.Conn, error) {
		<-release
		return nil, errors.New("refused")
	}

	errc := make(chan error, 1)
	go func() {
		_, err := p.Checkout(context.Background(), key, failing)
		errc <- err
	}()
	require.Eventually(t, func() bool { return p.Stats(key).Dialing == 1 }, time.Second, time.Millisecond)

	got := make(chan netpool.Conn, 1)
	waitErr := make(chan error, 1)
	go func() {
		c, err := p.Checkout(context.Background(), key, d.dial)
		got <- c
		waitErr <- err
	}()
	require.Eventually(t, func() bool { return p.Stats(key).Waiting == 1 }, time.Second, time.Millisecond)

	close(release)
	assert.Error(t, <-errc)
	c := <-got
	require.NoError(t, <-waitErr)
	assert.Equal(t, "c1", c.ID())
}

func TestSharedMultiplexed(t *testing.T) {
	p := netpool.New[netpool.Conn](netpool.Config{MaxConnsPerOrigin: 1})
	defer p.Close()
	d := &dialer{mux: true}
	first := checkout(t, p, d)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := p.Checkout(context.Background(), key, d.dial)
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, first.ID(), c.ID())
			p.Release(key, c, true)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), d.n.Load())
	assert.Equal(t, netpool.Stats{Shared: 1}, p.Stats(key))

	// dead ones are dropped on the next checkout
	first.(*fakeConn).dead.Store(true)
	c := checkout(t, p, d)
	assert.Equal(t, "c2", c.ID())
	assert.True(t, first.(*fakeConn).closed.Load())
}

// gatedDial blocks every dial until gate is closed.
func gatedDial(gate <-chan struct{}, mux bool, n *atomic.Int32) func(context.Context) (netpool.Conn, error) {
	return func(ctx context.Context) (netpool.Conn, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &fakeConn{id: fmt.Sprint("c", n.Add(1)), mux: mux}, nil
	}
}

// checkoutMany runs n CheckoutShared calls at once and returns the ids
// they got, in no particular order.
func checkoutMany(p *netpool.Pool[netpool.Conn], n int, dial func(context.Context) (netpool.Conn, error)) (<-chan string, <-chan error) {
	ids, errc := make(chan string, n), make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			c, err := p.CheckoutShared(context.Background(), key, dial)
			if err != nil {
				errc <- err
				return
			}
			ids <- c.ID()
		}()
	}
	return ids, errc
}

func TestCheckoutSharedWaitsForDial(t *testing.T) {
	p := netpool.New[netpool.Conn](netpool.Config{MaxConnsPerOrigin: 8})
	defer p.Close()
	gate := make(chan struct{})
	var n atomic.Int32
	ids, errc := checkoutMany(p, 6, gatedDial(gate, true, &n))
	require.Eventually(t, func() bool {
		s := p.Stats(key)
		return s.Dialing == 1 && s.Waiting == 5
	}, time.Second, time.Millisecond)

	close(gate)
	for i := 0; i < 6; i++ {
		select {
		case id := <-ids:
			assert.Equal(t, "c1", id)
		case err := <-errc:
			t.Fatal(err)
		}
	}
	assert.Equal(t, int32(1), n.Load())
	assert.Equal(t, netpool.Stats{Shared: 1}, p.Stats(key))
}

func TestCheckoutSharedExclusiveResult(t *testing.T) {
	p := netpool.New[netpool.Conn](netpool.Config{MaxConnsPerOrigin: 8})
	defer p.Close()
	gate := make(chan struct{})
	var n atomic.Int32
	ids, errc := checkoutMany(p, 3, gatedDial(gate, false, &n))
	require.Eventually(t, func() bool { return p.Stats(key).Waiting == 2 }, time.Second, time.Millisecond)

	// the guess was wrong, the others dial their own
	close(gate)
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		select {
		case id := <-ids:
			seen[id] = true
		case err := <-errc:
			t.Fatal(err)
		}
	}
	assert.Len(t, seen, 3)
	assert.Equal(t, netpool.Stats{Active: 3}, p.Stats(key))
}

func TestCheckoutSharedDialFailure(t *testing.T) {
	p := netpool.New[netpool.Conn](netpool.Config{})
	defer p.Close()
	release := make(chan struct{})
	var calls atomic.Int32
	dial := func(ctx context.Context) (netpool.Conn, error) {
		if calls.Add(1) == 1 {
			<-release
			return nil, errors.New("refused")
		}
		return &fakeConn{id: "c2", mux: true}, nil
	}
	ids, errc := checkoutMany(p, 3, dial)
	require.Eventually(t, func() bool { return p.Stats(key).Waiting == 2 }, time.Second, time.Millisecond)

	close(release)
	assert.Error(t, <-errc)
	assert.Equal(t, "c2", <-ids)
	assert.Equal(t, "c2", <-ids)
	assert.Equal(t, int32(2), calls.Load())
}

func TestStaleIdleNotReused(t *testing.T) {
	p := netpool.New[netpool.Conn](netpool.Config{})
	defer p.Close()
	d := &dialer{}
	c1 := checkout(t, p, d)
	p.Release(key, c1, true)
	c1.(*fakeConn).dead.Store(true)

	c2 := checkout(t, p, d)
	assert.Equal(t, "c2", c2.ID())
	assert.True(t, c1.(*fakeConn).closed.Load())
}

func TestPeerClosedIdleNotReused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			c.Close() // hang up right away
		}
	}()

	p := netpool.New[netpool.Conn](netpool.Config{})
	defer p.Close()
	var n atomic.Int32
	dial := func(ctx context.Context) (netpool.Conn, error) {
		raw, err := net.Dial("tcp", l.Addr().String())
		if err != nil {
			return nil, err
		}
		return rawFake{&fakeConn{id: fmt.Sprint("raw", n.Add(1)), raw: raw}}, nil
	}
	c1, err := p.Checkout(context.Background(), key, dial)
	require.NoError(t, err)
	p.Release(key, c1, true)
	time.Sleep(50 * time.Millisecond) // let the FIN arrive

	c2, err := p.Checkout(context.Background(), key, dial)
	require.NoError(t, err)
	assert.NotEqual(t, c1.ID(), c2.ID())
}

func TestIdleCaps(t *testing.T) {
	p := netpool.New[netpool.Conn](netpool.Config{MaxIdlePerOrigin: 1, MaxIdleTotal: 1})
	defer p.Close()
	d := &dialer{}
	c1, c2 := checkout(t, p, d), checkout(t, p, d)
	p.Release(key, c1, true)
	p.Release(key, c2, true)
	assert.True(t, c1.(*fakeConn).closed.Load())
	assert.Equal(t, 1, p.Stats(key).Idle)

	other := netpool.Key{Origin: "https://other.test:443"}
	c3, err := p.Checkout(context.Background(), other, d.dial)
	require.NoError(t, err)
	p.Release(other, c3, true)
	// least recently idled goes first
	assert.True(t, c2.(*fakeConn).closed.Load())
	assert.Equal(t, netpool.Stats{}, p.Stats(key))
	assert.Equal(t, netpool.Stats{Idle: 1}, p.Stats(other))
}

func TestReaperClosesIdle(t *testing.T) {
	p := netpool.New[netpool.Conn](netpool.Config{IdleTimeout: 30 * time.Millisecond})
	defer p.Close()
	d := &dialer{}
	c1 := checkout(t, p, d)
	p.Release(key, c1, true)
	assert.Eventually(t, func() bool { return c1.(*fakeConn).closed.Load() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, netpool.Stats{}, p.Stats(key))
}

func TestCloseFailsWaiters(t *testing.T) {
	p := netpool.New[netpool.Conn](netpool.Config{MaxConnsPerOrigin: 1})
	d := &dialer{}
	c1 := checkout(t, p, d)
	errc := make(chan error, 1)
	go func() {
		_, err := p.Checkout(context.Background(), key, d.dial)
		errc <- err
	}()
	require.Eventually(t, func() bool { return p.Stats(key).Waiting == 1 }, time.Second, time.Millisecond)
	require.NoError(t, p.Close())
	err := <-errc
	assert.ErrorIs(t, err, netpool.ErrPoolClosed)
	assert.ErrorIs(t, err, errs.ErrConnect)

	p.Release(key, c1, true)
	assert.True(t, c1.(*fakeConn).closed.Load())
}
