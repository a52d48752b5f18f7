package h3_test

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frankli0324/rq/internal/errs"
	model "github.com/frankli0324/rq/internal/http"
	"github.com/frankli0324/rq/internal/testutil"
	"github.com/frankli0324/rq/internal/transport/h3"
	"github.com/frankli0324/rq/internal/trust"
)

func startServer(t *testing.T, h http.Handler) (string, *trust.Policy) {
	t.Helper()
	cert := testutil.SelfSigned(t, "localhost")
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http3.Server{
		Handler:   h,
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
	}
	go srv.Serve(pc)
	t.Cleanup(func() {
		srv.Close()
		pc.Close()
	})
	return pc.LocalAddr().String(), trust.Pinned(cert.Leaf)
}

func dial(t *testing.T, addr string, pol *trust.Policy) *h3.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	qc, err := quic.DialAddr(ctx, addr, pol.TLSConfig("localhost", []string{"h3"}), nil)
	require.NoError(t, err)
	c, err := h3.New(ctx, qc, h3.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func request(t *testing.T, method, url string, body interface{}) *model.PreparedRequest {
	t.Helper()
	pr, err := (&model.Request{Method: method, URL: url, Body: body}).Prepare()
	require.NoError(t, err)
	return pr
}

func TestAgainstHTTP3Server(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/hello", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Proto", r.Proto)
		io.WriteString(w, "hello h3")
	})
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		io.Copy(w, r.Body)
	})
	addr, pol := startServer(t, mux)
	_, port, _ := net.SplitHostPort(addr)
	base := "https://localhost:" + port
	c := dial(t, addr, pol)

	released := make(chan bool, 2)
	release := func(reusable bool) { released <- reusable }

	resp, err := c.RoundTrip(context.Background(), request(t, "GET", base+"/hello", nil), release)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, model.H3, resp.Version)
	assert.Equal(t, "HTTP/3.0", resp.Header.Get("X-Proto"))
	assert.False(t, resp.Reused)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello h3", string(b))
	assert.True(t, <-released)

	payload := bytes.Repeat([]byte("0123456789abcdef"), 16<<10)
	resp, err = c.RoundTrip(context.Background(), request(t, "POST", base+"/echo", payload), release)
	require.NoError(t, err)
	assert.True(t, resp.Reused)
	assert.Equal(t, c.ID(), resp.ConnID)
	b, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, b)
	require.NoError(t, resp.Body.Close())
	assert.True(t, <-released)
	assert.True(t, c.Alive())
}

func TestConcurrentRequests(t *testing.T) {
	addr, pol := startServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.URL.Query().Get("i"))
	}))
	_, port, _ := net.SplitHostPort(addr)
	c := dial(t, addr, pol)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			url := fmt.Sprintf("https://localhost:%s/?i=%d", port, i)
			resp, err := c.RoundTrip(context.Background(), request(t, "GET", url, nil), nil)
			if !assert.NoError(t, err) {
				return
			}
			b, err := resp.Bytes()
			assert.NoError(t, err)
			assert.Equal(t, fmt.Sprint(i), string(b))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, c.Active())
	assert.Equal(t, int64(16), c.Served())
}

func TestCancelledRequest(t *testing.T) {
	unblock := make(chan struct{})
	defer close(unblock)
	addr, pol := startServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			select {
			case <-r.Context().Done():
			case <-unblock:
			}
			return
		}
		io.WriteString(w, "fast")
	}))
	_, port, _ := net.SplitHostPort(addr)
	base := "https://localhost:" + port
	c := dial(t, addr, pol)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	released := make(chan bool, 1)
	_, err := c.RoundTrip(ctx, request(t, "GET", base+"/slow", nil), func(r bool) { released <- r })
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrTimeout)
	// only the stream is gone, the connection keeps serving
	assert.True(t, <-released)
	assert.True(t, c.Alive())

	resp, err := c.RoundTrip(context.Background(), request(t, "GET", base+"/fast", nil), nil)
	require.NoError(t, err)
	b, err := resp.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "fast", string(b))
}

func TestClosedConnRefusesRequests(t *testing.T) {
	addr, pol := startServer(t, http.NotFoundHandler())
	_, port, _ := net.SplitHostPort(addr)
	c := dial(t, addr, pol)
	require.NoError(t, c.Close())
	assert.False(t, c.Alive())
	_, err := c.RoundTrip(context.Background(), request(t, "GET", "https://localhost:"+port+"/", nil), nil)
	assert.ErrorIs(t, err, errs.ErrConnect)
	assert.ErrorIs(t, err, h3.ErrConnUnusable)
}
