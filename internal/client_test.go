package internal_test

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frankli0324/rq/internal"
	"github.com/frankli0324/rq/internal/dialer"
	"github.com/frankli0324/rq/internal/errs"
	model "github.com/frankli0324/rq/internal/http"
	"github.com/frankli0324/rq/internal/trust"
)

// rawServer answers every request with the text respond returns, one
// connection may carry many requests unless closeAfter is set.
type rawServer struct {
	addr  string
	port  int
	reqs  chan *http.Request
	conns atomic.Int32
}

func serveRaw(t *testing.T, closeAfter bool, respond func(r *http.Request) string) *rawServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	s := &rawServer{
		addr: ln.Addr().String(),
		port: ln.Addr().(*net.TCPAddr).Port,
		reqs: make(chan *http.Request, 64),
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			s.conns.Add(1)
			go func() {
				defer c.Close()
				br := bufio.NewReader(c)
				for {
					req, err := http.ReadRequest(br)
					if err != nil {
						return
					}
					io.Copy(io.Discard, req.Body)
					s.reqs <- req
					if _, err := io.WriteString(c, respond(req)); err != nil || closeAfter {
						return
					}
				}
			}()
		}
	}()
	return s
}

func fixed(resp string) func(*http.Request) string {
	return func(*http.Request) string { return resp }
}

func newClient(t *testing.T, cfg internal.Config) *internal.Client {
	t.Helper()
	c, err := internal.NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestHello(t *testing.T) {
	s := serveRaw(t, false, fixed("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"))
	c := newClient(t, internal.Config{
		Resolve: &dialer.ResolveConfig{StaticHosts: map[string]string{"example.test": "127.0.0.1"}},
	})
	url := "http://example.test:" + strconv.Itoa(s.port) + "/a"

	resp, err := c.Get(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, model.H11, resp.Version)
	n, ok := resp.Length()
	assert.True(t, ok)
	assert.Equal(t, int64(5), n)
	b, err := resp.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))

	req := <-s.reqs
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/a", req.RequestURI)
	assert.Equal(t, "example.test:"+strconv.Itoa(s.port), req.Host)
}

type countingDialer struct {
	*dialer.Dialer
	dials atomic.Int32
}

func (d *countingDialer) Dial(ctx context.Context, addr string, proxy *url.URL) (net.Conn, error) {
	d.dials.Add(1)
	return d.Dialer.Dial(ctx, addr, proxy)
}

func TestCustomDialer(t *testing.T) {
	s := serveRaw(t, false, fixed("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	d := &countingDialer{Dialer: dialer.New(dialer.Config{
		Resolve: &dialer.ResolveConfig{StaticHosts: map[string]string{"dialer.test": "127.0.0.1"}},
	})}
	// only the injected dialer knows dialer.test
	c := newClient(t, internal.Config{Dialer: d})
	url := "http://dialer.test:" + strconv.Itoa(s.port) + "/"
	for i := 0; i < 2; i++ {
		resp, err := c.Get(context.Background(), url)
		require.NoError(t, err)
		b, err := resp.Bytes()
		require.NoError(t, err)
		assert.Equal(t, "ok", string(b))
	}
	assert.Equal(t, int32(1), d.dials.Load())
}

func TestConnectionReuse(t *testing.T) {
	s := serveRaw(t, false, fixed("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	c := newClient(t, internal.Config{})
	url := "http://" + s.addr + "/"

	var ids []string
	for i := 0; i < 3; i++ {
		resp, err := c.Get(context.Background(), url)
		require.NoError(t, err)
		_, err = resp.Bytes()
		require.NoError(t, err)
		assert.Equal(t, i > 0, resp.Reused)
		ids = append(ids, resp.ConnID)
	}
	assert.Equal(t, ids[0], ids[1])
	assert.Equal(t, ids[0], ids[2])
	assert.Equal(t, int32(1), s.conns.Load())
	assert.Equal(t, 1, c.Stats("http://"+s.addr).Idle)
}

func TestPeerClosedNotReused(t *testing.T) {
	s := serveRaw(t, true, fixed("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	c := newClient(t, internal.Config{})
	url := "http://" + s.addr + "/"

	resp, err := c.Get(context.Background(), url)
	require.NoError(t, err)
	_, err = resp.Bytes()
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond) // let the FIN arrive

	resp, err = c.Get(context.Background(), url)
	require.NoError(t, err)
	assert.False(t, resp.Reused)
	b, err := resp.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "ok", string(b))
	assert.Equal(t, int32(2), s.conns.Load())
}

func TestRequestTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			defer c.Close() // never answer
		}
	}()
	c := newClient(t, internal.Config{})

	start := time.Now()
	_, err = c.Get(context.Background(), "http://"+ln.Addr().String()+"/", internal.WithTimeout(50*time.Millisecond))
	assert.ErrorIs(t, err, errs.ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0, c.Stats("http://"+ln.Addr().String()).Active)
}

func TestTrust(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "secure")
	}))
	defer ts.Close()

	t.Run("SystemRoots", func(t *testing.T) {
		c := newClient(t, internal.Config{})
		_, err := c.Get(context.Background(), ts.URL)
		assert.ErrorIs(t, err, errs.ErrTrust)
		assert.True(t, trust.IsCertificateError(err))
	})
	t.Run("Insecure", func(t *testing.T) {
		c := newClient(t, internal.Config{Insecure: true})
		resp, err := c.Get(context.Background(), ts.URL)
		require.NoError(t, err)
		b, err := resp.Bytes()
		require.NoError(t, err)
		assert.Equal(t, "secure", string(b))
	})
	t.Run("PinnedPerRequest", func(t *testing.T) {
		c := newClient(t, internal.Config{})
		resp, err := c.Get(context.Background(), ts.URL, internal.WithTrust(trust.Pinned(ts.Certificate())))
		require.NoError(t, err)
		assert.Equal(t, 200, resp.StatusCode)
		resp.Body.Close()
	})
}

func TestHTTP2Concurrent(t *testing.T) {
	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s %s", r.Proto, r.URL.Path)
	}))
	ts.EnableHTTP2 = true
	ts.StartTLS()
	defer ts.Close()
	c := newClient(t, internal.Config{Trust: trust.Pinned(ts.Certificate())})

	// the first request teaches the pool the origin is multiplexed
	resp, err := c.Get(context.Background(), ts.URL+"/first")
	require.NoError(t, err)
	first := resp.ConnID
	resp.Body.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			path := "/" + strconv.Itoa(i)
			resp, err := c.Get(context.Background(), ts.URL+path)
			if !assert.NoError(t, err) {
				return
			}
			b, err := resp.Bytes()
			assert.NoError(t, err)
			assert.Equal(t, "HTTP/2.0 "+path, string(b))
			assert.Equal(t, model.H2, resp.Version)
			assert.Equal(t, first, resp.ConnID)
		}()
	}
	wg.Wait()
}

func TestHTTP2ColdConcurrent(t *testing.T) {
	var conns atomic.Int32
	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.Proto)
	}))
	ts.Config.ConnState = func(_ net.Conn, st http.ConnState) {
		if st == http.StateNew {
			conns.Add(1)
		}
	}
	ts.EnableHTTP2 = true
	ts.StartTLS()
	defer ts.Close()
	c := newClient(t, internal.Config{Trust: trust.Pinned(ts.Certificate())})

	ids := make(chan string, 6)
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := c.Get(context.Background(), ts.URL+"/")
			if !assert.NoError(t, err) {
				return
			}
			b, err := resp.Bytes()
			assert.NoError(t, err)
			assert.Equal(t, "HTTP/2.0", string(b))
			ids <- resp.ConnID
		}()
	}
	wg.Wait()
	close(ids)
	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1)
	assert.Equal(t, int32(1), conns.Load())
}

func TestHTTP1PerOriginCap(t *testing.T) {
	var (
		mu          sync.Mutex
		perConn     = map[string]int{}
		inflight    int
		maxInflight int
		maxPerConn  int
		conns       atomic.Int32
	)
	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		perConn[r.RemoteAddr]++
		inflight++
		maxPerConn = max(maxPerConn, perConn[r.RemoteAddr])
		maxInflight = max(maxInflight, inflight)
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		perConn[r.RemoteAddr]--
		inflight--
		mu.Unlock()
		io.WriteString(w, "ok")
	}))
	ts.Config.ConnState = func(_ net.Conn, st http.ConnState) {
		if st == http.StateNew {
			conns.Add(1)
		}
	}
	ts.Start()
	defer ts.Close()
	c := newClient(t, internal.Config{MaxConnsPerOrigin: 2})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := c.Get(context.Background(), ts.URL+"/")
			if !assert.NoError(t, err) {
				return
			}
			b, err := resp.Bytes()
			assert.NoError(t, err)
			assert.Equal(t, "ok", string(b))
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxPerConn, "one request in flight per connection")
	assert.LessOrEqual(t, maxInflight, 2)
	assert.LessOrEqual(t, conns.Load(), int32(2))
}

func TestRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/found", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/echo", http.StatusFound)
	})
	mux.HandleFunc("/temporary", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/echo", http.StatusTemporaryRedirect)
	})
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	})
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		fmt.Fprintf(w, "%s %s", r.Method, b)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	text := func(t *testing.T, resp *model.Response, err error) string {
		t.Helper()
		require.NoError(t, err)
		b, err := resp.Bytes()
		require.NoError(t, err)
		return string(b)
	}

	c := newClient(t, internal.Config{MaxRedirects: 3})
	ctx := context.Background()
	t.Run("PostBecomesGet", func(t *testing.T) {
		resp, err := c.Post(ctx, ts.URL+"/found", internal.WithBody("data"))
		assert.Equal(t, "GET ", text(t, resp, err))
	})
	t.Run("TemporaryKeepsBody", func(t *testing.T) {
		resp, err := c.Post(ctx, ts.URL+"/temporary", internal.WithBody("data"))
		assert.Equal(t, "POST data", text(t, resp, err))
	})
	t.Run("FormReplayed", func(t *testing.T) {
		resp, err := c.Put(ctx, ts.URL+"/temporary", internal.WithForm(map[string][]string{"a": {"1"}}))
		assert.Equal(t, "PUT a=1", text(t, resp, err))
	})
	t.Run("TooMany", func(t *testing.T) {
		_, err := c.Get(ctx, ts.URL+"/loop")
		assert.ErrorIs(t, err, internal.ErrTooManyRedirects)
	})
	t.Run("Disabled", func(t *testing.T) {
		c := newClient(t, internal.Config{MaxRedirects: -1})
		resp, err := c.Get(ctx, ts.URL+"/found")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusFound, resp.StatusCode)
		assert.Equal(t, "/echo", resp.Header.Get("Location"))
	})
	t.Run("Trace", func(t *testing.T) {
		var hops []int
		tr := &internal.Trace{Redirect: func(from, to *url.URL, status int) { hops = append(hops, status) }}
		resp, err := c.Get(internal.WithTrace(ctx, tr), ts.URL+"/found")
		assert.Equal(t, "GET ", text(t, resp, err))
		assert.Equal(t, []int{http.StatusFound}, hops)
	})
}

func TestCookies(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/set", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc", Path: "/"})
	})
	mux.HandleFunc("/get", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.Header.Get("Cookie"))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := newClient(t, internal.Config{Cookies: true})
	resp, err := c.Get(context.Background(), ts.URL+"/set")
	require.NoError(t, err)
	resp.Body.Close()
	resp, err = c.Get(context.Background(), ts.URL+"/get")
	require.NoError(t, err)
	b, err := resp.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "session=abc", string(b))
}

func TestDefaultHeadersAndMiddleware(t *testing.T) {
	s := serveRaw(t, false, fixed("HTTP/1.1 204 No Content\r\n\r\n"))
	c := newClient(t, internal.Config{Headers: http.Header{"User-Agent": {"rq-test"}, "X-Env": {"default"}}})

	var order []string
	mw := func(name string) internal.Middleware {
		return func(next internal.Handler) internal.Handler {
			return func(ctx context.Context, req *internal.PreparedRequest) (*model.Response, error) {
				order = append(order, name)
				req.Header.Set("X-"+name, "1")
				return next(ctx, req)
			}
		}
	}
	c.Use(mw("Outer"), mw("Inner"))

	resp, err := c.Get(context.Background(), "http://"+s.addr+"/", internal.WithHeader("X-Env", "request"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, []string{"Outer", "Inner"}, order)

	req := <-s.reqs
	assert.Equal(t, "rq-test", req.Header.Get("User-Agent"))
	assert.Equal(t, []string{"request"}, req.Header.Values("X-Env"))
	assert.Equal(t, "1", req.Header.Get("X-Outer"))
	assert.Equal(t, "1", req.Header.Get("X-Inner"))
}

// connectProxy tunnels CONNECT requests and counts them.
func connectProxy(t *testing.T, seen *atomic.Int32) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				req, err := http.ReadRequest(bufio.NewReader(c))
				if err != nil || req.Method != "CONNECT" {
					return
				}
				seen.Add(1)
				up, err := net.Dial("tcp", req.Host)
				if err != nil {
					io.WriteString(c, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
					return
				}
				defer up.Close()
				io.WriteString(c, "HTTP/1.1 200 Connection established\r\n\r\n")
				go io.Copy(up, c)
				io.Copy(c, up)
			}()
		}
	}()
	return "http://" + ln.Addr().String()
}

func TestProxySelection(t *testing.T) {
	s := serveRaw(t, true, fixed("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	var viaAll, viaHTTP atomic.Int32
	c := newClient(t, internal.Config{Proxies: map[string]string{
		"all":  connectProxy(t, &viaAll),
		"http": connectProxy(t, &viaHTTP),
	}})
	get := func(opts ...internal.RequestOption) {
		t.Helper()
		resp, err := c.Get(context.Background(), "http://"+s.addr+"/", opts...)
		require.NoError(t, err)
		b, err := resp.Bytes()
		require.NoError(t, err)
		assert.Equal(t, "ok", string(b))
	}

	get()
	assert.Equal(t, int32(1), viaHTTP.Load())
	assert.Equal(t, int32(0), viaAll.Load())

	get(internal.WithProxy("direct"))
	assert.Equal(t, int32(1), viaHTTP.Load())
	assert.Equal(t, int32(0), viaAll.Load())

	var override atomic.Int32
	get(internal.WithProxy(connectProxy(t, &override)))
	assert.Equal(t, int32(1), override.Load())
}

func TestBadProxyConfig(t *testing.T) {
	_, err := internal.NewClient(internal.Config{Proxies: map[string]string{"ftp": "http://127.0.0.1:1"}})
	assert.Error(t, err)
}

func TestRateLimit(t *testing.T) {
	s := serveRaw(t, false, fixed("HTTP/1.1 204 No Content\r\n\r\n"))
	c := newClient(t, internal.Config{RateLimit: 20, RateBurst: 1})
	start := time.Now()
	for i := 0; i < 3; i++ {
		resp, err := c.Get(context.Background(), "http://"+s.addr+"/")
		require.NoError(t, err)
		resp.Body.Close()
	}
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Get(ctx, "http://"+s.addr+"/")
	assert.True(t, errors.Is(err, errs.ErrCancelled) || errors.Is(err, errs.ErrTimeout), err)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rq.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
proxies:
  all: socks5h://127.0.0.1:1080
headers:
  User-Agent: [rq]
connect_timeout: 3s
idle_timeout: 1m
max_conns_per_origin: 2
version: "2"
http3: true
max_redirects: -1
resolve:
  network: ip4
  static_hosts:
    example.test: 127.0.0.1
`), 0o600))
	cfg, err := internal.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "socks5h://127.0.0.1:1080", cfg.Proxies["all"])
	assert.Equal(t, "rq", cfg.Headers.Get("User-Agent"))
	assert.Equal(t, 3*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, time.Minute, cfg.IdleTimeout)
	assert.Equal(t, 2, cfg.MaxConnsPerOrigin)
	assert.Equal(t, model.H2, cfg.Version)
	assert.True(t, cfg.EnableHTTP3)
	assert.Equal(t, -1, cfg.MaxRedirects)
	assert.Equal(t, "ip4", cfg.Resolve.Network)
	assert.Equal(t, "127.0.0.1", cfg.Resolve.StaticHosts["example.test"])

	c, err := internal.NewClient(*cfg)
	require.NoError(t, err)
	c.Close()

	_, err = internal.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestZeroClient(t *testing.T) {
	s := serveRaw(t, false, fixed("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	c := &internal.Client{}
	defer c.Close()
	var got internal.GotConnInfo
	ctx := internal.WithTrace(context.Background(), &internal.Trace{GotConn: func(i internal.GotConnInfo) { got = i }})
	resp, err := c.CtxDo(ctx, &model.Request{URL: "http://" + s.addr + "/"})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, resp.ConnID, got.ConnID)
	assert.Equal(t, model.H11, got.Version)
	assert.False(t, got.Reused)
}
