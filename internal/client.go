package internal

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.com/frankli0324/rq/internal/dialer"
	"github.com/frankli0324/rq/internal/errs"
	model "github.com/frankli0324/rq/internal/http"
	"github.com/frankli0324/rq/internal/negotiator"
	"github.com/frankli0324/rq/internal/transport"
	"github.com/frankli0324/rq/netpool"
)

type PreparedRequest = model.PreparedRequest

type Handler = func(ctx context.Context, req *PreparedRequest) (*model.Response, error)
type Middleware func(next Handler) Handler

// Client sends requests over pooled connections. The zero value is usable
// and behaves like NewClient(Config{}). A Client must not be copied after
// first use.
type Client struct {
	cfg Config

	initOnce sync.Once
	initErr  error
	log      *zap.Logger
	neg      *negotiator.Negotiator
	pool     *netpool.Pool[transport.Conn]
	limiter  *rate.Limiter
	jar      http.CookieJar
	proxies  map[string]*url.URL

	mu          sync.RWMutex
	middlewares []Middleware
}

func NewClient(cfg Config) (*Client, error) {
	c := &Client{cfg: cfg}
	if err := c.init(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) init() error {
	c.initOnce.Do(func() {
		cfg, err := c.cfg.withDefaults()
		if err != nil {
			c.initErr = err
			return
		}
		c.cfg = cfg
		c.log = cfg.Logger
		c.proxies = map[string]*url.URL{}
		for k, v := range cfg.Proxies {
			u, _ := url.Parse(v) // validated by withDefaults
			c.proxies[k] = u
		}
		d := cfg.Dialer
		if d == nil {
			d = dialer.New(dialer.Config{
				Resolve:        cfg.Resolve,
				ConnectTimeout: cfg.ConnectTimeout,
				ProxyTrust:     cfg.Trust,
				Logger:         c.log.Named("dialer"),
			})
		}
		c.neg = negotiator.New(d, negotiator.Config{
			Version:     cfg.Version,
			EnableHTTP3: cfg.EnableHTTP3,
			Options:     transport.Options{StrictFraming: cfg.StrictFraming},
			ReadTimeout: cfg.ReadTimeout,
			Logger:      c.log.Named("negotiator"),
		})
		c.pool = netpool.New[transport.Conn](netpool.Config{
			MaxConnsPerOrigin: cfg.MaxConnsPerOrigin,
			MaxIdlePerOrigin:  cfg.MaxIdlePerOrigin,
			MaxIdleTotal:      cfg.MaxIdleTotal,
			IdleTimeout:       cfg.IdleTimeout,
			CheckoutTimeout:   cfg.CheckoutTimeout,
			Logger:            c.log.Named("pool"),
		})
		if cfg.RateLimit > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
		}
		c.jar = cfg.CookieStore
		if c.jar == nil && cfg.Cookies {
			c.jar, _ = cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		}
	})
	return c.initErr
}

// Use appends mws to the chain. The first middleware added is the
// outermost one and sees every request first.
func (c *Client) Use(mws ...Middleware) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.middlewares = append(c.middlewares, mws...)
}

func (c *Client) handler() Handler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	next := c.roundTrip
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		next = c.middlewares[i](next)
	}
	return next
}

// Close closes idle connections and fails pending checkouts, connections
// in use are closed once their responses are done.
func (c *Client) Close() error {
	if c.init() != nil {
		return nil
	}
	return c.pool.Close()
}

// Stats reports the pool state for origin (scheme://host:port) reached
// directly.
func (c *Client) Stats(origin string) netpool.Stats {
	if c.init() != nil {
		return netpool.Stats{}
	}
	return c.pool.Stats(netpool.Key{Origin: origin})
}

// CtxDo sends req and returns once the response head arrived, following
// redirects. The body is streamed and must be closed or read to the end.
func (c *Client) CtxDo(ctx context.Context, req *model.Request) (*model.Response, error) {
	if err := c.init(); err != nil {
		return nil, err
	}
	ctx = shadowStandardClientTrace(ctx)

	timeout := req.Options.Timeout
	if timeout == 0 {
		timeout = c.cfg.Timeout
	}
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}
	resp, err := c.do(ctx, c.withDefaultHeaders(req))
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.Body == nil {
		cancel()
	} else {
		resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	}
	return resp, nil
}

func (c *Client) withDefaultHeaders(req *model.Request) *model.Request {
	if len(c.cfg.Headers) == 0 {
		return req
	}
	rc := *req
	rc.Header = req.Header.Clone()
	if rc.Header == nil {
		rc.Header = http.Header{}
	}
	for k, v := range c.cfg.Headers {
		if len(rc.Header.Values(k)) == 0 {
			for _, v := range v {
				rc.Header.Add(k, v)
			}
		}
	}
	return &rc
}

func (c *Client) do(ctx context.Context, req *model.Request) (*model.Response, error) {
	h := c.handler()
	for hops := 0; ; hops++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, errs.FromContext(ctx, errs.Timeout, "rate limit", "", err)
			}
		}
		pr, err := req.Prepare()
		if err != nil {
			return nil, err
		}
		resp, err := h(ctx, pr)
		if err != nil {
			return nil, err
		}
		next, err := c.redirect(ctx, pr, resp, hops)
		if next == nil || err != nil {
			return resp, err
		}
		req = next
	}
}

// roundTrip is the innermost handler: one request over one connection.
func (c *Client) roundTrip(ctx context.Context, pr *PreparedRequest) (*model.Response, error) {
	proxy, err := c.proxyFor(pr)
	if err != nil {
		return nil, err
	}
	policy := pr.Options.Trust
	if policy == nil {
		policy = c.cfg.Trust
	}
	key := netpool.Key{Origin: pr.Origin(), Variant: variant(pr.Options)}
	if proxy != nil {
		key.Proxy = proxy.String()
	}
	target := negotiator.Target{
		Scheme:     pr.U.Scheme,
		Addr:       pr.HostPort(),
		ServerName: pr.U.Hostname(),
		Proxy:      proxy,
		Version:    pr.Options.Version,
		Trust:      policy,
	}
	if c.jar != nil && pr.Header.Get("Cookie") == "" {
		for _, ck := range c.jar.Cookies(pr.U) {
			pr.Header.Add("Cookie", ck.Name+"="+ck.Value)
		}
		if v := pr.Header.Values("Cookie"); len(v) > 1 {
			pr.Header.Set("Cookie", strings.Join(v, "; "))
		}
	}

	tr := traceFrom(ctx)
	tr.getConn(key.String())
	checkout := c.pool.Checkout
	if c.neg.Multiplexes(target) {
		checkout = c.pool.CheckoutShared
	}
	conn, err := checkout(ctx, key, func(ctx context.Context) (transport.Conn, error) {
		return c.neg.Connect(ctx, target)
	})
	if err != nil {
		return nil, err
	}
	served := int64(0)
	if s, ok := conn.(interface{ Served() int64 }); ok {
		served = s.Served()
	}
	tr.gotConn(GotConnInfo{ConnID: conn.ID(), Version: conn.Version(), Reused: served > 0})

	var once sync.Once
	release := func(reusable bool) {
		once.Do(func() { c.pool.Release(key, conn, reusable) })
	}
	resp, err := conn.RoundTrip(ctx, pr, release)
	if err != nil {
		release(conn.Alive())
		c.log.Debug("request failed", zap.String("url", pr.U.Redacted()), zap.String("conn", conn.ID()), zap.Error(err))
		return nil, err
	}
	tr.gotFirstResponseByte()
	for _, w := range resp.Warnings {
		c.log.Warn("protocol warning", zap.String("url", pr.U.Redacted()), zap.String("conn", conn.ID()), zap.Error(w))
	}
	if c.jar != nil {
		if cks := resp.Cookies(); len(cks) > 0 {
			c.jar.SetCookies(pr.U, cks)
		}
	}
	return resp, nil
}

// proxyFor picks the proxy of pr, the per-request one wins over the scheme
// specific entry which wins over "all".
func (c *Client) proxyFor(pr *PreparedRequest) (*url.URL, error) {
	switch p := pr.Options.Proxy; p {
	case "":
	case "direct":
		return nil, nil
	default:
		u, err := url.Parse(p)
		if err != nil {
			return nil, errs.Proxy("parse proxy", p, err)
		}
		return u, nil
	}
	if u, ok := c.proxies[pr.U.Scheme]; ok {
		return u, nil
	}
	return c.proxies["all"], nil
}

func variant(o model.Options) string {
	var parts []string
	if o.Version != model.VersionAuto {
		parts = append(parts, o.Version.String())
	}
	if o.Trust != nil {
		parts = append(parts, fmt.Sprintf("trust=%s@%p", o.Trust, o.Trust))
	}
	return strings.Join(parts, ",")
}

// cancelBody releases the request context once the body is done with.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err == io.EOF {
		b.cancel()
	}
	return n, err
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func (c *Client) Do(ctx context.Context, method, url string, opts ...RequestOption) (*model.Response, error) {
	req := &model.Request{Method: method, URL: url}
	for _, o := range opts {
		o(req)
	}
	return c.CtxDo(ctx, req)
}

func (c *Client) Get(ctx context.Context, url string, opts ...RequestOption) (*model.Response, error) {
	return c.Do(ctx, http.MethodGet, url, opts...)
}

func (c *Client) Post(ctx context.Context, url string, opts ...RequestOption) (*model.Response, error) {
	return c.Do(ctx, http.MethodPost, url, opts...)
}

func (c *Client) Put(ctx context.Context, url string, opts ...RequestOption) (*model.Response, error) {
	return c.Do(ctx, http.MethodPut, url, opts...)
}

func (c *Client) Delete(ctx context.Context, url string, opts ...RequestOption) (*model.Response, error) {
	return c.Do(ctx, http.MethodDelete, url, opts...)
}

func (c *Client) Head(ctx context.Context, url string, opts ...RequestOption) (*model.Response, error) {
	return c.Do(ctx, http.MethodHead, url, opts...)
}

func (c *Client) Options(ctx context.Context, url string, opts ...RequestOption) (*model.Response, error) {
	return c.Do(ctx, http.MethodOptions, url, opts...)
}

func (c *Client) Trace(ctx context.Context, url string, opts ...RequestOption) (*model.Response, error) {
	return c.Do(ctx, http.MethodTrace, url, opts...)
}
