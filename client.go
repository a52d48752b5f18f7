// Package rq is an HTTP client speaking HTTP/0.9 to HTTP/3 behind one
// request and response interface, with connection pooling, HTTP and
// SOCKS5 proxies and pluggable certificate trust.
package rq

import (
	"context"
	"sync"

	"github.com/frankli0324/rq/internal"
)

type Client = internal.Client
type Config = internal.Config
type Handler = internal.Handler
type Middleware = internal.Middleware
type RequestOption = internal.RequestOption

// ClientTrace hooks into request lifecycle events, see WithTrace.
type ClientTrace = internal.Trace
type GotConnInfo = internal.GotConnInfo

var ErrTooManyRedirects = internal.ErrTooManyRedirects

// NewClient builds a client with its own connection pool.
func NewClient(cfg Config) (*Client, error) {
	return internal.NewClient(cfg)
}

func LoadConfig(path string) (*Config, error) {
	return internal.LoadConfig(path)
}

func WithTrace(ctx context.Context, t *ClientTrace) context.Context {
	return internal.WithTrace(ctx, t)
}

// Default returns the client used by the package level functions. It is
// built on first use with the default Config.
var Default = sync.OnceValue(func() *Client {
	return &Client{}
})

func Do(ctx context.Context, method, url string, opts ...RequestOption) (*Response, error) {
	return Default().Do(ctx, method, url, opts...)
}

func Get(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	return Default().Get(ctx, url, opts...)
}

func Post(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	return Default().Post(ctx, url, opts...)
}

func Put(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	return Default().Put(ctx, url, opts...)
}

func Delete(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	return Default().Delete(ctx, url, opts...)
}

func Head(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	return Default().Head(ctx, url, opts...)
}

func Options(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	return Default().Options(ctx, url, opts...)
}

func Trace(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	return Default().Trace(ctx, url, opts...)
}
