package dialer

import (
	"github.com/frankli0324/rq/internal/dialer"
	"github.com/frankli0324/rq/internal/negotiator"
)

// Dialer is responsible for creating the byte streams requests are written
// to: TCP connections, optionally tunnelled through HTTP CONNECT or SOCKS5
// proxies, TLS sessions on top of them and QUIC connections.
//
// Unlike [net/http.Transport], a Dialer MUST NOT hold active connection
// states, which means a Dialer may be shared by clients freely. Like
// [net/http.Transport], it holds the connection related configs like the
// [ResolveConfig] and the connect timeout.
type Dialer = dialer.Dialer

type Config = dialer.Config

// Interface is what a client needs from a dialer, set it as
// rq.Config.Dialer to wrap or replace the default one.
type Interface = negotiator.Dialer

// we need a dedicated resolver for two scenarios:
//
//  1. Resolve remote address locally in proxied requests
//  2. to customize the DNS server used for resolving hostname
//
// the standard library didn't provide a intuitive way of
// setting DNS server addresses since it only follows the
// system configuration (e.g. /etc/resolv.conf), leaving us only
// one option of using [net.Resolver.Dial] hook with a Go Resolver.
//
// this part of code tries to take advantage of that
// only option as far as possible to provide a relativly
// intuitive configuration API.
type ResolveConfig = dialer.ResolveConfig

// ConnectError is returned when an HTTP proxy refuses a CONNECT.
type ConnectError = dialer.ConnectError

func New(cfg Config) *Dialer {
	return dialer.New(cfg)
}
