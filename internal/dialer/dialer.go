// Package dialer establishes the byte streams the protocol codecs run on:
// TCP connections, optionally tunnelled through HTTP or SOCKS5 proxies,
// TLS sessions and QUIC connections.
package dialer

import (
	"context"
	"net"
	"net/url"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/frankli0324/rq/internal/errs"
	"github.com/frankli0324/rq/internal/trust"
)

type Config struct {
	Resolve        *ResolveConfig
	ConnectTimeout time.Duration // covers the TCP dial and any proxy handshake
	// ProxyTrust verifies https:// proxies, system roots if nil
	ProxyTrust *trust.Policy
	// QUICKeepAlive keeps idle QUIC connections from timing out, 0 disables
	QUICKeepAlive time.Duration
	Logger        *zap.Logger
}

// Dialer handles pretty much everything related to the actual connection,
// including proxies, custom resolvers and handshakes. It holds no
// connection state and may be shared.
type Dialer struct {
	resolve    *ResolveConfig
	timeout    time.Duration
	proxyTrust *trust.Policy
	quicConf   *quic.Config
	log        *zap.Logger
}

func New(cfg Config) *Dialer {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	resolve := cfg.Resolve.Clone()
	if resolve == nil {
		resolve = &ResolveConfig{}
	}
	return &Dialer{
		resolve:    resolve,
		timeout:    cfg.ConnectTimeout,
		proxyTrust: cfg.ProxyTrust,
		quicConf:   &quic.Config{KeepAlivePeriod: cfg.QUICKeepAlive},
		log:        log,
	}
}

func (d *Dialer) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout > 0 {
		return context.WithTimeout(ctx, d.timeout)
	}
	return ctx, func() {}
}

// Dial opens a TCP stream to addr (host:port), tunnelled through proxy
// unless it is nil.
func (d *Dialer) Dial(ctx context.Context, addr string, proxy *url.URL) (net.Conn, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	if proxy == nil {
		return d.dialTCP(ctx, addr)
	}
	switch proxy.Scheme {
	case "http", "https":
		return d.dialConnect(ctx, addr, proxy)
	case "socks5", "socks5h":
		return d.dialSOCKS(ctx, addr, proxy)
	}
	return nil, errs.Proxy("dial", proxy.Host, ErrProxyScheme{proxy.Scheme})
}

func (d *Dialer) dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errs.Connect("dial", addr, err)
	}
	network, dialer, dialctx, dst := "tcp", &zeroDialer, ctx, addr
	switch d.resolve.Network {
	case "ip4":
		network = "tcp4"
	case "ip6":
		network = "tcp6"
	}
	if static, ok := d.resolve.StaticHosts[host]; ok {
		dst = net.JoinHostPort(static, port)
	}
	if dns := d.resolve.CustomDNSServer; dns != "" {
		dialctx = dnsServerCtx{dialctx, dns}
		dialer = &customDnsDialer
	}

	conn, err := dialer.DialContext(dialctx, network, dst)
	if err != nil {
		return nil, errs.FromContext(ctx, errs.Connect, "dial", addr, err)
	}
	d.log.Debug("dialed", zap.String("addr", addr), zap.Stringer("remote", conn.RemoteAddr()))
	return conn, nil
}
