// Package negotiator picks the wire protocol of new connections and
// remembers what each origin spoke.
package negotiator

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/frankli0324/rq/internal/errs"
	"github.com/frankli0324/rq/internal/http"
	"github.com/frankli0324/rq/internal/transport"
	"github.com/frankli0324/rq/internal/transport/h1"
	"github.com/frankli0324/rq/internal/transport/h2"
	"github.com/frankli0324/rq/internal/transport/h3"
	"github.com/frankli0324/rq/internal/trust"
)

var ErrNoCommonProtocol = errors.New("no common protocol")

// Dialer is the transport layer the negotiator builds connections on,
// satisfied by *dialer.Dialer.
type Dialer interface {
	Dial(ctx context.Context, addr string, proxy *url.URL) (net.Conn, error)
	WrapTLS(ctx context.Context, conn net.Conn, serverName string, policy *trust.Policy, alpn []string) (*tls.Conn, string, error)
	DialQUIC(ctx context.Context, addr, serverName string, policy *trust.Policy) (quic.Connection, error)
}

type Config struct {
	Version     http.Version // client-wide protocol, VersionAuto negotiates
	EnableHTTP3 bool
	Options     transport.Options
	ReadTimeout time.Duration
	Logger      *zap.Logger
}

// Target is what a connection is opened for.
type Target struct {
	Scheme     string // http or https
	Addr       string // host:port
	ServerName string
	Proxy      *url.URL
	Version    http.Version // forced for this request, wins over Config.Version
	Trust      *trust.Policy
}

func (t Target) Origin() string { return t.Scheme + "://" + t.Addr }

type Negotiator struct {
	d   Dialer
	cfg Config
	log *zap.Logger

	mu    sync.Mutex
	known map[string]http.Version
}

func New(d Dialer, cfg Config) *Negotiator {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Negotiator{d: d, cfg: cfg, log: log, known: map[string]http.Version{}}
}

// Known returns the version origin spoke on its last successful handshake.
func (n *Negotiator) Known(origin string) (http.Version, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.known[origin]
	return v, ok
}

func (n *Negotiator) record(t Target, v http.Version) {
	n.mu.Lock()
	n.known[t.Origin()] = v
	n.mu.Unlock()
}

func (n *Negotiator) forget(t Target) {
	n.mu.Lock()
	delete(n.known, t.Origin())
	n.mu.Unlock()
}

// Multiplexes predicts whether Connect(t) yields a multiplexed connection:
// a forced h2 or h3, an origin last seen speaking either, or an unknown
// https origin that will be offered h2.
func (n *Negotiator) Multiplexes(t Target) bool {
	v := t.Version
	if v == http.VersionAuto {
		v = n.cfg.Version
	}
	if v == http.VersionAuto {
		if known, ok := n.Known(t.Origin()); ok {
			v = known
		} else if t.Scheme == "https" {
			return true
		}
	}
	return v == http.H2 || v == http.H3
}

// Connect opens a connection for t. A forced version is honoured or
// fails, otherwise prior knowledge, then ALPN, then the static fallback
// decide.
func (n *Negotiator) Connect(ctx context.Context, t Target) (transport.Conn, error) {
	v := t.Version
	if v == http.VersionAuto {
		v = n.cfg.Version
	}
	if v != http.VersionAuto {
		return n.forced(ctx, t, v)
	}

	if known, ok := n.Known(t.Origin()); ok {
		switch {
		case known == http.H3 && t.Proxy == nil && t.Scheme == "https":
			c, err := n.h3(ctx, t)
			if err == nil {
				return c, nil
			}
			n.forget(t)
			if ctx.Err() != nil {
				return nil, err
			}
			n.log.Debug("h3 failed, falling back to tcp", zap.String("origin", t.Origin()), zap.Error(err))
		case known == http.H2 && t.Scheme == "http":
			return n.h2c(ctx, t)
		}
	}

	if t.Scheme != "https" {
		return n.cleartext(ctx, t, http.H11)
	}
	if n.cfg.EnableHTTP3 && t.Proxy == nil {
		c, err := n.h3(ctx, t)
		if err == nil {
			return c, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		n.log.Debug("h3 failed, falling back to tcp", zap.String("origin", t.Origin()), zap.Error(err))
	}
	return n.alpn(ctx, t, []string{"h2", "http/1.1"}, http.VersionAuto)
}

func (n *Negotiator) forced(ctx context.Context, t Target, v http.Version) (transport.Conn, error) {
	switch v {
	case http.H3:
		if t.Proxy != nil || t.Scheme != "https" {
			return nil, errs.Protocol("negotiate", t.Addr, ErrNoCommonProtocol)
		}
		return n.h3(ctx, t)
	case http.H2:
		if t.Scheme != "https" {
			return n.h2c(ctx, t)
		}
		// http/1.1 keeps servers without h2 from failing the handshake,
		// so the refusal surfaces as a protocol error
		return n.alpn(ctx, t, []string{"h2", "http/1.1"}, http.H2)
	case http.H09:
		if t.Scheme != "https" {
			return n.cleartext(ctx, t, v)
		}
		return n.alpn(ctx, t, nil, v)
	}
	if t.Scheme != "https" {
		return n.cleartext(ctx, t, v)
	}
	return n.alpn(ctx, t, []string{"http/1.1"}, v)
}

func (n *Negotiator) cleartext(ctx context.Context, t Target, v http.Version) (transport.Conn, error) {
	raw, err := n.d.Dial(ctx, t.Addr, t.Proxy)
	if err != nil {
		return nil, err
	}
	return n.bind(ctx, t, raw, v)
}

// h2c speaks HTTP/2 with prior knowledge over cleartext.
func (n *Negotiator) h2c(ctx context.Context, t Target) (transport.Conn, error) {
	raw, err := n.d.Dial(ctx, t.Addr, t.Proxy)
	if err != nil {
		return nil, err
	}
	return n.bind(ctx, t, raw, http.H2)
}

// alpn runs TLS offering protos. With want set the server must pick it,
// otherwise whatever it picks is spoken.
func (n *Negotiator) alpn(ctx context.Context, t Target, protos []string, want http.Version) (transport.Conn, error) {
	raw, err := n.d.Dial(ctx, t.Addr, t.Proxy)
	if err != nil {
		return nil, err
	}
	tc, proto, err := n.d.WrapTLS(ctx, raw, t.ServerName, t.Trust, protos)
	if err != nil {
		return nil, err
	}
	v, ok := http.VersionFromALPN(proto)
	switch {
	case want == http.H09 || want == http.H10:
		v = want
	case !ok, want != http.VersionAuto && v != want:
		tc.Close()
		return nil, errs.Protocol("negotiate", t.Addr, ErrNoCommonProtocol)
	}
	return n.bind(ctx, t, tc, v)
}

func (n *Negotiator) bind(ctx context.Context, t Target, conn net.Conn, v http.Version) (transport.Conn, error) {
	var c transport.Conn
	if v == http.H2 {
		hc, err := h2.New(ctx, conn, h2.Config{Logger: n.log.Named("h2")})
		if err != nil {
			return nil, err
		}
		c = hc
	} else {
		c = h1.New(conn, h1.Config{
			Version:     v,
			Options:     n.cfg.Options,
			ReadTimeout: n.cfg.ReadTimeout,
			Logger:      n.log.Named("h1"),
		})
	}
	n.record(t, v)
	n.log.Debug("negotiated", zap.String("origin", t.Origin()), zap.Stringer("version", v), zap.String("conn", c.ID()))
	return c, nil
}

func (n *Negotiator) h3(ctx context.Context, t Target) (transport.Conn, error) {
	qc, err := n.d.DialQUIC(ctx, t.Addr, t.ServerName, t.Trust)
	if err != nil {
		return nil, err
	}
	c, err := h3.New(ctx, qc, h3.Config{Logger: n.log.Named("h3")})
	if err != nil {
		return nil, err
	}
	n.record(t, http.H3)
	n.log.Debug("negotiated", zap.String("origin", t.Origin()), zap.Stringer("version", http.H3), zap.String("conn", c.ID()))
	return c, nil
}
