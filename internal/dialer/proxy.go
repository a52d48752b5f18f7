package dialer

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/proxy"

	"github.com/frankli0324/rq/internal/errs"
	"github.com/frankli0324/rq/internal/http"
	"github.com/frankli0324/rq/internal/transport"
	"github.com/frankli0324/rq/internal/transport/h1"
)

type ErrProxyScheme struct {
	Scheme string
}

func (e ErrProxyScheme) Error() string {
	return "unsupported proxy scheme: " + e.Scheme
}

// ConnectError is a CONNECT request refused by the proxy.
type ConnectError struct {
	StatusCode int
	Status     string
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("proxy refused CONNECT: %s", e.Status)
}

// dialConnect tunnels to addr with an HTTP/1.1 CONNECT request, used for
// every target behind an http:// or https:// proxy.
func (d *Dialer) dialConnect(ctx context.Context, addr string, proxyU *url.URL) (net.Conn, error) {
	phost := http.HostPort(proxyU)
	conn, err := d.dialTCP(ctx, phost)
	if err != nil {
		return nil, err
	}
	if proxyU.Scheme == "https" {
		tc, _, err := d.WrapTLS(ctx, conn, proxyU.Hostname(), d.proxyTrust, nil)
		if err != nil {
			return nil, err
		}
		conn = tc
	}

	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	connReq := &http.PreparedRequest{
		Request:    &http.Request{Method: "CONNECT"},
		U:          &url.URL{Host: addr},
		HeaderHost: addr,
		Header:     http.Header{},
		GetBody:    func() (io.ReadCloser, error) { return http.NoBody, nil },
	}
	if u := proxyU.User; u != nil {
		pw, _ := u.Password()
		auth := base64.StdEncoding.EncodeToString([]byte(u.Username() + ":" + pw))
		connReq.Header.Set("Proxy-Authorization", "Basic "+auth)
	}
	if err := h1.WriteRequest(bufio.NewWriter(conn), connReq, http.H11); err != nil {
		conn.Close()
		return nil, errs.FromContext(ctx, errs.Proxy, "connect", phost, err)
	}

	p := h1.NewParser(http.H11, "CONNECT", transport.Options{})
	buf := make([]byte, 4<<10)
	var head *transport.Head
	for head == nil {
		n, rerr := conn.Read(buf)
		if n > 0 {
			evs, perr := p.Feed(buf[:n])
			if perr != nil {
				conn.Close()
				return nil, errs.Proxy("connect", phost, perr)
			}
			for _, ev := range evs {
				if ev.Kind == transport.EventHead {
					head = ev.Head
				}
			}
		}
		if head == nil && rerr != nil {
			conn.Close()
			return nil, errs.FromContext(ctx, errs.Proxy, "connect", phost, rerr)
		}
	}
	if head.StatusCode/100 != 2 {
		conn.Close()
		return nil, errs.Proxy("connect", phost, &ConnectError{StatusCode: head.StatusCode, Status: head.Status})
	}
	conn.SetDeadline(time.Time{})
	d.log.Debug("tunnel established", zap.String("proxy", phost), zap.String("addr", addr))
	if rest := p.Rest(); len(rest) > 0 {
		return &prefixConn{Conn: conn, rest: append([]byte(nil), rest...)}, nil
	}
	return conn, nil
}

// prefixConn replays bytes the proxy sent right after its CONNECT
// response before reading on.
type prefixConn struct {
	net.Conn
	rest []byte
}

func (c *prefixConn) Read(p []byte) (int, error) {
	if len(c.rest) > 0 {
		n := copy(p, c.rest)
		c.rest = c.rest[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}

func (c *prefixConn) NetConn() net.Conn {
	return c.Conn
}

// dialSOCKS tunnels through a SOCKS5 proxy. socks5:// resolves the target
// locally, socks5h:// leaves resolution to the proxy.
func (d *Dialer) dialSOCKS(ctx context.Context, addr string, proxyU *url.URL) (net.Conn, error) {
	phost := http.HostPort(proxyU)
	target := addr
	if proxyU.Scheme == "socks5" {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, errs.Connect("dial", addr, err)
		}
		ip, err := d.resolveHost(ctx, host)
		if err != nil {
			return nil, err
		}
		target = net.JoinHostPort(ip, port)
	}

	var auth *proxy.Auth
	if u := proxyU.User; u != nil {
		pw, _ := u.Password()
		auth = &proxy.Auth{User: u.Username(), Password: pw}
	}
	sd, err := proxy.SOCKS5("tcp", phost, auth, forward{d})
	if err != nil {
		return nil, errs.Proxy("socks5", phost, err)
	}
	cd, ok := sd.(proxy.ContextDialer)
	if !ok {
		return nil, errs.Proxy("socks5", phost, fmt.Errorf("dialer %T can't take a context", sd))
	}
	conn, err := cd.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, errs.FromContext(ctx, errs.Proxy, "socks5", phost, err)
	}
	d.log.Debug("tunnel established", zap.String("proxy", phost), zap.String("addr", addr))
	return conn, nil
}

// forward dials the SOCKS5 proxy itself with the dialer's resolver
// settings.
type forward struct{ d *Dialer }

func (f forward) Dial(network, addr string) (net.Conn, error) {
	return f.d.dialTCP(context.Background(), addr)
}

func (f forward) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return f.d.dialTCP(ctx, addr)
}
