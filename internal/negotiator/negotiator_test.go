package negotiator_test

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/frankli0324/rq/internal/dialer"
	"github.com/frankli0324/rq/internal/errs"
	model "github.com/frankli0324/rq/internal/http"
	"github.com/frankli0324/rq/internal/negotiator"
	"github.com/frankli0324/rq/internal/testutil"
	"github.com/frankli0324/rq/internal/trust"
)

var hello = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	io.WriteString(w, r.Proto)
})

func tlsServer(t *testing.T, h2 bool) (*httptest.Server, negotiator.Target) {
	ts := httptest.NewUnstartedServer(hello)
	ts.EnableHTTP2 = h2
	ts.StartTLS()
	t.Cleanup(ts.Close)
	return ts, negotiator.Target{
		Scheme:     "https",
		Addr:       ts.Listener.Addr().String(),
		ServerName: "example.com",
		Trust:      trust.Pinned(ts.Certificate()),
	}
}

// get runs one request over a freshly negotiated connection and returns
// the protocol the server saw.
func get(t *testing.T, n *negotiator.Negotiator, target negotiator.Target) (model.Version, string) {
	t.Helper()
	c, err := n.Connect(context.Background(), target)
	require.NoError(t, err)
	defer c.Close()
	pr, err := (&model.Request{Method: "GET", URL: target.Origin() + "/"}).Prepare()
	require.NoError(t, err)
	resp, err := c.RoundTrip(context.Background(), pr, nil)
	require.NoError(t, err)
	b, err := resp.Bytes()
	require.NoError(t, err)
	return c.Version(), string(b)
}

func TestALPN(t *testing.T) {
	tests := []struct {
		name  string
		h2    bool
		want  model.Version
		proto string
	}{
		{name: "H2", h2: true, want: model.H2, proto: "HTTP/2.0"},
		{name: "H11", h2: false, want: model.H11, proto: "HTTP/1.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, target := tlsServer(t, tt.h2)
			n := negotiator.New(dialer.New(dialer.Config{}), negotiator.Config{})
			v, proto := get(t, n, target)
			assert.Equal(t, tt.want, v)
			assert.Equal(t, tt.proto, proto)
			known, ok := n.Known(target.Origin())
			assert.True(t, ok)
			assert.Equal(t, tt.want, known)
		})
	}
}

func TestForcedH2Refused(t *testing.T) {
	_, target := tlsServer(t, false)
	target.Version = model.H2
	n := negotiator.New(dialer.New(dialer.Config{}), negotiator.Config{})
	_, err := n.Connect(context.Background(), target)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrProtocol)
	assert.ErrorIs(t, err, negotiator.ErrNoCommonProtocol)
}

func TestForcedH3WithProxy(t *testing.T) {
	n := negotiator.New(dialer.New(dialer.Config{}), negotiator.Config{Version: model.H3})
	_, err := n.Connect(context.Background(), negotiator.Target{
		Scheme: "https", Addr: "example.test:443", ServerName: "example.test",
		Proxy: &url.URL{Scheme: "http", Host: "proxy.test:8080"},
	})
	assert.ErrorIs(t, err, errs.ErrProtocol)
	assert.ErrorIs(t, err, negotiator.ErrNoCommonProtocol)
}

func TestForcedVersionOverTLS(t *testing.T) {
	_, target := tlsServer(t, true)
	target.Version = model.H11
	n := negotiator.New(dialer.New(dialer.Config{}), negotiator.Config{})
	v, proto := get(t, n, target)
	assert.Equal(t, model.H11, v)
	assert.Equal(t, "HTTP/1.1", proto)
}

func TestMultiplexes(t *testing.T) {
	_, target := tlsServer(t, false)
	n := negotiator.New(dialer.New(dialer.Config{}), negotiator.Config{})
	assert.True(t, n.Multiplexes(target), "unknown https origins are offered h2")

	forced := target
	forced.Version = model.H11
	assert.False(t, n.Multiplexes(forced))

	get(t, n, target)
	assert.False(t, n.Multiplexes(target), "the origin answered with http/1.1")

	clear := negotiator.Target{Scheme: "http", Addr: "example.test:80"}
	assert.False(t, n.Multiplexes(clear))
	clear.Version = model.H2
	assert.True(t, n.Multiplexes(clear))

	h3 := negotiator.New(dialer.New(dialer.Config{}), negotiator.Config{Version: model.H3})
	assert.True(t, h3.Multiplexes(negotiator.Target{Scheme: "https", Addr: "example.test:443"}))
}

func TestCleartext(t *testing.T) {
	ts := httptest.NewServer(h2c.NewHandler(hello, &http2.Server{}))
	defer ts.Close()
	target := negotiator.Target{Scheme: "http", Addr: strings.TrimPrefix(ts.URL, "http://")}
	n := negotiator.New(dialer.New(dialer.Config{}), negotiator.Config{})

	v, proto := get(t, n, target)
	assert.Equal(t, model.H11, v)
	assert.Equal(t, "HTTP/1.1", proto)

	// prior knowledge
	target.Version = model.H2
	v, proto = get(t, n, target)
	assert.Equal(t, model.H2, v)
	assert.Equal(t, "HTTP/2.0", proto)

	// remembered for the origin
	target.Version = model.VersionAuto
	v, _ = get(t, n, target)
	assert.Equal(t, model.H2, v)
}

type brokenQUIC struct{ *dialer.Dialer }

func (brokenQUIC) DialQUIC(_ context.Context, addr, _ string, _ *trust.Policy) (quic.Connection, error) {
	return nil, errs.Trust("quic handshake", addr, errors.New("udp blocked"))
}

func TestHTTP3FallsBackToTCP(t *testing.T) {
	_, target := tlsServer(t, true)
	n := negotiator.New(brokenQUIC{dialer.New(dialer.Config{})}, negotiator.Config{EnableHTTP3: true})
	v, _ := get(t, n, target)
	assert.Equal(t, model.H2, v)
	known, _ := n.Known(target.Origin())
	assert.Equal(t, model.H2, known)
}

func TestHTTP3(t *testing.T) {
	cert := testutil.SelfSigned(t, "localhost")
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http3.Server{Handler: hello, TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}}}
	go srv.Serve(pc)
	defer func() {
		srv.Close()
		pc.Close()
	}()

	target := negotiator.Target{
		Scheme:     "https",
		Addr:       pc.LocalAddr().String(),
		ServerName: "localhost",
		Trust:      trust.Pinned(cert.Leaf),
	}
	n := negotiator.New(dialer.New(dialer.Config{}), negotiator.Config{EnableHTTP3: true})
	v, proto := get(t, n, target)
	assert.Equal(t, model.H3, v)
	assert.Equal(t, "HTTP/3.0", proto)
	known, _ := n.Known(target.Origin())
	assert.Equal(t, model.H3, known)
}
