package dialer

import (
	"context"
	"crypto/tls"
	"errors"
	"net"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/frankli0324/rq/internal/errs"
	"github.com/frankli0324/rq/internal/trust"
)

// WrapTLS runs a TLS handshake over conn offering alpn and returns the
// session with the negotiated protocol. conn is closed on failure.
func (d *Dialer) WrapTLS(ctx context.Context, conn net.Conn, serverName string, policy *trust.Policy, alpn []string) (*tls.Conn, string, error) {
	tc := tls.Client(conn, policy.TLSConfig(serverName, alpn))
	if err := tc.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, "", errs.FromContext(ctx, errs.Trust, "tls handshake", serverName, err)
	}
	proto := tc.ConnectionState().NegotiatedProtocol
	d.log.Debug("tls established", zap.String("server", serverName), zap.String("alpn", proto), zap.Stringer("trust", policy))
	return tc, proto, nil
}

// DialQUIC opens a QUIC connection to addr negotiating ALPN h3.
func (d *Dialer) DialQUIC(ctx context.Context, addr, serverName string, policy *trust.Policy) (quic.Connection, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errs.Connect("dial quic", addr, err)
	}
	ip, err := d.resolveHost(ctx, host)
	if err != nil {
		return nil, err
	}
	qc, err := quic.DialAddr(ctx, net.JoinHostPort(ip, port), policy.TLSConfig(serverName, []string{"h3"}), d.quicConf)
	if err != nil {
		return nil, errs.FromContext(ctx, quicFailure(err), "dial quic", addr, err)
	}
	d.log.Debug("quic established", zap.String("addr", addr), zap.Stringer("remote", qc.RemoteAddr()))
	return qc, nil
}

// quicFailure classifies a failed QUIC dial: TLS alerts and rejected
// certificates are trust failures, anything else never got that far.
func quicFailure(err error) func(op, addr string, err error) error {
	var te *quic.TransportError
	if errors.As(err, &te) && te.ErrorCode.IsCryptoError() {
		return errs.Trust
	}
	var cve *tls.CertificateVerificationError
	if errors.As(err, &cve) {
		return errs.Trust
	}
	return errs.Connect
}
