// Package trust decides which server certificates a connection accepts.
// A Policy is immutable once built and is bound to a connection when its
// TLS or QUIC handshake runs.
package trust

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

type Mode uint8

const (
	ModeSystem Mode = iota
	ModePinned
	ModeInsecure
)

func (m Mode) String() string {
	switch m {
	case ModeSystem:
		return "system"
	case ModePinned:
		return "pinned"
	case ModeInsecure:
		return "insecure-accept-any"
	}
	return "unknown"
}

// Policy is one of "use system roots", "pin to an explicit certificate set"
// or "accept any". The zero value uses system roots.
type Policy struct {
	mode   Mode
	pinned []*x509.Certificate
	client []tls.Certificate
}

func SystemRoots() *Policy {
	return &Policy{mode: ModeSystem}
}

// Pinned trusts exactly the given certificates as roots. Leaf certificates
// are accepted too, they are simply added to the root set.
func Pinned(certs ...*x509.Certificate) *Policy {
	cp := make([]*x509.Certificate, len(certs))
	copy(cp, certs)
	return &Policy{mode: ModePinned, pinned: cp}
}

// InsecureAcceptAnyCertificate disables verification entirely. It is meant
// for tests and debugging against self-signed servers.
func InsecureAcceptAnyCertificate() *Policy {
	return &Policy{mode: ModeInsecure}
}

// PinnedPEM parses every CERTIFICATE block in data.
func PinnedPEM(data []byte) (*Policy, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("trust: parse pem certificate: %w", err)
		}
		certs = append(certs, c)
	}
	if len(certs) == 0 {
		return nil, errors.New("trust: no certificate found in pem data")
	}
	return Pinned(certs...), nil
}

func PinnedDER(der []byte) (*Policy, error) {
	c, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("trust: parse der certificate: %w", err)
	}
	return Pinned(c), nil
}

// WithClientCertificates returns a copy of p presenting certs during
// handshakes that request a client certificate.
func (p *Policy) WithClientCertificates(certs ...tls.Certificate) *Policy {
	np := *p.orDefault()
	np.client = append(append([]tls.Certificate(nil), p.orDefault().client...), certs...)
	return &np
}

func (p *Policy) orDefault() *Policy {
	if p == nil {
		return &Policy{}
	}
	return p
}

func (p *Policy) Mode() Mode {
	return p.orDefault().mode
}

func (p *Policy) String() string {
	return p.Mode().String()
}

// TLSConfig builds a fresh client config for serverName offering alpn.
func (p *Policy) TLSConfig(serverName string, alpn []string) *tls.Config {
	p = p.orDefault()
	cfg := &tls.Config{
		ServerName:   serverName,
		NextProtos:   append([]string(nil), alpn...),
		MinVersion:   tls.VersionTLS12,
		Certificates: p.client,
	}
	switch p.mode {
	case ModePinned:
		pool := x509.NewCertPool()
		for _, c := range p.pinned {
			pool.AddCert(c)
		}
		cfg.RootCAs = pool
	case ModeInsecure:
		cfg.InsecureSkipVerify = true
	}
	return cfg
}

// IsCertificateError reports whether err is a verification failure
// rather than a transport problem during the handshake.
func IsCertificateError(err error) bool {
	var (
		unknown  x509.UnknownAuthorityError
		hostname x509.HostnameError
		invalid  x509.CertificateInvalidError
		verify   *tls.CertificateVerificationError
	)
	return errors.As(err, &unknown) || errors.As(err, &hostname) ||
		errors.As(err, &invalid) || errors.As(err, &verify)
}
