package dialer

import (
	"context"
	"errors"
	"math/rand"
	"net"

	"github.com/frankli0324/rq/internal/errs"
)

type ResolveConfig struct {
	CustomDNSServer string            `yaml:"dns_server"`
	Network         string            `yaml:"network"`      // one of "ip4", "ip6", default is "ip"
	StaticHosts     map[string]string `yaml:"static_hosts"` // resembles /etc/hosts
}

func (c *ResolveConfig) Clone() *ResolveConfig {
	if c == nil {
		return nil
	}
	hosts := make(map[string]string, len(c.StaticHosts))
	for k, v := range c.StaticHosts {
		hosts[k] = v
	}
	return &ResolveConfig{
		CustomDNSServer: c.CustomDNSServer,
		Network:         c.Network,
		StaticHosts:     hosts,
	}
}

// Merge returns a copy of c with empty fields taken from o, static hosts
// of c win over those of o.
func (c *ResolveConfig) Merge(o *ResolveConfig) *ResolveConfig {
	if c == nil {
		return o.Clone()
	}
	m := c.Clone()
	if o == nil {
		return m
	}
	if m.CustomDNSServer == "" {
		m.CustomDNSServer = o.CustomDNSServer
	}
	if m.Network == "" {
		m.Network = o.Network
	}
	for k, v := range o.StaticHosts {
		if _, ok := m.StaticHosts[k]; !ok {
			m.StaticHosts[k] = v
		}
	}
	return m
}

// this type should not be used outside this file.
// prevents non-custom DNS server contexts to iterate through all keys
type dnsServerCtx struct {
	context.Context
	server string
}

var dnsServerCtxKey = &dnsServerCtx{nil, "dns-server"} // non-nil pointer to any object, definitely unique

func (c dnsServerCtx) Value(key interface{}) interface{} {
	if key == dnsServerCtxKey {
		return c.server
	}
	return c.Context.Value(key)
}

var zeroDialer net.Dialer
var customDnsDialer = net.Dialer{
	Resolver: &customServerResolver,
}

var customServerResolver = net.Resolver{
	PreferGo: true,
	Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
		if v, ok := ctx.Value(dnsServerCtxKey).(string); ok && v != "" {
			return zeroDialer.DialContext(ctx, network, v)
		}
		return zeroDialer.DialContext(ctx, network, address)
	},
}

var errNoAddress = errors.New("no address found")

// resolveHost maps host to one of its addresses. Static hosts and IP
// literals are returned as is.
func (d *Dialer) resolveHost(ctx context.Context, host string) (string, error) {
	if static, ok := d.resolve.StaticHosts[host]; ok {
		return static, nil
	}
	if net.ParseIP(host) != nil {
		return host, nil
	}
	network := d.resolve.Network
	if network == "" {
		network = "ip"
	}
	ips, err := d.LookupIPServer(ctx, network, host, d.resolve.CustomDNSServer)
	if err == nil && len(ips) == 0 {
		err = errNoAddress
	}
	if err != nil {
		return "", errs.FromContext(ctx, errs.Connect, "resolve", host, err)
	}
	return ips[rand.Intn(len(ips))].String(), nil
}

// LookupIPServer performs DNS lookup for a host on a custom dns server,
// it calls [net.Resolver.LookupIP] with a Go Resolver behind the scenes.
// An empty dns uses the system configured servers.
func (d *Dialer) LookupIPServer(ctx context.Context, network, host, dns string) ([]net.IP, error) {
	return customServerResolver.LookupIP(dnsServerCtx{ctx, dns}, network, host)
}
