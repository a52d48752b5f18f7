package internal

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/frankli0324/rq/internal/dialer"
	model "github.com/frankli0324/rq/internal/http"
	"github.com/frankli0324/rq/internal/negotiator"
	"github.com/frankli0324/rq/internal/trust"
)

const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultIdleTimeout       = 90 * time.Second
	DefaultMaxConnsPerOrigin = 8
	DefaultMaxIdlePerOrigin  = 4
	DefaultMaxIdleTotal      = 100
	DefaultMaxRedirects      = 10
)

// Config is everything a Client is built from. Zero values are replaced
// with the defaults above, see withDefaults.
type Config struct {
	// Proxies maps "http", "https" or "all" to a proxy URL. The scheme
	// specific entry wins over "all".
	Proxies map[string]string `yaml:"proxies"`
	Headers http.Header       `yaml:"headers"` // sent unless the request sets them

	Trust *trust.Policy `yaml:"-"`
	// CAFile pins the PEM certificates in the file, used when Trust is nil
	CAFile   string `yaml:"ca_file"`
	Insecure bool   `yaml:"insecure"`

	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	Timeout         time.Duration `yaml:"timeout"` // whole request, until the head arrives
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	CheckoutTimeout time.Duration `yaml:"checkout_timeout"`

	MaxConnsPerOrigin int `yaml:"max_conns_per_origin"`
	MaxIdlePerOrigin  int `yaml:"max_idle_per_origin"`
	MaxIdleTotal      int `yaml:"max_idle_total"`

	Version     model.Version `yaml:"version"`
	EnableHTTP3 bool          `yaml:"http3"`
	// MaxRedirects bounds redirect chains, negative disables following
	MaxRedirects int `yaml:"max_redirects"`

	// CookieStore keeps cookies across requests, Cookies enables an
	// in-memory jar when it is nil
	CookieStore http.CookieJar `yaml:"-"`
	Cookies     bool           `yaml:"cookies"`

	StrictFraming bool `yaml:"strict_framing"`

	RateLimit float64 `yaml:"rate_limit"` // requests per second, 0 disables
	RateBurst int     `yaml:"rate_burst"`

	Resolve *dialer.ResolveConfig `yaml:"resolve"`
	// Dialer replaces the dialer built from Resolve and ConnectTimeout,
	// usually a *dialer.Dialer shared by several clients
	Dialer negotiator.Dialer `yaml:"-"`
	Logger *zap.Logger       `yaml:"-"`
}

// LoadConfig reads a YAML config file, durations are written like "30s".
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) withDefaults() (Config, error) {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.MaxConnsPerOrigin == 0 {
		c.MaxConnsPerOrigin = DefaultMaxConnsPerOrigin
	}
	if c.MaxIdlePerOrigin == 0 {
		c.MaxIdlePerOrigin = DefaultMaxIdlePerOrigin
	}
	if c.MaxIdleTotal == 0 {
		c.MaxIdleTotal = DefaultMaxIdleTotal
	}
	if c.MaxRedirects == 0 {
		c.MaxRedirects = DefaultMaxRedirects
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Trust == nil {
		switch {
		case c.Insecure:
			c.Trust = trust.InsecureAcceptAnyCertificate()
		case c.CAFile != "":
			pem, err := os.ReadFile(c.CAFile)
			if err != nil {
				return c, err
			}
			if c.Trust, err = trust.PinnedPEM(pem); err != nil {
				return c, err
			}
		default:
			c.Trust = trust.SystemRoots()
		}
	}
	for k, v := range c.Proxies {
		switch k {
		case "http", "https", "all":
		default:
			return c, fmt.Errorf("proxies: unknown key %q, want http, https or all", k)
		}
		if _, err := url.Parse(v); err != nil {
			return c, fmt.Errorf("proxies: %s: %w", k, err)
		}
	}
	return c, nil
}
