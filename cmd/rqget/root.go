package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/frankli0324/rq"
)

type options struct {
	config      string
	proxies     []string
	headers     []string
	version     string
	http3       bool
	insecure    bool
	cacert      string
	concurrency int
	output      string
	stats       bool
	timeout     time.Duration
	verbose     bool
}

func newRootCmd() *cobra.Command {
	o := &options{}
	cmd := &cobra.Command{
		Use:   "rqget [flags] URL...",
		Short: "Download URLs over HTTP/1.x, HTTP/2 or HTTP/3",
		Long: `rqget fetches every URL with one shared client, so connections are
pooled and multiplexed across downloads. A single URL is printed to
stdout unless an output directory is given.`,
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, args)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.config, "config", "", "YAML client config file")
	f.StringArrayVar(&o.proxies, "proxy", nil, "proxy as scheme=url, scheme is http, https or all (repeatable)")
	f.StringArrayVarP(&o.headers, "header", "H", nil, "extra header 'Name: value' (repeatable)")
	f.StringVar(&o.version, "http", "", "force the protocol: 0.9, 1.0, 1.1, 2 or 3")
	f.BoolVar(&o.http3, "http3", false, "try HTTP/3 first for https URLs")
	f.BoolVar(&o.insecure, "insecure", false, "accept any server certificate")
	f.StringVar(&o.cacert, "cacert", "", "trust only the PEM certificates in this file")
	f.IntVarP(&o.concurrency, "concurrency", "c", 4, "parallel downloads")
	f.StringVarP(&o.output, "output", "o", "", "directory to save bodies in")
	f.BoolVar(&o.stats, "stats", false, "print latency percentiles")
	f.DurationVar(&o.timeout, "timeout", 0, "per request timeout")
	f.BoolVarP(&o.verbose, "verbose", "v", false, "debug logging")
	return cmd
}

// clientConfig layers the flags over the config file.
func (o *options) clientConfig() (rq.Config, error) {
	cfg := rq.Config{}
	if o.config != "" {
		c, err := rq.LoadConfig(o.config)
		if err != nil {
			return cfg, err
		}
		cfg = *c
	}
	for _, p := range o.proxies {
		scheme, u, ok := strings.Cut(p, "=")
		if !ok {
			return cfg, fmt.Errorf("--proxy %q: want scheme=url", p)
		}
		if cfg.Proxies == nil {
			cfg.Proxies = map[string]string{}
		}
		cfg.Proxies[scheme] = u
	}
	for _, h := range o.headers {
		k, v, ok := strings.Cut(h, ":")
		if !ok {
			return cfg, fmt.Errorf("--header %q: want 'Name: value'", h)
		}
		if cfg.Headers == nil {
			cfg.Headers = rq.Header{}
		}
		cfg.Headers.Add(strings.TrimSpace(k), strings.TrimSpace(v))
	}
	if o.version != "" {
		v, err := rq.ParseVersion(o.version)
		if err != nil {
			return cfg, err
		}
		cfg.Version = v
	}
	if o.http3 {
		cfg.EnableHTTP3 = true
	}
	switch {
	case o.insecure:
		cfg.Trust = rq.InsecureAcceptAnyCertificate()
	case o.cacert != "":
		pem, err := os.ReadFile(o.cacert)
		if err != nil {
			return cfg, err
		}
		if cfg.Trust, err = rq.PinnedPEM(pem); err != nil {
			return cfg, err
		}
	}
	if o.timeout > 0 {
		cfg.Timeout = o.timeout
	}
	if o.concurrency > 0 && cfg.MaxConnsPerOrigin == 0 {
		cfg.MaxConnsPerOrigin = o.concurrency
	}
	return cfg, nil
}

func (o *options) run(cmd *cobra.Command, urls []string) error {
	cfg, err := o.clientConfig()
	if err != nil {
		return err
	}
	if o.verbose {
		if cfg.Logger, err = zap.NewDevelopment(); err != nil {
			return err
		}
		defer cfg.Logger.Sync()
	}
	cl, err := rq.NewClient(cfg)
	if err != nil {
		return err
	}
	defer cl.Close()

	if f, ok := cmd.ErrOrStderr().(*os.File); !ok || !(isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		color.NoColor = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	g := &getter{
		client:      cl,
		concurrency: o.concurrency,
		dir:         o.output,
		stdout:      cmd.OutOrStdout(),
		report:      newReporter(cmd.ErrOrStderr()),
	}
	if len(urls) > 1 && g.dir == "" {
		g.dir = "."
	}
	results := g.fetchAll(ctx, urls)
	if o.stats {
		g.report.summary(results)
	}
	for _, r := range results {
		if r.err != nil {
			return fmt.Errorf("%d of %d downloads failed", countFailed(results), len(results))
		}
	}
	return nil
}
