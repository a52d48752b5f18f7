package main

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/frankli0324/rq"
)

type result struct {
	url    string
	status int
	proto  string
	bytes  int64
	took   time.Duration // until the body was fully read
	err    error
}

type getter struct {
	client      *rq.Client
	concurrency int
	dir         string // empty writes the body to stdout
	stdout      io.Writer
	report      *reporter
}

// fetchAll downloads urls with at most g.concurrency in flight, results
// keep the order of urls.
func (g *getter) fetchAll(ctx context.Context, urls []string) []result {
	results := make([]result, len(urls))
	n := g.concurrency
	if n <= 0 {
		n = 1
	}
	sem := make(chan struct{}, n)
	var wg sync.WaitGroup
	for i, u := range urls {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = g.fetch(ctx, u)
			g.report.line(results[i])
		}()
	}
	wg.Wait()
	return results
}

func (g *getter) fetch(ctx context.Context, u string) result {
	r := result{url: u}
	start := time.Now()
	resp, err := g.client.Get(ctx, u)
	if err != nil {
		r.err = err
		return r
	}
	r.status, r.proto = resp.StatusCode, resp.Proto

	w := g.stdout
	if g.dir != "" {
		f, err := os.Create(filepath.Join(g.dir, outputName(u)))
		if err != nil {
			resp.Body.Close()
			r.err = err
			return r
		}
		defer f.Close()
		w = f
	}
	r.bytes, r.err = resp.WriteTo(w)
	r.took = time.Since(start)
	return r
}

// outputName derives a file name from the last path element of u.
func outputName(u string) string {
	pu, err := url.Parse(u)
	if err != nil {
		return "download"
	}
	name := path.Base(pu.Path)
	if name == "/" || name == "." || name == "" {
		name = "index.html"
	}
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, name)
	return pu.Hostname() + "_" + name
}
