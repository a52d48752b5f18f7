package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/fatih/color"
)

type reporter struct {
	mu sync.Mutex
	w  io.Writer

	ok, warn, fail, dim func(a ...interface{}) string
}

func newReporter(w io.Writer) *reporter {
	return &reporter{
		w:    w,
		ok:   color.New(color.FgGreen).SprintFunc(),
		warn: color.New(color.FgYellow).SprintFunc(),
		fail: color.New(color.FgRed).SprintFunc(),
		dim:  color.New(color.Faint).SprintFunc(),
	}
}

func (r *reporter) line(res result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if res.err != nil {
		fmt.Fprintf(r.w, "%s %s %v\n", r.fail("ERR"), res.url, res.err)
		return
	}
	status := fmt.Sprint(res.status)
	switch {
	case res.status >= 400:
		status = r.fail(status)
	case res.status >= 300:
		status = r.warn(status)
	default:
		status = r.ok(status)
	}
	fmt.Fprintf(r.w, "%s %s %s\n", status, res.url, r.dim(fmt.Sprintf("%s %dB %s", res.proto, res.bytes, res.took.Round(time.Millisecond))))
}

// summary prints latency percentiles of the successful downloads.
func (r *reporter) summary(results []result) {
	h := hdrhistogram.New(1, 60_000_000, 3) // microseconds, up to a minute
	var total int64
	for _, res := range results {
		if res.err != nil {
			continue
		}
		_ = h.RecordValue(res.took.Microseconds())
		total += res.bytes
	}
	us := func(v int64) time.Duration {
		return (time.Duration(v) * time.Microsecond).Round(10 * time.Microsecond)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "%d ok, %d failed, %d bytes\n", h.TotalCount(), countFailed(results), total)
	if h.TotalCount() == 0 {
		return
	}
	fmt.Fprintf(r.w, "p50 %s  p90 %s  p99 %s  max %s\n",
		us(h.ValueAtQuantile(50)), us(h.ValueAtQuantile(90)), us(h.ValueAtQuantile(99)), us(h.Max()))
}

func countFailed(results []result) int {
	n := 0
	for _, r := range results {
		if r.err != nil {
			n++
		}
	}
	return n
}
