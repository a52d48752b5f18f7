package internal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	model "github.com/frankli0324/rq/internal/http"
)

var ErrTooManyRedirects = errors.New("too many redirects")

// drained bodies up to this size keep their connection reusable
const maxDrain = 4 << 10

// redirect returns the request following resp, or nil when resp is final.
// A followed response is drained and closed.
func (c *Client) redirect(ctx context.Context, pr *PreparedRequest, resp *model.Response, hops int) (*model.Request, error) {
	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
	default:
		return nil, nil
	}
	loc := resp.Header.Get("Location")
	if loc == "" || c.cfg.MaxRedirects < 0 {
		return nil, nil
	}
	to, err := pr.U.Parse(loc)
	if err != nil {
		return nil, nil
	}
	if to.Scheme != "http" && to.Scheme != "https" {
		return nil, nil
	}

	next := *pr.Request
	next.URL = to.String()
	next.Query = nil
	next.Header = pr.Request.Header.Clone()
	switch {
	case resp.StatusCode == http.StatusSeeOther && pr.Method != http.MethodHead,
		(resp.StatusCode == http.StatusMovedPermanently || resp.StatusCode == http.StatusFound) && pr.Method == http.MethodPost:
		next.Method = http.MethodGet
		next.Body, next.Form, next.Multipart = nil, nil, nil
		next.Header.Del("Content-Type")
		next.Header.Del("Content-Length")
	default:
		if !replayable(pr) {
			// the body went out with the first request
			return nil, nil
		}
		if next.Form != nil || next.Multipart != nil {
			// already encoded into Body by Prepare
			next.Form, next.Multipart = nil, nil
			next.Header.Set("Content-Type", pr.Header.Get("Content-Type"))
		}
	}
	if to.Host != pr.U.Host {
		next.Header.Del("Authorization")
		next.Header.Del("Cookie")
		next.Username, next.Password, next.BearerToken = "", "", ""
	}
	if hops >= c.cfg.MaxRedirects {
		resp.Body.Close()
		return nil, fmt.Errorf("%s: stopped after %d redirects: %w", pr.U.Redacted(), hops, ErrTooManyRedirects)
	}

	io.CopyN(io.Discard, resp.Body, maxDrain)
	resp.Body.Close()
	traceFrom(ctx).redirect(pr.U, to, resp.StatusCode)
	c.log.Debug("following redirect", zap.Int("status", resp.StatusCode), zap.String("from", pr.U.Redacted()), zap.String("to", to.Redacted()))
	return &next, nil
}

func replayable(pr *PreparedRequest) bool {
	switch pr.Request.Body.(type) {
	case nil, string, []byte, *bytes.Buffer, *bytes.Reader, *strings.Reader:
		return true
	}
	return false
}
