package h1_test

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	model "github.com/frankli0324/rq/internal/http"
	"github.com/frankli0324/rq/internal/transport"
	"github.com/frankli0324/rq/internal/transport/h1"
)

type parsed struct {
	head     *transport.Head
	body     string
	trailer  model.Header
	warnings []error
	ended    bool
}

func collect(t *testing.T, out *parsed, evs []transport.Event) {
	t.Helper()
	for _, ev := range evs {
		switch ev.Kind {
		case transport.EventHead:
			require.Nil(t, out.head, "duplicate head")
			out.head = ev.Head
		case transport.EventData:
			require.NotNil(t, out.head, "data before head")
			out.body += string(ev.Data)
		case transport.EventTrailer:
			out.trailer = ev.Trailer
		case transport.EventWarning:
			out.warnings = append(out.warnings, ev.Err)
		case transport.EventEnd:
			out.ended = true
		}
	}
}

// parse feeds raw split into pieces of size step, 0 means all at once.
func parse(t *testing.T, p *h1.Parser, raw string, step int, eof bool) (*parsed, error) {
	out := &parsed{}
	if step == 0 {
		step = len(raw) + 1
	}
	for i := 0; i < len(raw); i += step {
		j := i + step
		if j > len(raw) {
			j = len(raw)
		}
		evs, err := p.Feed([]byte(raw[i:j]))
		collect(t, out, evs)
		if err != nil {
			return out, err
		}
	}
	if eof {
		evs, err := p.EOF()
		collect(t, out, evs)
		return out, err
	}
	return out, nil
}

const chunkedResp = "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\nX-Test: 1\r\n\r\n" +
	"5\r\nhello\r\n7;ext=1\r\n, world\r\n0\r\nX-Sum: abc\r\n\r\n"

func TestParserSplitInvariance(t *testing.T) {
	for _, step := range []int{0, 1, 2, 3, 7, 16} {
		p := h1.NewParser(model.H11, "GET", transport.Options{})
		out, err := parse(t, p, chunkedResp, step, false)
		require.NoError(t, err, "step %d", step)
		require.True(t, out.ended, "step %d", step)
		assert.Equal(t, 200, out.head.StatusCode)
		assert.Equal(t, "1", out.head.Header.Get("X-Test"))
		assert.Equal(t, "hello, world", out.body)
		assert.Equal(t, "abc", out.trailer.Get("X-Sum"))
		assert.True(t, p.KeepAlive())
	}
}

func TestParserContentLength(t *testing.T) {
	p := h1.NewParser(model.H11, "GET", transport.Options{})
	out, err := parse(t, p, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhelloEXTRA", 0, false)
	require.NoError(t, err)
	assert.True(t, out.ended)
	assert.Equal(t, int64(5), out.head.ContentLength)
	assert.Equal(t, "hello", out.body)
	assert.Equal(t, 5, p.Buffered())
	assert.Equal(t, "EXTRA", string(p.Rest()))
}

func TestParserFramingConflict(t *testing.T) {
	orders := map[string]string{
		"CLFirst": "HTTP/1.1 200 OK\r\nContent-Length: 100\r\nTransfer-Encoding: chunked\r\n\r\n",
		"TEFirst": "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\nContent-Length: 100\r\n\r\n",
	}
	body := "3\r\nabc\r\n0\r\n\r\n"
	for name, head := range orders {
		t.Run(name+"/Lenient", func(t *testing.T) {
			p := h1.NewParser(model.H11, "GET", transport.Options{})
			out, err := parse(t, p, head+body, 0, false)
			require.NoError(t, err)
			assert.Equal(t, "abc", out.body)
			assert.Equal(t, int64(-1), out.head.ContentLength)
			require.Len(t, out.warnings, 1)
			assert.ErrorIs(t, out.warnings[0], h1.ErrFramingConflict)
		})
		t.Run(name+"/Strict", func(t *testing.T) {
			p := h1.NewParser(model.H11, "GET", transport.Options{StrictFraming: true})
			_, err := parse(t, p, head+body, 0, false)
			assert.ErrorIs(t, err, h1.ErrFramingConflict)
		})
	}
}

func TestParserCloseDelimited(t *testing.T) {
	p := h1.NewParser(model.H11, "GET", transport.Options{})
	out, err := parse(t, p, "HTTP/1.0 200 OK\r\n\r\nuntil the end", 4, false)
	require.NoError(t, err)
	assert.False(t, out.ended)
	evs, err := p.EOF()
	require.NoError(t, err)
	collect(t, out, evs)
	assert.True(t, out.ended)
	assert.Equal(t, "until the end", out.body)
	assert.False(t, p.KeepAlive())
}

func TestParserTruncated(t *testing.T) {
	p := h1.NewParser(model.H11, "GET", transport.Options{})
	_, err := parse(t, p, "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc", 0, true)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestParserHTTP09(t *testing.T) {
	p := h1.NewParser(model.H09, "GET", transport.Options{})
	out, err := parse(t, p, "<html>raw</html>", 3, true)
	require.NoError(t, err)
	assert.True(t, out.ended)
	assert.Equal(t, model.H09, out.head.Version)
	assert.Equal(t, 200, out.head.StatusCode)
	assert.Equal(t, "<html>raw</html>", out.body)
}

func TestParserSkipsInterim(t *testing.T) {
	p := h1.NewParser(model.H11, "GET", transport.Options{})
	out, err := parse(t, p, "HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 204 No Content\r\n\r\n", 0, false)
	require.NoError(t, err)
	assert.Equal(t, 204, out.head.StatusCode)
	assert.True(t, out.ended)
	assert.Empty(t, out.body)
}

func TestParserHeadHasNoBody(t *testing.T) {
	p := h1.NewParser(model.H11, "HEAD", transport.Options{})
	out, err := parse(t, p, "HTTP/1.1 200 OK\r\nContent-Length: 1234\r\n\r\n", 0, false)
	require.NoError(t, err)
	assert.True(t, out.ended)
	assert.Equal(t, int64(1234), out.head.ContentLength)
}

func TestParserKeepAlive(t *testing.T) {
	cases := map[string]struct {
		sent model.Version
		resp string
		want bool
	}{
		"11Default":    {model.H11, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n", true},
		"11Close":      {model.H11, "HTTP/1.1 200 OK\r\nConnection: close\r\nContent-Length: 0\r\n\r\n", false},
		"10Default":    {model.H10, "HTTP/1.0 200 OK\r\nContent-Length: 0\r\n\r\n", false},
		"10KeepAlive":  {model.H10, "HTTP/1.0 200 OK\r\nConnection: keep-alive\r\nContent-Length: 0\r\n\r\n", true},
		"10Sent11Resp": {model.H10, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n", false},
	}
	for name, c := range cases {
		c := c
		t.Run(name, func(t *testing.T) {
			p := h1.NewParser(c.sent, "GET", transport.Options{})
			out, err := parse(t, p, c.resp, 0, false)
			require.NoError(t, err)
			require.True(t, out.ended)
			assert.Equal(t, c.want, p.KeepAlive())
		})
	}
}

func TestParserErrors(t *testing.T) {
	cases := map[string]struct {
		resp string
		want error
	}{
		"BadStatus":   {"HTTP/1.1 abc OK\r\n\r\n", h1.ErrMalformedStatus},
		"BadProto":    {"SPDY/3 200 OK\r\n\r\n", h1.ErrMalformedStatus},
		"BadHeader":   {"HTTP/1.1 200 OK\r\nno colon here\r\n\r\n", h1.ErrMalformedHeader},
		"DiffLengths": {"HTTP/1.1 200 OK\r\nContent-Length: 1\r\nContent-Length: 2\r\n\r\n", h1.ErrConflictingLength},
		"BadLength":   {"HTTP/1.1 200 OK\r\nContent-Length: -1\r\n\r\n", h1.ErrBadLength},
		"BadChunk":    {"HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n", h1.ErrMalformedChunk},
		"HugeChunk":   {"HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n10000000000000000\r\n", h1.ErrChunkTooLarge},
		"LongLine":    {"HTTP/1.1 200 " + strings.Repeat("A", 70<<10), h1.ErrLineTooLong},
	}
	for name, c := range cases {
		c := c
		t.Run(name, func(t *testing.T) {
			p := h1.NewParser(model.H11, "GET", transport.Options{})
			_, err := parse(t, p, c.resp, 0, false)
			assert.ErrorIs(t, err, c.want)
		})
	}
}

func TestParserChunkSizeLeadingZeros(t *testing.T) {
	p := h1.NewParser(model.H11, "GET", transport.Options{})
	resp := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"00000000000000005\r\nhello\r\n000000000000000000\r\n\r\n"
	out, err := parse(t, p, resp, 0, false)
	require.NoError(t, err)
	assert.Equal(t, "hello", out.body)
	assert.True(t, out.ended)
}
