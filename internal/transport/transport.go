package transport

import (
	"context"

	"github.com/frankli0324/rq/internal/http"
)

// Conn is one physical connection bound to one wire protocol.
type Conn interface {
	ID() string
	Version() http.Version
	// Multiplexed reports whether RoundTrip may be called concurrently.
	Multiplexed() bool
	// RoundTrip sends req and returns once the response head is parsed. The
	// body is streamed lazily. release is called exactly once when the
	// exchange is over, reusable tells whether the connection may serve
	// another request.
	RoundTrip(ctx context.Context, req *http.PreparedRequest, release func(reusable bool)) (*http.Response, error)
	// Alive reports whether the connection may still take requests.
	Alive() bool
	Close() error
}

type EventKind uint8

const (
	EventHead EventKind = iota + 1
	EventData
	EventTrailer
	EventEnd
	EventWarning
)

func (k EventKind) String() string {
	switch k {
	case EventHead:
		return "head"
	case EventData:
		return "data"
	case EventTrailer:
		return "trailer"
	case EventEnd:
		return "end"
	case EventWarning:
		return "warning"
	}
	return "invalid"
}

// Head is the parsed status line and header block of a response.
type Head struct {
	Proto         string
	Version       http.Version
	StatusCode    int
	Status        string
	Header        http.Header
	ContentLength int64 // -1 if unknown
}

type Event struct {
	Kind    EventKind
	Head    *Head
	Data    []byte // EventData, only valid until the next Feed
	Trailer http.Header
	Err     error // EventWarning
}

// Parser is an incremental response decoder. Feed may be called with any
// split of the input, including one byte at a time.
type Parser interface {
	Feed(p []byte) ([]Event, error)
	// EOF tells the parser the stream ended; close-delimited messages end
	// here, anything else is truncated.
	EOF() ([]Event, error)
}

// Options tune codec behavior shared by the protocol implementations.
type Options struct {
	// StrictFraming rejects HTTP/1.x responses carrying both Content-Length
	// and chunked Transfer-Encoding instead of letting chunked win.
	StrictFraming bool
}
