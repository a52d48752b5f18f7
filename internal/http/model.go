package http

import (
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/frankli0324/rq/internal/trust"
)

type Request struct {
	Method string
	URL    string
	// Body is one of string, []byte, *bytes.Buffer, *bytes.Reader,
	// *strings.Reader or any io.Reader. Plain readers are consumed lazily
	// and can only be sent once.
	Body   interface{}
	Header http.Header

	Query     url.Values // appended to the query of URL
	Form      url.Values // url-encoded body, conflicts with Body and Multipart
	Multipart *Multipart

	Username, Password string // basic auth, used when Username is set
	BearerToken        string

	Options Options
}

// Options override client-wide configuration for a single request.
type Options struct {
	Version Version
	Proxy   string // proxy URL, "direct" disables the client proxies
	Timeout time.Duration
	Trust   *trust.Policy
}

type Multipart struct {
	Fields []MultipartField
	Files  []MultipartFile
}

type MultipartField struct {
	Name, Value string
}

type MultipartFile struct {
	Name     string
	FileName string
	MIME     string // defaults to application/octet-stream
	Content  io.Reader
}

type Response struct {
	Proto      string
	Version    Version
	Status     string
	StatusCode int
	Header     http.Header
	Trailer    http.Header // filled once Body reached EOF

	// ContentLength is -1 when the length is unknown (chunked, streamed
	// or close-delimited bodies)
	ContentLength int64
	Body          io.ReadCloser

	// Warnings collects non-fatal protocol findings, for example a
	// message carrying both Content-Length and chunked encoding
	Warnings []error

	ConnID string // identifies the connection that served the response
	Reused bool   // the connection served an earlier request

	Request *PreparedRequest
}
