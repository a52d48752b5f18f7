package http

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"golang.org/x/net/http/httpguts"
)

type PreparedRequest struct {
	*Request

	U          *url.URL
	GetBody    func() (io.ReadCloser, error)
	Header     http.Header
	HeaderHost string

	ContentLength int64
}

var defaultPorts = map[string]string{
	"http": "80", "https": "443", "socks5": "1080", "socks5h": "1080",
}

// HostPort returns the host:port the request connects to.
func (r *PreparedRequest) HostPort() string {
	return HostPort(r.U)
}

// Origin returns scheme://host:port, the key connections are pooled by.
func (r *PreparedRequest) Origin() string {
	return r.U.Scheme + "://" + r.HostPort()
}

func HostPort(u *url.URL) string {
	addr, port := u.Hostname(), u.Port()
	if port == "" {
		port = defaultPorts[u.Scheme]
	}
	return net.JoinHostPort(addr, port)
}

func (r *Request) Prepare() (*PreparedRequest, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if len(r.Query) != 0 {
		q := u.Query()
		for k, v := range r.Query {
			for _, v := range v {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	method := r.Method
	if method == "" {
		method = "GET"
	}
	if !httpguts.ValidHeaderFieldName(method) {
		return nil, fmt.Errorf("invalid method %q", method)
	}

	headers := r.Header.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	host := u.Host
	cl := int64(-1)
	// user defined headers has higher priority
	for k, v := range headers {
		if !httpguts.ValidHeaderFieldName(k) {
			return nil, fmt.Errorf("invalid header field name %q", k)
		}
		for _, v := range v {
			if !httpguts.ValidHeaderFieldValue(v) {
				return nil, fmt.Errorf("invalid header field value for %q", k)
			}
		}
		if strings.ToLower(k) == "host" {
			if len(v) != 0 && httpguts.ValidHostHeader(v[0]) {
				host = v[0]
			}
			delete(headers, k)
		}

		if strings.ToLower(k) == "content-length" {
			if len(v) != 0 {
				if v, err := strconv.ParseInt(v[0], 10, 64); err == nil {
					cl = v
				}
			}
			delete(headers, k)
		}
	}
	if host == "" {
		return nil, url.InvalidHostError("empty host")
	}
	if r.Username != "" {
		auth := r.Username + ":" + r.Password
		headers.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(auth)))
	} else if r.BearerToken != "" {
		headers.Set("Authorization", "Bearer "+r.BearerToken)
	}

	rc := *r
	rc.Method = method
	pr := &PreparedRequest{
		Request: &rc, U: u,
		Header: headers, HeaderHost: host,
		ContentLength: cl,
	}
	if err := pr.updateBody(); err != nil {
		// note that updateBody potentially updates content-length
		return nil, err
	}
	if cl != -1 && pr.ContentLength != -1 && pr.ContentLength != cl {
		return nil, errors.New("conflicting value between body size and content-length request header")
	}
	if pr.ContentLength == -1 {
		pr.ContentLength = cl
	}
	return pr, nil
}

// encodeForms turns Form or Multipart into a materialized body
func (r *PreparedRequest) encodeForms() error {
	set := 0
	for _, b := range []bool{r.Request.Body != nil, r.Form != nil, r.Multipart != nil} {
		if b {
			set++
		}
	}
	if set > 1 {
		return errors.New("only one of Body, Form and Multipart may be set")
	}
	switch {
	case r.Form != nil:
		r.Request.Body = r.Form.Encode()
		if r.Header.Get("Content-Type") == "" {
			r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	case r.Multipart != nil:
		buf := &bytes.Buffer{}
		mw := multipart.NewWriter(buf)
		for _, f := range r.Multipart.Fields {
			if err := mw.WriteField(f.Name, f.Value); err != nil {
				return err
			}
		}
		for _, f := range r.Multipart.Files {
			h := make(textproto.MIMEHeader)
			disp := `form-data; name="` + escapeQuotes(f.Name) + `"`
			if f.FileName != "" {
				disp += `; filename="` + escapeQuotes(f.FileName) + `"`
			}
			h.Set("Content-Disposition", disp)
			mime := f.MIME
			if mime == "" {
				mime = "application/octet-stream"
			}
			h.Set("Content-Type", mime)
			pw, err := mw.CreatePart(h)
			if err != nil {
				return err
			}
			if f.Content != nil {
				if _, err := io.Copy(pw, f.Content); err != nil {
					return err
				}
			}
		}
		if err := mw.Close(); err != nil {
			return err
		}
		r.Request.Body = buf.Bytes()
		r.Header.Set("Content-Type", mw.FormDataContentType())
	}
	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// should only be called once at [Prepare]
func (r *PreparedRequest) updateBody() (err error) {
	if err := r.encodeForms(); err != nil {
		return err
	}
	if r.Request.Body == nil {
		r.ContentLength = -1
		r.GetBody = func() (io.ReadCloser, error) {
			return http.NoBody, nil
		}
		return nil
	}
	switch b := r.Request.Body.(type) {
	case string:
		r.ContentLength = int64(len(b))
		r.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(b)), nil
		}
	case []byte:
		r.ContentLength = int64(len(b))
		r.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(b)), nil
		}
	case *bytes.Buffer: // below is taken from http.NewRequest
		r.ContentLength = int64(b.Len())
		buf := b.Bytes()
		r.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(buf)), nil
		}
	case *bytes.Reader:
		r.ContentLength = int64(b.Len())
		snapshot := *b
		r.GetBody = func() (io.ReadCloser, error) {
			r := snapshot
			return io.NopCloser(&r), nil
		}
	case *strings.Reader:
		r.ContentLength = int64(b.Len())
		snapshot := *b
		r.GetBody = func() (io.ReadCloser, error) {
			r := snapshot
			return io.NopCloser(&r), nil
		}
	case io.Reader:
		r.ContentLength = -1
		if sizer, ok := b.(interface{ Size() int64 }); ok {
			r.ContentLength = sizer.Size()
		}
		cb, ok := b.(io.ReadCloser)
		if !ok {
			cb = io.NopCloser(b)
		}
		once := uint32(0)
		r.GetBody = func() (io.ReadCloser, error) {
			if atomic.CompareAndSwapUint32(&once, 0, 1) {
				return cb, nil
			}
			return nil, http.ErrBodyReadAfterClose
		}
	default:
		return fmt.Errorf("unsupported body type: %T", r.Request.Body)
	}
	return nil
}

// HasBody reports whether a request body should be transmitted.
func (r *PreparedRequest) HasBody() bool {
	return r.Request.Body != nil && r.ContentLength != 0
}

// RequestURI is the origin-form target, "/" for an empty path.
func (r *PreparedRequest) RequestURI() string {
	uri := r.U.RequestURI()
	if uri == "" {
		uri = "/"
	}
	return uri
}
