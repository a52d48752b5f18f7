// Package h1 implements HTTP/0.9, HTTP/1.0 and HTTP/1.1 over a byte stream.
// A connection serves one request at a time, pipelining is not used.
package h1

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/frankli0324/rq/internal/http"
	"github.com/frankli0324/rq/internal/transport/chunked"
)

var (
	ErrH09Method = errors.New("HTTP/0.9 only supports GET requests without body")
	ErrBodyShort = errors.New("request body shorter than declared content length")
)

// WriteRequest serializes r as an HTTP/v request and flushes w
// e.g.:
//
//	GET / HTTP/1.1\r\n
//	Host: www.google.com\r\n
//	X-Xx-Yy: cccccc\r\n
//	\r\n
func WriteRequest(w *bufio.Writer, r *http.PreparedRequest, v http.Version) error {
	if v == http.H09 {
		if r.Method != "GET" || r.HasBody() {
			return ErrH09Method
		}
		w.WriteString("GET ")
		w.WriteString(r.RequestURI())
		w.WriteString("\r\n")
		return w.Flush()
	}

	body, err := r.GetBody() // can write body
	if err != nil {
		return err
	}
	defer body.Close() // request body is ALWAYS closed
	hasBody := body != http.NoBody && r.HasBody()
	cl := r.ContentLength
	chunkedBody := false
	if hasBody && cl == -1 {
		if v == http.H10 {
			// no chunked coding in HTTP/1.0, length must be known upfront
			buf, err := io.ReadAll(body)
			if err != nil {
				return err
			}
			cl = int64(len(buf))
			body = io.NopCloser(bytes.NewReader(buf))
		} else {
			chunkedBody = true
		}
	}

	if err := writeHeader(w, r, v, cl, hasBody, chunkedBody); err != nil {
		return err
	}
	if hasBody {
		if chunkedBody {
			cw := chunked.NewWriter(w)
			if _, err := io.Copy(cw, body); err != nil {
				return err
			}
			if err := cw.CloseWithTrailer(nil); err != nil {
				return err
			}
		} else {
			n, err := io.Copy(w, io.LimitReader(body, cl))
			if err != nil {
				return err
			}
			if n != cl {
				return ErrBodyShort
			}
		}
	}
	return w.Flush()
}

func writeHeader(w *bufio.Writer, r *http.PreparedRequest, v http.Version, cl int64, hasBody, chunkedBody bool) error {
	target := r.RequestURI()
	if r.Method == "CONNECT" {
		target = r.U.Host
	}
	w.WriteString(r.Method)
	w.WriteByte(' ')
	w.WriteString(target)
	if v == http.H10 {
		w.WriteString(" HTTP/1.0\r\n")
	} else {
		w.WriteString(" HTTP/1.1\r\n")
	}

	w.WriteString("Host: ")
	w.WriteString(r.HeaderHost)
	w.WriteString("\r\n")
	switch {
	case chunkedBody:
		w.WriteString("Transfer-Encoding: chunked\r\n")
	case hasBody:
		w.WriteString("Content-Length: ")
		w.WriteString(strconv.FormatInt(cl, 10))
		w.WriteString("\r\n")
	case methodExpectsBody(r.Method):
		w.WriteString("Content-Length: 0\r\n")
	}
	keys := make([]string, 0, len(r.Header))
	for k := range r.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range r.Header[k] {
			w.WriteString(k)
			w.WriteString(": ")
			w.WriteString(v)
			w.WriteString("\r\n")
		}
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return fmt.Errorf("write request header: %w", err)
	}
	return nil
}

func methodExpectsBody(m string) bool {
	return m == "POST" || m == "PUT" || m == "PATCH"
}
