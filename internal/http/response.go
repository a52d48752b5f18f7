package http

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/ianaindex"
)

var ErrBodyConsumed = errors.New("response body already consumed")

// Length returns the declared body length, ok is false when unknown.
func (r *Response) Length() (n int64, ok bool) {
	if r.ContentLength < 0 {
		return 0, false
	}
	return r.ContentLength, true
}

func (r *Response) takeBody() (io.ReadCloser, error) {
	if r.Body == nil {
		return nil, ErrBodyConsumed
	}
	b := r.Body
	r.Body = nil
	return b, nil
}

// Bytes reads the whole body and closes it. The body can't be read again.
func (r *Response) Bytes() ([]byte, error) {
	b, err := r.takeBody()
	if err != nil {
		return nil, err
	}
	defer b.Close()
	return io.ReadAll(b)
}

// WriteTo streams the body into w chunk by chunk and closes it.
func (r *Response) WriteTo(w io.Writer) (int64, error) {
	b, err := r.takeBody()
	if err != nil {
		return 0, err
	}
	defer b.Close()
	return io.Copy(w, b)
}

// WriteFunc calls cb for every chunk read off the body together with the
// declared length (0 when unknown), then closes the body.
func (r *Response) WriteFunc(cb func(chunk []byte, total int64) error) (int64, error) {
	b, err := r.takeBody()
	if err != nil {
		return 0, err
	}
	defer b.Close()
	total, _ := r.Length()
	buf := make([]byte, 32<<10)
	var n int64
	for {
		nr, rerr := b.Read(buf)
		if nr > 0 {
			n += int64(nr)
			if err := cb(buf[:nr], total); err != nil {
				return n, err
			}
		}
		if rerr == io.EOF {
			return n, nil
		}
		if rerr != nil {
			return n, rerr
		}
	}
}

// Text decodes the body with the named charset. An empty name sniffs the
// charset from Content-Type and the leading bytes of the body.
func (r *Response) Text(charsetName string) (string, error) {
	b, err := r.takeBody()
	if err != nil {
		return "", err
	}
	defer b.Close()
	var rd io.Reader
	if charsetName == "" {
		if rd, err = charset.NewReader(b, r.Header.Get("Content-Type")); err != nil {
			return "", err
		}
	} else {
		enc, err := ianaindex.IANA.Encoding(charsetName)
		if err != nil {
			return "", err
		}
		if enc == nil { // utf-8 and friends need no transform
			rd = b
		} else {
			rd = enc.NewDecoder().Reader(b)
		}
	}
	var sb strings.Builder
	_, err = io.Copy(&sb, rd)
	return sb.String(), err
}

// Cookies parses the Set-Cookie headers of the response.
func (r *Response) Cookies() []*http.Cookie {
	return (&http.Response{Header: r.Header}).Cookies()
}
