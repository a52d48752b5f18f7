package transport

import (
	"net/http"
	"net/textproto"
	"sort"
	"strconv"
	"strings"

	model "github.com/frankli0324/rq/internal/http"
)

// connection-specific header fields are forbidden in HTTP/2 and HTTP/3,
// RFC 9113 8.2.2 and RFC 9114 4.2
var connectionHeaders = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
	"upgrade":           true,
}

// RequestFields enumerates the field section of r for the framed
// protocols: pseudo-headers first, then lowercased fields in name order.
// The enumeration is stable, so it can be walked once for sizing and once
// for encoding.
func RequestFields(r *model.PreparedRequest, cl int64, hasBody bool) func(func(k, v string)) {
	keys := make([]string, 0, len(r.Header))
	for k := range r.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return func(f func(k, v string)) {
		f(":method", r.Method)
		if r.Method == "CONNECT" {
			f(":authority", r.HeaderHost)
		} else {
			f(":scheme", r.U.Scheme)
			f(":authority", r.HeaderHost)
			f(":path", r.RequestURI())
		}
		for _, k := range keys {
			lk := strings.ToLower(k)
			if connectionHeaders[lk] {
				continue
			}
			for _, v := range r.Header[k] {
				if lk == "te" && v != "trailers" {
					continue
				}
				f(lk, v)
			}
		}
		switch {
		case hasBody && cl >= 0:
			f("content-length", strconv.FormatInt(cl, 10))
		case !hasBody && (r.Method == "POST" || r.Method == "PUT" || r.Method == "PATCH"):
			f("content-length", "0")
		}
	}
}

// ResponseHead builds the head of a framed response from its regular
// fields, Content-Length is taken over when it is a single valid value.
func ResponseHead(v model.Version, status int, fields func(func(k, v string))) *Head {
	h := &Head{
		Proto:         v.String(),
		Version:       v,
		StatusCode:    status,
		Status:        strconv.Itoa(status),
		Header:        FieldsHeader(fields),
		ContentLength: -1,
	}
	if text := http.StatusText(status); text != "" {
		h.Status += " " + text
	}
	if vv := h.Header["Content-Length"]; len(vv) == 1 {
		if n, err := strconv.ParseUint(vv[0], 10, 63); err == nil {
			h.ContentLength = int64(n)
		}
	}
	return h
}

func FieldsHeader(fields func(func(k, v string))) http.Header {
	h := http.Header{}
	fields(func(k, v string) {
		ck := textproto.CanonicalMIMEHeaderKey(k)
		h[ck] = append(h[ck], v)
	})
	return h
}
