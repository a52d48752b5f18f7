package internal

import (
	"net/http"
	"net/url"
	"time"

	model "github.com/frankli0324/rq/internal/http"
	"github.com/frankli0324/rq/internal/trust"
)

// RequestOption adjusts a request built by the convenience methods.
type RequestOption func(*model.Request)

func WithHeader(key, value string) RequestOption {
	return func(r *model.Request) {
		if r.Header == nil {
			r.Header = http.Header{}
		}
		r.Header.Add(key, value)
	}
}

// WithBody accepts the body types documented on Request.Body.
func WithBody(body interface{}) RequestOption {
	return func(r *model.Request) { r.Body = body }
}

func WithQuery(key, value string) RequestOption {
	return func(r *model.Request) {
		if r.Query == nil {
			r.Query = url.Values{}
		}
		r.Query.Add(key, value)
	}
}

func WithForm(form url.Values) RequestOption {
	return func(r *model.Request) { r.Form = form }
}

func WithMultipart(m *model.Multipart) RequestOption {
	return func(r *model.Request) { r.Multipart = m }
}

func WithBasicAuth(username, password string) RequestOption {
	return func(r *model.Request) { r.Username, r.Password = username, password }
}

func WithBearer(token string) RequestOption {
	return func(r *model.Request) { r.BearerToken = token }
}

func WithTimeout(d time.Duration) RequestOption {
	return func(r *model.Request) { r.Options.Timeout = d }
}

// WithProxy routes the request through proxy, "direct" bypasses the
// proxies configured on the client.
func WithProxy(proxy string) RequestOption {
	return func(r *model.Request) { r.Options.Proxy = proxy }
}

func WithVersion(v model.Version) RequestOption {
	return func(r *model.Request) { r.Options.Version = v }
}

func WithTrust(p *trust.Policy) RequestOption {
	return func(r *model.Request) { r.Options.Trust = p }
}
