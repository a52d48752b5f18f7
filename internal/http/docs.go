// Package http holds the request, prepared request and response types that
// the root package re-exports. It shares its name with the root package on
// purpose, editors then complete rq.Request and http.Request alike.
//
// Header and NoBody alias net/http so callers need not import both.
package http

import (
	"net/http"
)

type Header = http.Header

var NoBody = http.NoBody
