// package transport contains implementations to requirements on *message syntaxes*
// defined by http related RFCs.
//
// as of 2022.06, RFCs that were to define HTTP/1.1 (RFC753x) are obsoleted by:
//
//  HTTP Semantics (RFC9110)
//  HTTP Caching (RFC9111) and
//  HTTP/1.1 (RFC9112)
//
// HTTP/2 is defined in RFC9113 and HTTP/3 in RFC9114 (QPACK in RFC9204).
//
// every protocol generation lives in its own subpackage and binds to exactly
// one underlying stream for its whole life:
//
//  h1       HTTP/0.9, HTTP/1.0 and HTTP/1.1 over a byte stream
//  h2       HTTP/2 over a byte stream (TLS with ALPN "h2", or prior knowledge)
//  h3       HTTP/3 over a QUIC connection
//  chunked  chunked transfer coding writer used by h1 request bodies
//
// net/http components are reused on the "semantics" part ([net/http.URL], [net/http.Header], etc.)
package transport
