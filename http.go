package rq

import (
	"github.com/frankli0324/rq/internal"
	"github.com/frankli0324/rq/internal/dialer"
	"github.com/frankli0324/rq/internal/errs"
	"github.com/frankli0324/rq/internal/http"
	"github.com/frankli0324/rq/internal/trust"
)

type Header = http.Header
type Request = http.Request
type PreparedRequest = http.PreparedRequest
type Response = http.Response

// RequestOptions override client configuration for one request.
type RequestOptions = http.Options
type Multipart = http.Multipart
type MultipartField = http.MultipartField
type MultipartFile = http.MultipartFile

type ResolveConfig = dialer.ResolveConfig

type Version = http.Version

const (
	VersionAuto = http.VersionAuto
	H09         = http.H09
	H10         = http.H10
	H11         = http.H11
	H2          = http.H2
	H3          = http.H3
)

var ParseVersion = http.ParseVersion

type TrustPolicy = trust.Policy

var (
	SystemRoots = trust.SystemRoots
	PinnedPEM   = trust.PinnedPEM
	PinnedDER   = trust.PinnedDER
	// InsecureAcceptAnyCertificate turns certificate verification off.
	InsecureAcceptAnyCertificate = trust.InsecureAcceptAnyCertificate
)

// Error carries the phase a request failed in, match it with errors.Is
// against the Err* values below.
type Error = errs.Error

var (
	ErrConnect   = errs.ErrConnect
	ErrProxy     = errs.ErrProxy
	ErrTrust     = errs.ErrTrust
	ErrProtocol  = errs.ErrProtocol
	ErrTimeout   = errs.ErrTimeout
	ErrCancelled = errs.ErrCancelled
)

var (
	WithHeader    = internal.WithHeader
	WithBody      = internal.WithBody
	WithQuery     = internal.WithQuery
	WithForm      = internal.WithForm
	WithMultipart = internal.WithMultipart
	WithBasicAuth = internal.WithBasicAuth
	WithBearer    = internal.WithBearer
	WithTimeout   = internal.WithTimeout
	WithProxy     = internal.WithProxy
	WithVersion   = internal.WithVersion
	WithTrust     = internal.WithTrust
)
