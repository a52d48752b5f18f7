package http

import (
	"fmt"
	"strings"
)

// Version selects a protocol generation. The zero value lets the engine
// negotiate.
type Version uint8

const (
	VersionAuto Version = iota
	H09
	H10
	H11
	H2
	H3
)

func (v Version) String() string {
	switch v {
	case H09:
		return "HTTP/0.9"
	case H10:
		return "HTTP/1.0"
	case H11:
		return "HTTP/1.1"
	case H2:
		return "HTTP/2.0"
	case H3:
		return "HTTP/3.0"
	}
	return "auto"
}

// ALPN returns the protocol token advertised during TLS negotiation,
// empty for versions that have none.
func (v Version) ALPN() string {
	switch v {
	case H10:
		return "http/1.0"
	case H11:
		return "http/1.1"
	case H2:
		return "h2"
	case H3:
		return "h3"
	}
	return ""
}

// Multiplexed reports whether the version runs concurrent streams over one
// connection.
func (v Version) Multiplexed() bool {
	return v == H2 || v == H3
}

// VersionFromALPN maps a negotiated ALPN token back to a Version. An empty
// token means the server did not take part in ALPN, which is HTTP/1.1.
func VersionFromALPN(proto string) (Version, bool) {
	switch proto {
	case "", "http/1.1":
		return H11, true
	case "http/1.0":
		return H10, true
	case "h2":
		return H2, true
	case "h3":
		return H3, true
	}
	return VersionAuto, false
}

// VersionFromIndex maps the numeric selectors 0..4 to HTTP/0.9 .. HTTP/3.
func VersionFromIndex(i int) (Version, error) {
	if i < 0 || i > 4 {
		return VersionAuto, fmt.Errorf("only HTTP/0.9, 1.0, 1.1, 2 and 3 are supported, got index %d", i)
	}
	return Version(i + 1), nil
}

// ParseVersion accepts the usual spellings like "1.1", "HTTP/2" or "h3".
func ParseVersion(s string) (Version, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "HTTP/")) {
	case "", "auto":
		return VersionAuto, nil
	case "0.9", "h09":
		return H09, nil
	case "1.0", "h10":
		return H10, nil
	case "1.1", "h11":
		return H11, nil
	case "2", "2.0", "h2":
		return H2, nil
	case "3", "3.0", "h3":
		return H3, nil
	}
	return VersionAuto, fmt.Errorf("unknown http version %q", s)
}

func (v *Version) UnmarshalText(b []byte) error {
	p, err := ParseVersion(string(b))
	if err != nil {
		return err
	}
	*v = p
	return nil
}

func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}
