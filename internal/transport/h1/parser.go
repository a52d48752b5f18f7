package h1

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/frankli0324/rq/internal/http"
	"github.com/frankli0324/rq/internal/transport"
)

const (
	maxLineLength  = 64 << 10
	maxHeaderBytes = 1 << 20
)

var (
	ErrLineTooLong       = errors.New("http: response line too long")
	ErrHeaderTooLarge    = errors.New("http: response header too large")
	ErrMalformedStatus   = errors.New("http: malformed status line")
	ErrMalformedHeader   = errors.New("http: malformed header line")
	ErrMalformedChunk    = errors.New("http: malformed chunked encoding")
	ErrChunkTooLarge     = errors.New("http: chunk length too large")
	ErrConflictingLength = errors.New("http: message cannot contain multiple differing Content-Length headers")
	ErrBadLength         = errors.New("http: invalid Content-Length")
	ErrFramingConflict   = errors.New("http: both Content-Length and chunked Transfer-Encoding present")
)

type state uint8

const (
	stateStatusLine state = iota
	stateHeaders
	stateBodyLength
	stateChunkSize
	stateChunkData
	stateChunkCRLF
	stateTrailers
	stateBodyEOF // close-delimited, also every HTTP/0.9 response
	stateDone
)

// Parser decodes one HTTP/0.9 or HTTP/1.x response incrementally. It owns
// the unconsumed input and a cursor into it, so the input may be split at
// any byte.
type Parser struct {
	version http.Version // the version the request was sent with
	method  string
	strict  bool

	state  state
	buf    []byte
	off    int
	events []transport.Event

	head        *transport.Head
	fields      http.Header // header or trailer block being read
	lastKey     string
	headerBytes int
	remaining   int64 // bytes left in the current body or chunk
	keepAlive   bool
	headSent    bool
}

// NewParser returns a parser for the response to a request sent with the
// given method and protocol version.
func NewParser(v http.Version, method string, opts transport.Options) *Parser {
	p := &Parser{version: v, method: method, strict: opts.StrictFraming}
	if v == http.H09 {
		p.state = stateBodyEOF
	}
	return p
}

// KeepAlive reports whether the connection may carry another message once
// this one is done.
func (p *Parser) KeepAlive() bool {
	return p.state == stateDone && p.keepAlive
}

func (p *Parser) Done() bool {
	return p.state == stateDone
}

// Buffered returns the number of fed bytes not belonging to this message.
func (p *Parser) Buffered() int {
	return len(p.buf) - p.off
}

// Rest returns the fed bytes not belonging to this message, such as the
// first bytes of a tunnel established by CONNECT.
func (p *Parser) Rest() []byte {
	return p.buf[p.off:]
}

func (p *Parser) emit(ev transport.Event) {
	p.events = append(p.events, ev)
}

func (p *Parser) Feed(b []byte) ([]transport.Event, error) {
	if p.off > 0 {
		n := copy(p.buf, p.buf[p.off:])
		p.buf = p.buf[:n]
		p.off = 0
	}
	p.buf = append(p.buf, b...)
	p.events = p.events[:0]
	if p.version == http.H09 && !p.headSent {
		p.emitH09Head()
	}
	for {
		progressed, err := p.step()
		if err != nil {
			return p.events, err
		}
		if !progressed {
			return p.events, nil
		}
	}
}

func (p *Parser) EOF() ([]transport.Event, error) {
	p.events = p.events[:0]
	switch p.state {
	case stateBodyEOF:
		if p.version == http.H09 && !p.headSent {
			p.emitH09Head()
		}
		p.state = stateDone
		p.keepAlive = false
		p.emit(transport.Event{Kind: transport.EventEnd})
		return p.events, nil
	case stateDone:
		return p.events, nil
	}
	return p.events, io.ErrUnexpectedEOF
}

func (p *Parser) emitH09Head() {
	p.headSent = true
	p.head = &transport.Head{
		Proto: "HTTP/0.9", Version: http.H09,
		StatusCode: 200, Status: "200 OK",
		Header: http.Header{}, ContentLength: -1,
	}
	p.emit(transport.Event{Kind: transport.EventHead, Head: p.head})
}

// line returns the next line without its terminator, ok is false if the
// line is not complete yet.
func (p *Parser) line() (line []byte, ok bool, err error) {
	rest := p.buf[p.off:]
	i := bytes.IndexByte(rest, '\n')
	if i < 0 {
		if len(rest) > maxLineLength {
			return nil, false, ErrLineTooLong
		}
		return nil, false, nil
	}
	p.off += i + 1
	line = rest[:i]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return line, true, nil
}

func (p *Parser) step() (bool, error) {
	switch p.state {
	case stateStatusLine:
		line, ok, err := p.line()
		if !ok || err != nil {
			return false, err
		}
		if len(line) == 0 {
			return true, nil // tolerate leading empty lines
		}
		if err := p.parseStatusLine(string(line)); err != nil {
			return false, err
		}
		p.fields = http.Header{}
		p.lastKey = ""
		p.headerBytes = 0
		p.state = stateHeaders
		return true, nil

	case stateHeaders, stateTrailers:
		line, ok, err := p.line()
		if !ok || err != nil {
			return false, err
		}
		if len(line) != 0 {
			p.headerBytes += len(line)
			if p.headerBytes > maxHeaderBytes {
				return false, ErrHeaderTooLarge
			}
			return true, p.parseField(line)
		}
		if p.state == stateTrailers {
			if len(p.fields) != 0 {
				p.emit(transport.Event{Kind: transport.EventTrailer, Trailer: p.fields})
			}
			p.finish()
			return true, nil
		}
		return true, p.endOfHeader()

	case stateBodyLength, stateChunkData:
		avail := int64(len(p.buf) - p.off)
		if avail == 0 {
			return false, nil
		}
		n := p.remaining
		if avail < n {
			n = avail
		}
		p.emit(transport.Event{Kind: transport.EventData, Data: p.buf[p.off : p.off+int(n)]})
		p.off += int(n)
		p.remaining -= n
		if p.remaining == 0 {
			if p.state == stateBodyLength {
				p.finish()
			} else {
				p.state = stateChunkCRLF
			}
		}
		return true, nil

	case stateChunkSize:
		line, ok, err := p.line()
		if !ok || err != nil {
			return false, err
		}
		size, err := parseChunkSize(line)
		if err != nil {
			return false, err
		}
		if size == 0 {
			p.fields = http.Header{}
			p.lastKey = ""
			p.state = stateTrailers
		} else {
			p.remaining = size
			p.state = stateChunkData
		}
		return true, nil

	case stateChunkCRLF:
		rest := p.buf[p.off:]
		if len(rest) < 2 {
			return false, nil
		}
		if rest[0] != '\r' || rest[1] != '\n' {
			return false, ErrMalformedChunk
		}
		p.off += 2
		p.state = stateChunkSize
		return true, nil

	case stateBodyEOF:
		if p.off == len(p.buf) {
			return false, nil
		}
		p.emit(transport.Event{Kind: transport.EventData, Data: p.buf[p.off:]})
		p.off = len(p.buf)
		return true, nil
	}
	// stateDone: anything left over stays buffered
	return false, nil
}

func (p *Parser) finish() {
	p.state = stateDone
	p.emit(transport.Event{Kind: transport.EventEnd})
}

func (p *Parser) parseStatusLine(line string) error {
	proto, status, ok := strings.Cut(line, " ")
	if !ok {
		return fmt.Errorf("%w: %q", ErrMalformedStatus, line)
	}
	var v http.Version
	switch proto {
	case "HTTP/1.1":
		v = http.H11
	case "HTTP/1.0":
		v = http.H10
	default:
		return fmt.Errorf("%w: unsupported protocol %q", ErrMalformedStatus, proto)
	}
	status = strings.TrimLeft(status, " ")
	code, _, _ := strings.Cut(status, " ")
	if len(code) != 3 {
		return fmt.Errorf("%w: status code %q", ErrMalformedStatus, code)
	}
	n, err := strconv.Atoi(code)
	if err != nil || n < 100 {
		return fmt.Errorf("%w: status code %q", ErrMalformedStatus, code)
	}
	p.head = &transport.Head{Proto: proto, Version: v, StatusCode: n, Status: status, ContentLength: -1}
	return nil
}

func (p *Parser) parseField(line []byte) error {
	if line[0] == ' ' || line[0] == '\t' {
		// obsolete line folding, RFC 9112 5.2
		if p.lastKey == "" {
			return ErrMalformedHeader
		}
		vv := p.fields[p.lastKey]
		vv[len(vv)-1] += " " + strings.TrimSpace(string(line))
		return nil
	}
	k, v, ok := bytes.Cut(line, []byte{':'})
	if !ok || len(k) == 0 || bytes.ContainsAny(k, " \t") {
		return fmt.Errorf("%w: %q", ErrMalformedHeader, line)
	}
	key := textproto.CanonicalMIMEHeaderKey(string(k))
	p.fields[key] = append(p.fields[key], string(bytes.TrimSpace(v)))
	p.lastKey = key
	return nil
}

func (p *Parser) endOfHeader() error {
	h := p.head
	h.Header = p.fields
	code := h.StatusCode
	if code >= 100 && code < 200 && code != 101 {
		// interim response, the final one follows
		p.head = nil
		p.state = stateStatusLine
		return nil
	}
	if pr, ok := h.Header["Pragma"]; ok && len(pr) > 0 && pr[0] == "no-cache" {
		if _, presentcc := h.Header["Cache-Control"]; !presentcc {
			h.Header["Cache-Control"] = []string{"no-cache"}
		}
	}

	conn := strings.ToLower(strings.Join(h.Header["Connection"], ","))
	switch h.Version {
	case http.H11:
		p.keepAlive = !hasToken(conn, "close")
	default:
		p.keepAlive = hasToken(conn, "keep-alive")
	}
	if p.version == http.H10 && !hasToken(conn, "keep-alive") {
		p.keepAlive = false
	}

	cl, err := contentLength(h.Header["Content-Length"])
	if err != nil {
		return err
	}
	te := strings.ToLower(strings.Join(h.Header["Transfer-Encoding"], ","))
	isChunked := te != "" && lastToken(te) == "chunked"

	noBody := p.method == "HEAD" || code == 101 || code == 204 || code == 304 ||
		p.method == "CONNECT" && code/100 == 2
	if code == 101 {
		p.keepAlive = false
	}
	p.headSent = true
	switch {
	case noBody:
		if code == 204 || (code == 304 && cl == -1) {
			cl = 0
		}
		h.ContentLength = cl
		p.emit(transport.Event{Kind: transport.EventHead, Head: h})
		p.finish()
		return nil
	case isChunked:
		if cl != -1 {
			if p.strict {
				return ErrFramingConflict
			}
			p.emit(transport.Event{Kind: transport.EventWarning, Err: ErrFramingConflict})
			h.Header.Del("Content-Length")
		}
		h.ContentLength = -1
		p.emit(transport.Event{Kind: transport.EventHead, Head: h})
		p.state = stateChunkSize
	case te != "":
		// a transfer coding other than chunked as the last one means
		// the body is delimited by the connection closing
		h.ContentLength = -1
		p.keepAlive = false
		p.emit(transport.Event{Kind: transport.EventHead, Head: h})
		p.state = stateBodyEOF
	case cl >= 0:
		h.ContentLength = cl
		p.emit(transport.Event{Kind: transport.EventHead, Head: h})
		if cl == 0 {
			p.finish()
		} else {
			p.remaining = cl
			p.state = stateBodyLength
		}
	default:
		h.ContentLength = -1
		p.keepAlive = false
		p.emit(transport.Event{Kind: transport.EventHead, Head: h})
		p.state = stateBodyEOF
	}
	return nil
}

// contentLength dedups Content-Length values. Hardening against HTTP
// request smuggling, taken from standard library
func contentLength(vals []string) (int64, error) {
	if len(vals) == 0 {
		return -1, nil
	}
	// Per RFC 7230 Section 3.3.2
	first := textproto.TrimString(vals[0])
	for _, v := range vals[1:] {
		if first != textproto.TrimString(v) {
			return 0, fmt.Errorf("%w; got %q", ErrConflictingLength, vals)
		}
	}
	n, err := strconv.ParseUint(first, 10, 63)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadLength, first)
	}
	return int64(n), nil
}

func parseChunkSize(line []byte) (int64, error) {
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i] // chunk extensions are ignored
	}
	line = bytes.TrimRight(line, " \t")
	if len(line) == 0 {
		return 0, ErrMalformedChunk
	}
	if line = bytes.TrimLeft(line, "0"); len(line) >= 16 {
		return 0, ErrChunkTooLarge
	}
	var n int64
	for _, b := range line {
		switch {
		case '0' <= b && b <= '9':
			b = b - '0'
		case 'a' <= b && b <= 'f':
			b = b - 'a' + 10
		case 'A' <= b && b <= 'F':
			b = b - 'A' + 10
		default:
			return 0, ErrMalformedChunk
		}
		n <<= 4
		n |= int64(b)
	}
	return n, nil
}

func hasToken(list, token string) bool {
	for _, t := range strings.Split(list, ",") {
		if strings.TrimSpace(t) == token {
			return true
		}
	}
	return false
}

func lastToken(list string) string {
	i := strings.LastIndexByte(list, ',')
	return strings.TrimSpace(list[i+1:])
}
