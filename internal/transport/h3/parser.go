package h3

import (
	"io"
	"strconv"

	"github.com/quic-go/qpack"

	"github.com/frankli0324/rq/internal/http"
	"github.com/frankli0324/rq/internal/transport"
)

type state uint8

const (
	stateFrameHeader state = iota
	stateHeaders
	stateData
	stateSkip
	stateDone
)

// Parser decodes the frames of one request stream carrying a response:
// interim HEADERS, the final HEADERS, DATA and optional trailing HEADERS.
// Unknown frame types are skipped. Like the HTTP/1 parser it keeps the
// unconsumed input, so the stream may be fed in arbitrary pieces.
type Parser struct {
	method  string
	maxHead uint64
	dec     *qpack.Decoder

	state  state
	buf    []byte
	off    int
	events []transport.Event

	typ       uint64
	remaining uint64
	head      *transport.Head
	received  int64
	trailer   bool
}

// NewParser returns a parser for the response to a request sent with
// method. Field sections larger than maxFieldSection are rejected.
func NewParser(method string, maxFieldSection uint64) *Parser {
	return &Parser{method: method, maxHead: maxFieldSection, dec: qpack.NewDecoder(nil)}
}

func (p *Parser) Done() bool { return p.state == stateDone }

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

// EOF ends the stream. The response is complete only if the final head
// was seen and no frame was cut short.
func (p *Parser) EOF() ([]transport.Event, error) {
	p.events = p.events[:0]
	if p.state == stateDone {
		return p.events, nil
	}
	if p.state != stateFrameHeader || p.off != len(p.buf) || p.head == nil {
		return p.events, io.ErrUnexpectedEOF
	}
	if cl := p.head.ContentLength; cl >= 0 && p.received != cl && !p.bodyless() {
		return p.events, frameErr(ErrCodeMessageError, "content-length %d, received %d", cl, p.received)
	}
	p.state = stateDone
	p.emit(transport.Event{Kind: transport.EventEnd})
	return p.events, nil
}

func (p *Parser) bodyless() bool {
	code := p.head.StatusCode
	return p.method == "HEAD" || code == 204 || code == 304 ||
		(p.method == "CONNECT" && code/100 == 2)
}

func (p *Parser) step() (bool, error) {
	avail := p.buf[p.off:]
	switch p.state {
	case stateFrameHeader:
		typ, n, ok := peekVarint(avail)
		if !ok {
			return false, nil
		}
		length, m, ok := peekVarint(avail[n:])
		if !ok {
			return false, nil
		}
		p.off += n + m
		p.typ, p.remaining = typ, length
		return true, p.enterFrame()

	case stateHeaders:
		if uint64(len(avail)) < p.remaining {
			return false, nil
		}
		block := avail[:p.remaining]
		p.off += int(p.remaining)
		p.state = stateFrameHeader
		return true, p.fieldSection(block)

	case stateData:
		if p.remaining == 0 {
			p.state = stateFrameHeader
			return true, nil
		}
		if len(avail) == 0 {
			return false, nil
		}
		n := uint64(len(avail))
		if n > p.remaining {
			n = p.remaining
		}
		p.emit(transport.Event{Kind: transport.EventData, Data: avail[:n]})
		p.off += int(n)
		p.remaining -= n
		p.received += int64(n)
		if cl := p.head.ContentLength; cl >= 0 && p.received > cl {
			return false, frameErr(ErrCodeMessageError, "body exceeds content-length %d", cl)
		}
		return true, nil

	case stateSkip:
		if p.remaining == 0 {
			p.state = stateFrameHeader
			return true, nil
		}
		if len(avail) == 0 {
			return false, nil
		}
		n := uint64(len(avail))
		if n > p.remaining {
			n = p.remaining
		}
		p.off += int(n)
		p.remaining -= n
		return true, nil

	case stateDone:
		if len(avail) > 0 {
			return false, frameErr(ErrCodeFrameUnexpected, "data after end of stream")
		}
	}
	return false, nil
}

func (p *Parser) enterFrame() error {
	switch {
	case p.typ == frameHeaders:
		if p.remaining > p.maxHead {
			return frameErr(ErrCodeExcessiveLoad, "field section of %d bytes", p.remaining)
		}
		if p.trailer {
			return frameErr(ErrCodeFrameUnexpected, "HEADERS after trailers")
		}
		p.state = stateHeaders
	case p.typ == frameData:
		if p.head == nil {
			return frameErr(ErrCodeFrameUnexpected, "DATA before HEADERS")
		}
		if p.trailer {
			return frameErr(ErrCodeFrameUnexpected, "DATA after trailers")
		}
		if p.remaining > 0 && p.bodyless() {
			return frameErr(ErrCodeMessageError, "DATA on a response without body")
		}
		p.state = stateData
	case p.typ == frameSettings, p.typ == frameGoAway, p.typ == frameMaxPushID,
		p.typ == frameCancelPush, p.typ == framePushPromise, reservedH2Frame(p.typ):
		return frameErr(ErrCodeFrameUnexpected, "frame %#x on request stream", p.typ)
	default:
		p.state = stateSkip
	}
	return nil
}

func (p *Parser) fieldSection(block []byte) error {
	fields, err := p.dec.DecodeFull(block)
	if err != nil {
		return frameErr(ErrCodeGeneralProtocol, "qpack: %v", err)
	}
	if p.head != nil {
		p.trailer = true
		for _, f := range fields {
			if isPseudo(f.Name) {
				return frameErr(ErrCodeMessageError, "pseudo-header %s in trailers", f.Name)
			}
		}
		p.emit(transport.Event{Kind: transport.EventTrailer, Trailer: transport.FieldsHeader(regular(fields))})
		return nil
	}

	status := ""
	for _, f := range fields {
		if !isPseudo(f.Name) {
			continue
		}
		if f.Name != ":status" || status != "" {
			return frameErr(ErrCodeMessageError, "unexpected pseudo-header %s", f.Name)
		}
		status = f.Value
	}
	code, err := strconv.Atoi(status)
	if err != nil || len(status) != 3 || code < 100 {
		return frameErr(ErrCodeMessageError, "malformed :status %q", status)
	}
	if code < 200 {
		// interim responses carry no body and precede the final one
		return nil
	}
	p.head = transport.ResponseHead(http.H3, code, regular(fields))
	p.emit(transport.Event{Kind: transport.EventHead, Head: p.head})
	return nil
}

func regular(fields []qpack.HeaderField) func(func(k, v string)) {
	return func(f func(k, v string)) {
		for _, hf := range fields {
			if !isPseudo(hf.Name) {
				f(hf.Name, hf.Value)
			}
		}
	}
}

func isPseudo(name string) bool {
	return len(name) > 0 && name[0] == ':'
}
