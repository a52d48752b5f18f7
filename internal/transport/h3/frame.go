package h3

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// frame types, RFC 9114 7.2
const (
	frameData        uint64 = 0x0
	frameHeaders     uint64 = 0x1
	frameCancelPush  uint64 = 0x3
	frameSettings    uint64 = 0x4
	framePushPromise uint64 = 0x5
	frameGoAway      uint64 = 0x7
	frameMaxPushID   uint64 = 0xd
)

// unidirectional stream types, RFC 9114 6.2 and RFC 9204 4.2
const (
	streamControl      uint64 = 0x00
	streamPush         uint64 = 0x01
	streamQPACKEncoder uint64 = 0x02
	streamQPACKDecoder uint64 = 0x03
)

// SETTINGS identifiers
const (
	settingQPACKMaxTableCapacity uint64 = 0x1
	settingMaxFieldSectionSize   uint64 = 0x6
	settingQPACKBlockedStreams   uint64 = 0x7
)

type ErrCode uint64

// application error codes, RFC 9114 8.1
const (
	ErrCodeNoError              ErrCode = 0x100
	ErrCodeGeneralProtocol      ErrCode = 0x101
	ErrCodeInternal             ErrCode = 0x102
	ErrCodeStreamCreation       ErrCode = 0x103
	ErrCodeClosedCriticalStream ErrCode = 0x104
	ErrCodeFrameUnexpected      ErrCode = 0x105
	ErrCodeFrameError           ErrCode = 0x106
	ErrCodeExcessiveLoad        ErrCode = 0x107
	ErrCodeIDError              ErrCode = 0x108
	ErrCodeSettingsError        ErrCode = 0x109
	ErrCodeMissingSettings      ErrCode = 0x10a
	ErrCodeRequestRejected      ErrCode = 0x10b
	ErrCodeRequestCancelled     ErrCode = 0x10c
	ErrCodeRequestIncomplete    ErrCode = 0x10d
	ErrCodeMessageError         ErrCode = 0x10e
)

var codeNames = map[ErrCode]string{
	ErrCodeNoError:              "H3_NO_ERROR",
	ErrCodeGeneralProtocol:      "H3_GENERAL_PROTOCOL_ERROR",
	ErrCodeInternal:             "H3_INTERNAL_ERROR",
	ErrCodeStreamCreation:       "H3_STREAM_CREATION_ERROR",
	ErrCodeClosedCriticalStream: "H3_CLOSED_CRITICAL_STREAM",
	ErrCodeFrameUnexpected:      "H3_FRAME_UNEXPECTED",
	ErrCodeFrameError:           "H3_FRAME_ERROR",
	ErrCodeExcessiveLoad:        "H3_EXCESSIVE_LOAD",
	ErrCodeIDError:              "H3_ID_ERROR",
	ErrCodeSettingsError:        "H3_SETTINGS_ERROR",
	ErrCodeMissingSettings:      "H3_MISSING_SETTINGS",
	ErrCodeRequestRejected:      "H3_REQUEST_REJECTED",
	ErrCodeRequestCancelled:     "H3_REQUEST_CANCELLED",
	ErrCodeRequestIncomplete:    "H3_REQUEST_INCOMPLETE",
	ErrCodeMessageError:         "H3_MESSAGE_ERROR",
}

func (c ErrCode) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("H3_ERROR(%#x)", uint64(c))
}

// FrameError is a violation of the framing layer, Code is what goes on
// the wire when the stream or connection is aborted.
type FrameError struct {
	Code ErrCode
	Msg  string
}

func (e *FrameError) Error() string { return e.Code.String() + ": " + e.Msg }

func frameErr(code ErrCode, format string, args ...interface{}) error {
	return &FrameError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// codeOf picks the wire code for err, H3_GENERAL_PROTOCOL_ERROR when err
// carries none.
func codeOf(err error) ErrCode {
	var fe *FrameError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ErrCodeGeneralProtocol
}

// maxControlFrame bounds frames read off the control stream
const maxControlFrame = 16 << 10

func appendFrame(b []byte, typ uint64, payload []byte) []byte {
	b = quicvarint.Append(b, typ)
	b = quicvarint.Append(b, uint64(len(payload)))
	return append(b, payload...)
}

func appendFrameHeader(b []byte, typ uint64, length uint64) []byte {
	b = quicvarint.Append(b, typ)
	return quicvarint.Append(b, length)
}

// peekVarint decodes the varint at the start of p, ok is false while the
// encoding is still incomplete.
func peekVarint(p []byte) (v uint64, n int, ok bool) {
	if len(p) == 0 {
		return 0, 0, false
	}
	n = 1 << (p[0] >> 6)
	if len(p) < n {
		return 0, 0, false
	}
	v, err := quicvarint.Read(bytes.NewReader(p[:n]))
	if err != nil {
		return 0, 0, false
	}
	return v, n, true
}

type settings map[uint64]uint64

func (s settings) append(b []byte) []byte {
	var payload []byte
	// the order is irrelevant, keep it stable for the wire anyway
	for _, id := range []uint64{settingQPACKMaxTableCapacity, settingMaxFieldSectionSize, settingQPACKBlockedStreams} {
		if v, ok := s[id]; ok {
			payload = quicvarint.Append(payload, id)
			payload = quicvarint.Append(payload, v)
		}
	}
	return appendFrame(b, frameSettings, payload)
}

func parseSettings(payload []byte) (settings, error) {
	s := settings{}
	r := bytes.NewReader(payload)
	for r.Len() > 0 {
		id, err := quicvarint.Read(r)
		if err != nil {
			return nil, frameErr(ErrCodeFrameError, "truncated SETTINGS")
		}
		v, err := quicvarint.Read(r)
		if err != nil {
			return nil, frameErr(ErrCodeFrameError, "truncated SETTINGS")
		}
		if _, dup := s[id]; dup {
			return nil, frameErr(ErrCodeSettingsError, "duplicate setting %#x", id)
		}
		// HTTP/2 setting identifiers are reserved, RFC 9114 7.2.4.1
		if id >= 0x2 && id <= 0x5 {
			return nil, frameErr(ErrCodeSettingsError, "reserved setting %#x", id)
		}
		s[id] = v
	}
	return s, nil
}

// readFrame reads one whole frame, payloads over max are rejected.
func readFrame(r quicvarint.Reader, max uint64) (typ uint64, payload []byte, err error) {
	if typ, err = quicvarint.Read(r); err != nil {
		return 0, nil, err
	}
	length, err := quicvarint.Read(r)
	if err != nil {
		return 0, nil, noEOF(err)
	}
	if length > max {
		return 0, nil, frameErr(ErrCodeExcessiveLoad, "frame %#x of %d bytes", typ, length)
	}
	payload = make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, noEOF(err)
	}
	return typ, payload, nil
}

func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// reservedH2Frame reports frame types carried over from HTTP/2 that must
// not appear in HTTP/3, RFC 9114 7.2.8
func reservedH2Frame(typ uint64) bool {
	switch typ {
	case 0x2, 0x6, 0x8, 0x9:
		return true
	}
	return false
}
