package h2

import (
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// framerMixin owns the write side of the connection. Every write holds
// muWrite for a whole frame, or for a whole header block with its
// CONTINUATION frames. Reads happen on the consumer goroutine only.
type framerMixin struct {
	muWrite sync.Mutex
	framer  *http2.Framer
}

func (f *framerMixin) init(c *Controller) {
	framer := http2.NewFramer(c.Conn, c.Conn) // framer already has a layer of buffer
	framer.SetMaxReadFrameSize(c.selfSettings.MaxFrameSize())
	framer.ReadMetaHeaders = hpack.NewDecoder(c.selfSettings.GetSetting(http2.SettingHeaderTableSize), nil)
	framer.MaxHeaderListSize = c.selfSettings.MaxHeaderListSize()
	f.framer = framer
}

func (f *framerMixin) ReadFrame() (http2.Frame, error) {
	return f.framer.ReadFrame()
}

func (f *framerMixin) write(fn func(fr *http2.Framer) error) error {
	f.muWrite.Lock()
	defer f.muWrite.Unlock()
	return fn(f.framer)
}

// WriteHeaderBlock sends block as HEADERS followed by the CONTINUATION
// frames maxFrameSize calls for. No other frame goes out in between,
// RFC 9113 6.10.
func (f *framerMixin) WriteHeaderBlock(streamID uint32, block []byte, endStream bool, maxFrameSize int) error {
	// below code consults x/net/http2 func (cc *ClientConn) writeHeaders()
	return f.write(func(fr *http2.Framer) error {
		first := true
		for first || len(block) > 0 {
			chunk := block
			if len(chunk) > maxFrameSize {
				chunk = chunk[:maxFrameSize]
			}
			block = block[len(chunk):]
			endHeaders := len(block) == 0
			var err error
			if first {
				err = fr.WriteHeaders(http2.HeadersFrameParam{
					StreamID:      streamID,
					BlockFragment: chunk,
					EndStream:     endStream,
					EndHeaders:    endHeaders,
				})
				first = false
			} else {
				err = fr.WriteContinuation(streamID, endHeaders, chunk)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (f *framerMixin) WriteSettings(settings ...http2.Setting) error {
	return f.write(func(fr *http2.Framer) error { return fr.WriteSettings(settings...) })
}

func (f *framerMixin) WriteSettingsAck() error {
	return f.write(func(fr *http2.Framer) error { return fr.WriteSettingsAck() })
}

func (f *framerMixin) writeData(streamID uint32, endStream bool, data []byte) error {
	return f.write(func(fr *http2.Framer) error { return fr.WriteData(streamID, endStream, data) })
}

func (f *framerMixin) WritePing(ack bool, data [8]byte) error {
	return f.write(func(fr *http2.Framer) error { return fr.WritePing(ack, data) })
}

func (f *framerMixin) WriteRSTStream(streamID uint32, code http2.ErrCode) error {
	return f.write(func(fr *http2.Framer) error { return fr.WriteRSTStream(streamID, code) })
}

func (f *framerMixin) WriteGoAway(maxStreamID uint32, code http2.ErrCode, debugData []byte) error {
	return f.write(func(fr *http2.Framer) error { return fr.WriteGoAway(maxStreamID, code, debugData) })
}

func (f *framerMixin) WriteWindowUpdate(streamID, incr uint32) error {
	return f.write(func(fr *http2.Framer) error { return fr.WriteWindowUpdate(streamID, incr) })
}
