package h2

import (
	"bytes"
	"errors"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

var ErrHeaderListTooLarge = errors.New("http2: request header list larger than peer's advertised limit")

type hpackMixin struct {
	hpEnc *hpack.Encoder

	wBuf *bytes.Buffer

	muWbuf                 sync.Mutex
	maxWriteHeaderListSize uint32
}

func (h *hpackMixin) init(c *Controller) {
	h.wBuf = &bytes.Buffer{}
	h.hpEnc = hpack.NewEncoder(h.wBuf)
	h.maxWriteHeaderListSize = c.peerSettings.GetSetting(http2.SettingMaxHeaderListSize)

	c.peerSettings.On(http2.SettingHeaderTableSize, func(value uint32) {
		h.muWbuf.Lock()
		h.hpEnc.SetMaxDynamicTableSizeLimit(value)
		h.muWbuf.Unlock()
	})
	c.peerSettings.On(http2.SettingMaxHeaderListSize, func(value uint32) {
		h.muWbuf.Lock()
		h.maxWriteHeaderListSize = value // this value is protected by lock, settings is not
		h.muWbuf.Unlock()
	})
}

// EncodeHeaders encodes HEADERS frame BlockFragment. The returned slice is
// only valid until the next call, callers write it out while holding the
// lock that orders HEADERS frames.
func (h *hpackMixin) EncodeHeaders(enumHeaders func(func(k, v string))) ([]byte, error) {
	h.muWbuf.Lock()
	defer h.muWbuf.Unlock()
	h.wBuf.Reset()

	total := uint64(0)
	enumHeaders(func(name, value string) {
		f := hpack.HeaderField{Name: name, Value: value}
		total += uint64(f.Size())
	})
	if total > uint64(h.maxWriteHeaderListSize) {
		return nil, ErrHeaderListTooLarge
	}
	enumHeaders(func(name, value string) {
		h.hpEnc.WriteField(hpack.HeaderField{Name: name, Value: value})
	})
	return h.wBuf.Bytes(), nil
}
