package chunked

import (
	"io"
	"net/http"
	"strconv"
)

// NewWriter is taken from golang src/net/http/internal/chunked.go
func NewWriter(w io.Writer) *Writer {
	return &Writer{Wire: w}
}

type Writer struct {
	Wire io.Writer
	hdr  []byte
}

func (cw *Writer) Write(data []byte) (n int, err error) {

	// Don't send 0-length data. It looks like EOF for chunked encoding.
	if len(data) == 0 {
		return 0, nil
	}

	cw.hdr = strconv.AppendInt(cw.hdr[:0], int64(len(data)), 16)
	cw.hdr = append(cw.hdr, '\r', '\n')
	if _, err = cw.Wire.Write(cw.hdr); err != nil {
		return 0, err
	}
	if n, err = cw.Wire.Write(data); err != nil {
		return
	}
	if n != len(data) {
		err = io.ErrShortWrite
		return
	}
	if _, err = io.WriteString(cw.Wire, "\r\n"); err != nil {
		return
	}
	if f, ok := cw.Wire.(interface{ Flush() error }); ok {
		err = f.Flush()
	}
	return
}

// CloseWithTrailer writes the last chunk followed by trailer fields.
func (cw *Writer) CloseWithTrailer(trailer http.Header) error {
	if _, err := io.WriteString(cw.Wire, "0\r\n"); err != nil {
		return err
	}
	for k, vv := range trailer {
		for _, v := range vv {
			if _, err := io.WriteString(cw.Wire, k+": "+v+"\r\n"); err != nil {
				return err
			}
		}
	}
	_, err := io.WriteString(cw.Wire, "\r\n")
	return err
}
