package sink

import (
	"bufio"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// maxFrameSize bounds a single length-prefixed frame read by FrameReader.
const maxFrameSize = 16 << 20

// frameWriter prefixes every write with its length as a QUIC varint so the
// receiver can recover the writer's output boundaries.
type frameWriter struct {
	w   io.Writer
	buf []byte
}

func (fw *frameWriter) Write(b []byte) (int, error) {
	fw.buf = quicvarint.Append(fw.buf[:0], uint64(len(b)))
	fw.buf = append(fw.buf, b...)
	if _, err := fw.w.Write(fw.buf); err != nil {
		return 0, err
	}
	return len(b), nil
}

// FrameReader reads a stream written through a framed sink. Read returns the
// payload bytes with the framing removed; Next returns one frame at a time.
type FrameReader struct {
	r    *bufio.Reader
	cur  []byte
	left []byte
}

// NewFrameReader returns a FrameReader reading from r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// Next returns the next frame. The slice is valid until the next call.
func (fr *FrameReader) Next() ([]byte, error) {
	n, err := quicvarint.Read(fr.r)
	if err != nil {
		return nil, err
	}
	if n > maxFrameSize {
		return nil, fmt.Errorf("sink: frame of %d bytes exceeds %d", n, maxFrameSize)
	}
	if uint64(cap(fr.cur)) < n {
		fr.cur = make([]byte, n)
	}
	fr.cur = fr.cur[:n]
	if _, err := io.ReadFull(fr.r, fr.cur); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return fr.cur, nil
}

// Read implements io.Reader over the concatenated frame payloads.
func (fr *FrameReader) Read(p []byte) (int, error) {
	for len(fr.left) == 0 {
		frame, err := fr.Next()
		if err != nil {
			return 0, err
		}
		fr.left = frame
	}
	n := copy(p, fr.left)
	fr.left = fr.left[n:]
	return n, nil
}
