package bitio

import (
	"bytes"
	"errors"
	"fmt"
	"math/bits"

	ibitio "github.com/icza/bitio"
)

// ErrOutOfRange is returned when a value cannot be represented by the
// requested encoding.
var ErrOutOfRange = errors.New("bitio: value out of range")

// maxVint is the largest size an 8-byte EBML vint can carry; the all-ones
// pattern is reserved for "unknown size".
const maxVint = 1<<56 - 2

// Writer accumulates bit fields into an in-memory buffer.
type Writer struct {
	buf     bytes.Buffer
	bw      *ibitio.Writer
	written uint64
}

// NewWriter creates an empty Writer.
func NewWriter() *Writer {
	w := &Writer{}
	w.bw = ibitio.NewWriter(&w.buf)
	return w
}

// WriteBits writes the n lowest bits of v, 1 <= n <= 64.
func (w *Writer) WriteBits(v uint64, n int) error {
	if n < 1 || n > 64 {
		return fmt.Errorf("%w: bit width %d", ErrOutOfRange, n)
	}
	if n < 64 {
		v &= 1<<uint(n) - 1
	}
	if err := w.bw.WriteBits(v, uint8(n)); err != nil {
		return err
	}
	w.written += uint64(n)
	return nil
}

// WriteFlag writes one bit.
func (w *Writer) WriteFlag(b bool) error {
	if b {
		return w.WriteBits(1, 1)
	}
	return w.WriteBits(0, 1)
}

// WriteUE writes an unsigned exponential-Golomb code.
func (w *Writer) WriteUE(v uint64) error {
	if v >= 1<<maxGolombPrefix {
		return fmt.Errorf("%w: exp-Golomb value %d", ErrOutOfRange, v)
	}
	n := bits.Len64(v + 1)
	if n > 1 {
		if err := w.WriteBits(0, n-1); err != nil {
			return err
		}
	}
	return w.WriteBits(v+1, n)
}

// WriteSE writes a signed exponential-Golomb code.
func (w *Writer) WriteSE(v int64) error {
	if v > 0 {
		return w.WriteUE(uint64(v)*2 - 1)
	}
	return w.WriteUE(uint64(-v) * 2)
}

// WriteVint writes v as an EBML vint using the shortest encoding.
func (w *Writer) WriteVint(v uint64) error {
	if v > maxVint {
		return fmt.Errorf("%w: vint value %d", ErrOutOfRange, v)
	}
	length := 1
	for ; length < 8; length++ {
		if v < 1<<(7*uint(length))-1 {
			break
		}
	}
	marked := v | 1<<(7*uint(length))
	return w.WriteBits(marked, 8*length)
}

// WriteFFCoded writes v as a run of 0xFF bytes and a terminating byte.
func (w *Writer) WriteFFCoded(v uint64) error {
	for v >= 0xFF {
		if err := w.WriteBits(0xFF, 8); err != nil {
			return err
		}
		v -= 0xFF
	}
	return w.WriteBits(v, 8)
}

// Align pads with zero bits up to the next byte boundary.
func (w *Writer) Align() error {
	skipped, err := w.bw.Align()
	w.written += uint64(skipped)
	return err
}

// BitsWritten returns the number of bits written, including padding.
func (w *Writer) BitsWritten() uint64 {
	return w.written
}

// Bytes pads the stream to a byte boundary and returns the encoded bytes.
// The slice aliases the writer's buffer.
func (w *Writer) Bytes() []byte {
	if w.written%8 != 0 {
		_ = w.Align()
	}
	return w.buf.Bytes()
}
