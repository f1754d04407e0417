// Package bitio reads and writes MSB-first bit fields over byte slices. On
// top of the fixed-width primitive it implements the variable-length integer
// codes used by video bitstreams (exponential-Golomb, SEI 0xFF-run coding) and
// by block-structured containers (EBML element IDs and sizes).
//
// Readers distinguish running out of input ([ErrNeedMore]) from input that
// can never be valid ([ErrMalformed]) so that streaming callers can tell
// "wait for more bytes" apart from "abandon this record".
package bitio

import (
	"errors"
	"fmt"
	"io"
	"math/bits"

	ibitio "github.com/icza/bitio"
)

// Sentinel errors returned by Reader methods, checked with errors.Is.
var (
	ErrNeedMore  = errors.New("bitio: need more input")
	ErrMalformed = errors.New("bitio: malformed input")
)

// maxGolombPrefix bounds the leading-zero run of an exp-Golomb code.
const maxGolombPrefix = 32

// source feeds bytes to the bit reader, optionally collapsing every
// 0x00 0x00 0x03 sequence to 0x00 0x00 (emulation prevention removal).
type source struct {
	data    []byte
	pos     int
	escape  bool
	zeros   int
	removed int
}

func (s *source) ReadByte() (byte, error) {
	if s.pos >= len(s.data) {
		return 0, io.EOF
	}
	b := s.data[s.pos]
	if s.escape && s.zeros >= 2 && b == 0x03 {
		s.pos++
		s.removed++
		s.zeros = 0
		if s.pos >= len(s.data) {
			return 0, io.EOF
		}
		b = s.data[s.pos]
	}
	s.pos++
	if b == 0 {
		s.zeros++
	} else {
		s.zeros = 0
	}
	return b, nil
}

func (s *source) Read(p []byte) (int, error) {
	for i := range p {
		b, err := s.ReadByte()
		if err != nil {
			if i == 0 {
				return 0, err
			}
			return i, nil
		}
		p[i] = b
	}
	return len(p), nil
}

// Reader reads bit fields from a byte slice.
type Reader struct {
	src  *source
	br   *ibitio.Reader
	read uint64
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithEscapeRemoval makes the reader drop the 0x03 of every 0x00 0x00 0x03
// sequence as bytes are consumed, as required for H.264/H.265 RBSP data.
func WithEscapeRemoval() ReaderOption {
	return func(r *Reader) {
		r.src.escape = true
	}
}

// NewReader creates a Reader over data.
func NewReader(data []byte, opts ...ReaderOption) *Reader {
	r := &Reader{src: &source{data: data}}
	for _, opt := range opts {
		opt(r)
	}
	r.br = ibitio.NewReader(r.src)
	return r
}

func needMore(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrNeedMore
	}
	return err
}

// ReadBits reads an n-bit unsigned value, 1 <= n <= 64.
func (r *Reader) ReadBits(n int) (uint64, error) {
	if n < 1 || n > 64 {
		return 0, fmt.Errorf("%w: bit width %d", ErrMalformed, n)
	}
	v, err := r.br.ReadBits(uint8(n))
	if err != nil {
		return 0, needMore(err)
	}
	r.read += uint64(n)
	return v, nil
}

// ReadBit reads a single bit.
func (r *Reader) ReadBit() (uint64, error) {
	return r.ReadBits(1)
}

// ReadFlag reads a single bit as a boolean.
func (r *Reader) ReadFlag() (bool, error) {
	v, err := r.ReadBits(1)
	return v == 1, err
}

// ReadBytes reads n whole bytes. The reader need not be byte aligned.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	out := make([]byte, n)
	for i := range out {
		v, err := r.ReadBits(8)
		if err != nil {
			return nil, err
		}
		out[i] = byte(v)
	}
	return out, nil
}

// Skip discards n bits.
func (r *Reader) Skip(n int) error {
	for n > 0 {
		step := n
		if step > 64 {
			step = 64
		}
		if _, err := r.ReadBits(step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// Align discards bits up to the next byte boundary.
func (r *Reader) Align() {
	r.read += uint64(r.br.Align())
}

// BitsRead returns the number of bits consumed so far, not counting removed
// escape bytes.
func (r *Reader) BitsRead() uint64 {
	return r.read
}

// EscapesRemoved returns how many 0x03 escape bytes were dropped.
func (r *Reader) EscapesRemoved() int {
	return r.src.removed
}

// ReadUE reads an unsigned exponential-Golomb code.
func (r *Reader) ReadUE() (uint64, error) {
	zeros := 0
	for {
		b, err := r.ReadBit()
		if err != nil {
			return 0, err
		}
		if b == 1 {
			break
		}
		zeros++
		if zeros > maxGolombPrefix {
			return 0, fmt.Errorf("%w: exp-Golomb prefix longer than %d bits", ErrMalformed, maxGolombPrefix)
		}
	}
	if zeros == 0 {
		return 0, nil
	}
	suffix, err := r.ReadBits(zeros)
	if err != nil {
		return 0, err
	}
	return (1 << zeros) - 1 + suffix, nil
}

// ReadSE reads a signed exponential-Golomb code.
func (r *Reader) ReadSE() (int64, error) {
	v, err := r.ReadUE()
	if err != nil {
		return 0, err
	}
	if v%2 == 0 {
		return -int64(v / 2), nil
	}
	return int64((v + 1) / 2), nil
}

// ReadVint reads an EBML variable-length size: 1 to 8 bytes, the count given
// by the leading zero bits of the first byte, with the length marker masked
// off the returned value.
func (r *Reader) ReadVint() (uint64, error) {
	v, _, err := r.readVint(false)
	return v, err
}

// ReadElementID reads an EBML element ID, which uses the vint length prefix
// but keeps the marker bit as part of the value.
func (r *Reader) ReadElementID() (uint64, error) {
	v, _, err := r.readVint(true)
	return v, err
}

func (r *Reader) readVint(keepMarker bool) (uint64, int, error) {
	first, err := r.ReadBits(8)
	if err != nil {
		return 0, 0, err
	}
	if first == 0 {
		return 0, 0, fmt.Errorf("%w: vint length prefix exceeds 8 bytes", ErrMalformed)
	}
	length := bits.LeadingZeros8(uint8(first)) + 1
	v := first
	if !keepMarker {
		v &^= 0x80 >> (length - 1)
	}
	for i := 1; i < length; i++ {
		b, err := r.ReadBits(8)
		if err != nil {
			return 0, 0, err
		}
		v = v<<8 | b
	}
	return v, length, nil
}

// ReadFFCoded reads a value coded as a run of 0xFF bytes followed by a
// terminating byte, each contributing its value to the sum (SEI payload
// type and size coding).
func (r *Reader) ReadFFCoded() (uint64, error) {
	var v uint64
	for {
		b, err := r.ReadBits(8)
		if err != nil {
			return 0, err
		}
		v += b
		if b != 0xFF {
			return v, nil
		}
	}
}

// BytesLeft returns the number of input bytes not yet fetched. A partially
// consumed byte is not counted.
func (r *Reader) BytesLeft() int {
	return len(r.src.data) - r.src.pos
}
