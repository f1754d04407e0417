package flv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zsiec/avmux/buffer"
	"github.com/zsiec/avmux/media"
)

type phase uint8

const (
	phaseHeader phase = iota
	phaseTag
)

// Stats counts reader events.
type Stats struct {
	Tags   uint64
	Frames uint64
	Bytes  uint64
	// BadTrailers counts tags whose PreviousTagSize does not match.
	BadTrailers uint64
}

// Reader parses an FLV byte stream fed in arbitrary pieces.
//
// A Reader is not safe for concurrent use.
type Reader struct {
	log   *slog.Logger
	buf   *buffer.Buffer
	phase phase
	err   error

	header    Header
	hasHeader bool
	meta      Metadata
	dec       *TagDecoder
	stats     Stats
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithLogger sets the reader's logger. The default is slog.Default().
func WithLogger(log *slog.Logger) ReaderOption {
	return func(r *Reader) {
		r.log = log
	}
}

// NewReader creates an FLV reader expecting the file header first.
func NewReader(opts ...ReaderOption) *Reader {
	r := &Reader{
		log: slog.Default(),
		buf: buffer.New(64 << 10),
		dec: NewTagDecoder(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "flv-reader")
	return r
}

// Header returns the file header once it has been parsed.
func (r *Reader) Header() (Header, bool) { return r.header, r.hasHeader }

// Metadata returns the properties of the last onMetaData tag, or nil.
func (r *Reader) Metadata() Metadata { return r.meta }

// Stats returns a snapshot of the reader counters.
func (r *Reader) Stats() Stats { return r.stats }

// Buffered returns the number of bytes waiting for a complete tag.
func (r *Reader) Buffered() int { return r.buf.Len() }

// Reset discards buffered input and any failure and expects a new file
// header.
func (r *Reader) Reset() {
	r.buf.Reset()
	r.phase = phaseHeader
	r.err = nil
	r.header, r.hasHeader = Header{}, false
	r.meta = nil
	r.dec.Reset()
}

// Feed consumes p and delivers every frame completed by it. Incomplete input
// is kept until the next call. Malformed input fails the reader until Reset;
// a callback returning false yields ErrAborted with the tag consumed.
func (r *Reader) Feed(p []byte, fn media.FrameFunc) error {
	if r.err != nil {
		return r.err
	}
	r.buf.Append(p)
	r.stats.Bytes += uint64(len(p))
	defer r.buf.Compact()

	for {
		b := r.buf.Bytes()
		switch r.phase {
		case phaseHeader:
			if len(b) < HeaderSize {
				return nil
			}
			h, err := ParseHeader(b)
			if err != nil {
				return r.fail(err)
			}
			skip := int(h.DataOffset) + prevTagSizeLen
			if len(b) < skip {
				return nil
			}
			if prev := binary.BigEndian.Uint32(b[h.DataOffset:]); prev != 0 {
				r.log.Debug("non-zero PreviousTagSize0", "value", prev)
			}
			_ = r.buf.MarkAsRead(skip)
			r.header, r.hasHeader = h, true
			r.phase = phaseTag
			r.log.Debug("header parsed", "video", h.HasVideo, "audio", h.HasAudio)

		case phaseTag:
			if len(b) < TagHeaderSize {
				return nil
			}
			th, err := ParseTagHeader(b)
			if err != nil {
				return r.fail(err)
			}
			if th.Filter {
				return r.fail(fmt.Errorf("%w: encrypted tag at %d", ErrMalformed, r.stats.Tags))
			}
			total := TagHeaderSize + int(th.DataSize) + prevTagSizeLen
			if len(b) < total {
				return nil
			}
			if prev := binary.BigEndian.Uint32(b[total-prevTagSizeLen:]); prev != th.DataSize+TagHeaderSize {
				r.stats.BadTrailers++
				r.log.Debug("PreviousTagSize mismatch", "tag", r.stats.Tags,
					"value", prev, "want", th.DataSize+TagHeaderSize, "count", r.stats.BadTrailers)
			}
			body := b[TagHeaderSize : TagHeaderSize+int(th.DataSize)]
			_ = r.buf.MarkAsRead(total)
			r.stats.Tags++
			if err := r.handleTag(th, body, fn); err != nil {
				return err
			}
		}
	}
}

func (r *Reader) handleTag(th TagHeader, body []byte, fn media.FrameFunc) error {
	if th.Type == TagScript {
		name, meta, err := DecodeScriptData(body)
		switch {
		case err != nil:
			r.log.Warn("undecodable script tag", "error", err)
		case meta != nil:
			r.meta = meta
			r.log.Debug("metadata", "handler", name, "properties", len(meta))
		}
	}
	err := r.dec.Decode(th, body, func(f *media.Frame) bool {
		r.stats.Frames++
		return fn(f)
	})
	if err != nil && !errors.Is(err, ErrAborted) {
		return r.fail(err)
	}
	return err
}

func (r *Reader) fail(err error) error {
	r.err = err
	r.log.Debug("stream failed", "error", err, "tags", r.stats.Tags)
	return err
}
