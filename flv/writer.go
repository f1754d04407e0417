package flv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zsiec/avmux/media"
)

// WriterConfig configures a Writer.
type WriterConfig struct {
	HasVideo bool
	HasAudio bool
	// Metadata, when non-nil, is written as an onMetaData tag after the
	// file header.
	Metadata Metadata
	Logger   *slog.Logger
}

// DefaultWriterConfig returns a configuration announcing video and audio.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{HasVideo: true, HasAudio: true}
}

// Writer serializes frames as FLV tags. Frame timestamps are converted to
// milliseconds; H.264 frames must carry 4-byte length-prefixed NAL units.
//
// A Writer is not safe for concurrent use.
type Writer struct {
	cfg         WriterConfig
	sink        media.ByteSink
	log         *slog.Logger
	wroteHeader bool
	buf         []byte
	tags        uint64
}

// NewWriter creates a Writer emitting to sink. The file header is written
// with the first tag.
func NewWriter(sink media.ByteSink, cfg WriterConfig) (*Writer, error) {
	if sink == nil {
		return nil, errors.New("flv: nil sink")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Writer{cfg: cfg, sink: sink, log: log.With("component", "flv-writer")}, nil
}

// Tags returns the number of tags written.
func (w *Writer) Tags() uint64 { return w.tags }

func (w *Writer) header() error {
	if w.wroteHeader {
		return nil
	}
	w.wroteHeader = true
	w.buf = Header{Version: 1, HasVideo: w.cfg.HasVideo, HasAudio: w.cfg.HasAudio}.AppendTo(w.buf[:0])
	w.buf = binary.BigEndian.AppendUint32(w.buf, 0) // PreviousTagSize0
	if w.cfg.Metadata != nil {
		body, err := EncodeScriptData(w.cfg.Metadata)
		if err != nil {
			return err
		}
		w.buf = appendTag(w.buf, TagScript, 0, body)
		w.tags++
	}
	return w.emit()
}

// WriteMetadata writes an onMetaData tag.
func (w *Writer) WriteMetadata(m Metadata) error {
	if err := w.header(); err != nil {
		return err
	}
	body, err := EncodeScriptData(m)
	if err != nil {
		return err
	}
	w.buf = appendTag(w.buf[:0], TagScript, 0, body)
	w.tags++
	return w.emit()
}

// WriteFrame writes f as one tag.
func (w *Writer) WriteFrame(f *media.Frame) error {
	if err := w.header(); err != nil {
		return err
	}
	pts, dts := f.Rescaled(media.Millisecond)
	ts := uint32(max(dts, 0))

	var tagType uint8
	var prefix [5]byte
	n := 0
	switch f.Kind {
	case media.KindH264Config:
		tagType = TagVideo
		prefix = [5]byte{frameTypeKey<<4 | codecAVC, avcSequenceHeader}
		n = 5
	case media.KindH264Key, media.KindH264Delta:
		tagType = TagVideo
		frameType := byte(frameTypeInter)
		if f.Kind == media.KindH264Key {
			frameType = frameTypeKey
		}
		cts := uint32(pts - dts)
		prefix = [5]byte{frameType<<4 | codecAVC, avcNALU, byte(cts >> 16), byte(cts >> 8), byte(cts)}
		n = 5
	case media.KindAACConfig, media.KindAACRaw:
		tagType = TagAudio
		// AAC is always signalled as 44 kHz, 16-bit, stereo
		prefix = [5]byte{soundFormatAAC<<4 | 0x0F, aacRaw}
		if f.Kind == media.KindAACConfig {
			prefix[1] = aacSequenceHeader
		}
		n = 2
	case media.KindMP3:
		tagType = TagAudio
		prefix[0] = soundFormatMP3<<4 | 0x0F
		n = 1
	case media.KindPCM:
		tagType = TagAudio
		prefix[0] = soundFormatPCMLE<<4 | 0x0F
		n = 1
	case media.KindScript:
		tagType = TagScript
	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, f.Kind)
	}

	size := n + len(f.Data)
	if size > maxDataSize {
		return fmt.Errorf("flv: %s frame of %d bytes exceeds tag size", f.Kind, len(f.Data))
	}
	w.buf = TagHeader{Type: tagType, DataSize: uint32(size), Timestamp: ts}.AppendTo(w.buf[:0])
	w.buf = append(w.buf, prefix[:n]...)
	w.buf = append(w.buf, f.Data...)
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(size+TagHeaderSize))
	w.tags++
	return w.emit()
}

// Flush writes the file header if nothing has been written yet.
func (w *Writer) Flush() error {
	return w.header()
}

func appendTag(dst []byte, tagType uint8, ts uint32, body []byte) []byte {
	dst = TagHeader{Type: tagType, DataSize: uint32(len(body)), Timestamp: ts}.AppendTo(dst)
	dst = append(dst, body...)
	return binary.BigEndian.AppendUint32(dst, uint32(len(body)+TagHeaderSize))
}

func (w *Writer) emit() error {
	if len(w.buf) == 0 {
		return nil
	}
	ok := w.sink(w.buf)
	w.buf = w.buf[:0]
	if !ok {
		return ErrAborted
	}
	return nil
}
