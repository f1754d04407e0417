// Package container holds single container records (one FLV tag, one PES
// unit, one Matroska SimpleBlock, one MP3 frame, one MP4 sample, one RIFF
// data chunk) and extracts the frames they carry. Streaming parsers for
// whole files live in the flv and mpegts packages.
package container

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/zsiec/avmux/media"
)

// Kind identifies the container format of a record.
type Kind uint8

const (
	KindUnknown Kind = iota
	FLV
	MKV
	MP3
	MP4
	MPEGTS
	RIFF
	WAV
)

var kindNames = [...]string{
	KindUnknown: "unknown",
	FLV:         "flv",
	MKV:         "mkv",
	MP3:         "mp3",
	MP4:         "mp4",
	MPEGTS:      "mpegts",
	RIFF:        "riff",
	WAV:         "wav",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind maps a format name ("flv", "ts", "mpegts", ...) to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "ts", "m2ts":
		return MPEGTS, nil
	case "matroska", "webm":
		return MKV, nil
	}
	for k, name := range kindNames {
		if name == s && Kind(k) != KindUnknown {
			return Kind(k), nil
		}
	}
	return KindUnknown, fmt.Errorf("%w: %q", ErrUnsupportedKind, s)
}

// Ownership says whether a Container owns its payload.
type Ownership uint8

const (
	// Borrow stores the caller's slice; it must stay valid while in use.
	Borrow Ownership = iota
	// Copy copies the payload into a buffer owned by the Container.
	Copy
)

var (
	ErrUnsupportedKind = errors.New("container: unsupported kind")
	ErrMalformed       = errors.New("container: malformed record")
	ErrAborted         = errors.New("container: aborted by callback")
)

// Container is one record of some container format plus the context needed
// to turn it into frames.
type Container struct {
	Kind     Kind
	Data     []byte
	Mode     Ownership
	PTS      int64
	Timebase media.Timebase

	// Track is the track index given to extracted frames (MPEG-TS, MP4;
	// Matroska uses the block's track number).
	Track int
	// StreamType is the PMT stream type of an MPEG-TS PES unit.
	StreamType uint8
	// FrameKind is the codec of MKV and MP4 records. KindH264Key or
	// KindH264Delta selects key/delta detection; zero means H.264.
	FrameKind media.Kind
}

// Make fills prev (or a new Container if prev is nil) with a record. In Copy
// mode prev's buffer is reused when prev owns one large enough; in Borrow
// mode data is stored as is. Track, StreamType and FrameKind are cleared.
func Make(prev *Container, kind Kind, data []byte, mode Ownership, pts int64, tb media.Timebase) *Container {
	c := prev
	if c == nil {
		c = &Container{}
	}
	buf := data
	if mode == Copy {
		var reuse []byte
		if c.Mode == Copy && cap(c.Data) >= len(data) {
			reuse = c.Data[:0]
		}
		buf = append(reuse, data...)
	}
	*c = Container{Kind: kind, Data: buf, Mode: mode, PTS: pts, Timebase: tb}
	return c
}

// Close releases the payload of a copy-owning container. Borrowed data is
// left to its owner.
func Close(c *Container) {
	if c == nil {
		return
	}
	if c.Mode == Copy {
		c.Data = nil
	}
	c.Kind = KindUnknown
}

// Frames delivers the frames carried by c. It returns ErrUnsupportedKind
// for kinds without frame extraction and wraps ErrMalformed for records
// that cannot be decoded.
func Frames(c *Container, fn media.FrameFunc) error {
	switch c.Kind {
	case FLV:
		return flvFrames(c, fn)
	case MPEGTS:
		return tsFrames(c, fn)
	case MKV:
		return mkvFrames(c, fn)
	case MP3:
		return mp3Frames(c, fn)
	case MP4:
		return mp4Frames(c, fn)
	case RIFF, WAV:
		return riffFrames(c, fn)
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedKind, c.Kind)
}

// Detect guesses the container format from the first bytes of a stream.
func Detect(b []byte) Kind {
	switch {
	case bytes.HasPrefix(b, []byte("FLV")):
		return FLV
	case len(b) >= 12 && bytes.Equal(b[:4], []byte("RIFF")) && bytes.Equal(b[8:12], []byte("WAVE")):
		return WAV
	case bytes.HasPrefix(b, []byte("RIFF")):
		return RIFF
	case bytes.HasPrefix(b, []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return MKV
	case len(b) >= 8 && bytes.Equal(b[4:8], []byte("ftyp")):
		return MP4
	case len(b) > 0 && b[0] == 0x47 && (len(b) <= 188 || b[188] == 0x47):
		return MPEGTS
	case bytes.HasPrefix(b, []byte("ID3")):
		return MP3
	case len(b) >= 4:
		if _, err := mp3FrameLength(b); err == nil {
			return MP3
		}
	}
	return KindUnknown
}

func deliver(f *media.Frame, fn media.FrameFunc) error {
	if !fn(f) {
		return ErrAborted
	}
	return nil
}
