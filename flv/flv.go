// Package flv reads and writes Flash Video streams. The Reader parses a
// byte stream fed in arbitrary pieces and delivers media.Frame values with
// H.264 in 4-byte AVCC form and AAC as raw frames; the Writer serializes
// frames back into tags. onMetaData script tags are AMF0 encoded.
package flv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the size of the file header, without PreviousTagSize0.
	HeaderSize = 9
	// TagHeaderSize is the size of a tag header.
	TagHeaderSize = 11

	prevTagSizeLen = 4
	maxDataSize    = 1<<24 - 1
)

// Tag types.
const (
	TagAudio  = 8
	TagVideo  = 9
	TagScript = 18
)

// Track indices assigned to frames read from FLV.
const (
	TrackVideo = 0
	TrackAudio = 1
)

// Video tag fields.
const (
	frameTypeKey   = 1
	frameTypeInter = 2
	codecAVC       = 7

	avcSequenceHeader = 0
	avcNALU           = 1
	avcEndOfSequence  = 2
)

// Audio tag fields.
const (
	soundFormatPCMPlatform = 0
	soundFormatMP3         = 2
	soundFormatPCMLE       = 3
	soundFormatAAC         = 10

	aacSequenceHeader = 0
	aacRaw            = 1
)

var (
	// ErrMalformed is returned for input that is not a valid FLV stream.
	// The Reader stays failed until Reset.
	ErrMalformed = errors.New("flv: malformed data")
	// ErrAborted is returned when a frame callback or sink returns false.
	ErrAborted = errors.New("flv: aborted by callback")
	// ErrUnsupported is returned by the Writer for frame kinds FLV cannot carry.
	ErrUnsupported = errors.New("flv: unsupported frame kind")
)

var signature = [3]byte{'F', 'L', 'V'}

// Header is the FLV file header.
type Header struct {
	Version    uint8
	HasAudio   bool
	HasVideo   bool
	DataOffset uint32
}

// ParseHeader decodes the 9-byte file header.
func ParseHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, fmt.Errorf("%w: header %d bytes", ErrMalformed, len(b))
	}
	if b[0] != signature[0] || b[1] != signature[1] || b[2] != signature[2] {
		return h, fmt.Errorf("%w: signature % x", ErrMalformed, b[:3])
	}
	h.Version = b[3]
	h.HasAudio = b[4]&0x04 != 0
	h.HasVideo = b[4]&0x01 != 0
	h.DataOffset = binary.BigEndian.Uint32(b[5:9])
	if h.DataOffset < HeaderSize {
		return h, fmt.Errorf("%w: data offset %d", ErrMalformed, h.DataOffset)
	}
	return h, nil
}

// AppendTo appends the 9-byte header to dst.
func (h Header) AppendTo(dst []byte) []byte {
	var flags byte
	if h.HasAudio {
		flags |= 0x04
	}
	if h.HasVideo {
		flags |= 0x01
	}
	version := h.Version
	if version == 0 {
		version = 1
	}
	dst = append(dst, signature[0], signature[1], signature[2], version, flags)
	return binary.BigEndian.AppendUint32(dst, HeaderSize)
}

// TagHeader is the 11-byte header in front of every tag body. Timestamp is
// in milliseconds with the extension byte already folded in.
type TagHeader struct {
	Type      uint8
	Filter    bool
	DataSize  uint32
	Timestamp uint32
	StreamID  uint32
}

// ParseTagHeader decodes a tag header.
func ParseTagHeader(b []byte) (TagHeader, error) {
	var h TagHeader
	if len(b) < TagHeaderSize {
		return h, fmt.Errorf("%w: tag header %d bytes", ErrMalformed, len(b))
	}
	h.Filter = b[0]&0x20 != 0
	h.Type = b[0] & 0x1F
	h.DataSize = uint24(b[1:])
	h.Timestamp = uint32(b[7])<<24 | uint24(b[4:])
	h.StreamID = uint24(b[8:])
	return h, nil
}

// AppendTo appends the encoded tag header to dst.
func (h TagHeader) AppendTo(dst []byte) []byte {
	t := h.Type & 0x1F
	if h.Filter {
		t |= 0x20
	}
	dst = append(dst, t)
	dst = appendUint24(dst, h.DataSize)
	dst = appendUint24(dst, h.Timestamp)
	dst = append(dst, byte(h.Timestamp>>24))
	return appendUint24(dst, h.StreamID)
}

func uint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func appendUint24(dst []byte, v uint32) []byte {
	return append(dst, byte(v>>16), byte(v>>8), byte(v))
}

// int24 sign-extends a 24-bit big-endian value (AVC composition time).
func int24(b []byte) int32 {
	return int32(uint24(b)<<8) >> 8
}
