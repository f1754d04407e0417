package container

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/at-wat/ebml-go"

	"github.com/zsiec/avmux/codec/h264"
	"github.com/zsiec/avmux/flv"
	"github.com/zsiec/avmux/media"
	"github.com/zsiec/avmux/mpegts"
)

// flvFrames decodes one FLV tag: the 11-byte header and body, optionally
// followed by its PreviousTagSize.
func flvFrames(c *Container, fn media.FrameFunc) error {
	h, err := flv.ParseTagHeader(c.Data)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	end := flv.TagHeaderSize + int(h.DataSize)
	if end > len(c.Data) {
		return fmt.Errorf("%w: FLV tag body %d bytes, have %d", ErrMalformed, h.DataSize, len(c.Data)-flv.TagHeaderSize)
	}
	err = flv.NewTagDecoder().Decode(h, c.Data[flv.TagHeaderSize:end], fn)
	switch {
	case errors.Is(err, flv.ErrAborted):
		return ErrAborted
	case err != nil:
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return nil
}

// tsFrames decodes one complete PES unit.
func tsFrames(c *Container, fn media.FrameFunc) error {
	err := mpegts.DecodePES(c.Data, c.StreamType, c.Track, fn)
	switch {
	case errors.Is(err, mpegts.ErrAborted):
		return ErrAborted
	case err != nil:
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return nil
}

// mkvFrames decodes the body of a Matroska SimpleBlock. c.PTS is the
// cluster timecode in c.Timebase; laced frames share the block timestamp.
func mkvFrames(c *Container, fn media.FrameFunc) error {
	block, err := ebml.UnmarshalBlock(bytes.NewReader(c.Data), int64(len(c.Data)))
	if err != nil {
		return fmt.Errorf("%w: SimpleBlock: %w", ErrMalformed, err)
	}
	kind := c.codec()
	if kind == media.KindH264Key || kind == media.KindH264Delta {
		kind = media.KindH264Delta
		if block.Keyframe {
			kind = media.KindH264Key
		}
	}
	ts := c.PTS + int64(block.Timecode)
	for _, data := range block.Data {
		f := media.Frame{
			Kind:     kind,
			Track:    int(block.TrackNumber),
			PTS:      ts,
			DTS:      ts,
			Timebase: c.Timebase,
			Data:     data,
		}
		if err := deliver(&f, fn); err != nil {
			return err
		}
	}
	return nil
}

// mp4Frames decodes one MP4 sample. H.264 samples are 4-byte
// length-prefixed; key frames are found from the NAL types.
func mp4Frames(c *Container, fn media.FrameFunc) error {
	f := media.Frame{
		Kind:     c.codec(),
		Track:    c.Track,
		PTS:      c.PTS,
		DTS:      c.PTS,
		Timebase: c.Timebase,
		Data:     c.Data,
	}
	if f.Kind == media.KindH264Key || f.Kind == media.KindH264Delta {
		units, err := h264.SplitAVCC(c.Data, 4)
		if err != nil {
			return fmt.Errorf("%w: MP4 sample: %w", ErrMalformed, err)
		}
		f.Kind = media.KindH264Delta
		if h264.ContainsKeyframe(units) {
			f.Kind = media.KindH264Key
		}
	}
	return deliver(&f, fn)
}

func (c *Container) codec() media.Kind {
	if c.FrameKind == media.KindUnknown {
		return media.KindH264Delta
	}
	return c.FrameKind
}

// riffFrames decodes one RIFF "data" chunk: 4-byte id, 32-bit little-endian
// size, samples.
func riffFrames(c *Container, fn media.FrameFunc) error {
	if len(c.Data) < 8 {
		return fmt.Errorf("%w: chunk header %d bytes", ErrMalformed, len(c.Data))
	}
	if !bytes.Equal(c.Data[:4], []byte("data")) {
		return fmt.Errorf("%w: chunk id %q, want \"data\"", ErrMalformed, c.Data[:4])
	}
	size := int(binary.LittleEndian.Uint32(c.Data[4:8]))
	if size > len(c.Data)-8 {
		return fmt.Errorf("%w: data chunk of %d bytes, have %d", ErrMalformed, size, len(c.Data)-8)
	}
	f := media.Frame{
		Kind:     media.KindPCM,
		Track:    c.Track,
		PTS:      c.PTS,
		DTS:      c.PTS,
		Timebase: c.Timebase,
		Data:     c.Data[8 : 8+size],
	}
	return deliver(&f, fn)
}
