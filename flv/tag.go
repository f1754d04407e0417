package flv

import (
	"fmt"

	"github.com/zsiec/avmux/codec/h264"
	"github.com/zsiec/avmux/media"
)

// TagDecoder turns FLV tag bodies into frames. It remembers the NAL length
// size announced by the last AVC sequence header so that NALU tags can be
// normalized to 4-byte lengths.
type TagDecoder struct {
	lengthSize int
	frame      media.Frame
	scratch    []byte
	config     []byte
}

// NewTagDecoder creates a decoder assuming 4-byte NAL lengths until a
// sequence header says otherwise.
func NewTagDecoder() *TagDecoder {
	return &TagDecoder{lengthSize: 4}
}

// Reset forgets the cached sequence header state.
func (d *TagDecoder) Reset() {
	d.lengthSize = 4
	d.config = d.config[:0]
}

// Decode delivers the frames carried by one tag body. Tags FLV defines but
// this package does not carry (other codecs, AVC end of sequence) produce no
// frames. It returns ErrAborted if fn returns false.
func (d *TagDecoder) Decode(h TagHeader, body []byte, fn media.FrameFunc) error {
	d.frame = media.Frame{
		PTS:      int64(h.Timestamp),
		DTS:      int64(h.Timestamp),
		Timebase: media.Millisecond,
	}
	var err error
	switch h.Type {
	case TagVideo:
		err = d.video(body)
	case TagAudio:
		err = d.audio(body)
	case TagScript:
		d.frame.Kind = media.KindScript
		d.frame.Data = body
	default:
		return fmt.Errorf("%w: tag type %d", ErrMalformed, h.Type)
	}
	if err != nil {
		return err
	}
	if d.frame.Kind == media.KindUnknown {
		return nil
	}
	if !fn(&d.frame) {
		return ErrAborted
	}
	return nil
}

func (d *TagDecoder) video(body []byte) error {
	d.frame.Track = TrackVideo
	if len(body) < 1 {
		return fmt.Errorf("%w: empty video tag", ErrMalformed)
	}
	frameType, codec := body[0]>>4, body[0]&0x0F
	if codec != codecAVC {
		return nil
	}
	if len(body) < 5 {
		return fmt.Errorf("%w: AVC tag %d bytes", ErrMalformed, len(body))
	}
	cts := int64(int24(body[2:5]))
	data := body[5:]

	switch body[1] {
	case avcSequenceHeader:
		cfg, err := h264.ParseDecoderConfig(data)
		if err != nil {
			return fmt.Errorf("%w: AVC sequence header: %w", ErrMalformed, err)
		}
		d.lengthSize = cfg.LengthSize
		if cfg.LengthSize != 4 {
			cfg.LengthSize = 4
			d.config = append(d.config[:0], cfg.Bytes()...)
			data = d.config
		}
		d.frame.Kind = media.KindH264Config
		d.frame.Data = data
	case avcNALU:
		if d.lengthSize != 4 {
			units, err := h264.SplitAVCC(data, d.lengthSize)
			if err != nil {
				return fmt.Errorf("%w: AVC NALU: %w", ErrMalformed, err)
			}
			d.scratch = h264.AppendAVCC(d.scratch[:0], units...)
			data = d.scratch
		}
		d.frame.Kind = media.KindH264Delta
		if frameType == frameTypeKey {
			d.frame.Kind = media.KindH264Key
		}
		d.frame.PTS += cts
		d.frame.Data = data
	}
	return nil
}

func (d *TagDecoder) audio(body []byte) error {
	d.frame.Track = TrackAudio
	if len(body) < 1 {
		return fmt.Errorf("%w: empty audio tag", ErrMalformed)
	}
	switch body[0] >> 4 {
	case soundFormatAAC:
		if len(body) < 2 {
			return fmt.Errorf("%w: AAC tag %d bytes", ErrMalformed, len(body))
		}
		switch body[1] {
		case aacSequenceHeader:
			d.frame.Kind = media.KindAACConfig
		case aacRaw:
			d.frame.Kind = media.KindAACRaw
		default:
			return fmt.Errorf("%w: AAC packet type %d", ErrMalformed, body[1])
		}
		d.frame.Data = body[2:]
	case soundFormatMP3:
		d.frame.Kind = media.KindMP3
		d.frame.Data = body[1:]
	case soundFormatPCMPlatform, soundFormatPCMLE:
		d.frame.Kind = media.KindPCM
		d.frame.Data = body[1:]
	}
	return nil
}
