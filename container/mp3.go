package container

import (
	"fmt"

	"github.com/zsiec/avmux/media"
)

// MPEG audio bitrates in kbit/s, indexed by [version class][layer][index].
// Version class 0 is MPEG-1, 1 is MPEG-2 and 2.5.
var mp3Bitrates = [2][3][15]int{
	{
		{0, 32, 64, 96, 128, 160, 192, 224, 256, 288, 320, 352, 384, 416, 448},
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384},
		{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320},
	},
	{
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 144, 160, 176, 192, 224, 256},
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160},
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160},
	},
}

var mp3SampleRates = [4][3]int{
	{11025, 12000, 8000},  // MPEG-2.5
	{},                    // reserved
	{22050, 24000, 16000}, // MPEG-2
	{44100, 48000, 32000}, // MPEG-1
}

// mp3FrameLength validates an MPEG audio frame header and returns the frame
// size in bytes.
func mp3FrameLength(h []byte) (int, error) {
	if len(h) < 4 {
		return 0, fmt.Errorf("%w: MPEG audio header %d bytes", ErrMalformed, len(h))
	}
	if h[0] != 0xFF || h[1]&0xE0 != 0xE0 {
		return 0, fmt.Errorf("%w: no MPEG audio sync in % x", ErrMalformed, h[:2])
	}
	version := h[1] >> 3 & 0x03
	layerBits := h[1] >> 1 & 0x03
	brIndex := h[2] >> 4
	srIndex := h[2] >> 2 & 0x03
	padding := int(h[2] >> 1 & 0x01)
	if version == 1 || layerBits == 0 || brIndex == 0 || brIndex == 0x0F || srIndex == 3 {
		return 0, fmt.Errorf("%w: invalid MPEG audio header % x", ErrMalformed, h[:4])
	}

	layer := 4 - int(layerBits) // 1, 2 or 3
	class := 0
	if version != 3 {
		class = 1
	}
	bitrate := mp3Bitrates[class][layer-1][brIndex] * 1000
	rate := mp3SampleRates[version][srIndex]

	switch {
	case layer == 1:
		return (12*bitrate/rate + padding) * 4, nil
	case layer == 3 && class == 1:
		return 72*bitrate/rate + padding, nil
	}
	return 144*bitrate/rate + padding, nil
}

// mp3Frames validates and delivers one MPEG audio frame.
func mp3Frames(c *Container, fn media.FrameFunc) error {
	n, err := mp3FrameLength(c.Data)
	if err != nil {
		return err
	}
	if n > len(c.Data) {
		return fmt.Errorf("%w: MPEG audio frame of %d bytes, have %d", ErrMalformed, n, len(c.Data))
	}
	f := media.Frame{
		Kind:     media.KindMP3,
		Track:    c.Track,
		PTS:      c.PTS,
		DTS:      c.PTS,
		Timebase: c.Timebase,
		Data:     c.Data[:n],
	}
	return deliver(&f, fn)
}
