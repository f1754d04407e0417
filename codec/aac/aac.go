// Package aac handles the two AAC framings the containers exchange: the
// AudioSpecificConfig carried by FLV/MP4 sequence headers and the 7-byte
// ADTS header that MPEG-TS carries in front of every raw frame.
package aac

import (
	"errors"
	"fmt"

	"github.com/zsiec/avmux/bitio"
)

var (
	// ErrInvalidADTS is returned when the ADTS sync word or header is malformed.
	ErrInvalidADTS = errors.New("aac: invalid ADTS header")
	// ErrInvalidConfig is returned for an undecodable AudioSpecificConfig.
	ErrInvalidConfig = errors.New("aac: invalid AudioSpecificConfig")
)

// ADTSHeaderSize is the size of an ADTS header without CRC.
const ADTSHeaderSize = 7

// maxADTSFrame is the largest frame_length the 13-bit field can hold.
const maxADTSFrame = 1<<13 - 1

// Sample rate index table (ISO 14496-3).
var sampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// SampleRateIndex returns the table index for rate, or -1.
func SampleRateIndex(rate int) int {
	for i, r := range sampleRates {
		if r == rate {
			return i
		}
	}
	return -1
}

// Config is the subset of an AudioSpecificConfig needed to frame audio.
type Config struct {
	ObjectType      int // 2 = AAC-LC
	SampleRateIndex int
	SampleRate      int
	Channels        int
}

// ParseAudioSpecificConfig decodes the leading fields of an
// AudioSpecificConfig.
func ParseAudioSpecificConfig(data []byte) (Config, error) {
	var c Config
	if len(data) < 2 {
		return c, fmt.Errorf("%w: %d bytes", ErrInvalidConfig, len(data))
	}
	r := bitio.NewReader(data)
	ot, err := r.ReadBits(5)
	if err != nil {
		return c, err
	}
	if ot == 31 {
		ext, err := r.ReadBits(6)
		if err != nil {
			return c, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		ot = 32 + ext
	}
	idx, err := r.ReadBits(4)
	if err != nil {
		return c, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	c.ObjectType = int(ot)
	c.SampleRateIndex = int(idx)
	if idx == 0x0F {
		rate, err := r.ReadBits(24)
		if err != nil {
			return c, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		c.SampleRate = int(rate)
		c.SampleRateIndex = SampleRateIndex(c.SampleRate)
	} else if int(idx) < len(sampleRates) {
		c.SampleRate = sampleRates[idx]
	} else {
		return c, fmt.Errorf("%w: sample rate index %d", ErrInvalidConfig, idx)
	}
	ch, err := r.ReadBits(4)
	if err != nil {
		return c, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	c.Channels = int(ch)
	return c, nil
}

// BuildAudioSpecificConfig encodes a two-byte AudioSpecificConfig.
func BuildAudioSpecificConfig(c Config) []byte {
	idx := c.SampleRateIndex
	if c.SampleRate != 0 {
		if i := SampleRateIndex(c.SampleRate); i >= 0 {
			idx = i
		}
	}
	w := bitio.NewWriter()
	_ = w.WriteBits(uint64(c.ObjectType), 5)
	_ = w.WriteBits(uint64(idx), 4)
	_ = w.WriteBits(uint64(c.Channels), 4)
	_ = w.WriteBits(0, 3) // frameLength, dependsOnCoreCoder, extensionFlag
	return w.Bytes()
}

// ADTSHeader appends a 7-byte ADTS header (no CRC) for a raw frame of
// payloadLen bytes.
func ADTSHeader(dst []byte, c Config, payloadLen int) ([]byte, error) {
	frameLen := payloadLen + ADTSHeaderSize
	if frameLen > maxADTSFrame {
		return dst, fmt.Errorf("%w: frame length %d", ErrInvalidADTS, frameLen)
	}
	if c.SampleRateIndex < 0 || c.SampleRateIndex >= len(sampleRates) {
		return dst, fmt.Errorf("%w: sample rate index %d", ErrInvalidADTS, c.SampleRateIndex)
	}
	profile := c.ObjectType - 1
	if profile < 0 || profile > 3 {
		profile = 1
	}
	return append(dst,
		0xFF,
		0xF1, // MPEG-4, layer 0, no CRC
		byte(profile)<<6|byte(c.SampleRateIndex)<<2|byte(c.Channels>>2)&0x01,
		byte(c.Channels&0x03)<<6|byte(frameLen>>11)&0x03,
		byte(frameLen>>3),
		byte(frameLen&0x07)<<5|0x1F,
		0xFC, // buffer fullness 0x7FF, one raw data block
	), nil
}

// Frame is one AAC frame parsed from an ADTS stream.
type Frame struct {
	Data       []byte // complete ADTS frame (header + payload)
	Payload    []byte // raw AAC payload
	Config     Config
	HeaderSize int
}

// ParseADTS parses an ADTS byte stream into individual AAC frames. Garbage
// before a sync word is skipped and a truncated trailing frame is dropped.
func ParseADTS(data []byte) ([]Frame, error) {
	var frames []Frame
	offset := 0

	for offset < len(data) {
		if len(data)-offset < ADTSHeaderSize {
			break
		}
		if data[offset] != 0xFF || (data[offset+1]&0xF0) != 0xF0 {
			offset++
			continue
		}

		hasCRC := (data[offset+1] & 0x01) == 0
		headerSize := ADTSHeaderSize
		if hasCRC {
			headerSize = 9
		}

		profile := int(data[offset+2]>>6) & 0x03
		sampleRateIdx := int(data[offset+2]>>2) & 0x0F
		if sampleRateIdx >= len(sampleRates) {
			return frames, ErrInvalidADTS
		}

		channelCfg := int(data[offset+2]&0x01)<<2 | int(data[offset+3]>>6)&0x03

		frameLen := int(data[offset+3]&0x03)<<11 |
			int(data[offset+4])<<3 |
			int(data[offset+5]>>5)

		if frameLen < headerSize || offset+frameLen > len(data) {
			break
		}

		frames = append(frames, Frame{
			Data:    data[offset : offset+frameLen],
			Payload: data[offset+headerSize : offset+frameLen],
			Config: Config{
				ObjectType:      profile + 1,
				SampleRateIndex: sampleRateIdx,
				SampleRate:      sampleRates[sampleRateIdx],
				Channels:        channelCfg,
			},
			HeaderSize: headerSize,
		})

		offset += frameLen
	}

	return frames, nil
}

// StripADTS removes the ADTS header from a complete ADTS frame. The input is
// returned unchanged if it does not start with a valid header.
func StripADTS(data []byte) []byte {
	if len(data) < ADTSHeaderSize || data[0] != 0xFF || (data[1]&0xF0) != 0xF0 {
		return data
	}
	headerSize := ADTSHeaderSize
	if (data[1] & 0x01) == 0 {
		headerSize = 9
	}
	if len(data) <= headerSize {
		return data
	}
	return data[headerSize:]
}

// SamplesPerFrame is the number of PCM samples in one AAC-LC frame.
const SamplesPerFrame = 1024
