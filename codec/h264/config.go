package h264

import "fmt"

// DecoderConfig is an AVCDecoderConfigurationRecord (ISO 14496-15 5.2.4.1).
type DecoderConfig struct {
	Profile       byte
	Compatibility byte
	Level         byte
	LengthSize    int
	SPS           [][]byte
	PPS           [][]byte
}

// ParseDecoderConfig decodes an AVCDecoderConfigurationRecord. The parameter
// sets alias data.
func ParseDecoderConfig(data []byte) (DecoderConfig, error) {
	var c DecoderConfig
	if len(data) < 7 {
		return c, fmt.Errorf("%w: %d bytes", ErrInvalidConfig, len(data))
	}
	if data[0] != 1 {
		return c, fmt.Errorf("%w: version %d", ErrInvalidConfig, data[0])
	}
	c.Profile = data[1]
	c.Compatibility = data[2]
	c.Level = data[3]
	c.LengthSize = int(data[4]&0x03) + 1
	if c.LengthSize == 3 {
		return c, fmt.Errorf("%w: NAL length size 3", ErrInvalidConfig)
	}

	off := 5
	numSPS := int(data[off] & 0x1F)
	off++
	for i := 0; i < numSPS; i++ {
		ps, next, err := readParameterSet(data, off)
		if err != nil {
			return c, fmt.Errorf("SPS %d: %w", i, err)
		}
		c.SPS = append(c.SPS, ps)
		off = next
	}

	if off >= len(data) {
		return c, fmt.Errorf("%w: missing PPS count", ErrInvalidConfig)
	}
	numPPS := int(data[off])
	off++
	for i := 0; i < numPPS; i++ {
		ps, next, err := readParameterSet(data, off)
		if err != nil {
			return c, fmt.Errorf("PPS %d: %w", i, err)
		}
		c.PPS = append(c.PPS, ps)
		off = next
	}
	return c, nil
}

func readParameterSet(data []byte, off int) ([]byte, int, error) {
	if off+2 > len(data) {
		return nil, off, ErrTruncated
	}
	n := int(data[off])<<8 | int(data[off+1])
	off += 2
	if off+n > len(data) {
		return nil, off, ErrTruncated
	}
	return data[off : off+n], off + n, nil
}

// Bytes encodes the record with a 4-byte NAL length size.
func (c DecoderConfig) Bytes() []byte {
	size := 7
	for _, ps := range c.SPS {
		size += 2 + len(ps)
	}
	for _, ps := range c.PPS {
		size += 2 + len(ps)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, 1, c.Profile, c.Compatibility, c.Level)
	// reserved bits, lengthSizeMinusOne = 3, then the SPS count
	buf = append(buf, 0xFF, 0xE0|byte(len(c.SPS)&0x1F))
	for _, ps := range c.SPS {
		buf = append(buf, byte(len(ps)>>8), byte(len(ps)))
		buf = append(buf, ps...)
	}
	buf = append(buf, byte(len(c.PPS)))
	for _, ps := range c.PPS {
		buf = append(buf, byte(len(ps)>>8), byte(len(ps)))
		buf = append(buf, ps...)
	}
	return buf
}

// BuildDecoderConfig builds a record from one raw SPS and PPS (NAL header
// included, no start code). It returns nil if the SPS is too short to carry
// profile and level.
func BuildDecoderConfig(sps, pps []byte) []byte {
	if len(sps) < 4 || len(pps) == 0 {
		return nil
	}
	return DecoderConfig{
		Profile:       sps[1],
		Compatibility: sps[2],
		Level:         sps[3],
		LengthSize:    4,
		SPS:           [][]byte{sps},
		PPS:           [][]byte{pps},
	}.Bytes()
}

// AppendParameterSets appends every SPS and PPS to dst in Annex B form.
func (c DecoderConfig) AppendParameterSets(dst []byte) []byte {
	for _, ps := range c.SPS {
		dst = append(dst, startCode...)
		dst = append(dst, ps...)
	}
	for _, ps := range c.PPS {
		dst = append(dst, startCode...)
		dst = append(dst, ps...)
	}
	return dst
}

// CodecString returns the RFC 6381 codec parameter string, e.g. "avc1.42E01E".
func (c DecoderConfig) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", c.Profile, c.Compatibility, c.Level)
}
