package h264

import (
	"errors"
	"fmt"

	"github.com/zsiec/avmux/bitio"
)

var errSPSTooShort = errors.New("h264: SPS data too short")

// SPSInfo holds the stream description carried by a Sequence Parameter Set.
type SPSInfo struct {
	Width           int
	Height          int
	ProfileIDC      byte
	ConstraintFlags byte
	LevelIDC        byte
	FrameMbsOnly    bool
}

// CodecString returns the RFC 6381 codec parameter string.
func (s SPSInfo) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", s.ProfileIDC, s.ConstraintFlags, s.LevelIDC)
}

// highProfiles carry chroma format and scaling matrices in the SPS.
var highProfiles = map[uint64]bool{
	100: true, 110: true, 122: true, 244: true, 44: true, 83: true,
	86: true, 118: true, 128: true, 138: true, 139: true, 134: true,
}

// ParseSPS parses an SPS NAL unit, NAL header byte included and start code
// excluded, down to the frame cropping fields.
func ParseSPS(nalu []byte) (SPSInfo, error) {
	if len(nalu) < 4 {
		return SPSInfo{}, errSPSTooShort
	}
	p := &spsParser{r: bitio.NewReader(nalu[1:], bitio.WithEscapeRemoval())}

	profile := p.bits(8)
	constraints := p.bits(8)
	level := p.bits(8)
	p.ue() // seq_parameter_set_id

	chromaFormat := uint64(1)
	separateColourPlane := false
	if highProfiles[profile] {
		chromaFormat = p.ue()
		if chromaFormat == 3 {
			separateColourPlane = p.flag()
		}
		p.ue()    // bit_depth_luma_minus8
		p.ue()    // bit_depth_chroma_minus8
		p.bits(1) // qpprime_y_zero_transform_bypass_flag
		if p.flag() {
			limit := 8
			if chromaFormat == 3 {
				limit = 12
			}
			for i := 0; i < limit; i++ {
				if p.flag() {
					size := 16
					if i >= 6 {
						size = 64
					}
					p.scalingList(size)
				}
			}
		}
	}

	p.ue() // log2_max_frame_num_minus4
	switch p.ue() {
	case 0:
		p.ue() // log2_max_pic_order_cnt_lsb_minus4
	case 1:
		p.bits(1)
		p.se()
		p.se()
		n := p.ue()
		for i := uint64(0); i < n && p.err == nil; i++ {
			p.se()
		}
	}
	p.ue()    // max_num_ref_frames
	p.bits(1) // gaps_in_frame_num_value_allowed_flag

	widthMbs := p.ue()
	heightMapUnits := p.ue()
	frameMbsOnly := p.bits(1)
	if frameMbsOnly == 0 {
		p.bits(1) // mb_adaptive_frame_field_flag
	}
	p.bits(1) // direct_8x8_inference_flag

	var cropLeft, cropRight, cropTop, cropBottom uint64
	if p.flag() {
		cropLeft, cropRight = p.ue(), p.ue()
		cropTop, cropBottom = p.ue(), p.ue()
	}
	if p.err != nil {
		return SPSInfo{}, fmt.Errorf("h264: parse SPS: %w", p.err)
	}

	chromaArrayType := chromaFormat
	if separateColourPlane {
		chromaArrayType = 0
	}
	subWidthC, subHeightC := uint64(2), uint64(2)
	switch chromaArrayType {
	case 0, 3:
		subWidthC, subHeightC = 1, 1
	case 2:
		subWidthC, subHeightC = 2, 1
	}
	cropUnitX := subWidthC
	cropUnitY := subHeightC * (2 - frameMbsOnly)

	return SPSInfo{
		Width:           int((widthMbs+1)*16 - cropUnitX*(cropLeft+cropRight)),
		Height:          int((heightMapUnits+1)*16*(2-frameMbsOnly) - cropUnitY*(cropTop+cropBottom)),
		ProfileIDC:      byte(profile),
		ConstraintFlags: byte(constraints),
		LevelIDC:        byte(level),
		FrameMbsOnly:    frameMbsOnly == 1,
	}, nil
}

// spsParser keeps the first error so the field sequence reads linearly.
type spsParser struct {
	r   *bitio.Reader
	err error
}

func (p *spsParser) bits(n int) uint64 {
	if p.err != nil {
		return 0
	}
	v, err := p.r.ReadBits(n)
	p.err = err
	return v
}

func (p *spsParser) flag() bool {
	return p.bits(1) == 1
}

func (p *spsParser) ue() uint64 {
	if p.err != nil {
		return 0
	}
	v, err := p.r.ReadUE()
	p.err = err
	return v
}

func (p *spsParser) se() int64 {
	if p.err != nil {
		return 0
	}
	v, err := p.r.ReadSE()
	p.err = err
	return v
}

func (p *spsParser) scalingList(size int) {
	last, next := int64(8), int64(8)
	for j := 0; j < size && p.err == nil; j++ {
		if next != 0 {
			next = (last + p.se() + 256) % 256
		}
		if next != 0 {
			last = next
		}
	}
}
