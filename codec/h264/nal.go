// Package h264 holds the H.264 helpers the container readers and writers
// need: NAL unit framing in Annex B and AVCC form, the decoder
// configuration record carried by FLV and MP4, and enough SPS parsing to
// describe a stream.
package h264

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// NAL unit type constants as defined in ITU-T H.264 Table 7-1.
const (
	NALTypeSlice      = 1
	NALTypeIDR        = 5
	NALTypeSEI        = 6
	NALTypeSPS        = 7
	NALTypePPS        = 8
	NALTypeAUD        = 9
	NALTypeFillerData = 12
)

var (
	ErrTruncated     = errors.New("h264: truncated NAL unit")
	ErrInvalidConfig = errors.New("h264: invalid decoder configuration record")
)

var startCode = []byte{0, 0, 0, 1}

// NALUnit is one NAL unit without start code or length prefix.
type NALUnit struct {
	Type byte
	Data []byte
}

// NALType returns the 5-bit nal_unit_type of a NAL unit.
func NALType(nalu []byte) byte {
	if len(nalu) == 0 {
		return 0
	}
	return nalu[0] & 0x1F
}

// ParseAnnexB splits an Annex B byte stream into NAL units. Both 3-byte
// (0x000001) and 4-byte (0x00000001) start codes are recognized. The
// returned units alias data.
func ParseAnnexB(data []byte) []NALUnit {
	n := len(data)
	if n < 4 {
		return nil
	}

	type scPos struct {
		scStart   int
		dataStart int
	}

	var positions []scPos
	i := 0
	for i < n-2 {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	var units []NALUnit
	for idx, pos := range positions {
		end := n
		if idx+1 < len(positions) {
			end = positions[idx+1].scStart
		}
		if pos.dataStart >= end {
			continue
		}
		nal := data[pos.dataStart:end]
		units = append(units, NALUnit{Type: NALType(nal), Data: nal})
	}
	return units
}

// SplitAVCC splits length-prefixed NAL units. lengthSize is the prefix width
// in bytes (1, 2 or 4).
func SplitAVCC(data []byte, lengthSize int) ([]NALUnit, error) {
	if lengthSize != 1 && lengthSize != 2 && lengthSize != 4 {
		return nil, fmt.Errorf("%w: NAL length size %d", ErrInvalidConfig, lengthSize)
	}
	var units []NALUnit
	for off := 0; off < len(data); {
		if off+lengthSize > len(data) {
			return units, ErrTruncated
		}
		var size int
		switch lengthSize {
		case 1:
			size = int(data[off])
		case 2:
			size = int(binary.BigEndian.Uint16(data[off:]))
		case 4:
			size = int(binary.BigEndian.Uint32(data[off:]))
		}
		off += lengthSize
		if size < 0 || off+size > len(data) {
			return units, fmt.Errorf("%w: NAL size %d with %d bytes left", ErrTruncated, size, len(data)-off)
		}
		if size > 0 {
			nal := data[off : off+size]
			units = append(units, NALUnit{Type: NALType(nal), Data: nal})
		}
		off += size
	}
	return units, nil
}

// AppendAVCC appends each unit to dst with a 4-byte big-endian length prefix.
func AppendAVCC(dst []byte, units ...NALUnit) []byte {
	for _, u := range units {
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(u.Data)))
		dst = append(dst, u.Data...)
	}
	return dst
}

// AppendAnnexB appends each unit to dst behind a 4-byte start code.
func AppendAnnexB(dst []byte, units ...NALUnit) []byte {
	for _, u := range units {
		dst = append(dst, startCode...)
		dst = append(dst, u.Data...)
	}
	return dst
}

// AnnexBToAVCC converts an Annex B access unit to 4-byte length-prefixed form.
func AnnexBToAVCC(data []byte) []byte {
	return AppendAVCC(nil, ParseAnnexB(data)...)
}

// AVCCToAnnexB appends the 4-byte length-prefixed access unit data to dst
// in Annex B form.
func AVCCToAnnexB(dst, data []byte) ([]byte, error) {
	units, err := SplitAVCC(data, 4)
	if err != nil {
		return dst, err
	}
	return AppendAnnexB(dst, units...), nil
}

// IsKeyframe reports whether the NAL type is an IDR slice.
func IsKeyframe(nalType byte) bool {
	return nalType == NALTypeIDR
}

// IsParameterSet reports whether the NAL type is an SPS or PPS.
func IsParameterSet(nalType byte) bool {
	return nalType == NALTypeSPS || nalType == NALTypePPS
}

// ContainsKeyframe reports whether any unit is an IDR slice.
func ContainsKeyframe(units []NALUnit) bool {
	for _, u := range units {
		if IsKeyframe(u.Type) {
			return true
		}
	}
	return false
}
