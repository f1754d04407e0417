package mpegts

import (
	"encoding/binary"
	"fmt"

	"github.com/zsiec/avmux/crc"
)

// PAT is the Program Association Table.
type PAT struct {
	TransportStreamID uint16
	Version           uint8
	Programs          []PATProgram
}

// PATProgram maps a program number to its PMT PID.
type PATProgram struct {
	ProgramNumber uint16
	PMTPID        uint16
}

// PMT is the Program Map Table of one program.
type PMT struct {
	ProgramNumber uint16
	Version       uint8
	PCRPID        uint16
	Streams       []PMTStream
}

// PMTStream describes one elementary stream in a PMT.
type PMTStream struct {
	StreamType uint8
	PID        uint16
}

// SDT is the Service Description Table (actual transport stream).
type SDT struct {
	TransportStreamID uint16
	OriginalNetworkID uint16
	Version           uint8
	Services          []Service
}

// Service is one SDT entry with its service descriptor.
type Service struct {
	ServiceID uint16
	Type      uint8
	Provider  string
	Name      string
}

const (
	serviceDescriptorTag = 0x48
	serviceTypeDigitalTV = 0x01
	sectionHeaderSize    = 8
	maxSectionLength     = 1021
)

// appendSection appends a long-form section: 3-byte table header, the
// 5-byte extension header, body and CRC-32.
func appendSection(dst []byte, tableID uint8, idExt uint16, version uint8, body func([]byte) []byte) []byte {
	start := len(dst)
	dst = append(dst, tableID, 0, 0)
	dst = binary.BigEndian.AppendUint16(dst, idExt)
	dst = append(dst, 0xC1|(version&0x1F)<<1, 0x00, 0x00)
	dst = body(dst)

	// section_length counts from after the length field to the end of the CRC.
	length := len(dst) - start - 3 + crc.Size
	dst[start+1] = 0xB0 | byte(length>>8)&0x0F
	dst[start+2] = byte(length)
	return appendCRC(dst, start)
}

func appendCRC(dst []byte, start int) []byte {
	c := crc.Checksum(dst[start:], crc.MPEGSeed)
	return binary.BigEndian.AppendUint32(dst, c)
}

// AppendTo appends the encoded PAT section to dst.
func (p *PAT) AppendTo(dst []byte) []byte {
	return appendSection(dst, TableIDPAT, p.TransportStreamID, p.Version, func(b []byte) []byte {
		for _, prog := range p.Programs {
			b = binary.BigEndian.AppendUint16(b, prog.ProgramNumber)
			b = binary.BigEndian.AppendUint16(b, 0xE000|prog.PMTPID&0x1FFF)
		}
		return b
	})
}

// AppendTo appends the encoded PMT section to dst.
func (p *PMT) AppendTo(dst []byte) []byte {
	return appendSection(dst, TableIDPMT, p.ProgramNumber, p.Version, func(b []byte) []byte {
		b = binary.BigEndian.AppendUint16(b, 0xE000|p.PCRPID&0x1FFF)
		b = append(b, 0xF0, 0x00) // program_info_length = 0
		for _, s := range p.Streams {
			b = append(b, s.StreamType)
			b = binary.BigEndian.AppendUint16(b, 0xE000|s.PID&0x1FFF)
			b = append(b, 0xF0, 0x00) // ES_info_length = 0
		}
		return b
	})
}

// AppendTo appends the encoded SDT section to dst.
func (s *SDT) AppendTo(dst []byte) []byte {
	return appendSection(dst, TableIDSDT, s.TransportStreamID, s.Version, func(b []byte) []byte {
		b = binary.BigEndian.AppendUint16(b, s.OriginalNetworkID)
		b = append(b, 0xFF) // reserved_future_use
		for _, svc := range s.Services {
			b = binary.BigEndian.AppendUint16(b, svc.ServiceID)
			b = append(b, 0xFC) // no EIT
			descLen := 5 + len(svc.Provider) + len(svc.Name)
			// running_status = 4 (running), free_CA_mode = 0
			b = binary.BigEndian.AppendUint16(b, 0x8000|uint16(descLen)&0x0FFF)
			b = append(b, serviceDescriptorTag, byte(descLen-2), svc.Type, byte(len(svc.Provider)))
			b = append(b, svc.Provider...)
			b = append(b, byte(len(svc.Name)))
			b = append(b, svc.Name...)
		}
		return b
	})
}

// sectionBody validates the common long-form section header and CRC and
// returns the bytes between the 8-byte header and the CRC.
func sectionBody(section []byte, tableID uint8) (body []byte, idExt uint16, version uint8, err error) {
	if len(section) < sectionHeaderSize+crc.Size {
		return nil, 0, 0, malformed("section", "%d bytes", len(section))
	}
	if section[0] != tableID {
		return nil, 0, 0, malformed("section", "table id 0x%02X, want 0x%02X", section[0], tableID)
	}
	if section[1]&0x80 == 0 {
		return nil, 0, 0, malformed("section", "section_syntax_indicator not set")
	}
	length := int(section[1]&0x0F)<<8 | int(section[2])
	if length > maxSectionLength || 3+length > len(section) || length < sectionHeaderSize-3+crc.Size {
		return nil, 0, 0, malformed("section", "section_length %d with %d bytes", length, len(section))
	}
	section = section[:3+length]
	if err := crc.Verify(section); err != nil {
		return nil, 0, 0, fmt.Errorf("%w: table 0x%02X", ErrChecksum, tableID)
	}
	idExt = binary.BigEndian.Uint16(section[3:5])
	version = section[5] >> 1 & 0x1F
	return section[sectionHeaderSize : len(section)-crc.Size], idExt, version, nil
}

// ParsePAT decodes a PAT section. Program number 0 (network PID) is skipped.
func ParsePAT(section []byte) (*PAT, error) {
	body, tsid, version, err := sectionBody(section, TableIDPAT)
	if err != nil {
		return nil, err
	}
	if len(body)%4 != 0 {
		return nil, malformed("PAT", "program loop length %d", len(body))
	}
	pat := &PAT{TransportStreamID: tsid, Version: version}
	for i := 0; i+4 <= len(body); i += 4 {
		num := binary.BigEndian.Uint16(body[i:])
		if num == 0 {
			continue
		}
		pat.Programs = append(pat.Programs, PATProgram{
			ProgramNumber: num,
			PMTPID:        binary.BigEndian.Uint16(body[i+2:]) & 0x1FFF,
		})
	}
	return pat, nil
}

// ParsePMT decodes a PMT section.
func ParsePMT(section []byte) (*PMT, error) {
	body, prog, version, err := sectionBody(section, TableIDPMT)
	if err != nil {
		return nil, err
	}
	if len(body) < 4 {
		return nil, malformed("PMT", "body %d bytes", len(body))
	}
	pmt := &PMT{
		ProgramNumber: prog,
		Version:       version,
		PCRPID:        binary.BigEndian.Uint16(body) & 0x1FFF,
	}
	off := 4 + int(binary.BigEndian.Uint16(body[2:])&0x0FFF)
	if off > len(body) {
		return nil, malformed("PMT", "program_info_length exceeds section")
	}
	for off < len(body) {
		if off+5 > len(body) {
			return nil, malformed("PMT", "truncated stream entry")
		}
		esInfo := int(binary.BigEndian.Uint16(body[off+3:]) & 0x0FFF)
		pmt.Streams = append(pmt.Streams, PMTStream{
			StreamType: body[off],
			PID:        binary.BigEndian.Uint16(body[off+1:]) & 0x1FFF,
		})
		off += 5 + esInfo
	}
	if off != len(body) {
		return nil, malformed("PMT", "ES_info_length exceeds section")
	}
	return pmt, nil
}

// ParseSDT decodes an SDT section. Services without a service descriptor
// keep empty names.
func ParseSDT(section []byte) (*SDT, error) {
	body, tsid, version, err := sectionBody(section, TableIDSDT)
	if err != nil {
		return nil, err
	}
	if len(body) < 3 {
		return nil, malformed("SDT", "body %d bytes", len(body))
	}
	sdt := &SDT{
		TransportStreamID: tsid,
		OriginalNetworkID: binary.BigEndian.Uint16(body),
		Version:           version,
	}
	off := 3
	for off < len(body) {
		if off+5 > len(body) {
			return nil, malformed("SDT", "truncated service entry")
		}
		svc := Service{ServiceID: binary.BigEndian.Uint16(body[off:])}
		loopLen := int(binary.BigEndian.Uint16(body[off+3:]) & 0x0FFF)
		off += 5
		if off+loopLen > len(body) {
			return nil, malformed("SDT", "descriptor loop exceeds section")
		}
		parseServiceDescriptors(body[off:off+loopLen], &svc)
		sdt.Services = append(sdt.Services, svc)
		off += loopLen
	}
	return sdt, nil
}

func parseServiceDescriptors(b []byte, svc *Service) {
	for len(b) >= 2 {
		tag, n := b[0], int(b[1])
		if 2+n > len(b) {
			return
		}
		d := b[2 : 2+n]
		b = b[2+n:]
		if tag != serviceDescriptorTag || len(d) < 2 {
			continue
		}
		svc.Type = d[0]
		pl := int(d[1])
		if 2+pl >= len(d) {
			continue
		}
		svc.Provider = string(d[2 : 2+pl])
		nl := int(d[2+pl])
		if 3+pl+nl > len(d) {
			continue
		}
		svc.Name = string(d[3+pl : 3+pl+nl])
	}
}

// Equal reports whether two PATs describe the same programs.
func (p *PAT) Equal(o *PAT) bool {
	if p == nil || o == nil {
		return p == o
	}
	if p.TransportStreamID != o.TransportStreamID || len(p.Programs) != len(o.Programs) {
		return false
	}
	for i := range p.Programs {
		if p.Programs[i] != o.Programs[i] {
			return false
		}
	}
	return true
}

// Equal reports whether two PMTs describe the same streams.
func (p *PMT) Equal(o *PMT) bool {
	if p == nil || o == nil {
		return p == o
	}
	if p.ProgramNumber != o.ProgramNumber || p.PCRPID != o.PCRPID || len(p.Streams) != len(o.Streams) {
		return false
	}
	for i := range p.Streams {
		if p.Streams[i] != o.Streams[i] {
			return false
		}
	}
	return true
}

// appendSectionPackets splits a section over transport packets on pid,
// starting with a pointer field and padding the last packet with 0xFF.
// cc is advanced once per packet.
func appendSectionPackets(dst []byte, pid uint16, cc *uint8, section []byte) []byte {
	first := true
	for first || len(section) > 0 {
		h := PacketHeader{
			PayloadUnitStartIndicator: first,
			PID:                       pid,
			HasPayload:                true,
			ContinuityCounter:         *cc,
		}
		*cc = (*cc + 1) & 0x0F
		dst = h.AppendTo(dst)
		room := maxPayload
		if first {
			dst = append(dst, 0x00) // pointer_field
			room--
			first = false
		}
		n := min(room, len(section))
		dst = append(dst, section[:n]...)
		section = section[n:]
		for i := n; i < room; i++ {
			dst = append(dst, 0xFF)
		}
	}
	return dst
}
