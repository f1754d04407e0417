package mpegts

import "fmt"

// PacketHeader is the fixed 4-byte transport packet header.
type PacketHeader struct {
	TransportErrorIndicator   bool
	PayloadUnitStartIndicator bool
	TransportPriority         bool
	PID                       uint16
	ScramblingControl         uint8
	HasAdaptationField        bool
	HasPayload                bool
	ContinuityCounter         uint8
}

// ParsePacketHeader decodes the header of a transport packet.
func ParsePacketHeader(b []byte) (PacketHeader, error) {
	var h PacketHeader
	if len(b) < 4 {
		return h, malformed("packet header", "%d bytes", len(b))
	}
	if b[0] != SyncByte {
		return h, fmt.Errorf("%w: 0x%02X", ErrBadSync, b[0])
	}
	h.TransportErrorIndicator = b[1]&0x80 != 0
	h.PayloadUnitStartIndicator = b[1]&0x40 != 0
	h.TransportPriority = b[1]&0x20 != 0
	h.PID = uint16(b[1]&0x1F)<<8 | uint16(b[2])
	h.ScramblingControl = b[3] >> 6 & 0x03
	h.HasAdaptationField = b[3]&0x20 != 0
	h.HasPayload = b[3]&0x10 != 0
	h.ContinuityCounter = b[3] & 0x0F
	return h, nil
}

// AppendTo appends the encoded 4-byte header to dst.
func (h *PacketHeader) AppendTo(dst []byte) []byte {
	b1 := byte(h.PID>>8) & 0x1F
	if h.TransportErrorIndicator {
		b1 |= 0x80
	}
	if h.PayloadUnitStartIndicator {
		b1 |= 0x40
	}
	if h.TransportPriority {
		b1 |= 0x20
	}
	b3 := h.ScramblingControl<<6 | h.ContinuityCounter&0x0F
	if h.HasAdaptationField {
		b3 |= 0x20
	}
	if h.HasPayload {
		b3 |= 0x10
	}
	return append(dst, SyncByte, b1, byte(h.PID), b3)
}

// PCR is a program clock reference: a 33-bit 90 kHz base and a 9-bit
// 27 MHz extension.
type PCR struct {
	Base      uint64
	Extension uint16
}

// NewPCR builds a PCR from a 90 kHz timestamp.
func NewPCR(ts int64) PCR {
	return PCR{Base: uint64(ts) & ptsMask}
}

// Value returns the PCR in 27 MHz ticks.
func (p PCR) Value() uint64 {
	return p.Base*300 + uint64(p.Extension)
}

func (p PCR) appendTo(dst []byte) []byte {
	return append(dst,
		byte(p.Base>>25),
		byte(p.Base>>17),
		byte(p.Base>>9),
		byte(p.Base>>1),
		byte(p.Base<<7)|0x7E|byte(p.Extension>>8)&0x01,
		byte(p.Extension),
	)
}

func parsePCR(b []byte) PCR {
	base := uint64(b[0])<<25 | uint64(b[1])<<17 | uint64(b[2])<<9 | uint64(b[3])<<1 | uint64(b[4])>>7
	ext := uint16(b[4]&0x01)<<8 | uint16(b[5])
	return PCR{Base: base, Extension: ext}
}

// AdaptationField is the optional packet header extension. Only the fields
// the writer produces are decoded; other optional fields are skipped.
type AdaptationField struct {
	Length        int
	Discontinuity bool
	RandomAccess  bool
	ESPriority    bool
	HasPCR        bool
	PCR           PCR
}

// ParseAdaptationField decodes the adaptation field at the start of b
// (the byte after the packet header). It returns the field and the number
// of bytes it occupies, length byte included.
func ParseAdaptationField(b []byte) (AdaptationField, int, error) {
	var af AdaptationField
	if len(b) < 1 {
		return af, 0, malformed("adaptation field", "missing length")
	}
	af.Length = int(b[0])
	if 1+af.Length > len(b) || af.Length > maxPayload-1 {
		return af, 0, malformed("adaptation field", "length %d exceeds packet", af.Length)
	}
	if af.Length == 0 {
		return af, 1, nil
	}
	flags := b[1]
	af.Discontinuity = flags&0x80 != 0
	af.RandomAccess = flags&0x40 != 0
	af.ESPriority = flags&0x20 != 0
	af.HasPCR = flags&0x10 != 0
	if af.HasPCR {
		if af.Length < 7 {
			return af, 0, malformed("adaptation field", "PCR flag set with length %d", af.Length)
		}
		af.PCR = parsePCR(b[2:8])
	}
	return af, 1 + af.Length, nil
}

// size returns the encoded size of the field's flagged content, length
// byte included, before stuffing.
func (af *AdaptationField) size() int {
	n := 2
	if af.HasPCR {
		n += 6
	}
	return n
}

// AppendTo appends the field padded with stuffing bytes so that it occupies
// exactly total bytes (length byte included). total must be at least
// af.size(), except that a total of 1 encodes an empty field.
func (af *AdaptationField) AppendTo(dst []byte, total int) []byte {
	if total == 1 {
		return append(dst, 0)
	}
	dst = append(dst, byte(total-1))
	var flags byte
	if af.Discontinuity {
		flags |= 0x80
	}
	if af.RandomAccess {
		flags |= 0x40
	}
	if af.ESPriority {
		flags |= 0x20
	}
	if af.HasPCR {
		flags |= 0x10
	}
	dst = append(dst, flags)
	if af.HasPCR {
		dst = af.PCR.appendTo(dst)
	}
	for i := af.size(); i < total; i++ {
		dst = append(dst, 0xFF)
	}
	return dst
}

// packet is one decoded transport packet. Payload aliases the input.
type packet struct {
	header     PacketHeader
	adaptation AdaptationField
	payload    []byte
}

func parsePacket(b []byte) (packet, error) {
	var p packet
	if len(b) != PacketSize {
		return p, malformed("packet", "size %d, expected %d", len(b), PacketSize)
	}
	h, err := ParsePacketHeader(b)
	if err != nil {
		return p, err
	}
	p.header = h
	off := 4
	if h.HasAdaptationField {
		af, n, err := ParseAdaptationField(b[off:])
		if err != nil {
			return p, err
		}
		p.adaptation = af
		off += n
	}
	if h.HasPayload && off < PacketSize {
		p.payload = b[off:]
	}
	return p, nil
}
