package mpegts

const (
	ptsMask = 1<<33 - 1

	pesStartCodeLen = 3
	// start code, stream id and PES_packet_length
	pesFixedHeader = 6
)

// PESHeader is a decoded PES packet header. PTS and DTS are 33-bit 90 kHz
// values.
type PESHeader struct {
	StreamID         uint8
	PacketLength     int
	DataAlignment    bool
	HasPTS           bool
	HasDTS           bool
	PTS              int64
	DTS              int64
	HeaderDataLength int
}

// isPESPayload checks for the PES start code prefix (0x000001).
func isPESPayload(data []byte) bool {
	return len(data) >= pesStartCodeLen && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x01
}

// hasOptionalHeader reports whether a stream id carries the optional PES
// header. padding_stream, private_stream_2, ECM, EMM, DSMCC,
// H.222.1 type E and program_stream_directory do not.
func hasOptionalHeader(streamID uint8) bool {
	switch streamID {
	case 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return false
	}
	return true
}

// ParsePESHeader decodes the PES header at the start of b and returns it
// together with the offset of the elementary stream payload.
func ParsePESHeader(b []byte) (PESHeader, int, error) {
	var h PESHeader
	if len(b) < pesFixedHeader {
		return h, 0, malformed("PES header", "%d bytes", len(b))
	}
	if !isPESPayload(b) {
		return h, 0, malformed("PES header", "invalid start code % x", b[:3])
	}
	h.StreamID = b[3]
	h.PacketLength = int(b[4])<<8 | int(b[5])
	if !hasOptionalHeader(h.StreamID) {
		return h, pesFixedHeader, nil
	}

	// b[6]: marker(2) scrambling(2) priority(1) alignment(1) copyright(1) original(1)
	// b[7]: PTS_DTS_flags(2) ESCR(1) ES_rate(1) DSM_trick(1) copy_info(1) CRC(1) extension(1)
	// b[8]: PES_header_data_length
	if len(b) < 9 {
		return h, 0, malformed("PES optional header", "%d bytes", len(b))
	}
	if b[6]&0xC0 != 0x80 {
		return h, 0, malformed("PES optional header", "marker bits 0x%02X", b[6]>>6)
	}
	h.DataAlignment = b[6]&0x04 != 0
	h.HeaderDataLength = int(b[8])
	payload := 9 + h.HeaderDataLength
	if payload > len(b) {
		return h, 0, malformed("PES optional header", "header data length %d exceeds %d bytes", h.HeaderDataLength, len(b)-9)
	}

	switch b[7] >> 6 {
	case 0x02:
		if h.HeaderDataLength < 5 {
			return h, 0, malformed("PTS", "header data length %d", h.HeaderDataLength)
		}
		pts, err := decodeTimestamp(b[9:14])
		if err != nil {
			return h, 0, &ParseError{Field: "PTS", Err: err}
		}
		h.HasPTS, h.PTS = true, pts
	case 0x03:
		if h.HeaderDataLength < 10 {
			return h, 0, malformed("PTS/DTS", "header data length %d", h.HeaderDataLength)
		}
		pts, err := decodeTimestamp(b[9:14])
		if err != nil {
			return h, 0, &ParseError{Field: "PTS", Err: err}
		}
		dts, err := decodeTimestamp(b[14:19])
		if err != nil {
			return h, 0, &ParseError{Field: "DTS", Err: err}
		}
		h.HasPTS, h.PTS = true, pts
		h.HasDTS, h.DTS = true, dts
	case 0x01:
		return h, 0, malformed("PES optional header", "forbidden PTS_DTS_flags value 01")
	}
	return h, payload, nil
}

// AppendTo appends the header for a payload of payloadLen bytes. The PES
// packet length is left 0 (unbounded) for video streams and for payloads
// that do not fit the 16-bit field.
func (h *PESHeader) AppendTo(dst []byte, payloadLen int) []byte {
	var flags byte
	hdl := 0
	switch {
	case h.HasPTS && h.HasDTS:
		flags, hdl = 0xC0, 10
	case h.HasPTS:
		flags, hdl = 0x80, 5
	}

	length := 3 + hdl + payloadLen
	if length > 0xFFFF || h.StreamID&0xF0 == StreamIDVideo {
		length = 0
	}

	b6 := byte(0x80)
	if h.DataAlignment {
		b6 |= 0x04
	}
	dst = append(dst, 0x00, 0x00, 0x01, h.StreamID, byte(length>>8), byte(length), b6, flags, byte(hdl))
	switch {
	case h.HasPTS && h.HasDTS:
		dst = encodeTimestamp(dst, 0x03, h.PTS)
		dst = encodeTimestamp(dst, 0x01, h.DTS)
	case h.HasPTS:
		dst = encodeTimestamp(dst, 0x02, h.PTS)
	}
	return dst
}

// encodeTimestamp appends a 33-bit timestamp as 5 bytes: the 4-bit prefix,
// then bits 32..30, 29..15 and 14..0, each group followed by a marker bit.
func encodeTimestamp(dst []byte, prefix byte, v int64) []byte {
	u := uint64(v) & ptsMask
	return append(dst,
		prefix<<4|byte(u>>29)&0x0E|0x01,
		byte(u>>22),
		byte(u>>14)&0xFE|0x01,
		byte(u>>7),
		byte(u<<1)&0xFE|0x01,
	)
}

func decodeTimestamp(b []byte) (int64, error) {
	if b[0]&0x01 == 0 || b[2]&0x01 == 0 || b[4]&0x01 == 0 {
		return 0, malformed("timestamp", "marker bits missing in % x", b[:5])
	}
	return int64(b[0]>>1&0x07)<<30 |
		int64(b[1])<<22 |
		int64(b[2]>>1)<<15 |
		int64(b[3])<<7 |
		int64(b[4]>>1), nil
}
