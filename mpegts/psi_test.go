package mpegts

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/zsiec/avmux/crc"
)

// buildPAT constructs a PAT section by hand, independently of PAT.AppendTo.
func buildPAT(tsID uint16, programs []struct{ num, pid uint16 }) []byte {
	entryLen := len(programs) * 4
	sectionLength := 5 + entryLen + 4 // 5 fixed header bytes after section_length + entries + CRC

	data := make([]byte, 3+sectionLength)
	data[0] = TableIDPAT
	data[1] = 0xB0 | byte(sectionLength>>8)&0x0F // section_syntax_indicator=1
	data[2] = byte(sectionLength)
	data[3] = byte(tsID >> 8)
	data[4] = byte(tsID)
	data[5] = 0xC1 // reserved(2) + version(0) + current_next(1)
	data[6] = 0x00 // section_number
	data[7] = 0x00 // last_section_number

	offset := 8
	for _, p := range programs {
		data[offset] = byte(p.num >> 8)
		data[offset+1] = byte(p.num)
		data[offset+2] = 0xE0 | byte(p.pid>>8)&0x1F // reserved(3) + PID
		data[offset+3] = byte(p.pid)
		offset += 4
	}

	binary.BigEndian.PutUint32(data[offset:], crc.Checksum(data[:offset], crc.MPEGSeed))
	return data
}

func TestParsePAT_OneProgram(t *testing.T) {
	t.Parallel()
	data := buildPAT(1, []struct{ num, pid uint16 }{{1, 0x1000}})

	pat, err := ParsePAT(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(pat.Programs) != 1 {
		t.Fatalf("expected 1 program, got %d", len(pat.Programs))
	}
	if pat.Programs[0].ProgramNumber != 1 {
		t.Errorf("program number = %d, want 1", pat.Programs[0].ProgramNumber)
	}
	if pat.Programs[0].PMTPID != 0x1000 {
		t.Errorf("PMT PID = 0x%X, want 0x1000", pat.Programs[0].PMTPID)
	}
}

func TestParsePAT_SkipsNIT(t *testing.T) {
	t.Parallel()
	// program_number=0 is the network PID
	data := buildPAT(1, []struct{ num, pid uint16 }{{0, 0x10}, {1, 0x100}})

	pat, err := ParsePAT(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(pat.Programs) != 1 {
		t.Fatalf("expected 1 program (NIT skipped), got %d", len(pat.Programs))
	}
}

func TestParsePAT_BadCRC(t *testing.T) {
	t.Parallel()
	data := buildPAT(1, []struct{ num, pid uint16 }{{1, 0x100}})
	data[len(data)-1] ^= 0xFF

	if _, err := ParsePAT(data); !errors.Is(err, ErrChecksum) {
		t.Errorf("err = %v, want ErrChecksum", err)
	}
}

func TestPATAppendToMatchesHandBuilt(t *testing.T) {
	t.Parallel()
	pat := &PAT{TransportStreamID: 7, Programs: []PATProgram{{ProgramNumber: 1, PMTPID: 0x1000}, {ProgramNumber: 2, PMTPID: 0x200}}}
	got := pat.AppendTo(nil)
	want := buildPAT(7, []struct{ num, pid uint16 }{{1, 0x1000}, {2, 0x200}})
	if string(got) != string(want) {
		t.Errorf("AppendTo = % x\nwant      % x", got, want)
	}
	if err := crc.Verify(got); err != nil {
		t.Errorf("CRC over section: %v", err)
	}
}

func TestPMTRoundTrip(t *testing.T) {
	t.Parallel()
	pmt := &PMT{
		ProgramNumber: 1,
		Version:       3,
		PCRPID:        0x100,
		Streams: []PMTStream{
			{StreamType: StreamTypeH264, PID: 0x100},
			{StreamType: StreamTypeAAC, PID: 0x101},
		},
	}
	got, err := ParsePMT(pmt.AppendTo(nil))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(pmt) {
		t.Errorf("round trip = %+v, want %+v", got, pmt)
	}
	if got.Version != 3 {
		t.Errorf("version = %d, want 3", got.Version)
	}
}

func TestParsePMT_WrongTable(t *testing.T) {
	t.Parallel()
	data := buildPAT(1, []struct{ num, pid uint16 }{{1, 0x100}})
	if _, err := ParsePMT(data); !errors.Is(err, ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
}

func TestParsePMT_SkipsDescriptors(t *testing.T) {
	t.Parallel()
	body := []byte{
		0xE1, 0x00, // PCR PID 0x100
		0xF0, 0x03, 0x05, 0x01, 0xAA, // program_info: one 3-byte descriptor
		StreamTypeH264, 0xE1, 0x00, 0xF0, 0x02, 0x0A, 0x00, // one 2-byte ES descriptor
		StreamTypeAAC, 0xE1, 0x01, 0xF0, 0x00,
	}
	section := appendSection(nil, TableIDPMT, 1, 0, func(b []byte) []byte { return append(b, body...) })
	pmt, err := ParsePMT(section)
	if err != nil {
		t.Fatal(err)
	}
	if len(pmt.Streams) != 2 || pmt.Streams[1].PID != 0x101 {
		t.Errorf("streams = %+v", pmt.Streams)
	}
}

func TestSDTRoundTrip(t *testing.T) {
	t.Parallel()
	sdt := &SDT{
		TransportStreamID: 1,
		OriginalNetworkID: 1,
		Version:           2,
		Services: []Service{
			{ServiceID: 1, Type: serviceTypeDigitalTV, Provider: "avmux", Name: "Service01"},
		},
	}
	got, err := ParseSDT(sdt.AppendTo(nil))
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 2 || got.OriginalNetworkID != 1 || len(got.Services) != 1 {
		t.Fatalf("SDT = %+v", got)
	}
	if got.Services[0] != sdt.Services[0] {
		t.Errorf("service = %+v, want %+v", got.Services[0], sdt.Services[0])
	}
}

func TestSectionPackets(t *testing.T) {
	t.Parallel()
	section := (&PAT{TransportStreamID: 1, Programs: []PATProgram{{1, 0x1000}}}).AppendTo(nil)
	cc := uint8(15)
	out := appendSectionPackets(nil, PIDPAT, &cc, section)
	if len(out) != PacketSize {
		t.Fatalf("packets = %d bytes, want %d", len(out), PacketSize)
	}
	if cc != 0 {
		t.Errorf("cc after wrap = %d, want 0", cc)
	}
	h, err := ParsePacketHeader(out)
	if err != nil {
		t.Fatal(err)
	}
	if !h.PayloadUnitStartIndicator || h.PID != PIDPAT || h.ContinuityCounter != 15 {
		t.Errorf("header = %+v", h)
	}
	if out[4] != 0 {
		t.Errorf("pointer field = %d, want 0", out[4])
	}
	if out[PacketSize-1] != 0xFF {
		t.Error("section not padded with 0xFF")
	}

	long := make([]byte, 400)
	out = appendSectionPackets(nil, 0x1000, &cc, long)
	if len(out) != 3*PacketSize {
		t.Errorf("400-byte section spans %d packets, want 3", len(out)/PacketSize)
	}
}

func TestTableEqual(t *testing.T) {
	t.Parallel()
	a := &PMT{ProgramNumber: 1, PCRPID: 0x100, Streams: []PMTStream{{StreamTypeH264, 0x100}}}
	b := &PMT{ProgramNumber: 1, PCRPID: 0x100, Streams: []PMTStream{{StreamTypeAAC, 0x100}}}
	if a.Equal(b) {
		t.Error("PMTs with different stream types compare equal")
	}
	if !a.Equal(a) || a.Equal(nil) {
		t.Error("PMT.Equal identity/nil")
	}
	var nilPAT *PAT
	if !nilPAT.Equal(nil) {
		t.Error("nil PATs should be equal")
	}
}
