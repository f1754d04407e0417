package mpegts

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/zsiec/avmux/buffer"
	"github.com/zsiec/avmux/media"
)

// pesBufferSize is the initial capacity of a per-PID PES reassembly buffer.
const pesBufferSize = 64 << 10

// Stats counts reader events.
type Stats struct {
	Packets        uint64
	PESUnits       uint64
	Frames         uint64
	CCErrors       uint64
	Duplicates     uint64
	TransportError uint64
	Truncated      uint64
	TableUpdates   uint64
	ChecksumErrors uint64
}

// pesState is the reassembly state of one elementary stream PID.
type pesState struct {
	pid      uint16
	buf      []byte
	expected int // total PES size, 0 if unbounded
	started  bool
	dec      *esDecoder
}

func (s *pesState) reset() {
	s.buf = s.buf[:0]
	s.expected = 0
	s.started = false
}

// sectionState reassembles PSI sections spanning packets.
type sectionState struct {
	buf    []byte
	active bool
}

type ccState struct {
	last uint8
	seen bool
}

// Reader demultiplexes a transport stream fed in arbitrary chunks.
//
// A Reader is not safe for concurrent use.
type Reader struct {
	log          *slog.Logger
	expectTracks int

	buf      *buffer.Buffer
	cc       map[uint16]*ccState
	sections map[uint16]*sectionState
	pes      map[uint16]*pesState
	pmtPIDs  map[uint16]bool

	pat   *PAT
	pmt   *PMT
	sdt   *SDT
	stats Stats
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithLogger sets the reader's logger. The default is slog.Default().
func WithLogger(log *slog.Logger) ReaderOption {
	return func(r *Reader) {
		r.log = log
	}
}

// WithExpectedTracks makes a PMT whose stream count differs from n a
// malformed-input error.
func WithExpectedTracks(n int) ReaderOption {
	return func(r *Reader) {
		r.expectTracks = n
	}
}

// NewReader creates a transport stream reader.
func NewReader(opts ...ReaderOption) *Reader {
	r := &Reader{log: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "mpegts-reader")
	r.buf = buffer.New(16 * PacketSize)
	r.Reset()
	return r
}

// Reset discards all buffered input and discovered tables.
func (r *Reader) Reset() {
	r.buf.Reset()
	r.cc = make(map[uint16]*ccState)
	r.sections = make(map[uint16]*sectionState)
	r.pes = make(map[uint16]*pesState)
	r.pmtPIDs = make(map[uint16]bool)
	r.pat, r.pmt, r.sdt = nil, nil, nil
}

// PAT returns the most recent Program Association Table, or nil.
func (r *Reader) PAT() *PAT { return r.pat }

// PMT returns the most recent Program Map Table, or nil.
func (r *Reader) PMT() *PMT { return r.pmt }

// SDT returns the most recent Service Description Table, or nil.
func (r *Reader) SDT() *SDT { return r.sdt }

// Stats returns a snapshot of the reader counters.
func (r *Reader) Stats() Stats { return r.stats }

// Buffered returns the number of bytes held back waiting for a complete
// packet.
func (r *Reader) Buffered() int { return r.buf.Len() }

// Feed consumes p and delivers every frame completed by it. Incomplete
// trailing packets are kept for the next call. Feed stops at the first
// malformed packet: a bad sync byte leaves the packet unconsumed, other
// errors consume it. If fn returns false Feed returns ErrAborted.
func (r *Reader) Feed(p []byte, fn media.FrameFunc) error {
	r.buf.Append(p)
	defer r.buf.Compact()

	for r.buf.Len() >= PacketSize {
		pkt := r.buf.Bytes()[:PacketSize]
		if pkt[0] != SyncByte {
			return fmt.Errorf("%w: 0x%02X at packet %d", ErrBadSync, pkt[0], r.stats.Packets)
		}
		_ = r.buf.MarkAsRead(PacketSize)
		if err := r.handlePacket(pkt, fn); err != nil {
			return err
		}
	}
	return nil
}

// Flush delivers every PES unit still being assembled, in PID order. Call it
// at end of input.
func (r *Reader) Flush(fn media.FrameFunc) error {
	pids := make([]int, 0, len(r.pes))
	for pid, s := range r.pes {
		if s.started {
			pids = append(pids, int(pid))
		}
	}
	sort.Ints(pids)
	for _, pid := range pids {
		if err := r.deliver(r.pes[uint16(pid)], fn); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) handlePacket(b []byte, fn media.FrameFunc) error {
	r.stats.Packets++
	p, err := parsePacket(b)
	if err != nil {
		return err
	}
	h := &p.header
	if h.TransportErrorIndicator {
		r.stats.TransportError++
		r.discard(h.PID)
		return nil
	}
	if h.PID == PIDNull || !h.HasPayload {
		return nil
	}

	cc, ok := r.cc[h.PID]
	if !ok {
		cc = &ccState{}
		r.cc[h.PID] = cc
	}
	if cc.seen && !p.adaptation.Discontinuity {
		expected := (cc.last + 1) & 0x0F
		if h.ContinuityCounter == cc.last {
			r.stats.Duplicates++
			return nil
		}
		if h.ContinuityCounter != expected {
			r.stats.CCErrors++
			r.log.Debug("continuity counter gap", "pid", h.PID, "expected", expected, "got", h.ContinuityCounter)
			r.discard(h.PID)
		}
	}
	cc.last, cc.seen = h.ContinuityCounter, true

	switch {
	case h.PID == PIDPAT || h.PID == PIDSDT || r.pmtPIDs[h.PID]:
		return r.handleSection(h, p.payload)
	}
	if s, ok := r.pes[h.PID]; ok {
		return r.handlePES(s, h, p.payload, fn)
	}
	return nil
}

// discard drops partial state on pid after a loss.
func (r *Reader) discard(pid uint16) {
	if s, ok := r.pes[pid]; ok && s.started {
		r.stats.Truncated++
		s.reset()
	}
	if s, ok := r.sections[pid]; ok {
		s.active = false
		s.buf = s.buf[:0]
	}
}

func (r *Reader) handleSection(h *PacketHeader, payload []byte) error {
	s, ok := r.sections[h.PID]
	if !ok {
		s = &sectionState{}
		r.sections[h.PID] = s
	}
	if h.PayloadUnitStartIndicator {
		if len(payload) < 1 {
			return malformed("pointer field", "empty payload on PID 0x%04X", h.PID)
		}
		pointer := int(payload[0])
		if 1+pointer > len(payload) {
			return malformed("pointer field", "%d exceeds payload", pointer)
		}
		if s.active {
			s.buf = append(s.buf, payload[1:1+pointer]...)
			if err := r.drainSections(h.PID, s); err != nil {
				return err
			}
		}
		s.buf = append(s.buf[:0], payload[1+pointer:]...)
		s.active = true
	} else if s.active {
		s.buf = append(s.buf, payload...)
	}
	return r.drainSections(h.PID, s)
}

// drainSections processes every complete section at the front of s.buf.
func (r *Reader) drainSections(pid uint16, s *sectionState) error {
	for s.active {
		if len(s.buf) > 0 && s.buf[0] == 0xFF {
			s.active = false
			s.buf = s.buf[:0]
			return nil
		}
		if len(s.buf) < 3 {
			return nil
		}
		need := 3 + (int(s.buf[1]&0x0F)<<8 | int(s.buf[2]))
		if len(s.buf) < need {
			return nil
		}
		section := s.buf[:need]
		err := r.handleTable(pid, section)
		if errors.Is(err, ErrChecksum) {
			r.stats.ChecksumErrors++
		}
		s.buf = s.buf[:copy(s.buf, s.buf[need:])]
		if len(s.buf) == 0 {
			s.active = false
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) handleTable(pid uint16, section []byte) error {
	switch {
	case pid == PIDPAT && section[0] == TableIDPAT:
		pat, err := ParsePAT(section)
		if err != nil {
			return err
		}
		if !pat.Equal(r.pat) {
			r.stats.TableUpdates++
			r.log.Debug("PAT updated", "programs", len(pat.Programs), "version", pat.Version)
		}
		r.pat = pat
		for _, prog := range pat.Programs {
			r.pmtPIDs[prog.PMTPID] = true
		}
	case pid == PIDSDT && section[0] == TableIDSDT:
		sdt, err := ParseSDT(section)
		if err != nil {
			return err
		}
		r.sdt = sdt
	case r.pmtPIDs[pid] && section[0] == TableIDPMT:
		pmt, err := ParsePMT(section)
		if err != nil {
			return err
		}
		if r.expectTracks > 0 && len(pmt.Streams) != r.expectTracks {
			return fmt.Errorf("%w: %d streams, expected %d", ErrTrackMismatch, len(pmt.Streams), r.expectTracks)
		}
		if r.pmt != nil && r.pmt.ProgramNumber != pmt.ProgramNumber {
			// only the first program is demultiplexed
			return nil
		}
		if !pmt.Equal(r.pmt) {
			r.stats.TableUpdates++
			r.log.Debug("PMT updated", "program", pmt.ProgramNumber, "streams", len(pmt.Streams), "pcr_pid", pmt.PCRPID)
			r.applyPMT(pmt)
		}
		r.pmt = pmt
	}
	return nil
}

// applyPMT registers PES state for every stream, keeping buffers of PIDs
// whose stream type is unchanged.
func (r *Reader) applyPMT(pmt *PMT) {
	next := make(map[uint16]*pesState, len(pmt.Streams))
	for i, es := range pmt.Streams {
		if s, ok := r.pes[es.PID]; ok && s.dec.streamType == es.StreamType {
			s.dec.track = i
			next[es.PID] = s
			continue
		}
		next[es.PID] = &pesState{
			pid: es.PID,
			buf: make([]byte, 0, pesBufferSize),
			dec: newESDecoder(es.StreamType, i),
		}
	}
	r.pes = next
}

func (r *Reader) handlePES(s *pesState, h *PacketHeader, payload []byte, fn media.FrameFunc) error {
	if h.PayloadUnitStartIndicator {
		var err error
		if s.started {
			if s.expected > 0 {
				r.stats.Truncated++
				r.log.Debug("PES unit shorter than declared length", "pid", s.pid, "have", len(s.buf), "want", s.expected)
			} else {
				err = r.deliver(s, fn)
			}
		}
		s.buf = append(s.buf[:0], payload...)
		s.started = true
		s.expected = declaredSize(payload)
		if err != nil {
			return err
		}
	} else if s.started {
		s.buf = append(s.buf, payload...)
	} else {
		return nil
	}

	if s.expected > 0 && len(s.buf) >= s.expected {
		s.buf = s.buf[:s.expected]
		return r.deliver(s, fn)
	}
	return nil
}

// declaredSize returns the total PES size announced by a unit-start
// payload, or 0 if unbounded or not yet known.
func declaredSize(payload []byte) int {
	if len(payload) < pesFixedHeader || !isPESPayload(payload) {
		return 0
	}
	n := int(payload[4])<<8 | int(payload[5])
	if n == 0 {
		return 0
	}
	return pesFixedHeader + n
}

func (r *Reader) deliver(s *pesState, fn media.FrameFunc) error {
	data := s.buf
	s.started = false
	s.expected = 0
	s.buf = s.buf[:0]

	h, off, err := ParsePESHeader(data)
	if err != nil {
		r.stats.Truncated++
		return fmt.Errorf("PID 0x%04X: %w", s.pid, err)
	}
	r.stats.PESUnits++
	pts, dts := timestamps(&h)
	ok := s.dec.decode(data[off:], pts, dts, func(f *media.Frame) bool {
		r.stats.Frames++
		return fn(f)
	})
	if !ok {
		return ErrAborted
	}
	return nil
}
