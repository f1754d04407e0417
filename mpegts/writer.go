package mpegts

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/zsiec/avmux/codec/aac"
	"github.com/zsiec/avmux/codec/h264"
	"github.com/zsiec/avmux/media"
)

// Defaults used by DefaultWriterConfig and for zero WriterConfig fields.
const (
	DefaultPMTPID      = 0x1000
	DefaultVideoPID    = 0x0100
	DefaultAudioPID    = 0x0101
	DefaultMaxDuration = 5 * int64(media.MPEGClock)
	DefaultAudioStep   = int64(media.MPEGClock)
	DefaultPCRDelay    = 7 * int64(media.MPEGClock) / 10
)

var accessUnitDelimiter = []byte{0x00, 0x00, 0x00, 0x01, h264.NALTypeAUD, 0xF0}

// TrackConfig describes one elementary stream of the written program.
type TrackConfig struct {
	// Kind selects the codec: any H.264 kind, any AAC kind, or KindMP3.
	Kind       media.Kind
	PID        uint16
	StreamType uint8 // derived from Kind when 0
	StreamID   uint8 // derived from Kind when 0
}

// WriterConfig configures a Writer. Timestamps and durations are 90 kHz
// ticks.
type WriterConfig struct {
	Tracks            []TrackConfig
	TransportStreamID uint16
	ProgramNumber     uint16
	PMTPID            uint16
	// PCRPID must be one of the track PIDs. 0 selects the video track, or
	// the first track for audio-only programs.
	PCRPID          uint16
	ServiceProvider string
	ServiceName     string
	// MaxDuration caps the length of a multiplexing unit when no key frame
	// arrives.
	MaxDuration int64
	// AudioStep is the unit length of audio-only programs.
	AudioStep int64
	// PCRDelay is how far the PCR runs behind the DTS of the PES it rides
	// on. 0 selects DefaultPCRDelay, a negative value disables the offset.
	PCRDelay  int64
	QueueSize int
	Logger    *slog.Logger
}

// DefaultWriterConfig returns a single-program configuration with one H.264
// and one AAC track.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		Tracks: []TrackConfig{
			{Kind: media.KindH264Key, PID: DefaultVideoPID},
			{Kind: media.KindAACRaw, PID: DefaultAudioPID},
		},
		TransportStreamID: 1,
		ProgramNumber:     1,
		PMTPID:            DefaultPMTPID,
		ServiceProvider:   "avmux",
		ServiceName:       "Service01",
		MaxDuration:       DefaultMaxDuration,
		AudioStep:         DefaultAudioStep,
	}
}

type writerTrack struct {
	cfg   TrackConfig
	video bool
	queue *media.TrackQueue

	avc     h264.DecoderConfig
	avcData []byte
	hasAVC  bool
	asc     aac.Config
	hasASC  bool

	cc     uint8
	hasDTS bool
}

// Writer multiplexes frames into a single-program transport stream. Frames
// are queued per track and written in units bounded by video key frames;
// each unit is interleaved by DTS.
//
// A Writer is not safe for concurrent use.
type Writer struct {
	cfg    WriterConfig
	sink   media.ByteSink
	log    *slog.Logger
	tracks []*writerTrack
	video  int
	pcrPID uint16

	patPackets []byte
	pmtPackets []byte
	sdtPackets []byte
	patCC      uint8
	pmtCC      uint8
	sdtCC      uint8
	sdtVersion uint8

	started     bool
	position    int64
	wroteTables bool

	frame   media.Frame
	payload []byte
	pes     []byte
	out     []byte
	packets uint64
}

// NewWriter validates cfg and creates a Writer emitting packets to sink.
// Nothing is written until the first unit is complete.
func NewWriter(sink media.ByteSink, cfg WriterConfig) (*Writer, error) {
	if sink == nil {
		return nil, fmt.Errorf("%w: nil sink", ErrInvalidConfig)
	}
	if len(cfg.Tracks) == 0 {
		return nil, fmt.Errorf("%w: no tracks", ErrInvalidConfig)
	}
	if cfg.PMTPID == 0 {
		cfg.PMTPID = DefaultPMTPID
	}
	if cfg.ProgramNumber == 0 {
		cfg.ProgramNumber = 1
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}
	if cfg.AudioStep <= 0 {
		cfg.AudioStep = DefaultAudioStep
	}
	switch {
	case cfg.PCRDelay == 0:
		cfg.PCRDelay = DefaultPCRDelay
	case cfg.PCRDelay < 0:
		cfg.PCRDelay = 0
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	w := &Writer{
		cfg:   cfg,
		sink:  sink,
		log:   log.With("component", "mpegts-writer"),
		video: -1,
	}

	pids := map[uint16]bool{cfg.PMTPID: true}
	for i, tc := range cfg.Tracks {
		if err := resolveTrack(&tc); err != nil {
			return nil, fmt.Errorf("track %d: %w", i, err)
		}
		if tc.PID <= PIDSDT || tc.PID >= PIDNull || pids[tc.PID] {
			return nil, fmt.Errorf("%w: track %d PID 0x%04X reserved or duplicate", ErrInvalidConfig, i, tc.PID)
		}
		pids[tc.PID] = true

		size := cfg.QueueSize
		t := &writerTrack{cfg: tc, video: tc.Kind.IsVideo()}
		if t.video {
			if w.video >= 0 {
				return nil, fmt.Errorf("%w: more than one video track", ErrInvalidConfig)
			}
			w.video = i
			t.hasDTS = true
			if size == 0 {
				size = media.VideoQueueSize
			}
		} else if size == 0 {
			size = media.AudioQueueSize
		}
		t.queue = media.NewTrackQueue(i, media.MPEGClock, size, w.log)
		w.tracks = append(w.tracks, t)
	}

	switch {
	case cfg.PCRPID != 0:
		if !pids[cfg.PCRPID] || cfg.PCRPID == cfg.PMTPID {
			return nil, fmt.Errorf("%w: PCR PID 0x%04X is not a track PID", ErrInvalidConfig, cfg.PCRPID)
		}
		w.pcrPID = cfg.PCRPID
	case w.video >= 0:
		w.pcrPID = w.tracks[w.video].cfg.PID
	default:
		w.pcrPID = w.tracks[0].cfg.PID
	}

	w.renderTables()
	return w, nil
}

func resolveTrack(tc *TrackConfig) error {
	var st, sid uint8
	switch tc.Kind {
	case media.KindH264Config, media.KindH264Key, media.KindH264Delta:
		st, sid = StreamTypeH264, StreamIDVideo
	case media.KindAACConfig, media.KindAACRaw:
		st, sid = StreamTypeAAC, StreamIDAudio
	case media.KindMP3:
		st, sid = StreamTypeMPEG1Audio, StreamIDAudio
	default:
		return fmt.Errorf("%w: unsupported kind %s", ErrInvalidConfig, tc.Kind)
	}
	if tc.StreamType == 0 {
		tc.StreamType = st
	}
	if tc.StreamID == 0 {
		tc.StreamID = sid
	}
	return nil
}

// PAT returns the program association table the writer emits.
func (w *Writer) PAT() *PAT {
	return &PAT{
		TransportStreamID: w.cfg.TransportStreamID,
		Programs:          []PATProgram{{ProgramNumber: w.cfg.ProgramNumber, PMTPID: w.cfg.PMTPID}},
	}
}

// PMT returns the program map table the writer emits. Its stream list
// always matches the configured tracks.
func (w *Writer) PMT() *PMT {
	pmt := &PMT{ProgramNumber: w.cfg.ProgramNumber, PCRPID: w.pcrPID}
	for _, t := range w.tracks {
		pmt.Streams = append(pmt.Streams, PMTStream{StreamType: t.cfg.StreamType, PID: t.cfg.PID})
	}
	return pmt
}

// SDT returns the service description table the writer emits.
func (w *Writer) SDT() *SDT {
	return &SDT{
		TransportStreamID: w.cfg.TransportStreamID,
		OriginalNetworkID: 1,
		Version:           w.sdtVersion,
		Services: []Service{{
			ServiceID: w.cfg.ProgramNumber,
			Type:      serviceTypeDigitalTV,
			Provider:  w.cfg.ServiceProvider,
			Name:      w.cfg.ServiceName,
		}},
	}
}

func (w *Writer) renderTables() {
	var cc uint8
	w.patPackets = appendSectionPackets(w.patPackets[:0], PIDPAT, &cc, w.PAT().AppendTo(nil))
	w.pmtPackets = appendSectionPackets(w.pmtPackets[:0], w.cfg.PMTPID, &cc, w.PMT().AppendTo(nil))
	w.sdtPackets = appendSectionPackets(w.sdtPackets[:0], PIDSDT, &cc, w.SDT().AppendTo(nil))
}

// appendTables queues the pre-rendered tables with fresh continuity
// counters.
func (w *Writer) appendTables() {
	w.out = appendWithCC(w.out, w.patPackets, &w.patCC)
	w.out = appendWithCC(w.out, w.pmtPackets, &w.pmtCC)
	w.out = appendWithCC(w.out, w.sdtPackets, &w.sdtCC)
	w.packets += uint64(len(w.patPackets)+len(w.pmtPackets)+len(w.sdtPackets)) / PacketSize
	w.wroteTables = true
}

func appendWithCC(dst, packets []byte, cc *uint8) []byte {
	for off := 0; off+PacketSize <= len(packets); off += PacketSize {
		start := len(dst)
		dst = append(dst, packets[off:off+PacketSize]...)
		dst[start+3] = dst[start+3]&0xF0 | *cc
		*cc = (*cc + 1) & 0x0F
	}
	return dst
}

// SetService changes the SDT service metadata and re-emits the tables.
func (w *Writer) SetService(provider, name string) error {
	if provider == w.cfg.ServiceProvider && name == w.cfg.ServiceName {
		return nil
	}
	w.cfg.ServiceProvider, w.cfg.ServiceName = provider, name
	w.sdtVersion = (w.sdtVersion + 1) & 0x1F
	w.renderTables()
	w.log.Debug("service metadata changed", "provider", provider, "name", name, "version", w.sdtVersion)
	w.appendTables()
	return w.emit()
}

// Packets returns the number of transport packets emitted.
func (w *Writer) Packets() uint64 { return w.packets }

// WriteFrame queues f on its track (f.Track indexes WriterConfig.Tracks) and
// writes every unit that became complete. Configuration frames are cached
// and not queued.
func (w *Writer) WriteFrame(f *media.Frame) error {
	if f.Track < 0 || f.Track >= len(w.tracks) {
		return fmt.Errorf("%w: %d", ErrUnknownTrack, f.Track)
	}
	t := w.tracks[f.Track]
	switch f.Kind {
	case media.KindScript, media.KindUnknown:
		return nil
	case media.KindH264Config:
		t.avcData = append(t.avcData[:0], f.Data...)
		cfg, err := h264.ParseDecoderConfig(t.avcData)
		if err != nil {
			return fmt.Errorf("track %d: %w", f.Track, err)
		}
		t.avc, t.hasAVC = cfg, true
		return nil
	case media.KindAACConfig:
		cfg, err := aac.ParseAudioSpecificConfig(f.Data)
		if err != nil {
			return fmt.Errorf("track %d: %w", f.Track, err)
		}
		t.asc, t.hasASC = cfg, true
		return nil
	}
	if !t.accepts(f.Kind) {
		return fmt.Errorf("%w: %s frame on track %d", ErrMalformed, f.Kind, f.Track)
	}
	if t.queue.Len() == t.queue.Cap() {
		if err := w.relieve(t); err != nil {
			return err
		}
	}
	t.queue.Enqueue(f)
	return w.mux(false)
}

// relieve writes a unit covering every frame queued on the full track t, so
// that the next Enqueue does not overwrite one. Frames of the other tracks
// up to the same DTS go out with it.
func (w *Writer) relieve(t *writerTrack) error {
	if !w.started && !w.start() {
		f, _ := t.queue.Peek()
		_, w.position = f.Rescaled(media.MPEGClock)
		w.started = true
	}
	target := int64(math.MinInt64)
	t.queue.Each(func(f *media.Frame) bool {
		_, dts := f.Rescaled(media.MPEGClock)
		target = max(target, dts+1)
		return true
	})
	w.log.Debug("track queue full, writing partial unit",
		"track", t.queue.ID(), "frames", t.queue.Len(), "target", target)
	if err := w.makeData(target); err != nil {
		return err
	}
	w.position = max(w.position, target)
	return nil
}

// accepts reports whether the track can carry frames of kind k.
func (t *writerTrack) accepts(k media.Kind) bool {
	switch t.cfg.StreamType {
	case StreamTypeH264:
		return k == media.KindH264Key || k == media.KindH264Delta
	case StreamTypeAAC:
		return k == media.KindAACRaw
	case StreamTypeMPEG1Audio, StreamTypeMPEG2Audio:
		return k == media.KindMP3
	}
	return k.IsVideo() == t.video
}

// Flush writes everything still queued. Call it at end of stream.
func (w *Writer) Flush() error {
	return w.mux(true)
}

// mux runs the multiplexing cycle until no complete unit is buffered:
// pick the next unit boundary, check every track has data up to it,
// write the unit, advance the written position.
func (w *Writer) mux(final bool) error {
	for {
		if !w.started && !w.start() {
			return nil
		}
		target, ok := w.nextTarget(final)
		if !ok {
			return nil
		}
		if !final && !w.dataReady(target) {
			return nil
		}
		if err := w.makeData(target); err != nil {
			return err
		}
		w.position = target
		if final {
			return nil
		}
	}
}

func (w *Writer) primary() *writerTrack {
	if w.video >= 0 {
		return w.tracks[w.video]
	}
	return w.tracks[0]
}

// start sets the initial written position from the oldest primary frame.
func (w *Writer) start() bool {
	f, ok := w.primary().queue.Peek()
	if !ok {
		return false
	}
	_, w.position = f.Rescaled(media.MPEGClock)
	w.started = true
	return true
}

func (w *Writer) nextTarget(final bool) (int64, bool) {
	if final {
		for _, t := range w.tracks {
			if t.queue.Len() > 0 {
				return math.MaxInt64, true
			}
		}
		return 0, false
	}
	if w.video < 0 {
		return w.position + w.cfg.AudioStep, true
	}

	limit := w.position + w.cfg.MaxDuration
	target := limit
	w.tracks[w.video].queue.Each(func(f *media.Frame) bool {
		if f.Kind != media.KindH264Key {
			return true
		}
		_, dts := f.Rescaled(media.MPEGClock)
		if dts > w.position {
			target = min(dts, limit)
			return false
		}
		return true
	})
	return target, true
}

func (w *Writer) dataReady(target int64) bool {
	lead, seen := int64(0), false
	for _, t := range w.tracks {
		if ts, ok := t.queue.Timestamp(); ok && (!seen || ts > lead) {
			lead, seen = ts, true
		}
	}
	for _, t := range w.tracks {
		ts, ok := t.queue.Timestamp()
		if !ok {
			// a track that never delivered does not hold back the others
			if seen && lead >= target {
				continue
			}
			return false
		}
		if ts < target {
			return false
		}
	}
	return true
}

// makeData writes all queued frames with DTS before target, interleaved by
// DTS. Units that begin with a key frame, and every audio-only unit, are
// preceded by the program tables.
func (w *Writer) makeData(target int64) error {
	randomAccess := w.video < 0
	if w.video >= 0 {
		if f, ok := w.tracks[w.video].queue.Peek(); ok && f.Kind == media.KindH264Key {
			randomAccess = true
		}
	}
	if randomAccess || !w.wroteTables {
		w.appendTables()
	}

	first := true
	for {
		best, bestDTS := -1, int64(0)
		for i, t := range w.tracks {
			f, ok := t.queue.Peek()
			if !ok {
				continue
			}
			_, dts := f.Rescaled(media.MPEGClock)
			if dts >= target {
				continue
			}
			if best < 0 || dts < bestDTS {
				best, bestDTS = i, dts
			}
		}
		if best < 0 {
			break
		}
		t := w.tracks[best]
		t.queue.DequeueInto(&w.frame)
		rai := w.frame.Kind == media.KindH264Key || (w.video < 0 && first)
		if err := w.appendFrame(t, &w.frame, rai); err != nil {
			return err
		}
		first = false
	}
	return w.emit()
}

func (w *Writer) appendFrame(t *writerTrack, f *media.Frame, rai bool) error {
	pts, dts := f.Rescaled(media.MPEGClock)
	w.payload = w.payload[:0]
	switch {
	case t.video:
		w.payload = append(w.payload, accessUnitDelimiter...)
		if f.Kind == media.KindH264Key && t.hasAVC {
			w.payload = t.avc.AppendParameterSets(w.payload)
		}
		var err error
		w.payload, err = h264.AVCCToAnnexB(w.payload, f.Data)
		if err != nil {
			return fmt.Errorf("track %d: %w", f.Track, err)
		}
	case f.Kind == media.KindAACRaw:
		if !t.hasASC {
			w.log.Warn("dropping AAC frame without AudioSpecificConfig", "track", f.Track, "pts", pts)
			return nil
		}
		var err error
		w.payload, err = aac.ADTSHeader(w.payload, t.asc, len(f.Data))
		if err != nil {
			return fmt.Errorf("track %d: %w", f.Track, err)
		}
		w.payload = append(w.payload, f.Data...)
	default:
		w.payload = append(w.payload, f.Data...)
	}

	h := PESHeader{
		StreamID:      t.cfg.StreamID,
		DataAlignment: true,
		HasPTS:        true,
		PTS:           pts,
		HasDTS:        t.hasDTS && dts != pts,
		DTS:           dts,
	}
	w.pes = h.AppendTo(w.pes[:0], len(w.payload))
	w.pes = append(w.pes, w.payload...)
	w.packetize(t, w.pes, t.cfg.PID == w.pcrPID, max(dts-w.cfg.PCRDelay, 0), rai)
	return nil
}

// packetize splits one PES packet into transport packets. The first packet
// carries the PCR on the PCR PID and the random access indicator; the last
// one is padded through the adaptation field.
func (w *Writer) packetize(t *writerTrack, pes []byte, pcr bool, clock int64, rai bool) {
	first := true
	for len(pes) > 0 {
		h := PacketHeader{
			PayloadUnitStartIndicator: first,
			PID:                       t.cfg.PID,
			HasPayload:                true,
			ContinuityCounter:         t.cc,
		}
		t.cc = (t.cc + 1) & 0x0F

		var af AdaptationField
		afSize := 0
		if first && (pcr || rai) {
			af.RandomAccess = rai
			if pcr {
				af.HasPCR = true
				af.PCR = NewPCR(clock)
			}
			afSize = af.size()
		}
		room := maxPayload - afSize
		if len(pes) < room {
			afSize += room - len(pes)
			room = len(pes)
		}
		h.HasAdaptationField = afSize > 0

		w.out = h.AppendTo(w.out)
		if afSize > 0 {
			w.out = af.AppendTo(w.out, afSize)
		}
		w.out = append(w.out, pes[:room]...)
		pes = pes[room:]
		first = false
		w.packets++
	}
}

// emit hands buffered packets to the sink. The slice is reused afterwards.
func (w *Writer) emit() error {
	if len(w.out) == 0 {
		return nil
	}
	ok := w.sink(w.out)
	w.out = w.out[:0]
	if !ok {
		return ErrAborted
	}
	return nil
}
