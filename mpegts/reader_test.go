package mpegts

import (
	"bytes"
	"errors"
	"testing"

	"github.com/zsiec/avmux/media"
)

// readAll feeds data to a new Reader in chunks of the given size and
// returns every delivered frame, cloned.
func readAll(data []byte, chunk int, opts ...ReaderOption) ([]media.Frame, *Reader, error) {
	r := NewReader(opts...)
	var frames []media.Frame
	fn := func(f *media.Frame) bool {
		frames = append(frames, *f.Clone(nil))
		return true
	}
	for off := 0; off < len(data); off += chunk {
		if err := r.Feed(data[off:min(off+chunk, len(data))], fn); err != nil {
			return frames, r, err
		}
	}
	return frames, r, r.Flush(fn)
}

func countKind(frames []media.Frame, kinds ...media.Kind) int {
	n := 0
	for _, f := range frames {
		for _, k := range kinds {
			if f.Kind == k {
				n++
			}
		}
	}
	return n
}

func TestReaderSplitFeedEquivalence(t *testing.T) {
	t.Parallel()
	data := writeTestStream(t, DefaultWriterConfig(), 30, 47)

	whole, _, err := readAll(data, len(data))
	if err != nil {
		t.Fatal(err)
	}
	for _, chunk := range []int{1, 7, 187, 189, 1000} {
		split, r, err := readAll(data, chunk)
		if err != nil {
			t.Fatalf("chunk %d: %v", chunk, err)
		}
		if len(split) != len(whole) {
			t.Fatalf("chunk %d: %d frames, want %d", chunk, len(split), len(whole))
		}
		for i := range whole {
			if split[i].String() != whole[i].String() || !bytes.Equal(split[i].Data, whole[i].Data) {
				t.Fatalf("chunk %d: frame %d = %s, want %s", chunk, i, &split[i], &whole[i])
			}
		}
		if r.Buffered() != 0 {
			t.Errorf("chunk %d: %d bytes left buffered", chunk, r.Buffered())
		}
	}
}

func TestReaderKeepsPartialPacket(t *testing.T) {
	t.Parallel()
	data := writeTestStream(t, DefaultWriterConfig(), 1, 1)
	r := NewReader()
	if err := r.Feed(data[:PacketSize+10], func(*media.Frame) bool { return true }); err != nil {
		t.Fatal(err)
	}
	if r.Buffered() != 10 {
		t.Errorf("Buffered = %d, want 10", r.Buffered())
	}
	if r.Stats().Packets != 1 {
		t.Errorf("Packets = %d, want 1", r.Stats().Packets)
	}
}

func TestReaderBadSync(t *testing.T) {
	t.Parallel()
	r := NewReader()
	err := r.Feed(make([]byte, PacketSize), func(*media.Frame) bool { return true })
	if !errors.Is(err, ErrBadSync) {
		t.Fatalf("err = %v, want ErrBadSync", err)
	}
	if r.Buffered() != PacketSize {
		t.Errorf("Buffered = %d, want the packet left unconsumed", r.Buffered())
	}
}

func TestReaderChecksumError(t *testing.T) {
	t.Parallel()
	section := (&PAT{TransportStreamID: 1, Programs: []PATProgram{{1, 0x1000}}}).AppendTo(nil)
	section[9] ^= 0x01 // program number low byte
	var cc uint8
	data := appendSectionPackets(nil, PIDPAT, &cc, section)

	r := NewReader()
	err := r.Feed(data, func(*media.Frame) bool { return true })
	if !errors.Is(err, ErrChecksum) {
		t.Fatalf("err = %v, want ErrChecksum", err)
	}
	if r.Stats().ChecksumErrors != 1 {
		t.Errorf("ChecksumErrors = %d, want 1", r.Stats().ChecksumErrors)
	}
	if r.PAT() != nil {
		t.Error("corrupt PAT was accepted")
	}
}

func TestReaderExpectedTracks(t *testing.T) {
	t.Parallel()
	data := writeTestStream(t, DefaultWriterConfig(), 1, 1)
	if _, _, err := readAll(data, len(data), WithExpectedTracks(1)); !errors.Is(err, ErrTrackMismatch) {
		t.Errorf("err = %v, want ErrTrackMismatch", err)
	}
	if _, _, err := readAll(data, len(data), WithExpectedTracks(2)); err != nil {
		t.Errorf("matching track count: %v", err)
	}
}

func TestReaderAbort(t *testing.T) {
	t.Parallel()
	data := writeTestStream(t, DefaultWriterConfig(), 30, 47)
	r := NewReader()
	calls := 0
	err := r.Feed(data, func(*media.Frame) bool {
		calls++
		return false
	})
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("err = %v, want ErrAborted", err)
	}
	if calls != 1 {
		t.Errorf("callback invoked %d times after abort", calls)
	}
}

// videoPacketAfterStart returns the offset of the packet following the nth
// video unit start on the video PID.
func videoPacketAfterStart(t *testing.T, data []byte, n int) int {
	t.Helper()
	starts := 0
	for off := 0; off < len(data); off += PacketSize {
		h, _ := ParsePacketHeader(data[off:])
		if h.PID != DefaultVideoPID {
			continue
		}
		if h.PayloadUnitStartIndicator {
			starts++
			continue
		}
		if starts == n {
			return off
		}
	}
	t.Fatalf("no continuation packet after video unit %d", n)
	return 0
}

func TestReaderContinuityGap(t *testing.T) {
	t.Parallel()
	data := writeTestStream(t, DefaultWriterConfig(), 30, 47)
	off := videoPacketAfterStart(t, data, 10)
	lossy := append(append([]byte{}, data[:off]...), data[off+PacketSize:]...)

	frames, r, err := readAll(lossy, len(lossy))
	if err != nil {
		t.Fatal(err)
	}
	st := r.Stats()
	if st.CCErrors != 1 || st.Truncated != 1 {
		t.Errorf("CCErrors = %d, Truncated = %d; want 1, 1", st.CCErrors, st.Truncated)
	}
	if got := countKind(frames, media.KindH264Key, media.KindH264Delta); got != 29 {
		t.Errorf("video frames = %d, want 29", got)
	}
	if got := countKind(frames, media.KindAACRaw); got != 47 {
		t.Errorf("audio frames = %d, want 47", got)
	}
}

func TestReaderDuplicatePacket(t *testing.T) {
	t.Parallel()
	data := writeTestStream(t, DefaultWriterConfig(), 30, 47)
	off := videoPacketAfterStart(t, data, 5)
	var dup []byte
	dup = append(dup, data[:off+PacketSize]...)
	dup = append(dup, data[off:off+PacketSize]...)
	dup = append(dup, data[off+PacketSize:]...)

	frames, r, err := readAll(dup, len(dup))
	if err != nil {
		t.Fatal(err)
	}
	if r.Stats().Duplicates != 1 || r.Stats().CCErrors != 0 {
		t.Errorf("stats = %+v", r.Stats())
	}
	if got := countKind(frames, media.KindH264Key, media.KindH264Delta); got != 30 {
		t.Errorf("video frames = %d, want 30", got)
	}
}

func TestReaderTransportErrorIndicator(t *testing.T) {
	t.Parallel()
	data := writeTestStream(t, DefaultWriterConfig(), 30, 47)
	off := videoPacketAfterStart(t, data, 3)
	bad := append([]byte{}, data...)
	bad[off+1] |= 0x80

	frames, r, err := readAll(bad, len(bad))
	if err != nil {
		t.Fatal(err)
	}
	if r.Stats().TransportError != 1 {
		t.Errorf("TransportError = %d, want 1", r.Stats().TransportError)
	}
	if got := countKind(frames, media.KindH264Key, media.KindH264Delta); got != 29 {
		t.Errorf("video frames = %d, want 29", got)
	}
}

func TestReaderReset(t *testing.T) {
	t.Parallel()
	data := writeTestStream(t, DefaultWriterConfig(), 1, 1)
	r := NewReader()
	if err := r.Feed(data[:PacketSize*2+5], func(*media.Frame) bool { return true }); err != nil {
		t.Fatal(err)
	}
	if r.PAT() == nil {
		t.Fatal("PAT not parsed")
	}
	r.Reset()
	if r.PAT() != nil || r.PMT() != nil || r.Buffered() != 0 {
		t.Error("Reset kept state")
	}
}

func TestDecodePES(t *testing.T) {
	t.Parallel()
	var adts []byte
	adts = append(adts, 0xFF, 0xF1, 0x4C, 0x80, 0x01, 0x5F, 0xFC) // 48 kHz stereo, 10-byte frame
	adts = append(adts, 0x01, 0x02, 0x03)
	pes := buildPESPacket(0xC0, 90000, 0, true, false, adts)

	var got []media.Frame
	err := DecodePES(pes, StreamTypeAAC, 1, func(f *media.Frame) bool {
		got = append(got, *f.Clone(nil))
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Kind != media.KindAACConfig || got[1].Kind != media.KindAACRaw {
		t.Fatalf("frames = %v", got)
	}
	if !bytes.Equal(got[1].Data, []byte{0x01, 0x02, 0x03}) || got[1].PTS != 90000 || got[1].Track != 1 {
		t.Errorf("raw frame = %s % x", &got[1], got[1].Data)
	}
	if !bytes.Equal(got[0].Data, testASC) {
		t.Errorf("config = % x, want % x", got[0].Data, testASC)
	}
}

func FuzzReaderFeed(f *testing.F) {
	var seed []byte
	w, _ := NewWriter(collectSink(&seed), DefaultWriterConfig())
	_ = w.SetService("fuzz", "seed")
	f.Add(seed)
	f.Add(make([]byte, PacketSize))

	f.Fuzz(func(t *testing.T, data []byte) {
		r := NewReader()
		fn := func(*media.Frame) bool { return true }
		if err := r.Feed(data, fn); err != nil {
			return
		}
		_ = r.Flush(fn)
	})
}
