package pipeline

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/zsiec/avmux/codec/aac"
	"github.com/zsiec/avmux/codec/h264"
	"github.com/zsiec/avmux/container"
	"github.com/zsiec/avmux/flv"
	"github.com/zsiec/avmux/media"
	"github.com/zsiec/avmux/mpegts"
)

var (
	testSPS = []byte{0x67, 0x42, 0xE0, 0x1E}
	testPPS = []byte{0x68, 0xCE, 0x38, 0x80}
	testASC = aac.BuildAudioSpecificConfig(aac.Config{ObjectType: 2, SampleRate: 48000, Channels: 2})
)

const (
	testVideoFrames = 45
	testAudioFrames = 70
)

func accessUnit(i int, key bool) []byte {
	nal := bytes.Repeat([]byte{byte(i) | 0x80}, 250)
	nal[0] = 0x41
	if key {
		nal[0] = 0x65
	}
	return h264.AppendAVCC(nil, h264.NALUnit{Data: nal})
}

// flvInput writes 1.5 s of 30 fps video with a key frame every second and
// 48 kHz AAC audio.
func flvInput(t *testing.T) []byte {
	t.Helper()
	var out bytes.Buffer
	w, err := flv.NewWriter(func(b []byte) bool {
		out.Write(b)
		return true
	}, flv.DefaultWriterConfig())
	if err != nil {
		t.Fatal(err)
	}
	write := func(f media.Frame) {
		t.Helper()
		f.Timebase = media.Millisecond
		if err := w.WriteFrame(&f); err != nil {
			t.Fatalf("WriteFrame(%s): %v", f.String(), err)
		}
	}
	write(media.Frame{Kind: media.KindH264Config, Track: flv.TrackVideo, Data: h264.BuildDecoderConfig(testSPS, testPPS)})
	write(media.Frame{Kind: media.KindAACConfig, Track: flv.TrackAudio, Data: testASC})

	vi, ai := 0, 0
	for vi < testVideoFrames || ai < testAudioFrames {
		vts := int64(vi) * 100 / 3
		ats := int64(ai) * 64 / 3
		if vi < testVideoFrames && (ai >= testAudioFrames || vts <= ats) {
			kind := media.KindH264Delta
			if vi%30 == 0 {
				kind = media.KindH264Key
			}
			write(media.Frame{Kind: kind, Track: flv.TrackVideo, PTS: vts, DTS: vts, Data: accessUnit(vi, kind == media.KindH264Key)})
			vi++
			continue
		}
		write(media.Frame{Kind: media.KindAACRaw, Track: flv.TrackAudio, PTS: ats, DTS: ats, Data: bytes.Repeat([]byte{byte(ai)}, 120)})
		ai++
	}
	return out.Bytes()
}

func runPipeline(t *testing.T, cfg Config, input []byte) ([]byte, Stats) {
	t.Helper()
	var out bytes.Buffer
	cfg.Sink = func(b []byte) bool {
		out.Write(b)
		return true
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Run(context.Background(), bytes.NewReader(input)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return out.Bytes(), p.Stats()
}

func countKinds(t *testing.T, kind container.Kind, data []byte) map[media.Kind]int {
	t.Helper()
	counts := make(map[media.Kind]int)
	fn := func(f *media.Frame) bool {
		counts[f.Kind]++
		return true
	}
	switch kind {
	case container.FLV:
		if err := flv.NewReader().Feed(data, fn); err != nil {
			t.Fatalf("flv Feed: %v", err)
		}
	case container.MPEGTS:
		r := mpegts.NewReader()
		if err := r.Feed(data, fn); err != nil {
			t.Fatalf("mpegts Feed: %v", err)
		}
		if err := r.Flush(fn); err != nil {
			t.Fatalf("mpegts Flush: %v", err)
		}
	}
	return counts
}

func videoFrames(c map[media.Kind]int) int {
	return c[media.KindH264Key] + c[media.KindH264Delta]
}

func TestRemuxFLVToTS(t *testing.T) {
	t.Parallel()
	input := flvInput(t)
	out, stats := runPipeline(t, Config{Input: container.FLV, Output: container.MPEGTS, ChunkSize: 100}, input)

	if len(out)%mpegts.PacketSize != 0 {
		t.Fatalf("output is %d bytes, not whole packets", len(out))
	}
	counts := countKinds(t, container.MPEGTS, out)
	if got := videoFrames(counts); got != testVideoFrames {
		t.Errorf("video frames = %d, want %d", got, testVideoFrames)
	}
	if counts[media.KindH264Key] != 2 {
		t.Errorf("key frames = %d, want 2", counts[media.KindH264Key])
	}
	if counts[media.KindAACRaw] != testAudioFrames {
		t.Errorf("audio frames = %d, want %d", counts[media.KindAACRaw], testAudioFrames)
	}

	if stats.BytesIn != int64(len(input)) {
		t.Errorf("BytesIn = %d, want %d", stats.BytesIn, len(input))
	}
	if stats.BytesOut != int64(len(out)) {
		t.Errorf("BytesOut = %d, want %d", stats.BytesOut, len(out))
	}
	if want := int64(testVideoFrames + testAudioFrames + 2); stats.FramesIn != want {
		t.Errorf("FramesIn = %d, want %d", stats.FramesIn, want)
	}
	if stats.FramesDropped != 0 {
		t.Errorf("FramesDropped = %d, want 0", stats.FramesDropped)
	}
	if stats.Input != "flv" || stats.Output != "mpegts" {
		t.Errorf("formats = %s -> %s", stats.Input, stats.Output)
	}
}

func TestRemuxTSToFLVDetected(t *testing.T) {
	t.Parallel()
	ts, _ := runPipeline(t, Config{Output: container.MPEGTS}, flvInput(t))

	var seen int
	cfg := Config{
		Output:    container.FLV,
		ChunkSize: 188 * 3,
		Observer:  func(*media.Frame) { seen++ },
	}
	out, stats := runPipeline(t, cfg, ts)
	if stats.Input != "mpegts" {
		t.Errorf("detected input = %s, want mpegts", stats.Input)
	}
	if int64(seen) != stats.FramesIn {
		t.Errorf("observer saw %d frames, FramesIn = %d", seen, stats.FramesIn)
	}

	counts := countKinds(t, container.FLV, out)
	if got := videoFrames(counts); got != testVideoFrames {
		t.Errorf("video frames = %d, want %d", got, testVideoFrames)
	}
	if counts[media.KindAACRaw] != testAudioFrames {
		t.Errorf("audio frames = %d, want %d", counts[media.KindAACRaw], testAudioFrames)
	}
	if counts[media.KindH264Config] != 1 || counts[media.KindAACConfig] != 1 {
		t.Errorf("config frames = %d video, %d audio; want 1 each",
			counts[media.KindH264Config], counts[media.KindAACConfig])
	}
}

func TestRunOneByteReads(t *testing.T) {
	t.Parallel()
	input := flvInput(t)
	var out bytes.Buffer
	p, err := New(Config{Output: container.FLV, Sink: func(b []byte) bool {
		out.Write(b)
		return true
	}})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Run(context.Background(), iotest.OneByteReader(bytes.NewReader(input))); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out.Bytes(), input) {
		t.Errorf("FLV passthrough differs: %d bytes in, %d out", len(input), out.Len())
	}
}

func TestRunEmptyInput(t *testing.T) {
	t.Parallel()
	p, err := New(Config{Output: container.MPEGTS, Sink: func([]byte) bool { return true }})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Run(context.Background(), strings.NewReader("")); err != nil {
		t.Errorf("Run with empty input: %v", err)
	}
	if s := p.Stats(); s.BytesIn != 0 || s.FramesIn != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestRunUndetectableInput(t *testing.T) {
	t.Parallel()
	p, err := New(Config{Output: container.MPEGTS, Sink: func([]byte) bool { return true }})
	if err != nil {
		t.Fatal(err)
	}
	err = p.Run(context.Background(), strings.NewReader(strings.Repeat("not a stream ", 40)))
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestRunSinkAbort(t *testing.T) {
	t.Parallel()
	p, err := New(Config{Input: container.FLV, Output: container.FLV, Sink: func([]byte) bool { return false }})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Run(context.Background(), bytes.NewReader(flvInput(t))); !errors.Is(err, ErrAborted) {
		t.Errorf("err = %v, want ErrAborted", err)
	}
}

func TestRunCancelled(t *testing.T) {
	t.Parallel()
	p, err := New(Config{Output: container.FLV, Sink: func([]byte) bool { return true }})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Run(ctx, bytes.NewReader(flvInput(t))); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRunMalformedInput(t *testing.T) {
	t.Parallel()
	input := flvInput(t)
	// mark the first tag encrypted
	input[flv.HeaderSize+4] |= 0x20

	p, err := New(Config{Input: container.FLV, Output: container.MPEGTS, Sink: func([]byte) bool { return true }})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Run(context.Background(), bytes.NewReader(input)); !errors.Is(err, flv.ErrMalformed) {
		t.Errorf("err = %v, want flv.ErrMalformed", err)
	}
}

func TestNewInvalidConfig(t *testing.T) {
	t.Parallel()
	sink := func([]byte) bool { return true }
	tests := []struct {
		name string
		cfg  Config
	}{
		{"nil sink", Config{Output: container.FLV}},
		{"mkv output", Config{Output: container.MKV, Sink: sink}},
		{"no output", Config{Sink: sink}},
		{"wav input", Config{Input: container.WAV, Output: container.FLV, Sink: sink}},
	}
	for _, tt := range tests {
		if _, err := New(tt.cfg); err == nil {
			t.Errorf("%s: New succeeded", tt.name)
		}
	}
}

func TestDropsFramesOutputCannotCarry(t *testing.T) {
	t.Parallel()
	var in bytes.Buffer
	w, err := flv.NewWriter(func(b []byte) bool {
		in.Write(b)
		return true
	}, flv.WriterConfig{HasAudio: true})
	if err != nil {
		t.Fatal(err)
	}
	for i := range 5 {
		f := media.Frame{Kind: media.KindPCM, Track: flv.TrackAudio, PTS: int64(i * 20), DTS: int64(i * 20), Timebase: media.Millisecond, Data: make([]byte, 64)}
		if err := w.WriteFrame(&f); err != nil {
			t.Fatal(err)
		}
	}

	_, stats := runPipeline(t, Config{Output: container.MPEGTS}, in.Bytes())
	if stats.FramesIn != 5 || stats.FramesDropped != 5 {
		t.Errorf("stats = %+v, want 5 in and 5 dropped", stats)
	}
}
