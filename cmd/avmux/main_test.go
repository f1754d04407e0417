package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/zsiec/avmux/codec/aac"
	"github.com/zsiec/avmux/codec/h264"
	"github.com/zsiec/avmux/container"
	"github.com/zsiec/avmux/flv"
	"github.com/zsiec/avmux/internal/ingest"
	srtingest "github.com/zsiec/avmux/internal/ingest/srt"
	"github.com/zsiec/avmux/internal/stream"
	"github.com/zsiec/avmux/media"
)

func TestFileName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		key  string
		kind container.Kind
		want string
	}{
		{"cam1", container.MPEGTS, "cam1.ts"},
		{"cam1", container.FLV, "cam1.flv"},
		{"studio/a b", container.MPEGTS, "studio_a_b.ts"},
		{"../etc", container.FLV, ".._etc.flv"},
		{"", container.MPEGTS, "stream.ts"},
	}
	for _, tt := range tests {
		if got := fileName(tt.key, tt.kind); got != tt.want {
			t.Errorf("fileName(%q, %s) = %q, want %q", tt.key, tt.kind, got, tt.want)
		}
	}
}

func TestParsePull(t *testing.T) {
	t.Parallel()
	req, err := parsePull("10.0.0.5:9000/cam1")
	if err != nil {
		t.Fatal(err)
	}
	if req.Address != "10.0.0.5:9000" || req.StreamKey != "cam1" || req.StreamID != "cam1" {
		t.Errorf("parsePull = %+v", req)
	}
	for _, bad := range []string{"", "host:9000", "/cam1", "host:9000/"} {
		if _, err := parsePull(bad); err == nil {
			t.Errorf("parsePull(%q) succeeded", bad)
		}
	}
}

func TestSplitList(t *testing.T) {
	t.Parallel()
	got := splitList(" a:1/x, ,b:2/y,")
	if len(got) != 2 || got[0] != "a:1/x" || got[1] != "b:2/y" {
		t.Errorf("splitList = %q", got)
	}
	if got := splitList(""); len(got) != 0 {
		t.Errorf("splitList(\"\") = %q", got)
	}
}

func testFLV(t *testing.T) []byte {
	t.Helper()
	var out bytes.Buffer
	w, err := flv.NewWriter(func(b []byte) bool {
		out.Write(b)
		return true
	}, flv.DefaultWriterConfig())
	if err != nil {
		t.Fatal(err)
	}
	au := func(key bool) []byte {
		nal := bytes.Repeat([]byte{0x88}, 64)
		nal[0] = 0x41
		if key {
			nal[0] = 0x65
		}
		return h264.AppendAVCC(nil, h264.NALUnit{Data: nal})
	}
	asc := aac.BuildAudioSpecificConfig(aac.Config{ObjectType: 2, SampleRate: 48000, Channels: 2})
	frames := []media.Frame{
		{Kind: media.KindH264Config, Track: flv.TrackVideo, Data: h264.BuildDecoderConfig([]byte{0x67, 0x42, 0xE0, 0x1E}, []byte{0x68, 0xCE, 0x38, 0x80})},
		{Kind: media.KindAACConfig, Track: flv.TrackAudio, Data: asc},
		{Kind: media.KindH264Key, Track: flv.TrackVideo, PTS: 0, DTS: 0, Data: au(true)},
		{Kind: media.KindAACRaw, Track: flv.TrackAudio, PTS: 10, DTS: 10, Data: []byte{1, 2, 3}},
		{Kind: media.KindH264Delta, Track: flv.TrackVideo, PTS: 33, DTS: 33, Data: au(false)},
		{Kind: media.KindAACRaw, Track: flv.TrackAudio, PTS: 31, DTS: 31, Data: []byte{4, 5, 6}},
		{Kind: media.KindH264Delta, Track: flv.TrackVideo, PTS: 67, DTS: 67, Data: au(false)},
	}
	for i := range frames {
		frames[i].Timebase = media.Millisecond
		if err := w.WriteFrame(&frames[i]); err != nil {
			t.Fatalf("WriteFrame(%s): %v", frames[i].String(), err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	return out.Bytes()
}

func TestProbeInputFLV(t *testing.T) {
	t.Parallel()
	input := testFLV(t)
	report, err := probeInput(bytes.NewReader(input), true)
	if err != nil {
		t.Fatal(err)
	}
	if report.Format != "flv" {
		t.Errorf("Format = %q, want flv", report.Format)
	}
	if report.Bytes != int64(len(input)) {
		t.Errorf("Bytes = %d, want %d", report.Bytes, len(input))
	}

	var video, audio *trackReport
	for _, tr := range report.Tracks {
		switch tr.Track {
		case flv.TrackVideo:
			video = tr
		case flv.TrackAudio:
			audio = tr
		}
	}
	if video == nil || audio == nil {
		t.Fatalf("tracks = %+v, want video and audio", report.Tracks)
	}
	if video.Kinds["h264-key"] != 1 || video.Kinds["h264-delta"] != 2 {
		t.Errorf("video kinds = %v", video.Kinds)
	}
	if video.LastPTS != 67 {
		t.Errorf("video LastPTS = %d, want 67", video.LastPTS)
	}
	if audio.Kinds["aac-raw"] != 2 {
		t.Errorf("audio kinds = %v", audio.Kinds)
	}
	if report.Captions == nil || report.Captions.Frames != 3 {
		t.Errorf("captions = %+v, want 3 video frames observed", report.Captions)
	}
}

func TestProbeInputUndetectable(t *testing.T) {
	t.Parallel()
	_, err := probeInput(bytes.NewReader(bytes.Repeat([]byte{0x42}, 400)), false)
	if !errors.Is(err, container.ErrUnsupportedKind) {
		t.Errorf("err = %v, want ErrUnsupportedKind", err)
	}
	_, err = probeInput(bytes.NewReader(nil), false)
	if !errors.Is(err, container.ErrUnsupportedKind) {
		t.Errorf("empty input: err = %v, want ErrUnsupportedKind", err)
	}
}

func TestAPIPullErrors(t *testing.T) {
	t.Parallel()
	reg := ingest.NewRegistry(nil)
	s := &server{mgr: stream.NewManager(nil), registry: reg, srtCaller: srtingest.NewCaller(reg, nil)}
	h := s.apiHandler(context.Background())

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"list empty", http.MethodGet, "/api/srt-pull", "", http.StatusOK},
		{"bad json", http.MethodPost, "/api/srt-pull", "{", http.StatusBadRequest},
		{"missing address", http.MethodPost, "/api/srt-pull", `{"streamKey":"cam"}`, http.StatusBadRequest},
		{"unsupported format", http.MethodPost, "/api/srt-pull", `{"address":"a:1","streamKey":"cam","format":"mkv"}`, http.StatusBadRequest},
		{"stop unknown", http.MethodDelete, "/api/srt-pull/cam", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body)))
			if rec.Code != tt.want {
				t.Errorf("%s %s = %d, want %d (%s)", tt.method, tt.path, rec.Code, tt.want, rec.Body)
			}
		})
	}
}
