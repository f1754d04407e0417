package captions

import (
	"testing"

	"github.com/zsiec/avmux/codec/h264"
	"github.com/zsiec/avmux/media"
)

func TestObserveIgnoresNonVideo(t *testing.T) {
	t.Parallel()
	p := NewProbe(nil)
	p.Observe(&media.Frame{Kind: media.KindAACRaw, Data: []byte{1, 2, 3}})
	p.Observe(&media.Frame{Kind: media.KindH264Config, Data: []byte{1, 0x42, 0, 0x1E, 0xFF}})
	if s := p.Stats(); s.Frames != 0 {
		t.Errorf("Frames = %d, want 0", s.Frames)
	}
}

func TestObserveCountsSEI(t *testing.T) {
	t.Parallel()
	p := NewProbe(nil)

	// unregistered user data SEI, no caption payload
	sei := []byte{0x06, 0x05, 0x01, 0x00, 0x80}
	au := h264.AppendAVCC(nil,
		h264.NALUnit{Data: sei},
		h264.NALUnit{Data: []byte{0x65, 0x88, 0x84}},
	)
	p.Observe(&media.Frame{Kind: media.KindH264Key, Data: au, Timebase: media.Millisecond})
	p.Observe(&media.Frame{Kind: media.KindH264Delta, Data: h264.AppendAVCC(nil, h264.NALUnit{Data: []byte{0x41, 0x9A}})})

	s := p.Stats()
	if s.Frames != 2 {
		t.Errorf("Frames = %d, want 2", s.Frames)
	}
	if s.SEIs != 1 {
		t.Errorf("SEIs = %d, want 1", s.SEIs)
	}
	if len(s.Captions) != 0 {
		t.Errorf("Captions = %v, want none", s.Captions)
	}
}

func TestObserveMalformedAccessUnit(t *testing.T) {
	t.Parallel()
	p := NewProbe(nil)
	p.Observe(&media.Frame{Kind: media.KindH264Key, Data: []byte{0, 0, 0, 9, 0x65}})
	if s := p.Stats(); s.Frames != 0 {
		t.Errorf("Frames = %d, want 0", s.Frames)
	}
}

func TestStatsSnapshotIsCopy(t *testing.T) {
	t.Parallel()
	p := NewProbe(nil)
	s := p.Stats()
	s.Captions[1] = 5
	if got := p.Stats().Captions[1]; got != 0 {
		t.Errorf("snapshot aliases probe state: %d", got)
	}
}
