package media

import (
	"bytes"
	"testing"
)

func TestRescale(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to Timebase
		in, want int64
	}{
		{Millisecond, MPEGClock, 1000, 90000},
		{MPEGClock, Millisecond, 90000, 1000},
		{MPEGClock, Millisecond, 3003, 33},
		{MPEGClock, MPEGClock, 12345, 12345},
		{0, MPEGClock, 7, 7},
	}
	for _, tt := range tests {
		if got := tt.from.Rescale(tt.in, tt.to); got != tt.want {
			t.Errorf("Rescale(%d, %d->%d) = %d, want %d", tt.in, tt.from, tt.to, got, tt.want)
		}
	}
}

func TestKindClassification(t *testing.T) {
	t.Parallel()
	if !KindH264Key.IsVideo() || KindH264Key.IsAudio() {
		t.Error("h264-key misclassified")
	}
	if !KindAACRaw.IsAudio() || KindAACRaw.IsConfig() {
		t.Error("aac-raw misclassified")
	}
	if !KindAACConfig.IsConfig() || !KindH264Config.IsConfig() {
		t.Error("config kinds misclassified")
	}
	if KindScript.IsVideo() || KindScript.IsAudio() {
		t.Error("script misclassified")
	}
	if got := Kind(200).String(); got != "kind(200)" {
		t.Errorf("String = %q", got)
	}
}

func TestCloneReusesBuffer(t *testing.T) {
	t.Parallel()
	src := &Frame{Kind: KindH264Key, PTS: 10, DTS: 9, Timebase: MPEGClock, Data: []byte{1, 2, 3}}
	dst := &Frame{Data: make([]byte, 0, 16), Owned: true}
	before := &dst.Data[:1][0]

	got := src.Clone(dst)
	if got != dst {
		t.Fatal("Clone did not return dst")
	}
	if !bytes.Equal(dst.Data, src.Data) || dst.PTS != 10 || dst.DTS != 9 || !dst.Owned {
		t.Errorf("clone = %+v", dst)
	}
	if &dst.Data[0] != before {
		t.Error("Clone reallocated a buffer that was large enough")
	}

	src.Data[0] = 99
	if dst.Data[0] != 1 {
		t.Error("clone aliases source data")
	}
}

func TestCloneBorrowedDestination(t *testing.T) {
	t.Parallel()
	shared := []byte{7, 7, 7, 7}
	dst := &Frame{Data: shared[:0]}
	(&Frame{Data: []byte{1, 2}}).Clone(dst)
	if shared[0] != 7 {
		t.Error("Clone wrote into a borrowed buffer")
	}
}

func TestRelease(t *testing.T) {
	t.Parallel()
	f := (&Frame{Data: []byte{1}}).Clone(nil)
	f.Release()
	if f.Data != nil || f.Owned {
		t.Errorf("after Release = %+v", f)
	}
}
