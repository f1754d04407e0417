// Package media defines the frame model shared by every container reader and
// writer: a tagged, timestamped codec payload plus the per-track queue that
// writers use to line tracks up before multiplexing.
package media

import "fmt"

// Default track queue capacities. Sized for roughly two seconds of 30 fps
// video and AAC audio at 48 kHz.
const (
	VideoQueueSize = 64
	AudioQueueSize = 128
)

// Kind tags the payload carried by a Frame.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindH264Config carries an AVCDecoderConfigurationRecord.
	KindH264Config
	// KindH264Key and KindH264Delta carry one access unit of 4-byte
	// length-prefixed (AVCC) NAL units.
	KindH264Key
	KindH264Delta
	// KindAACConfig carries an AudioSpecificConfig.
	KindAACConfig
	// KindAACRaw carries one raw AAC frame without an ADTS header.
	KindAACRaw
	KindMP3
	KindPCM
	// KindScript carries container script data (FLV AMF0 tags).
	KindScript
)

var kindNames = [...]string{
	KindUnknown:    "unknown",
	KindH264Config: "h264-config",
	KindH264Key:    "h264-key",
	KindH264Delta:  "h264-delta",
	KindAACConfig:  "aac-config",
	KindAACRaw:     "aac-raw",
	KindMP3:        "mp3",
	KindPCM:        "pcm",
	KindScript:     "script",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// IsVideo reports whether k is a video kind.
func (k Kind) IsVideo() bool {
	return k == KindH264Config || k == KindH264Key || k == KindH264Delta
}

// IsAudio reports whether k is an audio kind.
func (k Kind) IsAudio() bool {
	switch k {
	case KindAACConfig, KindAACRaw, KindMP3, KindPCM:
		return true
	}
	return false
}

// IsConfig reports whether k is a decoder configuration record.
func (k Kind) IsConfig() bool {
	return k == KindH264Config || k == KindAACConfig
}

// Timebase is a clock rate in ticks per second.
type Timebase int64

const (
	Millisecond Timebase = 1000
	MPEGClock   Timebase = 90000
)

// Rescale converts v ticks of tb into ticks of to.
func (tb Timebase) Rescale(v int64, to Timebase) int64 {
	if tb == to || tb <= 0 || to <= 0 {
		return v
	}
	return v * int64(to) / int64(tb)
}

// Frame is one codec payload. DTS equals PTS for streams without reordering.
//
// A Frame either borrows Data from its producer, in which case the bytes are
// only valid until the producer's next call, or owns it.
type Frame struct {
	Kind     Kind
	Track    int
	PTS      int64
	DTS      int64
	Timebase Timebase
	Data     []byte
	Owned    bool
}

// FrameFunc receives frames from readers. Returning false aborts delivery.
// The frame and its Data are only valid for the duration of the call unless
// cloned.
type FrameFunc func(*Frame) bool

// ByteSink receives serialized container bytes from writers. Returning false
// aborts the writer. The slice is reused after the call returns.
type ByteSink func([]byte) bool

// Clone copies f into dst and returns dst, reusing dst.Data when its
// capacity suffices. A nil dst allocates a new Frame. The result always
// owns its data.
func (f *Frame) Clone(dst *Frame) *Frame {
	if dst == nil {
		dst = &Frame{}
	}
	data := dst.Data
	if !dst.Owned {
		data = nil
	}
	*dst = *f
	dst.Data = append(data[:0], f.Data...)
	dst.Owned = true
	return dst
}

// Release drops the frame's payload.
func (f *Frame) Release() {
	f.Data = nil
	f.Owned = false
}

// Rescaled returns the frame's PTS and DTS expressed in tb.
func (f *Frame) Rescaled(tb Timebase) (pts, dts int64) {
	return f.Timebase.Rescale(f.PTS, tb), f.Timebase.Rescale(f.DTS, tb)
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s track=%d pts=%d dts=%d tb=%d size=%d", f.Kind, f.Track, f.PTS, f.DTS, f.Timebase, len(f.Data))
}
