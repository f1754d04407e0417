package mpegts

import (
	"bytes"

	"github.com/zsiec/avmux/codec/aac"
	"github.com/zsiec/avmux/codec/h264"
	"github.com/zsiec/avmux/media"
)

// esDecoder turns reassembled PES payloads of one elementary stream into
// frames: H.264 Annex B access units become AVCC with a configuration frame
// whenever the in-band SPS/PPS change, ADTS frames lose their headers with
// an AudioSpecificConfig frame on every configuration change.
type esDecoder struct {
	streamType uint8
	track      int

	config []byte
	sps    []byte
	pps    []byte
	frame  media.Frame
	data   []byte
}

func newESDecoder(streamType uint8, track int) *esDecoder {
	return &esDecoder{streamType: streamType, track: track}
}

// decode delivers the frames of one PES payload. It returns false if fn
// aborted delivery.
func (d *esDecoder) decode(payload []byte, pts, dts int64, fn media.FrameFunc) bool {
	d.frame = media.Frame{
		Track:    d.track,
		PTS:      pts,
		DTS:      dts,
		Timebase: media.MPEGClock,
	}
	switch d.streamType {
	case StreamTypeH264:
		return d.decodeH264(payload, fn)
	case StreamTypeAAC:
		return d.decodeAAC(payload, fn)
	case StreamTypeMPEG1Audio, StreamTypeMPEG2Audio:
		d.frame.Kind = media.KindMP3
		d.frame.Data = payload
		return fn(&d.frame)
	}
	return true
}

func (d *esDecoder) decodeH264(payload []byte, fn media.FrameFunc) bool {
	units := h264.ParseAnnexB(payload)
	d.data = d.data[:0]
	key := false
	for _, u := range units {
		switch u.Type {
		case h264.NALTypeSPS:
			d.sps = append(d.sps[:0], u.Data...)
		case h264.NALTypePPS:
			d.pps = append(d.pps[:0], u.Data...)
		case h264.NALTypeAUD:
		default:
			if h264.IsKeyframe(u.Type) {
				key = true
			}
			d.data = h264.AppendAVCC(d.data, u)
		}
	}

	if len(d.sps) > 0 && len(d.pps) > 0 {
		if cfg := h264.BuildDecoderConfig(d.sps, d.pps); cfg != nil && !bytes.Equal(cfg, d.config) {
			d.config = cfg
			cf := d.frame
			cf.Kind = media.KindH264Config
			cf.Data = cfg
			if !fn(&cf) {
				return false
			}
		}
	}

	if len(d.data) == 0 {
		return true
	}
	d.frame.Kind = media.KindH264Delta
	if key {
		d.frame.Kind = media.KindH264Key
	}
	d.frame.Data = d.data
	return fn(&d.frame)
}

func (d *esDecoder) decodeAAC(payload []byte, fn media.FrameFunc) bool {
	frames, err := aac.ParseADTS(payload)
	if err != nil && len(frames) == 0 {
		return true
	}
	pts, dts := d.frame.PTS, d.frame.DTS
	for i, af := range frames {
		asc := aac.BuildAudioSpecificConfig(af.Config)
		if !bytes.Equal(asc, d.config) {
			d.config = asc
			cf := d.frame
			cf.Kind = media.KindAACConfig
			cf.Data = asc
			if !fn(&cf) {
				return false
			}
		}
		// frames after the first are spaced by one AAC frame duration
		offset := int64(i) * aac.SamplesPerFrame * int64(media.MPEGClock) / int64(af.Config.SampleRate)
		d.frame.Kind = media.KindAACRaw
		d.frame.PTS = pts + offset
		d.frame.DTS = dts + offset
		d.frame.Data = af.Payload
		if !fn(&d.frame) {
			return false
		}
	}
	return true
}

// DecodePES delivers the frames carried by one complete PES packet of the
// given stream type. It is the single-record entry point used by container
// dispatch; streaming input goes through Reader.
func DecodePES(pes []byte, streamType uint8, track int, fn media.FrameFunc) error {
	h, off, err := ParsePESHeader(pes)
	if err != nil {
		return err
	}
	end := len(pes)
	if h.PacketLength > 0 && pesFixedHeader+h.PacketLength < end {
		end = pesFixedHeader + h.PacketLength
	}
	pts, dts := timestamps(&h)
	if !newESDecoder(streamType, track).decode(pes[off:end], pts, dts, fn) {
		return ErrAborted
	}
	return nil
}

func timestamps(h *PESHeader) (pts, dts int64) {
	pts = h.PTS
	dts = h.PTS
	if h.HasDTS {
		dts = h.DTS
	}
	return pts, dts
}
