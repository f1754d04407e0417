// Package captions decodes CEA-608 closed captions carried in H.264 SEI
// messages of frames passing through a remux pipeline.
package captions

import (
	"log/slog"
	"sync"

	"github.com/zsiec/ccx"

	"github.com/zsiec/avmux/codec/h264"
	"github.com/zsiec/avmux/media"
)

// Stats counts what a Probe has seen.
type Stats struct {
	Frames   int64         `json:"frames"`
	SEIs     int64         `json:"seis"`
	Pairs    int64         `json:"pairs"`
	Captions map[int]int64 `json:"captions"`
}

// Probe inspects H.264 access units for CEA-608 caption data. It is safe
// for concurrent use.
type Probe struct {
	log *slog.Logger

	mu       sync.Mutex
	decs     map[int]*ccx.CEA608Decoder
	stats    Stats
	onFrame  func(*ccx.CaptionFrame)
	lastCtrl [2][2]byte
	wasCtrl  [2]bool
	ctrlAt   [2]int64
}

// NewProbe creates a Probe decoding channels CC1 to CC4. If log is nil,
// slog.Default() is used.
func NewProbe(log *slog.Logger) *Probe {
	if log == nil {
		log = slog.Default()
	}
	return &Probe{
		log: log.With("component", "captions"),
		decs: map[int]*ccx.CEA608Decoder{
			1: ccx.NewCEA608Decoder(),
			2: ccx.NewCEA608Decoder(),
			3: ccx.NewCEA608Decoder(),
			4: ccx.NewCEA608Decoder(),
		},
		stats: Stats{Captions: make(map[int]int64)},
	}
}

// OnCaption registers fn to receive every decoded caption.
func (p *Probe) OnCaption(fn func(*ccx.CaptionFrame)) {
	p.mu.Lock()
	p.onFrame = fn
	p.mu.Unlock()
}

// Stats returns a snapshot of the probe counters.
func (p *Probe) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Captions = make(map[int]int64, len(p.stats.Captions))
	for ch, n := range p.stats.Captions {
		s.Captions[ch] = n
	}
	return s
}

// Observe inspects one frame. Only H.264 key and delta frames are examined;
// everything else is ignored.
func (p *Probe) Observe(f *media.Frame) {
	if f.Kind != media.KindH264Key && f.Kind != media.KindH264Delta {
		return
	}
	units, err := h264.SplitAVCC(f.Data, 4)
	if err != nil {
		p.log.Debug("skipping malformed access unit", "pts", f.PTS, "error", err)
		return
	}
	pts, _ := f.Rescaled(media.MPEGClock)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Frames++
	for _, u := range units {
		if u.Type == h264.NALTypeSEI {
			p.stats.SEIs++
			p.handleSEI(u.Data, pts)
		}
	}
}

func (p *Probe) handleSEI(sei []byte, pts int64) {
	cd := ccx.ExtractCaptions(sei)
	if cd == nil {
		return
	}
	for _, pair := range cd.CC608Pairs {
		p.stats.Pairs++
		cc1, cc2 := pair.Data[0], pair.Data[1]

		// control codes are sent twice; drop the repeat
		field := pair.Field & 1
		if cc1 >= 0x10 && cc1 <= 0x1F {
			cp := [2]byte{cc1, cc2}
			if p.wasCtrl[field] && p.lastCtrl[field] == cp && p.stats.Frames-p.ctrlAt[field] <= 2 {
				p.wasCtrl[field] = false
				continue
			}
			p.lastCtrl[field] = cp
			p.wasCtrl[field] = true
			p.ctrlAt[field] = p.stats.Frames
		} else {
			p.wasCtrl[field] = false
		}

		dec := p.decs[pair.Channel]
		if dec == nil {
			continue
		}
		text := dec.Decode(cc1, cc2)
		if text == "" {
			continue
		}
		p.stats.Captions[pair.Channel]++
		p.log.Debug("caption", "channel", pair.Channel, "pts", pts, "text", text)
		if p.onFrame != nil {
			frame := &ccx.CaptionFrame{PTS: pts, Text: text, Channel: pair.Channel}
			frame.Regions = dec.StyledRegions()
			p.onFrame(frame)
		}
	}
}
