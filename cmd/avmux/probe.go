package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"

	"github.com/zsiec/avmux/container"
	"github.com/zsiec/avmux/flv"
	"github.com/zsiec/avmux/internal/captions"
	"github.com/zsiec/avmux/media"
	"github.com/zsiec/avmux/mpegts"
)

const probeChunkSize = 64 * 1024

type trackReport struct {
	Track    int              `json:"track"`
	Frames   int64            `json:"frames"`
	Kinds    map[string]int64 `json:"kinds"`
	FirstPTS int64            `json:"firstPts"`
	LastPTS  int64            `json:"lastPts"`
	Timebase int64            `json:"timebase"`
}

type pmtReport struct {
	PID        uint16 `json:"pid"`
	StreamType uint8  `json:"streamType"`
}

type probeReport struct {
	Format   string          `json:"format"`
	Bytes    int64           `json:"bytes"`
	Tracks   []*trackReport  `json:"tracks"`
	Metadata flv.Metadata    `json:"metadata,omitempty"`
	Streams  []pmtReport     `json:"streams,omitempty"`
	Captions *captions.Stats `json:"captions,omitempty"`
}

type probeDemuxer interface {
	Feed(p []byte, fn media.FrameFunc) error
}

func runProbe(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("probe", flag.ContinueOnError)
	withCaptions := fs.Bool("captions", true, "count CEA-608 captions in H.264 SEI")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("probe: expected one input file, got %d", fs.NArg())
	}
	input, err := openInput(fs.Arg(0))
	if err != nil {
		return err
	}
	defer input.Close()

	report, err := probeInput(input, *withCaptions)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// probeInput demuxes r and tallies the frames of every track.
func probeInput(r io.Reader, withCaptions bool) (*probeReport, error) {
	var probe *captions.Probe
	if withCaptions {
		probe = captions.NewProbe(nil)
	}

	report := &probeReport{}
	tracks := make(map[int]*trackReport)
	onFrame := func(f *media.Frame) bool {
		t, ok := tracks[f.Track]
		if !ok {
			t = &trackReport{Track: f.Track, Kinds: make(map[string]int64), FirstPTS: f.PTS, Timebase: int64(f.Timebase)}
			tracks[f.Track] = t
		}
		t.Frames++
		t.Kinds[f.Kind.String()]++
		t.LastPTS = f.PTS
		if probe != nil {
			probe.Observe(f)
		}
		return true
	}

	var (
		head    []byte
		dmx     probeDemuxer
		flvR    *flv.Reader
		tsR     *mpegts.Reader
		readErr error
	)
	buf := make([]byte, probeChunkSize)
	for readErr == nil {
		var n int
		n, readErr = r.Read(buf)
		if n == 0 {
			continue
		}
		report.Bytes += int64(n)
		chunk := buf[:n]
		if dmx == nil {
			head = append(head, chunk...)
			if len(head) < mpegts.PacketSize+1 && readErr == nil {
				continue
			}
			kind := container.Detect(head)
			switch kind {
			case container.FLV:
				flvR = flv.NewReader()
				dmx = flvR
			case container.MPEGTS:
				tsR = mpegts.NewReader()
				dmx = tsR
			default:
				return nil, fmt.Errorf("probe: %w", container.ErrUnsupportedKind)
			}
			report.Format = kind.String()
			chunk = head
		}
		if err := dmx.Feed(chunk, onFrame); err != nil {
			return nil, fmt.Errorf("probe: %w", err)
		}
	}
	if !errors.Is(readErr, io.EOF) {
		return nil, fmt.Errorf("probe: read: %w", readErr)
	}
	if dmx == nil {
		return nil, fmt.Errorf("probe: %w", container.ErrUnsupportedKind)
	}

	if tsR != nil {
		if err := tsR.Flush(onFrame); err != nil {
			return nil, fmt.Errorf("probe: %w", err)
		}
		if pmt := tsR.PMT(); pmt != nil {
			for _, s := range pmt.Streams {
				report.Streams = append(report.Streams, pmtReport{PID: s.PID, StreamType: s.StreamType})
			}
		}
	}
	if flvR != nil {
		report.Metadata = flvR.Metadata()
	}
	if probe != nil {
		cs := probe.Stats()
		report.Captions = &cs
	}

	ids := make([]int, 0, len(tracks))
	for id := range tracks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		report.Tracks = append(report.Tracks, tracks[id])
	}
	return report, nil
}
