// Package pipeline remuxes a byte stream from one container format to
// another: the input is parsed into frames by the flv or mpegts reader and
// each frame is handed to the matching writer, whose output goes to a sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/avmux/container"
	"github.com/zsiec/avmux/flv"
	"github.com/zsiec/avmux/media"
	"github.com/zsiec/avmux/mpegts"
)

// DefaultChunkSize is the read size used when Config.ChunkSize is 0: seven
// transport packets, the usual SRT payload, times ten.
const DefaultChunkSize = 1316 * 10

// detectSize is how many bytes are buffered before the input format is
// guessed: enough to see a second transport packet sync byte.
const detectSize = mpegts.PacketSize + 1

var (
	// ErrAborted is returned when the sink refuses more output.
	ErrAborted = errors.New("pipeline: aborted by sink")
	// ErrUnsupportedFormat is returned for formats the pipeline cannot read
	// or write.
	ErrUnsupportedFormat = errors.New("pipeline: unsupported format")
)

// Config configures a Pipeline.
type Config struct {
	// Input is the input format; container.KindUnknown detects it from the
	// first bytes.
	Input container.Kind
	// Output is container.FLV or container.MPEGTS.
	Output container.Kind
	Sink   media.ByteSink
	// TS configures the MPEG-TS writer; zero means mpegts.DefaultWriterConfig.
	TS mpegts.WriterConfig
	// FLV configures the FLV writer; zero means flv.DefaultWriterConfig.
	FLV flv.WriterConfig
	// ChunkSize is the size of each read from the input.
	ChunkSize int
	// Observer, when set, sees every frame before it is written.
	Observer func(*media.Frame)
	Logger   *slog.Logger
}

// Stats holds pipeline counters.
type Stats struct {
	BytesIn       int64  `json:"bytesIn"`
	BytesOut      int64  `json:"bytesOut"`
	FramesIn      int64  `json:"framesIn"`
	FramesOut     int64  `json:"framesOut"`
	FramesDropped int64  `json:"framesDropped"`
	Input         string `json:"input"`
	Output        string `json:"output"`
	UptimeMs      int64  `json:"uptimeMs"`
}

type demuxer interface {
	Feed(p []byte, fn media.FrameFunc) error
}

// flusher is implemented by readers that hold back data until the next
// unit starts.
type flusher interface {
	Flush(fn media.FrameFunc) error
}

type muxer interface {
	WriteFrame(f *media.Frame) error
	Flush() error
}

// Pipeline remuxes one stream. Run may be called once; Stats may be called
// concurrently with Run.
type Pipeline struct {
	cfg Config
	log *slog.Logger

	started  atomic.Int64
	input    atomic.Value
	bytesIn  atomic.Int64
	bytesOut atomic.Int64
	in       atomic.Int64
	out      atomic.Int64
	dropped  atomic.Int64

	sinkErr error
	// output track for video and audio frames
	videoTrack int
	audioTrack int
}

// New validates cfg and creates a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Sink == nil {
		return nil, errors.New("pipeline: nil sink")
	}
	if cfg.Output != container.FLV && cfg.Output != container.MPEGTS {
		return nil, fmt.Errorf("%w: output %s", ErrUnsupportedFormat, cfg.Output)
	}
	switch cfg.Input {
	case container.KindUnknown, container.FLV, container.MPEGTS:
	default:
		return nil, fmt.Errorf("%w: input %s", ErrUnsupportedFormat, cfg.Input)
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if len(cfg.TS.Tracks) == 0 {
		logger := cfg.TS.Logger
		cfg.TS = mpegts.DefaultWriterConfig()
		cfg.TS.Logger = logger
	}
	if !cfg.FLV.HasAudio && !cfg.FLV.HasVideo {
		prev := cfg.FLV
		cfg.FLV = flv.DefaultWriterConfig()
		cfg.FLV.Metadata = prev.Metadata
		cfg.FLV.Logger = prev.Logger
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.TS.Logger == nil {
		cfg.TS.Logger = log
	}
	if cfg.FLV.Logger == nil {
		cfg.FLV.Logger = log
	}

	p := &Pipeline{
		cfg:        cfg,
		log:        log.With("component", "pipeline"),
		videoTrack: -1,
		audioTrack: -1,
	}
	for i, tc := range cfg.TS.Tracks {
		switch {
		case tc.Kind.IsVideo() && p.videoTrack < 0:
			p.videoTrack = i
		case tc.Kind.IsAudio() && p.audioTrack < 0:
			p.audioTrack = i
		}
	}
	if cfg.Output == container.FLV {
		p.videoTrack, p.audioTrack = flv.TrackVideo, flv.TrackAudio
	}
	p.input.Store(cfg.Input)
	return p, nil
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	in, _ := p.input.Load().(container.Kind)
	var uptime int64
	if started := p.started.Load(); started != 0 {
		uptime = time.Since(time.Unix(0, started)).Milliseconds()
	}
	return Stats{
		BytesIn:       p.bytesIn.Load(),
		BytesOut:      p.bytesOut.Load(),
		FramesIn:      p.in.Load(),
		FramesOut:     p.out.Load(),
		FramesDropped: p.dropped.Load(),
		Input:         in.String(),
		Output:        p.cfg.Output.String(),
		UptimeMs:      uptime,
	}
}

// Run reads r until EOF, remuxing everything it carries, then flushes the
// writer. It returns nil at EOF, ctx.Err() when cancelled between reads,
// ErrAborted when the sink refuses output, and wrapped parse errors.
func (p *Pipeline) Run(ctx context.Context, r io.Reader) error {
	p.started.Store(time.Now().UnixNano())
	buf := make([]byte, p.cfg.ChunkSize)

	var pending []byte
	kind := p.cfg.Input
	var dmx demuxer
	var mux muxer

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := r.Read(buf)
		p.bytesIn.Add(int64(n))
		chunk := buf[:n]

		if dmx == nil {
			pending = append(pending, chunk...)
			if kind == container.KindUnknown && len(pending) < detectSize && readErr == nil {
				continue
			}
			if len(pending) == 0 && readErr != nil {
				return p.finish(nil, nil, readErr)
			}
			var err error
			if dmx, mux, err = p.open(kind, pending); err != nil {
				return err
			}
			chunk = pending
		}

		if len(chunk) > 0 {
			if err := dmx.Feed(chunk, func(f *media.Frame) bool { return p.write(mux, f) }); err != nil {
				return p.feedError(err)
			}
		}
		if readErr != nil {
			return p.finish(dmx, mux, readErr)
		}
	}
}

// open resolves the input format and builds the reader and writer.
func (p *Pipeline) open(kind container.Kind, head []byte) (demuxer, muxer, error) {
	if kind == container.KindUnknown {
		kind = container.Detect(head)
		p.log.Debug("detected input format", "format", kind)
	}
	p.input.Store(kind)

	var dmx demuxer
	switch kind {
	case container.FLV:
		dmx = flv.NewReader(flv.WithLogger(p.log))
	case container.MPEGTS:
		dmx = mpegts.NewReader(mpegts.WithLogger(p.log))
	default:
		return nil, nil, fmt.Errorf("%w: input %s", ErrUnsupportedFormat, kind)
	}

	sink := func(b []byte) bool {
		p.bytesOut.Add(int64(len(b)))
		return p.cfg.Sink(b)
	}
	var mux muxer
	var err error
	if p.cfg.Output == container.FLV {
		mux, err = flv.NewWriter(sink, p.cfg.FLV)
	} else {
		mux, err = mpegts.NewWriter(sink, p.cfg.TS)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("pipeline: %w", err)
	}
	p.log.Info("remuxing", "input", kind, "output", p.cfg.Output)
	return dmx, mux, nil
}

// write routes one frame to its output track and writes it. Frames the
// output cannot carry are dropped and counted.
func (p *Pipeline) write(mux muxer, f *media.Frame) bool {
	p.in.Add(1)
	if p.cfg.Observer != nil {
		p.cfg.Observer(f)
	}

	out := *f
	switch {
	case f.Kind.IsVideo() && p.videoTrack >= 0:
		out.Track = p.videoTrack
	case f.Kind.IsAudio() && p.audioTrack >= 0:
		out.Track = p.audioTrack
	case f.Kind == media.KindScript && p.cfg.Output == container.FLV:
	default:
		p.dropped.Add(1)
		return true
	}

	err := mux.WriteFrame(&out)
	switch {
	case err == nil:
		p.out.Add(1)
	case isAbort(err):
		p.sinkErr = ErrAborted
		return false
	default:
		p.dropped.Add(1)
		p.log.Warn("dropping frame", "frame", f.String(), "error", err)
	}
	return true
}

func (p *Pipeline) feedError(err error) error {
	if p.sinkErr != nil {
		return p.sinkErr
	}
	return fmt.Errorf("pipeline: %w", err)
}

// finish drains the reader and flushes the writer at end of input.
func (p *Pipeline) finish(dmx demuxer, mux muxer, readErr error) error {
	if fl, ok := dmx.(flusher); ok {
		if err := fl.Flush(func(f *media.Frame) bool { return p.write(mux, f) }); err != nil {
			return p.feedError(err)
		}
	}
	if mux != nil {
		if err := mux.Flush(); err != nil {
			if isAbort(err) {
				return ErrAborted
			}
			return fmt.Errorf("pipeline: flush: %w", err)
		}
	}
	s := p.Stats()
	p.log.Info("input ended", "bytes_in", s.BytesIn, "bytes_out", s.BytesOut,
		"frames_in", s.FramesIn, "frames_out", s.FramesOut, "dropped", s.FramesDropped)
	if errors.Is(readErr, io.EOF) {
		return nil
	}
	return fmt.Errorf("pipeline: read: %w", readErr)
}

func isAbort(err error) bool {
	return errors.Is(err, flv.ErrAborted) || errors.Is(err, mpegts.ErrAborted)
}
