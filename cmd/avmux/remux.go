package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zsiec/ccx"

	"github.com/zsiec/avmux/container"
	"github.com/zsiec/avmux/internal/captions"
	"github.com/zsiec/avmux/internal/pipeline"
	"github.com/zsiec/avmux/internal/sink"
)

func runRemux(args []string) error {
	fs := flag.NewFlagSet("remux", flag.ContinueOnError)
	in := fs.String("in", "", "input format: flv or ts (detected when empty)")
	out := fs.String("out", "ts", "output format: flv or ts")
	output := fs.String("o", "-", "output file, - for stdout")
	quicAddr := fs.String("quic", "", "send the output to a QUIC listener instead")
	srtAddr := fs.String("srt", "", "publish the output to an SRT listener instead")
	streamID := fs.String("streamid", "live/avmux", "SRT stream id used with -srt")
	insecure := fs.Bool("insecure", false, "skip certificate verification with -quic")
	showCaptions := fs.Bool("captions", false, "log CEA-608 captions found in the video")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("remux: expected one input file, got %d", fs.NArg())
	}

	cfg := pipeline.Config{}
	var err error
	if cfg.Output, err = container.ParseKind(*out); err != nil {
		return err
	}
	if *in != "" {
		if cfg.Input, err = container.ParseKind(*in); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	input, err := openInput(fs.Arg(0))
	if err != nil {
		return err
	}
	defer input.Close()

	var dst *sink.Sink
	switch {
	case *quicAddr != "":
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		dst, err = sink.DialQUIC(dialCtx, *quicAddr, quicClientConfig(*insecure))
		cancel()
	case *srtAddr != "":
		dst, err = sink.DialSRT(*srtAddr, *streamID)
	case *output == "-":
		dst = sink.Writer(os.Stdout)
	default:
		dst, err = sink.File(*output)
	}
	if err != nil {
		return err
	}
	cfg.Sink = dst.Write

	if *showCaptions {
		probe := captions.NewProbe(nil)
		probe.OnCaption(func(f *ccx.CaptionFrame) {
			slog.Info("caption", "channel", f.Channel, "pts", f.PTS, "text", f.Text)
		})
		cfg.Observer = probe.Observe
	}

	p, err := pipeline.New(cfg)
	if err != nil {
		dst.Close()
		return err
	}
	runErr := p.Run(ctx, input)
	closeErr := dst.Close()
	if runErr != nil {
		if werr := dst.Err(); werr != nil && !errors.Is(werr, sink.ErrClosed) {
			return fmt.Errorf("%w: %w", runErr, werr)
		}
		return runErr
	}
	if closeErr != nil {
		return closeErr
	}

	s := p.Stats()
	slog.Info("remux complete", "input", s.Input, "output", s.Output,
		"frames", s.FramesOut, "dropped", s.FramesDropped,
		"bytes_in", s.BytesIn, "bytes_out", s.BytesOut)
	return nil
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	return f, nil
}
