package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/avmux/container"
	"github.com/zsiec/avmux/internal/ingest"
)

// srtReadBufferSize is the read buffer for SRT socket reads: ten payloads
// of seven transport packets.
const srtReadBufferSize = 1316 * 10

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// Server accepts SRT publish connections and registers each one with the
// ingest registry.
type Server struct {
	log      *slog.Logger
	addr     string
	registry *ingest.Registry
}

// NewServer creates an SRT server that listens on addr and registers
// incoming streams with the given registry. If log is nil, slog.Default() is used.
func NewServer(addr string, registry *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "srt-server"),
		addr:     addr,
		registry: registry,
	}
}

// Start begins accepting SRT publish connections. It blocks until the
// context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if req.StreamID == "" {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		key, format := parseStreamID(conn.StreamID())
		s.log.Info("publish", "stream_key", key, "format", format, "remote", conn.RemoteAddr())

		go s.handleConnection(ctx, conn, key, format)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn *srtgo.Conn, key string, format container.Kind) {
	defer conn.Close()

	stream, writer := s.registry.Register(key, format)
	stream.SetRemoteAddr(conn.RemoteAddr().String())
	copyInput(ctx, s.log, conn, stream, writer)

	stats := stream.Stats()
	s.registry.Unregister(key)
	s.log.Info("connection closed", "stream_key", key,
		"bytes", stats.BytesReceived, "reads", stats.ReadCount,
		"uptime_ms", stats.UptimeMs)
}

// copyInput moves data from an SRT connection into a stream's pipe until
// either side fails or ctx is cancelled.
func copyInput(ctx context.Context, log *slog.Logger, conn io.Reader, stream *ingest.Stream, w io.Writer) {
	buf := make([]byte, srtReadBufferSize)
	for ctx.Err() == nil {
		n, err := conn.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("read error", "stream_key", stream.Key, "error", err)
			}
			return
		}
		stream.RecordRead(n)
		if _, err := w.Write(buf[:n]); err != nil {
			log.Debug("pipe write error", "stream_key", stream.Key, "error", err)
			return
		}
	}
}

// parseStreamID maps an SRT stream id such as "live/cam1.flv" to a stream
// key and the container format named by its extension. Without an
// extension the format is left to detection.
func parseStreamID(streamID string) (string, container.Kind) {
	key := strings.TrimPrefix(streamID, "/")
	key = strings.TrimPrefix(key, "live/")

	format := container.KindUnknown
	if i := strings.LastIndexByte(key, '.'); i > 0 && !strings.Contains(key[i:], "/") {
		if k, err := container.ParseKind(key[i+1:]); err == nil && (k == container.FLV || k == container.MPEGTS) {
			key, format = key[:i], k
		}
	}
	if key == "" {
		key = "default"
	}
	return key, format
}
