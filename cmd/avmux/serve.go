package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/ccx"

	"github.com/zsiec/avmux/container"
	"github.com/zsiec/avmux/internal/captions"
	"github.com/zsiec/avmux/internal/certs"
	"github.com/zsiec/avmux/internal/ingest"
	srtingest "github.com/zsiec/avmux/internal/ingest/srt"
	"github.com/zsiec/avmux/internal/pipeline"
	"github.com/zsiec/avmux/internal/sink"
	"github.com/zsiec/avmux/internal/stream"
)

const statsInterval = 30 * time.Second

type server struct {
	mgr       *stream.Manager
	registry  *ingest.Registry
	srtCaller *srtingest.Caller

	outDir   string
	output   container.Kind
	relay    string
	insecure bool
}

func runServe() error {
	output, err := container.ParseKind(envOr("OUT_FORMAT", "ts"))
	if err != nil {
		return err
	}
	s := &server{
		mgr:      stream.NewManager(nil),
		outDir:   envOr("OUT_DIR", "."),
		output:   output,
		relay:    os.Getenv("QUIC_ADDR"),
		insecure: os.Getenv("QUIC_INSECURE") != "",
	}
	if err := os.MkdirAll(s.outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	srtAddr := envOr("SRT_ADDR", ":6000")
	apiAddr := envOr("API_ADDR", ":4444")
	quicListen := os.Getenv("QUIC_LISTEN")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("avmux starting",
		"version", version,
		"srt", srtAddr,
		"api", apiAddr,
		"output", s.output,
		"out_dir", s.outDir,
		"relay", s.relay,
	)

	g, ctx := errgroup.WithContext(ctx)

	// The registry and caller capture the errgroup context so streams end
	// when any component fails.
	s.registry = ingest.NewRegistry(func(st *ingest.Stream, input io.Reader) {
		s.handleNewStream(ctx, st, input)
	})
	s.srtCaller = srtingest.NewCaller(s.registry, nil)

	for _, src := range splitList(os.Getenv("SRT_PULL")) {
		req, err := parsePull(src)
		if err != nil {
			return err
		}
		if err := s.srtCaller.Pull(ctx, req); err != nil {
			slog.Warn("SRT pull failed", "source", src, "error", err)
		}
	}

	srtSrv := srtingest.NewServer(srtAddr, s.registry, nil)
	g.Go(func() error {
		return srtSrv.Start(ctx)
	})

	apiSrv := &http.Server{
		Addr:              apiAddr,
		Handler:           s.apiHandler(ctx),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		slog.Info("API server listening", "addr", apiAddr)
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return apiSrv.Shutdown(shutdownCtx)
	})

	if quicListen != "" {
		g.Go(func() error {
			return s.serveRelay(ctx, quicListen)
		})
	}

	g.Go(func() error {
		t := time.NewTicker(statsInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				for _, info := range s.mgr.Snapshot() {
					if info.Pipeline == nil {
						continue
					}
					slog.Info("stream stats", "key", info.Key,
						"frames", info.Pipeline.FramesOut,
						"dropped", info.Pipeline.FramesDropped,
						"bytes_out", info.Pipeline.BytesOut)
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

func (s *server) handleNewStream(ctx context.Context, in *ingest.Stream, input io.Reader) {
	slog.Info("new stream from ingest", "key", in.Key, "format", in.Format)

	dst, target, err := s.openOutput(ctx, in.Key)
	if err != nil {
		slog.Error("open output failed", "key", in.Key, "error", err)
		drain(input)
		return
	}

	st, created := s.mgr.Create(in.Key, target)
	if !created {
		slog.Warn("rejecting duplicate stream connection", "key", in.Key)
		dst.Close()
		drain(input)
		return
	}
	defer s.mgr.Remove(in.Key)

	probe := captions.NewProbe(nil)
	probe.OnCaption(func(f *ccx.CaptionFrame) {
		slog.Debug("caption", "key", in.Key, "channel", f.Channel, "text", f.Text)
	})

	p, err := pipeline.New(pipeline.Config{
		Input:    in.Format,
		Output:   s.output,
		Sink:     dst.Write,
		Observer: probe.Observe,
		Logger:   slog.Default().With("stream", in.Key),
	})
	if err != nil {
		slog.Error("pipeline setup failed", "key", in.Key, "error", err)
		dst.Close()
		drain(input)
		return
	}
	st.Attach(p)

	runErr := p.Run(ctx, input)
	if err := dst.Close(); err != nil {
		slog.Warn("close output failed", "key", in.Key, "error", err)
	}
	if runErr != nil {
		slog.Error("pipeline error", "key", in.Key, "error", runErr)
		drain(input)
	}
	cs := probe.Stats()
	slog.Info("stream ended", "key", in.Key, "output", target,
		"sei", cs.SEIs, "caption_pairs", cs.Pairs)
}

// openOutput returns the sink for a stream and a description of where it
// goes.
func (s *server) openOutput(ctx context.Context, key string) (*sink.Sink, string, error) {
	if s.relay != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		dst, err := sink.DialQUIC(dialCtx, s.relay, quicClientConfig(s.insecure))
		if err != nil {
			return nil, "", err
		}
		return dst, "quic://" + s.relay, nil
	}
	path := filepath.Join(s.outDir, fileName(key, s.output))
	dst, err := sink.File(path)
	if err != nil {
		return nil, "", err
	}
	return dst, path, nil
}

// serveRelay accepts streams sent by other avmux instances and remuxes
// each into OUT_DIR.
func (s *server) serveRelay(ctx context.Context, addr string) error {
	cert, err := certs.Generate(14 * 24 * time.Hour)
	if err != nil {
		return fmt.Errorf("generate certificate: %w", err)
	}
	ln, err := sink.ListenQUIC(addr, cert.ServerConfig(sink.ALPN), nil)
	if err != nil {
		return err
	}
	defer ln.Close()
	slog.Info("QUIC relay listening",
		"addr", ln.Addr(),
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	for n := 1; ; n++ {
		in, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("relay accept error", "error", err)
			continue
		}
		key := fmt.Sprintf("relay-%d-%d", time.Now().Unix(), n)
		st, w := s.registry.Register(key, container.KindUnknown)
		st.SetRemoteAddr(in.RemoteAddr)
		go func() {
			defer in.Close()
			_, err := io.Copy(w, in)
			if err != nil {
				slog.Debug("relay copy ended", "key", key, "error", err)
			}
			s.registry.Unregister(key)
		}()
	}
}

func (s *server) apiHandler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/streams", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.mgr.Snapshot())
	})
	mux.HandleFunc("GET /api/ingest", func(w http.ResponseWriter, r *http.Request) {
		streams := s.registry.List()
		out := make([]ingest.Stats, len(streams))
		for i, st := range streams {
			out[i] = st.Stats()
		}
		writeJSON(w, http.StatusOK, out)
	})
	mux.HandleFunc("GET /api/srt-pull", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.srtCaller.ActivePulls())
	})
	mux.HandleFunc("POST /api/srt-pull", func(w http.ResponseWriter, r *http.Request) {
		var req srtingest.PullRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
		if err := s.srtCaller.Pull(ctx, req); err != nil {
			status := http.StatusBadGateway
			switch {
			case errors.Is(err, srtingest.ErrInvalidPull):
				status = http.StatusBadRequest
			case errors.Is(err, srtingest.ErrPullActive):
				status = http.StatusConflict
			}
			http.Error(w, err.Error(), status)
			return
		}
		writeJSON(w, http.StatusCreated, req)
	})
	mux.HandleFunc("DELETE /api/srt-pull/{key}", func(w http.ResponseWriter, r *http.Request) {
		if err := s.srtCaller.Stop(r.PathValue("key")); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "error", err)
	}
}

func quicClientConfig(insecure bool) *tls.Config {
	return &tls.Config{
		NextProtos:         []string{sink.ALPN},
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: insecure, //nolint:gosec
	}
}

// parsePull parses "host:port/key" into a pull request.
func parsePull(src string) (srtingest.PullRequest, error) {
	addr, key, ok := strings.Cut(src, "/")
	if !ok || addr == "" || key == "" {
		return srtingest.PullRequest{}, fmt.Errorf("invalid SRT_PULL entry %q, want host:port/key", src)
	}
	return srtingest.PullRequest{Address: addr, StreamKey: key, StreamID: key}, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// fileName maps a stream key to a file name with the container's extension.
func fileName(key string, kind container.Kind) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, key)
	if name == "" {
		name = "stream"
	}
	ext := ".ts"
	if kind == container.FLV {
		ext = ".flv"
	}
	return name + ext
}

// drain consumes input so the ingest side is not blocked on the pipe.
func drain(r io.Reader) {
	_, _ = io.Copy(io.Discard, r)
}
