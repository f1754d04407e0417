package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/avmux/container"
	"github.com/zsiec/avmux/internal/ingest"
)

// pullDialTimeout bounds the synchronous part of Pull.
const pullDialTimeout = 10 * time.Second

// Errors returned by Pull and Stop.
var (
	ErrInvalidPull   = errors.New("srt: invalid pull request")
	ErrPullActive    = errors.New("srt: pull already active")
	ErrPullNotActive = errors.New("srt: no active pull")
)

// PullRequest describes a remote SRT source to pull from. Format names the
// container the source carries ("flv" or "ts"); when empty it is taken from
// the stream id extension, or detected from the first bytes.
type PullRequest struct {
	Address   string `json:"address"`
	StreamKey string `json:"streamKey"`
	StreamID  string `json:"streamId,omitempty"`
	Format    string `json:"format,omitempty"`
}

// resolve validates r and returns the stream id to dial and the container
// kind to register.
func (r PullRequest) resolve() (string, container.Kind, error) {
	if r.Address == "" {
		return "", 0, fmt.Errorf("%w: address is required", ErrInvalidPull)
	}
	if r.StreamKey == "" {
		return "", 0, fmt.Errorf("%w: streamKey is required", ErrInvalidPull)
	}
	streamID := r.StreamID
	if streamID == "" {
		streamID = "live/" + r.StreamKey
	}
	if r.Format == "" {
		_, kind := parseStreamID(streamID)
		return streamID, kind, nil
	}
	kind, err := container.ParseKind(r.Format)
	if err != nil || (kind != container.FLV && kind != container.MPEGTS) {
		return "", 0, fmt.Errorf("%w: format %q is not flv or ts", ErrInvalidPull, r.Format)
	}
	return streamID, kind, nil
}

// PullStatus reports a running pull and the container seen on the wire.
type PullStatus struct {
	PullRequest
	Detected    string `json:"detected,omitempty"`
	Bytes       int64  `json:"bytes"`
	ConnectedAt int64  `json:"connectedAt"`
}

type activePull struct {
	req       PullRequest
	format    container.Kind
	cancel    context.CancelFunc
	connected time.Time
	bytes     atomic.Int64
	detected  atomic.Uint32
}

// sniffReader counts the bytes read through it and detects the container
// kind of the first detectSize of them.
type sniffReader struct {
	r        io.Reader
	pull     *activePull
	head     []byte
	done     bool
	onDetect func(container.Kind)
}

func (s *sniffReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	s.pull.bytes.Add(int64(n))
	if !s.done {
		s.head = append(s.head, p[:n]...)
		if len(s.head) >= detectSize || (err != nil && len(s.head) > 0) {
			s.sniff()
		}
	}
	return n, err
}

func (s *sniffReader) sniff() {
	kind := container.Detect(s.head)
	s.head, s.done = nil, true
	s.pull.detected.Store(uint32(kind))
	if s.onDetect != nil {
		s.onDetect(kind)
	}
}

// detectSize is how many leading bytes are sniffed: one TS packet and the
// next sync byte.
const detectSize = 189

// dialFunc opens a caller-mode connection carrying streamID.
type dialFunc func(addr, streamID string) (io.ReadCloser, error)

func dialSRT(addr, streamID string) (io.ReadCloser, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = streamID
	conn, err := srtgo.Dial(addr, cfg)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Caller manages SRT pull connections, dialing remote SRT sources
// and streaming their data into the ingest registry.
type Caller struct {
	log      *slog.Logger
	registry *ingest.Registry
	dial     dialFunc

	mu    sync.Mutex
	pulls map[string]*activePull
}

// NewCaller creates a Caller that uses the given registry to register
// pulled streams. If log is nil, slog.Default() is used.
func NewCaller(registry *ingest.Registry, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		log:      log.With("component", "srt-caller"),
		registry: registry,
		dial:     dialSRT,
		pulls:    make(map[string]*activePull),
	}
}

// Pull validates req and dials the source, waiting at most ten seconds.
// On success the stream is registered and copied in the background until
// the source ends, Stop is called or ctx is cancelled.
func (c *Caller) Pull(ctx context.Context, req PullRequest) error {
	streamID, kind, err := req.resolve()
	if err != nil {
		return err
	}
	if c.active(req.StreamKey) {
		return fmt.Errorf("%w: %q", ErrPullActive, req.StreamKey)
	}

	c.log.Info("dialing", "address", req.Address, "stream_id", streamID, "format", kind)
	conn, err := c.dialContext(ctx, req.Address, streamID)
	if err != nil {
		return err
	}

	pullCtx, cancel := context.WithCancel(ctx)
	ap := &activePull{req: req, format: kind, cancel: cancel, connected: time.Now()}
	c.mu.Lock()
	if _, exists := c.pulls[req.StreamKey]; exists {
		c.mu.Unlock()
		cancel()
		conn.Close()
		return fmt.Errorf("%w: %q", ErrPullActive, req.StreamKey)
	}
	c.pulls[req.StreamKey] = ap
	c.mu.Unlock()

	stream, writer := c.registry.Register(req.StreamKey, kind)
	stream.SetRemoteAddr(req.Address)
	go c.run(pullCtx, ap, conn, stream, writer)
	return nil
}

// dialContext runs the blocking dial until it finishes, the timeout fires
// or ctx ends. A connection that completes after giving up is closed.
func (c *Caller) dialContext(ctx context.Context, addr, streamID string) (io.ReadCloser, error) {
	type dialResult struct {
		conn io.ReadCloser
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := c.dial(addr, streamID)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(pullDialTimeout)
	defer timer.Stop()

	var err error
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("SRT dial %s: %w", addr, res.err)
		}
		return res.conn, nil
	case <-timer.C:
		err = fmt.Errorf("SRT dial %s timed out after %s", addr, pullDialTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	go func() {
		if res := <-ch; res.conn != nil {
			res.conn.Close()
		}
	}()
	return nil, err
}

func (c *Caller) run(ctx context.Context, ap *activePull, conn io.ReadCloser, stream *ingest.Stream, w io.Writer) {
	key := ap.req.StreamKey
	defer func() {
		ap.cancel()
		conn.Close()
		c.registry.Unregister(key)
		c.mu.Lock()
		delete(c.pulls, key)
		c.mu.Unlock()
		c.log.Info("pull ended", "stream_key", key,
			"format", ap.format, "detected", container.Kind(ap.detected.Load()),
			"bytes", ap.bytes.Load(), "uptime", time.Since(ap.connected).Round(time.Millisecond))
	}()

	// Closing the connection unblocks a pending Read when the pull is
	// stopped.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	src := &sniffReader{r: conn, pull: ap, onDetect: func(kind container.Kind) {
		if ap.format != container.KindUnknown && kind != ap.format {
			c.log.Warn("pulled data does not match the requested format",
				"stream_key", key, "format", ap.format, "detected", kind)
		}
	}}
	copyInput(ctx, c.log, src, stream, w)
}

func (c *Caller) active(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pulls[key]
	return ok
}

// Stop cancels the pull for streamKey.
func (c *Caller) Stop(streamKey string) error {
	c.mu.Lock()
	ap, ok := c.pulls[streamKey]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrPullNotActive, streamKey)
	}
	ap.cancel()
	return nil
}

// ActivePulls lists the running pulls ordered by stream key.
func (c *Caller) ActivePulls() []PullStatus {
	c.mu.Lock()
	out := make([]PullStatus, 0, len(c.pulls))
	for _, ap := range c.pulls {
		st := PullStatus{
			PullRequest: ap.req,
			Bytes:       ap.bytes.Load(),
			ConnectedAt: ap.connected.UnixMilli(),
		}
		if ap.format != container.KindUnknown {
			st.Format = ap.format.String()
		}
		if k := container.Kind(ap.detected.Load()); k != container.KindUnknown {
			st.Detected = k.String()
		}
		out = append(out, st)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StreamKey < out[j].StreamKey })
	return out
}
