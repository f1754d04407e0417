// Package stream tracks the remux sessions running for live inputs and
// rejects a second session for a key that is already active.
package stream

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/avmux/internal/pipeline"
)

// Stream is one active remux session.
type Stream struct {
	Key       string
	StartedAt time.Time
	// Output describes where the session writes, such as a file path or a
	// relay address.
	Output string
	done   chan struct{}

	mu       sync.Mutex
	pipeline *pipeline.Pipeline
}

// Attach records the pipeline serving the stream so its counters show up
// in snapshots.
func (s *Stream) Attach(p *pipeline.Pipeline) {
	s.mu.Lock()
	s.pipeline = p
	s.mu.Unlock()
}

// Done is closed when the stream is removed.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Info is a point-in-time view of a stream.
type Info struct {
	Key      string          `json:"key"`
	Output   string          `json:"output"`
	UptimeMs int64           `json:"uptimeMs"`
	Pipeline *pipeline.Stats `json:"pipeline,omitempty"`
}

// Info returns a snapshot of the stream.
func (s *Stream) Info() Info {
	info := Info{
		Key:      s.Key,
		Output:   s.Output,
		UptimeMs: time.Since(s.StartedAt).Milliseconds(),
	}
	s.mu.Lock()
	p := s.pipeline
	s.mu.Unlock()
	if p != nil {
		st := p.Stats()
		info.Pipeline = &st
	}
	return info
}

// Manager manages the lifecycle of active streams.
type Manager struct {
	log     *slog.Logger
	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewManager creates a new stream manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:     log.With("component", "stream-manager"),
		streams: make(map[string]*Stream),
	}
}

// Create registers a new stream writing to output. It returns nil and
// false if a stream with this key already exists.
func (m *Manager) Create(key, output string) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.streams[key]; ok {
		m.log.Warn("stream already exists, rejecting duplicate", "key", key)
		return nil, false
	}

	s := &Stream{
		Key:       key,
		StartedAt: time.Now(),
		Output:    output,
		done:      make(chan struct{}),
	}
	m.streams[key] = s
	m.log.Info("stream created", "key", key, "output", output)
	return s, true
}

// Get returns the stream registered under key.
func (m *Manager) Get(key string) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[key]
	return s, ok
}

// Remove removes a stream from the manager.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	s, ok := m.streams[key]
	if ok {
		delete(m.streams, key)
	}
	m.mu.Unlock()

	if ok {
		close(s.done)
		m.log.Info("stream removed", "key", key, "uptime", time.Since(s.StartedAt).Round(time.Millisecond))
	}
}

// List returns all active streams ordered by key.
func (m *Manager) List() []*Stream {
	m.mu.RLock()
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.RUnlock()
	sort.Slice(streams, func(i, j int) bool { return streams[i].Key < streams[j].Key })
	return streams
}

// Snapshot returns Info for every active stream, ordered by key.
func (m *Manager) Snapshot() []Info {
	streams := m.List()
	out := make([]Info, len(streams))
	for i, s := range streams {
		out[i] = s.Info()
	}
	return out
}
