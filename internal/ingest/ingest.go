// Package ingest tracks live input connections. Each registered stream gets
// a pipe: the network receiver writes into one end and the remux pipeline
// started by the registry callback reads from the other.
package ingest

import (
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/avmux/container"
)

// Stats captures connection-level counters for one stream.
type Stats struct {
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

// Stream is one active input connection.
type Stream struct {
	Key       string
	StartedAt time.Time
	// Format is the container format announced by the connection, or
	// container.KindUnknown to have the pipeline detect it.
	Format container.Kind
	input  *io.PipeReader
	pw     *io.PipeWriter
	done   chan struct{}

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// RecordRead counts one network read of n bytes.
func (s *Stream) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// SetRemoteAddr stores the peer address for diagnostics.
func (s *Stream) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Done is closed when the stream is unregistered.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Stats returns a snapshot of the connection counters.
func (s *Stream) Stats() Stats {
	addr, _ := s.remoteAddr.Load().(string)
	return Stats{
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Handler is started in its own goroutine for every registered stream.
type Handler func(s *Stream, input io.Reader)

// Registry tracks active streams by key.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*Stream

	onStream Handler
}

// NewRegistry creates a Registry calling onStream, if non-nil, for every
// new stream.
func NewRegistry(onStream Handler) *Registry {
	return &Registry{
		streams:  make(map[string]*Stream),
		onStream: onStream,
	}
}

// Register creates a stream and returns it with the writer the receiver
// should copy network data into. A stream already registered under key is
// closed and replaced.
func (r *Registry) Register(key string, format container.Kind) (*Stream, io.Writer) {
	pr, pw := io.Pipe()
	s := &Stream{
		Key:       key,
		StartedAt: time.Now(),
		Format:    format,
		input:     pr,
		pw:        pw,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	prev := r.streams[key]
	r.streams[key] = s
	r.mu.Unlock()
	if prev != nil {
		prev.close()
	}

	if r.onStream != nil {
		go r.onStream(s, pr)
	}
	return s, pw
}

// Unregister removes the stream registered under key, ending its input
// with io.EOF and closing Done. Unknown keys are ignored.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	s, ok := r.streams[key]
	if ok {
		delete(r.streams, key)
	}
	r.mu.Unlock()

	if ok {
		s.close()
	}
}

func (s *Stream) close() {
	s.pw.Close()
	close(s.done)
}

// Get returns the stream registered under key.
func (r *Registry) Get(key string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[key]
	return s, ok
}

// List returns the active streams ordered by key.
func (r *Registry) List() []*Stream {
	r.mu.RLock()
	out := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
