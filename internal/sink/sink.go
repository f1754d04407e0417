// Package sink provides destinations for the bytes produced by container
// writers: plain io.Writers, files, QUIC streams and SRT connections.
package sink

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Err after Close when no write failed.
var ErrClosed = errors.New("sink: closed")

// Sink adapts an io.Writer to the media.ByteSink contract. The first write
// error is kept and every later write is refused.
type Sink struct {
	w      io.Writer
	flush  func() error
	closer io.Closer

	mu     sync.Mutex
	err    error
	closed bool
	bytes  atomic.Int64
	writes atomic.Int64
}

// Writer returns a Sink writing to w. Closing it does not close w.
func Writer(w io.Writer) *Sink {
	return &Sink{w: w}
}

// File creates (or truncates) path and returns a buffered Sink writing to
// it. Close flushes and closes the file.
func File(path string) (*Sink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("sink: %w", err)
	}
	bw := bufio.NewWriterSize(f, 64*1024)
	return &Sink{w: bw, flush: bw.Flush, closer: f}, nil
}

// Write writes b and reports whether the sink accepts more. Its signature
// matches media.ByteSink.
func (s *Sink) Write(b []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil || s.closed {
		return false
	}
	n, err := s.w.Write(b)
	s.bytes.Add(int64(n))
	s.writes.Add(1)
	if err != nil {
		s.err = err
		return false
	}
	return true
}

// Err returns the write error that stopped the sink, if any.
func (s *Sink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil && s.closed {
		return ErrClosed
	}
	return s.err
}

// Bytes returns the number of bytes written.
func (s *Sink) Bytes() int64 { return s.bytes.Load() }

// Writes returns the number of Write calls that reached the destination.
func (s *Sink) Writes() int64 { return s.writes.Load() }

// Close flushes buffered output and closes the destination. It is safe to
// call more than once.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	if s.flush != nil && s.err == nil {
		errs = append(errs, s.flush())
	}
	if s.closer != nil {
		errs = append(errs, s.closer.Close())
	}
	return errors.Join(errs...)
}
