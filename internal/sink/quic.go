package sink

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN is the application protocol negotiated by QUIC sinks and listeners.
const ALPN = "avmux"

const (
	quicIdleTimeout = 30 * time.Second
	// quicDrainTimeout bounds how long Close waits for the receiver to
	// hang up after the stream is finished.
	quicDrainTimeout = 2 * time.Second
)

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  quicIdleTimeout,
		KeepAlivePeriod: quicIdleTimeout / 3,
	}
}

type quicCloser struct {
	conn   quic.Connection
	stream quic.Stream
}

func (c *quicCloser) Close() error {
	err := c.stream.Close()
	select {
	case <-c.conn.Context().Done():
	case <-time.After(quicDrainTimeout):
	}
	return errors.Join(err, c.conn.CloseWithError(0, "done"))
}

// DialQUIC connects to addr and opens one unidirectional-use stream. Every
// write to the returned Sink is sent as one length-prefixed frame. If
// tlsConf has no NextProtos, ALPN is used.
func DialQUIC(ctx context.Context, addr string, tlsConf *tls.Config) (*Sink, error) {
	if tlsConf == nil {
		tlsConf = &tls.Config{}
	}
	if len(tlsConf.NextProtos) == 0 {
		tlsConf = tlsConf.Clone()
		tlsConf.NextProtos = []string{ALPN}
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("sink: QUIC dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("sink: QUIC open stream: %w", err)
	}
	return &Sink{
		w:      &frameWriter{w: stream},
		closer: &quicCloser{conn: conn, stream: stream},
	}, nil
}

// Listener accepts QUIC connections from DialQUIC sinks.
type Listener struct {
	ln  *quic.Listener
	log *slog.Logger
}

// ListenQUIC listens on addr. If tlsConf has no NextProtos, ALPN is used.
// If log is nil, slog.Default() is used.
func ListenQUIC(addr string, tlsConf *tls.Config, log *slog.Logger) (*Listener, error) {
	if log == nil {
		log = slog.Default()
	}
	if tlsConf == nil {
		return nil, errors.New("sink: QUIC listener needs a TLS config")
	}
	if len(tlsConf.NextProtos) == 0 {
		tlsConf = tlsConf.Clone()
		tlsConf.NextProtos = []string{ALPN}
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("sink: QUIC listen on %s: %w", addr, err)
	}
	return &Listener{ln: ln, log: log.With("component", "quic-listener")}, nil
}

// Addr returns the local address of the listener.
func (l *Listener) Addr() string { return l.ln.Addr().String() }

// Close stops the listener.
func (l *Listener) Close() error { return l.ln.Close() }

// Incoming is one accepted sink connection.
type Incoming struct {
	*FrameReader
	RemoteAddr string
	conn       quic.Connection
}

// Close closes the connection, which also releases a sender waiting in
// Close.
func (in *Incoming) Close() error {
	return in.conn.CloseWithError(0, "")
}

var _ io.ReadCloser = (*Incoming)(nil)

// Accept waits for the next connection and its first stream.
func (l *Listener) Accept(ctx context.Context) (*Incoming, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return nil, fmt.Errorf("sink: accept stream: %w", err)
	}
	l.log.Info("sink connected", "remote", conn.RemoteAddr())
	return &Incoming{
		FrameReader: NewFrameReader(stream),
		RemoteAddr:  conn.RemoteAddr().String(),
		conn:        conn,
	}, nil
}
