package sink

import (
	"fmt"
	"io"

	srtgo "github.com/zsiec/srtgo"
)

// SRTPayloadSize is the largest write sent to an SRT connection: seven
// transport packets.
const SRTPayloadSize = 1316

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// chunkWriter splits writes into pieces of at most size bytes.
type chunkWriter struct {
	w    io.Writer
	size int
}

func (cw *chunkWriter) Write(b []byte) (int, error) {
	written := 0
	for len(b) > 0 {
		n := min(len(b), cw.size)
		m, err := cw.w.Write(b[:n])
		written += m
		if err != nil {
			return written, err
		}
		b = b[n:]
	}
	return written, nil
}

// DialSRT connects to an SRT listener in caller mode and returns a Sink
// publishing to it under streamID.
func DialSRT(addr, streamID string) (*Sink, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = streamID
	conn, err := srtgo.Dial(addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("sink: SRT dial %s: %w", addr, err)
	}
	return &Sink{w: &chunkWriter{w: conn, size: SRTPayloadSize}, closer: conn}, nil
}
