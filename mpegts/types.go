// Package mpegts reads and writes MPEG transport streams: 188-byte packets
// carrying PAT/PMT/SDT program tables and PES-packetized elementary
// streams. The Reader accepts input split at arbitrary byte boundaries and
// delivers media.Frame values; the Writer lines tracks up with per-track
// queues and emits random-access units starting at video key frames.
package mpegts

import (
	"errors"
	"fmt"
)

const (
	PacketSize = 188
	SyncByte   = 0x47

	// payload bytes after the 4-byte packet header
	maxPayload = PacketSize - 4
)

// Well-known PIDs.
const (
	PIDPAT  = 0x0000
	PIDSDT  = 0x0011
	PIDNull = 0x1FFF
)

// Table IDs.
const (
	TableIDPAT = 0x00
	TableIDPMT = 0x02
	TableIDSDT = 0x42
)

// Stream types carried in the PMT.
const (
	StreamTypeMPEG1Audio = 0x03
	StreamTypeMPEG2Audio = 0x04
	StreamTypePrivate    = 0x06
	StreamTypeAAC        = 0x0F
	StreamTypeH264       = 0x1B
)

// PES stream IDs used by the writer.
const (
	StreamIDVideo = 0xE0
	StreamIDAudio = 0xC0
)

// Sentinel errors. Feed and WriteFrame wrap them with diagnostics; check
// with errors.Is.
var (
	ErrBadSync       = errors.New("mpegts: invalid sync byte")
	ErrChecksum      = errors.New("mpegts: CRC32 mismatch")
	ErrMalformed     = errors.New("mpegts: malformed data")
	ErrTrackMismatch = errors.New("mpegts: PMT stream count does not match configured tracks")
	ErrAborted       = errors.New("mpegts: aborted by callback")
	ErrUnknownTrack  = errors.New("mpegts: unknown track")
	ErrInvalidConfig = errors.New("mpegts: invalid writer configuration")
)

// ParseError records which field was being decoded when parsing failed.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("mpegts: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func malformed(field, format string, args ...any) error {
	return &ParseError{Field: field, Err: fmt.Errorf("%w: "+format, append([]any{ErrMalformed}, args...)...)}
}
