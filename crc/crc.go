// Package crc implements the MPEG-2 CRC-32 (polynomial 0x04C11DB7, MSB
// first, no reflection, no final XOR) that terminates MPEG-TS program
// tables. The seed is chosen by the caller; program tables use [MPEGSeed].
package crc

import (
	"errors"
	"hash"
	"sync"
)

// Polynomial is the CRC-32 generator polynomial in normal (MSB-first) form.
const Polynomial = 0x04C11DB7

// MPEGSeed is the initial register value for PSI sections.
const MPEGSeed = 0xFFFFFFFF

// Size is the size of a CRC-32 checksum in bytes.
const Size = 4

// ErrMismatch is returned by Verify when a section's trailing CRC does not
// match its contents.
var ErrMismatch = errors.New("crc: CRC32 mismatch")

// ErrShort is returned by Verify for data too short to carry a CRC.
var ErrShort = errors.New("crc: data too short for CRC32")

var (
	tableOnce sync.Once
	table     [256]uint32
)

func buildTable() {
	for i := 0; i < 256; i++ {
		c := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if c&0x80000000 != 0 {
				c = (c << 1) ^ Polynomial
			} else {
				c <<= 1
			}
		}
		table[i] = c
	}
}

// Update returns the result of adding p to the running checksum c.
func Update(c uint32, p []byte) uint32 {
	tableOnce.Do(buildTable)
	for _, b := range p {
		c = (c << 8) ^ table[byte(c>>24)^b]
	}
	return c
}

// Checksum returns the CRC-32 of p starting from seed.
func Checksum(p []byte, seed uint32) uint32 {
	return Update(seed, p)
}

// Verify checks a section whose last four bytes are its big-endian CRC-32
// computed with MPEGSeed. Running the CRC over the whole section, CRC
// included, yields zero for intact data.
func Verify(section []byte) error {
	if len(section) < Size {
		return ErrShort
	}
	if Checksum(section, MPEGSeed) != 0 {
		return ErrMismatch
	}
	return nil
}

// Append appends the big-endian CRC-32 of section (seeded with MPEGSeed).
func Append(section []byte) []byte {
	c := Checksum(section, MPEGSeed)
	return append(section, byte(c>>24), byte(c>>16), byte(c>>8), byte(c))
}

type digest struct {
	seed uint32
	crc  uint32
}

// New returns an incremental CRC-32 accumulator starting from seed.
func New(seed uint32) hash.Hash32 {
	return &digest{seed: seed, crc: seed}
}

func (d *digest) Write(p []byte) (int, error) {
	d.crc = Update(d.crc, p)
	return len(p), nil
}

func (d *digest) Sum32() uint32 { return d.crc }

func (d *digest) Sum(in []byte) []byte {
	s := d.crc
	return append(in, byte(s>>24), byte(s>>16), byte(s>>8), byte(s))
}

func (d *digest) Reset() { d.crc = d.seed }

func (d *digest) Size() int { return Size }

func (d *digest) BlockSize() int { return 1 }
