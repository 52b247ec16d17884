// Package seed builds and reads the fixed-size SEED data records emitted by
// the channel queues: a 48-byte fixed header, blockettes 1000 and 1001 and
// 64-byte compressed frames.
package seed

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Record layout.
const (
	FixedHeaderSize = 48
	HeaderSize      = 64 // fixed header + B1000 + B1001
	FrameSize       = 64
	WordsPerFrame   = FrameSize / 4

	MinRecordSize     = 256
	DefaultRecordSize = 512
	MaxRecordSize     = 16384

	MaxSequence = 999999
)

// Data encodings carried in blockette 1000.
const (
	EncodingASCII  = 0
	EncodingSteim2 = 11
)

// Activity flags.
const (
	ActivityCalibration     = 0x01
	ActivityEventBegin      = 0x04
	ActivityEventEnd        = 0x08
	ActivityEventInProgress = 0x40
)

// I/O and clock flags.
const (
	ClockLocked = 0x20
)

// Data quality flags.
const (
	QualityMissing      = 0x10
	QualityQuestionable = 0x80
)

// Header holds the fields of a record header this package reads and writes.
type Header struct {
	Sequence int
	Quality  byte // 'D', 'R', 'Q' or 'M'

	Network  string
	Station  string
	Location string
	Channel  string

	Start   time.Time
	Samples int
	Rate    int // >0 samples per second, <0 seconds per sample

	Activity       uint8
	IOClock        uint8
	DataQuality    uint8
	TimeCorrection int32

	Encoding      uint8
	RecordSize    int
	TimingQuality uint8
	Frames        int
}

// Period returns the sample period for a rate.
func Period(rate int) time.Duration {
	switch {
	case rate > 0:
		return time.Second / time.Duration(rate)
	case rate < 0:
		return time.Duration(-rate) * time.Second
	}
	return 0
}

// NextSequence returns the sequence number following n, wrapping from
// 999999 back to 1.
func NextSequence(n int) int {
	n++
	if n > MaxSequence || n < 1 {
		n = 1
	}
	return n
}

// ValidRecordSize reports whether n is a power of two within the record
// size limits.
func ValidRecordSize(n int) bool {
	return n >= MinRecordSize && n <= MaxRecordSize && n&(n-1) == 0
}

func exponent(n int) uint8 {
	var e uint8
	for n > 1 {
		n >>= 1
		e++
	}
	return e
}

// Encode writes the 64-byte header into p.
func (h *Header) Encode(p []byte) error {
	if len(p) < HeaderSize {
		return fmt.Errorf("seed: header buffer too short: %d bytes (minimum %d)", len(p), HeaderSize)
	}
	if !ValidRecordSize(h.RecordSize) {
		return fmt.Errorf("seed: invalid record size %d", h.RecordSize)
	}
	if h.Sequence < 0 || h.Sequence > MaxSequence {
		return fmt.Errorf("seed: sequence %d out of range", h.Sequence)
	}
	if h.Samples < 0 || h.Samples > 0xffff {
		return fmt.Errorf("seed: sample count %d out of range", h.Samples)
	}

	quality := h.Quality
	if quality == 0 {
		quality = 'D'
	}

	copy(p[0:6], fmt.Sprintf("%06d", h.Sequence))
	p[6] = quality
	p[7] = ' '
	putField(p[8:13], h.Station)
	putField(p[13:15], h.Location)
	putField(p[15:18], h.Channel)
	putField(p[18:20], h.Network)

	start, usec := splitMicro(h.Start)
	putBTime(p[20:30], start)

	binary.BigEndian.PutUint16(p[30:32], uint16(h.Samples))
	binary.BigEndian.PutUint16(p[32:34], uint16(int16(h.Rate)))
	binary.BigEndian.PutUint16(p[34:36], 1)
	p[36] = h.Activity
	p[37] = h.IOClock
	p[38] = h.DataQuality
	p[39] = 2
	binary.BigEndian.PutUint32(p[40:44], uint32(h.TimeCorrection))
	binary.BigEndian.PutUint16(p[44:46], HeaderSize)
	binary.BigEndian.PutUint16(p[46:48], FixedHeaderSize)

	// blockette 1000
	b := p[48:56]
	binary.BigEndian.PutUint16(b[0:2], 1000)
	binary.BigEndian.PutUint16(b[2:4], 56)
	b[4] = h.Encoding
	b[5] = 1 // big-endian
	b[6] = exponent(h.RecordSize)
	b[7] = 0

	// blockette 1001
	b = p[56:64]
	binary.BigEndian.PutUint16(b[0:2], 1001)
	binary.BigEndian.PutUint16(b[2:4], 0)
	b[4] = h.TimingQuality
	b[5] = byte(int8(usec))
	b[6] = 0
	b[7] = byte(h.Frames)

	return nil
}

// DecodeHeader parses the 64-byte header at the start of p.
func DecodeHeader(p []byte) (Header, error) {
	var h Header
	if len(p) < HeaderSize {
		return h, fmt.Errorf("seed: record too short: %d bytes (minimum %d)", len(p), HeaderSize)
	}

	seq, err := strconv.Atoi(strings.TrimSpace(string(p[0:6])))
	if err != nil {
		return h, fmt.Errorf("seed: invalid sequence number %q: %w", p[0:6], err)
	}
	h.Sequence = seq
	h.Quality = p[6]
	h.Station = getField(p[8:13])
	h.Location = getField(p[13:15])
	h.Channel = getField(p[15:18])
	h.Network = getField(p[18:20])

	start, err := getBTime(p[20:30])
	if err != nil {
		return h, err
	}
	h.Samples = int(binary.BigEndian.Uint16(p[30:32]))
	h.Rate = int(int16(binary.BigEndian.Uint16(p[32:34])))
	h.Activity = p[36]
	h.IOClock = p[37]
	h.DataQuality = p[38]
	h.TimeCorrection = int32(binary.BigEndian.Uint32(p[40:44]))

	var (
		nblk = int(p[39])
		next = int(binary.BigEndian.Uint16(p[46:48]))
		usec int8
	)
	for i := 0; i < nblk && next != 0; i++ {
		if next < FixedHeaderSize || next+8 > len(p) {
			return h, fmt.Errorf("seed: blockette offset %d out of bounds", next)
		}
		b := p[next : next+8]
		switch typ := binary.BigEndian.Uint16(b[0:2]); typ {
		case 1000:
			h.Encoding = b[4]
			if b[5] != 1 {
				return h, fmt.Errorf("seed: unsupported word order %d", b[5])
			}
			h.RecordSize = 1 << b[6]
		case 1001:
			h.TimingQuality = b[4]
			usec = int8(b[5])
			h.Frames = int(b[7])
		default:
			return h, fmt.Errorf("seed: unsupported blockette %d", typ)
		}
		next = int(binary.BigEndian.Uint16(b[2:4]))
	}
	h.Start = start.Add(time.Duration(usec) * time.Microsecond)

	return h, nil
}

func putField(p []byte, v string) {
	for i := range p {
		if i < len(v) {
			p[i] = v[i]
			continue
		}
		p[i] = ' '
	}
}

func getField(p []byte) string {
	return strings.TrimRight(string(p), " ")
}

// splitMicro rounds t to the 100µs resolution of a BTime and returns the
// microsecond remainder in [-50, 50).
func splitMicro(t time.Time) (time.Time, int) {
	const tick = 100 * time.Microsecond
	r := t.Truncate(tick)
	usec := int(t.Sub(r) / time.Microsecond)
	if usec >= 50 {
		r = r.Add(tick)
		usec -= 100
	}
	return r, usec
}

func putBTime(p []byte, t time.Time) {
	t = t.UTC()
	binary.BigEndian.PutUint16(p[0:2], uint16(t.Year()))
	binary.BigEndian.PutUint16(p[2:4], uint16(t.YearDay()))
	p[4] = byte(t.Hour())
	p[5] = byte(t.Minute())
	p[6] = byte(t.Second())
	p[7] = 0
	binary.BigEndian.PutUint16(p[8:10], uint16(t.Nanosecond()/int(100*time.Microsecond)))
}

func getBTime(p []byte) (time.Time, error) {
	var (
		year = int(binary.BigEndian.Uint16(p[0:2]))
		day  = int(binary.BigEndian.Uint16(p[2:4]))
		frac = int(binary.BigEndian.Uint16(p[8:10]))
	)
	if day < 1 || day > 366 || p[4] > 23 || p[5] > 59 || p[6] > 60 || frac > 9999 {
		return time.Time{}, fmt.Errorf("seed: invalid start time % x", p)
	}
	t := time.Date(year, time.January, day, int(p[4]), int(p[5]), int(p[6]), frac*int(100*time.Microsecond), time.UTC)
	return t, nil
}
