// Package continuity captures the state a channel queue needs to resume
// exactly where it stopped, and serializes it as a sequence of typed,
// length-prefixed, CRC-32 protected records.
//
// A snapshot file is laid out as:
//
//	magic "QLCN" | version u16
//	record*      : kind u16 | length u32 | payload | crc32 u32
//
// The CRC covers kind, length and payload. Records appear in this order:
// one KindContext, then for every channel a KindChannel followed by its
// KindStream, KindRing and KindFilter records and one KindDetector record
// per detector, then KindEnd.
package continuity

import (
	"errors"
	"time"

	"github.com/muurk/qlink/internal/seed"
)

// Magic starts every snapshot.
const Magic = "QLCN"

// Version is the snapshot format version.
const Version = 2

// Kind identifies a snapshot record.
type Kind uint16

const (
	KindContext  Kind = 1
	KindChannel  Kind = 2
	KindStream   Kind = 3
	KindRing     Kind = 4
	KindFilter   Kind = 5
	KindDetector Kind = 6
	KindEnd      Kind = 0xffff
)

func (k Kind) String() string {
	switch k {
	case KindContext:
		return "context"
	case KindChannel:
		return "channel"
	case KindStream:
		return "stream"
	case KindRing:
		return "ring"
	case KindFilter:
		return "filter"
	case KindDetector:
		return "detector"
	case KindEnd:
		return "end"
	}
	return "unknown"
}

var (
	ErrMagic    = errors.New("continuity: not a snapshot")
	ErrVersion  = errors.New("continuity: version mismatch")
	ErrChecksum = errors.New("continuity: checksum mismatch")
	ErrKind     = errors.New("continuity: unexpected record kind")
	ErrTrailing = errors.New("continuity: data after end record")
)

// Snapshot is the continuity state of one instrument registration.
type Snapshot struct {
	Serial   uint64
	Saved    time.Time // when the snapshot was taken
	LastGood time.Time // time of the last data packet accepted
	DataSeq  uint32    // last data packet sequence
	Channels []Channel
}

// Channel returns the channel stored under location and name.
func (s *Snapshot) Channel(location, name string) (Channel, bool) {
	for _, ch := range s.Channels {
		if ch.Location == location && ch.Name == name {
			return ch, true
		}
	}
	return Channel{}, false
}

// Channel is the state of one channel queue.
type Channel struct {
	Location string
	Name     string
	Rate     int

	Expected time.Time // expected time of the next sample
	Slipping bool      // waiting for the decimation boundary
	Event    bool      // a detector event was in progress
	Activity uint8     // event flags pending for the next record

	Streams []Stream // primary stream first, then the archival stream
	Ring    [][]byte // pre-event records, oldest first
	Filter  Filter

	Detectors []Detector
}

// Stream is the state of one record stream of a channel.
type Stream struct {
	Sequence int   // last sequence number emitted
	Primed   bool  // Last holds a real sample
	Last     int32 // difference baseline
	Hint     int   // codec class of the previous word

	Pending      []int32   // samples not yet packed
	PendingStart time.Time // time of Pending[0]
	Start        time.Time // time of the first sample of the record in progress
	Record       seed.State
}

// Filter is the memory of a decimation filter.
type Filter struct {
	Acc   int64
	Count int
}

// Detector is the state of one detector attached to a channel.
type Detector struct {
	Name   string
	Active bool
	State  []byte // detector memory, empty when the detector keeps none
}
