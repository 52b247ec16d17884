// Package lcq implements the logical channel queues: per-channel pipelines
// that take decompressed samples, re-pack them with the Steim-2 codec into
// fixed-size SEED records and hand the sealed records to a callback.
//
// A Queue owns a primary record stream and, optionally, an archival stream
// with a larger record size. Each stream keeps exactly one record in
// progress. Records are sealed when their frames are full, on Flush, and
// when the time of an incoming block does not continue the previous one.
//
// Queues are not safe for concurrent use; the link worker owns them.
package lcq

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/qlink/internal/codec"
	"github.com/muurk/qlink/internal/logging"
	"github.com/muurk/qlink/internal/seed"
)

// DefaultGapTolerance is the fraction of a sample period an incoming block
// may deviate from its expected time before it counts as a gap.
const DefaultGapTolerance = 0.5

// Ident names a channel.
type Ident struct {
	Network  string
	Station  string
	Location string
	Channel  string
}

func (id Ident) String() string {
	return fmt.Sprintf("%s.%s.%s.%s", id.Network, id.Station, id.Location, id.Channel)
}

// Key returns the location and channel name, the table lookup key.
func (id Ident) Key() string {
	return id.Location + "." + id.Channel
}

// Config describes one channel queue.
type Config struct {
	Ident
	Rate int // >0 samples per second, <0 seconds per sample

	RecordSize   int     // primary record size, seed.DefaultRecordSize when zero
	ArchiveSize  int     // archival record size, no archival stream when zero
	GapTolerance float64 // DefaultGapTolerance when zero
	PreEvent     int     // ring depth in records
	EventOnly    bool    // emit only while a detector event is in progress

	Source   uint8 // data blockette source
	SubField uint8 // data blockette sub-field
	Priority int
}

func (c *Config) setDefaults() {
	if c.RecordSize == 0 {
		c.RecordSize = seed.DefaultRecordSize
	}
	if c.GapTolerance == 0 {
		c.GapTolerance = DefaultGapTolerance
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Channel == "" {
		return errors.New("channel name is required")
	}
	if c.Rate == 0 {
		return fmt.Errorf("%s: sample rate is zero", c.Ident)
	}
	if !seed.ValidRecordSize(c.RecordSize) {
		return fmt.Errorf("%s: invalid record size %d", c.Ident, c.RecordSize)
	}
	if c.ArchiveSize != 0 && (!seed.ValidRecordSize(c.ArchiveSize) || c.ArchiveSize < seed.DefaultRecordSize) {
		return fmt.Errorf("%s: invalid archive record size %d", c.Ident, c.ArchiveSize)
	}
	if c.GapTolerance < 0 {
		return fmt.Errorf("%s: negative gap tolerance", c.Ident)
	}
	if c.PreEvent < 0 {
		return fmt.Errorf("%s: negative pre-event depth", c.Ident)
	}
	if c.EventOnly && c.PreEvent == 0 {
		return fmt.Errorf("%s: event-only channel without a pre-event ring", c.Ident)
	}
	return nil
}

// Record is a sealed record handed to the emit callback. Data is owned by
// the receiver.
type Record struct {
	Ident
	Sequence int
	Start    time.Time
	Samples  int
	Archival bool
	Data     []byte
}

// Clock is the timing state of the instrument, stamped into every header.
type Clock struct {
	Locked  bool
	Quality uint8 // 0 to 100
}

// Stats are the counters of one queue.
type Stats struct {
	Samples   uint64
	Records   uint64
	Archived  uint64
	Gaps      uint64
	Discarded uint64 // samples abandoned by the codec
}

type stream struct {
	b        *seed.Builder
	comp     codec.Compressor
	primed   bool
	seq      int
	start    time.Time
	archival bool

	pending      []int32
	pendingStart time.Time
}

func newStream(size int, archival bool) (*stream, error) {
	b, err := seed.NewBuilder(size, seed.EncodingSteim2)
	if err != nil {
		return nil, err
	}
	return &stream{b: b, archival: archival}, nil
}

// Queue is one logical channel.
type Queue struct {
	cfg    Config
	period time.Duration
	emit   func(Record)
	clock  *Clock

	streams  []*stream // primary first
	expected time.Time

	ring      *Ring
	detectors []*detector
	event     bool
	activity  uint8 // begin/end flags for the next primary record

	parent int // index of the source queue, -1 for a data channel
	dec    *Decimator
	links  []int // derived queues fed by this one

	stats Stats
}

// New creates a queue. Sealed records are passed to emit. clock may be nil.
func New(cfg Config, emit func(Record), clock *Clock) (*Queue, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = &Clock{}
	}
	q := &Queue{
		cfg:    cfg,
		period: seed.Period(cfg.Rate),
		emit:   emit,
		clock:  clock,
		parent: -1,
	}

	primary, err := newStream(cfg.RecordSize, false)
	if err != nil {
		return nil, err
	}
	q.streams = append(q.streams, primary)
	if cfg.ArchiveSize != 0 {
		archive, err := newStream(cfg.ArchiveSize, true)
		if err != nil {
			return nil, err
		}
		q.streams = append(q.streams, archive)
	}
	if cfg.PreEvent > 0 {
		q.ring = NewRing(cfg.PreEvent)
	}
	return q, nil
}

// Ident returns the channel identity.
func (q *Queue) Ident() Ident { return q.cfg.Ident }

// Config returns the queue configuration with defaults applied.
func (q *Queue) Config() Config { return q.cfg }

// Period returns the sample period.
func (q *Queue) Period() time.Duration { return q.period }

// Ceiling is the largest sample count accepted in one data blockette.
func (q *Queue) Ceiling() int {
	if q.cfg.Rate > 0 {
		return q.cfg.Rate
	}
	return 1
}

// Stats returns the queue counters.
func (q *Queue) Stats() Stats { return q.stats }

// Sequence returns the sequence number of the last primary record.
func (q *Queue) Sequence() int { return q.streams[0].seq }

// Expected returns the time the next sample is expected at, zero before
// the first sample.
func (q *Queue) Expected() time.Time { return q.expected }

// Ring returns the pre-event ring, nil when the queue has none.
func (q *Queue) Ring() *Ring { return q.ring }

// Derived reports whether the queue is fed by another queue.
func (q *Queue) Derived() bool { return q.parent >= 0 }

// Gap reports whether a block starting at t would be treated as a
// discontinuity.
func (q *Queue) Gap(t time.Time) bool {
	if q.expected.IsZero() {
		return false
	}
	d := t.Sub(q.expected)
	if d < 0 {
		d = -d
	}
	return float64(d) > q.cfg.GapTolerance*float64(q.period)
}

// AddSample adds one sample taken at t.
func (q *Queue) AddSample(t time.Time, v int32) error {
	return q.AddBlock(t, []int32{v})
}

// AddBlock adds samples, the first taken at t. A block that does not
// continue the previous one flushes every stream once before it is
// accepted.
func (q *Queue) AddBlock(t time.Time, samples []int32) error {
	if len(samples) == 0 {
		return nil
	}
	if q.Gap(t) {
		logging.Debug("Channel gap",
			zap.String("channel", q.cfg.Ident.String()),
			zap.Time("expected", q.expected),
			zap.Time("got", t),
		)
		q.stats.Gaps++
		q.Flush()
		for _, s := range q.streams {
			s.primed = false
		}
	}

	q.detect(t, samples)
	q.stats.Samples += uint64(len(samples))
	q.expected = t.Add(time.Duration(len(samples)) * q.period)

	var errs []error
	for _, s := range q.streams {
		if len(s.pending) == 0 {
			s.pendingStart = t
		}
		s.pending = append(s.pending, samples...)
		if err := q.pack(s, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Flush packs the partial window and seals the record in progress of every
// stream, even below the frame limit.
func (q *Queue) Flush() {
	for _, s := range q.streams {
		if err := q.pack(s, true); err != nil {
			logging.Warn("Flush abandoned samples",
				zap.String("channel", q.cfg.Ident.String()),
				zap.Error(err),
			)
		}
		q.finish(s)
	}
}

func (q *Queue) pack(s *stream, final bool) error {
	for len(s.pending) >= codec.MaxWindow || (final && len(s.pending) > 0) {
		if !s.primed {
			s.comp.Reset(s.pending[0])
			s.primed = true
		}
		w, err := s.comp.Next(s.pending, final)
		if err != nil {
			return q.abandon(s, err)
		}
		if s.b.Empty() {
			s.start = s.pendingStart
		}
		if err := s.b.Add(w, s.pending); err != nil {
			return fmt.Errorf("%s: %w", q.cfg.Ident, err)
		}
		s.pending = s.pending[w.N:]
		s.pendingStart = s.pendingStart.Add(time.Duration(w.N) * q.period)
		if s.b.Full() {
			q.finish(s)
		}
	}
	return nil
}

// abandon drops the pending samples of a stream that the codec could not
// pack. The record in progress is sealed and the baseline restarts.
func (q *Queue) abandon(s *stream, err error) error {
	n := len(s.pending)
	logging.Warn("Block not compressible, samples discarded",
		zap.String("channel", q.cfg.Ident.String()),
		zap.Bool("archival", s.archival),
		zap.Int("samples", n),
		zap.Error(err),
	)
	q.finish(s)
	s.pending = s.pending[:0]
	s.primed = false
	if !s.archival {
		q.stats.Discarded += uint64(n)
	}
	return fmt.Errorf("%s: %d samples discarded: %w", q.cfg.Ident, n, err)
}

func (q *Queue) finish(s *stream) {
	if s.b.Empty() {
		return
	}
	seq := seed.NextSequence(s.seq)
	h := seed.Header{
		Sequence:      seq,
		Quality:       'D',
		Network:       q.cfg.Network,
		Station:       q.cfg.Station,
		Location:      q.cfg.Location,
		Channel:       q.cfg.Channel,
		Start:         s.start,
		Rate:          q.cfg.Rate,
		TimingQuality: q.clock.Quality,
	}
	if q.clock.Locked {
		h.IOClock = seed.ClockLocked
	} else {
		h.DataQuality = seed.QualityQuestionable
	}
	h.Activity = q.activity
	if q.event {
		h.Activity |= seed.ActivityEventInProgress
	}

	samples := s.b.Samples()
	data, err := s.b.Seal(h)
	if err != nil {
		logging.Error("Failed to seal record",
			zap.String("channel", q.cfg.Ident.String()),
			zap.Error(err),
		)
		s.b.Reset()
		return
	}
	s.seq = seq

	rec := Record{
		Ident:    q.cfg.Ident,
		Sequence: seq,
		Start:    s.start,
		Samples:  samples,
		Archival: s.archival,
		Data:     data,
	}
	if s.archival {
		q.stats.Archived++
		q.send(rec)
		return
	}
	q.activity = 0
	q.deliver(rec)
}

// deliver routes a primary record through the pre-event ring.
func (q *Queue) deliver(rec Record) {
	if q.cfg.EventOnly && !q.event {
		q.ring.Push(rec.Data)
		return
	}
	if q.ring != nil && !q.cfg.EventOnly {
		q.ring.Push(append([]byte(nil), rec.Data...))
	}
	q.stats.Records++
	q.send(rec)
}

func (q *Queue) send(rec Record) {
	if q.emit != nil {
		q.emit(rec)
	}
}
