package lcq

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/qlink/internal/continuity"
	"github.com/muurk/qlink/internal/logging"
)

// Key selects the queue fed by a data blockette.
type Key struct {
	Source   uint8
	SubField uint8
}

// Table is the ordered set of channel queues of one registration. Queues
// are addressed by index; derived channels link to their source by index.
type Table struct {
	queues []*Queue
	byName map[string]int
	byKey  map[Key]int
	emit   func(Record)
	clock  Clock
	log    *MessageQueue
}

// NewTable returns an empty table whose queues pass sealed records to emit.
func NewTable(emit func(Record)) *Table {
	return &Table{
		byName: make(map[string]int),
		byKey:  make(map[Key]int),
		emit:   emit,
	}
}

// Len returns the number of queues.
func (t *Table) Len() int { return len(t.queues) }

// Queue returns the queue at index i.
func (t *Table) Queue(i int) *Queue { return t.queues[i] }

// Queues returns the queues in table order.
func (t *Table) Queues() []*Queue { return t.queues }

// Lookup returns the index of the queue for location and channel.
func (t *Table) Lookup(location, channel string) (int, bool) {
	i, ok := t.byName[location+"."+channel]
	return i, ok
}

// ByKey returns the index of the queue fed by blockettes with key k.
func (t *Table) ByKey(k Key) (int, bool) {
	i, ok := t.byKey[k]
	return i, ok
}

// Clock returns the clock shared by all queues.
func (t *Table) Clock() *Clock { return &t.clock }

// SetClock updates the timing state stamped into subsequent records.
func (t *Table) SetClock(c Clock) {
	t.clock = c
}

func (t *Table) insert(q *Queue) (int, error) {
	key := q.cfg.Key()
	if _, dup := t.byName[key]; dup {
		return 0, fmt.Errorf("duplicate channel %s", q.cfg.Ident)
	}
	i := len(t.queues)
	t.queues = append(t.queues, q)
	t.byName[key] = i
	return i, nil
}

// Add creates a data channel fed by blockettes with the configured source
// and sub-field.
func (t *Table) Add(cfg Config) (int, error) {
	k := Key{Source: cfg.Source, SubField: cfg.SubField}
	if _, dup := t.byKey[k]; dup {
		return 0, fmt.Errorf("duplicate source %d/%d for %s", k.Source, k.SubField, cfg.Ident)
	}
	q, err := New(cfg, t.emit, &t.clock)
	if err != nil {
		return 0, err
	}
	i, err := t.insert(q)
	if err != nil {
		return 0, err
	}
	t.byKey[k] = i
	return i, nil
}

// AddDerived creates a channel decimated by factor from the queue at
// parent. The rate in cfg is ignored and computed from the parent.
func (t *Table) AddDerived(parent int, cfg Config, factor int) (int, error) {
	if parent < 0 || parent >= len(t.queues) {
		return 0, fmt.Errorf("derived channel %s: no source queue %d", cfg.Ident, parent)
	}
	src := t.queues[parent]
	rate, err := derivedRate(src.cfg.Rate, factor)
	if err != nil {
		return 0, fmt.Errorf("derived channel %s: %w", cfg.Ident, err)
	}
	cfg.Rate = rate
	dec, err := NewDecimator(factor, src.period)
	if err != nil {
		return 0, fmt.Errorf("derived channel %s: %w", cfg.Ident, err)
	}
	q, err := New(cfg, t.emit, &t.clock)
	if err != nil {
		return 0, err
	}
	q.parent = parent
	q.dec = dec
	i, err := t.insert(q)
	if err != nil {
		return 0, err
	}
	src.links = append(src.links, i)
	return i, nil
}

// SetLog creates the message pseudo-channel.
func (t *Table) SetLog(id Ident, size int) error {
	m, err := NewMessageQueue(id, size, t.emit, &t.clock)
	if err != nil {
		return err
	}
	t.log = m
	return nil
}

// Log returns the message pseudo-channel, nil when none was set.
func (t *Table) Log() *MessageQueue { return t.log }

// Message writes a line to the message pseudo-channel, if any.
func (t *Table) Message(at time.Time, msg string) {
	if t.log != nil {
		t.log.Write(at, msg)
	}
}

// Feed adds a block to the queue at index i and to every channel derived
// from it. A gap in the source puts its derived channels into slipping.
func (t *Table) Feed(i int, start time.Time, samples []int32) error {
	q := t.queues[i]
	gap := q.Gap(start)
	err := q.AddBlock(start, samples)
	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	for _, j := range q.links {
		d := t.queues[j]
		if gap {
			d.dec.Slip()
		}
		at, out := d.dec.Process(start, samples)
		if len(out) == 0 {
			continue
		}
		if err := t.Feed(j, at, out); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Flush seals the records in progress of every queue and the message
// channel.
func (t *Table) Flush() {
	for _, q := range t.queues {
		q.Flush()
	}
	if t.log != nil {
		t.log.Flush()
	}
}

// EnableDetector turns the named detector on or off on every queue and
// returns the number of queues that carry it.
func (t *Table) EnableDetector(name string, on bool) int {
	n := 0
	for _, q := range t.queues {
		if q.EnableDetector(name, on) {
			n++
		}
	}
	return n
}

// MaxRate returns the highest sample rate of the channels with a priority
// at or below priority, the ceiling announced at registration.
func (t *Table) MaxRate(priority int) int {
	ceiling := 0
	for _, q := range t.queues {
		if q.Derived() || q.cfg.Priority > priority {
			continue
		}
		if q.cfg.Rate > ceiling {
			ceiling = q.cfg.Rate
		}
	}
	return ceiling
}

// Stats sums the counters of all queues.
func (t *Table) Stats() Stats {
	var total Stats
	for _, q := range t.queues {
		s := q.stats
		total.Samples += s.Samples
		total.Records += s.Records
		total.Archived += s.Archived
		total.Gaps += s.Gaps
		total.Discarded += s.Discarded
	}
	return total
}

// Snapshot captures the data and derived queues. The message channel is
// captured separately by LogSnapshot.
func (t *Table) Snapshot() []continuity.Channel {
	chs := make([]continuity.Channel, 0, len(t.queues))
	for _, q := range t.queues {
		chs = append(chs, q.Snapshot())
	}
	return chs
}

// LogSnapshot captures the message channel and the derived channels, the
// content of the logging continuity file.
func (t *Table) LogSnapshot() []continuity.Channel {
	var chs []continuity.Channel
	if t.log != nil {
		chs = append(chs, t.log.Snapshot())
	}
	for _, q := range t.queues {
		if q.Derived() {
			chs = append(chs, q.Snapshot())
		}
	}
	return chs
}

// Restore resumes every queue found in chs. Channels that no longer exist
// or do not match are skipped with a warning; the rest are restored. It
// returns the number of channels restored.
func (t *Table) Restore(chs []continuity.Channel) int {
	n := 0
	for _, ch := range chs {
		if t.log != nil && ch.Location == t.log.id.Location && ch.Name == t.log.id.Channel {
			if err := t.log.Restore(ch); err != nil {
				logging.Warn("Message channel continuity rejected", zap.Error(err))
				continue
			}
			n++
			continue
		}
		i, ok := t.Lookup(ch.Location, ch.Name)
		if !ok {
			logging.Warn("Continuity for unknown channel",
				zap.String("location", ch.Location),
				zap.String("channel", ch.Name),
			)
			continue
		}
		if err := t.queues[i].Restore(ch); err != nil {
			logging.Warn("Channel continuity rejected", zap.Error(err))
			continue
		}
		n++
	}
	return n
}
