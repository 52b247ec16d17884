package lcq

import (
	"fmt"

	"github.com/muurk/qlink/internal/codec"
	"github.com/muurk/qlink/internal/continuity"
)

// Snapshot captures the state needed to continue the queue's streams
// bit-identically after a restart.
func (q *Queue) Snapshot() continuity.Channel {
	ch := continuity.Channel{
		Location: q.cfg.Location,
		Name:     q.cfg.Channel,
		Rate:     q.cfg.Rate,
		Expected: q.expected,
		Event:    q.event,
		Activity: q.activity,
	}
	for _, s := range q.streams {
		ch.Streams = append(ch.Streams, continuity.Stream{
			Sequence:     s.seq,
			Primed:       s.primed,
			Last:         s.comp.Last,
			Hint:         s.comp.Hint,
			Pending:      append([]int32(nil), s.pending...),
			PendingStart: s.pendingStart,
			Start:        s.start,
			Record:       s.b.State(),
		})
	}
	if q.ring != nil {
		ch.Ring = q.ring.Records()
	}
	if q.dec != nil {
		ch.Slipping = q.dec.slipping
		ch.Filter = continuity.Filter{Acc: q.dec.acc, Count: q.dec.count}
	}
	for _, d := range q.detectors {
		ds := continuity.Detector{Name: d.Name(), Active: d.active}
		if saver, ok := d.Detector.(StateSaver); ok {
			ds.State = saver.SaveState()
		}
		ch.Detectors = append(ch.Detectors, ds)
	}
	return ch
}

// findDetector returns the attached detector with the given name.
func (q *Queue) findDetector(name string) *detector {
	for _, d := range q.detectors {
		if d.Name() == name {
			return d
		}
	}
	return nil
}

// Restore resumes the queue from a snapshot taken of a queue with the same
// configuration. Streams missing from the snapshot start fresh, which is
// how an archival stream added since the snapshot behaves.
func (q *Queue) Restore(ch continuity.Channel) error {
	if ch.Location != q.cfg.Location || ch.Name != q.cfg.Channel {
		return fmt.Errorf("%s: snapshot is for %s.%s", q.cfg.Ident, ch.Location, ch.Name)
	}
	if ch.Rate != q.cfg.Rate {
		return fmt.Errorf("%s: snapshot rate %d, want %d", q.cfg.Ident, ch.Rate, q.cfg.Rate)
	}
	if len(ch.Streams) > len(q.streams) {
		return fmt.Errorf("%s: snapshot has %d streams, queue has %d", q.cfg.Ident, len(ch.Streams), len(q.streams))
	}
	for i, st := range ch.Streams {
		if st.Hint < 0 || st.Hint >= len(codec.Classes) {
			return fmt.Errorf("%s: stream %d: codec hint %d out of range", q.cfg.Ident, i, st.Hint)
		}
		if err := q.streams[i].b.Restore(st.Record); err != nil {
			return fmt.Errorf("%s: stream %d: %w", q.cfg.Ident, i, err)
		}
	}
	for _, ds := range ch.Detectors {
		d := q.findDetector(ds.Name)
		if d == nil || len(ds.State) == 0 {
			continue
		}
		saver, ok := d.Detector.(StateSaver)
		if !ok {
			continue
		}
		if err := saver.RestoreState(ds.State); err != nil {
			return fmt.Errorf("%s: detector %s: %w", q.cfg.Ident, ds.Name, err)
		}
	}

	for i, st := range ch.Streams {
		s := q.streams[i]
		s.seq = st.Sequence
		s.primed = st.Primed
		s.comp.Last = st.Last
		s.comp.Hint = st.Hint
		s.pending = append(s.pending[:0], st.Pending...)
		s.pendingStart = st.PendingStart
		s.start = st.Start
	}
	q.expected = ch.Expected
	q.event = ch.Event
	q.activity = ch.Activity
	for _, ds := range ch.Detectors {
		if d := q.findDetector(ds.Name); d != nil {
			d.active = ds.Active
		}
	}
	if q.ring != nil {
		q.ring.Drain()
		for _, rec := range ch.Ring {
			q.ring.Push(rec)
		}
	}
	if q.dec != nil {
		q.dec.slipping = ch.Slipping
		q.dec.acc = ch.Filter.Acc
		q.dec.count = ch.Filter.Count
	}
	return nil
}
