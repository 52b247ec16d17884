package lcq

import (
	"encoding/binary"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/qlink/internal/logging"
	"github.com/muurk/qlink/internal/seed"
)

// Detector examines the samples of a channel. Process returns whether an
// event is in progress after the block.
type Detector interface {
	Name() string
	Process(start time.Time, samples []int32) bool
}

// StateSaver is implemented by detectors whose memory is carried across
// a restart.
type StateSaver interface {
	SaveState() []byte
	RestoreState(p []byte) error
}

type detector struct {
	Detector
	enabled bool
	active  bool
}

// AttachDetector runs d on every block added to the queue. Detectors start
// enabled.
func (q *Queue) AttachDetector(d Detector) {
	q.detectors = append(q.detectors, &detector{Detector: d, enabled: true})
}

// EnableDetector turns the named detector on or off and reports whether the
// queue has it.
func (q *Queue) EnableDetector(name string, on bool) bool {
	found := false
	for _, d := range q.detectors {
		if d.Name() == name {
			d.enabled = on
			if !on {
				d.active = false
			}
			found = true
		}
	}
	return found
}

// Event reports whether a detector event is in progress.
func (q *Queue) Event() bool { return q.event }

// detect runs the detectors over a block and updates the event state. A
// starting event drains the pre-event ring of an event-only channel.
func (q *Queue) detect(t time.Time, samples []int32) {
	if len(q.detectors) == 0 {
		return
	}
	active := false
	for _, d := range q.detectors {
		if !d.enabled {
			continue
		}
		d.active = d.Process(t, samples)
		active = active || d.active
	}

	switch {
	case active && !q.event:
		q.activity |= seed.ActivityEventBegin
		q.event = true
		logging.Info("Event detected",
			zap.String("channel", q.cfg.Ident.String()),
			zap.Time("time", t),
		)
		if q.cfg.EventOnly {
			q.drain()
		}
	case !active && q.event:
		q.activity |= seed.ActivityEventEnd
		q.event = false
	}
}

// drain emits every record held in the ring, oldest first.
func (q *Queue) drain() {
	for _, data := range q.ring.Drain() {
		h, err := seed.DecodeHeader(data)
		if err != nil {
			logging.Warn("Dropping unreadable ring record",
				zap.String("channel", q.cfg.Ident.String()),
				zap.Error(err),
			)
			continue
		}
		q.stats.Records++
		q.send(Record{
			Ident:    q.cfg.Ident,
			Sequence: h.Sequence,
			Start:    h.Start,
			Samples:  h.Samples,
			Data:     data,
		})
	}
}

// Threshold is a simple amplitude detector: an event is in progress while
// a first difference exceeds Level in magnitude.
type Threshold struct {
	Label string
	Level int32

	last   int32
	primed bool
}

func (d *Threshold) Name() string { return d.Label }

// SaveState returns the last sample seen, prefixed by a primed flag.
func (d *Threshold) SaveState() []byte {
	p := make([]byte, 5)
	if d.primed {
		p[0] = 1
	}
	binary.BigEndian.PutUint32(p[1:], uint32(d.last))
	return p
}

func (d *Threshold) RestoreState(p []byte) error {
	if len(p) != 5 {
		return errors.New("threshold state must be 5 bytes")
	}
	d.primed = p[0] != 0
	d.last = int32(binary.BigEndian.Uint32(p[1:]))
	return nil
}

func (d *Threshold) Process(_ time.Time, samples []int32) bool {
	hit := false
	for _, v := range samples {
		if d.primed {
			diff := int64(v) - int64(d.last)
			if diff > int64(d.Level) || -diff > int64(d.Level) {
				hit = true
			}
		}
		d.last = v
		d.primed = true
	}
	return hit
}
