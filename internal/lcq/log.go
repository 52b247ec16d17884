package lcq

import (
	"time"

	"go.uber.org/zap"

	"github.com/muurk/qlink/internal/continuity"
	"github.com/muurk/qlink/internal/logging"
	"github.com/muurk/qlink/internal/seed"
)

// LogChannel is the default name of the message pseudo-channel.
const LogChannel = "LOG"

// MessageQueue collects text messages into ASCII records of a pseudo
// channel. A record is sealed when it is full or on Flush.
type MessageQueue struct {
	id    Ident
	b     *seed.Builder
	seq   int
	start time.Time
	emit  func(Record)
	clock *Clock
}

// NewMessageQueue returns a message queue emitting records of size bytes.
func NewMessageQueue(id Ident, size int, emit func(Record), clock *Clock) (*MessageQueue, error) {
	if size == 0 {
		size = seed.DefaultRecordSize
	}
	b, err := seed.NewBuilder(size, seed.EncodingASCII)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = &Clock{}
	}
	return &MessageQueue{id: id, b: b, emit: emit, clock: clock}, nil
}

// Ident returns the channel identity.
func (m *MessageQueue) Ident() Ident { return m.id }

// Sequence returns the sequence number of the last record.
func (m *MessageQueue) Sequence() int { return m.seq }

// Pending reports whether a record is in progress.
func (m *MessageQueue) Pending() bool { return !m.b.Empty() }

// Write appends a message line stamped with t.
func (m *MessageQueue) Write(t time.Time, msg string) {
	line := []byte(t.UTC().Format("2006-01-02 15:04:05 ") + msg + "\r\n")
	for len(line) > 0 {
		if m.b.Empty() {
			m.start = t
		}
		n, err := m.b.AddText(line)
		if err != nil {
			logging.Error("Failed to queue message",
				zap.String("channel", m.id.String()),
				zap.Error(err),
			)
			return
		}
		line = line[n:]
		if m.b.Full() {
			m.Flush()
		}
	}
}

// Flush seals the record in progress.
func (m *MessageQueue) Flush() {
	if m.b.Empty() {
		return
	}
	seq := seed.NextSequence(m.seq)
	h := seed.Header{
		Sequence:      seq,
		Quality:       'D',
		Network:       m.id.Network,
		Station:       m.id.Station,
		Location:      m.id.Location,
		Channel:       m.id.Channel,
		Start:         m.start,
		TimingQuality: m.clock.Quality,
	}
	if m.clock.Locked {
		h.IOClock = seed.ClockLocked
	}
	samples := m.b.Samples()
	data, err := m.b.Seal(h)
	if err != nil {
		logging.Error("Failed to seal message record",
			zap.String("channel", m.id.String()),
			zap.Error(err),
		)
		m.b.Reset()
		return
	}
	m.seq = seq
	if m.emit != nil {
		m.emit(Record{Ident: m.id, Sequence: seq, Start: m.start, Samples: samples, Data: data})
	}
}

// Snapshot captures the sequence and the record in progress.
func (m *MessageQueue) Snapshot() continuity.Channel {
	return continuity.Channel{
		Location: m.id.Location,
		Name:     m.id.Channel,
		Streams: []continuity.Stream{{
			Sequence: m.seq,
			Start:    m.start,
			Record:   m.b.State(),
		}},
	}
}

// Restore resumes from a snapshot.
func (m *MessageQueue) Restore(ch continuity.Channel) error {
	if len(ch.Streams) != 1 {
		return nil
	}
	st := ch.Streams[0]
	if err := m.b.Restore(st.Record); err != nil {
		return err
	}
	m.seq = st.Sequence
	m.start = st.Start
	return nil
}
