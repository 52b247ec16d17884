package lcq

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/muurk/qlink/internal/codec"
	"github.com/muurk/qlink/internal/continuity"
	"github.com/muurk/qlink/internal/seed"
)

var t0 = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

type collector struct {
	records []Record
}

func (c *collector) emit(r Record) { c.records = append(c.records, r) }

func (c *collector) primary() []Record {
	var out []Record
	for _, r := range c.records {
		if !r.Archival {
			out = append(out, r)
		}
	}
	return out
}

func testConfig(rate int) Config {
	return Config{
		Ident: Ident{Network: "XX", Station: "TEST", Location: "00", Channel: "HHZ"},
		Rate:  rate,
	}
}

func newQueue(t *testing.T, cfg Config, c *collector) *Queue {
	t.Helper()
	q, err := New(cfg, c.emit, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return q
}

// feed adds samples in blocks of size n, contiguous from start.
func feed(t *testing.T, q *Queue, start time.Time, samples []int32, n int) {
	t.Helper()
	for off := 0; off < len(samples); off += n {
		end := min(off+n, len(samples))
		at := start.Add(time.Duration(off) * q.Period())
		if err := q.AddBlock(at, samples[off:end]); err != nil {
			t.Fatalf("AddBlock() error = %v", err)
		}
	}
}

func randomWalk(seed int64, n int) []int32 {
	r := rand.New(rand.NewSource(seed))
	out := make([]int32, n)
	v := int32(0)
	for i := range out {
		v += int32(r.Intn(2001) - 1000)
		out[i] = v
	}
	return out
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"no channel", func(c *Config) { c.Channel = "" }},
		{"zero rate", func(c *Config) { c.Rate = 0 }},
		{"bad record size", func(c *Config) { c.RecordSize = 600 }},
		{"small archive", func(c *Config) { c.ArchiveSize = 256 }},
		{"event only without ring", func(c *Config) { c.EventOnly = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(100)
			tt.mutate(&cfg)
			if _, err := New(cfg, nil, nil); err == nil {
				t.Error("New() should fail")
			}
		})
	}
}

func TestConstantSecond(t *testing.T) {
	var c collector
	q := newQueue(t, testConfig(100), &c)

	samples := make([]int32, 100)
	for i := range samples {
		samples[i] = 42
	}
	if err := q.AddBlock(t0, samples); err != nil {
		t.Fatalf("AddBlock() error = %v", err)
	}
	if len(c.records) != 0 {
		t.Fatalf("records before flush = %d, want 0", len(c.records))
	}
	q.Flush()
	if len(c.records) != 1 {
		t.Fatalf("records = %d, want 1", len(c.records))
	}

	rec := c.records[0].Data
	if len(rec) != seed.DefaultRecordSize {
		t.Errorf("record length = %d, want %d", len(rec), seed.DefaultRecordSize)
	}
	h, got, err := seed.Decode(rec)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if h.Samples != 100 || h.Frames != 2 || !h.Start.Equal(t0) || h.Sequence != 1 {
		t.Errorf("header = %+v", h)
	}
	for i, v := range got {
		if v != 42 {
			t.Fatalf("sample[%d] = %d, want 42", i, v)
		}
	}

	// 13 data words in frame 0, then 2 in frame 1.
	flags0 := binary.BigEndian.Uint32(rec[seed.HeaderSize:])
	flags1 := binary.BigEndian.Uint32(rec[seed.HeaderSize+seed.FrameSize:])
	word := func(frame, i int) uint32 {
		return binary.BigEndian.Uint32(rec[seed.HeaderSize+frame*seed.FrameSize+4*i:])
	}
	for i := 3; i < seed.WordsPerFrame; i++ {
		if codec.Tag(flags0, i) != codec.TagSmall || word(0, i)>>30 != 2 {
			t.Errorf("frame 0 word %d not 7x4", i)
		}
	}
	if codec.Tag(flags1, 1) != codec.TagSmall || word(1, 1)>>30 != 2 {
		t.Error("frame 1 word 1 not 7x4")
	}
	if codec.Tag(flags1, 2) != codec.TagWide || word(1, 2)>>30 != 2 {
		t.Error("final word not 2x15")
	}
	if codec.Tag(flags1, 3) != codec.TagNone {
		t.Error("padding word tagged")
	}
}

func TestFullRecordsOnlyWithoutFlush(t *testing.T) {
	var c collector
	q := newQueue(t, testConfig(100), &c)
	samples := randomWalk(1, 5000)
	feed(t, q, t0, samples, 100)

	if len(c.records) < 3 {
		t.Fatalf("records = %d, want at least 3", len(c.records))
	}
	next := 0
	for i, r := range c.records {
		h, got, err := seed.Decode(r.Data)
		if err != nil {
			t.Fatalf("record %d: Decode() error = %v", i, err)
		}
		if h.Frames != 7 {
			t.Errorf("record %d: frames = %d, want 7", i, h.Frames)
		}
		if h.Sequence != i+1 {
			t.Errorf("record %d: sequence = %d, want %d", i, h.Sequence, i+1)
		}
		want := t0.Add(time.Duration(next) * 10 * time.Millisecond)
		if !h.Start.Equal(want) {
			t.Errorf("record %d: start = %v, want %v", i, h.Start, want)
		}
		for k, v := range got {
			if v != samples[next+k] {
				t.Fatalf("record %d sample %d = %d, want %d", i, k, v, samples[next+k])
			}
		}
		next += len(got)
	}
}

func TestGapFlushesOnce(t *testing.T) {
	var c collector
	q := newQueue(t, testConfig(100), &c)

	samples := make([]int32, 500)
	for i := range samples {
		samples[i] = int32(i % 5)
	}
	feed(t, q, t0, samples, 10)

	// jitter inside the tolerance is not a gap
	if err := q.AddBlock(t0.Add(5*time.Second+3*time.Millisecond), []int32{0, 1}); err != nil {
		t.Fatalf("AddBlock() error = %v", err)
	}
	if len(c.records) != 0 || q.Stats().Gaps != 0 {
		t.Fatalf("contiguous stream: records=%d gaps=%d, want 0 and 0", len(c.records), q.Stats().Gaps)
	}

	if err := q.AddBlock(t0.Add(time.Minute), []int32{7, 7, 7}); err != nil {
		t.Fatalf("AddBlock() error = %v", err)
	}
	if len(c.records) != 1 {
		t.Fatalf("records after gap = %d, want 1", len(c.records))
	}
	if q.Stats().Gaps != 1 {
		t.Errorf("gaps = %d, want 1", q.Stats().Gaps)
	}
	if c.records[0].Samples != 502 {
		t.Errorf("flushed record samples = %d, want 502", c.records[0].Samples)
	}

	q.Flush()
	if len(c.records) != 2 {
		t.Fatalf("records = %d, want 2", len(c.records))
	}
	h, got, err := seed.Decode(c.records[1].Data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !h.Start.Equal(t0.Add(time.Minute)) || len(got) != 3 || got[0] != 7 {
		t.Errorf("post-gap record start=%v samples=%v", h.Start, got)
	}
}

func TestSequenceWrap(t *testing.T) {
	var c collector
	q := newQueue(t, testConfig(1), &c)
	ch := q.Snapshot()
	ch.Streams[0].Sequence = seed.MaxSequence - 1
	if err := q.Restore(ch); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := q.AddSample(t0.Add(time.Duration(i)*time.Second), int32(i)); err != nil {
			t.Fatalf("AddSample() error = %v", err)
		}
		q.Flush()
	}
	want := []int{seed.MaxSequence, 1, 2}
	for i, r := range c.records {
		if r.Sequence != want[i] {
			t.Errorf("record %d sequence = %d, want %d", i, r.Sequence, want[i])
		}
	}
}

func TestUncompressibleBlock(t *testing.T) {
	var c collector
	q := newQueue(t, testConfig(100), &c)

	samples := make([]int32, 14)
	samples[1] = 1 << 30
	err := q.AddBlock(t0, samples)
	if !errors.Is(err, codec.ErrUncompressible) {
		t.Fatalf("AddBlock() error = %v, want %v", err, codec.ErrUncompressible)
	}
	if q.Stats().Discarded != 13 {
		t.Errorf("discarded = %d, want 13", q.Stats().Discarded)
	}
	if len(c.records) != 1 || c.records[0].Samples != 1 {
		t.Fatalf("records = %+v, want one record of 1 sample", c.records)
	}

	// the queue keeps working with a fresh baseline
	if err := q.AddBlock(t0.Add(140*time.Millisecond), []int32{5, 6, 7, 8, 9, 10, 11}); err != nil {
		t.Fatalf("AddBlock() error = %v", err)
	}
	q.Flush()
	_, got, err := seed.Decode(c.records[1].Data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(got) != 7 || got[0] != 5 || got[6] != 11 {
		t.Errorf("samples = %v", got)
	}
}

func TestArchivalStream(t *testing.T) {
	var c collector
	cfg := testConfig(100)
	cfg.ArchiveSize = 4096
	q := newQueue(t, cfg, &c)

	samples := randomWalk(7, 3000)
	feed(t, q, t0, samples, 100)
	q.Flush()

	var decoded []int32
	archived := 0
	for _, r := range c.records {
		if !r.Archival {
			continue
		}
		archived++
		if len(r.Data) != 4096 {
			t.Errorf("archival record length = %d, want 4096", len(r.Data))
		}
		_, got, err := seed.Decode(r.Data)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		decoded = append(decoded, got...)
	}
	if archived == 0 || archived >= len(c.primary()) {
		t.Errorf("archival=%d primary=%d", archived, len(c.primary()))
	}
	if len(decoded) != len(samples) {
		t.Fatalf("archived samples = %d, want %d", len(decoded), len(samples))
	}
	for i := range samples {
		if decoded[i] != samples[i] {
			t.Fatalf("archived sample %d = %d, want %d", i, decoded[i], samples[i])
		}
	}
}

func TestContinuityNextRecordIdentical(t *testing.T) {
	cfg := testConfig(100)
	cfg.ArchiveSize = 1024
	cfg.PreEvent = 3

	var ca, cb collector
	a := newQueue(t, cfg, &ca)
	samples := randomWalk(3, 4000)
	feed(t, a, t0, samples[:1234], 100)

	snap := continuity.Snapshot{Serial: 1, Channels: []continuity.Channel{a.Snapshot()}}
	restored, err := continuity.Unmarshal(continuity.Marshal(&snap))
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	b := newQueue(t, cfg, &cb)
	if err := b.Restore(restored.Channels[0]); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if b.Ring().Len() != a.Ring().Len() {
		t.Errorf("ring length = %d, want %d", b.Ring().Len(), a.Ring().Len())
	}

	ca.records = nil
	rest := t0.Add(1234 * 10 * time.Millisecond)
	feed(t, a, rest, samples[1234:], 100)
	feed(t, b, rest, samples[1234:], 100)
	a.Flush()
	b.Flush()

	if len(ca.records) == 0 || len(ca.records) != len(cb.records) {
		t.Fatalf("records = %d and %d", len(ca.records), len(cb.records))
	}
	for i := range ca.records {
		if !bytes.Equal(ca.records[i].Data, cb.records[i].Data) {
			t.Fatalf("record %d differs after restore", i)
		}
	}
}

func TestContinuityKeepsEventState(t *testing.T) {
	cfg := testConfig(100)
	samples := make([]int32, 400)
	for i := 150; i < 200; i++ {
		samples[i] = 1000
	}
	for i := 200; i < 400; i++ {
		samples[i] = 1600
	}

	var ca, cb collector
	a := newQueue(t, cfg, &ca)
	a.AttachDetector(&Threshold{Label: "thr", Level: 500})
	feed(t, a, t0, samples[:200], 100)
	if !a.Event() {
		t.Fatal("Event() = false after the step, want true")
	}

	snap := continuity.Snapshot{Serial: 1, Channels: []continuity.Channel{a.Snapshot()}}
	restored, err := continuity.Unmarshal(continuity.Marshal(&snap))
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	b := newQueue(t, cfg, &cb)
	b.AttachDetector(&Threshold{Label: "thr", Level: 500})
	if err := b.Restore(restored.Channels[0]); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if !b.Event() {
		t.Error("restored Event() = false, want true")
	}

	// the first sample of the next block is a step only against the
	// detector's remembered last sample
	rest := t0.Add(2 * time.Second)
	feed(t, a, rest, samples[200:], 100)
	feed(t, b, rest, samples[200:], 100)
	a.Flush()
	b.Flush()

	if len(ca.records) == 0 || len(ca.records) != len(cb.records) {
		t.Fatalf("records = %d and %d", len(ca.records), len(cb.records))
	}
	for i := range ca.records {
		if !bytes.Equal(ca.records[i].Data, cb.records[i].Data) {
			t.Fatalf("record %d differs after restore", i)
		}
	}
	h, err := seed.DecodeHeader(cb.records[0].Data)
	if err != nil {
		t.Fatalf("DecodeHeader() error = %v", err)
	}
	want := uint8(seed.ActivityEventBegin | seed.ActivityEventEnd)
	if h.Activity != want {
		t.Errorf("activity = 0x%02x, want 0x%02x", h.Activity, want)
	}
}

func TestRestoreRejectsMismatch(t *testing.T) {
	var c collector
	q := newQueue(t, testConfig(100), &c)
	ch := q.Snapshot()

	other := newQueue(t, testConfig(40), &c)
	if err := other.Restore(ch); err == nil {
		t.Error("Restore() with a different rate should fail")
	}
	ch.Streams[0].Hint = 9
	if err := q.Restore(ch); err == nil {
		t.Error("Restore() with a bad hint should fail")
	}
}
