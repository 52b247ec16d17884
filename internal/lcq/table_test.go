package lcq

import (
	"strings"
	"testing"
	"time"

	"github.com/muurk/qlink/internal/seed"
)

type switchDetector struct {
	name   string
	active bool
	calls  int
}

func (d *switchDetector) Name() string { return d.name }

func (d *switchDetector) Process(time.Time, []int32) bool {
	d.calls++
	return d.active
}

func ramp(n int) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(i % 5)
	}
	return out
}

func TestEventOnlyDrainsRing(t *testing.T) {
	var c collector
	cfg := testConfig(100)
	cfg.RecordSize = 256
	cfg.PreEvent = 2
	cfg.EventOnly = true
	q := newQueue(t, cfg, &c)
	det := &switchDetector{name: "sta/lta"}
	q.AttachDetector(det)

	// 256-byte records hold 43 words of seven 4-bit differences.
	feed(t, q, t0, ramp(1000), 50)
	if len(c.records) != 0 {
		t.Fatalf("records emitted without an event: %d", len(c.records))
	}
	if q.Ring().Len() != 2 {
		t.Fatalf("ring length = %d, want 2", q.Ring().Len())
	}

	det.active = true
	if err := q.AddBlock(t0.Add(10*time.Second), ramp(10)); err != nil {
		t.Fatalf("AddBlock() error = %v", err)
	}
	if len(c.records) != 2 {
		t.Fatalf("drained records = %d, want 2", len(c.records))
	}
	if c.records[0].Sequence != 2 || c.records[1].Sequence != 3 {
		t.Errorf("drained sequences = %d,%d, want 2,3", c.records[0].Sequence, c.records[1].Sequence)
	}
	if q.Ring().Len() != 0 {
		t.Errorf("ring not empty after drain")
	}

	q.Flush()
	h, err := seed.DecodeHeader(c.records[2].Data)
	if err != nil {
		t.Fatalf("DecodeHeader() error = %v", err)
	}
	want := uint8(seed.ActivityEventBegin | seed.ActivityEventInProgress)
	if h.Activity != want {
		t.Errorf("activity = 0x%02x, want 0x%02x", h.Activity, want)
	}

	// disabling the detector ends the event
	if n := q.EnableDetector("sta/lta", false); !n {
		t.Fatal("EnableDetector() did not find the detector")
	}
	calls := det.calls
	if err := q.AddBlock(t0.Add(10100*time.Millisecond), ramp(10)); err != nil {
		t.Fatalf("AddBlock() error = %v", err)
	}
	if det.calls != calls || q.Event() {
		t.Errorf("disabled detector ran or event still active")
	}
}

func TestThreshold(t *testing.T) {
	d := &Threshold{Label: "thr", Level: 100}
	if d.Process(t0, []int32{0, 50, 120}) {
		t.Error("Process() fired below the level")
	}
	if !d.Process(t0, []int32{300}) {
		t.Error("Process() missed a jump across blocks")
	}
}

func TestThresholdState(t *testing.T) {
	d := &Threshold{Label: "thr", Level: 100}
	d.Process(t0, []int32{10, 20, 250})

	var r Threshold
	if err := r.RestoreState(d.SaveState()); err != nil {
		t.Fatalf("RestoreState() error = %v", err)
	}
	if !r.primed || r.last != 250 {
		t.Errorf("restored primed=%v last=%d, want true and 250", r.primed, r.last)
	}
	if r.Process(t0, []int32{300}) {
		t.Error("Process() fired on a small step after restore")
	}
	if err := r.RestoreState([]byte{1}); err == nil {
		t.Error("RestoreState() of a short state error = nil, want error")
	}
}

func TestRing(t *testing.T) {
	r := NewRing(3)
	for i := byte(1); i <= 5; i++ {
		r.Push([]byte{i})
	}
	got := r.Records()
	if len(got) != 3 || got[0][0] != 3 || got[2][0] != 5 {
		t.Errorf("Records() = %v, want [3 4 5]", got)
	}
	if d := r.Drain(); len(d) != 3 || r.Len() != 0 {
		t.Errorf("Drain() = %v, Len() = %d", d, r.Len())
	}
	r.Push([]byte{9})
	if got := r.Records(); len(got) != 1 || got[0][0] != 9 {
		t.Errorf("Records() after drain = %v", got)
	}
}

func TestDerivedRate(t *testing.T) {
	tests := []struct {
		rate, factor, want int
		err                bool
	}{
		{100, 10, 10, false},
		{10, 10, 1, false},
		{1, 10, -10, false},
		{-10, 6, -60, false},
		{40, 3, 0, true},
	}
	for _, tt := range tests {
		got, err := derivedRate(tt.rate, tt.factor)
		if (err != nil) != tt.err || got != tt.want {
			t.Errorf("derivedRate(%d, %d) = %d, %v, want %d", tt.rate, tt.factor, got, err, tt.want)
		}
	}
}

func newTable(t *testing.T, c *collector) (*Table, int, int) {
	t.Helper()
	tab := NewTable(c.emit)
	src, err := tab.Add(Config{
		Ident:    Ident{Network: "XX", Station: "TEST", Location: "00", Channel: "HHZ"},
		Rate:     100,
		Source:   1,
		Priority: 1,
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	der, err := tab.AddDerived(src, Config{
		Ident: Ident{Network: "XX", Station: "TEST", Location: "00", Channel: "BHZ"},
	}, 10)
	if err != nil {
		t.Fatalf("AddDerived() error = %v", err)
	}
	return tab, src, der
}

func TestTableDerivedChannel(t *testing.T) {
	var c collector
	tab, src, der := newTable(t, &c)

	if i, ok := tab.ByKey(Key{Source: 1}); !ok || i != src {
		t.Errorf("ByKey() = %d, %v", i, ok)
	}
	if i, ok := tab.Lookup("00", "BHZ"); !ok || i != der {
		t.Errorf("Lookup() = %d, %v", i, ok)
	}
	if tab.Queue(der).Config().Rate != 10 {
		t.Errorf("derived rate = %d, want 10", tab.Queue(der).Config().Rate)
	}

	constant := make([]int32, 1000)
	for i := range constant {
		constant[i] = 100
	}
	for off := 0; off < len(constant); off += 100 {
		at := t0.Add(time.Duration(off) * 10 * time.Millisecond)
		if err := tab.Feed(src, at, constant[off:off+100]); err != nil {
			t.Fatalf("Feed() error = %v", err)
		}
	}
	dq := tab.Queue(der)
	if dq.Stats().Samples != 100 {
		t.Fatalf("derived samples = %d, want 100", dq.Stats().Samples)
	}

	// a gap in the source slips the derived channel to the next 100 ms boundary
	if err := tab.Feed(src, t0.Add(20*time.Second+30*time.Millisecond), constant[:100]); err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if dq.Stats().Samples != 109 {
		t.Errorf("derived samples after gap = %d, want 109", dq.Stats().Samples)
	}
	if dq.dec.count != 3 || dq.dec.Slipping() {
		t.Errorf("filter count=%d slipping=%v, want 3 and false", dq.dec.count, dq.dec.Slipping())
	}

	tab.Flush()
	var derived []Record
	for _, r := range c.records {
		if r.Channel == "BHZ" {
			derived = append(derived, r)
		}
	}
	if len(derived) != 2 {
		t.Fatalf("derived records = %d, want 2", len(derived))
	}
	h, got, err := seed.Decode(derived[1].Data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if h.Rate != 10 || len(got) != 9 || got[0] != 100 {
		t.Errorf("derived record rate=%d samples=%v", h.Rate, got)
	}
	if !h.Start.Equal(t0.Add(20*time.Second + 100*time.Millisecond)) {
		t.Errorf("derived start = %v", h.Start)
	}
}

func TestTableSnapshotRestore(t *testing.T) {
	var c collector
	tab, src, der := newTable(t, &c)
	if err := tab.SetLog(Ident{Network: "XX", Station: "TEST", Channel: LogChannel}, 512); err != nil {
		t.Fatalf("SetLog() error = %v", err)
	}
	if err := tab.Feed(src, t0, randomWalk(2, 1005)); err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	tab.Message(t0, "registered")

	live := tab.Snapshot()
	logs := tab.LogSnapshot()
	if len(live) != 2 || len(logs) != 2 {
		t.Fatalf("snapshot sizes = %d/%d, want 2/2", len(live), len(logs))
	}

	var c2 collector
	tab2, _, _ := newTable(t, &c2)
	if err := tab2.SetLog(Ident{Network: "XX", Station: "TEST", Channel: LogChannel}, 512); err != nil {
		t.Fatalf("SetLog() error = %v", err)
	}
	if n := tab2.Restore(live); n != 2 {
		t.Errorf("Restore(live) = %d, want 2", n)
	}
	if n := tab2.Restore(logs); n != 2 {
		t.Errorf("Restore(logs) = %d, want 2", n)
	}
	if got, want := tab2.Queue(der).dec.count, tab.Queue(der).dec.count; got != want {
		t.Errorf("filter count = %d, want %d", got, want)
	}
	if !tab2.Log().Pending() {
		t.Error("message record in progress not restored")
	}

	tab2.Flush()
	var text string
	for _, r := range c2.records {
		if r.Channel == LogChannel {
			text = string(r.Data[seed.HeaderSize:])
		}
	}
	if !strings.Contains(text, "registered") {
		t.Errorf("restored log record = %q", strings.TrimRight(text, "\x00"))
	}
}

func TestTableDuplicatesAndCeiling(t *testing.T) {
	var c collector
	tab, _, _ := newTable(t, &c)

	if _, err := tab.Add(Config{Ident: Ident{Location: "00", Channel: "HHZ"}, Rate: 100, Source: 2}); err == nil {
		t.Error("Add() of a duplicate name should fail")
	}
	if _, err := tab.Add(Config{Ident: Ident{Location: "00", Channel: "HHN"}, Rate: 100, Source: 1}); err == nil {
		t.Error("Add() of a duplicate source should fail")
	}
	if _, err := tab.Add(Config{Ident: Ident{Location: "00", Channel: "HNZ"}, Rate: 200, Source: 3, Priority: 2}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if got := tab.MaxRate(1); got != 100 {
		t.Errorf("MaxRate(1) = %d, want 100", got)
	}
	if got := tab.MaxRate(2); got != 200 {
		t.Errorf("MaxRate(2) = %d, want 200", got)
	}
}

func TestMessageQueueSplitsRecords(t *testing.T) {
	var c collector
	m, err := NewMessageQueue(Ident{Station: "TEST", Channel: LogChannel}, 256, c.emit, nil)
	if err != nil {
		t.Fatalf("NewMessageQueue() error = %v", err)
	}
	msg := strings.Repeat("x", 150)
	m.Write(t0, msg)
	m.Write(t0, msg)
	if len(c.records) != 1 {
		t.Fatalf("records = %d, want 1", len(c.records))
	}
	m.Flush()
	if len(c.records) != 2 || c.records[1].Sequence != 2 {
		t.Fatalf("records = %+v", c.records)
	}
	if c.records[0].Samples != 256-seed.HeaderSize {
		t.Errorf("first record bytes = %d, want %d", c.records[0].Samples, 256-seed.HeaderSize)
	}
}

func TestPlanBuild(t *testing.T) {
	plan := &Plan{
		Network: "XX",
		Station: "TEST",
		Log:     true,
		Channels: []ChannelPlan{
			{Config: Config{Ident: Ident{Location: "00", Channel: "HHZ"}, Rate: 100, Source: 1}, Detector: "thr", Threshold: 500},
			{Config: Config{Ident: Ident{Location: "00", Channel: "LHZ"}}, From: "00.HHZ", Factor: 100},
		},
	}
	var c collector
	tab, err := plan.Build(c.emit)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if tab.Len() != 2 || tab.Log() == nil {
		t.Fatalf("table len=%d log=%v", tab.Len(), tab.Log())
	}
	if id := tab.Queue(0).Ident(); id.Network != "XX" || id.Station != "TEST" {
		t.Errorf("ident = %v", id)
	}
	if rate := tab.Queue(1).Config().Rate; rate != 1 {
		t.Errorf("derived rate = %d, want 1", rate)
	}
	if n := tab.EnableDetector("thr", false); n != 1 {
		t.Errorf("EnableDetector() = %d, want 1", n)
	}

	plan.Channels[1].From = "00.BHZ"
	if _, err := plan.Build(c.emit); err == nil {
		t.Error("Build() with an unknown source should fail")
	}
}
