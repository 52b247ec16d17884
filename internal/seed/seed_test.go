package seed

import (
	"testing"
	"time"

	"github.com/muurk/qlink/internal/codec"
)

func TestHeaderRoundTrip(t *testing.T) {
	start := time.Date(2024, time.March, 5, 13, 45, 7, 123456789, time.UTC)
	h := Header{
		Sequence:      4321,
		Quality:       'D',
		Network:       "XX",
		Station:       "ABC12",
		Location:      "00",
		Channel:       "HHZ",
		Start:         start,
		Samples:       412,
		Rate:          100,
		Activity:      ActivityEventInProgress,
		IOClock:       ClockLocked,
		Encoding:      EncodingSteim2,
		RecordSize:    512,
		TimingQuality: 90,
		Frames:        7,
	}

	buf := make([]byte, 512)
	if err := h.Encode(buf); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if got := string(buf[0:8]); got != "004321D " {
		t.Errorf("sequence field = %q, want %q", got, "004321D ")
	}

	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader() error = %v", err)
	}

	if !got.Start.Equal(start.Truncate(time.Microsecond)) {
		t.Errorf("start = %v, want %v", got.Start, start.Truncate(time.Microsecond))
	}
	want := h
	want.Start, got.Start = time.Time{}, time.Time{}
	if got != want {
		t.Errorf("DecodeHeader() = %+v\nwant %+v", got, want)
	}
}

func TestHeaderRejects(t *testing.T) {
	tests := []struct {
		name string
		h    Header
		size int
	}{
		{"short buffer", Header{RecordSize: 512}, 32},
		{"bad record size", Header{RecordSize: 500}, 512},
		{"sequence too large", Header{RecordSize: 512, Sequence: 1000000}, 512},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.h.Encode(make([]byte, tt.size)); err == nil {
				t.Error("Encode() should fail")
			}
		})
	}
}

func TestNextSequence(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, 1},
		{1, 2},
		{999998, 999999},
		{999999, 1},
	}
	for _, tt := range tests {
		if got := NextSequence(tt.in); got != tt.want {
			t.Errorf("NextSequence(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestPeriod(t *testing.T) {
	tests := []struct {
		rate int
		want time.Duration
	}{
		{100, 10 * time.Millisecond},
		{1, time.Second},
		{-10, 10 * time.Second},
		{0, 0},
	}
	for _, tt := range tests {
		if got := Period(tt.rate); got != tt.want {
			t.Errorf("Period(%d) = %v, want %v", tt.rate, got, tt.want)
		}
	}
}

// fill packs samples into b until the record is full or samples run out,
// returning the number of samples consumed.
func fill(t *testing.T, b *Builder, c *codec.Compressor, samples []int32) int {
	t.Helper()
	n := 0
	for !b.Full() && len(samples)-n > 0 {
		w, err := c.Next(samples[n:], true)
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if err := b.Add(w, samples[n:]); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
		n += w.N
	}
	return n
}

func TestBuilderFullRecord(t *testing.T) {
	b, err := NewBuilder(512, EncodingSteim2)
	if err != nil {
		t.Fatalf("NewBuilder() error = %v", err)
	}
	if b.Limit() != 7 {
		t.Fatalf("Limit() = %d, want 7", b.Limit())
	}

	samples := make([]int32, 5000)
	for i := range samples {
		samples[i] = int32(i*i%977) - 400
	}
	var c codec.Compressor
	c.Reset(samples[0])
	n := fill(t, b, &c, samples)
	if !b.Full() {
		t.Fatal("record not full")
	}

	rec, err := b.Seal(Header{Sequence: 1, Station: "STA", Channel: "HHZ", Rate: 100, RecordSize: 512})
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if len(rec) != HeaderSize+b.Limit()*FrameSize {
		t.Errorf("record length = %d, want %d", len(rec), HeaderSize+b.Limit()*FrameSize)
	}
	if !b.Empty() {
		t.Error("builder not reset after Seal")
	}

	h, got, err := Decode(rec)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if h.Samples != n || h.Frames != 7 {
		t.Errorf("samples=%d frames=%d, want %d and 7", h.Samples, h.Frames, n)
	}
	for i := range got {
		if got[i] != samples[i] {
			t.Fatalf("sample[%d] = %d, want %d", i, got[i], samples[i])
		}
	}
}

func TestBuilderPartialRecord(t *testing.T) {
	b, err := NewBuilder(1024, EncodingSteim2)
	if err != nil {
		t.Fatalf("NewBuilder() error = %v", err)
	}
	samples := make([]int32, 40)
	for i := range samples {
		samples[i] = int32(1000 - i*13)
	}
	var c codec.Compressor
	c.Reset(0)
	if n := fill(t, b, &c, samples); n != len(samples) {
		t.Fatalf("consumed %d samples, want %d", n, len(samples))
	}

	rec, err := b.Seal(Header{Sequence: 2, Station: "STA", Channel: "BHZ", Rate: 40, RecordSize: 1024})
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if len(rec) != 1024 {
		t.Errorf("record length = %d, want 1024", len(rec))
	}
	h, got, err := Decode(rec)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if h.Frames != 1 {
		t.Errorf("frames = %d, want 1", h.Frames)
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Fatalf("sample[%d] = %d, want %d", i, got[i], samples[i])
		}
	}
}

func TestBuilderStateRestore(t *testing.T) {
	a, _ := NewBuilder(512, EncodingSteim2)
	b, _ := NewBuilder(512, EncodingSteim2)

	samples := make([]int32, 60)
	for i := range samples {
		samples[i] = int32(i * 5)
	}
	var c codec.Compressor
	fill(t, a, &c, samples[:30])

	if err := b.Restore(a.State()); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	cb := c
	fill(t, a, &c, samples[30:])
	fill(t, b, &cb, samples[30:])

	h := Header{Sequence: 9, Station: "STA", Channel: "HHZ", Rate: 100, RecordSize: 512}
	ra, err := a.Seal(h)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	rb, err := b.Seal(h)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if string(ra) != string(rb) {
		t.Error("restored builder produced a different record")
	}
}

func TestBuilderText(t *testing.T) {
	b, err := NewBuilder(256, EncodingASCII)
	if err != nil {
		t.Fatalf("NewBuilder() error = %v", err)
	}
	msg := []byte("clock locked\r\n")
	for !b.Full() {
		if _, err := b.AddText(msg); err != nil {
			t.Fatalf("AddText() error = %v", err)
		}
	}
	if b.Samples() != 256-HeaderSize {
		t.Errorf("samples = %d, want %d", b.Samples(), 256-HeaderSize)
	}
	rec, err := b.Seal(Header{Sequence: 1, Station: "STA", Channel: "LOG", RecordSize: 256})
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	h, samples, err := Decode(rec)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if h.Encoding != EncodingASCII || samples != nil {
		t.Errorf("encoding=%d samples=%v, want ASCII and none", h.Encoding, samples)
	}
	if string(rec[HeaderSize:HeaderSize+len(msg)]) != string(msg) {
		t.Errorf("text = %q, want %q", rec[HeaderSize:HeaderSize+len(msg)], msg)
	}
}

func TestSealEmpty(t *testing.T) {
	b, _ := NewBuilder(512, EncodingSteim2)
	if _, err := b.Seal(Header{}); err == nil {
		t.Error("Seal() of an empty record should fail")
	}
}
