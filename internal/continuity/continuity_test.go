package continuity

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io/fs"
	"reflect"
	"testing"
	"time"

	"github.com/muurk/qlink/internal/seed"
)

func sampleSnapshot() *Snapshot {
	t0 := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	return &Snapshot{
		Serial:   0x1122334455667788,
		Saved:    t0.Add(time.Hour),
		LastGood: t0.Add(59 * time.Minute),
		DataSeq:  77,
		Channels: []Channel{
			{
				Location: "00",
				Name:     "HHZ",
				Rate:     100,
				Expected: t0.Add(10 * time.Millisecond),
				Event:    true,
				Streams: []Stream{
					{
						Sequence:     41,
						Primed:       true,
						Last:         -17,
						Hint:         3,
						Pending:      []int32{1, 2, 3},
						PendingStart: t0,
						Start:        t0.Add(-time.Second),
						Record: seed.State{
							Data:    make([]byte, 448),
							Frame:   2,
							Word:    5,
							Flags:   0x5555,
							Samples: 120,
							X0:      9,
							Xn:      -17,
						},
					},
				},
				Ring:     [][]byte{{1, 2, 3}, {4, 5}},
				Activity: 0x04,
				Detectors: []Detector{
					{Name: "thr", Active: true, State: []byte{1, 0, 0, 3, 232}},
					{Name: "sta/lta"},
				},
			},
			{
				Location: "",
				Name:     "LHZ",
				Rate:     1,
				Slipping: true,
				Streams:  []Stream{{Sequence: 3}},
				Filter:   Filter{Acc: 12345, Count: 7},
			},
		},
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	want := sampleSnapshot()
	got, err := Unmarshal(Marshal(want))
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if !got.Saved.Equal(want.Saved) || !got.LastGood.Equal(want.LastGood) {
		t.Errorf("times = %v/%v, want %v/%v", got.Saved, got.LastGood, want.Saved, want.LastGood)
	}
	if got.Serial != want.Serial || got.DataSeq != want.DataSeq {
		t.Errorf("serial=%x seq=%d, want %x and %d", got.Serial, got.DataSeq, want.Serial, want.DataSeq)
	}
	if len(got.Channels) != len(want.Channels) {
		t.Fatalf("channels = %d, want %d", len(got.Channels), len(want.Channels))
	}

	ch, ok := got.Channel("00", "HHZ")
	if !ok {
		t.Fatal("channel 00.HHZ missing")
	}
	wst := want.Channels[0].Streams[0]
	gst := ch.Streams[0]
	if !reflect.DeepEqual(gst.Pending, wst.Pending) || !reflect.DeepEqual(gst.Record, wst.Record) {
		t.Errorf("stream = %+v, want %+v", gst, wst)
	}
	if gst.Sequence != 41 || gst.Last != -17 || gst.Hint != 3 || !gst.Primed {
		t.Errorf("stream codec state = %+v", gst)
	}
	if !gst.PendingStart.Equal(wst.PendingStart) || !gst.Start.Equal(wst.Start) {
		t.Errorf("stream times = %v/%v", gst.PendingStart, gst.Start)
	}
	if !reflect.DeepEqual(ch.Ring, want.Channels[0].Ring) || !ch.Event {
		t.Errorf("ring=%v event=%v", ch.Ring, ch.Event)
	}

	if ch.Activity != 0x04 {
		t.Errorf("Activity = 0x%02x, want 0x04", ch.Activity)
	}
	if !reflect.DeepEqual(ch.Detectors, want.Channels[0].Detectors) {
		t.Errorf("Detectors = %+v, want %+v", ch.Detectors, want.Channels[0].Detectors)
	}

	lhz := got.Channels[1]
	if !lhz.Slipping || lhz.Filter != want.Channels[1].Filter || !lhz.Expected.IsZero() {
		t.Errorf("LHZ = %+v", lhz)
	}
}

func TestUnmarshalErrors(t *testing.T) {
	good := Marshal(sampleSnapshot())

	tests := []struct {
		name   string
		mutate func(p []byte) []byte
		want   error
	}{
		{
			name:   "bad magic",
			mutate: func(p []byte) []byte { p[0] = 'X'; return p },
			want:   ErrMagic,
		},
		{
			name: "version",
			mutate: func(p []byte) []byte {
				binary.BigEndian.PutUint16(p[4:6], Version+1)
				return p
			},
			want: ErrVersion,
		},
		{
			name:   "payload corruption",
			mutate: func(p []byte) []byte { p[20] ^= 0xff; return p },
			want:   ErrChecksum,
		},
		{
			name: "unexpected kind",
			mutate: func(p []byte) []byte {
				// rewrite the context record as a ring record, fixing its CRC.
				return reKind(p, KindRing)
			},
			want: ErrKind,
		},
		{
			name:   "trailing data",
			mutate: func(p []byte) []byte { return append(p, 0) },
			want:   ErrTrailing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.mutate(append([]byte(nil), good...))
			_, err := Unmarshal(p)
			if !errors.Is(err, tt.want) {
				t.Errorf("Unmarshal() error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := Unmarshal(good[:len(good)-3]); err == nil {
		t.Error("Unmarshal() of a truncated snapshot should fail")
	}
}

// reKind changes the kind of the first record and recomputes its CRC.
func reKind(p []byte, kind Kind) []byte {
	const off = len(Magic) + 2
	binary.BigEndian.PutUint16(p[off:], uint16(kind))
	n := int(binary.BigEndian.Uint32(p[off+2:]))
	end := off + 6 + n
	binary.BigEndian.PutUint32(p[end:], crc32.ChecksumIEEE(p[off:end]))
	return p
}

func TestStores(t *testing.T) {
	fstore, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	stores := map[string]Store{
		"file": fstore,
		"mem":  NewMemStore(),
	}
	name := FileName(0xabc, LiveFile)
	if name != "0000000000000abc.live.cnt" {
		t.Errorf("FileName() = %q", name)
	}

	for sname, s := range stores {
		t.Run(sname, func(t *testing.T) {
			if _, err := s.Load(name); !errors.Is(err, fs.ErrNotExist) {
				t.Errorf("Load() of a missing file error = %v, want fs.ErrNotExist", err)
			}
			if err := s.Save(name, []byte("one")); err != nil {
				t.Fatalf("Save() error = %v", err)
			}
			if err := s.Save(name, []byte("two")); err != nil {
				t.Fatalf("Save() error = %v", err)
			}
			p, err := s.Load(name)
			if err != nil || string(p) != "two" {
				t.Errorf("Load() = %q, %v, want \"two\"", p, err)
			}
			if err := s.Remove(name); err != nil {
				t.Errorf("Remove() error = %v", err)
			}
			if err := s.Remove(name); err != nil {
				t.Errorf("second Remove() error = %v", err)
			}
		})
	}
}
