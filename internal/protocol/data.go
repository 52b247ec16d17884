package protocol

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/muurk/qlink/internal/codec"
)

// Data packet layout constants
const (
	dataHeaderSize      = 16
	blocketteHeaderSize = 12
	tagsPerBitmapWord   = 16
)

// Data packet flags
const (
	DataClockLocked = 0x01
)

// DataHeader starts every data and low latency payload.
type DataHeader struct {
	Sequence     uint32
	Time         time.Time // time of the first sample of every blockette
	ClockQuality uint8     // percent
	Flags        uint8
}

// Locked reports whether the instrument clock was locked.
func (h *DataHeader) Locked() bool { return h.Flags&DataClockLocked != 0 }

// Blockette is one compressed block of samples of one source.
//
//	[0]      source
//	[1]      sub-field
//	[2:4]    length in bytes, including this header
//	[4:8]    baseline, the sample preceding the block
//	[8:10]   sample count
//	[10:12]  data word count
//	[12..]   tag bitmap words, 16 two-bit tags each, then the data words
type Blockette struct {
	Source   uint8
	SubField uint8
	Baseline int32
	Count    int
	Tags     []uint8
	Words    []uint32
}

func (b *Blockette) String() string {
	return fmt.Sprintf("Blockette{src=%d, sub=%d, count=%d, words=%d}", b.Source, b.SubField, b.Count, len(b.Words))
}

// Samples decompresses the blockette. Counts above ceiling are rejected.
func (b *Blockette) Samples(ceiling int) ([]int32, error) {
	return codec.Decompress(b.Baseline, b.Tags, b.Words, b.Count, ceiling)
}

// NewBlockette compresses samples against baseline, the sample preceding
// them.
func NewBlockette(source, sub uint8, baseline int32, samples []int32) (Blockette, error) {
	tags, words, err := codec.CompressBlock(baseline, samples)
	if err != nil {
		return Blockette{}, err
	}
	return Blockette{
		Source:   source,
		SubField: sub,
		Baseline: baseline,
		Count:    len(samples),
		Tags:     tags,
		Words:    words,
	}, nil
}

func (b *Blockette) size() int {
	bitmaps := (len(b.Words) + tagsPerBitmapWord - 1) / tagsPerBitmapWord
	return blocketteHeaderSize + 4*bitmaps + 4*len(b.Words)
}

// DataPacket is a decoded data or low latency payload.
type DataPacket struct {
	DataHeader
	Blockettes []Blockette
}

// Marshal encodes the payload.
func (d *DataPacket) Marshal() ([]byte, error) {
	be := binary.BigEndian
	p := make([]byte, dataHeaderSize)
	sec := d.Time.Sub(Epoch).Truncate(time.Second)
	be.PutUint32(p[0:], d.Sequence)
	be.PutUint32(p[4:], uint32(sec/time.Second))
	be.PutUint32(p[8:], uint32(int32(d.Time.Sub(Epoch.Add(sec))/time.Microsecond)))
	p[12] = d.ClockQuality
	p[13] = d.Flags

	for i := range d.Blockettes {
		b := &d.Blockettes[i]
		if len(b.Tags) != len(b.Words) {
			return nil, fmt.Errorf("blockette %d: %d tags for %d words", i, len(b.Tags), len(b.Words))
		}
		size := b.size()
		if size > 0xffff || b.Count > 0xffff {
			return nil, fmt.Errorf("blockette %d too large", i)
		}
		r := make([]byte, size)
		r[0] = b.Source
		r[1] = b.SubField
		be.PutUint16(r[2:], uint16(size))
		be.PutUint32(r[4:], uint32(b.Baseline))
		be.PutUint16(r[8:], uint16(b.Count))
		be.PutUint16(r[10:], uint16(len(b.Words)))

		off := blocketteHeaderSize
		for k := 0; k < len(b.Words); k += tagsPerBitmapWord {
			var flags uint32
			for j := 0; j < tagsPerBitmapWord && k+j < len(b.Words); j++ {
				flags = codec.SetTag(flags, j, b.Tags[k+j])
			}
			be.PutUint32(r[off:], flags)
			off += 4
		}
		for _, w := range b.Words {
			be.PutUint32(r[off:], w)
			off += 4
		}
		p = append(p, r...)
	}
	if len(p) > MaxPayloadSize {
		return nil, fmt.Errorf("payload too large: %d bytes (max %d)", len(p), MaxPayloadSize)
	}
	return p, nil
}

// ParseData decodes a data or low latency payload.
func ParseData(p []byte) (*DataPacket, error) {
	if len(p) < dataHeaderSize {
		return nil, fmt.Errorf("data payload too short: %d bytes (minimum %d)", len(p), dataHeaderSize)
	}
	be := binary.BigEndian
	d := &DataPacket{
		DataHeader: DataHeader{
			Sequence:     be.Uint32(p[0:]),
			ClockQuality: p[12],
			Flags:        p[13],
		},
	}
	usec := int32(be.Uint32(p[8:]))
	d.Time = FromEpoch(int64(be.Uint32(p[4:]))).Add(time.Duration(usec) * time.Microsecond)

	off := dataHeaderSize
	for off < len(p) {
		if len(p)-off < blocketteHeaderSize {
			// trailing padding to a word boundary
			if allZero(p[off:]) {
				break
			}
			return nil, fmt.Errorf("blockette at %d too short: %d bytes (minimum %d)", off, len(p)-off, blocketteHeaderSize)
		}
		r := p[off:]
		size := int(be.Uint16(r[2:]))
		if size == 0 && allZero(r) {
			break
		}
		nwords := int(be.Uint16(r[10:]))
		bitmaps := (nwords + tagsPerBitmapWord - 1) / tagsPerBitmapWord
		if want := blocketteHeaderSize + 4*bitmaps + 4*nwords; size != want || size > len(r) {
			return nil, fmt.Errorf("blockette at %d: length %d, want %d (%d bytes left)", off, size, want, len(r))
		}

		b := Blockette{
			Source:   r[0],
			SubField: r[1],
			Baseline: int32(be.Uint32(r[4:])),
			Count:    int(be.Uint16(r[8:])),
			Tags:     make([]uint8, nwords),
			Words:    make([]uint32, nwords),
		}
		wbase := blocketteHeaderSize + 4*bitmaps
		for k := 0; k < nwords; k++ {
			flags := be.Uint32(r[blocketteHeaderSize+4*(k/tagsPerBitmapWord):])
			b.Tags[k] = codec.Tag(flags, k%tagsPerBitmapWord)
			b.Words[k] = be.Uint32(r[wbase+4*k:])
		}
		d.Blockettes = append(d.Blockettes, b)
		off += size
	}
	return d, nil
}

func allZero(p []byte) bool {
	for _, b := range p {
		if b != 0 {
			return false
		}
	}
	return true
}
