package seed

import (
	"encoding/binary"
	"fmt"

	"github.com/muurk/qlink/internal/codec"
)

// Builder assembles packed words into the frames of one record.
//
// Frame 0 starts with the flag word, the forward integration constant X0
// and the reverse integration constant Xn; every other frame starts with
// its flag word. Words are placed in order; a frame's flag word is
// accumulated while the frame fills.
type Builder struct {
	buf      []byte
	encoding uint8
	limit    int // frames per record

	frame int    // current frame
	word  int    // next word in the current frame
	flags uint32 // flag accumulator of the current frame
	text  int    // bytes used by an ASCII record

	samples int
	x0, xn  int32
}

// NewBuilder returns a builder for records of size bytes.
func NewBuilder(size int, encoding uint8) (*Builder, error) {
	if !ValidRecordSize(size) {
		return nil, fmt.Errorf("seed: invalid record size %d", size)
	}
	switch encoding {
	case EncodingSteim2, EncodingASCII:
	default:
		return nil, fmt.Errorf("seed: unsupported encoding %d", encoding)
	}
	b := &Builder{
		buf:      make([]byte, size),
		encoding: encoding,
		limit:    (size - HeaderSize) / FrameSize,
	}
	b.Reset()
	return b, nil
}

// Reset discards the record in progress.
func (b *Builder) Reset() {
	for i := range b.buf {
		b.buf[i] = 0
	}
	b.frame = 0
	b.word = 3
	b.flags = 0
	b.text = 0
	b.samples = 0
	b.x0 = 0
	b.xn = 0
}

// Size returns the record size in bytes.
func (b *Builder) Size() int { return len(b.buf) }

// Limit returns the number of frames in a record.
func (b *Builder) Limit() int { return b.limit }

// Samples returns the number of samples in the record in progress.
func (b *Builder) Samples() int { return b.samples }

// Empty reports whether no data has been added since the last reset.
func (b *Builder) Empty() bool { return b.samples == 0 }

// Full reports whether no more data fits.
func (b *Builder) Full() bool {
	if b.encoding == EncodingASCII {
		return b.text == len(b.buf)-HeaderSize
	}
	return b.frame == b.limit
}

// Frames returns the number of frames holding data.
func (b *Builder) Frames() int {
	if b.encoding == EncodingASCII {
		return (b.text + FrameSize - 1) / FrameSize
	}
	if b.frame < b.limit && b.word > 1 {
		return b.frame + 1
	}
	return b.frame
}

func (b *Builder) offset(frame, word int) int {
	return HeaderSize + frame*FrameSize + word*4
}

// Add places one packed word whose differences cover window.
func (b *Builder) Add(w codec.Word, window []int32) error {
	if b.encoding != EncodingSteim2 {
		return fmt.Errorf("seed: packed word added to an ASCII record")
	}
	if b.Full() {
		return fmt.Errorf("seed: record full")
	}
	if len(window) < w.N {
		return fmt.Errorf("seed: window of %d samples for a %d-sample word", len(window), w.N)
	}

	if b.samples == 0 {
		b.x0 = window[0]
	}
	b.xn = window[w.N-1]
	b.samples += w.N

	binary.BigEndian.PutUint32(b.buf[b.offset(b.frame, b.word):], w.Value)
	b.flags = codec.SetTag(b.flags, b.word, w.Tag)
	b.word++
	if b.word == WordsPerFrame {
		b.commitFlags()
		b.frame++
		b.word = 1
		b.flags = 0
	}
	return nil
}

func (b *Builder) commitFlags() {
	if b.frame < b.limit {
		binary.BigEndian.PutUint32(b.buf[b.offset(b.frame, 0):], b.flags)
	}
}

// AddText copies as much of p as fits into an ASCII record and returns the
// number of bytes consumed.
func (b *Builder) AddText(p []byte) (int, error) {
	if b.encoding != EncodingASCII {
		return 0, fmt.Errorf("seed: text added to a compressed record")
	}
	n := copy(b.buf[HeaderSize+b.text:], p)
	b.text += n
	b.samples += n
	return n, nil
}

// Seal installs the header and returns a copy of the finished record.
// Unused frames are left zeroed. The builder is reset.
func (b *Builder) Seal(h Header) ([]byte, error) {
	if b.Empty() {
		return nil, fmt.Errorf("seed: sealing an empty record")
	}
	if b.encoding == EncodingSteim2 {
		b.commitFlags()
		binary.BigEndian.PutUint32(b.buf[b.offset(0, 1):], uint32(b.x0))
		binary.BigEndian.PutUint32(b.buf[b.offset(0, 2):], uint32(b.xn))
	}

	h.Samples = b.samples
	h.Encoding = b.encoding
	h.RecordSize = len(b.buf)
	h.Frames = b.Frames()
	if err := h.Encode(b.buf); err != nil {
		return nil, err
	}

	rec := make([]byte, len(b.buf))
	copy(rec, b.buf)
	b.Reset()
	return rec, nil
}

// State is the resumable state of a builder.
type State struct {
	Data    []byte // record data area, frames only
	Frame   int
	Word    int
	Flags   uint32
	Text    int
	Samples int
	X0, Xn  int32
}

// State returns a copy of the record in progress.
func (b *Builder) State() State {
	data := make([]byte, len(b.buf)-HeaderSize)
	copy(data, b.buf[HeaderSize:])
	return State{
		Data:    data,
		Frame:   b.frame,
		Word:    b.word,
		Flags:   b.flags,
		Text:    b.text,
		Samples: b.samples,
		X0:      b.x0,
		Xn:      b.xn,
	}
}

// Restore resumes the record in progress from s.
func (b *Builder) Restore(s State) error {
	if len(s.Data) != len(b.buf)-HeaderSize {
		return fmt.Errorf("seed: record state of %d bytes for a %d-byte record", len(s.Data)+HeaderSize, len(b.buf))
	}
	if s.Frame < 0 || s.Frame > b.limit || s.Word < 1 || s.Word > WordsPerFrame || s.Text < 0 || s.Text > len(s.Data) {
		return fmt.Errorf("seed: record state out of range (frame=%d word=%d)", s.Frame, s.Word)
	}
	b.Reset()
	copy(b.buf[HeaderSize:], s.Data)
	b.frame = s.Frame
	b.word = s.Word
	b.flags = s.Flags
	b.text = s.Text
	b.samples = s.Samples
	b.x0 = s.X0
	b.xn = s.Xn
	return nil
}
