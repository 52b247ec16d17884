package codec

import (
	"errors"
	"fmt"
)

// Flag tags stored two bits per word in a frame's flag word.
const (
	TagNone  = 0 // no packed data (header or integration constant)
	TagByte  = 1 // four 8-bit differences
	TagWide  = 2 // sub-class in the top two bits: 30, 15 or 10 bits
	TagSmall = 3 // sub-class in the top two bits: 6, 5 or 4 bits
)

// MaxWindow is the largest number of differences a single word can hold.
const MaxWindow = 7

var (
	// ErrUncompressible is returned when a difference does not fit the
	// widest class.
	ErrUncompressible = errors.New("codec: difference exceeds 30-bit range")

	// ErrOverflow is returned when a decoded block holds more samples than
	// the caller's ceiling.
	ErrOverflow = errors.New("codec: sample count exceeds ceiling")
)

// Class describes one packing width.
type Class struct {
	Tag   uint8 // flag-word tag
	Sub   uint8 // sub-class in the word's top two bits (tags 2 and 3)
	Bits  uint  // bits per difference
	Count int   // differences per word
}

// Classes lists the packing widths from narrowest to widest.
var Classes = [...]Class{
	{Tag: TagSmall, Sub: 2, Bits: 4, Count: 7},
	{Tag: TagSmall, Sub: 1, Bits: 5, Count: 6},
	{Tag: TagSmall, Sub: 0, Bits: 6, Count: 5},
	{Tag: TagByte, Bits: 8, Count: 4},
	{Tag: TagWide, Sub: 3, Bits: 10, Count: 3},
	{Tag: TagWide, Sub: 2, Bits: 15, Count: 2},
	{Tag: TagWide, Sub: 1, Bits: 30, Count: 1},
}

func (c Class) mask() uint32 { return 1<<c.Bits - 1 }

// highbit and negate are the sign-extension pair of the class.
func (c Class) highbit() int64 { return 1 << (c.Bits - 1) }
func (c Class) negate() int64  { return 1 << c.Bits }

// Fits reports whether v can be stored in the class width.
func (c Class) Fits(v int64) bool {
	hb := c.highbit()
	return v >= -hb && v < hb
}

func (c Class) String() string {
	return fmt.Sprintf("%dx%d", c.Count, c.Bits)
}

// Word is one packed 32-bit word.
type Word struct {
	Tag   uint8  // flag-word tag
	Value uint32 // packed word
	N     int    // number of differences packed
	Class int    // index into Classes
}

// fits reports whether the first Count diffs all fit class i.
func fits(i int, diffs []int64) bool {
	c := Classes[i]
	if len(diffs) < c.Count {
		return false
	}
	for _, d := range diffs[:c.Count] {
		if !c.Fits(d) {
			return false
		}
	}
	return true
}

// Choose returns the index of the narrowest class whose window of diffs
// fits. The search starts at hint, moves toward wider classes until one
// fits and then re-probes narrower ones.
func Choose(diffs []int64, hint int) (int, error) {
	if len(diffs) == 0 {
		return 0, fmt.Errorf("codec: empty window")
	}
	i := hint
	switch {
	case i < 0:
		i = 0
	case i >= len(Classes):
		i = len(Classes) - 1
	}

	for !fits(i, diffs) {
		i++
		if i == len(Classes) {
			return 0, ErrUncompressible
		}
	}
	for i > 0 && fits(i-1, diffs) {
		i--
	}
	return i, nil
}

// Pack packs the first Count diffs of class i into a word.
func Pack(i int, diffs []int64) Word {
	c := Classes[i]
	var v uint32
	for _, d := range diffs[:c.Count] {
		v = v<<c.Bits | uint32(d)&c.mask()
	}
	if c.Tag != TagByte {
		v |= uint32(c.Sub) << 30
	}
	return Word{Tag: c.Tag, Value: v, N: c.Count, Class: i}
}

// classOf resolves the class of a packed word from its tag.
func classOf(tag uint8, w uint32) (int, error) {
	sub := uint8(w >> 30)
	switch tag {
	case TagByte:
		return 3, nil
	case TagWide:
		switch sub {
		case 1:
			return 6, nil
		case 2:
			return 5, nil
		case 3:
			return 4, nil
		}
	case TagSmall:
		switch sub {
		case 0:
			return 2, nil
		case 1:
			return 1, nil
		case 2:
			return 0, nil
		}
	default:
		return 0, fmt.Errorf("codec: tag %d carries no data", tag)
	}
	return 0, fmt.Errorf("codec: invalid sub-class %d for tag %d", sub, tag)
}

// Unpack extracts the differences held by w and appends them to dst.
func Unpack(dst []int32, tag uint8, w uint32) ([]int32, error) {
	i, err := classOf(tag, w)
	if err != nil {
		return dst, err
	}
	c := Classes[i]
	for k := c.Count - 1; k >= 0; k-- {
		v := int64(w >> (uint(k) * c.Bits) & c.mask())
		if v&c.highbit() != 0 {
			v -= c.negate()
		}
		dst = append(dst, int32(v))
	}
	return dst, nil
}

// Compressor holds the differential state of one sample stream.
type Compressor struct {
	Last int32 // last packed sample, baseline for the next difference
	Hint int   // class index of the previous word
}

// Reset sets the baseline so that the next difference is relative to last.
func (c *Compressor) Reset(last int32) {
	c.Last = last
	c.Hint = 0
}

// Next packs the longest narrow window at the head of samples. Unless final
// is set the caller must provide at least MaxWindow samples; with final set
// shorter tails are packed in wider classes. On success the baseline
// advances to the last packed sample.
func (c *Compressor) Next(samples []int32, final bool) (Word, error) {
	n := len(samples)
	if n > MaxWindow {
		n = MaxWindow
	}
	if n == 0 || (!final && n < MaxWindow) {
		return Word{}, fmt.Errorf("codec: short window (%d samples)", n)
	}

	var (
		diffs [MaxWindow]int64
		prev  = int64(c.Last)
	)
	for k, s := range samples[:n] {
		diffs[k] = int64(s) - prev
		prev = int64(s)
	}

	i, err := Choose(diffs[:n], c.Hint)
	if err != nil {
		return Word{}, err
	}
	w := Pack(i, diffs[:n])
	c.Last = samples[w.N-1]
	c.Hint = i
	return w, nil
}

// Tag returns the 2-bit tag of word i from a flag word.
func Tag(flags uint32, i int) uint8 {
	return uint8(flags>>(30-2*uint(i))) & 3
}

// SetTag stores the 2-bit tag of word i into a flag word.
func SetTag(flags uint32, i int, tag uint8) uint32 {
	shift := 30 - 2*uint(i)
	return flags&^(3<<shift) | uint32(tag&3)<<shift
}

// Decompress reconstructs up to count samples from words whose flag tags
// are given in tags. Differences accumulate onto baseline. Words tagged
// TagNone are skipped. A block holding more than max samples is rejected
// with ErrOverflow.
func Decompress(baseline int32, tags []uint8, words []uint32, count, max int) ([]int32, error) {
	if len(tags) != len(words) {
		return nil, fmt.Errorf("codec: %d tags for %d words", len(tags), len(words))
	}
	if count > max {
		return nil, fmt.Errorf("codec: %d samples (ceiling %d): %w", count, max, ErrOverflow)
	}

	var (
		diffs = make([]int32, 0, MaxWindow)
		out   = make([]int32, 0, count)
		acc   = baseline
		err   error
	)
	for i, w := range words {
		if tags[i] == TagNone {
			continue
		}
		diffs, err = Unpack(diffs[:0], tags[i], w)
		if err != nil {
			return nil, fmt.Errorf("codec: word %d: %w", i, err)
		}
		for _, d := range diffs {
			if len(out) == count {
				return nil, fmt.Errorf("codec: word %d holds samples past count %d: %w", i, count, ErrOverflow)
			}
			acc += d
			out = append(out, acc)
		}
	}
	if len(out) != count {
		return nil, fmt.Errorf("codec: decoded %d samples, want %d", len(out), count)
	}
	return out, nil
}

// CompressBlock packs samples against baseline. It returns the per-word
// tags and the packed words.
func CompressBlock(baseline int32, samples []int32) ([]uint8, []uint32, error) {
	var (
		c     = Compressor{Last: baseline}
		tags  []uint8
		words []uint32
	)
	for len(samples) > 0 {
		w, err := c.Next(samples, true)
		if err != nil {
			return nil, nil, err
		}
		tags = append(tags, w.Tag)
		words = append(words, w.Value)
		samples = samples[w.N:]
	}
	return tags, words, nil
}
