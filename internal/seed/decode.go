package seed

import (
	"encoding/binary"
	"fmt"

	"github.com/muurk/qlink/internal/codec"
)

// Decode parses a record and returns its header and samples. ASCII records
// return no samples; their text is the data area up to the sample count.
func Decode(rec []byte) (Header, []int32, error) {
	h, err := DecodeHeader(rec)
	if err != nil {
		return h, nil, err
	}
	if h.RecordSize != len(rec) {
		return h, nil, fmt.Errorf("seed: record of %d bytes declares size %d", len(rec), h.RecordSize)
	}

	switch h.Encoding {
	case EncodingASCII:
		return h, nil, nil
	case EncodingSteim2:
	default:
		return h, nil, fmt.Errorf("seed: unsupported encoding %d", h.Encoding)
	}

	frames := h.Frames
	if limit := (len(rec) - HeaderSize) / FrameSize; frames == 0 || frames > limit {
		frames = limit
	}

	var (
		tags  = make([]uint8, 0, frames*WordsPerFrame)
		words = make([]uint32, 0, frames*WordsPerFrame)
		x0    = int32(binary.BigEndian.Uint32(rec[HeaderSize+4:]))
		xn    = int32(binary.BigEndian.Uint32(rec[HeaderSize+8:]))
	)
	for f := 0; f < frames; f++ {
		frame := rec[HeaderSize+f*FrameSize : HeaderSize+(f+1)*FrameSize]
		flags := binary.BigEndian.Uint32(frame)
		for w := 1; w < WordsPerFrame; w++ {
			if f == 0 && w < 3 {
				continue
			}
			tags = append(tags, codec.Tag(flags, w))
			words = append(words, binary.BigEndian.Uint32(frame[4*w:]))
		}
	}

	if h.Samples == 0 {
		return h, nil, nil
	}

	// The first difference is relative to the previous record; X0 replaces
	// it as the starting value.
	diffs, err := codec.Decompress(0, tags, words, h.Samples, h.Samples)
	if err != nil {
		return h, nil, fmt.Errorf("seed: record %06d: %w", h.Sequence, err)
	}
	samples := make([]int32, len(diffs))
	samples[0] = x0
	for i := 1; i < len(diffs); i++ {
		samples[i] = samples[i-1] + (diffs[i] - diffs[i-1])
	}
	if last := samples[len(samples)-1]; last != xn {
		return h, samples, fmt.Errorf("seed: record %06d: last sample %d does not match Xn %d", h.Sequence, last, xn)
	}
	return h, samples, nil
}
