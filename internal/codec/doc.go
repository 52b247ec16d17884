// Package codec implements the differential bit-packing used both on the
// instrument wire and inside SEED data records.
//
// Samples are turned into first differences and packed into 32-bit words.
// Each word carries between one and seven differences, all with the same
// bit width. The width is selected by a 2-bit tag kept in a separate flag
// word and, for tags 2 and 3, by a 2-bit sub-class stored in the top bits
// of the data word itself:
//
//	tag  sub  bits  count
//	 1    -    8     4
//	 2    1   30     1
//	 2    2   15     2
//	 2    3   10     3
//	 3    0    6     5
//	 3    1    5     6
//	 3    2    4     7
//
// This is the Steim-2 layout of SEED blockette 1000 encoding 11.
//
// # Encoding
//
// A Compressor keeps the baseline (the last packed sample) and the class
// used for the previous word. Next picks the narrowest class whose whole
// window of differences fits and packs it:
//
//	var c codec.Compressor
//	c.Reset(first)
//	w, err := c.Next(samples, false)
//	if errors.Is(err, codec.ErrUncompressible) {
//	    // drop the block
//	}
//
// # Decoding
//
// Decompress reverses the process given the flag tags, the packed words and
// the baseline the first difference is relative to.
package codec
