package protocol

import (
	"bytes"
	"errors"
	"fmt"
)

// Envelope markers
var (
	envelopeStart = []byte("<Q660_Data>")
	envelopeEnd   = []byte("</Q660_Data>")
)

// maxEnvelope bounds the bytes buffered while waiting for an envelope end.
const maxEnvelope = 64 * 1024

// Mode is what the inbound stream is expected to carry next.
type Mode int

const (
	ModeText   Mode = iota // registration envelopes
	ModeBlob               // raw configuration blob
	ModeBinary             // binary packets
)

func (m Mode) String() string {
	switch m {
	case ModeText:
		return "text"
	case ModeBlob:
		return "blob"
	case ModeBinary:
		return "binary"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ItemKind identifies a unit produced by the framer.
type ItemKind int

const (
	ItemEnvelope ItemKind = iota
	ItemBlob
	ItemPacket
)

// Item is one complete unit of the inbound stream.
type Item struct {
	Kind   ItemKind
	Data   []byte  // envelope text including markers, or the blob
	Packet *Packet // for ItemPacket
}

// Framer splits an inbound byte stream into envelopes, the configuration
// blob and binary packets. Bytes may be fed at any split point.
type Framer struct {
	buf  []byte
	mode Mode
	blob int
	eol  bool // the line terminator of the last envelope is still due
}

// Mode returns the current framing mode.
func (f *Framer) Mode() Mode { return f.mode }

// Buffered returns the number of bytes held.
func (f *Framer) Buffered() int { return len(f.buf) }

// Reset discards buffered bytes and returns to text mode.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.mode = ModeText
	f.blob = 0
	f.eol = false
}

// Feed appends received bytes.
func (f *Framer) Feed(p []byte) {
	f.buf = append(f.buf, p...)
}

// ExpectBlob switches to blob mode: the next n bytes are the configuration
// blob, after which the framer switches to binary packets.
func (f *Framer) ExpectBlob(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: invalid configuration size %d", ErrFraming, n)
	}
	f.mode = ModeBlob
	f.blob = n
	return nil
}

// Next returns the next complete item. ok is false when more bytes are
// needed. Errors wrap ErrFraming and are fatal.
func (f *Framer) Next() (item Item, ok bool, err error) {
	if !f.terminator() {
		return Item{}, false, nil
	}
	switch f.mode {
	case ModeText:
		return f.nextEnvelope()
	case ModeBlob:
		if len(f.buf) < f.blob {
			return Item{}, false, nil
		}
		data := f.take(f.blob)
		f.mode = ModeBinary
		f.blob = 0
		return Item{Kind: ItemBlob, Data: data}, true, nil
	default:
		pkt, n, err := ParsePacket(f.buf)
		if errors.Is(err, ErrIncomplete) {
			return Item{}, false, nil
		}
		if err != nil {
			return Item{}, false, err
		}
		f.take(n)
		return Item{Kind: ItemPacket, Packet: pkt}, true, nil
	}
}

func (f *Framer) nextEnvelope() (Item, bool, error) {
	start := bytes.Index(f.buf, envelopeStart)
	if start < 0 {
		// keep a tail that may hold the beginning of a marker
		if keep := len(envelopeStart) - 1; len(f.buf) > keep {
			f.take(len(f.buf) - keep)
		}
		return Item{}, false, nil
	}
	end := bytes.Index(f.buf[start:], envelopeEnd)
	if end < 0 {
		if len(f.buf)-start > maxEnvelope {
			return Item{}, false, fmt.Errorf("%w: envelope exceeds %d bytes", ErrFraming, maxEnvelope)
		}
		return Item{}, false, nil
	}
	stop := start + end + len(envelopeEnd)
	f.take(start)
	data := f.take(stop - start)
	f.eol = true
	return Item{Kind: ItemEnvelope, Data: data}, true, nil
}

// terminator consumes the "\n" or "\r\n" ending the last envelope. It
// returns false while the terminator may still arrive.
func (f *Framer) terminator() bool {
	for f.eol {
		if len(f.buf) == 0 {
			return false
		}
		switch f.buf[0] {
		case '\r':
			f.take(1)
		case '\n':
			f.take(1)
			f.eol = false
		default:
			f.eol = false
		}
	}
	return true
}

// take removes and returns the first n buffered bytes.
func (f *Framer) take(n int) []byte {
	out := make([]byte, n)
	copy(out, f.buf[:n])
	f.buf = append(f.buf[:0], f.buf[n:]...)
	return out
}
