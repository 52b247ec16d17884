package continuity

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"time"
)

// encoder writes the payload of one record.
type encoder struct {
	w   *bytes.Buffer
	buf [8]byte
}

func (enc *encoder) writeU8(v uint8) {
	enc.w.WriteByte(v)
}

func (enc *encoder) writeBool(v bool) {
	if v {
		enc.writeU8(1)
		return
	}
	enc.writeU8(0)
}

func (enc *encoder) writeU16(v uint16) {
	binary.BigEndian.PutUint16(enc.buf[:2], v)
	enc.w.Write(enc.buf[:2])
}

func (enc *encoder) writeU32(v uint32) {
	binary.BigEndian.PutUint32(enc.buf[:4], v)
	enc.w.Write(enc.buf[:4])
}

func (enc *encoder) writeU64(v uint64) {
	binary.BigEndian.PutUint64(enc.buf[:8], v)
	enc.w.Write(enc.buf[:8])
}

func (enc *encoder) writeI32(v int32) { enc.writeU32(uint32(v)) }
func (enc *encoder) writeI64(v int64) { enc.writeU64(uint64(v)) }

func (enc *encoder) writeTime(t time.Time) {
	if t.IsZero() {
		enc.writeI64(math.MinInt64)
		return
	}
	enc.writeI64(t.UnixNano())
}

func (enc *encoder) writeBytes(p []byte) {
	enc.writeU32(uint32(len(p)))
	enc.w.Write(p)
}

func (enc *encoder) writeString(s string) {
	enc.writeBytes([]byte(s))
}

// decoder reads the payload of one record. Errors are sticky.
type decoder struct {
	r   *bytes.Reader
	buf [8]byte
	err error
}

func (dec *decoder) load(n int) []byte {
	if dec.err != nil {
		return dec.buf[:n]
	}
	_, dec.err = io.ReadFull(dec.r, dec.buf[:n])
	return dec.buf[:n]
}

func (dec *decoder) readU8() uint8   { return dec.load(1)[0] }
func (dec *decoder) readBool() bool  { return dec.readU8() != 0 }
func (dec *decoder) readU16() uint16 { return binary.BigEndian.Uint16(dec.load(2)) }
func (dec *decoder) readU32() uint32 { return binary.BigEndian.Uint32(dec.load(4)) }
func (dec *decoder) readU64() uint64 { return binary.BigEndian.Uint64(dec.load(8)) }
func (dec *decoder) readI32() int32  { return int32(dec.readU32()) }
func (dec *decoder) readI64() int64  { return int64(dec.readU64()) }

func (dec *decoder) readTime() time.Time {
	v := dec.readI64()
	if dec.err != nil || v == math.MinInt64 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}

func (dec *decoder) readBytes() []byte {
	n := int(dec.readU32())
	if dec.err != nil {
		return nil
	}
	if n > dec.r.Len() {
		dec.err = io.ErrUnexpectedEOF
		return nil
	}
	p := make([]byte, n)
	_, dec.err = io.ReadFull(dec.r, p)
	return p
}

func (dec *decoder) readString() string { return string(dec.readBytes()) }

// Marshal serializes s.
func Marshal(s *Snapshot) []byte {
	var (
		out     bytes.Buffer
		payload bytes.Buffer
		enc     = encoder{w: &payload}
	)
	out.WriteString(Magic)
	binary.Write(&out, binary.BigEndian, uint16(Version))

	record := func(kind Kind) {
		var hdr [6]byte
		binary.BigEndian.PutUint16(hdr[0:2], uint16(kind))
		binary.BigEndian.PutUint32(hdr[2:6], uint32(payload.Len()))
		crc := crc32.NewIEEE()
		crc.Write(hdr[:])
		crc.Write(payload.Bytes())
		out.Write(hdr[:])
		out.Write(payload.Bytes())
		binary.Write(&out, binary.BigEndian, crc.Sum32())
		payload.Reset()
	}

	enc.writeU64(s.Serial)
	enc.writeTime(s.Saved)
	enc.writeTime(s.LastGood)
	enc.writeU32(s.DataSeq)
	enc.writeU32(uint32(len(s.Channels)))
	record(KindContext)

	for _, ch := range s.Channels {
		enc.writeString(ch.Location)
		enc.writeString(ch.Name)
		enc.writeI32(int32(ch.Rate))
		enc.writeTime(ch.Expected)
		enc.writeBool(ch.Slipping)
		enc.writeBool(ch.Event)
		enc.writeU8(ch.Activity)
		enc.writeU8(uint8(len(ch.Streams)))
		enc.writeU8(uint8(len(ch.Detectors)))
		record(KindChannel)

		for _, st := range ch.Streams {
			enc.writeI32(int32(st.Sequence))
			enc.writeBool(st.Primed)
			enc.writeI32(st.Last)
			enc.writeU8(uint8(st.Hint))
			enc.writeU32(uint32(len(st.Pending)))
			for _, v := range st.Pending {
				enc.writeI32(v)
			}
			enc.writeTime(st.PendingStart)
			enc.writeTime(st.Start)
			rec := st.Record
			enc.writeBytes(rec.Data)
			enc.writeU16(uint16(rec.Frame))
			enc.writeU16(uint16(rec.Word))
			enc.writeU32(rec.Flags)
			enc.writeU32(uint32(rec.Text))
			enc.writeU32(uint32(rec.Samples))
			enc.writeI32(rec.X0)
			enc.writeI32(rec.Xn)
			record(KindStream)
		}

		enc.writeU32(uint32(len(ch.Ring)))
		for _, r := range ch.Ring {
			enc.writeBytes(r)
		}
		record(KindRing)

		enc.writeI64(ch.Filter.Acc)
		enc.writeU32(uint32(ch.Filter.Count))
		record(KindFilter)

		for _, d := range ch.Detectors {
			enc.writeString(d.Name)
			enc.writeBool(d.Active)
			enc.writeBytes(d.State)
			record(KindDetector)
		}
	}
	record(KindEnd)

	return out.Bytes()
}

// reader walks the records of a snapshot.
type reader struct {
	r *bytes.Reader
}

func (rd *reader) next(want Kind) (*decoder, error) {
	var hdr [6]byte
	if _, err := io.ReadFull(rd.r, hdr[:]); err != nil {
		return nil, fmt.Errorf("continuity: could not read %s record header: %w", want, err)
	}
	kind := Kind(binary.BigEndian.Uint16(hdr[0:2]))
	n := int(binary.BigEndian.Uint32(hdr[2:6]))
	if n > rd.r.Len()-4 {
		return nil, fmt.Errorf("continuity: %s record of %d bytes: %w", kind, n, io.ErrUnexpectedEOF)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(rd.r, payload); err != nil {
		return nil, fmt.Errorf("continuity: could not read %s record: %w", kind, err)
	}
	var sum [4]byte
	if _, err := io.ReadFull(rd.r, sum[:]); err != nil {
		return nil, fmt.Errorf("continuity: could not read %s record checksum: %w", kind, err)
	}

	crc := crc32.NewIEEE()
	crc.Write(hdr[:])
	crc.Write(payload)
	if recv, comp := binary.BigEndian.Uint32(sum[:]), crc.Sum32(); recv != comp {
		return nil, fmt.Errorf("%w: %s record recv=0x%08x comp=0x%08x", ErrChecksum, kind, recv, comp)
	}
	if kind != want {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrKind, kind, want)
	}
	return &decoder{r: bytes.NewReader(payload)}, nil
}

// Unmarshal parses a snapshot produced by Marshal.
func Unmarshal(p []byte) (*Snapshot, error) {
	if len(p) < len(Magic)+2 || string(p[:len(Magic)]) != Magic {
		return nil, ErrMagic
	}
	if v := binary.BigEndian.Uint16(p[len(Magic):]); v != Version {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersion, v, Version)
	}
	rd := reader{r: bytes.NewReader(p[len(Magic)+2:])}

	dec, err := rd.next(KindContext)
	if err != nil {
		return nil, err
	}
	s := &Snapshot{
		Serial:   dec.readU64(),
		Saved:    dec.readTime(),
		LastGood: dec.readTime(),
		DataSeq:  dec.readU32(),
	}
	nch := int(dec.readU32())
	if dec.err != nil {
		return nil, fmt.Errorf("continuity: could not decode context record: %w", dec.err)
	}

	for i := 0; i < nch; i++ {
		ch, err := readChannel(&rd)
		if err != nil {
			return nil, fmt.Errorf("continuity: channel %d: %w", i, err)
		}
		s.Channels = append(s.Channels, ch)
	}

	if _, err := rd.next(KindEnd); err != nil {
		return nil, err
	}
	if rd.r.Len() != 0 {
		return nil, ErrTrailing
	}
	return s, nil
}

func readChannel(rd *reader) (Channel, error) {
	var ch Channel
	dec, err := rd.next(KindChannel)
	if err != nil {
		return ch, err
	}
	ch.Location = dec.readString()
	ch.Name = dec.readString()
	ch.Rate = int(dec.readI32())
	ch.Expected = dec.readTime()
	ch.Slipping = dec.readBool()
	ch.Event = dec.readBool()
	ch.Activity = dec.readU8()
	nst := int(dec.readU8())
	ndet := int(dec.readU8())
	if dec.err != nil {
		return ch, fmt.Errorf("could not decode channel record: %w", dec.err)
	}

	for i := 0; i < nst; i++ {
		dec, err := rd.next(KindStream)
		if err != nil {
			return ch, err
		}
		var st Stream
		st.Sequence = int(dec.readI32())
		st.Primed = dec.readBool()
		st.Last = dec.readI32()
		st.Hint = int(dec.readU8())
		np := int(dec.readU32())
		if dec.err == nil && np > dec.r.Len()/4 {
			dec.err = io.ErrUnexpectedEOF
		}
		for k := 0; k < np && dec.err == nil; k++ {
			st.Pending = append(st.Pending, dec.readI32())
		}
		st.PendingStart = dec.readTime()
		st.Start = dec.readTime()
		st.Record.Data = dec.readBytes()
		st.Record.Frame = int(dec.readU16())
		st.Record.Word = int(dec.readU16())
		st.Record.Flags = dec.readU32()
		st.Record.Text = int(dec.readU32())
		st.Record.Samples = int(dec.readU32())
		st.Record.X0 = dec.readI32()
		st.Record.Xn = dec.readI32()
		if dec.err != nil {
			return ch, fmt.Errorf("could not decode stream record %d: %w", i, dec.err)
		}
		ch.Streams = append(ch.Streams, st)
	}

	dec, err = rd.next(KindRing)
	if err != nil {
		return ch, err
	}
	nring := int(dec.readU32())
	for k := 0; k < nring && dec.err == nil; k++ {
		ch.Ring = append(ch.Ring, dec.readBytes())
	}
	if dec.err != nil {
		return ch, fmt.Errorf("could not decode ring record: %w", dec.err)
	}

	dec, err = rd.next(KindFilter)
	if err != nil {
		return ch, err
	}
	ch.Filter.Acc = dec.readI64()
	ch.Filter.Count = int(dec.readU32())
	if dec.err != nil {
		return ch, fmt.Errorf("could not decode filter record: %w", dec.err)
	}

	for i := 0; i < ndet; i++ {
		dec, err := rd.next(KindDetector)
		if err != nil {
			return ch, err
		}
		d := Detector{
			Name:   dec.readString(),
			Active: dec.readBool(),
		}
		if state := dec.readBytes(); len(state) > 0 {
			d.State = state
		}
		if dec.err != nil {
			return ch, fmt.Errorf("could not decode detector record %d: %w", i, dec.err)
		}
		ch.Detectors = append(ch.Detectors, d)
	}
	return ch, nil
}
