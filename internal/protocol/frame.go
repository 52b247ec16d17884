package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Packet commands
const (
	CmdData       = 0x10 // compressed data blockettes
	CmdLowLatency = 0x11 // low latency data blockettes
	CmdStatus     = 0x12 // status sub-records
)

// Packet layout constants
const (
	PacketHeaderSize  = 4
	PacketTrailerSize = 4
	MaxPayloadSize    = 256 * 4
	MinPacketSize     = PacketHeaderSize + 4 + PacketTrailerSize
	MaxPacketSize     = PacketHeaderSize + MaxPayloadSize + PacketTrailerSize
)

var (
	// ErrIncomplete means more bytes are needed.
	ErrIncomplete = errors.New("protocol: incomplete packet")
	// ErrFraming is wrapped by every fatal framing error.
	ErrFraming = errors.New("protocol: framing error")
)

// Packet is one binary packet.
type Packet struct {
	Command  uint8
	Sequence uint8
	Payload  []byte
}

// CommandName returns a human-readable command name
func CommandName(cmd uint8) string {
	switch cmd {
	case CmdData:
		return "data"
	case CmdLowLatency:
		return "low_latency"
	case CmdStatus:
		return "status"
	default:
		return fmt.Sprintf("unknown(0x%02x)", cmd)
	}
}

func (p *Packet) String() string {
	return fmt.Sprintf("Packet{cmd=%s, seq=%d, len=%d}", CommandName(p.Command), p.Sequence, len(p.Payload))
}

// BuildPacket constructs a packet. The payload length must be a non-zero
// multiple of four bytes, at most MaxPayloadSize.
func BuildPacket(cmd, seq uint8, payload []byte) ([]byte, error) {
	if len(payload) == 0 || len(payload)%4 != 0 {
		return nil, fmt.Errorf("payload length %d is not a non-zero multiple of 4", len(payload))
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("payload too large: %d bytes (max %d)", len(payload), MaxPayloadSize)
	}

	dlength := uint8(len(payload)/4 - 1)
	pkt := make([]byte, PacketHeaderSize+len(payload)+PacketTrailerSize)
	pkt[0] = cmd
	pkt[1] = seq
	pkt[2] = dlength
	pkt[3] = ^dlength
	copy(pkt[PacketHeaderSize:], payload)

	n := PacketHeaderSize + len(payload)
	binary.BigEndian.PutUint32(pkt[n:], crc32.ChecksumIEEE(pkt[:n]))
	return pkt, nil
}

// ParsePacket parses the packet at the start of p and returns it with the
// number of bytes it occupies. It returns ErrIncomplete when p holds only
// part of a packet and an error wrapping ErrFraming when the header or CRC
// is corrupt.
func ParsePacket(p []byte) (*Packet, int, error) {
	if len(p) < PacketHeaderSize {
		return nil, 0, ErrIncomplete
	}
	if p[3] != ^p[2] {
		return nil, 0, fmt.Errorf("%w: length complement mismatch (0x%02x, 0x%02x)", ErrFraming, p[2], p[3])
	}
	size := PacketHeaderSize + (int(p[2])+1)*4 + PacketTrailerSize
	if len(p) < size {
		return nil, 0, ErrIncomplete
	}

	n := size - PacketTrailerSize
	recv := binary.BigEndian.Uint32(p[n:])
	if comp := crc32.ChecksumIEEE(p[:n]); recv != comp {
		return nil, 0, fmt.Errorf("%w: crc mismatch recv=0x%08x comp=0x%08x", ErrFraming, recv, comp)
	}

	payload := make([]byte, n-PacketHeaderSize)
	copy(payload, p[PacketHeaderSize:n])
	return &Packet{Command: p[0], Sequence: p[1], Payload: payload}, size, nil
}
