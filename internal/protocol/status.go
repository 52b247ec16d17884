package protocol

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Status bitmap bits
const (
	StatusSM  = 1 << 0
	StatusGPS = 1 << 1
	StatusPLL = 1 << 2
	StatusLS  = 1 << 3
)

// Status sub-record sizes
const (
	statusHeaderSize = 4
	smSize           = 20
	gpsSize          = 20
	pllSize          = 12
	lsSize           = 16
)

// StationMonitor is the station monitor sub-record.
type StationMonitor struct {
	SupplyMillivolts uint16
	Temperature      int16 // tenths of a degree Celsius
	Humidity         uint8 // percent
	Booms            [3]int16
	ClockQuality     uint8 // percent
	ClockLocked      bool
	Uptime           time.Duration
}

func (m *StationMonitor) String() string {
	return fmt.Sprintf("StationMonitor{supply=%dmV, temp=%.1fC, clock=%d%%, locked=%v}",
		m.SupplyMillivolts, float64(m.Temperature)/10, m.ClockQuality, m.ClockLocked)
}

// GPS power and fix states
const (
	GPSOff   = 0
	GPSOn    = 1
	GPSFixed = 2
)

// GPS is the receiver sub-record.
type GPS struct {
	State       uint8
	Fix         uint8 // 0 none, 2 for 2D, 3 for 3D
	SatsUsed    uint8
	SatsVisible uint8
	SinceLock   time.Duration
	Latitude    float64 // degrees
	Longitude   float64 // degrees
	Elevation   float64 // meters
}

func (g *GPS) String() string {
	return fmt.Sprintf("GPS{state=%d, fix=%d, sats=%d/%d, since_lock=%v}",
		g.State, g.Fix, g.SatsUsed, g.SatsVisible, g.SinceLock)
}

// PLL states
const (
	PLLHold  = 0
	PLLTrack = 1
	PLLLock  = 2
)

// PLL is the clock phase-locked loop sub-record.
type PLL struct {
	State     uint8
	TimeError int16 // microseconds
	Phase     int32 // nanoseconds
	Drift     int32 // parts per billion
}

func (p *PLL) String() string {
	return fmt.Sprintf("PLL{state=%d, time_error=%dus, drift=%dppb}", p.State, p.TimeError, p.Drift)
}

// Logger is the data logger sub-record.
type Logger struct {
	Buffered uint32 // packets waiting in the instrument
	Sent     uint32
	Resent   uint32
	Fill     uint8 // buffer fill percent
}

func (l *Logger) String() string {
	return fmt.Sprintf("Logger{buffered=%d, sent=%d, resent=%d, fill=%d%%}", l.Buffered, l.Sent, l.Resent, l.Fill)
}

// Status is a decoded status packet. Members are nil when their bit is
// clear.
type Status struct {
	StationMonitor *StationMonitor
	GPS            *GPS
	PLL            *PLL
	Logger         *Logger
}

// Bitmap returns the bits of the sub-records present.
func (s *Status) Bitmap() uint8 {
	var b uint8
	if s.StationMonitor != nil {
		b |= StatusSM
	}
	if s.GPS != nil {
		b |= StatusGPS
	}
	if s.PLL != nil {
		b |= StatusPLL
	}
	if s.Logger != nil {
		b |= StatusLS
	}
	return b
}

func microdegrees(v float64) int32 { return int32(v * 1e6) }

// Marshal encodes the status payload.
func (s *Status) Marshal() []byte {
	p := make([]byte, statusHeaderSize, statusHeaderSize+smSize+gpsSize+pllSize+lsSize)
	p[0] = s.Bitmap()
	be := binary.BigEndian

	if m := s.StationMonitor; m != nil {
		var r [smSize]byte
		be.PutUint16(r[0:], m.SupplyMillivolts)
		be.PutUint16(r[2:], uint16(m.Temperature))
		r[4] = m.Humidity
		for i, b := range m.Booms {
			be.PutUint16(r[6+2*i:], uint16(b))
		}
		r[12] = m.ClockQuality
		if m.ClockLocked {
			r[13] = 1
		}
		be.PutUint32(r[14:], uint32(m.Uptime/time.Second))
		p = append(p, r[:]...)
	}
	if g := s.GPS; g != nil {
		var r [gpsSize]byte
		r[0], r[1], r[2], r[3] = g.State, g.Fix, g.SatsUsed, g.SatsVisible
		be.PutUint32(r[4:], uint32(g.SinceLock/time.Second))
		be.PutUint32(r[8:], uint32(microdegrees(g.Latitude)))
		be.PutUint32(r[12:], uint32(microdegrees(g.Longitude)))
		be.PutUint32(r[16:], uint32(int32(g.Elevation*100)))
		p = append(p, r[:]...)
	}
	if l := s.PLL; l != nil {
		var r [pllSize]byte
		r[0] = l.State
		be.PutUint16(r[2:], uint16(l.TimeError))
		be.PutUint32(r[4:], uint32(l.Phase))
		be.PutUint32(r[8:], uint32(l.Drift))
		p = append(p, r[:]...)
	}
	if l := s.Logger; l != nil {
		var r [lsSize]byte
		be.PutUint32(r[0:], l.Buffered)
		be.PutUint32(r[4:], l.Sent)
		be.PutUint32(r[8:], l.Resent)
		r[12] = l.Fill
		p = append(p, r[:]...)
	}
	return p
}

// ParseStatus decodes a status payload: a bitmap byte, three reserved
// bytes, then the selected sub-records in bit order.
func ParseStatus(p []byte) (*Status, error) {
	if len(p) < statusHeaderSize {
		return nil, fmt.Errorf("status too short: %d bytes (minimum %d)", len(p), statusHeaderSize)
	}
	bitmap := p[0]
	if bitmap&^(StatusSM|StatusGPS|StatusPLL|StatusLS) != 0 {
		return nil, fmt.Errorf("status bitmap 0x%02x has unknown bits", bitmap)
	}

	var (
		s   Status
		off = statusHeaderSize
		be  = binary.BigEndian
	)
	need := func(n int, what string) ([]byte, error) {
		if len(p)-off < n {
			return nil, fmt.Errorf("%s sub-record too short: %d bytes (minimum %d)", what, len(p)-off, n)
		}
		r := p[off : off+n]
		off += n
		return r, nil
	}

	if bitmap&StatusSM != 0 {
		r, err := need(smSize, "station monitor")
		if err != nil {
			return nil, err
		}
		m := &StationMonitor{
			SupplyMillivolts: be.Uint16(r[0:]),
			Temperature:      int16(be.Uint16(r[2:])),
			Humidity:         r[4],
			ClockQuality:     r[12],
			ClockLocked:      r[13]&1 != 0,
			Uptime:           time.Duration(be.Uint32(r[14:])) * time.Second,
		}
		for i := range m.Booms {
			m.Booms[i] = int16(be.Uint16(r[6+2*i:]))
		}
		s.StationMonitor = m
	}
	if bitmap&StatusGPS != 0 {
		r, err := need(gpsSize, "gps")
		if err != nil {
			return nil, err
		}
		s.GPS = &GPS{
			State:       r[0],
			Fix:         r[1],
			SatsUsed:    r[2],
			SatsVisible: r[3],
			SinceLock:   time.Duration(be.Uint32(r[4:])) * time.Second,
			Latitude:    float64(int32(be.Uint32(r[8:]))) / 1e6,
			Longitude:   float64(int32(be.Uint32(r[12:]))) / 1e6,
			Elevation:   float64(int32(be.Uint32(r[16:]))) / 100,
		}
	}
	if bitmap&StatusPLL != 0 {
		r, err := need(pllSize, "pll")
		if err != nil {
			return nil, err
		}
		s.PLL = &PLL{
			State:     r[0],
			TimeError: int16(be.Uint16(r[2:])),
			Phase:     int32(be.Uint32(r[4:])),
			Drift:     int32(be.Uint32(r[8:])),
		}
	}
	if bitmap&StatusLS != 0 {
		r, err := need(lsSize, "logger")
		if err != nil {
			return nil, err
		}
		s.Logger = &Logger{
			Buffered: be.Uint32(r[0:]),
			Sent:     be.Uint32(r[4:]),
			Resent:   be.Uint32(r[8:]),
			Fill:     r[12],
		}
	}
	return &s, nil
}
