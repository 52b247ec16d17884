package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/muurk/qlink/internal/lcq"
	"github.com/muurk/qlink/internal/protocol"
	"github.com/muurk/qlink/internal/seed"
)

// Start modes
const (
	StartResume = "resume"
	StartFresh  = "fresh"
)

// Config is the qlink configuration document.
type Config struct {
	Version    int              `yaml:"version"`
	Instrument InstrumentConfig `yaml:"instrument"`
	Link       LinkConfig       `yaml:"link"`
	Records    RecordConfig     `yaml:"records"`
	Continuity ContinuityConfig `yaml:"continuity"`
	Status     StatusConfig     `yaml:"status"`
	Station    StationConfig    `yaml:"station"`
	Channels   []ChannelConfig  `yaml:"channels"`
	Output     OutputConfig     `yaml:"output"`
}

// InstrumentConfig addresses the instrument and the data port used.
type InstrumentConfig struct {
	Address  string `yaml:"address"`
	Port     int    `yaml:"port"`
	Serial   string `yaml:"serial"`             // 16 hex digits
	Password string `yaml:"password,omitempty"` // prompted when empty
	Priority int    `yaml:"priority"`
}

// LinkConfig holds the registration and timeout settings.
type LinkConfig struct {
	Start               string        `yaml:"start"` // resume or fresh
	Backfill            time.Duration `yaml:"backfill"`
	RegistrationTimeout time.Duration `yaml:"registration_timeout"`
	DataTimeout         time.Duration `yaml:"data_timeout"`
	StatusTimeout       time.Duration `yaml:"status_timeout"`
	MaxConnection       time.Duration `yaml:"max_connection"`
	LowLatency          bool          `yaml:"low_latency"`
}

// RecordConfig holds record defaults applied to every channel.
type RecordConfig struct {
	RecordSize   int     `yaml:"record_size"`
	ArchiveSize  int     `yaml:"archive_size"`
	GapTolerance float64 `yaml:"gap_tolerance"`
	PreEvent     int     `yaml:"pre_event"`
}

// ContinuityConfig locates the continuity files.
type ContinuityConfig struct {
	Dir      string        `yaml:"dir"` // continuity disabled when empty
	Interval time.Duration `yaml:"interval"`
}

// StatusConfig selects the periodic status groups.
type StatusConfig struct {
	Interval time.Duration `yaml:"interval"`
	Include  []string      `yaml:"include"` // SM, GPS, PLL, LS, optionally suffixed ":3"
}

// StationConfig names the station and its message channel.
type StationConfig struct {
	Network      string        `yaml:"network"`
	Station      string        `yaml:"station"`
	Log          bool          `yaml:"log"`
	LogSize      int           `yaml:"log_size,omitempty"`
	MessageFlush time.Duration `yaml:"message_flush"`
}

// ChannelConfig is one entry of the channel table.
type ChannelConfig struct {
	Location  string           `yaml:"location"`
	Name      string           `yaml:"name"`
	Rate      int              `yaml:"rate,omitempty"`
	Source    uint8            `yaml:"source,omitempty"`
	SubField  uint8            `yaml:"sub_field,omitempty"`
	Priority  int              `yaml:"priority,omitempty"`
	EventOnly bool             `yaml:"event_only,omitempty"`
	PreEvent  int              `yaml:"pre_event,omitempty"`
	Archive   bool             `yaml:"archive,omitempty"`
	From      string           `yaml:"from,omitempty"` // LOC.NAME of the source channel
	Factor    int              `yaml:"factor,omitempty"`
	Threshold *ThresholdConfig `yaml:"threshold,omitempty"`
}

// ThresholdConfig attaches a threshold detector to a channel.
type ThresholdConfig struct {
	Name  string `yaml:"name"`
	Level int32  `yaml:"level"`
}

// OutputConfig controls where the command line tool writes.
type OutputConfig struct {
	Dir     string `yaml:"dir"`
	Metrics string `yaml:"metrics,omitempty"` // listen address, disabled when empty
}

// Default returns a configuration with every setting at its default and an
// empty channel table.
func Default() *Config {
	return &Config{
		Version: 1,
		Instrument: InstrumentConfig{
			Port:     5330,
			Priority: 1,
		},
		Link: LinkConfig{
			Start:               StartResume,
			Backfill:            24 * time.Hour,
			RegistrationTimeout: 30 * time.Second,
			DataTimeout:         2 * time.Minute,
			StatusTimeout:       5 * time.Minute,
			MaxConnection:       0,
		},
		Records: RecordConfig{
			RecordSize:   seed.DefaultRecordSize,
			GapTolerance: lcq.DefaultGapTolerance,
		},
		Continuity: ContinuityConfig{
			Interval: time.Minute,
		},
		Status: StatusConfig{
			Interval: 10 * time.Second,
			Include:  []string{"SM", "GPS", "PLL", "LS"},
		},
		Station: StationConfig{
			Log:          true,
			MessageFlush: 5 * time.Minute,
		},
		Output: OutputConfig{
			Dir: ".",
		},
	}
}

// SerialNumber returns the instrument serial number.
func (c *Config) SerialNumber() (uint64, error) {
	return protocol.ParseSerial(c.Instrument.Serial)
}

// Validate checks the document for settings the link cannot work with.
func (c *Config) Validate() error {
	var errs []error
	if c.Version != 1 {
		errs = append(errs, fmt.Errorf("unsupported config version: %d (expected 1)", c.Version))
	}
	if c.Instrument.Address == "" {
		errs = append(errs, errors.New("instrument address is required"))
	}
	if c.Instrument.Port <= 0 || c.Instrument.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid instrument port %d", c.Instrument.Port))
	}
	if _, err := c.SerialNumber(); err != nil {
		errs = append(errs, fmt.Errorf("invalid instrument serial: %w", err))
	}
	if c.Link.Start != StartResume && c.Link.Start != StartFresh {
		errs = append(errs, fmt.Errorf("invalid start mode %q (expected %s or %s)", c.Link.Start, StartResume, StartFresh))
	}
	if c.Link.Backfill < 0 {
		errs = append(errs, errors.New("negative backfill limit"))
	}
	if _, err := protocol.ParseInclude(strings.Join(c.Status.Include, ",")); err != nil {
		errs = append(errs, fmt.Errorf("invalid status include list: %w", err))
	}
	if c.Station.Station == "" {
		errs = append(errs, errors.New("station name is required"))
	}
	if len(c.Channels) == 0 {
		errs = append(errs, errors.New("channel table is empty"))
	}
	for i, ch := range c.Channels {
		if ch.Name == "" {
			errs = append(errs, fmt.Errorf("channel %d: name is required", i))
			continue
		}
		if ch.From == "" && ch.Rate == 0 {
			errs = append(errs, fmt.Errorf("channel %s.%s: sample rate is required", ch.Location, ch.Name))
		}
		if ch.From != "" && ch.Factor < 2 {
			errs = append(errs, fmt.Errorf("channel %s.%s: decimation factor must be at least 2", ch.Location, ch.Name))
		}
	}
	if len(errs) == 0 {
		// the channel table must also build
		if _, err := c.Plan().Build(func(lcq.Record) {}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Plan converts the channel table into a channel plan, applying the record
// defaults.
func (c *Config) Plan() *lcq.Plan {
	p := &lcq.Plan{
		Network: c.Station.Network,
		Station: c.Station.Station,
		Log:     c.Station.Log,
		LogSize: c.Station.LogSize,
	}
	for _, ch := range c.Channels {
		cp := lcq.ChannelPlan{
			Config: lcq.Config{
				Ident:        lcq.Ident{Location: ch.Location, Channel: ch.Name},
				Rate:         ch.Rate,
				RecordSize:   c.Records.RecordSize,
				GapTolerance: c.Records.GapTolerance,
				PreEvent:     c.Records.PreEvent,
				EventOnly:    ch.EventOnly,
				Source:       ch.Source,
				SubField:     ch.SubField,
				Priority:     ch.Priority,
			},
			From:   ch.From,
			Factor: ch.Factor,
		}
		if ch.PreEvent != 0 {
			cp.PreEvent = ch.PreEvent
		}
		if ch.Archive {
			cp.ArchiveSize = c.Records.ArchiveSize
		}
		if ch.Threshold != nil {
			cp.Detector = ch.Threshold.Name
			cp.Threshold = ch.Threshold.Level
		}
		p.Channels = append(p.Channels, cp)
	}
	return p
}

// Parse returns the channel plan for a configuration blob received from the
// instrument. The static channel table of the document is authoritative; the
// blob only has to be present.
func (c *Config) Parse(blob []byte) (*lcq.Plan, error) {
	if len(blob) == 0 {
		return nil, errors.New("empty configuration blob")
	}
	if len(c.Channels) == 0 {
		return nil, errors.New("channel table is empty")
	}
	return c.Plan(), nil
}
