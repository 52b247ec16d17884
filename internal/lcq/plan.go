package lcq

import (
	"fmt"
	"strings"
)

// ChannelPlan describes one channel of a Plan.
type ChannelPlan struct {
	Config

	From   string // "LOC.NAME" of the source channel of a derived channel
	Factor int    // decimation factor of a derived channel

	Detector  string // name of a Threshold detector to attach
	Threshold int32  // level of that detector
}

// Derived reports whether the channel is decimated from another channel.
func (c *ChannelPlan) Derived() bool { return c.From != "" }

// Plan is the channel layout of a station, produced from the instrument
// configuration.
type Plan struct {
	Network string
	Station string

	Channels []ChannelPlan

	Log     bool // create the LOG message channel
	LogSize int  // LOG record size
}

// Build creates the channel table. Source channels must be listed before
// the channels derived from them.
func (p *Plan) Build(emit func(Record)) (*Table, error) {
	t := NewTable(emit)
	for _, ch := range p.Channels {
		cfg := ch.Config
		if cfg.Network == "" {
			cfg.Network = p.Network
		}
		if cfg.Station == "" {
			cfg.Station = p.Station
		}

		var (
			i   int
			err error
		)
		if ch.Derived() {
			loc, name, _ := strings.Cut(ch.From, ".")
			src, ok := t.Lookup(loc, name)
			if !ok {
				return nil, fmt.Errorf("channel %s: unknown source %q", cfg.Ident, ch.From)
			}
			i, err = t.AddDerived(src, cfg, ch.Factor)
		} else {
			i, err = t.Add(cfg)
		}
		if err != nil {
			return nil, err
		}
		if ch.Detector != "" {
			t.Queue(i).AttachDetector(&Threshold{Label: ch.Detector, Level: ch.Threshold})
		}
	}
	if p.Log {
		id := Ident{Network: p.Network, Station: p.Station, Channel: LogChannel}
		if err := t.SetLog(id, p.LogSize); err != nil {
			return nil, err
		}
	}
	return t, nil
}
