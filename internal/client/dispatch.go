package client

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/muurk/qlink/internal/lcq"
	"github.com/muurk/qlink/internal/logging"
	"github.com/muurk/qlink/internal/protocol"
)

// receive frames inbound bytes and handles every complete item.
func (c *Context) receive(p []byte) {
	c.w.mon.read(len(p))
	c.mu.Lock()
	c.stats.Bytes += uint64(len(p))
	c.mu.Unlock()

	c.w.framer.Feed(p)
	for c.w.conn != nil {
		item, ok, err := c.w.framer.Next()
		if err != nil {
			c.fail(NewFramingError("inbound stream", err))
			return
		}
		if !ok {
			return
		}
		switch item.Kind {
		case protocol.ItemEnvelope:
			c.handleEnvelope(item.Data)
		case protocol.ItemBlob:
			c.handleConfig(item.Data)
		case protocol.ItemPacket:
			c.handlePacket(item.Packet)
		}
	}
}

func (c *Context) handleEnvelope(data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		c.fail(NewFramingError("registration dialogue", err))
		return
	}
	logging.Debug("Envelope received", zap.String("kind", env.Kind()))

	switch {
	case env.Challenge != "":
		c.w.challenge = env.Challenge
		if !c.fire(EvChallenge) {
			c.fail(NewFramingError("unexpected challenge", nil))
		}
	case env.Error != "":
		regErr := NewRegistrationError(env.Error)
		logging.Warn("Registration rejected",
			zap.String("reason", env.Error),
			zap.String("class", regErr.Registration.String()),
		)
		c.w.lastErr = regErr
		c.w.mon.fault(ErrTypeRegistration)
		c.count(func(s *Stats) { s.Faults++ })
		if !c.fire(EvRegError) {
			c.fire(EvFault)
		}
	case env.CfgSize > 0:
		c.w.cfgSize = env.CfgSize
		if !c.fire(EvCfgSize) {
			c.fail(NewFramingError("unexpected configuration size", nil))
		}
	default:
		logging.Debug("Envelope ignored", zap.String("kind", env.Kind()))
	}
}

// handleConfig parses the configuration blob and builds the channel table.
func (c *Context) handleConfig(blob []byte) {
	plan, err := c.parser.Parse(blob)
	if err != nil {
		c.fail(NewConfigError("configuration rejected", err))
		return
	}
	table, err := plan.Build(c.emit)
	if err != nil {
		c.fail(NewConfigError("channel table", err))
		return
	}
	c.w.table = table

	known := make(map[string]bool)
	for _, ch := range plan.Channels {
		if ch.Detector != "" {
			known[ch.Detector] = true
		}
	}
	ceiling := table.MaxRate(c.w.reg.Priority)
	c.mu.Lock()
	c.known = known
	c.stats.Ceiling = ceiling
	c.mu.Unlock()

	logging.Info("Channel table built",
		zap.Int("channels", table.Len()),
		zap.Int("ceiling", ceiling),
		zap.Int("config_bytes", len(blob)),
	)
	c.fire(EvConfigured)
}

// buildQueues restores continuity into the channel table and applies the
// requested detector states.
func (c *Context) buildQueues() {
	t := c.w.table
	if t == nil {
		return
	}
	restored := 0
	if c.w.live != nil {
		restored += t.Restore(c.w.live.Channels)
	}
	if c.w.logs != nil {
		restored += t.Restore(c.w.logs.Channels)
	}
	c.applyRequests()
	logging.Info("Channel queues ready",
		zap.Int("channels", t.Len()),
		zap.Int("restored", restored),
	)
}

// deallocate flushes the channel table, persists continuity and drops the
// table.
func (c *Context) deallocate() {
	if c.w.table == nil {
		return
	}
	c.w.table.Flush()
	c.saveContinuity()
	c.w.table = nil
	c.updateStats()

	c.mu.Lock()
	c.known = make(map[string]bool)
	c.mu.Unlock()
}

func (c *Context) handlePacket(pkt *protocol.Packet) {
	c.w.mon.packet(pkt.Command)
	c.mu.Lock()
	c.stats.Packets++
	c.mu.Unlock()
	logging.LogPacket("recv", pkt.Command, pkt.Sequence, pkt.Payload)

	var err error
	switch pkt.Command {
	case protocol.CmdStatus:
		err = c.handleStatus(pkt.Payload)
	case protocol.CmdData:
		err = c.handleData(pkt.Payload)
	case protocol.CmdLowLatency:
		err = c.handleLowLatency(pkt.Payload)
	default:
		logging.Warn("Unknown packet command", zap.String("command", protocol.CommandName(pkt.Command)))
	}
	if err != nil {
		c.fail(NewFramingError(protocol.CommandName(pkt.Command)+" payload", err))
	}
}

func (c *Context) handleStatus(p []byte) error {
	st, err := protocol.ParseStatus(p)
	if err != nil {
		return err
	}
	c.w.lastStatus = c.now()

	c.mu.Lock()
	if st.StationMonitor != nil {
		c.sm = st.StationMonitor
	}
	if st.GPS != nil {
		c.gps = st.GPS
	}
	if st.PLL != nil {
		c.pll = st.PLL
	}
	if st.Logger != nil {
		c.logger = st.Logger
	}
	c.mu.Unlock()

	if sm := st.StationMonitor; sm != nil {
		if c.w.table != nil {
			c.w.table.SetClock(lcq.Clock{Locked: sm.ClockLocked, Quality: sm.ClockQuality})
		}
		if !sm.ClockLocked && !c.w.clockLost {
			c.w.clockLost = true
			c.message(fmt.Sprintf("clock unlocked, quality %d%%", sm.ClockQuality), nil)
		}
	}
	if g := st.GPS; g != nil && c.w.clockLost && g.State == protocol.GPSFixed {
		c.w.clockLost = false
		c.message(fmt.Sprintf("GPS fixed with %d satellites, %v since lock", g.SatsUsed, g.SinceLock), nil)
	}
	return nil
}

func (c *Context) handleData(p []byte) error {
	dp, err := protocol.ParseData(p)
	if err != nil {
		return err
	}
	if c.State() != StateRun || c.w.table == nil {
		logging.Debug("Data packet before RUN ignored", zap.Uint32("sequence", dp.Sequence))
		return nil
	}
	now := c.now()
	c.w.lastData = now
	c.w.lastGood = dp.Time
	c.w.dataSeq = dp.Sequence

	t := c.w.table
	t.SetClock(lcq.Clock{Locked: dp.Locked(), Quality: dp.ClockQuality})
	for i := range dp.Blockettes {
		b := &dp.Blockettes[i]
		idx, ok := t.ByKey(lcq.Key{Source: b.Source, SubField: b.SubField})
		if !ok {
			c.count(func(s *Stats) { s.Unknown++ })
			continue
		}
		q := t.Queue(idx)
		if q.Config().Priority > c.w.reg.Priority {
			continue
		}
		samples, err := b.Samples(q.Ceiling())
		if err != nil {
			c.codecError(q.Ident(), err)
			continue
		}
		if exp := q.Expected(); !exp.IsZero() && dp.Time.Before(exp.Add(-q.Period()/2)) {
			c.count(func(s *Stats) { s.Duplicates++ })
			continue
		}
		if c.cb.OneSecond != nil {
			c.cb.OneSecond(Samples{
				Ident:        q.Ident(),
				Time:         dp.Time,
				Rate:         q.Config().Rate,
				ClockQuality: dp.ClockQuality,
				Samples:      samples,
			})
		}
		if err := t.Feed(idx, dp.Time, samples); err != nil {
			c.codecError(q.Ident(), err)
		}
	}
	return nil
}

func (c *Context) handleLowLatency(p []byte) error {
	dp, err := protocol.ParseData(p)
	if err != nil {
		return err
	}
	if c.cb.LowLatency == nil {
		return nil
	}
	if c.State() != StateRun || c.w.table == nil {
		logging.Debug("Low latency packet before RUN ignored", zap.Uint32("sequence", dp.Sequence))
		return nil
	}
	t := c.w.table
	for i := range dp.Blockettes {
		b := &dp.Blockettes[i]
		idx, ok := t.ByKey(lcq.Key{Source: b.Source, SubField: b.SubField})
		if !ok {
			continue
		}
		q := t.Queue(idx)
		samples, err := b.Samples(q.Ceiling())
		if err != nil {
			c.codecError(q.Ident(), err)
			continue
		}
		c.cb.LowLatency(Samples{
			Ident:        q.Ident(),
			Time:         dp.Time,
			Rate:         q.Config().Rate,
			ClockQuality: dp.ClockQuality,
			Samples:      samples,
		})
	}
	return nil
}

// codecError reports a channel-local error. The connection is unaffected.
func (c *Context) codecError(id lcq.Ident, err error) {
	le := NewCodecError(id.String(), err)
	logging.Warn("Channel block abandoned", zap.String("channel", id.String()), zap.Error(err))
	c.message(fmt.Sprintf("%s: block abandoned", id), le)
}

func (c *Context) count(f func(*Stats)) {
	c.mu.Lock()
	f(&c.stats)
	c.mu.Unlock()
}

// emit routes sealed records to the callbacks.
func (c *Context) emit(rec lcq.Record) {
	c.w.mon.record(rec.Archival)
	if rec.Archival {
		c.count(func(s *Stats) { s.Archived++ })
		if c.cb.Archival != nil {
			c.cb.Archival(rec)
		}
		return
	}
	c.count(func(s *Stats) { s.Records++ })
	if c.cb.MiniSEED != nil {
		c.cb.MiniSEED(rec)
	}
}
