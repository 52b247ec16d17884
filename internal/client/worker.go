package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/qlink/internal/continuity"
	"github.com/muurk/qlink/internal/lcq"
	"github.com/muurk/qlink/internal/logging"
	"github.com/muurk/qlink/internal/protocol"
)

type dialResult struct {
	conn net.Conn
	err  error
}

// worker is the state owned by the worker goroutine.
type worker struct {
	conn    net.Conn
	dialing bool
	cancel  context.CancelFunc
	framer  protocol.Framer

	reg       RegisterOptions // options of the current attempt
	challenge string
	cfgSize   int
	table     *lcq.Table

	lastErr error
	faults  int // consecutive faults since the last RUN
	retryAt time.Time
	fresh   bool // next registration starts fresh

	connected    time.Time
	runAt        time.Time
	lastData     time.Time
	lastStatus   time.Time
	lastSave     time.Time
	lastMsgFlush time.Time

	lastGood time.Time
	dataSeq  uint32

	loaded bool
	media  bool // the continuity store failed this session
	live   *continuity.Snapshot
	logs   *continuity.Snapshot

	clockLost bool
	ticks     int
	mon       monitor
}

func (c *Context) run() {
	defer close(c.done)
	defer func() {
		if c.w.cancel != nil {
			c.w.cancel()
		}
	}()

	buf := make([]byte, 4096)
	lastTick := c.now()
	for {
		c.advance()
		if c.State() == StateTerm {
			return
		}
		c.drainOutbox()

		if conn := c.w.conn; conn != nil {
			conn.SetReadDeadline(time.Now().Add(readTimeout))
			n, err := conn.Read(buf)
			if n > 0 {
				c.receive(buf[:n])
			}
			if err != nil && !os.IsTimeout(err) && c.w.conn == conn {
				c.fail(NewNetworkError("read failed", err))
			}
		} else {
			timer := time.NewTimer(tickInterval)
			select {
			case r := <-c.dialed:
				c.dialDone(r)
			case <-c.wake:
			case <-timer.C:
			}
			timer.Stop()
		}

		if now := c.now(); now.Sub(lastTick) >= tickInterval {
			lastTick = now
			c.tick(now)
		}
	}
}

// advance fires the events that move the link toward its target state.
func (c *Context) advance() {
	for i := 0; i < 8 && c.step(); i++ {
	}
}

func (c *Context) step() bool {
	c.mu.Lock()
	s, target, reg := c.state, c.target, c.reg
	c.mu.Unlock()

	switch {
	case s == StateTerm:
		return false
	case s.Connected() && (target == StateIdle || target == StateWait || target == StateTerm):
		return c.fire(EvTarget)
	case (s == StateCfg || s == StateRunWait) && target == StateRun:
		return c.fire(EvTarget)
	case s == StateIdle && target == StateTerm:
		return c.fire(EvTarget)
	case s == StateWait && (target == StateTerm || target == StateIdle):
		return c.fire(EvTarget)
	case s == StateIdle && target == StateRun && reg != nil && !c.w.dialing:
		if reg.Serial != c.w.reg.Serial {
			c.w.loaded, c.w.live, c.w.logs = false, nil, nil
			c.w.lastGood, c.w.dataSeq = time.Time{}, 0
		}
		c.w.reg = *reg
		c.w.mon.serial = protocol.FormatSerial(reg.Serial)
		return c.fire(EvRegister)
	case s == StateWait && target == StateRun && !c.now().Before(c.w.retryAt):
		return c.fire(EvRetry)
	}
	return false
}

// fire runs the actions of one transition, then enters the new state. A
// failing action faults the connection. It reports whether the event
// applied.
func (c *Context) fire(ev Event) bool {
	c.mu.Lock()
	from, target := c.state, c.target
	c.mu.Unlock()

	to, actions, ok := next(from, target, ev)
	if !ok {
		logging.Debug("Event ignored",
			zap.String("state", from.String()),
			zap.String("event", ev.String()),
		)
		return false
	}
	var failed error
	for _, a := range actions {
		if err := c.perform(a); err != nil {
			failed = err
			break
		}
	}
	c.setState(from, to)
	if to == StateDealloc {
		c.fire(EvDeallocated)
	}
	if failed != nil {
		c.fail(failed)
	}
	return true
}

func (c *Context) setState(from, to State) {
	if from == to {
		return
	}
	c.mu.Lock()
	c.state = to
	c.mu.Unlock()

	logging.LogStateChange(protocol.FormatSerial(c.w.reg.Serial), from.String(), to.String())
	c.w.mon.state(to)

	switch to {
	case StateRun:
		c.w.faults = 0
		c.w.mon.registered()
		c.mu.Lock()
		c.stats.Registrations++
		c.mu.Unlock()
		c.message(fmt.Sprintf("registered with %s", c.w.reg.Address), nil)
	case StateWait:
		c.message(fmt.Sprintf("waiting %v before the next registration", c.w.retryAt.Sub(c.now()).Round(time.Second)), c.w.lastErr)
	}
	if c.cb.StateChange != nil {
		c.cb.StateChange(from, to)
	}
}

// fail records err and faults the connection, or the dial in progress.
func (c *Context) fail(err error) {
	c.w.lastErr = err
	var le *LinkError
	if errors.As(err, &le) {
		c.w.mon.fault(le.Type)
		if le.Type == ErrTypeFraming {
			c.w.mon.framingError()
		}
	}
	c.mu.Lock()
	c.stats.Faults++
	if IsFramingError(err) {
		c.stats.FramingErrors++
	}
	c.mu.Unlock()

	logging.Warn("Link fault", zap.Error(err))
	c.fire(EvFault)
}

func (c *Context) perform(a Action) error {
	switch a {
	case ActDial:
		return c.dial()
	case ActSendRegReq:
		return c.send(&protocol.Envelope{RegReq: &protocol.RegRequest{Serial: protocol.FormatSerial(c.w.reg.Serial)}})
	case ActSendRegResp:
		return c.sendRegResponse()
	case ActAllocConfig:
		if err := c.w.framer.ExpectBlob(c.w.cfgSize); err != nil {
			return NewFramingError("configuration size", err)
		}
		return nil
	case ActRequestStatus:
		c.w.lastStatus = c.now()
		return c.send(&protocol.Envelope{Status: &protocol.StatusRequest{
			Interval: int(c.w.reg.StatusInterval / time.Second),
			Include:  protocol.FormatInclude(c.includes()),
		}})
	case ActBuildQueues:
		c.buildQueues()
		return nil
	case ActSendRun:
		now := c.now()
		c.w.runAt, c.w.lastData, c.w.lastSave, c.w.lastMsgFlush = now, now, now, now
		run := &protocol.RunRequest{}
		if c.w.reg.LowLatency {
			run.LowLatency = 1
		}
		return c.send(&protocol.Envelope{Run: run})
	case ActClose:
		c.closeConn()
		return nil
	case ActDeallocate:
		c.deallocate()
		return nil
	case ActScheduleRetry:
		c.scheduleRetry()
		return nil
	}
	return fmt.Errorf("unknown action %s", a)
}

func (c *Context) includes() []protocol.Group {
	if len(c.w.reg.StatusInclude) == 0 {
		return allGroups
	}
	return c.w.reg.StatusInclude
}

func (c *Context) dial() error {
	if !c.w.loaded {
		c.loadContinuity()
		c.w.loaded = true
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	c.w.cancel = cancel
	c.w.dialing = true
	addr := c.w.reg.Address

	logging.LogConnection(addr, "dialing")
	go func() {
		conn, err := c.opts.Dial(ctx, "tcp", addr)
		select {
		case c.dialed <- dialResult{conn: conn, err: err}:
		case <-c.done:
			if conn != nil {
				conn.Close()
			}
		}
	}()
	return nil
}

func (c *Context) dialDone(r dialResult) {
	c.w.dialing = false
	if c.w.cancel != nil {
		c.w.cancel()
		c.w.cancel = nil
	}
	if r.err != nil {
		c.w.lastErr = NewNetworkError("dial "+c.w.reg.Address, r.err)
		logging.Warn("Dial failed", zap.Error(c.w.lastErr))
		c.fire(EvDialFailed)
		return
	}
	if c.State() != StateIdle {
		r.conn.Close()
		return
	}

	logging.LogConnection(r.conn.RemoteAddr().String(), "connected")
	c.w.conn = r.conn
	c.w.framer.Reset()
	c.w.connected = c.now()
	c.mu.Lock()
	c.stats.Connected = c.w.connected
	c.mu.Unlock()

	c.fire(EvConnected)
	c.fire(EvWritable)
}

func (c *Context) closeConn() {
	if c.w.conn == nil {
		return
	}
	logging.LogConnection(c.w.conn.RemoteAddr().String(), "closed")
	c.w.conn.Close()
	c.w.conn = nil
	c.w.framer.Reset()

	c.outMu.Lock()
	c.outbox = nil
	c.outMu.Unlock()
}

func (c *Context) scheduleRetry() {
	err := c.w.lastErr
	delay := retryDelay(err, c.w.faults)
	var le *LinkError
	if errors.As(err, &le) && le.Type == ErrTypeRegistration && le.Registration == protocol.RegBadStart {
		c.w.fresh = true
	}
	c.w.faults++
	c.w.retryAt = c.now().Add(delay)
	logging.Info("Registration retry scheduled",
		zap.Duration("delay", delay),
		zap.Int("faults", c.w.faults),
		zap.Error(err),
	)
}

func (c *Context) send(env *protocol.Envelope) error {
	out, err := env.Marshal()
	if err != nil {
		return NewFramingError("outbound envelope", err)
	}
	return c.write(out)
}

func (c *Context) write(p []byte) error {
	if c.w.conn == nil {
		return NewNetworkError("write", net.ErrClosed)
	}
	c.w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.w.conn.Write(p); err != nil {
		return NewNetworkError("write failed", err)
	}
	logging.LogRawBytes("sent", p)
	return nil
}

func (c *Context) drainOutbox() {
	c.outMu.Lock()
	out := c.outbox
	c.outbox = nil
	c.outMu.Unlock()
	for _, p := range out {
		if err := c.write(p); err != nil {
			c.fail(err)
			return
		}
	}
}

func (c *Context) sendRegResponse() error {
	nonce, err := protocol.NewNonce()
	if err != nil {
		return err
	}
	reg := &c.w.reg
	resp := &protocol.RegResponse{
		Serial:    protocol.FormatSerial(reg.Serial),
		Priority:  reg.Priority,
		Challenge: c.w.challenge,
		Random:    nonce,
		Hash:      protocol.RegistrationHash(reg.Serial, c.w.challenge, reg.Password, nonce),
		MaxSPS:    reg.MaxSPS,
		POCToken:  reg.POCToken,
		Ident:     reg.Ident,
	}

	now := c.now()
	at, resume := time.Time{}, false
	if reg.Start == StartResume && !c.w.fresh {
		at, resume = resumeTime(c.w.lastGood, now, reg.Backfill)
	}
	c.w.fresh = false
	if resume {
		v := protocol.ToEpoch(at)
		resp.Resume = &v
	} else {
		v := protocol.ToEpoch(now)
		resp.Start = &v
	}
	logging.Info("Answering registration challenge",
		zap.Bool("resume", resume),
		zap.Time("from", protocol.FromEpoch(protocol.ToEpoch(now))),
	)
	return c.send(&protocol.Envelope{RegResp: resp})
}

// resumeTime validates a saved last-good time. Times before the instrument
// epoch or more than a day ahead of now are rejected; older times are
// clamped to now minus backfill.
func resumeTime(saved, now time.Time, backfill time.Duration) (time.Time, bool) {
	if saved.IsZero() || saved.Before(protocol.Epoch) || saved.After(now.Add(24*time.Hour)) {
		return time.Time{}, false
	}
	if backfill > 0 && saved.Before(now.Add(-backfill)) {
		saved = now.Add(-backfill)
	}
	return saved, true
}

// tick runs every tickInterval, with one and ten second cadences.
func (c *Context) tick(now time.Time) {
	c.w.ticks++
	c.applyRequests()

	if c.w.ticks%10 == 0 {
		c.checkTimeouts(now)
		c.flushMessages(now)
		c.updateStats()
	}
	if c.w.ticks%100 == 0 && c.w.table != nil && c.State() == StateRun {
		if now.Sub(c.w.lastSave) >= c.opts.ContinuityInterval {
			c.saveContinuity()
			c.w.lastSave = now
		}
	}
}

func (c *Context) applyRequests() {
	c.mu.Lock()
	flush := c.flush
	c.flush = false
	detectors := make(map[string]bool, len(c.detectors))
	for k, v := range c.detectors {
		detectors[k] = v
	}
	c.mu.Unlock()

	if c.w.table == nil {
		return
	}
	for name, on := range detectors {
		c.w.table.EnableDetector(name, on)
	}
	if flush {
		c.w.table.Flush()
	}
}

func (c *Context) checkTimeouts(now time.Time) {
	s := c.State()
	if !s.Connected() {
		return
	}
	reg := &c.w.reg
	var err error
	switch {
	case s != StateRun && now.Sub(c.w.connected) > reg.RegistrationTimeout:
		err = NewTimeoutError(TimeoutRegistration, reg.RegistrationTimeout)
	case s == StateRun && reg.DataTimeout > 0 && now.Sub(c.w.lastData) > reg.DataTimeout:
		err = NewTimeoutError(TimeoutData, reg.DataTimeout)
	case s == StateRun && reg.StatusTimeout > 0 && now.Sub(c.w.lastStatus) > reg.StatusTimeout:
		err = NewTimeoutError(TimeoutStatus, reg.StatusTimeout)
	case s == StateRun && reg.MaxConnection > 0 && now.Sub(c.w.runAt) > reg.MaxConnection:
		err = NewTimeoutError(TimeoutConnection, reg.MaxConnection)
	}
	if err != nil {
		c.fail(err)
	}
}

func (c *Context) flushMessages(now time.Time) {
	if c.w.table == nil || c.w.table.Log() == nil {
		return
	}
	if now.Sub(c.w.lastMsgFlush) < c.opts.MessageFlush {
		return
	}
	c.w.lastMsgFlush = now
	if c.w.table.Log().Pending() {
		c.w.table.Log().Flush()
	}
}

func (c *Context) updateStats() {
	var ch lcq.Stats
	if c.w.table != nil {
		ch = c.w.table.Stats()
	}
	c.mu.Lock()
	c.stats.Channels = ch
	c.stats.LastData = c.w.lastData
	c.mu.Unlock()
}

// message reports an event to the application and the LOG channel.
func (c *Context) message(text string, err error) {
	now := c.now()
	line := text
	if err != nil {
		line = text + ": " + err.Error()
	}
	if c.w.table != nil {
		c.w.table.Message(now, line)
	}
	c.mu.Lock()
	c.stats.Messages++
	c.mu.Unlock()
	if c.cb.Message != nil {
		c.cb.Message(Message{Time: now, Text: text, Err: err})
	}
}
