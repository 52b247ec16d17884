package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/qlink/internal/continuity"
	"github.com/muurk/qlink/internal/lcq"
	"github.com/muurk/qlink/internal/logging"
	"github.com/muurk/qlink/internal/protocol"
)

const (
	// DefaultRegistrationTimeout bounds the time from connect to RUN
	DefaultRegistrationTimeout = 30 * time.Second

	// DefaultContinuityInterval is the default period between continuity saves
	DefaultContinuityInterval = time.Minute

	// DefaultMessageFlush is the default age at which a partial LOG record is sealed
	DefaultMessageFlush = 5 * time.Minute

	dialTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
	readTimeout  = 100 * time.Millisecond
	tickInterval = 100 * time.Millisecond
)

// Start modes
type StartMode int

const (
	StartResume StartMode = iota // resume from the last good data time
	StartFresh                   // start from the current time
)

// ConfigParser turns the configuration blob received during registration
// into a channel plan.
type ConfigParser interface {
	Parse(blob []byte) (*lcq.Plan, error)
}

// Samples is one decompressed data blockette.
type Samples struct {
	lcq.Ident
	Time         time.Time
	Rate         int
	ClockQuality uint8
	Samples      []int32
}

// Message is an event reported to the application.
type Message struct {
	Time time.Time
	Text string
	Err  error // set for errors
}

// Callbacks receive the output of a Context. They are called from the
// worker goroutine and must not call Destroy. Any of them may be nil.
type Callbacks struct {
	MiniSEED    func(lcq.Record)
	Archival    func(lcq.Record)
	OneSecond   func(Samples) // every data blockette
	LowLatency  func(Samples) // every low latency blockette
	StateChange func(from, to State)
	Message     func(Message)
}

// Options configure a Context.
type Options struct {
	// ContinuityInterval is the period between continuity saves while
	// running (default: DefaultContinuityInterval)
	ContinuityInterval time.Duration

	// MessageFlush is the age at which a partial LOG record is sealed
	// (default: DefaultMessageFlush)
	MessageFlush time.Duration

	// Dial opens the connection (default: net.Dialer.DialContext)
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
}

// RegisterOptions describe one instrument registration.
type RegisterOptions struct {
	Address  string // host:port of the data port
	Serial   uint64
	Password string
	Priority int
	MaxSPS   int // sample rate limit announced at registration, 0 for none
	POCToken string
	Ident    string

	Start    StartMode
	Backfill time.Duration // oldest resume point relative to now, 0 for no limit

	RegistrationTimeout time.Duration // default: DefaultRegistrationTimeout
	DataTimeout         time.Duration // 0 disables
	StatusTimeout       time.Duration // 0 disables
	MaxConnection       time.Duration // 0 disables

	StatusInterval time.Duration
	StatusInclude  []protocol.Group
	LowLatency     bool
}

// Validate checks the options.
func (o *RegisterOptions) Validate() error {
	if o.Address == "" {
		return errors.New("instrument address is required")
	}
	if _, _, err := net.SplitHostPort(o.Address); err != nil {
		return fmt.Errorf("invalid instrument address %q: %w", o.Address, err)
	}
	if o.Backfill < 0 || o.DataTimeout < 0 || o.StatusTimeout < 0 || o.MaxConnection < 0 {
		return errors.New("negative duration")
	}
	return nil
}

func (o *RegisterOptions) setDefaults() {
	if o.RegistrationTimeout == 0 {
		o.RegistrationTimeout = DefaultRegistrationTimeout
	}
}

// Stats are the operational counters of a Context.
type Stats struct {
	State         State
	Registrations uint64
	Faults        uint64
	Packets       uint64
	Bytes         uint64
	FramingErrors uint64
	Duplicates    uint64 // data blockettes already processed before a resume
	Unknown       uint64 // data blockettes without a channel
	Records       uint64
	Archived      uint64
	Messages      uint64
	Ceiling       int // highest sample rate at the registration priority
	Connected     time.Time
	LastData      time.Time
	Channels      lcq.Stats
}

// Context is the link to one instrument. Its worker goroutine owns the
// socket, the timers and the channel queues; the methods may be called from
// any goroutine.
type Context struct {
	opts   Options
	cb     Callbacks
	parser ConfigParser
	store  continuity.Store
	now    func() time.Time

	// mu guards the state shared with callers
	mu        sync.Mutex
	state     State
	target    State
	reg       *RegisterOptions
	sm        *protocol.StationMonitor
	gps       *protocol.GPS
	pll       *protocol.PLL
	logger    *protocol.Logger
	stats     Stats
	detectors map[string]bool // requested detector states
	known     map[string]bool // detector names of the current plan
	flush     bool

	// outMu serializes the outbound message queue
	outMu  sync.Mutex
	outbox [][]byte

	wake   chan struct{}
	done   chan struct{}
	dialed chan dialResult

	w worker
}

// New creates a Context and starts its worker. The context stays in IDLE
// until Register is called. store may be nil to run without continuity.
func New(opts Options, cb Callbacks, parser ConfigParser, store continuity.Store) (*Context, error) {
	if parser == nil {
		return nil, errors.New("a configuration parser is required")
	}
	if opts.ContinuityInterval == 0 {
		opts.ContinuityInterval = DefaultContinuityInterval
	}
	if opts.MessageFlush == 0 {
		opts.MessageFlush = DefaultMessageFlush
	}
	if opts.Dial == nil {
		d := &net.Dialer{}
		opts.Dial = d.DialContext
	}

	c := &Context{
		opts:      opts,
		cb:        cb,
		parser:    parser,
		store:     store,
		now:       time.Now,
		state:     StateIdle,
		target:    StateIdle,
		detectors: make(map[string]bool),
		known:     make(map[string]bool),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		dialed:    make(chan dialResult),
	}
	go c.run()
	return c, nil
}

func (c *Context) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Register starts registering with an instrument and sets the target state
// to RUN. A later call replaces the options for the next registration.
func (c *Context) Register(opts RegisterOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	opts.setDefaults()
	opts.StatusInclude = append([]protocol.Group(nil), opts.StatusInclude...)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateTerm || c.target == StateTerm {
		return errors.New("context destroyed")
	}
	c.reg = &opts
	c.target = StateRun
	c.signal()

	logging.Info("Registration requested",
		zap.String("address", opts.Address),
		zap.String("serial", protocol.FormatSerial(opts.Serial)),
		zap.Int("priority", opts.Priority),
	)
	return nil
}

// RequestState sets the state the link should move to: RUN, WAIT or IDLE.
// WAIT requested while the link is IDLE keeps it IDLE.
func (c *Context) RequestState(target State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateTerm || c.target == StateTerm {
		return errors.New("context destroyed")
	}
	switch target {
	case StateRun:
		if c.reg == nil {
			return errors.New("not registered")
		}
	case StateWait:
		if c.state == StateIdle {
			target = StateIdle
		}
	case StateIdle:
	default:
		return fmt.Errorf("cannot request state %s", target)
	}
	c.target = target
	c.signal()
	return nil
}

// Destroy deregisters, persists continuity and stops the worker. It blocks
// until the worker has exited.
func (c *Context) Destroy() {
	c.mu.Lock()
	c.target = StateTerm
	c.mu.Unlock()
	c.signal()
	<-c.done
}

// Done is closed when the worker has exited.
func (c *Context) Done() <-chan struct{} { return c.done }

// State returns the current link state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Target returns the requested link state.
func (c *Context) Target() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// StationMonitor returns the last station monitor status received.
func (c *Context) StationMonitor() (protocol.StationMonitor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sm == nil {
		return protocol.StationMonitor{}, false
	}
	return *c.sm, true
}

// GPS returns the last GPS status received.
func (c *Context) GPS() (protocol.GPS, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gps == nil {
		return protocol.GPS{}, false
	}
	return *c.gps, true
}

// PLL returns the last PLL status received.
func (c *Context) PLL() (protocol.PLL, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pll == nil {
		return protocol.PLL{}, false
	}
	return *c.pll, true
}

// Logger returns the last data logger status received.
func (c *Context) Logger() (protocol.Logger, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.logger == nil {
		return protocol.Logger{}, false
	}
	return *c.logger, true
}

// Stats returns the operational counters.
func (c *Context) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.State = c.state
	return s
}

// EnableDetector turns a detector on or off on every channel carrying it.
// The change applies to the current channel table and to those built by
// later registrations. It reports whether the current plan knows the
// detector.
func (c *Context) EnableDetector(name string, on bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detectors[name] = on
	c.signal()
	return c.known[name]
}

// Flush seals the records in progress of every channel.
func (c *Context) Flush() {
	c.mu.Lock()
	c.flush = true
	c.mu.Unlock()
	c.signal()
}

// RequestStatus asks the instrument for the given status groups, all of
// them when none are given. The link must be configured.
func (c *Context) RequestStatus(groups ...protocol.Group) error {
	c.mu.Lock()
	s, reg := c.state, c.reg
	c.mu.Unlock()
	if s != StateCfg && s != StateRunWait && s != StateRun {
		return fmt.Errorf("cannot request status in state %s", s)
	}
	if len(groups) == 0 {
		groups = allGroups
	}
	env := &protocol.Envelope{Status: &protocol.StatusRequest{
		Interval: int(reg.StatusInterval / time.Second),
		Include:  protocol.FormatInclude(groups),
	}}
	out, err := env.Marshal()
	if err != nil {
		return err
	}
	c.outMu.Lock()
	c.outbox = append(c.outbox, out)
	c.outMu.Unlock()
	c.signal()
	return nil
}

var allGroups = []protocol.Group{
	{Name: protocol.GroupStationMonitor},
	{Name: protocol.GroupGPS},
	{Name: protocol.GroupPLL},
	{Name: protocol.GroupLogger},
}
