package client

import "fmt"

// State is a link state.
type State int

const (
	StateIdle    State = iota // not registered
	StateWait                 // waiting before the next registration attempt
	StateConn                 // connected, registration request due
	StateReq                  // registration request sent
	StateResp                 // challenge answered
	StateXML                  // receiving the configuration blob
	StateCfg                  // configured, channel table known
	StateRunWait              // channel queues built, run request due
	StateRun                  // data flowing
	StateDealloc              // tearing the connection down
	StateTerm                 // context destroyed
)

var stateNames = [...]string{
	StateIdle:    "IDLE",
	StateWait:    "WAIT",
	StateConn:    "CONN",
	StateReq:     "REQ",
	StateResp:    "RESP",
	StateXML:     "XML",
	StateCfg:     "CFG",
	StateRunWait: "RUNWAIT",
	StateRun:     "RUN",
	StateDealloc: "DEALLOC",
	StateTerm:    "TERM",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Connected reports whether a socket is open in s.
func (s State) Connected() bool {
	return s >= StateConn && s <= StateRun
}

// Event drives a transition.
type Event int

const (
	EvRegister    Event = iota // start a registration attempt
	EvDialFailed               // the asynchronous dial failed
	EvConnected                // the asynchronous dial succeeded
	EvWritable                 // the new socket accepts data
	EvChallenge                // challenge envelope received
	EvRegError                 // error envelope received during registration
	EvCfgSize                  // configuration size envelope received
	EvConfigured               // configuration blob received and parsed
	EvTarget                   // the target state differs from the current one
	EvFault                    // framing error, timeout or socket failure
	EvDeallocated              // teardown finished
	EvRetry                    // the wait period elapsed
)

var eventNames = [...]string{
	EvRegister:    "register",
	EvDialFailed:  "dial_failed",
	EvConnected:   "connected",
	EvWritable:    "writable",
	EvChallenge:   "challenge",
	EvRegError:    "registration_error",
	EvCfgSize:     "cfgsize",
	EvConfigured:  "configured",
	EvTarget:      "target",
	EvFault:       "fault",
	EvDeallocated: "deallocated",
	EvRetry:       "retry",
}

func (e Event) String() string {
	if e >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

// Action is a side effect the worker performs after a transition, in order.
type Action int

const (
	ActDial          Action = iota // start the asynchronous dial
	ActSendRegReq                  // send <regreq>
	ActSendRegResp                 // hash the challenge, send <regresp>
	ActAllocConfig                 // size the framer for the configuration blob
	ActRequestStatus               // send the initial <status> request
	ActBuildQueues                 // build channel queues, restore continuity
	ActSendRun                     // send <run>
	ActClose                       // close the socket
	ActDeallocate                  // flush queues, persist continuity, drop the table
	ActScheduleRetry               // arm the wait timer from the last error
)

var actionNames = [...]string{
	ActDial:          "dial",
	ActSendRegReq:    "send_regreq",
	ActSendRegResp:   "send_regresp",
	ActAllocConfig:   "alloc_config",
	ActRequestStatus: "request_status",
	ActBuildQueues:   "build_queues",
	ActSendRun:       "send_run",
	ActClose:         "close",
	ActDeallocate:    "deallocate",
	ActScheduleRetry: "schedule_retry",
}

func (a Action) String() string {
	if a >= 0 && int(a) < len(actionNames) {
		return actionNames[a]
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

var teardown = []Action{ActClose, ActDeallocate}

// next is the link state machine. Given the current state, the target
// state requested by the caller and an event it returns the next state and
// the actions to perform. ok is false when the event does not apply to the
// state, in which case nothing changes.
func next(s, target State, ev Event) (State, []Action, bool) {
	if s == StateTerm {
		return s, nil, false
	}

	if s.Connected() {
		switch ev {
		case EvFault:
			return StateDealloc, []Action{ActClose, ActDeallocate, ActScheduleRetry}, true
		case EvTarget:
			switch target {
			case StateIdle, StateWait, StateTerm:
				return StateDealloc, teardown, true
			}
		}
	}

	switch s {
	case StateIdle:
		switch ev {
		case EvRegister:
			if target == StateRun {
				return StateIdle, []Action{ActDial}, true
			}
		case EvDialFailed:
			return StateWait, []Action{ActScheduleRetry}, true
		case EvConnected:
			return StateConn, nil, true
		case EvTarget:
			if target == StateTerm {
				return target, nil, true
			}
		}

	case StateWait:
		switch ev {
		case EvRetry:
			return StateIdle, nil, true
		case EvTarget:
			if target == StateTerm || target == StateIdle {
				return target, nil, true
			}
		}

	case StateConn:
		if ev == EvWritable {
			return StateReq, []Action{ActSendRegReq}, true
		}

	case StateReq:
		if ev == EvChallenge {
			return StateResp, []Action{ActSendRegResp}, true
		}

	case StateResp:
		switch ev {
		case EvRegError:
			return StateDealloc, []Action{ActClose, ActDeallocate, ActScheduleRetry}, true
		case EvCfgSize:
			return StateXML, []Action{ActAllocConfig}, true
		}

	case StateXML:
		if ev == EvConfigured {
			return StateCfg, []Action{ActRequestStatus}, true
		}

	case StateCfg:
		if ev == EvTarget && target == StateRun {
			return StateRunWait, []Action{ActBuildQueues}, true
		}

	case StateRunWait:
		if ev == EvTarget && target == StateRun {
			return StateRun, []Action{ActSendRun}, true
		}

	case StateDealloc:
		if ev == EvDeallocated {
			switch target {
			case StateIdle, StateTerm:
				return target, nil, true
			}
			// faults and registration errors always wait
			return StateWait, nil, true
		}
	}
	return s, nil, false
}
