// Package telnet implements the client side of the telnet protocol as a
// pair of per-byte transducers: Encode escapes bytes bound for the peer and
// Decode strips protocol traffic from bytes arriving from it. The engine
// never touches a descriptor; everything it emits goes into the egress queue
// it was constructed with, and it never returns an error. Malformed traffic
// is absorbed by falling back to the ground state, which keeps the engine
// usable against non-conformant peers.
package telnet

import (
	"github.com/stesla/tether/internal/event"
	"github.com/stesla/tether/internal/queue"
)

type state int

const (
	stateGround state = iota
	stateIAC
	stateWill
	stateWont
	stateDo
	stateDont
	stateSB
	stateSBTermType
	stateSBExpect
	stateSE
)

// Config fixes the negotiation policy for the lifetime of the engine.
type Config struct {
	// Binary requests a binary connection (DO/WILL TRANSMIT-BINARY) and
	// disables the ASCII-mode CR NUL expansion.
	Binary bool

	// TermType is the terminal name offered in response to a TTYPE SEND.
	// Empty refuses the TERMINAL-TYPE option.
	TermType string

	// AcceptEcho controls the reply to an unsolicited WILL ECHO. Historical
	// builds disagreed on this; it is a policy knob rather than a constant.
	AcceptEcho bool
}

// Engine is the per-connection protocol state machine. It is owned by a
// single flow of control and needs no locking.
type Engine struct {
	out *queue.Queue
	bus event.Bus
	cfg Config

	state       state
	initialized bool
	crPending   bool
	willNAWS    bool
	serverNAWS  bool
	cols, rows  uint16
}

// NewEngine returns an engine writing protocol replies to out. The bus may
// be nil when nothing observes the engine.
func NewEngine(out *queue.Queue, bus event.Bus, cfg Config) *Engine {
	return &Engine{out: out, bus: bus, cfg: cfg}
}

// Reset returns the automaton to its initial state for a freshly connected
// peer. Negotiation must repeat, so the initialized flag and everything the
// previous peer agreed to are cleared. Policy and the last known window
// geometry survive.
func (e *Engine) Reset() {
	e.state = stateGround
	e.initialized = false
	e.crPending = false
	e.serverNAWS = false
}

// Encode processes one byte bound for the peer. It returns true when the
// caller should send the byte itself; when it returns false the expansion
// has already been queued.
func (e *Engine) Encode(b byte) bool {
	if b == IAC {
		e.send(IAC, IAC)
		return false
	}
	if !e.cfg.Binary && b == cr {
		e.send(cr, nul)
		return false
	}
	return true
}

// Decode processes one byte received from the peer. It returns true when
// the byte is application data the caller should deliver; protocol traffic
// is swallowed and answered through the egress queue.
func (e *Engine) Decode(b byte) bool {
	switch e.state {
	case stateGround:
		if b == IAC {
			e.state = stateIAC
			return false
		}
		if !e.cfg.Binary {
			if b == nul && e.crPending {
				e.crPending = false
				return false
			}
			e.crPending = b == cr
		}
		return true

	case stateIAC:
		switch b {
		case IAC: // escaped 0xff is data
			e.state = stateGround
			return true
		case SB:
			e.state = stateSB
		case WILL:
			e.state = stateWill
		case WONT:
			e.state = stateWont
		case DO:
			e.state = stateDo
		case DONT:
			e.state = stateDont
		default: // unrecognized commands are discarded
			e.state = stateGround
		}
		if !e.initialized {
			e.sendOpeningBatch()
		}

	case stateWill:
		e.state = stateGround
		e.publish(EventNegotiation, Negotiation{WILL, b})
		switch b {
		case SuppressGoAhead:
			// accepted silently
		case Echo:
			if !e.cfg.AcceptEcho {
				e.refuse(DONT, b)
			}
		case TransmitBinary:
			if !e.cfg.Binary {
				e.refuse(DONT, b)
			}
		default:
			e.refuse(DONT, b)
		}

	case stateDo:
		e.state = stateGround
		e.publish(EventNegotiation, Negotiation{DO, b})
		switch b {
		case SuppressGoAhead:
			// accepted silently
		case TransmitBinary:
			if !e.cfg.Binary {
				e.refuse(WONT, b)
			}
		case TerminalType:
			if e.cfg.TermType == "" {
				e.refuse(WONT, b)
			}
		case NAWS:
			if !e.willNAWS {
				e.refuse(WONT, b)
				break
			}
			e.serverNAWS = true
			e.sendNAWS()
		default:
			e.refuse(WONT, b)
		}

	case stateWont:
		e.state = stateGround
		e.publish(EventNegotiation, Negotiation{WONT, b})

	case stateDont:
		e.state = stateGround
		e.publish(EventNegotiation, Negotiation{DONT, b})

	case stateSB:
		switch {
		case b == IAC: // malformed, treat as the end marker
			e.state = stateSE
		case b == TerminalType && e.cfg.TermType != "":
			e.state = stateSBTermType
			e.publish(EventSubnegotiation, Subnegotiation{Opt: b})
		default:
			e.state = stateSBExpect
			e.publish(EventSubnegotiation, Subnegotiation{Opt: b})
		}

	case stateSBTermType:
		if b == IAC {
			e.state = stateSE
			break
		}
		if b == ttypeSend {
			reply := append([]byte{IAC, SB, TerminalType, ttypeIs}, e.cfg.TermType...)
			reply = append(reply, IAC, SE)
			e.send(reply...)
		}
		e.state = stateSBExpect

	case stateSBExpect:
		if b == IAC {
			e.state = stateSE
		}

	case stateSE:
		if b == SE {
			e.state = stateGround
		} else {
			// the IAC was embedded data, keep waiting for the terminator
			e.state = stateSBExpect
		}
	}
	return false
}

// Resize records the console geometry, clamped to what NAWS can carry, and
// announces it to the peer when it can. The first call enables window-size
// negotiation; the actual size goes out once the server has said DO NAWS.
func (e *Engine) Resize(cols, rows int) {
	e.cols = clamp(cols, 8, 65535)
	e.rows = clamp(rows, 2, 65535)
	if !e.willNAWS {
		e.willNAWS = true
		if e.initialized {
			e.send(IAC, WILL, NAWS)
		}
		return
	}
	if e.serverNAWS {
		e.sendNAWS()
	}
}

// sendOpeningBatch queues the mandatory initial option requests, exactly
// once per connection.
func (e *Engine) sendOpeningBatch() {
	e.send(IAC, DO, SuppressGoAhead)
	e.send(IAC, WILL, SuppressGoAhead)
	if e.cfg.TermType != "" {
		e.send(IAC, WILL, TerminalType)
	}
	e.send(IAC, DO, Echo)
	if e.cfg.Binary {
		e.send(IAC, DO, TransmitBinary)
		e.send(IAC, WILL, TransmitBinary)
	}
	if e.willNAWS {
		e.send(IAC, WILL, NAWS)
	}
	e.initialized = true
	e.publish(EventInitialized, nil)
}

func (e *Engine) sendNAWS() {
	p := []byte{IAC, SB, NAWS}
	for _, b := range []byte{byte(e.cols >> 8), byte(e.cols), byte(e.rows >> 8), byte(e.rows)} {
		if b == IAC {
			p = append(p, IAC, IAC)
		} else {
			p = append(p, b)
		}
	}
	p = append(p, IAC, SE)
	e.send(p...)
}

func (e *Engine) refuse(cmd, opt byte) {
	e.send(IAC, cmd, opt)
}

func (e *Engine) send(p ...byte) {
	e.out.Put(p)
	e.publish(EventSend, p)
}

func (e *Engine) publish(name event.Name, data any) {
	if e.bus != nil {
		e.bus.Publish(event.Event{Name: name, Data: data})
	}
}

func clamp(v, lo, hi int) uint16 {
	if v < lo {
		v = lo
	} else if v > hi {
		v = hi
	}
	return uint16(v)
}
