// Package router drives the bridge: a single-goroutine readiness loop that
// moves bytes between the console, the target, and an optional subprocess,
// without ever blocking on a slow endpoint. All buffering goes through byte
// queues; a descriptor is only polled for input while the queue it feeds is
// below its high-water mark.
package router

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/stesla/tether/internal/queue"
	"github.com/stesla/tether/internal/target"
	"github.com/stesla/tether/internal/telnet"
)

const (
	nul = 0
	bs  = 8
	lf  = 10
	cr  = 13
	fs  = 28 // CTRL-\, the menu escape key
	del = 127
)

// Term is the slice of console control the router needs.
type Term interface {
	Raw() error
	Restore() error
	Size() (cols, rows int, err error)
}

// ConnectRetrier re-opens the target after a lost connection.
// *target.Manager implements it.
type ConnectRetrier interface {
	Reconnect() bool
	Connect() (*target.Conn, error)
}

type Config struct {
	ConsoleIn int
	Term      Term
	Display   io.Writer
	Manager   ConnectRetrier
	Conn      *target.Conn
	Engine    *telnet.Engine // nil when telnet is disabled
	Egress    *queue.Queue
	Resize    *os.File // read end of the resize pipe, may be nil
	Keymap    *Keymap
	Logger    zerolog.Logger
}

type Router struct {
	consoleIn int
	term      Term
	display   io.Writer
	manager   ConnectRetrier
	conn      *target.Conn
	engine    *telnet.Engine
	egress    *queue.Queue
	resize    *os.File
	keymap    *Keymap
	log       zerolog.Logger

	// OnEscape runs when the operator presses the escape key. It may call
	// back into the router (Enqueue, StartCommand, Quit).
	OnEscape func() error

	bridge  *Bridge
	scratch []byte
	quit    bool
}

func New(cfg Config) *Router {
	return &Router{
		consoleIn: cfg.ConsoleIn,
		term:      cfg.Term,
		display:   cfg.Display,
		manager:   cfg.Manager,
		conn:      cfg.Conn,
		engine:    cfg.Engine,
		egress:    cfg.Egress,
		resize:    cfg.Resize,
		keymap:    cfg.Keymap,
		log:       cfg.Logger,
		scratch:   make([]byte, 0, readChunk),
	}
}

const readChunk = 1024

// Run loops until the operator quits or an unrecoverable error occurs.
func (r *Router) Run() error {
	for !r.quit {
		if err := r.iterate(-1); err != nil {
			return err
		}
	}
	return nil
}

// Quit makes Run return after the current iteration.
func (r *Router) Quit() { r.quit = true }

// Enqueue puts raw bytes on the target egress queue, bypassing key
// translation and telnet encoding.
func (r *Router) Enqueue(p []byte) { r.egress.Put(p) }

type pollRole int

const (
	roleConsole pollRole = iota
	roleTarget
	roleResize
	roleChildOut
	roleChildIn
)

// pollSet builds this iteration's readiness interest. Registration is
// conditional: write interest only while a queue holds data, read interest
// only while the destination queue is under its high-water mark, and the
// console is quiet while a bridged command owns the session.
func (r *Router) pollSet() ([]unix.PollFd, []pollRole) {
	fds := make([]unix.PollFd, 0, 5)
	roles := make([]pollRole, 0, 5)
	add := func(fd int, events int16, role pollRole) {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: events})
		roles = append(roles, role)
	}

	if r.bridge == nil {
		add(r.consoleIn, unix.POLLIN, roleConsole)
	}

	var events int16
	if r.wantTargetIn() {
		events |= unix.POLLIN
	}
	if r.egress.Len() > 0 {
		events |= unix.POLLOUT
	}
	if events != 0 {
		add(r.conn.Fd(), events, roleTarget)
	}

	if r.resize != nil {
		add(int(r.resize.Fd()), unix.POLLIN, roleResize)
	}

	if br := r.bridge; br != nil {
		if !br.eof && br.fromChild.Len() < highWater {
			add(int(br.stdout.Fd()), unix.POLLIN, roleChildOut)
		}
		if br.toChild.Len() > 0 {
			add(int(br.stdin.Fd()), unix.POLLOUT, roleChildIn)
		}
	}
	return fds, roles
}

func (r *Router) wantTargetIn() bool {
	return r.bridge == nil || r.bridge.toChild.Len() < highWater
}

// iterate performs one poll and one bounded batch of I/O per ready
// descriptor. timeout is in milliseconds, -1 to block.
func (r *Router) iterate(timeout int) error {
	fds, roles := r.pollSet()
	n, err := unix.Poll(fds, timeout)
	if err == unix.EINTR {
		return nil
	}
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}
	if n > 0 {
		conn := r.conn
		for i := range fds {
			if fds[i].Revents == 0 {
				continue
			}
			var err error
			switch roles[i] {
			case roleConsole:
				err = r.handleConsole()
			case roleTarget:
				err = r.handleTarget(fds[i].Revents)
			case roleResize:
				r.handleResize()
			case roleChildOut:
				r.handleChildOut()
			case roleChildIn:
				r.handleChildIn()
			}
			if err != nil {
				return err
			}
			// a reconnect tore the session down mid-iteration; the rest of
			// this poll set refers to descriptors that no longer exist
			if r.quit || r.conn != conn {
				return nil
			}
		}
	}
	if r.bridge != nil {
		r.pumpBridge()
	}
	return nil
}

func (r *Router) handleConsole() error {
	var buf [readChunk]byte
	n, err := unix.Read(r.consoleIn, buf[:])
	switch {
	case n > 0:
		for _, b := range buf[:n] {
			if err := r.key(b); err != nil {
				return err
			}
			if r.quit || r.bridge != nil {
				return nil
			}
		}
		return nil
	case err == unix.EAGAIN || err == unix.EINTR:
		return nil
	case err != nil:
		return fmt.Errorf("console: %w", err)
	default:
		return errors.New("console closed")
	}
}

func (r *Router) key(b byte) error {
	switch b {
	case fs:
		if r.OnEscape != nil {
			return r.OnEscape()
		}
	case bs, del:
		c := byte(bs)
		if r.keymap.BackspaceDEL {
			c = del
		}
		r.egress.Put([]byte{c})
	case cr, lf: // enter; the raw console delivers CR
		r.egress.Put(r.keymap.EnterBytes())
	default:
		r.sendByte(b)
	}
	return nil
}

// sendByte queues one application byte for the target, through the telnet
// transmit path when the protocol is active.
func (r *Router) sendByte(b byte) {
	if r.engine == nil || r.engine.Encode(b) {
		r.egress.Put([]byte{b})
	}
}

func (r *Router) handleTarget(revents int16) error {
	if revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
		if err := r.readTarget(); err != nil {
			return err
		}
	}
	if revents&unix.POLLOUT != 0 {
		if _, err := r.egress.DrainTo(r.conn.Fd()); err != nil {
			return r.lost(err)
		}
	}
	return nil
}

func (r *Router) readTarget() error {
	var buf [readChunk]byte
	n, err := unix.Read(r.conn.Fd(), buf[:])
	switch {
	case n > 0:
		r.deliver(buf[:n])
		return nil
	case err == unix.EAGAIN || err == unix.EINTR:
		return nil
	case err != nil:
		return r.lost(err)
	default:
		return r.lost(io.EOF)
	}
}

// deliver runs received bytes through the telnet receive path and routes
// what survives to the display, or to the bridged command while one runs.
func (r *Router) deliver(p []byte) {
	out := r.scratch[:0]
	for _, b := range p {
		if r.engine != nil && !r.engine.Decode(b) {
			continue
		}
		out = append(out, b)
	}
	if len(out) == 0 {
		return
	}
	if br := r.bridge; br != nil {
		br.toChild.Put(out)
		br.rx += uint64(len(out))
		return
	}
	r.display.Write(out)
}

// lost tears the session down after a target read or write failure and
// re-enters the connect cycle when the policy allows.
func (r *Router) lost(err error) error {
	r.term.Restore()
	r.log.Warn().Err(err).Msg("lost connection")
	r.conn.Close()
	if r.bridge != nil {
		r.finishBridge()
	}
	if !r.manager.Reconnect() {
		return fmt.Errorf("connection lost: %w", err)
	}
	conn, cerr := r.manager.Connect()
	if cerr != nil {
		return cerr
	}
	r.conn = conn

	// no application bytes survive a reconnect, and negotiation must
	// repeat with the new peer
	r.egress.Drop(-1)
	if r.engine != nil {
		r.engine.Reset()
	}
	return r.term.Raw()
}

func (r *Router) handleResize() {
	var buf [16]byte
	unix.Read(int(r.resize.Fd()), buf[:])
	if r.engine == nil {
		return
	}
	if cols, rows, err := r.term.Size(); err == nil {
		r.engine.Resize(cols, rows)
	}
}
