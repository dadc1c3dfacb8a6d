package router

import (
	"bytes"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/stesla/tether/internal/queue"
	"github.com/stesla/tether/internal/target"
	"github.com/stesla/tether/internal/telnet"
)

type stubTerm struct {
	cols, rows int
	restored   int
	raw        int
}

func (s *stubTerm) Raw() error     { s.raw++; return nil }
func (s *stubTerm) Restore() error { s.restored++; return nil }
func (s *stubTerm) Size() (int, int, error) {
	if s.cols == 0 {
		return 80, 24, nil
	}
	return s.cols, s.rows, nil
}

type stubManager struct {
	reconnect bool
	next      *target.Conn
	calls     int
}

func (s *stubManager) Reconnect() bool { return s.reconnect }
func (s *stubManager) Connect() (*target.Conn, error) {
	s.calls++
	if s.next == nil {
		return nil, errors.New("no connection available")
	}
	c := s.next
	s.next = nil
	return c, nil
}

// pair returns both ends of a non-blocking socketpair, closed at cleanup
// unless the test closes them first.
func pair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	for _, fd := range fds {
		require.NoError(t, unix.SetNonblock(fd, true))
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func fdFile(t *testing.T, fd int) *os.File {
	t.Helper()
	return os.NewFile(uintptr(fd), "test")
}

type fixture struct {
	router  *Router
	display bytes.Buffer
	egress  queue.Queue
	manager stubManager
	term    stubTerm

	consoleW int // write here to simulate keystrokes
	peer     int // the far side of the target
}

func newFixture(t *testing.T, engine func(*queue.Queue) *telnet.Engine) *fixture {
	t.Helper()
	f := &fixture{}

	consoleR, consoleW := pair(t)
	f.consoleW = consoleW

	local, peer := pair(t)
	f.peer = peer

	var eng *telnet.Engine
	if engine != nil {
		eng = engine(&f.egress)
	}
	f.router = New(Config{
		ConsoleIn: consoleR,
		Term:      &f.term,
		Display:   &f.display,
		Manager:   &f.manager,
		Conn:      target.NewConn(local, target.Socket),
		Engine:    eng,
		Egress:    &f.egress,
		Keymap:    &Keymap{},
		Logger:    zerolog.Nop(),
	})
	return f
}

// spin iterates until pred holds or the deadline passes.
func (f *fixture) spin(t *testing.T, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !pred() {
		require.False(t, time.Now().After(deadline), "condition never held")
		require.NoError(t, f.router.iterate(50))
	}
}

func TestConsoleKeystrokesReachTarget(t *testing.T) {
	f := newFixture(t, nil)
	_, err := unix.Write(f.consoleW, []byte{'h', 'i', cr})
	require.NoError(t, err)

	buf := make([]byte, 64)
	var got []byte
	f.spin(t, func() bool {
		if n, _ := unix.Read(f.peer, buf); n > 0 {
			got = append(got, buf[:n]...)
		}
		return bytes.Equal(got, []byte{'h', 'i', cr})
	})
}

func TestEnterKeyExpansion(t *testing.T) {
	f := newFixture(t, nil)
	f.router.keymap.EnterKey = EnterCRNUL
	_, err := unix.Write(f.consoleW, []byte{lf})
	require.NoError(t, err)

	buf := make([]byte, 64)
	var got []byte
	f.spin(t, func() bool {
		if n, _ := unix.Read(f.peer, buf); n > 0 {
			got = append(got, buf[:n]...)
		}
		return bytes.Equal(got, []byte{cr, nul})
	})
}

func TestEscapeKeyRunsHook(t *testing.T) {
	f := newFixture(t, nil)
	var fired bool
	f.router.OnEscape = func() error {
		fired = true
		return nil
	}
	_, err := unix.Write(f.consoleW, []byte{fs})
	require.NoError(t, err)
	f.spin(t, func() bool { return fired })
}

func TestTargetBytesReachDisplay(t *testing.T) {
	f := newFixture(t, nil)
	_, err := unix.Write(f.peer, []byte("hello"))
	require.NoError(t, err)
	f.spin(t, func() bool { return f.display.String() == "hello" })
}

func TestTelnetNegotiationAnswered(t *testing.T) {
	f := newFixture(t, func(q *queue.Queue) *telnet.Engine {
		return telnet.NewEngine(q, nil, telnet.Config{Binary: true, TermType: "vt100", AcceptEcho: true})
	})

	// an incoming command triggers the opening batch; none of it reaches
	// the display
	_, err := unix.Write(f.peer, []byte{telnet.IAC, telnet.NOP})
	require.NoError(t, err)

	buf := make([]byte, 64)
	var got []byte
	f.spin(t, func() bool {
		if n, _ := unix.Read(f.peer, buf); n > 0 {
			got = append(got, buf[:n]...)
		}
		return len(got) >= 18
	})
	require.Equal(t, []byte{
		telnet.IAC, telnet.DO, telnet.SuppressGoAhead,
		telnet.IAC, telnet.WILL, telnet.SuppressGoAhead,
		telnet.IAC, telnet.WILL, telnet.TerminalType,
		telnet.IAC, telnet.DO, telnet.Echo,
		telnet.IAC, telnet.DO, telnet.TransmitBinary,
		telnet.IAC, telnet.WILL, telnet.TransmitBinary,
	}, got)
	require.Empty(t, f.display.String())
}

func TestLostConnectionWithoutReconnect(t *testing.T) {
	f := newFixture(t, nil)
	unix.Close(f.peer)

	var err error
	f.spin(t, func() bool {
		err = f.router.iterate(50)
		return err != nil
	})
	require.ErrorContains(t, err, "connection lost")
	require.Equal(t, 1, f.term.restored)
}

func TestLostConnectionReconnects(t *testing.T) {
	f := newFixture(t, func(q *queue.Queue) *telnet.Engine {
		return telnet.NewEngine(q, nil, telnet.Config{Binary: true})
	})
	local2, peer2 := pair(t)
	f.manager.reconnect = true
	f.manager.next = target.NewConn(local2, target.Socket)

	f.egress.Put([]byte("stale"))
	unix.Close(f.peer)
	f.spin(t, func() bool { return f.manager.calls == 1 })

	// the egress queue was cleared and the new peer renegotiates
	require.Equal(t, 0, f.egress.Len())
	_, err := unix.Write(peer2, []byte{telnet.IAC, telnet.NOP})
	require.NoError(t, err)
	f.spin(t, func() bool { return f.egress.Len() > 0 })
	require.Equal(t, byte(telnet.IAC), f.egress.Peek()[0])
}

func TestLostConnectionDuringBridge(t *testing.T) {
	f := newFixture(t, nil)
	r := f.router
	local2, _ := pair(t)
	f.manager.reconnect = true
	f.manager.next = target.NewConn(local2, target.Socket)

	require.NoError(t, r.StartCommand("echo hello; sleep 5"))

	// let the child's first output arrive so its stdout and the dead target
	// are both ready in the same poll
	time.Sleep(50 * time.Millisecond)
	unix.Close(f.peer)

	f.spin(t, func() bool { return f.manager.calls == 1 })
	require.Nil(t, r.bridge, "teardown must end the bridged command")
	require.Equal(t, 0, f.egress.Len())
	require.NoError(t, r.iterate(50), "the rebuilt session keeps running")
}

func TestPollSetConditionalInterest(t *testing.T) {
	f := newFixture(t, nil)
	r := f.router

	fds, roles := r.pollSet()
	require.Equal(t, []pollRole{roleConsole, roleTarget}, roles)
	require.Equal(t, int16(unix.POLLIN), fds[1].Events, "no write interest while egress is empty")

	f.egress.Put([]byte("x"))
	fds, _ = r.pollSet()
	require.Equal(t, int16(unix.POLLIN|unix.POLLOUT), fds[1].Events)
}

func TestBridgeBackpressure(t *testing.T) {
	f := newFixture(t, nil)
	r := f.router

	inR, inW := pair(t)
	outR, outW := pair(t)
	_ = inR
	_ = outW
	br := &Bridge{
		stdin:  fdFile(t, inW),
		stdout: fdFile(t, outR),
	}
	r.bridge = br

	// under the mark: console is quiet, child stdout is read
	_, roles := r.pollSet()
	require.NotContains(t, roles, roleConsole)
	require.Contains(t, roles, roleChildOut)

	// at the mark: read interest is withdrawn
	br.fromChild.Put(bytes.Repeat([]byte{'z'}, highWater))
	_, roles = r.pollSet()
	require.NotContains(t, roles, roleChildOut)

	// target read interest is withdrawn when the to-child queue is full
	br.toChild.Put(bytes.Repeat([]byte{'z'}, highWater))
	fds, roles := r.pollSet()
	idx := -1
	for i, role := range roles {
		if role == roleTarget {
			idx = i
		}
	}
	require.GreaterOrEqual(t, idx, 0)
	require.Zero(t, fds[idx].Events&unix.POLLIN)
	require.Contains(t, roles, roleChildIn)

	// pumping drains from-child into egress, restoring read interest
	r.pumpBridge()
	require.Equal(t, highWater, f.egress.Len())
	require.Equal(t, 0, br.fromChild.Len())
	_, roles = r.pollSet()
	require.Contains(t, roles, roleChildOut)
}

func TestBridgeRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	r := f.router

	require.NoError(t, r.StartCommand("cat"))
	require.Error(t, r.StartCommand("cat"), "only one command at a time")

	// target bytes feed the child's stdin; the child's output goes back
	// to the target
	_, err := unix.Write(f.peer, []byte("marco\n"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	var got []byte
	f.spin(t, func() bool {
		if n, _ := unix.Read(f.peer, buf); n > 0 {
			got = append(got, buf[:n]...)
		}
		return bytes.Equal(got, []byte("marco\n"))
	})

	r.finishBridge()
	require.Nil(t, r.bridge)
}

func TestBridgeCRUsesEnterExpansion(t *testing.T) {
	f := newFixture(t, nil)
	r := f.router
	r.keymap.EnterKey = EnterCRLF

	br := &Bridge{stdin: nil, stdout: nil}
	br.fromChild.Put([]byte{'a', cr, 'b'})
	r.bridge = br
	r.pumpBridge()

	require.Equal(t, []byte{'a', cr, lf, 'b'}, f.egress.Peek())
}

func TestResizeDeliveredThroughPipe(t *testing.T) {
	f := newFixture(t, func(q *queue.Queue) *telnet.Engine {
		e := telnet.NewEngine(q, nil, telnet.Config{Binary: true})
		return e
	})
	f.term.cols, f.term.rows = 132, 43

	pr, pw := pair(t)
	f.router.resize = fdFile(t, pr)
	_, err := unix.Write(pw, []byte{0})
	require.NoError(t, err)

	// first resize only arms NAWS (the peer has not spoken yet), so
	// nothing goes on the wire
	f.router.handleResize()
	require.Equal(t, 0, f.egress.Len())
}
