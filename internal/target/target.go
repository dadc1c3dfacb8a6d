// Package target opens and re-opens the remote end of the bridge: a serial
// device or a TCP host, addressed by a single string. A name containing '/'
// is a device path; a name containing ':' is host:port; anything else is a
// configuration error surfaced before any connection attempt.
package target

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

type Kind int

const (
	Serial Kind = iota
	Socket
)

func (k Kind) String() string {
	if k == Serial {
		return "serial"
	}
	return "socket"
}

// Classify decides how a target name will be opened.
func Classify(name string) (Kind, error) {
	switch {
	case strings.ContainsRune(name, '/'):
		return Serial, nil
	case strings.ContainsRune(name, ':'):
		return Socket, nil
	default:
		return 0, fmt.Errorf("target %q must be a device path or host:port", name)
	}
}

type Config struct {
	Name string

	// Reconnect retries failed opens and re-opens a lost connection.
	Reconnect bool

	// Native leaves the serial port settings alone instead of forcing
	// 115200 8-N-1.
	Native bool

	// PulseDTR toggles DTR on the serial port after opening, with a short
	// settle delay.
	PulseDTR bool

	Logger zerolog.Logger
}

// Conn is an open target with a non-blocking descriptor.
type Conn struct {
	fd   int
	kind Kind
	file *os.File // keeps a dup'd socket descriptor alive
}

// NewConn wraps an already-open non-blocking descriptor.
func NewConn(fd int, kind Kind) *Conn {
	return &Conn{fd: fd, kind: kind}
}

func (c *Conn) Fd() int    { return c.fd }
func (c *Conn) Kind() Kind { return c.kind }

func (c *Conn) Close() error {
	if c.file != nil {
		return c.file.Close()
	}
	return unix.Close(c.fd)
}

const (
	retryInterval  = time.Second
	connectTimeout = 10 * time.Second
	dtrSettle      = 50 * time.Millisecond
)

// Manager owns the connect/retry policy for one target.
type Manager struct {
	cfg       Config
	kind      Kind
	log       zerolog.Logger
	reconnect bool
}

func NewManager(cfg Config) (*Manager, error) {
	kind, err := Classify(cfg.Name)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:       cfg,
		kind:      kind,
		log:       cfg.Logger.With().Str("target", cfg.Name).Logger(),
		reconnect: cfg.Reconnect,
	}, nil
}

// Reconnect reports whether a lost connection should be re-opened. Certain
// connect failures disable the policy for the rest of the run.
func (m *Manager) Reconnect() bool { return m.reconnect }

// Connect opens the target, retrying at a fixed interval while the
// reconnect policy allows. The descriptor is non-blocking on return.
func (m *Manager) Connect() (*Conn, error) {
	first := true
	for {
		conn, retryable, err := m.open()
		if err == nil {
			m.log.Info().Msg("connected")
			return conn, nil
		}
		if !retryable {
			m.reconnect = false
		}
		if first {
			m.log.Warn().Err(err).Msg("connect failed")
		} else {
			m.log.Debug().Err(err).Msg("connect failed")
		}
		if !m.reconnect {
			return nil, err
		}
		if first {
			m.log.Info().Msg("retrying")
			first = false
		}
		time.Sleep(retryInterval)
	}
}

func (m *Manager) open() (*Conn, bool, error) {
	if m.kind == Serial {
		return m.openSerial()
	}
	return m.openSocket()
}

func (m *Manager) openSerial() (*Conn, bool, error) {
	fd, err := unix.Open(m.cfg.Name, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, true, fmt.Errorf("open %s: %w", m.cfg.Name, err)
	}
	if err := m.configureSerial(fd); err != nil {
		unix.Close(fd)
		return nil, false, err
	}
	return &Conn{fd: fd, kind: Serial}, true, nil
}

func (m *Manager) configureSerial(fd int) error {
	tio, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("read settings of %s: %w", m.cfg.Name, err)
	}

	// raw line discipline
	tio.Oflag = 0
	tio.Lflag = 0
	tio.Cc[unix.VMIN] = 1
	tio.Cc[unix.VTIME] = 0

	if !m.cfg.Native {
		tio.Cflag = unix.CS8 | unix.CLOCAL | unix.CREAD | unix.B115200
		tio.Iflag = unix.IGNPAR
		tio.Ispeed = unix.B115200
		tio.Ospeed = unix.B115200
	}

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, tio); err != nil {
		return fmt.Errorf("configure %s: %w", m.cfg.Name, err)
	}

	if m.cfg.PulseDTR {
		// errors here are not actionable; not every device has a DTR line
		unix.IoctlSetPointerInt(fd, unix.TIOCMBIC, unix.TIOCM_DTR)
		unix.IoctlSetPointerInt(fd, unix.TIOCMBIS, unix.TIOCM_DTR)
		time.Sleep(dtrSettle)
		unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIOFLUSH)
	}
	return nil
}

func (m *Manager) openSocket() (*Conn, bool, error) {
	tcp, err := net.DialTimeout("tcp", m.cfg.Name, connectTimeout)
	if err != nil {
		return nil, retryableDialError(err), fmt.Errorf("connect %s: %w", m.cfg.Name, err)
	}
	file, err := tcp.(*net.TCPConn).File()
	tcp.Close()
	if err != nil {
		return nil, false, fmt.Errorf("connect %s: %w", m.cfg.Name, err)
	}
	fd := int(file.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		file.Close()
		return nil, false, fmt.Errorf("connect %s: %w", m.cfg.Name, err)
	}
	return &Conn{fd: fd, kind: Socket, file: file}, true, nil
}

// retryableDialError reports whether a connect failure is worth retrying.
// Refusals and timeouts are; resolution failures and the like are not.
func retryableDialError(err error) bool {
	if errors.Is(err, unix.ECONNREFUSED) || errors.Is(err, unix.ETIMEDOUT) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
