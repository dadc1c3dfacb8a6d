package router

import (
	"errors"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/stesla/tether/internal/queue"
)

// highWater is the queue occupancy at which a producer's read interest is
// withdrawn until the queue drains below it again.
const highWater = 4096

// Bridge pipes a locally-run command's stdio through the session, so its
// output reaches the target exactly as interactive keystrokes would and the
// target's replies feed its stdin. Each direction buffers through its own
// queue.
type Bridge struct {
	cmd    *exec.Cmd
	stdin  *os.File // parent's write end of the child's stdin
	stdout *os.File // parent's read end of the child's stdout

	toChild   queue.Queue // decoded target bytes awaiting the child
	fromChild queue.Queue // raw child output awaiting encode

	tx, rx uint64
	eof    bool
}

// StartCommand runs cmdline under the shell with stdin/stdout bridged to
// the target and stderr on the console. Console input is suspended until
// the command finishes.
func (r *Router) StartCommand(cmdline string) error {
	if r.bridge != nil {
		return errors.New("a command is already running")
	}
	cmdline = strings.TrimSpace(cmdline)
	if cmdline == "" {
		return errors.New("must provide a shell command")
	}

	inR, inW, err := os.Pipe()
	if err != nil {
		return err
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		inR.Close()
		inW.Close()
		return err
	}

	cmd := exec.Command("/bin/sh", "-c", cmdline)
	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		inR.Close()
		inW.Close()
		outR.Close()
		outW.Close()
		return err
	}

	// the child owns its ends now
	inR.Close()
	outW.Close()
	unix.SetNonblock(int(inW.Fd()), true)
	unix.SetNonblock(int(outR.Fd()), true)

	r.bridge = &Bridge{cmd: cmd, stdin: inW, stdout: outR}
	r.log.Info().Str("command", cmdline).Msg("command started")
	return nil
}

func (r *Router) handleChildOut() {
	br := r.bridge
	if _, err := br.fromChild.FillFrom(int(br.stdout.Fd())); err != nil {
		// EOF or a broken pipe; flush what is buffered, then finish
		br.eof = true
	}
}

func (r *Router) handleChildIn() {
	br := r.bridge
	if _, err := br.toChild.DrainTo(int(br.stdin.Fd())); err != nil {
		r.finishBridge()
	}
}

// pumpBridge moves buffered child output into the target egress queue,
// stopping at the egress high-water mark so a slow target cannot grow the
// queue without bound.
func (r *Router) pumpBridge() {
	br := r.bridge
	for br.fromChild.Len() > 0 && r.egress.Len() < highWater {
		b := br.fromChild.Peek()[0]
		br.fromChild.Drop(1)
		br.tx++
		if b == cr {
			r.egress.Put(r.keymap.EnterBytes())
			continue
		}
		r.sendByte(b)
	}
	if br.eof && br.fromChild.Len() == 0 {
		r.finishBridge()
	}
}

func (r *Router) finishBridge() {
	br := r.bridge
	r.bridge = nil
	br.stdin.Close()
	br.stdout.Close()
	if br.cmd.Process != nil {
		unix.Kill(-br.cmd.Process.Pid, unix.SIGINT)
	}
	go br.cmd.Wait() // reap off the loop; the pipes are already closed
	r.log.Info().
		Uint64("sent", br.tx).
		Uint64("received", br.rx).
		Msg("command finished")
}
