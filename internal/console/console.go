// Package console controls the local terminal: raw/cooked mode switching,
// window geometry, and delivery of resize notifications into the poll loop.
package console

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Console wraps the process's controlling terminal on stdin/stdout.
type Console struct {
	in    int
	out   int
	saved *term.State
}

func New() *Console {
	return &Console{in: int(os.Stdin.Fd()), out: int(os.Stdout.Fd())}
}

// InFd returns the input descriptor for the poll loop.
func (c *Console) InFd() int { return c.in }

// Raw switches the terminal to raw mode. Calling it again is a no-op.
func (c *Console) Raw() error {
	if c.saved != nil {
		return nil
	}
	saved, err := term.MakeRaw(c.in)
	if err != nil {
		return err
	}
	c.saved = saved
	return nil
}

// Restore returns the terminal to the mode it was in before Raw.
func (c *Console) Restore() error {
	if c.saved == nil {
		return nil
	}
	saved := c.saved
	c.saved = nil
	return term.Restore(c.in, saved)
}

// Size returns the terminal geometry in columns and rows.
func (c *Console) Size() (cols, rows int, err error) {
	return term.GetSize(c.out)
}

// ResizePipe converts SIGWINCH into readiness on the returned pipe, so the
// poll loop can observe resizes without the core touching signal handlers.
// Each pending notification is one byte; the reader drains and re-measures.
func ResizePipe() (*os.File, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(int(r.Fd()), true); err != nil {
		r.Close()
		w.Close()
		return nil, err
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGWINCH)
	go func() {
		mark := []byte{0}
		for range ch {
			w.Write(mark)
		}
	}()
	return r, nil
}
