package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/stesla/tether/internal/console"
	"github.com/stesla/tether/internal/display"
	"github.com/stesla/tether/internal/router"
)

const escapeByte = 0x1c // CTRL-\

// runMenu suspends the session and reads commands in cooked mode until the
// operator resumes, quits, or starts a bridged command.
func runMenu(cons *console.Console, r *router.Router, disp *display.Display, keys *router.Keymap) error {
	if err := cons.Restore(); err != nil {
		return err
	}
	defer cons.Raw()
	fmt.Println()
	return menuLoop(bufio.NewReader(os.Stdin), os.Stdout, r, disp, keys)
}

func menuLoop(in *bufio.Reader, out io.Writer, r *router.Router, disp *display.Display, keys *router.Keymap) error {
	for {
		fmt.Fprint(out, "tether> ")
		line, err := in.ReadString('\n')
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			fmt.Fprintln(out, "resuming")
			return nil
		case line == "b":
			keys.BackspaceDEL = !keys.BackspaceDEL
			fmt.Fprintf(out, "backspace sends %s\n", keys.BackspaceName())
		case line == "e":
			keys.CycleEnter()
			fmt.Fprintf(out, "enter sends %s\n", keys.EnterName())
		case line == "p":
			r.Enqueue([]byte{escapeByte})
			fmt.Fprintln(out, "sent C-\\")
		case line == "q":
			r.Quit()
			return nil
		case line == "s":
			fmt.Fprintf(out, "timestamps %s\n", [...]string{"off", "on", "on with date"}[disp.CycleTimestamp()])
		case line == "x":
			fmt.Fprintf(out, "hex output %s\n", [...]string{"off", "unprintable", "all"}[disp.CycleHex()])
		case strings.HasPrefix(line, "!"):
			if err := r.StartCommand(line[1:]); err != nil {
				fmt.Fprintln(out, err)
				continue
			}
			return nil
		case line == "?":
			printHelp(out)
		default:
			fmt.Fprintf(out, "unknown command %q\n", line)
			printHelp(out)
		}
	}
}

func printHelp(out io.Writer) {
	fmt.Fprint(out, `commands:
  b        toggle backspace key between BS and DEL
  e        cycle enter key: CR, LF, CR+LF, CR+NUL
  p        send C-\ to the target
  q        quit
  s        cycle line timestamps
  x        cycle hex output
  ! cmd    run cmd with stdio bridged to the target
  ?        this help
an empty line resumes the session
`)
}
