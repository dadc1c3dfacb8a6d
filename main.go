package main

import (
	"os"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/stesla/tether/internal/console"
	"github.com/stesla/tether/internal/display"
	"github.com/stesla/tether/internal/event"
	"github.com/stesla/tether/internal/queue"
	"github.com/stesla/tether/internal/router"
	"github.com/stesla/tether/internal/target"
	"github.com/stesla/tether/internal/telnet"
)

var (
	bsdel     = flag.BoolP("backspace-del", "b", false, "send DEL for the backspace key")
	pulseDTR  = flag.BoolP("dtr", "d", false, "pulse DTR after opening the serial port")
	enter     = flag.CountP("enter", "e", "cycle the enter key: CR, LF, CR+LF, CR+NUL")
	teePath   = flag.StringP("file", "f", "", "append raw received bytes to file")
	encoding  = flag.StringP("input-encoding", "i", "", "IANA charset for bytes above 0x7f (empty: pass verbatim)")
	native    = flag.BoolP("native", "n", false, "leave the serial port settings alone")
	reconnect = flag.BoolP("reconnect", "r", false, "retry failed connects and reconnect after a loss")
	stamps    = flag.CountP("timestamp", "s", "timestamp each line (twice: with date)")
	telnetOpt = flag.CountP("telnet", "t", "speak telnet (twice: ASCII mode, enter sends CR+NUL)")
	hexMode   = flag.CountP("hex", "x", "unprintable bytes as hex (twice: everything)")
	verbose   = flag.CountP("verbose", "v", "increase log verbosity")
)

func main() {
	flag.Parse()

	// the display owns stdout; logs go to stderr
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(logLevel())

	if flag.NArg() != 1 {
		logger.Fatal().Msg("usage: tether [flags] <device-path | host:port>")
	}
	name := flag.Arg(0)

	disp, err := display.New(os.Stdout, display.Config{
		Timestamp: *stamps,
		Hex:       *hexMode,
		Encoding:  *encoding,
		Transcode: flag.CommandLine.Changed("input-encoding"),
		TeePath:   *teePath,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("display setup failed")
	}
	defer disp.Close()

	manager, err := target.NewManager(target.Config{
		Name:      name,
		Reconnect: *reconnect,
		Native:    *native,
		PulseDTR:  *pulseDTR,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Send()
	}

	keymap := &router.Keymap{
		BackspaceDEL: *bsdel,
		EnterKey:     initialEnterKey(*enter, *telnetOpt),
	}
	var egress queue.Queue
	var engine *telnet.Engine
	if *telnetOpt > 0 {
		bus := event.NewBus()
		traceProtocol(bus, logger)
		engine = telnet.NewEngine(&egress, bus, telnet.Config{
			Binary:     *telnetOpt == 1,
			TermType:   os.Getenv("TERM"),
			AcceptEcho: true,
		})
	}

	cons := console.New()
	if engine != nil {
		if cols, rows, err := cons.Size(); err == nil {
			engine.Resize(cols, rows)
		}
	}

	conn, err := manager.Connect()
	if err != nil {
		logger.Fatal().Err(err).Msg("could not connect")
	}

	resize, err := console.ResizePipe()
	if err != nil {
		logger.Fatal().Err(err).Msg("resize pipe")
	}

	r := router.New(router.Config{
		ConsoleIn: cons.InFd(),
		Term:      cons,
		Display:   disp,
		Manager:   manager,
		Conn:      conn,
		Engine:    engine,
		Egress:    &egress,
		Resize:    resize,
		Keymap:    keymap,
		Logger:    logger,
	})
	r.OnEscape = func() error { return runMenu(cons, r, disp, keymap) }

	if err := cons.Raw(); err != nil {
		logger.Fatal().Err(err).Msg("could not enter raw mode")
	}
	err = r.Run()
	cons.Restore()
	if err != nil {
		logger.Fatal().Err(err).Send()
	}
}

// initialEnterKey maps the -e presses onto the enter expansion, clamped at
// CR+NUL. ASCII-mode telnet defaults to CR+NUL when -e was not given.
func initialEnterKey(presses, telnetMode int) int {
	key := min(presses, router.EnterCRNUL)
	if telnetMode > 1 && key == router.EnterCR {
		key = router.EnterCRNUL
	}
	return key
}

// logLevel starts from $TETHER_LOG (default warn) and steps one level more
// verbose per -v.
func logLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(getEnvDefault("TETHER_LOG", "warn"))
	if err != nil {
		level = zerolog.WarnLevel
	}
	for i := 0; i < *verbose && level > zerolog.TraceLevel; i++ {
		level--
	}
	return level
}

func getEnvDefault(name, defaultValue string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return defaultValue
}
