// Package display renders bytes delivered from the target on the local
// console: newline conversion, optional timestamps, hex output for
// unprintable data, transcoding of high characters, and a raw tee to a file.
// It consumes raw bytes through io.Writer; it never reaches into the queues
// or the protocol engine.
package display

import (
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/text/encoding/ianaindex"
)

const (
	lf = 10
	cr = 13
)

type Config struct {
	// Timestamp: 0 off, 1 time, 2 date and time, stamped at line starts.
	Timestamp int

	// Hex: 0 off, 1 unprintable bytes as [XX], 2 everything as [XX].
	Hex int

	// Encoding names the IANA charset used to render bytes above 0x7f.
	// Only consulted when Transcode is set; empty passes them verbatim.
	Encoding string

	// Transcode enables high-character handling at all. When unset, bytes
	// above 0x7f are dropped.
	Transcode bool

	// TeePath appends every received byte, unformatted, to a file.
	TeePath string
}

type Display struct {
	w         io.Writer
	tee       *os.File
	timestamp int
	hexMode   int
	transcode bool
	verbatim  bool
	table     [128][]byte
	clean     bool // cursor is at the start of a line
}

func New(w io.Writer, cfg Config) (*Display, error) {
	d := &Display{
		w:         w,
		timestamp: cfg.Timestamp,
		hexMode:   cfg.Hex,
		transcode: cfg.Transcode,
		verbatim:  cfg.Transcode && cfg.Encoding == "",
		clean:     true,
	}
	if cfg.Transcode && cfg.Encoding != "" {
		if err := d.buildTable(cfg.Encoding); err != nil {
			return nil, err
		}
	}
	if cfg.TeePath != "" {
		tee, err := os.OpenFile(cfg.TeePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open tee file: %w", err)
		}
		d.tee = tee
	}
	return d, nil
}

// buildTable precomputes the native rendering of every byte 0x80..0xff.
func (d *Display) buildTable(name string) error {
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil || enc == nil {
		return fmt.Errorf("unknown encoding %q", name)
	}
	dec := enc.NewDecoder()
	for n := 0x80; n <= 0xff; n++ {
		s, err := dec.Bytes([]byte{byte(n)})
		if err != nil || string(s) == "�" {
			continue // unmapped, renders as "?"
		}
		d.table[n&0x7f] = s
	}
	return nil
}

func (d *Display) Close() error {
	if d.tee == nil {
		return nil
	}
	return d.tee.Close()
}

// Write renders delivered target bytes. It always reports full consumption;
// console write failures are not actionable mid-stream.
func (d *Display) Write(p []byte) (int, error) {
	for _, b := range p {
		d.put(b)
	}
	return len(p), nil
}

func (d *Display) put(b byte) {
	if d.tee != nil {
		d.tee.Write([]byte{b})
	}
	if d.hexMode > 1 {
		d.hex(b)
		d.clean = false
		return
	}
	switch b {
	case lf:
		d.stampIfClean()
		d.w.Write([]byte{cr, lf})
		d.clean = true
	case cr:
		d.w.Write([]byte{cr})
	default:
		d.stampIfClean()
		d.clean = false
		switch {
		case d.hexMode > 0 && !printable(b):
			d.hex(b)
		case b > 0x7f:
			d.high(b)
		default:
			d.w.Write([]byte{b})
		}
	}
}

func (d *Display) high(b byte) {
	switch {
	case !d.transcode:
		// dropped
	case d.verbatim:
		d.w.Write([]byte{b})
	case d.table[b&0x7f] != nil:
		d.w.Write(d.table[b&0x7f])
	default:
		d.w.Write([]byte{'?'})
	}
}

func (d *Display) hex(b byte) {
	fmt.Fprintf(d.w, "[%02X]", b)
}

func (d *Display) stampIfClean() {
	if !d.clean || d.timestamp == 0 {
		return
	}
	now := time.Now()
	layout := "15:04:05"
	if d.timestamp > 1 {
		layout = "2006-01-02 15:04:05"
	}
	fmt.Fprintf(d.w, "[%s.%03d] ", now.Format(layout), now.Nanosecond()/1e6)
}

func printable(b byte) bool {
	return b >= 0x20 && b < 0x7f
}

// CycleTimestamp steps the timestamp mode off -> time -> date+time.
func (d *Display) CycleTimestamp() int {
	d.timestamp = (d.timestamp + 1) % 3
	return d.timestamp
}

// CycleHex steps the hex mode off -> unprintable -> all.
func (d *Display) CycleHex() int {
	d.hexMode = (d.hexMode + 1) % 3
	return d.hexMode
}

func (d *Display) Timestamp() int { return d.timestamp }
func (d *Display) Hex() int       { return d.hexMode }
