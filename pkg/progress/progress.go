// Package progress provides progress reporting for long-running data transfers.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Callback receives progress updates. percent is in [0,100].
type Callback func(op string, current, total int64, percent int, message string)

// Noop is a no-op callback for default behavior.
func Noop(op string, current, total int64, percent int, message string) {}

// Progress tracks bytes transferred against a known total and reports each
// time the integer percentage changes.
type Progress struct {
	Op    string
	Total int64

	mu          sync.Mutex
	current     int64
	lastPercent int
	cb          Callback
}

// New creates a new Progress tracker.
func New(op string, total int64, cb Callback) *Progress {
	if cb == nil {
		cb = Noop
	}
	return &Progress{Op: op, Total: total, cb: cb, lastPercent: -1}
}

// Add advances the progress by n bytes.
func (p *Progress) Add(n int64, message string) {
	p.mu.Lock()
	p.current += n
	current, percent := p.current, p.percentLocked()
	changed := percent != p.lastPercent
	p.lastPercent = percent
	p.mu.Unlock()

	if changed {
		p.cb(p.Op, current, p.Total, percent, message)
	}
}

// Done marks the transfer as complete.
func (p *Progress) Done(message string) {
	p.mu.Lock()
	p.current = p.Total
	p.lastPercent = 100
	p.mu.Unlock()
	p.cb(p.Op, p.Total, p.Total, 100, message)
}

// Current returns the number of bytes transferred so far.
func (p *Progress) Current() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Percent returns the current completion percentage.
func (p *Progress) Percent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.percentLocked()
}

func (p *Progress) percentLocked() int {
	if p.Total <= 0 {
		return 0
	}
	pct := int(p.current * 100 / p.Total)
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Reader wraps r so that every read advances the progress.
func (p *Progress) Reader(r io.Reader) io.Reader {
	return &reader{r: r, p: p}
}

type reader struct {
	r io.Reader
	p *Progress
}

func (r *reader) Read(b []byte) (int, error) {
	n, err := r.r.Read(b)
	if n > 0 {
		r.p.Add(int64(n), "")
	}
	return n, err
}

// Terminal renders a single-line progress bar, used by the CLI while it
// polls an operation.
type Terminal struct {
	writer      io.Writer
	op          string
	lastLineLen int
	enabled     bool
}

// NewTerminal creates a new terminal progress bar writing to stderr.
func NewTerminal(op string, enabled bool) *Terminal {
	return &Terminal{writer: os.Stderr, op: op, enabled: enabled}
}

// SetWriter redirects the bar's output.
func (t *Terminal) SetWriter(w io.Writer) {
	t.writer = w
}

// Update draws the bar at percent with an optional message.
func (t *Terminal) Update(percent int, message string) {
	if !t.enabled {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	barWidth := 30
	filled := barWidth * percent / 100
	bar := strings.Repeat("=", filled) + strings.Repeat(" ", barWidth-filled)

	clear := "\r"
	if t.lastLineLen > 0 {
		clear = "\r" + strings.Repeat(" ", t.lastLineLen) + "\r"
	}

	line := fmt.Sprintf("%s [%s] %3d%%", t.op, bar, percent)
	if message != "" {
		line += " " + message
	}

	fmt.Fprint(t.writer, clear+line)
	t.lastLineLen = len(line)
}

// Done completes the bar and prints a final newline.
func (t *Terminal) Done(message string) {
	if !t.enabled {
		return
	}
	t.Update(100, message)
	fmt.Fprintln(t.writer)
	t.lastLineLen = 0
}
