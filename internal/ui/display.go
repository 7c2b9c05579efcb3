// Package ui draws ingestion progress on an interactive terminal.
package ui

import (
	"io"
	"os"
	"strings"
	"sync"
)

// Display redraws one status line per finished feed. When out is not a
// terminal it only collects statistics.
type Display struct {
	mu       sync.Mutex
	out      io.Writer
	enabled  bool
	lastLine string
	bar      *ProgressBar
	stats    *Stats
}

func NewDisplay(out io.Writer, feeds int) *Display {
	return &Display{
		out:     out,
		enabled: IsTerminal(out),
		bar:     NewProgressBar(int64(feeds), "Fetching feeds"),
		stats:   NewStats(),
	}
}

// IsTerminal reports whether w is a character device.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return stat.Mode()&os.ModeCharDevice != 0
}

// FeedDone records one feed outcome and redraws the bar. Safe for use from
// concurrent fetch workers.
func (d *Display) FeedDone(documents int, err error) {
	d.stats.Record(documents, err)
	d.bar.Add(1)
	d.redraw(d.bar.String())
}

// Finish clears the status line and returns the cycle summary.
func (d *Display) Finish() string {
	d.bar.Finish()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enabled && d.lastLine != "" {
		d.clearLine()
		_, _ = io.WriteString(d.out, d.bar.String()+"\n")
		d.lastLine = ""
	}
	return d.stats.Summary()
}

func (d *Display) redraw(line string) {
	if !d.enabled {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clearLine()
	_, _ = io.WriteString(d.out, line+"\r")
	d.lastLine = line
}

func (d *Display) clearLine() {
	if d.lastLine != "" {
		_, _ = io.WriteString(d.out, "\r"+strings.Repeat(" ", len([]rune(d.lastLine)))+"\r")
	}
}
