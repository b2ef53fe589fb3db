package annotations

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
)

// OutputFormatter prints events one per line, colored when writing to a
// terminal.
type OutputFormatter struct {
	mu       sync.Mutex
	w        io.Writer
	colorful bool
}

// NewOutputFormatter writes to w, or stderr when w is nil. Color follows
// fatih/color's terminal detection and is only used for stdout and stderr.
func NewOutputFormatter(w io.Writer) *OutputFormatter {
	if w == nil {
		w = os.Stderr
	}
	return &OutputFormatter{w: w, colorful: !color.NoColor && (w == os.Stdout || w == os.Stderr)}
}

// Handle is a Handler. Events from concurrent components do not interleave.
func (f *OutputFormatter) Handle(event Event) {
	line := f.Format(event)
	if line == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	fmt.Fprintln(f.w, line)
}

// Format converts an event to a human-readable string.
func (f *OutputFormatter) Format(event Event) string {
	latency := f.formatLatency(event.Latency)
	d := event.Data

	switch event.Name {
	case IndexBuilt:
		return fmt.Sprintf("%s %s index %v built through %v, %s",
			latency, f.colorize("+", color.FgGreen), d["index"], d["through"], f.colorizeCount("bits", d["bits"]))

	case IndexRolledForward:
		return fmt.Sprintf("%s index %v rolled forward to %v over %s",
			latency, d["index"], d["through"], f.colorizeCount("atoms", d["atoms"]))

	case IndexRebuilt:
		return fmt.Sprintf("%s %s index %v rebuilt, %s",
			latency, f.colorize("!", color.FgYellow), d["index"], f.colorizeCount("bits", d["bits"]))

	case IndexVerified:
		if ok, _ := d["ok"].(bool); !ok {
			return fmt.Sprintf("%s %s verification mismatch for %v under %v: %v missing, %v extra",
				latency, f.colorize("✗", color.FgRed), d["filter"], d["strategy"], d["missing"], d["extra"])
		}
		return fmt.Sprintf("%s %s verified %v under %v (%s)",
			latency, f.colorize("✓", color.FgGreen), d["filter"], d["strategy"], f.colorizeCount("matches", d["matches"]))

	case IndexSaved:
		return fmt.Sprintf("%s saved index %v at %v", latency, d["index"], d["watermark"])

	case IndexLoadFailed:
		return fmt.Sprintf("%s %s index %v unreadable: %v",
			latency, f.colorize("✗", color.FgRed), d["index"], d["error"])

	case RCBRescan:
		return fmt.Sprintf("%s artifact %v rescanned: incarnation %v, %s",
			latency, d["artifact"], d["incarnation"], f.colorizeCount("local chains", d["locals"]))

	case RCBReincarnated:
		return fmt.Sprintf("%s %s artifact %v reincarnated onto chain %v",
			latency, f.colorize("===", color.FgYellow), d["artifact"], d["chain"])
	}
	return fmt.Sprintf("%s %s %v", latency, event.Name, d)
}

// latency thresholds for coloring: index work above slowEvent is worth a
// look, above stalledEvent it held up commits
const (
	slowEvent    = 20 * time.Millisecond
	stalledEvent = 250 * time.Millisecond
)

func (f *OutputFormatter) formatLatency(d time.Duration) string {
	var s string
	if d < time.Millisecond {
		s = fmt.Sprintf("[%dµs]", d.Microseconds())
	} else {
		s = fmt.Sprintf("[%.1fms]", float64(d.Microseconds())/1000)
	}
	switch {
	case d >= stalledEvent:
		return f.colorize(s, color.FgRed)
	case d >= slowEvent:
		return f.colorize(s, color.FgYellow)
	}
	return f.colorize(s, color.FgGreen)
}

func (f *OutputFormatter) colorizeCount(label string, count interface{}) string {
	return f.colorize(fmt.Sprintf("%v %s", count, label), color.FgCyan)
}

func (f *OutputFormatter) colorize(text string, attrs ...color.Attribute) string {
	if !f.colorful {
		return text
	}
	c := color.New(attrs...)
	c.EnableColor()
	return c.Sprint(text)
}

// ConsoleHandler prints events to stderr
func ConsoleHandler() Handler {
	return NewOutputFormatter(os.Stderr).Handle
}
