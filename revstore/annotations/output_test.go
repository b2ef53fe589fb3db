package annotations

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecorderKeepsEvents(t *testing.T) {
	rec := NewRecorder()
	rec.AddTiming(IndexBuilt, time.Now(), map[string]interface{}{"index": "k", "bits": 3})
	rec.AddTiming(IndexBuilt, time.Now(), nil)
	rec.Add(Event{Name: RCBRescan})

	assert.Equal(t, 2, rec.Count(IndexBuilt))
	assert.Equal(t, 1, rec.Count(RCBRescan))
	rec.Reset()
	assert.Empty(t, rec.Events())

	var nilCollector *Collector
	nilCollector.Add(Event{Name: IndexSaved})
	assert.Empty(t, nilCollector.Events())
}

func TestOutputFormatter(t *testing.T) {
	var buf bytes.Buffer
	f := NewOutputFormatter(&buf)
	c := NewCollector(f.Handle)

	c.Add(Event{Name: IndexVerified, Latency: 2 * time.Millisecond, Data: map[string]interface{}{
		"filter": "(and a b)", "strategy": "local", "ok": false, "missing": 1, "extra": 0,
	}})
	c.Add(Event{Name: RCBReincarnated, Latency: 10 * time.Microsecond, Data: map[string]interface{}{
		"artifact": 7, "chain": 12,
	}})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], "[2.0ms]")
	assert.Contains(t, lines[0], "mismatch for (and a b) under local: 1 missing, 0 extra")
	assert.Contains(t, lines[1], "[10µs]")
	assert.Contains(t, lines[1], "artifact 7 reincarnated onto chain 12")
}
