package store

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/wbrown/janus-revstore/revstore/annotations"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string in YAML
// ("250ms", "2s").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a string", value.Line)
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// VerifierConfig configures background index verification. Linear scans
// alternate Work and Rest; a zero Rest never pauses.
type VerifierConfig struct {
	Disabled    bool     `yaml:"disabled"`
	QuietPeriod Duration `yaml:"quiet_period"`
	Work        Duration `yaml:"work"`
	Rest        Duration `yaml:"rest"`
	QueueSize   int      `yaml:"queue_size"`
	Attempts    int      `yaml:"attempts"`
}

// Options configures a Database. Fields tagged "-" can only be set in code.
type Options struct {
	// RevisionCacheSize bounds the materialized revision cache
	RevisionCacheSize int `yaml:"revision_cache_size"`
	// LenientBase logs stale expected bases on open local chains instead
	// of failing the edit
	LenientBase bool `yaml:"lenient_base"`
	// RescanAttempts and RescanDelay drive the retry policy used when an
	// artifact's structure reads as inconsistent
	RescanAttempts int      `yaml:"rescan_attempts"`
	RescanDelay    Duration `yaml:"rescan_delay"`
	// CommitAttempts bounds Update retries on collisions
	CommitAttempts int `yaml:"commit_attempts"`

	IndexSaveDelay     Duration `yaml:"index_save_delay"`
	RebuildIndexes     bool     `yaml:"rebuild_indexes_on_open"`
	CompositeCacheSize int      `yaml:"composite_cache_size"`

	Verifier VerifierConfig `yaml:"verifier"`

	Logger      *slog.Logger           `yaml:"-"`
	Annotations *annotations.Collector `yaml:"-"`
	// Metrics receives the index collectors when set
	Metrics prometheus.Registerer `yaml:"-"`
}

// DefaultOptions returns the options Open uses for zero fields
func DefaultOptions() Options {
	return Options{
		RevisionCacheSize:  4096,
		RescanAttempts:     3,
		RescanDelay:        Duration(10 * time.Millisecond),
		CommitAttempts:     5,
		IndexSaveDelay:     Duration(2 * time.Second),
		CompositeCacheSize: 256,
		Verifier: VerifierConfig{
			QuietPeriod: Duration(time.Second),
			Work:        Duration(300 * time.Millisecond),
			Rest:        Duration(700 * time.Millisecond),
			QueueSize:   1000,
			Attempts:    3,
		},
	}
}

// LoadOptions reads YAML options from path on top of DefaultOptions.
// Unknown keys are rejected.
func LoadOptions(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("failed to read options: %w", err)
	}
	opts, err := ParseOptions(data)
	if err != nil {
		return Options{}, fmt.Errorf("%s: %w", path, err)
	}
	return opts, nil
}

// ParseOptions decodes YAML options on top of DefaultOptions
func ParseOptions(data []byte) (Options, error) {
	opts := DefaultOptions()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		return Options{}, fmt.Errorf("failed to parse options: %w", err)
	}
	return opts, nil
}

// withDefaults fills zero fields from DefaultOptions
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.RevisionCacheSize <= 0 {
		o.RevisionCacheSize = d.RevisionCacheSize
	}
	if o.RescanAttempts <= 0 {
		o.RescanAttempts = d.RescanAttempts
	}
	if o.RescanDelay < 0 {
		o.RescanDelay = 0
	}
	if o.CommitAttempts <= 0 {
		o.CommitAttempts = d.CommitAttempts
	}
	if o.IndexSaveDelay <= 0 {
		o.IndexSaveDelay = d.IndexSaveDelay
	}
	if o.CompositeCacheSize <= 0 {
		o.CompositeCacheSize = d.CompositeCacheSize
	}
	if o.Verifier.QuietPeriod <= 0 {
		o.Verifier.QuietPeriod = d.Verifier.QuietPeriod
	}
	if o.Verifier.Work <= 0 {
		o.Verifier.Work = d.Verifier.Work
	}
	if o.Verifier.QueueSize <= 0 {
		o.Verifier.QueueSize = d.Verifier.QueueSize
	}
	if o.Verifier.Attempts <= 0 {
		o.Verifier.Attempts = d.Verifier.Attempts
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
