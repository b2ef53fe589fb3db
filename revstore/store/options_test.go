package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseOptions(t *testing.T) {
	opts, err := ParseOptions([]byte(`
lenient_base: true
index_save_delay: 250ms
rebuild_indexes_on_open: true
verifier:
  quiet_period: 5s
  rest: 0s
`))
	require.NoError(t, err)
	assert.True(t, opts.LenientBase)
	assert.True(t, opts.RebuildIndexes)
	assert.Equal(t, Duration(250*time.Millisecond), opts.IndexSaveDelay)
	assert.Equal(t, Duration(5*time.Second), opts.Verifier.QuietPeriod)
	assert.Zero(t, opts.Verifier.Rest)

	// Untouched keys keep their defaults.
	d := DefaultOptions()
	assert.Equal(t, d.CommitAttempts, opts.CommitAttempts)
	assert.Equal(t, d.Verifier.Work, opts.Verifier.Work)
	assert.Equal(t, d.Verifier.QueueSize, opts.Verifier.QueueSize)
}

func TestParseOptionsEmpty(t *testing.T) {
	opts, err := ParseOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultOptions(), opts)
}

func TestParseOptionsErrors(t *testing.T) {
	for name, doc := range map[string]string{
		"unknown key":  "index_save_dealy: 1s\n",
		"bad duration": "rescan_delay: soon\n",
		"not a scalar": "rescan_delay: [1s]\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseOptions([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "revstore.yaml")
	opts := DefaultOptions()
	opts.CompositeCacheSize = 17
	opts.Verifier.Disabled = true
	data, err := yaml.Marshal(opts)
	require.NoError(t, err)
	require.Contains(t, string(data), "index_save_delay: 2s")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	loaded, err := LoadOptions(path)
	require.NoError(t, err)
	assert.Equal(t, opts, loaded)

	_, err = LoadOptions(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
