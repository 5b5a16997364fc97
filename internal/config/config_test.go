package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(`
sink:
  type: solr
  url: http://localhost:8983/solr
  index: docs
`))
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.Batch.Size)
	assert.Equal(t, time.Second, cfg.Batch.FlushDelay())
	assert.Equal(t, "_nonce", cfg.Batch.NonceField)
	assert.Equal(t, 30*time.Second, cfg.Sink.Timeout())
	assert.Equal(t, 1, cfg.Retry.Attempts)
	assert.Equal(t, 1500, cfg.Retry.DelayMS)
	assert.Equal(t, StatusLog, cfg.Status.Type)
	assert.Equal(t, "docingest.dlq", cfg.DLQ.Topic)
	assert.False(t, cfg.DLQ.Enabled())
	assert.GreaterOrEqual(t, cfg.Feeder.Workers, 1)
}

func TestParse_Validation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing sink type",
			yaml:    "sink:\n  url: x\n",
			wantErr: "sink",
		},
		{
			name:    "unknown sink type",
			yaml:    "sink:\n  type: mongo\n  url: x\n",
			wantErr: "sink",
		},
		{
			name:    "remote sink requires index",
			yaml:    "sink:\n  type: opensearch\n  url: http://localhost:9200\n",
			wantErr: "index",
		},
		{
			name: "bleve needs no index",
			yaml: "sink:\n  type: bleve\n  url: ./idx\n",
		},
		{
			name:    "negative batch size",
			yaml:    "batch:\n  size: -1\nsink:\n  type: csv\n  url: out\n",
			wantErr: "batch",
		},
		{
			name:    "pebble status requires path",
			yaml:    "sink:\n  type: csv\n  url: out\nstatus:\n  type: pebble\n",
			wantErr: "status",
		},
		{
			name:    "redis status requires address",
			yaml:    "sink:\n  type: csv\n  url: out\nstatus:\n  type: redis\n",
			wantErr: "status",
		},
		{
			name:    "bad log format",
			yaml:    "sink:\n  type: csv\n  url: out\nlogging:\n  format: xml\n",
			wantErr: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_ResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
batch:
  size: 4
  flush_delay_ms: 250
sink:
  type: bleve
  url: data/index
status:
  type: pebble
  path: data/status
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "data/index"), cfg.Sink.URL)
	assert.Equal(t, filepath.Join(dir, "data/status"), cfg.Status.Path)
	assert.Equal(t, 4, cfg.Batch.Size)
	assert.Equal(t, 250*time.Millisecond, cfg.Batch.FlushDelay())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestSinkConfig_DecodeOptions(t *testing.T) {
	type opts struct {
		CommitWithinMS int           `mapstructure:"commit_within_ms"`
		Rate           float64       `mapstructure:"fallback_rate"`
		Pause          time.Duration `mapstructure:"pause"`
	}

	sc := SinkConfig{Type: SinkSolr, Options: map[string]interface{}{
		"commit_within_ms": "500",
		"fallback_rate":    2,
		"pause":            "150ms",
	}}
	var o opts
	require.NoError(t, sc.DecodeOptions(&o))
	assert.Equal(t, 500, o.CommitWithinMS)
	assert.Equal(t, 2.0, o.Rate)
	assert.Equal(t, 150*time.Millisecond, o.Pause)

	sc.Options["bogus"] = true
	assert.Error(t, sc.DecodeOptions(&o))

	var empty opts
	require.NoError(t, SinkConfig{}.DecodeOptions(&empty))
}
