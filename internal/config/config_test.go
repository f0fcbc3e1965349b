package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.False(t, cfg.Auth.Enabled)
	assert.Equal(t, 0, cfg.Jobs.MaxConcurrent)
	assert.Equal(t, 0, cfg.Jobs.TimeoutSeconds)
	assert.Equal(t, 60, cfg.Jobs.RetentionMinutes)
	assert.Equal(t, 60, cfg.Jobs.SweepSeconds)
	assert.Equal(t, "schema-crawler", cfg.Crawler.Command)
	assert.Equal(t, 500, cfg.Crawler.MaxPagesDefault)
	assert.Equal(t, 0.5, cfg.Crawler.RateLimitDefault)
	assert.Equal(t, 20, cfg.Crawler.TimeoutDefault)
	assert.Equal(t, "gpt-4o", cfg.Crawler.ModelDefault)
	assert.Equal(t, "local", cfg.Storage.Provider)
	assert.False(t, cfg.PubSub.Enabled)

	assert.Equal(t, time.Duration(0), cfg.JobTimeout())
	assert.Equal(t, time.Hour, cfg.Retention())
	assert.Equal(t, time.Minute, cfg.SweepInterval())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9090
jobs:
  max_concurrent: 4
  timeout_seconds: 300
  retention_minutes: 15
crawler:
  command: /usr/local/bin/schema-crawler
  model_default: gpt-4o-mini
storage:
  provider: gcs
  gcs_bucket: schema-artifacts
pubsub:
  enabled: true
  project_id: demo
  topic_id: job-events
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Jobs.MaxConcurrent)
	assert.Equal(t, 5*time.Minute, cfg.JobTimeout())
	assert.Equal(t, 15*time.Minute, cfg.Retention())
	assert.Equal(t, "/usr/local/bin/schema-crawler", cfg.Crawler.Command)
	assert.Equal(t, "gpt-4o-mini", cfg.Crawler.ModelDefault)
	assert.Equal(t, "gcs", cfg.Storage.Provider)
	assert.Equal(t, "schema-artifacts", cfg.Storage.GCSBucket)
	assert.True(t, cfg.PubSub.Enabled)

	// Defaults still fill what the file omits.
	assert.Equal(t, 500, cfg.Crawler.MaxPagesDefault)
	assert.Equal(t, 60, cfg.Jobs.SweepSeconds)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Server:  ServerConfig{Port: 8080},
			Jobs:    JobsConfig{RetentionMinutes: 60, SweepSeconds: 60},
			Crawler: CrawlerConfig{Command: "schema-crawler"},
			Storage: StorageConfig{Provider: "memory"},
		}
	}
	require.NoError(t, base().Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"auth without key", func(c *Config) { c.Auth.Enabled = true }},
		{"negative concurrency", func(c *Config) { c.Jobs.MaxConcurrent = -1 }},
		{"zero retention", func(c *Config) { c.Jobs.RetentionMinutes = 0 }},
		{"zero sweep", func(c *Config) { c.Jobs.SweepSeconds = 0 }},
		{"missing command", func(c *Config) { c.Crawler.Command = "" }},
		{"unknown provider", func(c *Config) { c.Storage.Provider = "s3" }},
		{"local without dir", func(c *Config) { c.Storage.Provider = "local"; c.Storage.BaseDir = "" }},
		{"gcs without bucket", func(c *Config) { c.Storage.Provider = "gcs" }},
		{"pubsub without topic", func(c *Config) { c.PubSub.Enabled = true; c.PubSub.ProjectID = "demo" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
