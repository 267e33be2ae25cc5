package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, EngineModeLocal, cfg.Engine.Mode)
	assert.Equal(t, 2*time.Minute, cfg.Credentials.ElevatedTTL)
	assert.Len(t, cfg.Ranking.Policies[PolicyDirectory].Partition, 4)
	assert.Len(t, cfg.Ranking.Policies[PolicyOffers].Keys, 3)
	assert.Empty(t, cfg.Ranking.Policies[PolicyOffers].Partition)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("engine:\n  mode: remote\n  base_url: http://engine:8090\naggregation:\n  max_concurrency: 2\n"))
	require.NoError(t, err)
	assert.Equal(t, EngineModeRemote, cfg.Engine.Mode)
	assert.Equal(t, 2, cfg.Aggregation.MaxConcurrency)
	assert.Equal(t, 3*time.Second, cfg.Timeouts.CredentialExchange)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"mode":      "engine:\n  mode: hybrid\n",
		"remote":    "engine:\n  mode: remote\n  base_url: \"\"\n",
		"secret":    "credentials:\n  elevated_secret: dev-session-secret\n",
		"timeout":   "timeouts:\n  engine_call: 0s\n",
		"sortkey":   "ranking:\n  policies:\n    offers:\n      keys:\n        - {key: price, direction: desc}\n",
		"direction": "ranking:\n  policies:\n    offers:\n      keys:\n        - {key: verified, direction: up}\n",
		"topic":     "notify:\n  brokers: [localhost:9092]\n  topic: \"\"\n",
	}
	for name, doc := range cases {
		_, err := FromYAML([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, "taskmarket.db", cfg.Engine.DSN)

	_, err = Load(dir)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("engine:\n  dsn: other.db\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "other.db", cfg.Engine.DSN)
}
