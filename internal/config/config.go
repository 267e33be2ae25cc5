package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "taskmarket.yml"

const (
	EngineModeLocal  = "local"
	EngineModeRemote = "remote"
)

// Config models taskmarket.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Credentials struct {
		SessionSecret    string        `yaml:"session_secret"`
		ElevatedSecret   string        `yaml:"elevated_secret"`
		ElevatedTTL      time.Duration `yaml:"elevated_ttl"`
		Issuer           string        `yaml:"issuer"`
		RedisAddr        string        `yaml:"redis_addr"`
		RevocationPrefix string        `yaml:"revocation_prefix"`
	} `yaml:"credentials"`
	Engine struct {
		Mode    string `yaml:"mode"`
		DSN     string `yaml:"dsn"`
		BaseURL string `yaml:"base_url"`
		APIKey  string `yaml:"api_key"`
		Addr    string `yaml:"addr"`
	} `yaml:"engine"`
	Timeouts struct {
		CredentialExchange time.Duration `yaml:"credential_exchange"`
		EngineCall         time.Duration `yaml:"engine_call"`
		ReviewLookup       time.Duration `yaml:"review_lookup"`
	} `yaml:"timeouts"`
	Aggregation struct {
		MaxConcurrency int `yaml:"max_concurrency"`
	} `yaml:"aggregation"`
	Ranking struct {
		Policies map[string]RankingPolicy `yaml:"policies"`
	} `yaml:"ranking"`
	Notify struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"notify"`
}

// RankingPolicy is an optional partition step followed by ordered sort keys.
type RankingPolicy struct {
	Partition []RankingBucket `yaml:"partition"`
	Keys      []SortKey       `yaml:"keys"`
}

type RankingBucket struct {
	Name  string `yaml:"name"`
	Match struct {
		Verified   *bool `yaml:"verified"`
		HasReviews *bool `yaml:"has_reviews"`
	} `yaml:"match"`
	Keys []SortKey `yaml:"keys"`
}

type SortKey struct {
	Key       string `yaml:"key"`
	Direction string `yaml:"direction"`
}

const (
	PolicyDirectory = "directory"
	PolicyOffers    = "offers"
)

var sortKeys = map[string]bool{"verified": true, "review_count": true, "average_rating": true, "created_at": true}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Engine.Mode {
	case EngineModeLocal:
		if c.Engine.DSN == "" {
			return fmt.Errorf("config.engine.dsn is required in local mode")
		}
	case EngineModeRemote:
		if c.Engine.BaseURL == "" {
			return fmt.Errorf("config.engine.base_url is required in remote mode")
		}
	default:
		return fmt.Errorf("config.engine.mode must be 'local' or 'remote'")
	}
	if c.Credentials.SessionSecret == "" {
		return fmt.Errorf("config.credentials.session_secret is required")
	}
	if c.Credentials.ElevatedSecret == "" {
		return fmt.Errorf("config.credentials.elevated_secret is required")
	}
	if c.Credentials.ElevatedSecret == c.Credentials.SessionSecret {
		return fmt.Errorf("config.credentials.elevated_secret must differ from session_secret")
	}
	if c.Credentials.ElevatedTTL <= 0 {
		return fmt.Errorf("config.credentials.elevated_ttl must be positive")
	}
	for name, d := range map[string]time.Duration{
		"credential_exchange": c.Timeouts.CredentialExchange,
		"engine_call":         c.Timeouts.EngineCall,
		"review_lookup":       c.Timeouts.ReviewLookup,
	} {
		if d <= 0 {
			return fmt.Errorf("config.timeouts.%s must be positive", name)
		}
	}
	if c.Aggregation.MaxConcurrency <= 0 {
		return fmt.Errorf("config.aggregation.max_concurrency must be positive")
	}
	for _, name := range []string{PolicyDirectory, PolicyOffers} {
		if _, ok := c.Ranking.Policies[name]; !ok {
			return fmt.Errorf("config.ranking.policies.%s is required", name)
		}
	}
	for name, p := range c.Ranking.Policies {
		if err := validateKeys(name, p.Keys); err != nil {
			return err
		}
		for i, b := range p.Partition {
			if b.Name == "" {
				return fmt.Errorf("policy %s partition[%d] has empty name", name, i)
			}
			if err := validateKeys(name+"."+b.Name, b.Keys); err != nil {
				return err
			}
		}
	}
	if len(c.Notify.Brokers) > 0 && c.Notify.Topic == "" {
		return fmt.Errorf("config.notify.topic is required when brokers are set")
	}
	return nil
}

func validateKeys(policy string, keys []SortKey) error {
	for _, k := range keys {
		if !sortKeys[k.Key] {
			return fmt.Errorf("policy %s uses unknown sort key %q", policy, k.Key)
		}
		switch strings.ToLower(k.Direction) {
		case "asc", "desc":
		default:
			return fmt.Errorf("policy %s key %s has direction %q; want asc or desc", policy, k.Key, k.Direction)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with tm config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in development configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses config layered over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0

credentials:
  session_secret: dev-session-secret
  elevated_secret: dev-elevated-secret
  elevated_ttl: 2m
  issuer: taskmarket
  revocation_prefix: "revoked:"

engine:
  mode: local
  dsn: taskmarket.db
  addr: 127.0.0.1:8090

timeouts:
  credential_exchange: 3s
  engine_call: 5s
  review_lookup: 2s

aggregation:
  max_concurrency: 8

ranking:
  policies:
    directory:
      partition:
        - name: verified-reviewed
          match: {verified: true, has_reviews: true}
          keys:
            - {key: average_rating, direction: desc}
            - {key: review_count, direction: desc}
        - name: verified-new
          match: {verified: true, has_reviews: false}
        - name: unverified-reviewed
          match: {verified: false, has_reviews: true}
          keys:
            - {key: average_rating, direction: desc}
            - {key: review_count, direction: desc}
        - name: unverified-new
          match: {verified: false, has_reviews: false}
          keys:
            - {key: created_at, direction: desc}
    offers:
      keys:
        - {key: verified, direction: desc}
        - {key: review_count, direction: desc}
        - {key: average_rating, direction: desc}

notify:
  topic: taskmarket.transitions
`
