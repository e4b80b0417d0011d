package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/mashvarat/legalchat/internal/client"
	"github.com/mashvarat/legalchat/internal/poller"
	"gopkg.in/yaml.v3"
)

const defaultProfilePath = "legalctl.yaml"

// Profile is the CLI configuration, loaded from legalctl.yaml.
type Profile struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	ClerkID string        `yaml:"clerk_id"`
	DevMode bool          `yaml:"dev_mode"`
	Timeout time.Duration `yaml:"timeout"`
	Poll    PollProfile   `yaml:"poll"`
}

// PollProfile sets the cadence of ask and watch.
type PollProfile struct {
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// LoadProfile reads path. A missing file at the default path yields the
// defaults; a missing file anywhere else is an error.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && path == defaultProfilePath {
		return ParseProfile(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("profile: read %s: %w", path, err)
	}
	return ParseProfile(data)
}

// ParseProfile unmarshals YAML bytes and fills in defaults.
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("profile: parse: %w", err)
	}
	p.applyDefaults()
	return &p, nil
}

func (p *Profile) applyDefaults() {
	if p.BaseURL == "" {
		p.BaseURL = "http://localhost:8080"
	}
	if p.Timeout == 0 {
		p.Timeout = 30 * time.Second
	}
	def := poller.DefaultConfig()
	if p.Poll.Interval == 0 {
		p.Poll.Interval = def.Interval
	}
	if p.Poll.MaxAttempts == 0 {
		p.Poll.MaxAttempts = def.MaxAttempts
	}
}

func (p *Profile) validate() error {
	var missing []string
	if strings.TrimSpace(p.ClerkID) == "" {
		missing = append(missing, "clerk_id")
	}
	if strings.TrimSpace(p.Token) == "" {
		missing = append(missing, "token")
	}
	if len(missing) > 0 {
		return fmt.Errorf("profile: missing %s (set in %s or via flags)", strings.Join(missing, ", "), defaultProfilePath)
	}
	if p.Poll.Interval < 0 || p.Poll.MaxAttempts < 0 {
		return fmt.Errorf("profile: poll interval and max_attempts must be positive")
	}
	return nil
}

func (p *Profile) client() *client.Client {
	return client.New(client.Options{
		BaseURL: p.BaseURL,
		Token:   p.Token,
		ClerkID: p.ClerkID,
		DevMode: p.DevMode,
		Timeout: p.Timeout,
	})
}

func (p *Profile) pollConfig() poller.Config {
	return poller.Config{Interval: p.Poll.Interval, MaxAttempts: p.Poll.MaxAttempts}
}
