// Package config loads and atomically persists the node's config.yaml, and
// loads its ed25519 identity keys. See spec §6 "Persisted files".
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/privateshare/node/xerr"
)

// FileName is the config file's name within its directory.
const FileName = "config.yaml"

// Duration wraps time.Duration so config.yaml can spell it as "30s",
// matching spec §6's "human duration" requirement for refresh_interval
// and sync_file_interval.
type Duration struct {
	time.Duration
}

// MarshalYAML renders the duration the way time.Duration.String does.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// UnmarshalYAML parses a human duration string like "30s".
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Config is the node's persisted configuration, config.yaml.
type Config struct {
	IndexDir         string   `yaml:"index_dir"`
	StoreDir         string   `yaml:"store_dir"`
	SecretKeyPath    string   `yaml:"secret_key_path"`
	PublicKeyPath    string   `yaml:"public_key_path"`
	PreShareKey      string   `yaml:"pre_share_key"`
	RefreshInterval  Duration `yaml:"refresh_interval"`
	SyncFileInterval Duration `yaml:"sync_file_interval"`
	PeerAddrs        []string `yaml:"peer_addrs"`
	HTTPListen       []string `yaml:"http_listen"`
	SwarmListen      string   `yaml:"swarm_listen"`
}

// Manager loads a Config from disk and persists mutations back to it
// atomically (write config.yaml.tmp, then rename), matching the store's
// rename-then-publish idiom.
type Manager struct {
	path string
	mu   sync.Mutex
	cfg  Config
}

// Load reads dir/config.yaml into a Manager.
func Load(dir string) (*Manager, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerr.Wrapf(xerr.Other, "read config", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, xerr.Wrapf(xerr.InvalidData, "parse config", err)
	}
	return &Manager{path: path, cfg: cfg}, nil
}

// Get returns a copy of the current config.
func (m *Manager) Get() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Mutate applies fn to the config under lock and persists the result
// atomically. If fn returns an error, nothing is written.
func (m *Manager) Mutate(fn func(cfg *Config) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.cfg
	if err := fn(&next); err != nil {
		return err
	}
	if err := save(m.path, &next); err != nil {
		return err
	}
	m.cfg = next
	return nil
}

func save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return xerr.Wrapf(xerr.Other, "marshal config", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return xerr.Wrapf(xerr.Other, "write temp config", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return xerr.Wrapf(xerr.Other, "publish config", err)
	}
	return nil
}
