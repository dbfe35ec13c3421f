package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.flybook/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	DefaultUserID  int64  `toml:"default_user_id"`
	ServerURL      string `toml:"server_url"`
	SocketURL      string `toml:"socket_url"`
}

// Defaults used when the config file is missing or a field is blank.
const (
	DefaultServerURL = "http://localhost:8081"
	DefaultSocketURL = "ws://localhost:8081"
)

// Load reads config from the given path. Returns zero config and error if
// file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
