// Package config loads the optional otun YAML config file (spec §6): a
// "server" section and a "client" section, each overridden by any CLI
// flag the caller explicitly set.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ServerSection mirrors the otun-server CLI flags plus the shared timing
// knobs spec §6 lists.
type ServerSection struct {
	Host               string `yaml:"host"`
	ControlPort        string `yaml:"control_port"`
	HTTPPort           string `yaml:"http_port"`
	NoSSL              *bool  `yaml:"no_ssl"`
	Cert               string `yaml:"cert"`
	Key                string `yaml:"key"`
	Domain             string `yaml:"domain"`
	HeartbeatTimeout   string `yaml:"heartbeat_timeout"`
	RequestTimeout     string `yaml:"request_timeout"`
	MaxBodyBytes       *int64 `yaml:"max_body_bytes"`
	RedactAddresses    *bool  `yaml:"redact_addresses"`
}

// ClientSection mirrors the otun client CLI flags plus the shared timing
// knobs spec §6 lists.
type ClientSection struct {
	Server            string `yaml:"server"`
	ServerPort        string `yaml:"server_port"`
	Local             string `yaml:"local"`
	LocalPort         string `yaml:"local_port"`
	Subdomain         string `yaml:"subdomain"`
	NoSSL             *bool  `yaml:"no_ssl"`
	Insecure          *bool  `yaml:"insecure"`
	Debug             *bool  `yaml:"debug"`
	Reconnect         *bool  `yaml:"reconnect"`
	MaxRetries        *int   `yaml:"max_retries"`
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	HeartbeatTimeout  string `yaml:"heartbeat_timeout"`
	RequestTimeout    string `yaml:"request_timeout"`
	InFlightLimit     *int   `yaml:"in_flight_limit"`
}

// File is the top-level shape of the otun config file.
type File struct {
	Server ServerSection `yaml:"server"`
	Client ClientSection `yaml:"client"`
}

// Load reads and parses the config file at path. If path is empty, it
// falls back to ~/.otun.yaml; if that file doesn't exist either, Load
// returns a zero-value *File and a nil error (no config file is not an
// error, per spec §6: "config file (optional, overridden by CLI)").
func Load(path string) (*File, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return &File{}, nil
		}
		path = filepath.Join(home, ".otun.yaml")
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &File{}, nil
	}
	if err != nil {
		return nil, err
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: invalid file %s: %w", path, err)
	}
	return &f, nil
}
