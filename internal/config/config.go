package config

import (
	"errors"
	"fmt"
	"os"
	"time"
	"unicode"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when SUBPUB_CONFIG is unset.
const DefaultPath = "/etc/subpub/config.yaml"

type Config struct {
	HTTP struct {
		Enabled bool   `yaml:"enabled"`
		Bind    string `yaml:"bind"`
		Port    int    `yaml:"port"`
		TLS     struct {
			Enabled bool   `yaml:"enabled"`
			Cert    string `yaml:"cert"`
			Key     string `yaml:"key"`
		} `yaml:"tls"`
	} `yaml:"http"`
	Auth struct {
		Enabled       bool     `yaml:"enabled"`
		JWTPublicKeys []string `yaml:"jwt_public_keys"` // paths to PEM certificates
		Issuer        string   `yaml:"issuer"`
		Audience      string   `yaml:"audience"`
	} `yaml:"auth"`
	Logging struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"logging"`
	Bus struct {
		HandlerPrefix string `yaml:"handler_prefix"`
	} `yaml:"bus"`
	Tracker struct {
		CompactInterval time.Duration `yaml:"compact_interval"` // 0 disables compaction
	} `yaml:"tracker"`
	Plugins struct {
		Manifest string `yaml:"manifest"`
	} `yaml:"plugins"`
}

func Path() string {
	if p := os.Getenv("SUBPUB_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) setDefaults() {
	if c.HTTP.Bind == "" {
		c.HTTP.Bind = "127.0.0.1"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Bus.HandlerPrefix == "" {
		c.Bus.HandlerPrefix = "On"
	}
	if c.Plugins.Manifest == "" {
		c.Plugins.Manifest = "/etc/subpub/plugins.yaml"
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	if c.HTTP.TLS.Enabled && (c.HTTP.TLS.Cert == "" || c.HTTP.TLS.Key == "") {
		errs = append(errs, errors.New("http.tls needs cert and key"))
	}
	if c.Auth.Enabled && len(c.Auth.JWTPublicKeys) == 0 {
		errs = append(errs, errors.New("auth.enabled needs at least one jwt_public_keys entry"))
	}
	// handlers are called through reflection, so they must stay exported
	if r, _ := utf8.DecodeRuneInString(c.Bus.HandlerPrefix); !unicode.IsUpper(r) {
		errs = append(errs, fmt.Errorf("bus.handler_prefix %q must start with an upper-case letter", c.Bus.HandlerPrefix))
	}
	if c.Tracker.CompactInterval < 0 {
		errs = append(errs, errors.New("tracker.compact_interval must not be negative"))
	}
	return errors.Join(errs...)
}
