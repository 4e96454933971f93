// Package config reads the pkgsign configuration file.
//
// The file is TOML unless its extension is .yaml or .yml. Every setting is
// optional; Default lists the values used for settings that are absent.
package config

import (
	"bytes"
	"crypto"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/asaskevich/govalidator"
	"gopkg.in/yaml.v3"
)

// DefaultLocation is read by the command line tool when no file is named.
const DefaultLocation = "./pkgsign.toml"

// ErrInvalid is wrapped by every ConfigError caused by a bad value.
var ErrInvalid = errors.New("invalid configuration")

// ConfigError reports a configuration file that could not be used.
type ConfigError struct {
	Field string
	Msg   string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Msg)
	}
	return fmt.Sprintf("config error: %s", e.Msg)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Config is the root of the config.
type Config struct {
	Log          Log          `toml:"log" yaml:"log"`
	Verification Verification `toml:"verification" yaml:"verification"`
	Signing      Signing      `toml:"signing" yaml:"signing"`
}

// Log configures the logger.
type Log struct {
	Environment string `toml:"environment" yaml:"environment" valid:"in(production|development)"`
	Level       string `toml:"level" yaml:"level" valid:"in(debug|info|warn|error)"`
}

// Verification configures certificate chain validation.
type Verification struct {
	// RootsFile is a PEM bundle of trusted roots. The system pool is used
	// when it is empty.
	RootsFile string `toml:"roots_file" yaml:"roots_file"`

	AllowUntrustedRoots bool `toml:"allow_untrusted_roots" yaml:"allow_untrusted_roots"`

	// ExternalRevocation enables OCSP and CRL requests for certificates
	// without embedded revocation data.
	ExternalRevocation bool `toml:"external_revocation" yaml:"external_revocation"`

	Timeout     time.Duration `toml:"timeout" yaml:"timeout"`
	Concurrency int           `toml:"concurrency" yaml:"concurrency" valid:"range(1|64)"`

	// CacheSizeMB bounds the revocation response cache. Zero keeps the
	// responses in an unbounded map for the lifetime of the process.
	CacheSizeMB   int           `toml:"cache_size_mb" yaml:"cache_size_mb" valid:"range(0|4096)"`
	CacheLifetime time.Duration `toml:"cache_lifetime" yaml:"cache_lifetime"`
}

// Signing configures new signatures.
type Signing struct {
	Digest          string `toml:"digest" yaml:"digest" valid:"in(sha256|sha384|sha512)"`
	EmbedRevocation bool   `toml:"embed_revocation" yaml:"embed_revocation"`
	TSA             TSA    `toml:"tsa" yaml:"tsa"`
}

// TSA names an RFC 3161 time stamping authority.
type TSA struct {
	URL      string `toml:"url" yaml:"url" valid:"url"`
	Username string `toml:"username" yaml:"username"`
	Password string `toml:"password" yaml:"password"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Log: Log{
			Environment: "production",
			Level:       "info",
		},
		Verification: Verification{
			Timeout:       10 * time.Second,
			Concurrency:   4,
			CacheLifetime: time.Hour,
		},
		Signing: Signing{
			Digest: "sha256",
		},
	}
}

// Read decodes the file at path over the defaults and validates the result.
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Msg: "cannot read " + path, Err: err}
	}

	c := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return nil, &ConfigError{Msg: "cannot decode " + path, Err: err}
		}
	default:
		md, err := toml.Decode(string(data), c)
		if err != nil {
			return nil, &ConfigError{Msg: "cannot decode " + path, Err: err}
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, &ConfigError{Field: undecoded[0].String(), Msg: "unknown setting", Err: ErrInvalid}
		}
	}

	if err := c.ValidateFields(); err != nil {
		return nil, err
	}
	return c, nil
}

// ValidateFields validates all the fields of the config.
func (c *Config) ValidateFields() error {
	if _, err := govalidator.ValidateStruct(c); err != nil {
		return &ConfigError{Msg: err.Error(), Err: errors.Join(ErrInvalid, err)}
	}
	if c.Verification.Timeout < 0 {
		return &ConfigError{Field: "verification.timeout", Msg: "must not be negative", Err: ErrInvalid}
	}
	if c.Verification.CacheLifetime < 0 {
		return &ConfigError{Field: "verification.cache_lifetime", Msg: "must not be negative", Err: ErrInvalid}
	}
	if c.Signing.TSA.Password != "" && c.Signing.TSA.Username == "" {
		return &ConfigError{Field: "signing.tsa.username", Msg: "required when a password is set", Err: ErrInvalid}
	}
	if c.Signing.TSA.Username != "" && c.Signing.TSA.URL == "" {
		return &ConfigError{Field: "signing.tsa.url", Msg: "required when credentials are set", Err: ErrInvalid}
	}
	return nil
}

// DigestHash returns the hash named by Digest.
func (s Signing) DigestHash() crypto.Hash {
	switch s.Digest {
	case "sha384":
		return crypto.SHA384
	case "sha512":
		return crypto.SHA512
	default:
		return crypto.SHA256
	}
}
