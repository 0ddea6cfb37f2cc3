// Package config holds the server settings and loads them from mixerls.toml.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"mixerls/internal/interactive"
)

// FileName is the settings file looked up from the workspace root upwards.
const FileName = "mixerls.toml"

const (
	// DefaultMaxNumberOfProblems caps findings per document when unset.
	DefaultMaxNumberOfProblems = 100
	// NoVersion marks a missing or invalid interactive version.
	NoVersion = -1
)

// Settings is the complete server configuration. It is replaced as a whole
// whenever any source changes.
type Settings struct {
	MaxNumberOfProblems int    `toml:"maxNumberOfProblems" json:"maxNumberOfProblems"`
	AuthToken           string `toml:"authToken" json:"authToken"`
	VersionID           int    `toml:"versionId" json:"versionId"`
	Endpoint            string `toml:"endpoint" json:"endpoint,omitempty"`
	Trace               bool   `toml:"trace" json:"trace,omitempty"`
}

type fileConfig struct {
	Mixer Settings `toml:"mixer"`
}

// Default returns the settings used before any configuration arrives.
func Default() Settings {
	return Settings{
		MaxNumberOfProblems: DefaultMaxNumberOfProblems,
		VersionID:           NoVersion,
		Endpoint:            interactive.DefaultEndpoint,
	}
}

// Normalize fills defaults for missing values.
func (s Settings) Normalize() Settings {
	if s.MaxNumberOfProblems <= 0 {
		s.MaxNumberOfProblems = DefaultMaxNumberOfProblems
	}
	if s.VersionID == 0 {
		s.VersionID = NoVersion
	}
	if s.Endpoint == "" {
		s.Endpoint = interactive.DefaultEndpoint
	}
	return s
}

// HasCredentials reports whether a session can be opened.
func (s Settings) HasCredentials() bool {
	return s.AuthToken != "" && s.VersionID > 0
}

// Credentials returns the session credentials.
func (s Settings) Credentials() interactive.Credentials {
	return interactive.Credentials{AuthToken: s.AuthToken, VersionID: s.VersionID}
}

// SessionChanged reports whether moving from old to next requires the
// session to be reopened.
func SessionChanged(old, next Settings) bool {
	return old.AuthToken != next.AuthToken ||
		old.VersionID != next.VersionID ||
		old.Endpoint != next.Endpoint
}

// Validate checks values that cannot be defaulted.
func (s Settings) Validate() error {
	if s.Endpoint == "" {
		return nil
	}
	u, err := url.Parse(s.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint %q: %w", s.Endpoint, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid endpoint %q: scheme must be ws or wss", s.Endpoint)
	}
	return nil
}

// Load reads and validates a settings file.
func Load(path string) (Settings, error) {
	var cfg fileConfig
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Settings{}, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if !meta.IsDefined("mixer") {
		return Settings{}, fmt.Errorf("%s: missing [mixer]", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Settings{}, fmt.Errorf("%s: unknown key %s", path, undecoded[0])
	}
	settings := cfg.Mixer.Normalize()
	if err := settings.Validate(); err != nil {
		return Settings{}, fmt.Errorf("%s: %w", path, err)
	}
	return settings, nil
}

// Find walks up from startDir looking for FileName.
func Find(startDir string) (string, bool, error) {
	if startDir == "" {
		startDir = "."
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve start directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("failed to stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false, nil
}
