// Package config holds the per-state-directory target configuration and the
// process environment settings.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
)

// LetsEncryptDirectory is the default ACME directory URL.
const LetsEncryptDirectory = "https://acme-v02.api.letsencrypt.org/directory"

// Target is the configuration stored at conf/target inside the state
// directory: which CA to talk to, what kind of keys to request, and how
// challenges and polling behave.
type Target struct {
	DirectoryURL string   `toml:"directory_url" comment:"ACME directory URL"`
	Email        string   `toml:"email" comment:"ACME account contact email"`
	KeyType      string   `toml:"key_type" comment:"Certificate key type (only 'rsa' is supported)"`
	RSAKeySize   int      `toml:"rsa_key_size" comment:"RSA key size in bits for certificate keys"`
	WebrootPaths []string `toml:"webroot_paths" comment:"Directories http-01 challenge files are dropped into"`

	PollIntervalSeconds int `toml:"poll_interval_seconds" comment:"Initial wait between authorization status checks"`
	PollTimeoutSeconds  int `toml:"poll_timeout_seconds" comment:"Give up on an authorization after this much polling"`
}

// DefaultTarget returns a target pointing at Let's Encrypt production with
// RSA-2048 certificate keys.
func DefaultTarget() *Target {
	return &Target{
		DirectoryURL:        LetsEncryptDirectory,
		KeyType:             "rsa",
		RSAKeySize:          2048,
		PollIntervalSeconds: 5,
		PollTimeoutSeconds:  300,
	}
}

func (t *Target) Validate() error {
	if t.DirectoryURL == "" {
		return errors.New("config: directory_url cannot be empty")
	}
	if t.KeyType != "rsa" {
		return fmt.Errorf("config: unsupported key_type %q", t.KeyType)
	}
	switch t.RSAKeySize {
	case 2048, 3072, 4096:
	default:
		return fmt.Errorf("config: unsupported rsa_key_size %d", t.RSAKeySize)
	}
	if t.PollIntervalSeconds <= 0 {
		return errors.New("config: poll_interval_seconds must be positive")
	}
	if t.PollTimeoutSeconds <= 0 {
		return errors.New("config: poll_timeout_seconds must be positive")
	}
	return nil
}

// LoadTarget reads the target file at path. A missing file yields the
// defaults so a freshly initialized state directory is usable without
// hand-written configuration.
func LoadTarget(path string) (*Target, error) {
	t := DefaultTarget()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// SaveTarget writes the target file at path.
func SaveTarget(path string, t *Target) error {
	if err := t.Validate(); err != nil {
		return err
	}
	data, err := toml.Marshal(t)
	if err != nil {
		return fmt.Errorf("config: marshal target: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// Env carries the process-level settings used as defaults for the
// corresponding CLI flags.
type Env struct {
	StateDir string `env:"ACMETOOL_STATE_DIR" envDefault:"/var/lib/acme"`
	HooksDir string `env:"ACMETOOL_HOOKS_DIR" envDefault:"/usr/lib/acme/hooks"`
}

// LoadEnv reads the process environment.
func LoadEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("config: parse environment: %w", err)
	}
	return e, nil
}
