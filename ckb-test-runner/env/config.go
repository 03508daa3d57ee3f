package env

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/spf13/viper"
)

const cfgFixturesDir = "fixtures.dir"

// BinaryKind names one of the node binaries the runner is configured with.
type BinaryKind string

const (
	// BinaryFork2021 is the node build carrying the 2021 hard fork
	// features behind a configurable activation epoch.
	BinaryFork2021 BinaryKind = "fork2021"
	// BinaryCKB2019 is a node release predating the 2021 hard fork.
	BinaryCKB2019 BinaryKind = "ckb2019"
	// BinaryCKB2021 is a node release supporting the 2021 hard fork.
	BinaryCKB2021 BinaryKind = "ckb2021"
)

// Binaries are the node binary paths, read from the environment.
type Binaries struct {
	Fork2021 string `env:"CKB_FORK2021_BINARY" env-description:"path to the fork2021 node binary"`
	CKB2019  string `env:"CKB2019" env-description:"path to the pre-fork node binary"`
	CKB2021  string `env:"CKB2021" env-description:"path to the post-fork node binary"`
}

// Config is the runner configuration. It is read once at startup and
// shared read-only by every environment.
type Config struct {
	Binaries    Binaries
	FixturesDir string
}

// Binary resolves a binary kind to an absolute path of an existing file.
func (cfg *Config) Binary(kind BinaryKind) (string, error) {
	var path, envVar string
	switch kind {
	case BinaryFork2021:
		path, envVar = cfg.Binaries.Fork2021, "CKB_FORK2021_BINARY"
	case BinaryCKB2019:
		path, envVar = cfg.Binaries.CKB2019, "CKB2019"
	case BinaryCKB2021:
		path, envVar = cfg.Binaries.CKB2021, "CKB2021"
	default:
		return "", fmt.Errorf("%w: unknown binary kind '%s'", ErrEnvironment, kind)
	}
	if path == "" {
		return "", fmt.Errorf("%w: %s is not set", ErrEnvironment, envVar)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrEnvironment, envVar, err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrEnvironment, envVar, err)
	}
	if fi.IsDir() || fi.Mode().Perm()&0o111 == 0 {
		return "", fmt.Errorf("%w: %s: '%s' is not an executable file", ErrEnvironment, envVar, abs)
	}
	return abs, nil
}

// Fixture resolves a path relative to the fixtures directory, e.g.
// "db/Epoch2V2TestData", to an existing directory.
func (cfg *Config) Fixture(rel string) (string, error) {
	path := filepath.Join(cfg.FixturesDir, rel)
	fi, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: fixture '%s': %v", ErrEnvironment, rel, err)
	}
	if !fi.IsDir() {
		return "", fmt.Errorf("%w: fixture '%s' is not a directory", ErrEnvironment, rel)
	}
	return path, nil
}

// LoadConfig reads the runner configuration from the process environment
// and the configured flags.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg.Binaries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvironment, err)
	}

	fixtures, err := filepath.Abs(viper.GetString(cfgFixturesDir))
	if err != nil {
		return nil, fmt.Errorf("%w: fixtures directory: %v", ErrEnvironment, err)
	}
	cfg.FixturesDir = fixtures

	return &cfg, nil
}

func init() {
	Flags.String(cfgFixturesDir, "testdata", "directory holding chain specs, app configs and database snapshots")

	_ = viper.BindPFlags(Flags)
}
