package env

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/liya2017/ckb-integration-test/common"
)

const (
	cfgBaseDir          = "basedir"
	cfgBaseDirNoCleanup = "basedir.no_cleanup"
	cfgBaseDirNoTempDir = "basedir.no_temp_dir"
)

var (
	rootDir Dir

	// Flags has the configuration flags.
	Flags = flag.NewFlagSet("", flag.ContinueOnError)
)

// Dir is a directory for test data and output.
type Dir struct {
	dir       string
	noCleanup bool
}

// String returns the string representation (path) of the Dir.
func (d *Dir) String() string {
	return d.dir
}

// Init initializes the Dir from the configuration, creating a fresh
// temporary directory under the base directory unless told otherwise.
func (d *Dir) Init(cmd *cobra.Command) error {
	if d.dir != "" {
		return fmt.Errorf("env: base directory already initialized")
	}

	d.dir = viper.GetString(cfgBaseDir)
	d.noCleanup = viper.GetBool(cfgBaseDirNoCleanup)

	if viper.GetBool(cfgBaseDirNoTempDir) {
		if d.dir == "" {
			return fmt.Errorf("%w: %s requires %s", ErrEnvironment, cfgBaseDirNoTempDir, cfgBaseDir)
		}
		if err := common.Mkdir(d.dir); err != nil {
			return fmt.Errorf("env: failed to create base directory: %w", err)
		}
		d.noCleanup = true
		return nil
	}

	prefix := strings.Split(cmd.Use, " ")[0]
	var err error
	if d.dir, err = os.MkdirTemp(d.dir, prefix); err != nil {
		return fmt.Errorf("env: failed to create default base directory: %w", err)
	}
	return nil
}

// SetNoCleanup enables/disables the removal of the Dir on Cleanup.
func (d *Dir) SetNoCleanup(v bool) {
	d.noCleanup = v
}

// NewSubDir creates a new subdirectory under a Dir, and returns the
// sub-directory's Dir.
func (d *Dir) NewSubDir(subDirName string) (*Dir, error) {
	dirName := filepath.Join(d.String(), subDirName)
	if err := common.Mkdir(dirName); err != nil {
		return nil, fmt.Errorf("env: failed to create sub-directory: %w", err)
	}

	return &Dir{
		dir:       dirName,
		noCleanup: d.noCleanup,
	}, nil
}

// NewLogWriter creates (or appends to) a log file under a Dir.
func (d *Dir) NewLogWriter(name string) (io.WriteCloser, error) {
	fn := filepath.Join(d.String(), name)
	w, err := os.OpenFile(fn, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("env: failed to create file for append: %w", err)
	}

	return w, nil
}

// Cleanup removes the Dir, unless cleanup is disabled.
func (d *Dir) Cleanup() {
	if d.dir == "" || d.noCleanup {
		return
	}

	_ = os.RemoveAll(d.dir)
	d.dir = ""
}

// NewDir wraps an existing directory.
func NewDir(dir string, noCleanup bool) *Dir {
	return &Dir{
		dir:       dir,
		noCleanup: noCleanup,
	}
}

// GetRootDir returns the global root Dir instance.
//
// Warning: This is not guaranteed to be valid till after `Dir.Init` is
// called.
func GetRootDir() *Dir {
	return &rootDir
}

func init() {
	Flags.String(cfgBaseDir, "", "test base directory")
	Flags.Bool(cfgBaseDirNoCleanup, false, "do not cleanup test base directory")
	Flags.Bool(cfgBaseDirNoTempDir, false, "do not create a temp directory inside base directory")

	_ = viper.BindPFlags(Flags)
}
