// Package testdata implements the fixture generation sub-command.
package testdata

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/liya2017/ckb-integration-test/ckb-test-runner/ckb"
	"github.com/liya2017/ckb-integration-test/ckb-test-runner/cmd/common"
	"github.com/liya2017/ckb-integration-test/ckb-test-runner/env"
	cmnCommon "github.com/liya2017/ckb-integration-test/common"
	"github.com/liya2017/ckb-integration-test/common/logging"
)

const cfgTargetEpoch = "testdata.target_epoch"

var (
	testdataCmd = &cobra.Command{
		Use:   "testdata",
		Short: "manage the database fixtures",
	}

	generateCmd = &cobra.Command{
		Use:   "generate [names...]",
		Short: "generate database fixtures by mining on an empty chain",
		Long: `generate starts a node on an empty database, mines until the target
epoch and stores the node's data directory under <fixtures>/db/<name>.
Without arguments every known fixture is generated.`,
		RunE: runGenerate,
	}

	logger *logging.Logger
)

// fixture is a database snapshot produced by a specific node release.
type fixture struct {
	name   string
	binary env.BinaryKind
}

var fixtures = []fixture{
	{name: "Epoch2V1TestData", binary: env.BinaryCKB2019},
	{name: "Epoch2V2TestData", binary: env.BinaryCKB2021},
}

func (f *fixture) nodeOptions() ckb.NodeOptions {
	return ckb.NodeOptions{
		Name:            strings.ToLower(f.name),
		Binary:          f.binary,
		InitialDatabase: "db/empty",
		ChainSpec:       "spec/ckb2021",
		AppConfig:       "config/ckb2021",
	}
}

// resolveFixtures maps fixture names to fixtures, in argument order.
// No names select every fixture.
func resolveFixtures(names []string) ([]fixture, error) {
	if len(names) == 0 {
		return append([]fixture{}, fixtures...), nil
	}

	var out []fixture
	seen := make(map[string]bool)
	for _, name := range names {
		var found bool
		for _, f := range fixtures {
			if strings.EqualFold(f.name, name) {
				if !seen[f.name] {
					out = append(out, f)
					seen[f.name] = true
				}
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("testdata: unknown fixture: %s", name)
		}
	}
	return out, nil
}

func initLogger() error {
	var logFmt logging.Format
	if err := logFmt.Set(viper.GetString(common.CfgLogFmt)); err != nil {
		return fmt.Errorf("testdata: failed to set log format: %w", err)
	}

	var logLevel logging.Level
	if err := logLevel.Set(viper.GetString(common.CfgLogLevel)); err != nil {
		return fmt.Errorf("testdata: failed to set log level: %w", err)
	}

	if err := logging.Initialize(os.Stdout, logFmt, logLevel, nil); err != nil {
		return fmt.Errorf("testdata: failed to initialize logging: %w", err)
	}

	logger = logging.GetLogger("cmd/testdata")

	return nil
}

func runGenerate(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	toGenerate, err := resolveFixtures(args)
	if err != nil {
		return err
	}
	if err = initLogger(); err != nil {
		return err
	}

	rootDir := env.GetRootDir()
	if err = rootDir.Init(cmd); err != nil {
		return err
	}
	cfg, err := env.LoadConfig()
	if err != nil {
		rootDir.Cleanup()
		return err
	}
	rootEnv := env.New(rootDir, cfg)
	defer rootEnv.Cleanup()

	targetEpoch := viper.GetUint64(cfgTargetEpoch)
	for i := range toGenerate {
		if err = generate(cmd, rootEnv, &toGenerate[i], targetEpoch); err != nil {
			logger.Error("failed to generate fixture",
				"err", err,
				"fixture", toGenerate[i].name,
			)
			return err
		}
	}
	return nil
}

func generate(cmd *cobra.Command, rootEnv *env.Env, f *fixture, targetEpoch uint64) error {
	ctx := cmd.Context()

	childEnv, err := rootEnv.NewChild(f.name, nil)
	if err != nil {
		return err
	}
	defer childEnv.Cleanup()

	node, err := ckb.Init(childEnv, f.nodeOptions())
	if err != nil {
		return err
	}
	if err = node.Start(ctx); err != nil {
		return err
	}
	logger.Info("mining fixture chain",
		"fixture", f.name,
		"version", node.Version(),
		"target_epoch", targetEpoch,
	)
	if err = node.MineUntilEpoch(ctx, targetEpoch); err != nil {
		_ = node.Stop()
		return err
	}
	tip, err := node.TipBlockNumber(ctx)
	if err != nil {
		_ = node.Stop()
		return err
	}
	if err = node.Stop(); err != nil {
		return err
	}

	dst := filepath.Join(rootEnv.Config().FixturesDir, "db", f.name)
	if err = os.RemoveAll(dst); err != nil {
		return fmt.Errorf("testdata: failed to remove old fixture: %w", err)
	}
	if err = cmnCommon.CopyDir(node.DataDir(), dst); err != nil {
		return fmt.Errorf("testdata: failed to store fixture: %w", err)
	}

	logger.Info("fixture generated",
		"fixture", f.name,
		"tip", tip,
		"path", dst,
	)
	return nil
}

// Register the testdata sub-command and all of its children.
func Register(parentCmd *cobra.Command) {
	generateFlags := flag.NewFlagSet("", flag.ContinueOnError)
	generateFlags.Uint64(cfgTargetEpoch, 2, "epoch the fixture chain is mined to")
	_ = viper.BindPFlags(generateFlags)
	generateCmd.Flags().AddFlagSet(generateFlags)

	testdataCmd.AddCommand(generateCmd)
	parentCmd.AddCommand(testdataCmd)
}
