// Package cmd implements the commands for the test-runner executable.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"runtime/debug"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/liya2017/ckb-integration-test/ckb-test-runner/cmd/common"
	"github.com/liya2017/ckb-integration-test/ckb-test-runner/env"
	"github.com/liya2017/ckb-integration-test/ckb-test-runner/metrics"
	"github.com/liya2017/ckb-integration-test/ckb-test-runner/scenario"
	"github.com/liya2017/ckb-integration-test/common/logging"
)

const (
	cfgConfigFile       = "config"
	cfgLogNoStdout      = "log.no_stdout"
	cfgNumRuns          = "num_runs"
	cfgParallelJobCount = "parallel.job_count"
	cfgParallelJobIndex = "parallel.job_index"
	cfgFailFast         = "fail_fast"
)

// Version is the runner version, set at link time.
var Version = "0.0.0-unset"

var (
	rootCmd = &cobra.Command{
		Use:     "ckb-test-runner",
		Short:   "CKB hard fork integration test runner",
		Version: Version,
		RunE:    runRoot,
	}

	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List registered scenarios",
		Run:   runList,
	}

	cfgFile string
	numRuns int
)

// RootCmd returns the root command's structure that will be executed, so that
// it can be used to alter the configuration and flags of the command.
//
// Note: `Run` is pre-initialized to the main entry point of the test harness,
// and should likely be left un-altered.
func RootCmd() *cobra.Command {
	return rootCmd
}

// Execute spawns the main entry point after handing the config file. Runs
// are interrupted on SIGINT and SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

// Register adds a scenario to the runner and the default scenarios list.
func Register(s scenario.Scenario) error {
	if err := common.RegisterScenario(s, true); err != nil {
		return fmt.Errorf("Register: error registering scenario: %w", err)
	}

	RegisterScenarioParams(strings.ToLower(s.Name()), s.Parameters())

	return nil
}

// RegisterNondefault adds a scenario to the runner. It only runs when
// selected explicitly.
func RegisterNondefault(s scenario.Scenario) error {
	if err := common.RegisterScenario(s, false); err != nil {
		return fmt.Errorf("RegisterNondefault: error registering nondefault scenario: %w", err)
	}

	RegisterScenarioParams(strings.ToLower(s.Name()), s.Parameters())

	return nil
}

// RegisterScenarioParams registers parameters for a given scenario as string
// slices regardless of actual type.
//
// Later we combine specific parameter sets and execute scenarios with all
// parameter combinations.
func RegisterScenarioParams(name string, p *env.ParameterFlagSet) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	p.VisitAll(func(f *flag.Flag) {
		fs.StringSlice(fmt.Sprintf(common.ScenarioParamsMask, name, f.Name), []string{f.Value.String()}, f.Usage)
	})
	rootCmd.Flags().AddFlagSet(fs)
	_ = viper.BindPFlags(fs)
}

// parseScenarioParams parses --<scenario_name>.<key1>=<val1>,<val2>... flags
// combinations, clones provided proto-scenarios, and populates them so that
// each scenario instance has a unique parameter set.
// Returns a mapping: scenario name -> list of scenario instances.
func parseScenarioParams(toRun []scenario.Scenario) (map[string][]scenario.Scenario, error) {
	scListsToRun := make(map[string][]scenario.Scenario)
	for _, sc := range toRun {
		zippedParams := make(map[string][]string)
		sc.Parameters().VisitAll(func(f *flag.Flag) {
			// Registered defaults of this scenario first.
			zippedParams[f.Name] = viper.GetStringSlice(
				fmt.Sprintf(common.ScenarioParamsMask, sc.Name(), f.Name),
			)

			// Values set explicitly for the scenario or one of its
			// generalizations, the most specific one wins.
			for _, genName := range generalizedScenarioName(sc.Name()) {
				paramName := fmt.Sprintf(common.ScenarioParamsMask, genName, f.Name)
				if viper.IsSet(paramName) {
					zippedParams[f.Name] = viper.GetStringSlice(paramName)
					break
				}
			}
		})

		parameterSets := computeParamSets(zippedParams, map[string]string{})

		for _, paramSet := range parameterSets {
			sCloned := sc.Clone()
			for param, val := range paramSet {
				if err := sCloned.Parameters().Set(param, val); err != nil {
					return nil, fmt.Errorf("parseScenarioParams: error setting parameter %s of %s: %w", param, sc.Name(), err)
				}
			}
			scListsToRun[sc.Name()] = append(scListsToRun[sc.Name()], sCloned)
		}

		// No parameters at all, keep the original scenario.
		if len(parameterSets) == 0 {
			scListsToRun[sc.Name()] = []scenario.Scenario{sc}
		}
	}

	return scListsToRun, nil
}

// generalizedScenarioName returns list of generalized scenario names from the
// original name to most general name, e.g. "rfc0221/networking", "rfc0221".
func generalizedScenarioName(name string) []string {
	dirs := strings.Split(name, "/")
	if len(dirs) == 1 {
		return []string{name}
	}
	subNames := generalizedScenarioName(strings.Join(dirs[0:len(dirs)-1], "/"))
	return append([]string{name}, subNames...)
}

// computeParamSets recursively combines a map of string slices into all
// possible key=>value parameter sets.
func computeParamSets(zp map[string][]string, ps map[string]string) []map[string]string {
	if len(zp) == 0 {
		if len(ps) == 0 {
			return []map[string]string{}
		}

		psCloned := make(map[string]string, len(ps))
		for k, v := range ps {
			psCloned[k] = v
		}
		return []map[string]string{psCloned}
	}

	rps := []map[string]string{}

	zpKeys := make([]string, 0, len(zp))
	for k := range zp {
		zpKeys = append(zpKeys, k)
	}
	sort.Strings(zpKeys)

	zpCloned := make(map[string][]string, len(zp)-1)
	for _, k := range zpKeys[1:] {
		zpCloned[k] = zp[k]
	}
	// An empty slice stands for the empty string value.
	values := zp[zpKeys[0]]
	if len(values) == 0 {
		values = []string{""}
	}
	for _, v := range values {
		ps[zpKeys[0]] = v
		rps = append(rps, computeParamSets(zpCloned, ps)...)
	}

	return rps
}

// selectScenarios returns the scenarios to run: the default ones unless
// name regexes are given, minus the skipped ones, sorted by name.
func selectScenarios(names, skips []string) ([]scenario.Scenario, error) {
	toRun := common.GetDefaultScenarios()
	if len(names) > 0 {
		matched := make(map[string]scenario.Scenario)
		for _, scNameRegex := range names {
			// Match the whole scenario name, not just a substring.
			re, err := regexp.Compile(fmt.Sprintf("^%s$", scNameRegex))
			if err != nil {
				return nil, fmt.Errorf("root: bad scenario name regexp: %w", err)
			}

			var anyMatched bool
			for scName, sc := range common.GetScenarios() {
				if re.MatchString(scName) {
					matched[scName] = sc
					anyMatched = true
				}
			}
			if !anyMatched {
				return nil, fmt.Errorf("root: no scenario matches regex: %s\nAvailable scenarios:\n%s",
					scNameRegex, strings.Join(common.GetScenarioNames(), "\n"),
				)
			}
		}
		toRun = nil
		for _, sc := range matched {
			toRun = append(toRun, sc)
		}
	}

	if len(skips) > 0 {
		var skipRes []*regexp.Regexp
		for _, skipNameRegex := range skips {
			re, err := regexp.Compile(fmt.Sprintf("^%s$", skipNameRegex))
			if err != nil {
				return nil, fmt.Errorf("root: bad skip scenario regexp: %w", err)
			}
			skipRes = append(skipRes, re)
		}

		var kept []scenario.Scenario
	outer:
		for _, sc := range toRun {
			for _, re := range skipRes {
				if re.MatchString(strings.ToLower(sc.Name())) {
					continue outer
				}
			}
			kept = append(kept, sc)
		}
		toRun = kept
	}

	// Sorted for consistent partitioning between parallel jobs.
	sort.Slice(toRun, func(i, j int) bool { return toRun[i].Name() < toRun[j].Name() })
	return toRun, nil
}

func initRootEnv(cmd *cobra.Command) (*env.Env, error) {
	// Initialize the root dir.
	rootDir := env.GetRootDir()
	if err := rootDir.Init(cmd); err != nil {
		return nil, err
	}

	cfg, err := env.LoadConfig()
	if err != nil {
		rootDir.Cleanup()
		return nil, err
	}
	rootEnv := env.New(rootDir, cfg)

	var ok bool
	defer func() {
		if !ok {
			rootEnv.Cleanup()
		}
	}()

	var logFmt logging.Format
	if err = logFmt.Set(viper.GetString(common.CfgLogFmt)); err != nil {
		return nil, fmt.Errorf("root: failed to set log format: %w", err)
	}

	var logLevel logging.Level
	if err = logLevel.Set(viper.GetString(common.CfgLogLevel)); err != nil {
		return nil, fmt.Errorf("root: failed to set log level: %w", err)
	}

	// Initialize logging.
	logFile := filepath.Join(rootEnv.Dir(), "test-runner.log")
	w, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("root: failed to open log file: %w", err)
	}
	rootEnv.AddOnCleanup(func() {
		_ = w.Close()
	})

	var logWriter io.Writer = w
	if !viper.GetBool(cfgLogNoStdout) {
		logWriter = io.MultiWriter(os.Stdout, w)
	}
	if err = logging.Initialize(logWriter, logFmt, logLevel, nil); err != nil {
		return nil, fmt.Errorf("root: failed to initialize logging: %w", err)
	}

	ok = true
	return rootEnv, nil
}

func runRoot(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	// Initialize the base dir, logging, etc.
	rootEnv, err := initRootEnv(cmd)
	if err != nil {
		return err
	}
	defer rootEnv.Cleanup()
	logger := logging.GetLogger("test-runner")

	toRun, err := selectScenarios(
		viper.GetStringSlice(common.CfgScenarioRegex),
		viper.GetStringSlice(common.CfgScenarioSkipRegex),
	)
	if err != nil {
		logger.Error("failed to select scenarios",
			"err", err,
		)
		return err
	}

	// Get parallel job execution parameters.
	opts := runOptions{
		numRuns:          numRuns,
		parallelJobCount: viper.GetInt(cfgParallelJobCount),
		parallelJobIndex: viper.GetInt(cfgParallelJobIndex),
		failFast:         viper.GetBool(cfgFailFast),
	}
	if opts.parallelJobIndex < 0 || opts.parallelJobIndex >= opts.parallelJobCount {
		return fmt.Errorf(
			"root: invalid value of %s flag: %d (should be in range [0, %d))",
			cfgParallelJobIndex, opts.parallelJobIndex, opts.parallelJobCount,
		)
	}

	// Expand the list of scenarios to run with the passed scenario parameters.
	toRunExploded, err := parseScenarioParams(toRun)
	if err != nil {
		return fmt.Errorf("root: failed to parse scenario parameters: %w", err)
	}

	return runAll(ctx, rootEnv, toRun, toRunExploded, opts)
}

type runOptions struct {
	numRuns          int
	parallelJobCount int
	parallelJobIndex int
	failFast         bool
}

// runAll runs every parameter set of the selected scenarios assigned to this
// parallel job. Failures are collected, and unless failFast is set the
// remaining scenarios still run.
func runAll(
	ctx context.Context,
	rootEnv *env.Env,
	toRun []scenario.Scenario,
	toRunExploded map[string][]scenario.Scenario,
	opts runOptions,
) error {
	logger := logging.GetLogger("test-runner")

	var (
		result *multierror.Error
		index  int
	)
	for run := 0; run < opts.numRuns; run++ {
		// Iterate through toRun instead of toRunExploded to preserve scenario
		// ordering.
		for _, sc := range toRun {
			name := sc.Name()
			scs := toRunExploded[name]
			for i, v := range scs {
				// Keep a unique scenario directory per run and parameter set.
				n := name
				runID := run*len(scs) + i
				if opts.numRuns > 1 || len(scs) > 1 {
					n = fmt.Sprintf("%s/%d", n, runID)
				}

				if index%opts.parallelJobCount != opts.parallelJobIndex {
					logger.Info("skipping scenario (assigned to different parallel job)",
						"scenario", name, "run_id", runID,
					)
					index++
					continue
				}
				index++

				if ctx.Err() != nil {
					result = multierror.Append(result, fmt.Errorf("root: %s: %w", n, ctx.Err()))
					return result.ErrorOrNil()
				}

				if err := runScenario(ctx, rootEnv, v, n, run); err != nil {
					logger.Error("failed to run scenario",
						"err", err,
						"scenario", name,
						"run_id", runID,
					)
					result = multierror.Append(result, fmt.Errorf("%s: %w", n, err))
					if opts.failFast {
						return result.ErrorOrNil()
					}
					continue
				}

				logger.Info("passed scenario",
					"scenario", name, "run_id", runID,
				)
			}
		}
	}

	return result.ErrorOrNil()
}

func runScenario(ctx context.Context, rootEnv *env.Env, sc scenario.Scenario, dirName string, run int) (err error) {
	logger := logging.GetLogger("test-runner").With(
		"scenario", sc.Name(),
		"run", run,
	)

	childEnv, err := rootEnv.NewChild(dirName, &env.ScenarioInstanceInfo{
		Scenario:     sc.Name(),
		Instance:     filepath.Base(rootEnv.Dir()),
		ParameterSet: sc.Parameters(),
		Run:          run,
	})
	if err != nil {
		return fmt.Errorf("root: failed to setup child environment: %w", err)
	}

	// Dump current parameter set to file.
	if err = childEnv.WriteScenarioInfo(); err != nil {
		doCleanup(childEnv)
		return err
	}

	var pusher *metrics.Pusher
	if viper.IsSet(metrics.CfgMetricsAddr) {
		pusher = metrics.NewPusher(
			viper.GetString(metrics.CfgMetricsAddr),
			childEnv.ScenarioInfo(),
			viper.GetStringMapString(metrics.CfgMetricsLabels),
		)
	}

	started := time.Now()
	logger.Info("START")
	defer func() {
		logger.Info("END",
			"passed", err == nil,
			"duration", time.Since(started).String(),
		)
	}()

	err = doScenario(ctx, childEnv, sc, pusher)

	if cleanErr := doCleanup(childEnv); cleanErr != nil {
		logger.Error("failed to clean up child environment",
			"err", cleanErr,
		)
		err = multierr.Append(err, fmt.Errorf("root: failed to clean up child environment: %w", cleanErr))
	}

	if pusher != nil {
		if pushErr := pusher.Finish(err == nil); pushErr != nil {
			logger.Warn("failed to push metrics",
				"err", pushErr,
			)
		}
	}

	return err
}

func doScenario(ctx context.Context, childEnv *env.Env, sc scenario.Scenario, pusher *metrics.Pusher) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("root: panic caught running scenario: %v: %s", r, debug.Stack())
		}
	}()

	nodes, err := sc.BeforeRun(ctx, childEnv, sc.CaseOptions())
	if err != nil {
		return fmt.Errorf("root: failed to prepare nodes: %w", err)
	}

	// Nodes are stopped on every exit path, including a panicking scenario.
	defer func() {
		if stopErr := nodes.Stop(); stopErr != nil {
			err = multierr.Append(err, fmt.Errorf("root: failed to stop nodes: %w", stopErr))
		}
	}()

	if pusher != nil {
		if err = pusher.Start(); err != nil {
			return fmt.Errorf("root: failed to push metrics: %w", err)
		}
	}

	if err = sc.Run(ctx, childEnv, nodes); err != nil {
		err = fmt.Errorf("root: failed to run scenario: %w", err)
	}
	if exitErr := nodes.CheckErrors(); exitErr != nil {
		err = multierr.Append(err, exitErr)
	}

	return err
}

func doCleanup(childEnv *env.Env) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("root: panic caught cleaning up scenario: %v, %s", r, debug.Stack())
		}
	}()

	childEnv.Cleanup()

	return
}

func runList(cmd *cobra.Command, args []string) {
	w := cmd.OutOrStdout()
	scNames := common.GetScenarioNames()
	if len(scNames) == 0 {
		fmt.Fprintf(w, "No scenarios are available.\n")
		return
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Scenario", "Default", "Parameters"})
	scenarios := common.GetScenarios()
	for _, name := range scNames {
		var params []string
		scenarios[name].Parameters().VisitAll(func(f *flag.Flag) {
			params = append(params, fmt.Sprintf("%s=%s", f.Name, f.Value.String()))
		})
		table.Append([]string{
			name,
			fmt.Sprintf("%t", common.IsDefaultScenario(name)),
			strings.Join(params, " "),
		})
	}
	table.Render()
}

func init() {
	logFmt := logging.FmtLogfmt
	logLevel := logging.LevelInfo

	// Register persistent flags.
	persistentFlags := flag.NewFlagSet("", flag.ContinueOnError)
	persistentFlags.Var(&logFmt, common.CfgLogFmt, "log format")
	persistentFlags.Var(&logLevel, common.CfgLogLevel, "log level")
	persistentFlags.StringSliceP(
		common.CfgScenarioRegex,
		common.CfgScenarioRegexShort,
		nil,
		"regexp patterns matching names of scenarios",
	)
	persistentFlags.StringSlice(
		common.CfgScenarioSkipRegex,
		nil,
		"regexp patterns matching names of scenarios to skip",
	)
	persistentFlags.String(metrics.CfgMetricsAddr, "", "Prometheus push gateway address")
	persistentFlags.StringToString(
		metrics.CfgMetricsLabels,
		map[string]string{},
		"override Prometheus labels",
	)
	_ = viper.BindPFlags(persistentFlags)
	rootCmd.PersistentFlags().AddFlagSet(persistentFlags)
	rootCmd.PersistentFlags().AddFlagSet(env.Flags)

	// Register flags.
	rootFlags := flag.NewFlagSet("", flag.ContinueOnError)
	rootFlags.StringVar(&cfgFile, cfgConfigFile, "", "config file")
	rootFlags.Bool(cfgLogNoStdout, false, "do not multiplex logs to stdout")
	rootFlags.IntVarP(&numRuns, cfgNumRuns, "n", 1, "number of runs for given scenario(s)")
	rootFlags.Int(cfgParallelJobCount, 1, "(for CI) number of overall parallel jobs")
	rootFlags.Int(cfgParallelJobIndex, 0, "(for CI) index of this parallel job")
	rootFlags.Bool(cfgFailFast, false, "stop after the first failed scenario")
	_ = viper.BindPFlags(rootFlags)
	rootCmd.Flags().AddFlagSet(rootFlags)
	rootCmd.AddCommand(listCmd)

	cobra.OnInitialize(func() {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
			if err := viper.ReadInConfig(); err != nil {
				fmt.Fprintf(os.Stderr, "failed to read config file: %v\n", err)
				os.Exit(1)
			}
		}
	})
}
