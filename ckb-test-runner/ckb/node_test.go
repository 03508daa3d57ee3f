package ckb

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/liya2017/ckb-integration-test/ckb-test-runner/env"
	"github.com/liya2017/ckb-integration-test/rpc/rpctest"
	"github.com/liya2017/ckb-integration-test/types"
)

// The test binary doubles as a fake ckb executable when these are set.
const (
	envFakeNodeMode    = "CKB_TEST_FAKE_NODE_MODE"
	envFakeNodeVersion = "CKB_TEST_FAKE_NODE_VERSION"

	fakeArgvFile = "argv.json"

	fakeModeServe    = "serve"
	fakeModeCrash    = "crash"
	fakeModeStubborn = "stubborn"
	fakeModeNoVer    = "no-version"
)

var fakeAlwaysSuccessCode = hexutil.Bytes{0x7f, 0x45, 0x4c, 0x46}

func TestMain(m *testing.M) {
	if mode := os.Getenv(envFakeNodeMode); mode != "" {
		os.Exit(runFakeNode(mode, os.Getenv(envFakeNodeVersion), os.Args[1:]))
	}
	os.Exit(m.Run())
}

// runFakeNode handles "ckb --version" and "ckb run -C <dir> [flags...]".
// A running fake records its flags in the node directory and serves a
// one-block chain on the configured RPC address.
func runFakeNode(mode, version string, args []string) int {
	if len(args) == 1 && args[0] == "--version" {
		if mode == fakeModeNoVer {
			return 1
		}
		fmt.Printf("ckb %s (0000000 2021-09-01)\n", version)
		return 0
	}
	if len(args) < 3 || args[0] != "run" || args[1] != "-C" {
		fmt.Fprintln(os.Stderr, "usage: ckb run -C <dir> [flags]")
		return 2
	}
	dir := args[2]

	b, err := json.Marshal(args[3:])
	if err != nil {
		return 1
	}
	if err = os.WriteFile(filepath.Join(dir, fakeArgvFile), b, 0o600); err != nil {
		return 1
	}
	if mode == fakeModeCrash {
		return 1
	}

	v := viper.New()
	v.SetConfigFile(filepath.Join(dir, appConfigFile))
	if err = v.ReadInConfig(); err != nil {
		return 1
	}
	l, err := net.Listen("tcp", v.GetString("rpc.listen_address"))
	if err != nil {
		return 1
	}
	srv := rpctest.NewServerWithListener(l)
	defer srv.Close()

	genesis := &types.BlockView{
		Transactions: []types.TransactionView{{
			Transaction: types.Transaction{
				OutputsData: []hexutil.Bytes{{}, fakeAlwaysSuccessCode},
			},
			Hash: types.Hash{31: 0x01},
		}},
	}
	srv.Handle("get_tip_block_number", rpctest.Static(hexutil.Uint64(0)))
	srv.Handle("get_consensus", rpctest.Static(&types.Consensus{ID: "ckb_dev", CellbaseMaturity: 4}))
	srv.Handle("local_node_info", rpctest.Static(&types.LocalNode{Version: version, NodeID: "QmFakeNode"}))
	srv.Handle("get_block_by_number", rpctest.Static(genesis))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM)
	for range sigCh {
		if mode != fakeModeStubborn {
			return 0
		}
	}
	return 0
}

func newProcessNode(t *testing.T, mode, version string) *Node {
	t.Setenv(envFakeNodeMode, mode)
	t.Setenv(envFakeNodeVersion, version)

	binary, err := os.Executable()
	require.NoError(t, err)

	cfg := &env.Config{
		Binaries:    env.Binaries{CKB2021: binary},
		FixturesDir: newTestFixtures(t),
	}
	root := env.New(env.NewDir(t.TempDir(), false), cfg)
	t.Cleanup(root.Cleanup)
	childEnv, err := root.NewChild("rfc0221-after-switch", &env.ScenarioInstanceInfo{Scenario: "rfc0221/after-switch"})
	require.NoError(t, err)

	n, err := Init(childEnv, NodeOptions{
		Name:            "node2021",
		Binary:          env.BinaryCKB2021,
		InitialDatabase: "db/Epoch2V1TestData",
		ChainSpec:       "spec/ckb2021",
		AppConfig:       "config/ckb2021",
		StartTimeout:    10 * time.Second,
	})
	require.NoError(t, err)
	return n
}

func readArgv(t *testing.T, n *Node) []string {
	b, err := os.ReadFile(filepath.Join(n.Dir(), fakeArgvFile))
	require.NoError(t, err)

	var argv []string
	require.NoError(t, json.Unmarshal(b, &argv))
	return argv
}

func TestNodeLifecycle(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	n := newProcessNode(t, fakeModeServe, "0.101.0")
	require.NoError(n.Start(ctx))
	require.Equal(StateRunning, n.State())
	require.False(n.legacy)
	require.Equal("QmFakeNode", n.NodeID())
	require.EqualValues(4, n.Consensus().CellbaseMaturity)
	require.Equal(types.Blake2b256(fakeAlwaysSuccessCode), n.AlwaysSuccessScript().CodeHash)
	require.Equal(types.Hash{31: 0x01}, n.AlwaysSuccessCellDep().OutPoint.TxHash)
	require.EqualValues(1, n.AlwaysSuccessCellDep().OutPoint.Index)

	argv := readArgv(t, n)
	require.Contains(argv, "--ba-advanced")
	require.Contains(argv, "--overwrite-spec")

	require.ErrorIs(n.Start(ctx), ErrInvalidState, "already running")

	require.NoError(n.Stop())
	require.Equal(StateStopped, n.State())
	require.NoError(n.Stop(), "stopping a stopped node is a no-op")
}

func TestNodeLegacyArgs(t *testing.T) {
	require := require.New(t)

	n := newProcessNode(t, fakeModeServe, "0.43.2")
	require.NoError(n.Start(context.Background()))
	defer func() {
		require.NoError(n.Stop())
	}()
	require.True(n.legacy)

	argv := readArgv(t, n)
	require.Contains(argv, "--ba-advanced")
	require.NotContains(argv, "--overwrite-spec", "CKB2019 rejects the flag")
}

func TestNodeStartupFailure(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	n := newProcessNode(t, fakeModeCrash, "0.101.0")
	err := n.Start(ctx)
	require.ErrorIs(err, ErrNodeStartup)
	require.Equal(StateStopped, n.State(), "a node that exits during startup is stopped")
	require.NotEmpty(readArgv(t, n), "process was launched")

	n = newProcessNode(t, fakeModeNoVer, "")
	err = n.Start(ctx)
	require.ErrorIs(err, ErrNodeStartup)
	require.Equal(StateInitialized, n.State(), "nothing was launched")
	_, err = os.Stat(filepath.Join(n.Dir(), fakeArgvFile))
	require.True(os.IsNotExist(err))
}

func TestNodeStopKillsAfterGracePeriod(t *testing.T) {
	require := require.New(t)

	grace := env.TermGracePeriod
	env.TermGracePeriod = 500 * time.Millisecond
	t.Cleanup(func() { env.TermGracePeriod = grace })

	n := newProcessNode(t, fakeModeStubborn, "0.101.0")
	require.NoError(n.Start(context.Background()))

	n.Lock()
	cmd := n.cmd
	n.Unlock()

	start := time.Now()
	require.NoError(n.Stop())
	require.GreaterOrEqual(time.Since(start), env.TermGracePeriod, "SIGTERM is ignored")
	require.Equal(StateStopped, n.State())
	require.NotNil(cmd.ProcessState)
	require.False(cmd.ProcessState.Success(), "killed")
}
