package ckb

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/liya2017/ckb-integration-test/ckb-test-runner/env"
)

const testAppConfig = `data_dir = "/var/lib/ckb"

[chain]
spec = { bundled = "specs/mainnet.toml" }

[logger]
filter = "info"

[network]
listen_addresses = ["/ip4/0.0.0.0/tcp/8115"]
bootnodes = ["/ip4/10.0.0.1/tcp/8115/p2p/QmBoot"]
max_peers = 125

[rpc]
listen_address = "127.0.0.1:8114"
modules = ["Net", "Pool", "Miner", "Chain", "Stats", "IntegrationTest"]
`

func writeFile(t *testing.T, path, content string) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func newTestFixtures(t *testing.T) string {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "spec", "ckb2021", "dev.toml"), "name = \"ckb_dev\"\n")
	writeFile(t, filepath.Join(dir, "spec", "ckb2021", "specs", "cells", "always_success"), "\x00")
	writeFile(t, filepath.Join(dir, "config", "ckb2021", appConfigFile), testAppConfig)
	writeFile(t, filepath.Join(dir, "config", "ckb2021", "ckb-miner.toml"), "[miner]\n")
	writeFile(t, filepath.Join(dir, "db", "Epoch2V1TestData", "db", "CURRENT"), "MANIFEST-000001\n")
	writeFile(t, filepath.Join(dir, "db", "Epoch2V1TestData", "network", "peer_store", "addr_manager.db"), "peers")
	writeFile(t, filepath.Join(dir, "db", "Epoch2V1TestData", "logs", "run.log"), "old log")
	return dir
}

func TestFindSpecFile(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	_, err := findSpecFile(dir)
	require.ErrorIs(err, env.ErrEnvironment, "empty directory")

	writeFile(t, filepath.Join(dir, "fork2021.toml"), "")
	name, err := findSpecFile(dir)
	require.NoError(err)
	require.Equal("fork2021.toml", name, "single candidate")

	writeFile(t, filepath.Join(dir, "other.toml"), "")
	_, err = findSpecFile(dir)
	require.ErrorIs(err, env.ErrEnvironment, "ambiguous")

	writeFile(t, filepath.Join(dir, "dev.toml"), "")
	name, err = findSpecFile(dir)
	require.NoError(err)
	require.Equal("dev.toml", name)
}

func TestStage(t *testing.T) {
	require := require.New(t)

	cfg := &env.Config{FixturesDir: newTestFixtures(t)}
	nodeDir := t.TempDir()
	opts := &NodeOptions{
		Name:            "node2019",
		Binary:          env.BinaryCKB2019,
		InitialDatabase: "db/Epoch2V1TestData",
		ChainSpec:       "spec/ckb2021",
		AppConfig:       "config/ckb2021",
	}
	patch := &appConfigPatch{rpcPort: 18114, p2pPort: 18115}
	require.NoError(stage(cfg, nodeDir, opts, patch))
	require.Equal("dev.toml", patch.specFile)

	for _, path := range []string{
		"specs/dev.toml",
		"specs/specs/cells/always_success",
		"ckb-miner.toml",
		"data/db/CURRENT",
	} {
		_, err := os.Stat(filepath.Join(nodeDir, path))
		require.NoError(err, path)
	}
	for _, path := range []string{"data/network", "data/logs"} {
		_, err := os.Stat(filepath.Join(nodeDir, path))
		require.True(os.IsNotExist(err), "%s is not shared between nodes", path)
	}

	v := viper.New()
	v.SetConfigFile(filepath.Join(nodeDir, appConfigFile))
	require.NoError(v.ReadInConfig())
	require.Equal("data", v.GetString("data_dir"))
	require.Equal("specs/dev.toml", v.GetString("chain.spec.file"))
	require.Empty(v.GetString("chain.spec.bundled"), "bundled spec is replaced")
	require.Equal("127.0.0.1:18114", v.GetString("rpc.listen_address"))
	require.Equal([]string{"/ip4/0.0.0.0/tcp/18115"}, v.GetStringSlice("network.listen_addresses"))
	require.Empty(v.GetStringSlice("network.bootnodes"))
	require.Equal(125, v.GetInt("network.max_peers"), "unrelated settings are kept")
	require.Equal("info", v.GetString("logger.filter"))

	opts.InitialDatabase = "db/missing"
	err := stage(cfg, t.TempDir(), opts, &appConfigPatch{})
	require.ErrorIs(err, env.ErrEnvironment)
}

func TestInit(t *testing.T) {
	require := require.New(t)

	binary := filepath.Join(t.TempDir(), "ckb")
	require.NoError(os.WriteFile(binary, []byte("#!/bin/sh\n"), 0o700))

	cfg := &env.Config{
		Binaries:    env.Binaries{CKB2021: binary},
		FixturesDir: newTestFixtures(t),
	}
	root := env.New(env.NewDir(t.TempDir(), false), cfg)
	defer root.Cleanup()
	childEnv, err := root.NewChild("rfc0221-networking", &env.ScenarioInstanceInfo{Scenario: "rfc0221/networking"})
	require.NoError(err)

	opts := NodeOptions{
		Name:            "node2021",
		Binary:          env.BinaryCKB2021,
		InitialDatabase: "db/Epoch2V1TestData",
		ChainSpec:       "spec/ckb2021",
		AppConfig:       "config/ckb2021",
	}
	n, err := Init(childEnv, opts)
	require.NoError(err)
	require.Equal(StateInitialized, n.State())
	require.Equal(filepath.Join(childEnv.Dir(), "node2021"), n.Dir())
	require.Equal(filepath.Join(n.Dir(), "data", "logs", "run.log"), n.LogPath())
	require.NotEqual(n.rpcPort, n.p2pPort)
	require.Equal("passthrough", n.OutputsValidator())
	require.Empty(n.NodeID(), "not running")
	require.NoError(n.Stop(), "not running")

	opts.Name = "node2019"
	opts.Binary = env.BinaryCKB2019
	_, err = Init(childEnv, opts)
	require.ErrorIs(err, env.ErrEnvironment, "CKB2019 is not configured")
}

func TestPortAllocator(t *testing.T) {
	require := require.New(t)

	seq := []uint16{18114, 18114, 18115, 18114}
	a := newPortAllocator(func() (uint16, error) {
		if len(seq) == 0 {
			return 18114, nil
		}
		p := seq[0]
		seq = seq[1:]
		return p, nil
	})

	p, err := a.allocate()
	require.NoError(err)
	require.EqualValues(18114, p)
	p, err = a.allocate()
	require.NoError(err)
	require.EqualValues(18115, p, "a port handed out before is skipped")

	_, err = a.allocate()
	require.ErrorIs(err, ErrIO, "gives up once no unused port turns up")

	a = newPortAllocator(func() (uint16, error) { return 0, errors.New("no ports") })
	_, err = a.allocate()
	require.ErrorIs(err, ErrIO)

	seen := make(map[uint16]bool)
	for i := 0; i < 64; i++ {
		p, err := allocatePort()
		require.NoError(err)
		require.False(seen[p], "port %d allocated twice", p)
		seen[p] = true
	}
}
