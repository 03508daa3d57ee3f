package ckb

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/spf13/viper"

	"github.com/liya2017/ckb-integration-test/ckb-test-runner/env"
	"github.com/liya2017/ckb-integration-test/common"
)

const (
	appConfigFile = "ckb.toml"
	specsDir      = "specs"
	dataDir       = "data"
)

// Per-node directories inside a database snapshot that must not be shared
// between nodes.
var snapshotExcludes = []string{"network", "logs"}

const maxPortAttempts = 32

// portAllocator hands out free local ports, each at most once per process.
// A port is free when first returned, but nothing holds it until the node
// binds it, so the kernel may offer it again in the meantime.
type portAllocator struct {
	sync.Mutex

	next func() (uint16, error)
	used map[uint16]struct{}
}

func (a *portAllocator) allocate() (uint16, error) {
	a.Lock()
	defer a.Unlock()

	for i := 0; i < maxPortAttempts; i++ {
		port, err := a.next()
		if err != nil {
			return 0, fmt.Errorf("%w: failed to allocate port: %v", ErrIO, err)
		}
		if _, ok := a.used[port]; ok {
			continue
		}
		a.used[port] = struct{}{}
		return port, nil
	}
	return 0, fmt.Errorf("%w: failed to allocate port: no unused port after %d attempts", ErrIO, maxPortAttempts)
}

func newPortAllocator(next func() (uint16, error)) *portAllocator {
	return &portAllocator{
		next: next,
		used: make(map[uint16]struct{}),
	}
}

func freePort() (uint16, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()

	return uint16(l.Addr().(*net.TCPAddr).Port), nil
}

var ports = newPortAllocator(freePort)

func allocatePort() (uint16, error) {
	return ports.allocate()
}

func p2pListenAddress(port uint16) (ma.Multiaddr, error) {
	return ma.NewMultiaddr(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", port))
}

func p2pDialAddress(port uint16) (ma.Multiaddr, error) {
	return ma.NewMultiaddr(fmt.Sprintf("/ip4/127.0.0.1/tcp/%d", port))
}

// findSpecFile locates the chain spec file at the root of a staged spec
// template directory.
func findSpecFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIO, err)
	}

	var candidates []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), ".toml") {
			candidates = append(candidates, e.Name())
		}
	}
	sort.Strings(candidates)

	switch len(candidates) {
	case 0:
		return "", fmt.Errorf("%w: no chain spec in '%s'", env.ErrEnvironment, dir)
	case 1:
		return candidates[0], nil
	}
	for _, c := range candidates {
		if c == "spec.toml" || c == "dev.toml" {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: ambiguous chain spec in '%s': %v", env.ErrEnvironment, dir, candidates)
}

type appConfigPatch struct {
	specFile string
	rpcPort  uint16
	p2pPort  uint16
}

// setPath replaces the value at a dotted path of a settings tree, creating
// intermediate tables as needed.
func setPath(settings map[string]any, path string, value any) {
	keys := strings.Split(path, ".")
	m := settings
	for _, k := range keys[:len(keys)-1] {
		next, ok := m[k].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[k] = next
		}
		m = next
	}
	m[keys[len(keys)-1]] = value
}

// patchAppConfig rewrites the node's app config in place so that the node
// uses its own ports, data directory and chain spec. Whole tables are
// replaced, so "chain.spec" loses any "bundled" key of the template.
func patchAppConfig(nodeDir string, patch *appConfigPatch) error {
	path := filepath.Join(nodeDir, appConfigFile)

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("%w: failed to read app config: %v", env.ErrEnvironment, err)
	}

	listen, err := p2pListenAddress(patch.p2pPort)
	if err != nil {
		return err
	}

	settings := v.AllSettings()
	setPath(settings, "data_dir", dataDir)
	setPath(settings, "chain.spec", map[string]any{
		"file": filepath.ToSlash(filepath.Join(specsDir, patch.specFile)),
	})
	setPath(settings, "rpc.listen_address", fmt.Sprintf("127.0.0.1:%d", patch.rpcPort))
	setPath(settings, "network.listen_addresses", []string{listen.String()})
	setPath(settings, "network.bootnodes", []string{})

	out := viper.New()
	out.SetConfigType("toml")
	if err = out.MergeConfigMap(settings); err != nil {
		return fmt.Errorf("%w: failed to patch app config: %v", env.ErrEnvironment, err)
	}
	if err = out.WriteConfigAs(path); err != nil {
		return fmt.Errorf("%w: failed to write app config: %v", ErrIO, err)
	}
	return nil
}

// stage populates a node directory from the fixture templates.
func stage(cfg *env.Config, nodeDir string, opts *NodeOptions, patch *appConfigPatch) error {
	specSrc, err := cfg.Fixture(opts.ChainSpec)
	if err != nil {
		return err
	}
	configSrc, err := cfg.Fixture(opts.AppConfig)
	if err != nil {
		return err
	}
	dbSrc, err := cfg.Fixture(opts.InitialDatabase)
	if err != nil {
		return err
	}

	specDst := filepath.Join(nodeDir, specsDir)
	if err = common.CopyDir(specSrc, specDst); err != nil {
		return fmt.Errorf("%w: failed to stage chain spec: %v", ErrIO, err)
	}
	if err = common.CopyDir(configSrc, nodeDir); err != nil {
		return fmt.Errorf("%w: failed to stage app config: %v", ErrIO, err)
	}
	dataDst := filepath.Join(nodeDir, dataDir)
	if err = common.CopyDir(dbSrc, dataDst); err != nil {
		return fmt.Errorf("%w: failed to stage database: %v", ErrIO, err)
	}
	for _, ex := range snapshotExcludes {
		if err = os.RemoveAll(filepath.Join(dataDst, ex)); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
	}

	if patch.specFile, err = findSpecFile(specDst); err != nil {
		return err
	}
	return patchAppConfig(nodeDir, patch)
}
