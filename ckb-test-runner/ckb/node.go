// Package ckb implements handles on locally spawned CKB node processes and
// sets of them.
package ckb

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/mod/semver"

	"github.com/liya2017/ckb-integration-test/ckb-test-runner/env"
	"github.com/liya2017/ckb-integration-test/ckb-test-runner/log"
	cmnBackoff "github.com/liya2017/ckb-integration-test/common/backoff"
	"github.com/liya2017/ckb-integration-test/common/logging"
	"github.com/liya2017/ckb-integration-test/rpc"
	"github.com/liya2017/ckb-integration-test/types"
)

const (
	logConsoleFile = "console.log"

	// Releases before this version encode headers with uncles_hash and do
	// not accept --overwrite-spec.
	extraHashVersion = "v0.100.0"

	versionTimeout = 10 * time.Second
)

// NodeState is the lifecycle state of a node.
type NodeState int

const (
	StateUninitialized NodeState = iota
	StateInitialized
	StateRunning
	StateStopped
)

// String returns a string representation of the state.
func (s NodeState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("[unknown state: %d]", int(s))
	}
}

// Node is a handle on a single node process.
type Node struct {
	sync.Mutex

	name   string
	opts   NodeOptions
	env    *env.Env
	dir    *env.Dir
	binary string
	logger *logging.Logger

	rpcURL  string
	rpcPort uint16
	p2pPort uint16

	state      NodeState
	cmd        *exec.Cmd
	exitCh     chan error
	errCh      chan error
	isStopping bool
	logWatcher *log.Watcher

	client    *rpc.Client
	consensus *types.Consensus
	localNode *types.LocalNode
	legacy    bool

	alwaysSuccessScript types.Script
	alwaysSuccessDep    types.CellDep

	cells *cellIndex

	logWatcherHandlerFactories []log.WatcherHandlerFactory
}

// Name returns the node name.
func (n *Node) Name() string {
	return n.name
}

// State returns the node's lifecycle state.
func (n *Node) State() NodeState {
	n.Lock()
	defer n.Unlock()

	return n.state
}

// Dir returns the node's working directory, empty for attached nodes.
func (n *Node) Dir() string {
	if n.dir == nil {
		return ""
	}
	return n.dir.String()
}

// DataDir returns the node's data directory.
func (n *Node) DataDir() string {
	return filepath.Join(n.Dir(), dataDir)
}

// LogPath returns the path of the node's own log file.
func (n *Node) LogPath() string {
	return filepath.Join(n.DataDir(), "logs", "run.log")
}

// RPCAddress returns the JSON-RPC endpoint URL.
func (n *Node) RPCAddress() string {
	if n.rpcURL != "" {
		return n.rpcURL
	}
	return fmt.Sprintf("http://127.0.0.1:%d", n.rpcPort)
}

// P2PAddress returns the address peers dial to reach the node.
func (n *Node) P2PAddress() string {
	addr, err := p2pDialAddress(n.p2pPort)
	if err != nil {
		// The port is a valid uint16, so the address always parses.
		panic(err)
	}
	return addr.String()
}

// NodeID returns the node's peer id. Only valid while running.
func (n *Node) NodeID() string {
	if n.localNode == nil {
		return ""
	}
	return n.localNode.NodeID
}

// Version returns the node's reported version. Only valid while running.
func (n *Node) Version() string {
	if n.localNode == nil {
		return ""
	}
	return n.localNode.Version
}

// RPC returns the node's JSON-RPC client. Only valid while running.
func (n *Node) RPC() *rpc.Client {
	return n.client
}

// Consensus returns the consensus parameters cached at start.
func (n *Node) Consensus() *types.Consensus {
	return n.consensus
}

// AlwaysSuccessScript returns the lock script that any input satisfies.
func (n *Node) AlwaysSuccessScript() types.Script {
	return n.alwaysSuccessScript
}

// AlwaysSuccessCellDep returns the cell dep providing the always-success
// script code.
func (n *Node) AlwaysSuccessCellDep() types.CellDep {
	return n.alwaysSuccessDep
}

// OutputsValidator returns the validator passed to send_transaction.
func (n *Node) OutputsValidator() string {
	return n.opts.outputsValidator()
}

// Errors returns a channel receiving the error of an unexpected exit.
func (n *Node) Errors() <-chan error {
	return n.errCh
}

// AddLogWatcherHandlerFactory adds a handler checked against the node log.
// Must be called before Start.
func (n *Node) AddLogWatcherHandlerFactory(fac log.WatcherHandlerFactory) {
	n.logWatcherHandlerFactories = append(n.logWatcherHandlerFactories, fac)
}

// Start launches the node process and waits until its RPC is ready.
func (n *Node) Start(ctx context.Context) error {
	n.Lock()
	if n.state != StateInitialized && n.state != StateStopped {
		n.Unlock()
		return fmt.Errorf("%w: cannot start %s node %s", ErrInvalidState, n.state, n.name)
	}
	n.Unlock()

	if err := n.startProcess(ctx); err != nil {
		return err
	}

	if err := n.waitReady(ctx); err != nil {
		n.logger.Error("node failed to become ready",
			"err", err,
		)
		_ = n.Stop()
		return err
	}

	n.logger.Info("node started",
		"rpc", n.RPCAddress(),
		"p2p", n.P2PAddress(),
		"version", n.Version(),
		"legacy_header", n.legacy,
	)
	return nil
}

func (n *Node) startProcess(ctx context.Context) error {
	version, err := binaryVersion(ctx, n.binary)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNodeStartup, n.name, err)
	}
	legacy := isLegacyVersion(version)

	// Fixture databases are staged under a spec file name that differs from
	// the one they were generated with.
	args := newArgBuilder().baAdvanced()
	if !legacy {
		args.overwriteSpec()
	}
	args.extraArgs(n.opts.ExtraArgs)
	extra, err := args.merge()
	if err != nil {
		return err
	}
	argv := append([]string{"run", "-C", n.dir.String()}, extra...)

	w, err := n.dir.NewLogWriter(logConsoleFile)
	if err != nil {
		return err
	}
	n.env.AddOnCleanup(func() {
		_ = w.Close()
	})

	var handlers []log.WatcherHandler
	for _, fac := range n.logWatcherHandlerFactories {
		h, err := fac.New()
		if err != nil {
			return err
		}
		handlers = append(handlers, h)
	}
	watcher, err := log.NewWatcher(&log.WatcherConfig{
		Name:     n.name,
		File:     n.LogPath(),
		Handlers: handlers,
	})
	if err != nil {
		return err
	}

	cmd := exec.Command(n.binary, argv...)
	cmd.SysProcAttr = env.CmdAttrs
	cmd.Stdout = w
	cmd.Stderr = w

	n.logger.Info("launching node",
		"version", version,
		"args", strings.Join(argv, " "),
	)

	n.Lock()
	n.isStopping = false
	n.legacy = legacy
	n.Unlock()

	if err = cmd.Start(); err != nil {
		watcher.Cleanup()
		return fmt.Errorf("%w: %s: %v", ErrNodeStartup, n.name, err)
	}

	doneCh := n.env.AddTermOnCleanup(cmd)
	exitCh := make(chan error, 1)
	go func() {
		defer close(exitCh)

		cmdErr := <-doneCh
		n.logger.Debug("node terminated",
			"err", cmdErr,
		)
		if cmdErr != nil {
			exitCh <- cmdErr
		}
		if err := n.handleExit(cmdErr); err != nil {
			select {
			case n.errCh <- fmt.Errorf("ckb: %s node terminated: %w", n.name, err):
			default:
			}
		}
	}()

	n.Lock()
	n.cmd = cmd
	n.exitCh = exitCh
	n.logWatcher = watcher
	n.state = StateRunning
	n.Unlock()

	return nil
}

func (n *Node) handleExit(cmdErr error) error {
	n.Lock()
	defer n.Unlock()

	if n.isStopping {
		return nil
	}
	if cmdErr == nil {
		cmdErr = env.ErrEarlyTerm
	}
	return cmdErr
}

func (n *Node) waitReady(ctx context.Context) error {
	client, err := rpc.Dial(ctx, n.RPCAddress())
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNodeStartup, n.name, err)
	}
	n.client = client

	bo := backoff.WithContext(cmnBackoff.NewPollingBackOff(n.opts.startTimeout()), ctx)
	err = backoff.Retry(func() error {
		select {
		case exitErr := <-n.exitCh:
			return backoff.Permanent(fmt.Errorf("node exited: %v", exitErr))
		default:
		}
		_, err := client.TipBlockNumber(ctx)
		return err
	}, bo)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNodeStartup, n.name, err)
	}

	return n.loadChainInfo(ctx)
}

// loadChainInfo caches the consensus parameters, the node identity and the
// always-success script from the genesis block.
func (n *Node) loadChainInfo(ctx context.Context) error {
	var err error
	if n.consensus, err = n.client.Consensus(ctx); err != nil {
		return err
	}
	if n.localNode, err = n.client.LocalNodeInfo(ctx); err != nil {
		return err
	}
	n.legacy = isLegacyVersion(n.localNode.Version)

	genesis, err := n.client.BlockByNumber(ctx, 0)
	if err != nil {
		return err
	}
	if len(genesis.Transactions) == 0 {
		return fmt.Errorf("%w: %s: genesis block has no cellbase", ErrNodeStartup, n.name)
	}
	cellbase := genesis.Transactions[0]
	idx := n.opts.alwaysSuccessIndex()
	if idx >= uint64(len(cellbase.OutputsData)) {
		return fmt.Errorf("%w: %s: genesis cellbase has no output %d", ErrNodeStartup, n.name, idx)
	}

	n.alwaysSuccessScript = types.Script{
		CodeHash: types.Blake2b256(cellbase.OutputsData[idx]),
		HashType: types.HashTypeData,
		Args:     []byte{},
	}
	n.alwaysSuccessDep = types.CellDep{
		OutPoint: types.OutPoint{
			TxHash: cellbase.Hash,
			Index:  hexutil.Uint64(idx),
		},
		DepType: types.DepTypeCode,
	}
	n.cells = newCellIndex(n.alwaysSuccessScript)

	return nil
}

// binaryVersion returns the version reported by "ckb --version", which
// prints e.g. "ckb 0.43.2 (6a2f1ff 2021-07-26)".
func binaryVersion(ctx context.Context, binary string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, binary, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("failed to query binary version: %w", err)
	}
	fields := strings.Fields(string(out))
	if len(fields) < 2 || fields[0] != "ckb" {
		return "", fmt.Errorf("unrecognized version output: %q", strings.TrimSpace(string(out)))
	}
	return strings.Join(fields[1:], " "), nil
}

func isLegacyVersion(version string) bool {
	fields := strings.Fields(version)
	if len(fields) == 0 {
		return false
	}
	v := fields[0]
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	// Release candidates already carry the new header layout.
	v, _, _ = strings.Cut(v, "-")
	if !semver.IsValid(v) {
		return false
	}
	return semver.Compare(v, extraHashVersion) < 0
}

// Stop terminates the node, first gracefully and then forcibly. Stopping a
// node that is not running is a no-op, stopping an attached node only
// closes its client. The returned error reports log
// watcher assertions.
func (n *Node) Stop() error {
	n.Lock()
	if n.state != StateRunning {
		n.Unlock()
		return nil
	}
	n.isStopping = true
	cmd, exitCh, watcher := n.cmd, n.exitCh, n.logWatcher
	n.Unlock()

	n.logger.Info("stopping node")

	if cmd != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-exitCh:
		case <-time.After(env.TermGracePeriod):
			n.logger.Warn("node did not exit after SIGTERM, killing")
			_ = cmd.Process.Kill()
			<-exitCh
		}
	}

	if n.client != nil {
		n.client.Close()
	}

	n.Lock()
	n.state = StateStopped
	n.cmd = nil
	n.logWatcher = nil
	n.Unlock()

	if watcher == nil {
		return nil
	}
	watcher.Cleanup()
	if err := <-watcher.Errors(); err != nil {
		return fmt.Errorf("ckb: %s: %w", n.name, err)
	}
	return nil
}

// TipBlockNumber returns the node's tip block number.
func (n *Node) TipBlockNumber(ctx context.Context) (uint64, error) {
	return n.client.TipBlockNumber(ctx)
}

// TipHeader returns the node's tip header.
func (n *Node) TipHeader(ctx context.Context) (*types.HeaderView, error) {
	return n.client.TipHeader(ctx)
}

// TipBlock returns the node's tip block.
func (n *Node) TipBlock(ctx context.Context) (*types.BlockView, error) {
	tip, err := n.client.TipBlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	return n.client.BlockByNumber(ctx, tip)
}

// HeaderByNumber returns the main chain header with the given number.
func (n *Node) HeaderByNumber(ctx context.Context, number uint64) (*types.HeaderView, error) {
	return n.client.HeaderByNumber(ctx, number)
}

// CurrentEpoch returns the node's current epoch number.
func (n *Node) CurrentEpoch(ctx context.Context) (uint64, error) {
	epoch, err := n.client.CurrentEpoch(ctx)
	if err != nil {
		return 0, err
	}
	return uint64(epoch.Number), nil
}

// SendTransaction submits a transaction using the node's configured outputs
// validator.
func (n *Node) SendTransaction(ctx context.Context, tx *types.Transaction) (types.Hash, error) {
	return n.client.SendTransaction(ctx, tx, n.OutputsValidator())
}

// Init stages a node's working directory under the scenario environment.
func Init(childEnv *env.Env, opts NodeOptions) (*Node, error) {
	cfg := childEnv.Config()
	if cfg == nil {
		return nil, fmt.Errorf("%w: runner configuration missing", env.ErrEnvironment)
	}

	binary, err := cfg.Binary(opts.Binary)
	if err != nil {
		return nil, err
	}

	dir, err := childEnv.NewSubDir(opts.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	patch := &appConfigPatch{}
	if patch.rpcPort, err = allocatePort(); err != nil {
		return nil, err
	}
	if patch.p2pPort, err = allocatePort(); err != nil {
		return nil, err
	}
	if err = stage(cfg, dir.String(), &opts, patch); err != nil {
		return nil, err
	}

	n := &Node{
		name:    opts.Name,
		opts:    opts,
		env:     childEnv,
		dir:     dir,
		binary:  binary,
		rpcPort: patch.rpcPort,
		p2pPort: patch.p2pPort,
		state:   StateInitialized,
		errCh:   make(chan error, 1),
		logger: logging.GetLogger("ckb/node").With(
			"node", opts.Name,
		),
		logWatcherHandlerFactories: []log.WatcherHandlerFactory{log.AssertNoPanics()},
	}
	for _, fac := range opts.LogAssertions {
		n.AddLogWatcherHandlerFactory(fac)
	}
	n.logger.Info("node initialized",
		"dir", dir.String(),
		"binary", binary,
		"chain_spec", opts.ChainSpec,
		"app_config", opts.AppConfig,
		"initial_database", opts.InitialDatabase,
	)

	return n, nil
}

// Attach returns a running handle on a node that was started outside the
// runner and serves JSON-RPC at rpcURL. Only opts.Name, opts.OutputsValidator
// and opts.AlwaysSuccessIndex are used.
func Attach(ctx context.Context, rpcURL string, opts NodeOptions) (*Node, error) {
	client, err := rpc.Dial(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNodeStartup, opts.Name, err)
	}

	n := &Node{
		name:   opts.Name,
		opts:   opts,
		rpcURL: rpcURL,
		state:  StateRunning,
		errCh:  make(chan error, 1),
		client: client,
		logger: logging.GetLogger("ckb/node").With(
			"node", opts.Name,
		),
	}
	if err = n.loadChainInfo(ctx); err != nil {
		client.Close()
		return nil, err
	}
	n.logger.Info("attached to node",
		"rpc", rpcURL,
		"version", n.Version(),
		"legacy_header", n.legacy,
	)
	return n, nil
}
