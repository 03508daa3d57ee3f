// Package rfc0221 implements the scenarios exercising the 2021 hard fork
// rule that measures relative timestamp locks from the committing block's
// timestamp instead of its median time.
package rfc0221

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/liya2017/ckb-integration-test/ckb-test-runner/ckb"
	"github.com/liya2017/ckb-integration-test/ckb-test-runner/cmd"
	"github.com/liya2017/ckb-integration-test/ckb-test-runner/env"
	"github.com/liya2017/ckb-integration-test/ckb-test-runner/scenario"
	"github.com/liya2017/ckb-integration-test/common/logging"
	"github.com/liya2017/ckb-integration-test/types"
)

const (
	cfgRelativeSecs    = "relative_secs"
	cfgActivationEpoch = "activation_epoch"
	cfgOvershootBlocks = "overshoot_blocks"
	cfgBlockInterval   = "block_interval"
	cfgMaxIterations   = "max_iterations"

	// rfcName is the hard fork feature name reported by get_consensus.
	rfcName = "0221"
)

// RegisterScenarios registers the scenarios and their parameters with the
// runner.
func RegisterScenarios() error {
	// RFC0221, relative timestamp locks measured from the committing block.
	if err := cmd.Register(AfterSwitch); err != nil {
		return err
	}
	// Needs both node releases, selected explicitly.
	return cmd.RegisterNondefault(Networking)
}

type params struct {
	relativeSecs    uint64
	activationEpoch uint64
	overshootBlocks uint64
	blockInterval   time.Duration
	maxIterations   uint64
}

func (p *params) relativeMillis() uint64 {
	return p.relativeSecs * 1000
}

func registerParams(fs *env.ParameterFlagSet) {
	fs.Uint64(cfgRelativeSecs, 2, "relative timestamp lock of the input, in seconds")
	fs.Uint64(cfgActivationEpoch, 3, "epoch at which the hard fork is active")
	fs.Uint64(cfgOvershootBlocks, 37, "blocks mined past the activation epoch")
	fs.Duration(cfgBlockInterval, time.Second, "pause between consecutive blocks")
	fs.Uint64(cfgMaxIterations, 120, "maximum number of blocks mined while waiting for the lock")
}

func readParams(fs *env.ParameterFlagSet) (*params, error) {
	var (
		p   params
		err error
	)
	if p.relativeSecs, err = fs.GetUint64(cfgRelativeSecs); err != nil {
		return nil, err
	}
	if p.activationEpoch, err = fs.GetUint64(cfgActivationEpoch); err != nil {
		return nil, err
	}
	if p.overshootBlocks, err = fs.GetUint64(cfgOvershootBlocks); err != nil {
		return nil, err
	}
	if p.blockInterval, err = fs.GetDuration(cfgBlockInterval); err != nil {
		return nil, err
	}
	if p.maxIterations, err = fs.GetUint64(cfgMaxIterations); err != nil {
		return nil, err
	}
	return &p, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// miner is the part of a node used to produce blocks at a steady pace.
type miner interface {
	Name() string
	CurrentEpoch(ctx context.Context) (uint64, error)
	MineOne(ctx context.Context) (uint64, error)
	MineUntilEpoch(ctx context.Context, epoch uint64) error
}

// advancePastActivation mines until the activation epoch, then mines the
// overshoot blocks one block interval apart so that block timestamps are
// spread out in wall clock time.
func advancePastActivation(ctx context.Context, logger *logging.Logger, node miner, p *params) error {
	if err := node.MineUntilEpoch(ctx, p.activationEpoch); err != nil {
		return err
	}
	for i := uint64(0); i < p.overshootBlocks; i++ {
		if err := sleep(ctx, p.blockInterval); err != nil {
			return err
		}
		if _, err := node.MineOne(ctx); err != nil {
			return err
		}
	}

	epoch, err := node.CurrentEpoch(ctx)
	if err != nil {
		return err
	}
	logger.Info("hard fork activated",
		"node", node.Name(),
		"epoch", epoch,
		"overshoot_blocks", p.overshootBlocks,
	)
	return nil
}

// checkActivationEpoch warns when the node reports a different activation
// epoch than the one the scenario was configured with.
func checkActivationEpoch(logger *logging.Logger, node *ckb.Node, p *params) {
	consensus := node.Consensus()
	if consensus == nil {
		return
	}
	if epoch, ok := consensus.HardForkEpoch(rfcName); ok && epoch != p.activationEpoch {
		logger.Warn("activation epoch differs from the node's consensus",
			"node", node.Name(),
			"configured", p.activationEpoch,
			"consensus", epoch,
		)
	}
}

// pickInput returns the most recently created live always-success cell.
func pickInput(ctx context.Context, node *ckb.Node) (*ckb.LiveCell, error) {
	cells, err := node.LiveAlwaysSuccessCells(ctx)
	if err != nil {
		return nil, err
	}
	if len(cells) == 0 {
		return nil, scenario.Assertf("no live cell available on %s", node.Name())
	}
	return cells[len(cells)-1], nil
}

// buildTx spends the cell with the given since into a single output keeping
// its lock, type and capacity.
func buildTx(cell *ckb.LiveCell, dep types.CellDep, since types.Since) *types.Transaction {
	return &types.Transaction{
		CellDeps:   []types.CellDep{dep},
		HeaderDeps: []types.Hash{},
		Inputs: []types.CellInput{{
			Since:          hexutil.Uint64(since),
			PreviousOutput: cell.OutPoint,
		}},
		Outputs:     []types.CellOutput{cell.Output},
		OutputsData: []hexutil.Bytes{{}},
		Witnesses:   []hexutil.Bytes{},
	}
}

// sinceLock returns the relative timestamp since for the configured lock.
func sinceLock(p *params) (types.Since, error) {
	since, err := types.SinceFromRelativeTimestamp(p.relativeSecs)
	if err != nil {
		return 0, fmt.Errorf("rfc0221: %w", err)
	}
	return since, nil
}
