package rfc0221

import (
	"context"
	"fmt"

	"github.com/liya2017/ckb-integration-test/ckb-test-runner/ckb"
	"github.com/liya2017/ckb-integration-test/ckb-test-runner/env"
	"github.com/liya2017/ckb-integration-test/ckb-test-runner/log"
	"github.com/liya2017/ckb-integration-test/ckb-test-runner/scenario"
	"github.com/liya2017/ckb-integration-test/common/logging"
	"github.com/liya2017/ckb-integration-test/rpc"
	"github.com/liya2017/ckb-integration-test/types"
)

const nodeFork2021 = "node-fork2021"

// AfterSwitch is the scenario checking that, once the hard fork is active, a
// relative timestamp lock is measured from the timestamp of the block that
// committed the input.
var AfterSwitch scenario.Scenario = newAfterSwitchImpl()

type afterSwitchImpl struct {
	scenario.Base
}

func newAfterSwitchImpl() *afterSwitchImpl {
	sc := &afterSwitchImpl{
		Base: scenario.NewBase("rfc0221/after-switch"),
	}
	registerParams(sc.Flags)
	return sc
}

func (sc *afterSwitchImpl) Clone() scenario.Scenario {
	return &afterSwitchImpl{
		Base: sc.Base.Clone(),
	}
}

func (sc *afterSwitchImpl) CaseOptions() *ckb.CaseOptions {
	return &ckb.CaseOptions{
		NodeOptions: []ckb.NodeOptions{
			{
				Name:            nodeFork2021,
				Binary:          env.BinaryFork2021,
				InitialDatabase: "db/Epoch2V2TestData",
				ChainSpec:       "spec/fork2021",
				AppConfig:       "config/fork2021",
				LogAssertions:   []log.WatcherHandlerFactory{log.AssertNoInvalidBlocks()},
			},
		},
	}
}

func (sc *afterSwitchImpl) Run(ctx context.Context, childEnv *env.Env, nodes *ckb.Nodes) error {
	p, err := readParams(sc.Flags)
	if err != nil {
		return err
	}
	node, err := nodes.GetNode(nodeFork2021)
	if err != nil {
		return err
	}
	checkActivationEpoch(sc.Logger, node, p)

	if err = advancePastActivation(ctx, sc.Logger, node, p); err != nil {
		return err
	}

	input, err := pickInput(ctx, node)
	if err != nil {
		return err
	}
	startTime, err := node.CommittedTimestamp(ctx, input.BlockNumber)
	if err != nil {
		return err
	}
	since, err := sinceLock(p)
	if err != nil {
		return err
	}
	tx := buildTx(input, node.AlwaysSuccessCellDep(), since)

	sc.Logger.Info("spending input with relative timestamp lock",
		"input", input.OutPoint,
		"input_block", input.BlockNumber,
		"start_time", startTime,
		"since", since,
	)

	return waitForLock(ctx, sc.Logger, node, tx, startTime+p.relativeMillis(), p)
}

// lockedSender is the part of a node used to test a time locked
// transaction while the chain advances.
type lockedSender interface {
	Name() string
	TipMedianTimestamp(ctx context.Context) (uint64, uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) (types.Hash, error)
	MineOne(ctx context.Context) (uint64, error)
}

// waitForLock submits the transaction on every block until the tip's median
// time reaches the unlock time. Submissions before it must be rejected by the
// node, the first one at or after it must be accepted.
func waitForLock(
	ctx context.Context,
	logger *logging.Logger,
	node lockedSender,
	tx *types.Transaction,
	unlockTime uint64,
	p *params,
) error {
	// The tip is checked once more after the last block mined.
	for i := uint64(0); ; i++ {
		tip, now, err := node.TipMedianTimestamp(ctx)
		if err != nil {
			return err
		}

		_, err = node.SendTransaction(ctx, tx)
		if unlockTime <= now {
			switch {
			case err == nil:
				logger.Info("transaction accepted after the lock expired",
					"node", node.Name(),
					"tip", tip,
					"median_time", now,
					"unlock_time", unlockTime,
				)
				return nil
			case rpc.IsRejection(err):
				return scenario.Assertf("%s rejected the transaction at tip %d (median time %d, unlock time %d): %v",
					node.Name(), tip, now, unlockTime, err,
				)
			default:
				return err
			}
		}

		switch {
		case err == nil:
			return scenario.Assertf("%s accepted the transaction at tip %d before the lock expired (median time %d, unlock time %d)",
				node.Name(), tip, now, unlockTime,
			)
		case !rpc.IsRejection(err):
			return err
		}
		logger.Debug("transaction rejected while locked",
			"node", node.Name(),
			"tip", tip,
			"median_time", now,
			"unlock_time", unlockTime,
		)

		if i == p.maxIterations {
			break
		}
		if err = sleep(ctx, p.blockInterval); err != nil {
			return err
		}
		if _, err = node.MineOne(ctx); err != nil {
			return err
		}
	}

	return fmt.Errorf("%w: lock did not expire within %d blocks", ckb.ErrTimeout, p.maxIterations)
}
