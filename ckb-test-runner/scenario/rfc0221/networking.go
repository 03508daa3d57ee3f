package rfc0221

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/liya2017/ckb-integration-test/ckb-test-runner/ckb"
	"github.com/liya2017/ckb-integration-test/ckb-test-runner/env"
	"github.com/liya2017/ckb-integration-test/ckb-test-runner/log"
	"github.com/liya2017/ckb-integration-test/ckb-test-runner/scenario"
	"github.com/liya2017/ckb-integration-test/common/logging"
	"github.com/liya2017/ckb-integration-test/rpc"
	"github.com/liya2017/ckb-integration-test/types"
)

const (
	cfgBanReason   = "ban_reason"
	cfgSyncTimeout = "sync_timeout"

	node2019 = "node2019"
	node2021 = "node2021"
)

// Networking is the scenario checking that a node which switched to the new
// rule bans a peer relaying a block that is only valid under the old one.
var Networking scenario.Scenario = newNetworkingImpl()

type networkingImpl struct {
	scenario.Base
}

func newNetworkingImpl() *networkingImpl {
	sc := &networkingImpl{
		Base: scenario.NewBase("rfc0221/networking"),
	}
	registerParams(sc.Flags)
	sc.Flags.String(cfgBanReason, "BlockIsInvalid(401)", "expected ban reason of the relaying peer")
	sc.Flags.Duration(cfgSyncTimeout, 60*time.Second, "how long to wait for the nodes to sync")
	return sc
}

func (sc *networkingImpl) Clone() scenario.Scenario {
	return &networkingImpl{
		Base: sc.Base.Clone(),
	}
}

func (sc *networkingImpl) CaseOptions() *ckb.CaseOptions {
	return &ckb.CaseOptions{
		MakeAllNodesConnected:          true,
		MakeAllNodesSynced:             true,
		MakeAllNodesConnectedAndSynced: true,
		NodeOptions: []ckb.NodeOptions{
			{
				Name:            node2019,
				Binary:          env.BinaryCKB2019,
				InitialDatabase: "db/Epoch2V1TestData",
				ChainSpec:       "spec/ckb2021",
				AppConfig:       "config/ckb2021",
				LogAssertions:   []log.WatcherHandlerFactory{log.AssertNoInvalidBlocks()},
			},
			{
				Name:            node2021,
				Binary:          env.BinaryCKB2021,
				InitialDatabase: "db/empty",
				ChainSpec:       "spec/ckb2021",
				AppConfig:       "config/ckb2021",
			},
		},
	}
}

func (sc *networkingImpl) Run(ctx context.Context, childEnv *env.Env, nodes *ckb.Nodes) error {
	p, err := readParams(sc.Flags)
	if err != nil {
		return err
	}
	banReason, err := sc.Flags.GetString(cfgBanReason)
	if err != nil {
		return err
	}
	syncTimeout, err := sc.Flags.GetDuration(cfgSyncTimeout)
	if err != nil {
		return err
	}

	oldNode, err := nodes.GetNode(node2019)
	if err != nil {
		return err
	}
	newNode, err := nodes.GetNode(node2021)
	if err != nil {
		return err
	}
	checkActivationEpoch(sc.Logger, newNode, p)

	if err = advancePastActivation(ctx, sc.Logger, newNode, p); err != nil {
		return err
	}

	input, err := pickInput(ctx, newNode)
	if err != nil {
		return err
	}
	startNew, err := newNode.CommittedTimestamp(ctx, input.BlockNumber)
	if err != nil {
		return err
	}
	startOld, err := newNode.MedianTimestamp(ctx, input.BlockNumber)
	if err != nil {
		return err
	}
	if startOld >= startNew {
		return scenario.Assertf("median time %d of input block %d is not below its timestamp %d",
			startOld, input.BlockNumber, startNew,
		)
	}
	ms := p.relativeMillis()
	sc.Logger.Info("input selected",
		"input", input.OutPoint,
		"input_block", input.BlockNumber,
		"start_old", startOld,
		"start_new", startNew,
	)

	// Reach a tip where only the old rule considers the lock expired.
	if err = mineBetween(ctx, sc.Logger, newNode, startOld+ms, startNew+ms, p); err != nil {
		return err
	}
	if err = nodes.WaitingForSync(ctx, syncTimeout); err != nil {
		return err
	}

	since, err := sinceLock(p)
	if err != nil {
		return err
	}
	tx := buildTx(input, newNode.AlwaysSuccessCellDep(), since)

	switch _, err = newNode.SendTransaction(ctx, tx); {
	case err == nil:
		return scenario.Assertf("%s accepted the transaction before the lock expired under the new rule", newNode.Name())
	case !rpc.IsRejection(err):
		return err
	}
	switch _, err = oldNode.SendTransaction(ctx, tx); {
	case rpc.IsRejection(err):
		return scenario.Assertf("%s rejected the transaction after the lock expired under the old rule: %v", oldNode.Name(), err)
	case err != nil:
		return err
	}

	// Commit the transaction on the old node. Blocks carrying it are invalid
	// for the new node.
	closest := uint64(oldNode.Consensus().TxProposalWindow.Closest)
	if err = oldNode.Mine(ctx, closest+1); err != nil {
		return err
	}
	switch err = nodes.WaitingForSync(ctx, syncTimeout); {
	case err == nil:
		return scenario.Assertf("nodes synced although %s committed a block invalid under the new rule", oldNode.Name())
	case !errors.Is(err, ckb.ErrTimeout):
		return err
	}

	banned, err := newNode.RPC().BannedAddresses(ctx)
	if err != nil {
		return err
	}
	if !hasBanReason(banned, banReason) {
		return scenario.Assertf("%s did not ban its peer with reason '%s', banned: %+v", newNode.Name(), banReason, banned)
	}
	sc.Logger.Info("peer banned",
		"node", newNode.Name(),
		"reason", banReason,
	)
	return nil
}

func hasBanReason(banned []types.BannedAddress, reason string) bool {
	for _, b := range banned {
		if strings.Contains(b.BanReason, reason) {
			return true
		}
	}
	return false
}

// medianMiner is the part of a node used to mine towards a median time.
type medianMiner interface {
	Name() string
	TipMedianTimestamp(ctx context.Context) (uint64, uint64, error)
	MineOne(ctx context.Context) (uint64, error)
}

// mineBetween mines until the tip's median time reaches lower. The median time
// must stay below upper throughout.
func mineBetween(ctx context.Context, logger *logging.Logger, node medianMiner, lower, upper uint64, p *params) error {
	// The tip is checked once more after the last block mined.
	for i := uint64(0); ; i++ {
		tip, now, err := node.TipMedianTimestamp(ctx)
		if err != nil {
			return err
		}
		if now >= upper {
			return scenario.Assertf("median time %d of %s tip %d reached %d before %d",
				now, node.Name(), tip, upper, lower,
			)
		}
		if lower <= now {
			logger.Info("median time between the old and the new unlock time",
				"node", node.Name(),
				"tip", tip,
				"median_time", now,
				"old_unlock_time", lower,
				"new_unlock_time", upper,
			)
			return nil
		}

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

	return fmt.Errorf("%w: median time did not reach %d within %d blocks", ckb.ErrTimeout, lower, p.maxIterations)
}
