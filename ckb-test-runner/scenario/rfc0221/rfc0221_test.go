package rfc0221

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/liya2017/ckb-integration-test/ckb-test-runner/ckb"
	"github.com/liya2017/ckb-integration-test/ckb-test-runner/scenario"
	"github.com/liya2017/ckb-integration-test/common/logging"
	"github.com/liya2017/ckb-integration-test/rpc"
	"github.com/liya2017/ckb-integration-test/types"
)

// rejection mimics a JSON-RPC error response.
type rejection struct{}

func (rejection) Error() string  { return "TransactionFailedToVerify: Immature" }
func (rejection) ErrorCode() int { return -301 }

// fakeNode is a chain whose median time advances by step per block and
// which accepts a transaction once the median time reaches unlock.
type fakeNode struct {
	tip    uint64
	epoch  uint64
	median uint64
	step   uint64
	unlock uint64

	sendErr error
	sent    int
	mined   int
}

func (n *fakeNode) Name() string { return "fake" }

func (n *fakeNode) CurrentEpoch(context.Context) (uint64, error) {
	return n.epoch, nil
}

func (n *fakeNode) MineOne(context.Context) (uint64, error) {
	n.tip++
	n.median += n.step
	n.mined++
	if n.tip%10 == 0 {
		n.epoch++
	}
	return n.tip, nil
}

func (n *fakeNode) MineUntilEpoch(ctx context.Context, epoch uint64) error {
	for n.epoch < epoch {
		if _, err := n.MineOne(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (n *fakeNode) TipMedianTimestamp(context.Context) (uint64, uint64, error) {
	return n.tip, n.median, nil
}

func (n *fakeNode) SendTransaction(context.Context, *types.Transaction) (types.Hash, error) {
	n.sent++
	if n.sendErr != nil {
		return types.Hash{}, n.sendErr
	}
	if n.median < n.unlock {
		return types.Hash{}, rejection{}
	}
	return types.Hash{0: 1}, nil
}

func testParams() *params {
	return &params{
		relativeSecs:    2,
		activationEpoch: 3,
		overshootBlocks: 5,
		maxIterations:   20,
	}
}

func TestParams(t *testing.T) {
	require := require.New(t)

	for _, sc := range []scenario.Scenario{AfterSwitch, Networking} {
		p, err := readParams(sc.Parameters())
		require.NoError(err, sc.Name())
		require.Equal(&params{
			relativeSecs:    2,
			activationEpoch: 3,
			overshootBlocks: 37,
			blockInterval:   time.Second,
			maxIterations:   120,
		}, p, sc.Name())
		require.EqualValues(2000, p.relativeMillis())
	}

	reason, err := Networking.Parameters().GetString(cfgBanReason)
	require.NoError(err)
	require.Equal("BlockIsInvalid(401)", reason)

	clone := AfterSwitch.Clone()
	require.NoError(clone.Parameters().Set(cfgRelativeSecs, "7"))
	p, err := readParams(clone.Parameters())
	require.NoError(err)
	require.EqualValues(7, p.relativeSecs)
	p, err = readParams(AfterSwitch.Parameters())
	require.NoError(err)
	require.EqualValues(2, p.relativeSecs, "clones do not share parameters")
}

func TestCaseOptions(t *testing.T) {
	require := require.New(t)

	opts := AfterSwitch.CaseOptions()
	require.NoError(opts.Validate())
	require.Len(opts.NodeOptions, 1)
	require.Equal(nodeFork2021, opts.NodeOptions[0].Name)
	require.Equal("db/Epoch2V2TestData", opts.NodeOptions[0].InitialDatabase)
	require.Len(opts.NodeOptions[0].LogAssertions, 1)
	require.False(opts.MakeAllNodesConnected)

	opts = Networking.CaseOptions()
	require.NoError(opts.Validate())
	require.True(opts.MakeAllNodesConnected)
	require.True(opts.MakeAllNodesSynced)
	require.True(opts.MakeAllNodesConnectedAndSynced)
	require.Equal(node2019, opts.NodeOptions[0].Name)
	require.Equal("db/Epoch2V1TestData", opts.NodeOptions[0].InitialDatabase)
	require.Equal(node2021, opts.NodeOptions[1].Name)
	require.Equal("db/empty", opts.NodeOptions[1].InitialDatabase)
	require.Len(opts.NodeOptions[0].LogAssertions, 1, "the old node accepts every block")
	require.Empty(opts.NodeOptions[1].LogAssertions, "the new node rejects the old node's block")
}

func TestBuildTx(t *testing.T) {
	require := require.New(t)

	typ := &types.Script{CodeHash: types.Hash{0: 0x77}, HashType: types.HashTypeType, Args: []byte{}}
	cell := &ckb.LiveCell{
		OutPoint: types.OutPoint{TxHash: types.Hash{0: 0x11}, Index: 3},
		Output: types.CellOutput{
			Capacity: 100_000_000_000,
			Lock:     types.Script{CodeHash: types.Hash{0: 0x22}, HashType: types.HashTypeData, Args: []byte{}},
			Type:     typ,
		},
		BlockNumber: 42,
	}
	dep := types.CellDep{
		OutPoint: types.OutPoint{TxHash: types.Hash{0: 0x33}, Index: 1},
		DepType:  types.DepTypeCode,
	}
	since, err := sinceLock(testParams())
	require.NoError(err)
	require.Equal(types.Since(0xc000000000000002), since)

	tx := buildTx(cell, dep, since)
	require.Equal([]types.CellDep{dep}, tx.CellDeps)
	require.Len(tx.Inputs, 1)
	require.EqualValues(uint64(0xc000000000000002), tx.Inputs[0].Since)
	require.Equal(cell.OutPoint, tx.Inputs[0].PreviousOutput)
	require.Equal([]types.CellOutput{cell.Output}, tx.Outputs)
	require.Len(tx.OutputsData, 1)
	require.Empty(tx.OutputsData[0])
	require.NotNil(tx.Witnesses)
	require.Empty(tx.Witnesses)
	require.NotNil(tx.HeaderDeps)

	_, err = tx.ComputeHash()
	require.NoError(err, "transaction is serializable")

	_, err = sinceLock(&params{relativeSecs: 1 << 60})
	require.ErrorIs(err, types.ErrMalformedSince)
}

func TestAdvancePastActivation(t *testing.T) {
	require := require.New(t)

	node := &fakeNode{}
	require.NoError(advancePastActivation(context.Background(), logging.GetLogger("test"), node, testParams()))
	require.EqualValues(3, node.epoch)
	require.EqualValues(35, node.tip, "30 blocks to the epoch, then the overshoot")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := testParams()
	p.blockInterval = time.Hour
	require.ErrorIs(advancePastActivation(ctx, logging.GetLogger("test"), node, p), context.Canceled)
}

func TestWaitForLock(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	logger := logging.GetLogger("test")

	node := &fakeNode{median: 10_000, step: 500, unlock: 12_000}
	require.NoError(waitForLock(ctx, logger, node, &types.Transaction{}, 12_000, testParams()))
	require.Equal(4, node.mined)
	require.Equal(5, node.sent, "rejected on every block before the unlock time")

	// A node applying a later unlock time than expected.
	node = &fakeNode{median: 10_000, step: 500, unlock: 13_000}
	err := waitForLock(ctx, logger, node, &types.Transaction{}, 12_000, testParams())
	require.ErrorIs(err, scenario.ErrAssertion)

	// A node ignoring the lock.
	node = &fakeNode{median: 10_000, step: 500}
	err = waitForLock(ctx, logger, node, &types.Transaction{}, 12_000, testParams())
	require.ErrorIs(err, scenario.ErrAssertion)
	require.Equal(1, node.sent)

	// Transport failures are not evidence.
	transportErr := errors.New("connection refused")
	node = &fakeNode{median: 10_000, step: 500, sendErr: transportErr}
	err = waitForLock(ctx, logger, node, &types.Transaction{}, 12_000, testParams())
	require.ErrorIs(err, transportErr)
	require.False(rpc.IsRejection(err))

	// The median time never catches up.
	node = &fakeNode{median: 10_000, step: 0, unlock: 12_000}
	err = waitForLock(ctx, logger, node, &types.Transaction{}, 12_000, testParams())
	require.ErrorIs(err, ckb.ErrTimeout)
	require.Equal(20, node.mined)
	require.Equal(21, node.sent, "the tip after the last block is checked too")

	// The lock expires with the last block allowed.
	node = &fakeNode{median: 10_000, step: 100, unlock: 12_000}
	require.NoError(waitForLock(ctx, logger, node, &types.Transaction{}, 12_000, testParams()))
	require.Equal(20, node.mined)
	require.Equal(21, node.sent)
}

func TestMineBetween(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	logger := logging.GetLogger("test")

	node := &fakeNode{median: 10_000, step: 400}
	require.NoError(mineBetween(ctx, logger, node, 11_000, 12_000, testParams()))
	require.EqualValues(11_200, node.median)

	// Overshooting the window.
	node = &fakeNode{median: 10_000, step: 3_000}
	err := mineBetween(ctx, logger, node, 11_000, 12_000, testParams())
	require.ErrorIs(err, scenario.ErrAssertion)

	node = &fakeNode{median: 10_000}
	err = mineBetween(ctx, logger, node, 11_000, 12_000, testParams())
	require.ErrorIs(err, ckb.ErrTimeout)
	require.Equal(20, node.mined)

	// The window is reached with the last block allowed.
	node = &fakeNode{median: 10_000, step: 50}
	require.NoError(mineBetween(ctx, logger, node, 11_000, 12_000, testParams()))
	require.Equal(20, node.mined)
}

func TestHasBanReason(t *testing.T) {
	require := require.New(t)

	banned := []types.BannedAddress{
		{Address: "/ip4/127.0.0.1/tcp/30001", BanReason: "Something else"},
		{Address: "/ip4/127.0.0.1/tcp/30002", BanReason: "relay a invalid block: BlockIsInvalid(401)"},
	}
	require.True(hasBanReason(banned, "BlockIsInvalid(401)"))
	require.False(hasBanReason(banned[:1], "BlockIsInvalid(401)"))
	require.False(hasBanReason(nil, "BlockIsInvalid(401)"))
}
