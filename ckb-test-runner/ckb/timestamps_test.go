package ckb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/liya2017/ckb-integration-test/types"
)

func TestTimestamps(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	chain := newTestChain(t)
	for i := uint64(0); i < 30; i++ {
		ts := 1000 * i
		if i == 18 {
			// Out of order timestamps are legal as long as they exceed
			// the median of the preceding window.
			ts = 12_500
		}
		chain.push(0, ts)
	}

	node := newTestNode(t, "node", chain.srv.URL())
	_, err := node.MedianTimestamp(ctx, 5)
	require.ErrorIs(err, ErrInvalidState, "consensus is not loaded")

	node.consensus = &types.Consensus{MedianTimeBlockCount: 11}

	median, err := node.MedianTimestamp(ctx, 3)
	require.NoError(err)
	require.EqualValues(2000, median, "window is clamped at genesis")

	median, err = node.MedianTimestamp(ctx, 20)
	require.NoError(err)
	require.EqualValues(14_000, median)

	median, err = node.MedianTimestamp(ctx, 22)
	require.NoError(err)
	require.EqualValues(16_000, median)

	committed, err := node.CommittedTimestamp(ctx, 18)
	require.NoError(err)
	require.EqualValues(12_500, committed)

	tip, median, err := node.TipMedianTimestamp(ctx)
	require.NoError(err)
	require.EqualValues(29, tip)
	require.EqualValues(24_000, median)
}
