package ckb

import (
	"context"
	"fmt"

	"github.com/liya2017/ckb-integration-test/types"
)

// MedianTimestamp returns the median of the timestamps of the
// median_time_block_count blocks ending at number, in milliseconds.
func (n *Node) MedianTimestamp(ctx context.Context, number uint64) (uint64, error) {
	if n.consensus == nil {
		return 0, fmt.Errorf("%w: node %s is not running", ErrInvalidState, n.name)
	}

	start, end := types.MedianTimeWindow(number, uint64(n.consensus.MedianTimeBlockCount))
	headers, err := n.client.HeadersByNumber(ctx, start, end)
	if err != nil {
		return 0, err
	}
	timestamps := make([]uint64, 0, len(headers))
	for _, h := range headers {
		timestamps = append(timestamps, uint64(h.Timestamp))
	}
	return types.MedianTime(timestamps), nil
}

// CommittedTimestamp returns the timestamp of the block that committed a
// transaction, which relative timestamp locks are measured from once the
// 2021 hard fork is active, in milliseconds.
func (n *Node) CommittedTimestamp(ctx context.Context, number uint64) (uint64, error) {
	if n.client == nil {
		return 0, fmt.Errorf("%w: node %s is not running", ErrInvalidState, n.name)
	}

	h, err := n.client.HeaderByNumber(ctx, number)
	if err != nil {
		return 0, err
	}
	return uint64(h.Timestamp), nil
}

// TipMedianTimestamp returns the median timestamp of the node's tip.
func (n *Node) TipMedianTimestamp(ctx context.Context) (uint64, uint64, error) {
	tip, err := n.TipBlockNumber(ctx)
	if err != nil {
		return 0, 0, err
	}
	median, err := n.MedianTimestamp(ctx, tip)
	if err != nil {
		return 0, 0, err
	}
	return tip, median, nil
}
