package ckb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common/hexutil"

	cmnBackoff "github.com/liya2017/ckb-integration-test/common/backoff"
	"github.com/liya2017/ckb-integration-test/types"
)

const mineTimeout = 30 * time.Second

// BlockFromTemplate assembles a block from a template. Uncles are never
// included, the header commits to the template's cellbase, transactions,
// proposals and extension, and the nonce is left zero for dummy PoW chains.
func BlockFromTemplate(tmpl *types.BlockTemplate, legacy bool) (*types.Block, error) {
	txs := make([]types.Transaction, 0, 1+len(tmpl.Transactions))
	txs = append(txs, tmpl.Cellbase.Data)
	for _, t := range tmpl.Transactions {
		txs = append(txs, t.Data)
	}
	txRoot, err := types.TransactionsRoot(txs)
	if err != nil {
		return nil, fmt.Errorf("ckb: failed to compute transactions root: %w", err)
	}

	proposals := make([][]byte, 0, len(tmpl.Proposals))
	for _, p := range tmpl.Proposals {
		proposals = append(proposals, p)
	}

	var extension []byte
	if !legacy {
		extension = tmpl.Extension
	}

	block := &types.Block{
		Header: types.Header{
			Version:          tmpl.Version,
			CompactTarget:    tmpl.CompactTarget,
			Timestamp:        tmpl.CurrentTime,
			Number:           tmpl.Number,
			Epoch:            tmpl.Epoch,
			ParentHash:       tmpl.ParentHash,
			TransactionsRoot: txRoot,
			ProposalsHash:    types.ProposalsHash(proposals),
			ExtraHash:        types.ExtraHash(extension),
			Dao:              tmpl.Dao,
			Legacy:           legacy,
		},
		Uncles:       []json.RawMessage{},
		Transactions: txs,
		Proposals:    tmpl.Proposals,
		Extension:    extension,
	}
	if block.Proposals == nil {
		block.Proposals = []hexutil.Bytes{}
	}
	return block, nil
}

// MineOne assembles and submits a single block, returning its number.
func (n *Node) MineOne(ctx context.Context) (uint64, error) {
	if n.client == nil {
		return 0, fmt.Errorf("%w: node %s is not running", ErrInvalidState, n.name)
	}

	tmpl, err := n.client.BlockTemplate(ctx)
	if err != nil {
		return 0, err
	}
	block, err := BlockFromTemplate(tmpl, n.legacy)
	if err != nil {
		return 0, err
	}
	hash, err := n.client.SubmitBlock(ctx, "", block)
	if err != nil {
		return 0, err
	}

	number := uint64(tmpl.Number)
	bo := backoff.WithContext(cmnBackoff.NewPollingBackOff(mineTimeout), ctx)
	err = backoff.Retry(func() error {
		tip, err := n.client.TipBlockNumber(ctx)
		if err != nil {
			return err
		}
		if tip < number {
			return fmt.Errorf("tip %d below mined block %d", tip, number)
		}
		return nil
	}, bo)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: block %d (%s) not applied: %v", ErrTimeout, n.name, number, hash.Hex(), err)
	}

	n.logger.Debug("mined block",
		"number", number,
		"hash", hash.Hex(),
		"timestamp", uint64(tmpl.CurrentTime),
	)
	return number, nil
}

// Mine mines count blocks on top of the node's tip.
func (n *Node) Mine(ctx context.Context, count uint64) error {
	for i := uint64(0); i < count; i++ {
		if _, err := n.MineOne(ctx); err != nil {
			return err
		}
	}
	return nil
}

// maxEpochLength is the longest epoch CKB consensus allows, in blocks.
var maxEpochLength uint64 = 1800

// MineUntilEpoch mines blocks until the node's current epoch reaches epoch.
// A node whose epoch has not advanced after maxEpochLength blocks per
// remaining epoch returns an error wrapping ErrTimeout.
func (n *Node) MineUntilEpoch(ctx context.Context, epoch uint64) error {
	start, err := n.CurrentEpoch(ctx)
	if err != nil {
		return err
	}
	if start >= epoch {
		return nil
	}

	budget := (epoch - start) * maxEpochLength
	for mined := uint64(0); mined < budget; mined++ {
		if _, err = n.MineOne(ctx); err != nil {
			return err
		}
		current, err := n.CurrentEpoch(ctx)
		if err != nil {
			return err
		}
		if current >= epoch {
			return nil
		}
	}
	return fmt.Errorf("%w: %s: epoch %d not reached after mining %d blocks", ErrTimeout, n.name, epoch, budget)
}
