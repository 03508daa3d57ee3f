package ckb

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/btree"

	"github.com/liya2017/ckb-integration-test/types"
)

const cellIndexDegree = 16

// LiveCell is an unspent output locked by the always-success script.
type LiveCell struct {
	OutPoint    types.OutPoint
	Output      types.CellOutput
	BlockNumber uint64
	TxIndex     uint64
}

// Less orders cells by chain position.
func (c *LiveCell) Less(than btree.Item) bool {
	o := than.(*LiveCell)
	switch {
	case c.BlockNumber != o.BlockNumber:
		return c.BlockNumber < o.BlockNumber
	case c.TxIndex != o.TxIndex:
		return c.TxIndex < o.TxIndex
	default:
		return c.OutPoint.Index < o.OutPoint.Index
	}
}

// cellIndex tracks always-success cells in chain order, following the main
// chain incrementally.
type cellIndex struct {
	lock types.Script

	tree       *btree.BTree
	byOutPoint map[types.OutPoint]*LiveCell

	scanned   bool
	tipNumber uint64
	tipHash   types.Hash
}

func newCellIndex(lock types.Script) *cellIndex {
	idx := &cellIndex{lock: lock}
	idx.reset()
	return idx
}

func (idx *cellIndex) reset() {
	idx.tree = btree.New(cellIndexDegree)
	idx.byOutPoint = make(map[types.OutPoint]*LiveCell)
	idx.scanned = false
	idx.tipNumber = 0
	idx.tipHash = types.Hash{}
}

// apply processes a block in chain order. Genesis outputs and outputs
// carrying data are skipped, the former hold the system scripts.
func (idx *cellIndex) apply(block *types.BlockView) {
	number := uint64(block.Header.Number)
	for txIndex, tx := range block.Transactions {
		for _, in := range tx.Inputs {
			if cell, ok := idx.byOutPoint[in.PreviousOutput]; ok {
				idx.tree.Delete(cell)
				delete(idx.byOutPoint, in.PreviousOutput)
			}
		}
		if number == 0 {
			continue
		}
		for i, out := range tx.Outputs {
			if !out.Lock.Equal(&idx.lock) {
				continue
			}
			if i < len(tx.OutputsData) && len(tx.OutputsData[i]) > 0 {
				continue
			}
			cell := &LiveCell{
				OutPoint: types.OutPoint{
					TxHash: tx.Hash,
					Index:  hexutil.Uint64(i),
				},
				Output:      out,
				BlockNumber: number,
				TxIndex:     uint64(txIndex),
			}
			idx.tree.ReplaceOrInsert(cell)
			idx.byOutPoint[cell.OutPoint] = cell
		}
	}

	idx.tipNumber = number
	idx.tipHash = block.Header.Hash
	idx.scanned = true
}

func (idx *cellIndex) cells() []*LiveCell {
	cells := make([]*LiveCell, 0, idx.tree.Len())
	idx.tree.Ascend(func(i btree.Item) bool {
		cells = append(cells, i.(*LiveCell))
		return true
	})
	return cells
}

type blockSource interface {
	TipHeader(ctx context.Context) (*types.HeaderView, error)
	HeaderByNumber(ctx context.Context, number uint64) (*types.HeaderView, error)
	BlocksByNumber(ctx context.Context, from, to uint64) ([]*types.BlockView, error)
}

// sync brings the index up to the source's tip, rebuilding it when the
// previously indexed tip is no longer on the main chain.
func (idx *cellIndex) sync(ctx context.Context, src blockSource) error {
	tip, err := src.TipHeader(ctx)
	if err != nil {
		return err
	}
	tipNumber := uint64(tip.Number)

	if idx.scanned {
		switch {
		case tipNumber < idx.tipNumber:
			idx.reset()
		default:
			h, err := src.HeaderByNumber(ctx, idx.tipNumber)
			if err != nil {
				return err
			}
			if h.Hash != idx.tipHash {
				idx.reset()
			}
		}
	}

	from := uint64(0)
	if idx.scanned {
		from = idx.tipNumber + 1
	}
	if from > tipNumber {
		return nil
	}

	blocks, err := src.BlocksByNumber(ctx, from, tipNumber)
	if err != nil {
		return err
	}
	for _, b := range blocks {
		if b.Header.Number != 0 && idx.scanned && b.Header.ParentHash != idx.tipHash {
			idx.reset()
			return fmt.Errorf("ckb: chain reorganized while indexing block %d", b.Header.Number)
		}
		idx.apply(b)
	}
	return nil
}

// LiveAlwaysSuccessCells returns the node's unspent always-success cells in
// chain order. The last element is the most recently created cell.
func (n *Node) LiveAlwaysSuccessCells(ctx context.Context) ([]*LiveCell, error) {
	n.Lock()
	defer n.Unlock()

	if n.cells == nil || n.client == nil {
		return nil, fmt.Errorf("%w: node %s is not running", ErrInvalidState, n.name)
	}
	if err := n.cells.sync(ctx, n.client); err != nil {
		return nil, err
	}
	return n.cells.cells(), nil
}
