// Package ckbtest serves an in-memory chain over the CKB JSON-RPC methods the
// runner uses, so scenarios can be exercised without node binaries.
//
// Blocks are accepted without proof of work. Transactions are checked only
// for known, unspent inputs and relative timestamp locks.
package ckbtest

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/liya2017/ckb-integration-test/rpc/rpctest"
	"github.com/liya2017/ckb-integration-test/types"
)

// Rule selects how relative timestamp locks are measured.
type Rule int

const (
	// RuleMedianTime measures a relative timestamp lock from the median time
	// of the block committing the input.
	RuleMedianTime Rule = iota

	// RuleBlockTime measures it from the committing block's own timestamp,
	// starting with the activation epoch.
	RuleBlockTime
)

const (
	// GenesisTimestamp is the timestamp of the genesis block, in milliseconds.
	GenesisTimestamp = 1_629_000_000_000

	codeTransactionFailedToResolve = -301
	codeTransactionFailedToVerify  = -302
	codeBlockRejected              = -32000

	cellCapacity = 100_000_000_000
)

// AlwaysSuccessCode is the code stored in genesis cellbase output 1.
var AlwaysSuccessCode = []byte("always_success")

// AlwaysSuccessLock returns the lock of every cellbase output mined after
// genesis.
func AlwaysSuccessLock() types.Script {
	return types.Script{
		CodeHash: types.Blake2b256(AlwaysSuccessCode),
		HashType: types.HashTypeData,
		Args:     []byte{},
	}
}

// Config describes a simulated node.
type Config struct {
	// NodeID is reported by local_node_info.
	NodeID string
	// Version is reported by local_node_info, e.g. "0.43.2 (ckb2019)".
	Version string
	// Rule is the relative timestamp rule the node enforces.
	Rule Rule
	// ActivationEpoch is the first epoch RuleBlockTime applies to.
	ActivationEpoch uint64
	// EpochLength is the number of blocks per epoch, 10 when zero.
	EpochLength uint64
	// BlockInterval is the timestamp step between blocks in milliseconds,
	// 250 when zero.
	BlockInterval uint64
	// MedianTimeBlockCount is the median time window, 11 when zero.
	MedianTimeBlockCount uint64
}

func (cfg *Config) applyDefaults() {
	if cfg.EpochLength == 0 {
		cfg.EpochLength = 10
	}
	if cfg.BlockInterval == 0 {
		cfg.BlockInterval = 250
	}
	if cfg.MedianTimeBlockCount == 0 {
		cfg.MedianTimeBlockCount = 11
	}
}

// Chain is a simulated node.
type Chain struct {
	sync.Mutex

	cfg    Config
	srv    *rpctest.Server
	blocks []*types.BlockView
	pool   []types.TransactionView
	peers  []*Chain
	banned []types.BannedAddress
}

// URL returns the JSON-RPC endpoint.
func (c *Chain) URL() string {
	return c.srv.URL()
}

// Calls returns the number of times a method has been called.
func (c *Chain) Calls(method string) int {
	return c.srv.Calls(method)
}

// Close shuts the endpoint down.
func (c *Chain) Close() {
	c.srv.Close()
}

// Address returns the address peers see the node at.
func (c *Chain) Address() string {
	return "/ip4/127.0.0.1/tcp/8115/p2p/" + c.cfg.NodeID
}

// TipNumber returns the number of the tip block.
func (c *Chain) TipNumber() uint64 {
	c.Lock()
	defer c.Unlock()

	return uint64(len(c.blocks) - 1)
}

// Banned returns the addresses the node has banned.
func (c *Chain) Banned() []types.BannedAddress {
	c.Lock()
	defer c.Unlock()

	return append([]types.BannedAddress{}, c.banned...)
}

// Connect makes both nodes relay the blocks they mine to each other.
func (c *Chain) Connect(peer *Chain) {
	c.Lock()
	c.peers = append(c.peers, peer)
	c.Unlock()

	peer.Lock()
	peer.peers = append(peer.peers, c)
	peer.Unlock()
}

func (c *Chain) tip() *types.BlockView {
	return c.blocks[len(c.blocks)-1]
}

func (c *Chain) epoch(number uint64) types.EpochNumberWithFraction {
	l := c.cfg.EpochLength
	return types.EpochNumberWithFraction(number/l | (number%l)<<24 | l<<40)
}

func (c *Chain) medianTime(number uint64) uint64 {
	start, end := types.MedianTimeWindow(number, c.cfg.MedianTimeBlockCount)
	timestamps := make([]uint64, 0, end-start+1)
	for i := start; i <= end; i++ {
		timestamps = append(timestamps, uint64(c.blocks[i].Header.Timestamp))
	}
	return types.MedianTime(timestamps)
}

func (c *Chain) blockTimeActive(number uint64) bool {
	return c.cfg.Rule == RuleBlockTime && number/c.cfg.EpochLength >= c.cfg.ActivationEpoch
}

// committedIn returns the number of the block holding the output.
func (c *Chain) committedIn(op types.OutPoint) (uint64, bool) {
	for _, b := range c.blocks {
		for _, tx := range b.Transactions {
			if tx.Hash == op.TxHash && uint64(op.Index) < uint64(len(tx.Outputs)) {
				return uint64(b.Header.Number), true
			}
		}
	}
	return 0, false
}

func (c *Chain) spent(op types.OutPoint, withPool bool) bool {
	spends := func(tx *types.TransactionView) bool {
		for _, in := range tx.Inputs {
			if in.PreviousOutput == op {
				return true
			}
		}
		return false
	}
	for _, b := range c.blocks {
		for i := range b.Transactions {
			if spends(&b.Transactions[i]) {
				return true
			}
		}
	}
	if withPool {
		for i := range c.pool {
			if spends(&c.pool[i]) {
				return true
			}
		}
	}
	return false
}

// verify checks a transaction for inclusion on top of the tip.
func (c *Chain) verify(tx *types.Transaction, withPool bool) *rpctest.Error {
	tip := uint64(len(c.blocks) - 1)
	now := c.medianTime(tip)
	for i, in := range tx.Inputs {
		number, ok := c.committedIn(in.PreviousOutput)
		if !ok {
			return &rpctest.Error{
				Code:    codeTransactionFailedToResolve,
				Message: fmt.Sprintf("TransactionFailedToResolve: Resolve failed Unknown(%s)", in.PreviousOutput),
			}
		}
		if c.spent(in.PreviousOutput, withPool) {
			return &rpctest.Error{
				Code:    codeTransactionFailedToResolve,
				Message: fmt.Sprintf("TransactionFailedToResolve: Resolve failed Dead(%s)", in.PreviousOutput),
			}
		}

		since, err := types.Since(in.Since).Decode()
		if err != nil {
			return &rpctest.Error{
				Code:    codeTransactionFailedToVerify,
				Message: fmt.Sprintf("TransactionFailedToVerify: Verification failed Transaction(InvalidSince(Inputs[%d]))", i),
			}
		}
		if !since.Relative || since.Metric != types.SinceMetricTimestamp {
			continue
		}
		start := c.medianTime(number)
		if c.blockTimeActive(tip + 1) {
			start = uint64(c.blocks[number].Header.Timestamp)
		}
		if now < start+since.Value*1000 {
			return &rpctest.Error{
				Code:    codeTransactionFailedToVerify,
				Message: fmt.Sprintf("TransactionFailedToVerify: Verification failed Transaction(Immature(Inputs[%d]))", i),
			}
		}
	}
	return nil
}

func blockView(block *types.Block) (*types.BlockView, error) {
	txs := make([]types.TransactionView, 0, len(block.Transactions))
	for _, tx := range block.Transactions {
		hash, err := tx.ComputeHash()
		if err != nil {
			return nil, err
		}
		txs = append(txs, types.TransactionView{Transaction: tx, Hash: hash})
	}
	raw, err := json.Marshal(block.Header)
	if err != nil {
		return nil, err
	}
	return &types.BlockView{
		Header: types.HeaderView{
			Header: block.Header,
			Hash:   types.Blake2b256(raw),
		},
		Uncles:       []json.RawMessage{},
		Transactions: txs,
		Proposals:    block.Proposals,
		Extension:    block.Extension,
	}, nil
}

// extends returns true iff the block builds on the tip.
func (c *Chain) extends(b *types.BlockView) bool {
	return uint64(b.Header.Number) == uint64(len(c.blocks)) && b.Header.ParentHash == c.tip().Header.Hash
}

// extend appends a block building on the tip, verifying its transactions.
func (c *Chain) extend(b *types.BlockView) *rpctest.Error {
	if !c.extends(b) {
		return &rpctest.Error{Code: codeBlockRejected, Message: "BlockIsInvalid: UnknownParent"}
	}
	for i := 1; i < len(b.Transactions); i++ {
		if err := c.verify(&b.Transactions[i].Transaction, false); err != nil {
			return &rpctest.Error{
				Code:    codeBlockRejected,
				Message: fmt.Sprintf("BlockIsInvalid(401): transaction %d: %s", i, err.Message),
			}
		}
	}

	committed := make(map[types.Hash]bool, len(b.Transactions))
	for _, tx := range b.Transactions {
		committed[tx.Hash] = true
	}
	pool := c.pool[:0]
	for _, tx := range c.pool {
		if !committed[tx.Hash] {
			pool = append(pool, tx)
		}
	}
	c.pool = pool
	c.blocks = append(c.blocks, b)
	return nil
}

func (c *Chain) isBanned(peer *Chain) bool {
	for _, b := range c.banned {
		if b.Address == peer.Address() {
			return true
		}
	}
	return false
}

// relayed handles a block mined by a peer. Invalid blocks get the peer
// banned, blocks not building on the tip are ignored.
func (c *Chain) relayed(b *types.BlockView, from *Chain) {
	c.Lock()
	defer c.Unlock()

	if c.isBanned(from) || !c.extends(b) {
		return
	}
	if err := c.extend(b); err != nil {
		c.banned = append(c.banned, types.BannedAddress{
			Address:   from.Address(),
			BanUntil:  hexutil.Uint64(b.Header.Timestamp + 24*60*60*1000),
			BanReason: fmt.Sprintf("relayed invalid block %d: %s", uint64(b.Header.Number), err.Message),
			CreatedAt: b.Header.Timestamp,
		})
	}
}

func (c *Chain) template() *types.BlockTemplate {
	tip := c.tip()
	number := uint64(tip.Header.Number) + 1

	cellbase := types.Transaction{
		CellDeps:   []types.CellDep{},
		HeaderDeps: []types.Hash{},
		Inputs: []types.CellInput{{
			Since:          hexutil.Uint64(number),
			PreviousOutput: types.OutPoint{Index: 0xffffffff},
		}},
		Outputs:     []types.CellOutput{{Capacity: cellCapacity, Lock: AlwaysSuccessLock()}},
		OutputsData: []hexutil.Bytes{{}},
		Witnesses:   []hexutil.Bytes{{}},
	}
	cellbaseHash, _ := cellbase.ComputeHash()

	txs := make([]types.TransactionTemplate, 0, len(c.pool))
	for _, tx := range c.pool {
		txs = append(txs, types.TransactionTemplate{Hash: tx.Hash, Data: tx.Transaction})
	}

	return &types.BlockTemplate{
		CompactTarget: 0x20010000,
		CurrentTime:   hexutil.Uint64(uint64(tip.Header.Timestamp) + c.cfg.BlockInterval),
		Number:        hexutil.Uint64(number),
		Epoch:         hexutil.Uint64(c.epoch(number)),
		ParentHash:    tip.Header.Hash,
		Uncles:        []json.RawMessage{},
		Transactions:  txs,
		Proposals:     []hexutil.Bytes{},
		Cellbase: types.CellbaseTemplate{
			Hash: cellbaseHash,
			Data: cellbase,
		},
	}
}

func numberParam(params []json.RawMessage) (uint64, bool) {
	var n hexutil.Uint64
	if len(params) == 0 || json.Unmarshal(params[0], &n) != nil {
		return 0, false
	}
	return uint64(n), true
}

func (c *Chain) byNumber(params []json.RawMessage) *types.BlockView {
	n, ok := numberParam(params)

	c.Lock()
	defer c.Unlock()
	if !ok || n >= uint64(len(c.blocks)) {
		return nil
	}
	return c.blocks[n]
}

func (c *Chain) registerHandlers() {
	c.srv.Handle("get_tip_block_number", func([]json.RawMessage) (any, error) {
		return hexutil.Uint64(c.TipNumber()), nil
	})
	c.srv.Handle("get_tip_header", func([]json.RawMessage) (any, error) {
		c.Lock()
		defer c.Unlock()
		return c.tip().Header, nil
	})
	c.srv.Handle("get_header_by_number", func(params []json.RawMessage) (any, error) {
		if b := c.byNumber(params); b != nil {
			return b.Header, nil
		}
		return nil, nil
	})
	c.srv.Handle("get_block_by_number", func(params []json.RawMessage) (any, error) {
		if b := c.byNumber(params); b != nil {
			return b, nil
		}
		return nil, nil
	})
	c.srv.Handle("get_current_epoch", func([]json.RawMessage) (any, error) {
		c.Lock()
		defer c.Unlock()
		e := c.epoch(uint64(c.tip().Header.Number))
		return &types.Epoch{
			Number:        hexutil.Uint64(e.Number()),
			StartNumber:   hexutil.Uint64(e.Number() * e.Length()),
			Length:        hexutil.Uint64(e.Length()),
			CompactTarget: 0x20010000,
		}, nil
	})
	c.srv.Handle("get_consensus", func([]json.RawMessage) (any, error) {
		c.Lock()
		defer c.Unlock()
		cs := &types.Consensus{
			ID:                   "ckb_dev",
			GenesisHash:          c.blocks[0].Header.Hash,
			MedianTimeBlockCount: hexutil.Uint64(c.cfg.MedianTimeBlockCount),
			TxProposalWindow:     types.ProposalWindow{Closest: 2, Farthest: 10},
		}
		if c.cfg.Rule == RuleBlockTime {
			epoch := hexutil.Uint64(c.cfg.ActivationEpoch)
			cs.HardforkFeatures = []types.HardForkFeature{{RFC: "0221", EpochNumber: &epoch}}
		}
		return cs, nil
	})
	c.srv.Handle("local_node_info", func([]json.RawMessage) (any, error) {
		return &types.LocalNode{
			Version:   c.cfg.Version,
			NodeID:    c.cfg.NodeID,
			Active:    true,
			Addresses: []types.NodeAddress{{Address: c.Address(), Score: 1}},
		}, nil
	})
	c.srv.Handle("get_peers", func([]json.RawMessage) (any, error) {
		c.Lock()
		defer c.Unlock()
		peers := make([]types.RemoteNode, 0, len(c.peers))
		for _, p := range c.peers {
			if c.isBanned(p) {
				continue
			}
			peers = append(peers, types.RemoteNode{
				Version:   p.cfg.Version,
				NodeID:    p.cfg.NodeID,
				Addresses: []types.NodeAddress{{Address: p.Address(), Score: 1}},
			})
		}
		return peers, nil
	})
	c.srv.Handle("add_node", rpctest.Static(nil))
	c.srv.Handle("get_banned_addresses", func([]json.RawMessage) (any, error) {
		return c.Banned(), nil
	})
	c.srv.Handle("send_transaction", func(params []json.RawMessage) (any, error) {
		var tx types.Transaction
		if len(params) == 0 {
			return nil, &rpctest.Error{Code: -32602, Message: "missing transaction"}
		}
		if err := json.Unmarshal(params[0], &tx); err != nil {
			return nil, &rpctest.Error{Code: -32602, Message: err.Error()}
		}
		hash, err := tx.ComputeHash()
		if err != nil {
			return nil, &rpctest.Error{Code: -32602, Message: err.Error()}
		}

		c.Lock()
		defer c.Unlock()
		if rpcErr := c.verify(&tx, true); rpcErr != nil {
			return nil, rpcErr
		}
		c.pool = append(c.pool, types.TransactionView{Transaction: tx, Hash: hash})
		return hash, nil
	})
	c.srv.Handle("get_block_template", func([]json.RawMessage) (any, error) {
		c.Lock()
		defer c.Unlock()
		return c.template(), nil
	})
	c.srv.Handle("submit_block", func(params []json.RawMessage) (any, error) {
		var block types.Block
		if len(params) < 2 {
			return nil, &rpctest.Error{Code: -32602, Message: "missing block"}
		}
		if err := json.Unmarshal(params[1], &block); err != nil {
			return nil, &rpctest.Error{Code: -32602, Message: err.Error()}
		}
		b, err := blockView(&block)
		if err != nil {
			return nil, &rpctest.Error{Code: -32602, Message: err.Error()}
		}

		c.Lock()
		rpcErr := c.extend(b)
		peers := append([]*Chain(nil), c.peers...)
		c.Unlock()
		if rpcErr != nil {
			return nil, rpcErr
		}

		for _, p := range peers {
			p.relayed(b, c)
		}
		return b.Header.Hash, nil
	})
}

func genesis() *types.BlockView {
	cellbase := types.Transaction{
		CellDeps:   []types.CellDep{},
		HeaderDeps: []types.Hash{},
		Inputs:     []types.CellInput{},
		Outputs: []types.CellOutput{
			{Capacity: cellCapacity, Lock: types.Script{HashType: types.HashTypeData, Args: []byte{}}},
			{Capacity: cellCapacity, Lock: types.Script{HashType: types.HashTypeData, Args: []byte{}}},
		},
		OutputsData: []hexutil.Bytes{{}, AlwaysSuccessCode},
		Witnesses:   []hexutil.Bytes{},
	}
	hash, err := cellbase.ComputeHash()
	if err != nil {
		panic("ckbtest: failed to hash genesis cellbase: " + err.Error())
	}

	return &types.BlockView{
		Header: types.HeaderView{
			Header: types.Header{
				CompactTarget: 0x20010000,
				Timestamp:     GenesisTimestamp,
			},
			Hash: types.Blake2b256([]byte("ckbtest genesis")),
		},
		Uncles:       []json.RawMessage{},
		Transactions: []types.TransactionView{{Transaction: cellbase, Hash: hash}},
		Proposals:    []hexutil.Bytes{},
	}
}

// NewChain starts a simulated node holding only the genesis block. Nodes
// created this way share the genesis block.
func NewChain(cfg Config) *Chain {
	cfg.applyDefaults()

	c := &Chain{
		cfg:    cfg,
		srv:    rpctest.NewServer(),
		blocks: []*types.BlockView{genesis()},
		banned: []types.BannedAddress{},
	}
	c.blocks[0].Header.Epoch = hexutil.Uint64(c.epoch(0))
	c.registerHandlers()
	return c
}
