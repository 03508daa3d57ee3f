package ckb

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	"github.com/liya2017/ckb-integration-test/common/logging"
	"github.com/liya2017/ckb-integration-test/rpc"
	"github.com/liya2017/ckb-integration-test/rpc/rpctest"
	"github.com/liya2017/ckb-integration-test/types"
)

// testChain is an in-memory main chain served over a stub RPC endpoint.
type testChain struct {
	sync.Mutex

	blocks []*types.BlockView
	srv    *rpctest.Server
}

func chainHash(fork byte, number uint64) types.Hash {
	return types.Hash{0: fork, 30: byte(number >> 8), 31: byte(number)}
}

func newTestChain(t *testing.T) *testChain {
	c := &testChain{srv: rpctest.NewServer()}
	t.Cleanup(c.srv.Close)

	c.srv.Handle("get_tip_block_number", func([]json.RawMessage) (any, error) {
		c.Lock()
		defer c.Unlock()
		return hexutil.Uint64(len(c.blocks) - 1), nil
	})
	c.srv.Handle("get_tip_header", func([]json.RawMessage) (any, error) {
		c.Lock()
		defer c.Unlock()
		return c.blocks[len(c.blocks)-1].Header, nil
	})
	c.srv.Handle("get_header_by_number", func(params []json.RawMessage) (any, error) {
		b := c.block(params)
		if b == nil {
			return nil, nil
		}
		return b.Header, nil
	})
	c.srv.Handle("get_block_by_number", func(params []json.RawMessage) (any, error) {
		return c.block(params), nil
	})
	return c
}

func (c *testChain) block(params []json.RawMessage) *types.BlockView {
	var n hexutil.Uint64
	if len(params) == 0 || json.Unmarshal(params[0], &n) != nil {
		return nil
	}

	c.Lock()
	defer c.Unlock()
	if uint64(n) >= uint64(len(c.blocks)) {
		return nil
	}
	return c.blocks[n]
}

// push appends a block with the given timestamp and transactions.
func (c *testChain) push(fork byte, timestamp uint64, txs ...types.TransactionView) *types.BlockView {
	c.Lock()
	defer c.Unlock()

	number := uint64(len(c.blocks))
	b := &types.BlockView{
		Header: types.HeaderView{
			Header: types.Header{
				Number:    hexutil.Uint64(number),
				Timestamp: hexutil.Uint64(timestamp),
			},
			Hash: chainHash(fork, number),
		},
		Transactions: txs,
	}
	if number > 0 {
		b.Header.ParentHash = c.blocks[number-1].Header.Hash
	}
	c.blocks = append(c.blocks, b)
	return b
}

// truncate drops every block above number.
func (c *testChain) truncate(number uint64) {
	c.Lock()
	defer c.Unlock()

	c.blocks = c.blocks[:number+1]
}

// newTestNode returns a node handle talking to a stub endpoint. It has no
// process, so stopping it is a no-op.
func newTestNode(t *testing.T, name, url string) *Node {
	client, err := rpc.Dial(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return &Node{
		name:   name,
		state:  StateInitialized,
		errCh:  make(chan error, 1),
		client: client,
		logger: logging.GetLogger("ckb/node").With("node", name),
	}
}
