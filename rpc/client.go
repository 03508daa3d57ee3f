// Package rpc implements a client for the subset of the CKB node JSON-RPC
// interface used by the test runner.
package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/liya2017/ckb-integration-test/common/logging"
	"github.com/liya2017/ckb-integration-test/types"
)

const maxBatchSize = 100

var (
	// ErrTransport is the error returned when a request could not be
	// delivered or the response could not be decoded.
	ErrTransport = errors.New("rpc: transport failure")

	// ErrNotFound is the error returned when the node returns a null result
	// for a query that expects one.
	ErrNotFound = errors.New("rpc: not found")
)

// IsRejection returns true iff the error is a JSON-RPC error response from
// the node, e.g. a transaction failing verification.
func IsRejection(err error) bool {
	var rpcErr ethrpc.Error
	return errors.As(err, &rpcErr)
}

// RejectionCode returns the JSON-RPC error code of a rejection.
func RejectionCode(err error) (int, bool) {
	var rpcErr ethrpc.Error
	if !errors.As(err, &rpcErr) {
		return 0, false
	}
	return rpcErr.ErrorCode(), true
}

// Client is a CKB node JSON-RPC client.
type Client struct {
	c      *ethrpc.Client
	url    string
	logger *logging.Logger
}

func (c *Client) wrapErr(method string, err error) error {
	if IsRejection(err) {
		return fmt.Errorf("rpc: %s: %w", method, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrTransport, method, err)
}

func (c *Client) call(ctx context.Context, result any, method string, args ...any) error {
	if err := c.c.CallContext(ctx, result, method, args...); err != nil {
		c.logger.Debug("call failed",
			"method", method,
			"err", err,
		)
		return c.wrapErr(method, err)
	}
	return nil
}

// URL returns the endpoint the client is connected to.
func (c *Client) URL() string {
	return c.url
}

// Close closes the client.
func (c *Client) Close() {
	c.c.Close()
}

// TipBlockNumber returns the number of the tip block.
func (c *Client) TipBlockNumber(ctx context.Context) (uint64, error) {
	var n hexutil.Uint64
	if err := c.call(ctx, &n, "get_tip_block_number"); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

// TipHeader returns the header of the tip block.
func (c *Client) TipHeader(ctx context.Context) (*types.HeaderView, error) {
	var h *types.HeaderView
	if err := c.call(ctx, &h, "get_tip_header"); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("%w: empty tip header", ErrTransport)
	}
	return h, nil
}

// HeaderByNumber returns the header of the main chain block with the given
// number.
func (c *Client) HeaderByNumber(ctx context.Context, number uint64) (*types.HeaderView, error) {
	var h *types.HeaderView
	if err := c.call(ctx, &h, "get_header_by_number", hexutil.Uint64(number)); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("%w: header %d", ErrNotFound, number)
	}
	return h, nil
}

// BlockByNumber returns the main chain block with the given number.
func (c *Client) BlockByNumber(ctx context.Context, number uint64) (*types.BlockView, error) {
	var b *types.BlockView
	if err := c.call(ctx, &b, "get_block_by_number", hexutil.Uint64(number)); err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("%w: block %d", ErrNotFound, number)
	}
	return b, nil
}

func batchByNumber[T any](ctx context.Context, c *Client, method string, from, to uint64) ([]*T, error) {
	if to < from {
		return nil, nil
	}

	results := make([]*T, 0, to-from+1)
	for start := from; start <= to; start += maxBatchSize {
		end := start + maxBatchSize - 1
		if end > to {
			end = to
		}

		chunk := make([]*T, end-start+1)
		reqs := make([]ethrpc.BatchElem, 0, len(chunk))
		for i := range chunk {
			reqs = append(reqs, ethrpc.BatchElem{
				Method: method,
				Args:   []any{hexutil.Uint64(start + uint64(i))},
				Result: &chunk[i],
			})
		}
		if err := c.c.BatchCallContext(ctx, reqs); err != nil {
			return nil, c.wrapErr(method, err)
		}
		for i, req := range reqs {
			if req.Error != nil {
				return nil, c.wrapErr(method, req.Error)
			}
			if chunk[i] == nil {
				return nil, fmt.Errorf("%w: %s %d", ErrNotFound, method, start+uint64(i))
			}
		}
		results = append(results, chunk...)
	}
	return results, nil
}

// BlocksByNumber returns the main chain blocks in the inclusive range,
// batching requests.
func (c *Client) BlocksByNumber(ctx context.Context, from, to uint64) ([]*types.BlockView, error) {
	return batchByNumber[types.BlockView](ctx, c, "get_block_by_number", from, to)
}

// HeadersByNumber returns the main chain headers in the inclusive range,
// batching requests.
func (c *Client) HeadersByNumber(ctx context.Context, from, to uint64) ([]*types.HeaderView, error) {
	return batchByNumber[types.HeaderView](ctx, c, "get_header_by_number", from, to)
}

// CurrentEpoch returns the current epoch.
func (c *Client) CurrentEpoch(ctx context.Context) (*types.Epoch, error) {
	var e types.Epoch
	if err := c.call(ctx, &e, "get_current_epoch"); err != nil {
		return nil, err
	}
	return &e, nil
}

// Consensus returns the consensus parameters of the chain.
func (c *Client) Consensus(ctx context.Context) (*types.Consensus, error) {
	var cs types.Consensus
	if err := c.call(ctx, &cs, "get_consensus"); err != nil {
		return nil, err
	}
	return &cs, nil
}

// LocalNodeInfo returns information about the node itself.
func (c *Client) LocalNodeInfo(ctx context.Context) (*types.LocalNode, error) {
	var n types.LocalNode
	if err := c.call(ctx, &n, "local_node_info"); err != nil {
		return nil, err
	}
	return &n, nil
}

// Peers returns the connected peers.
func (c *Client) Peers(ctx context.Context) ([]types.RemoteNode, error) {
	var peers []types.RemoteNode
	if err := c.call(ctx, &peers, "get_peers"); err != nil {
		return nil, err
	}
	return peers, nil
}

// AddNode asks the node to connect to a peer.
func (c *Client) AddNode(ctx context.Context, peerID, address string) error {
	return c.call(ctx, nil, "add_node", peerID, address)
}

// BannedAddresses returns the addresses banned by the node.
func (c *Client) BannedAddresses(ctx context.Context) ([]types.BannedAddress, error) {
	var banned []types.BannedAddress
	if err := c.call(ctx, &banned, "get_banned_addresses"); err != nil {
		return nil, err
	}
	return banned, nil
}

// SendTransaction submits a transaction to the pool. The outputs validator
// is omitted when empty, which nodes predating it require.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction, outputsValidator string) (types.Hash, error) {
	var hash types.Hash
	args := []any{tx}
	if outputsValidator != "" {
		args = append(args, outputsValidator)
	}
	if err := c.call(ctx, &hash, "send_transaction", args...); err != nil {
		return types.Hash{}, err
	}
	return hash, nil
}

// BlockTemplate returns a block template for mining.
func (c *Client) BlockTemplate(ctx context.Context) (*types.BlockTemplate, error) {
	var tmpl types.BlockTemplate
	if err := c.call(ctx, &tmpl, "get_block_template"); err != nil {
		return nil, err
	}
	return &tmpl, nil
}

// SubmitBlock submits a mined block and returns its hash.
func (c *Client) SubmitBlock(ctx context.Context, workID string, block *types.Block) (types.Hash, error) {
	var hash types.Hash
	if err := c.call(ctx, &hash, "submit_block", workID, block); err != nil {
		return types.Hash{}, err
	}
	return hash, nil
}

// Dial connects to the node JSON-RPC endpoint at url.
func Dial(ctx context.Context, url string) (*Client, error) {
	c, err := ethrpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrTransport, url, err)
	}
	return &Client{
		c:      c,
		url:    url,
		logger: logging.GetLogger("rpc").With("url", url),
	}, nil
}
