package ckb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/multierr"

	"github.com/liya2017/ckb-integration-test/ckb-test-runner/env"
	cmnBackoff "github.com/liya2017/ckb-integration-test/common/backoff"
	"github.com/liya2017/ckb-integration-test/common/logging"
	"github.com/liya2017/ckb-integration-test/types"
)

const connectTimeout = 60 * time.Second

var errNotSynced = errors.New("nodes not synced")

// Nodes is an ordered set of nodes with lookup by name.
type Nodes struct {
	nodes  []*Node
	byName map[string]*Node
	logger *logging.Logger
}

// GetNode returns the node with the given name.
func (ns *Nodes) GetNode(name string) (*Node, error) {
	n, ok := ns.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, name)
	}
	return n, nil
}

// Nodes returns the nodes in start order.
func (ns *Nodes) Nodes() []*Node {
	return append([]*Node(nil), ns.nodes...)
}

// Len returns the number of nodes.
func (ns *Nodes) Len() int {
	return len(ns.nodes)
}

// CheckErrors returns the first unexpected process exit, if any.
func (ns *Nodes) CheckErrors() error {
	for _, n := range ns.nodes {
		select {
		case err := <-n.Errors():
			return err
		default:
		}
	}
	return nil
}

func hasPeer(peers []types.RemoteNode, id string) bool {
	for _, p := range peers {
		if p.NodeID == id {
			return true
		}
	}
	return false
}

func (ns *Nodes) waitPeered(ctx context.Context, a, b *Node) error {
	bo := backoff.WithContext(cmnBackoff.NewPollingBackOff(connectTimeout), ctx)
	err := backoff.Retry(func() error {
		for _, pair := range [][2]*Node{{a, b}, {b, a}} {
			peers, err := pair[0].RPC().Peers(ctx)
			if err != nil {
				return err
			}
			if !hasPeer(peers, pair[1].NodeID()) {
				return fmt.Errorf("%s does not list %s as a peer", pair[0].Name(), pair[1].Name())
			}
		}
		return nil
	}, bo)
	if err != nil {
		return fmt.Errorf("%w: connecting %s and %s: %v", ErrTimeout, a.Name(), b.Name(), err)
	}
	return nil
}

// ConnectAll connects every pair of nodes and waits until both sides of
// each pair list the other as a peer.
func (ns *Nodes) ConnectAll(ctx context.Context) error {
	for i := 0; i < len(ns.nodes); i++ {
		for j := i + 1; j < len(ns.nodes); j++ {
			a, b := ns.nodes[i], ns.nodes[j]
			if err := a.RPC().AddNode(ctx, b.NodeID(), b.P2PAddress()); err != nil {
				return fmt.Errorf("ckb: add_node %s -> %s: %w", a.Name(), b.Name(), err)
			}
			if err := ns.waitPeered(ctx, a, b); err != nil {
				return err
			}
			ns.logger.Debug("nodes connected",
				"a", a.Name(),
				"b", b.Name(),
			)
		}
	}
	return nil
}

// WaitConnected verifies that every pair of nodes is connected, without
// issuing new connection requests.
func (ns *Nodes) WaitConnected(ctx context.Context) error {
	for i := 0; i < len(ns.nodes); i++ {
		for j := i + 1; j < len(ns.nodes); j++ {
			if err := ns.waitPeered(ctx, ns.nodes[i], ns.nodes[j]); err != nil {
				return err
			}
		}
	}
	return nil
}

// synced reports whether every node's tip equals the leader's, the leader
// being the node with the highest tip (the first such node on ties).
func (ns *Nodes) synced(ctx context.Context) (bool, error) {
	tips := make([]*types.HeaderView, 0, len(ns.nodes))
	leader := 0
	for i, n := range ns.nodes {
		tip, err := n.TipHeader(ctx)
		if err != nil {
			return false, err
		}
		tips = append(tips, tip)
		if tip.Number > tips[leader].Number {
			leader = i
		}
	}
	for _, tip := range tips {
		if tip.Hash != tips[leader].Hash {
			return false, nil
		}
	}
	return true, nil
}

// WaitingForSync waits until all nodes share the same tip. Failing to sync
// within the timeout returns an error wrapping ErrTimeout.
func (ns *Nodes) WaitingForSync(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bo := backoff.WithContext(cmnBackoff.NewPollingBackOff(timeout), ctx)
	err := backoff.Retry(func() error {
		ok, err := ns.synced(ctx)
		switch {
		case ok:
			return nil
		case err != nil && ctx.Err() == nil:
			return backoff.Permanent(err)
		}
		return errNotSynced
	}, bo)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errNotSynced), ctx.Err() != nil:
		return fmt.Errorf("%w: nodes not synced within %s", ErrTimeout, timeout)
	default:
		return err
	}
}

// Stop stops every node in reverse start order. It is safe to call more
// than once.
func (ns *Nodes) Stop() error {
	var err error
	for i := len(ns.nodes) - 1; i >= 0; i-- {
		err = multierr.Append(err, ns.nodes[i].Stop())
	}
	return err
}

// NewNodes wraps already created nodes into a set.
func NewNodes(nodes ...*Node) (*Nodes, error) {
	ns := &Nodes{
		byName: make(map[string]*Node),
		logger: logging.GetLogger("ckb/nodes"),
	}
	for _, n := range nodes {
		if _, ok := ns.byName[n.Name()]; ok {
			return nil, fmt.Errorf("ckb: duplicate node name '%s'", n.Name())
		}
		ns.nodes = append(ns.nodes, n)
		ns.byName[n.Name()] = n
	}
	return ns, nil
}

// Build initializes and starts every node of the case, then applies the
// requested topology: connect, sync, and re-verify both. The nodes are
// stopped on environment cleanup on every exit path.
func (o *CaseOptions) Build(ctx context.Context, childEnv *env.Env) (*Nodes, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}

	ns, err := NewNodes()
	if err != nil {
		return nil, err
	}
	childEnv.AddOnCleanup(func() {
		_ = ns.Stop()
	})

	for _, opts := range o.NodeOptions {
		n, err := Init(childEnv, opts)
		if err != nil {
			return nil, err
		}
		ns.nodes = append(ns.nodes, n)
		ns.byName[n.Name()] = n

		if err = n.Start(ctx); err != nil {
			return nil, err
		}
	}

	if o.connect() {
		if err = ns.ConnectAll(ctx); err != nil {
			return nil, err
		}
	}
	if o.sync() {
		if err = ns.WaitingForSync(ctx, o.syncTimeout()); err != nil {
			return nil, err
		}
	}
	if o.MakeAllNodesConnectedAndSynced {
		if err = ns.WaitConnected(ctx); err != nil {
			return nil, err
		}
		if err = ns.WaitingForSync(ctx, o.syncTimeout()); err != nil {
			return nil, err
		}
	}

	ns.logger.Info("nodes ready",
		"count", len(ns.nodes),
	)
	return ns, nil
}
