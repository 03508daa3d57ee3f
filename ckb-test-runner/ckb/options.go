package ckb

import (
	"fmt"
	"time"

	"github.com/liya2017/ckb-integration-test/ckb-test-runner/env"
	"github.com/liya2017/ckb-integration-test/ckb-test-runner/log"
)

const (
	defaultStartTimeout       = 60 * time.Second
	defaultOutputsValidator   = "passthrough"
	defaultAlwaysSuccessIndex = 1
)

// NodeOptions describes how a single node is staged and launched.
type NodeOptions struct {
	// Name is the node name, unique within a case. It names the node's
	// working directory.
	Name string `json:"name"`

	// Binary is the node binary kind, resolved via the runner config.
	Binary env.BinaryKind `json:"binary"`

	// InitialDatabase is the database snapshot, relative to the fixtures
	// directory, e.g. "db/Epoch2V2TestData".
	InitialDatabase string `json:"initial_database"`

	// ChainSpec is the chain spec template directory, e.g. "spec/fork2021".
	ChainSpec string `json:"chain_spec"`

	// AppConfig is the app config template directory, e.g. "config/fork2021".
	AppConfig string `json:"app_config"`

	// OutputsValidator is passed to send_transaction. Empty omits the
	// parameter, a nil pointer selects "passthrough".
	OutputsValidator *string `json:"outputs_validator,omitempty"`

	// AlwaysSuccessIndex is the genesis cellbase output holding the
	// always-success script. Zero selects the default of 1.
	AlwaysSuccessIndex uint64 `json:"always_success_index,omitempty"`

	// StartTimeout bounds the wait for the node's RPC to become ready.
	StartTimeout time.Duration `json:"start_timeout,omitempty"`

	// ExtraArgs are additional command line arguments for "ckb run".
	ExtraArgs []Argument `json:"extra_args,omitempty"`

	// LogAssertions are checked against the node log in addition to
	// log.AssertNoPanics. A failing assertion fails Stop.
	LogAssertions []log.WatcherHandlerFactory `json:"-"`
}

func (opts *NodeOptions) outputsValidator() string {
	if opts.OutputsValidator == nil {
		return defaultOutputsValidator
	}
	return *opts.OutputsValidator
}

func (opts *NodeOptions) alwaysSuccessIndex() uint64 {
	if opts.AlwaysSuccessIndex == 0 {
		return defaultAlwaysSuccessIndex
	}
	return opts.AlwaysSuccessIndex
}

func (opts *NodeOptions) startTimeout() time.Duration {
	if opts.StartTimeout == 0 {
		return defaultStartTimeout
	}
	return opts.StartTimeout
}

// CaseOptions describes the nodes of a scenario and their topology.
type CaseOptions struct {
	// MakeAllNodesConnected connects every pair of nodes.
	MakeAllNodesConnected bool `json:"make_all_nodes_connected"`
	// MakeAllNodesSynced waits until every node has the same tip.
	MakeAllNodesSynced bool `json:"make_all_nodes_synced"`
	// MakeAllNodesConnectedAndSynced re-verifies connectivity once the
	// nodes are synced.
	MakeAllNodesConnectedAndSynced bool `json:"make_all_nodes_connected_and_synced"`

	// NodeOptions are the nodes, in start order. The first node drives the
	// scenario by convention.
	NodeOptions []NodeOptions `json:"node_options"`

	// SyncTimeout bounds the initial sync. Zero selects 60s.
	SyncTimeout time.Duration `json:"sync_timeout,omitempty"`
}

// Validate checks the options for consistency.
func (o *CaseOptions) Validate() error {
	if len(o.NodeOptions) == 0 {
		return fmt.Errorf("ckb: case has no nodes")
	}
	seen := make(map[string]bool)
	for _, n := range o.NodeOptions {
		if n.Name == "" {
			return fmt.Errorf("ckb: node without a name")
		}
		if seen[n.Name] {
			return fmt.Errorf("ckb: duplicate node name '%s'", n.Name)
		}
		seen[n.Name] = true
	}
	return nil
}

func (o *CaseOptions) connect() bool {
	return o.MakeAllNodesConnected || o.MakeAllNodesConnectedAndSynced
}

func (o *CaseOptions) sync() bool {
	return o.MakeAllNodesSynced || o.MakeAllNodesConnectedAndSynced
}

func (o *CaseOptions) syncTimeout() time.Duration {
	if o.SyncTimeout == 0 {
		return 60 * time.Second
	}
	return o.SyncTimeout
}

// OutputsValidator returns a pointer to v, for use in NodeOptions.
func OutputsValidator(v string) *string {
	return &v
}
