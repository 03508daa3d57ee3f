// Package scenario implements the test scenario abstract interface.
package scenario

import (
	"context"
	"errors"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/liya2017/ckb-integration-test/ckb-test-runner/ckb"
	"github.com/liya2017/ckb-integration-test/ckb-test-runner/env"
	"github.com/liya2017/ckb-integration-test/common/logging"
)

// ErrAssertion is the error returned when a scenario observes behavior
// contradicting its expectations.
var ErrAssertion = errors.New("scenario: assertion failed")

// Assertf returns an error wrapping ErrAssertion.
func Assertf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAssertion, fmt.Sprintf(format, args...))
}

// Scenario is a test scenario identified by name.
type Scenario interface {
	// Clone returns a copy of the scenario instance with its own parameter
	// set, so that it can be run with different parameters.
	Clone() Scenario

	// Name returns the name of the scenario.
	//
	// Note: The name is used when selecting which scenarios to run and
	// should be unique.
	Name() string

	// Parameters returns the settable scenario parameters.
	Parameters() *env.ParameterFlagSet

	// CaseOptions returns the nodes of the scenario and their topology.
	CaseOptions() *ckb.CaseOptions

	// BeforeRun prepares the nodes of the scenario.
	BeforeRun(ctx context.Context, childEnv *env.Env, opts *ckb.CaseOptions) (*ckb.Nodes, error)

	// Run runs the scenario against the prepared nodes.
	Run(ctx context.Context, childEnv *env.Env, nodes *ckb.Nodes) error
}

// Base is the shared part of scenario implementations. Embedding it
// provides Name, Parameters and the default BeforeRun.
type Base struct {
	// Flags holds the scenario parameters.
	Flags *env.ParameterFlagSet

	// Logger is the scenario logger.
	Logger *logging.Logger

	name string
}

// Name returns the scenario name.
func (b *Base) Name() string {
	return b.name
}

// Parameters returns the scenario parameters.
func (b *Base) Parameters() *env.ParameterFlagSet {
	return b.Flags
}

// BeforeRun starts the nodes described by opts and applies their topology.
func (b *Base) BeforeRun(ctx context.Context, childEnv *env.Env, opts *ckb.CaseOptions) (*ckb.Nodes, error) {
	return opts.Build(ctx, childEnv)
}

// Clone returns a copy of the base with a cloned parameter set.
func (b *Base) Clone() Base {
	return Base{
		Flags:  b.Flags.Clone(),
		Logger: b.Logger,
		name:   b.name,
	}
}

// NewBase creates a new scenario base with an empty parameter set.
func NewBase(name string) Base {
	return Base{
		Flags:  env.NewParameterFlagSet(name, flag.ContinueOnError),
		Logger: logging.GetLogger("scenario/" + name),
		name:   name,
	}
}
