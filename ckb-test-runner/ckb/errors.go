package ckb

import "errors"

var (
	// ErrNodeStartup is the error returned when a node fails to become
	// ready.
	ErrNodeStartup = errors.New("ckb: node startup failed")

	// ErrTimeout is the error returned when a bounded wait expires.
	ErrTimeout = errors.New("ckb: timeout")

	// ErrUnknownNode is the error returned when looking up a node name that
	// is not part of the set.
	ErrUnknownNode = errors.New("ckb: unknown node")

	// ErrIO is the error returned when staging node files fails.
	ErrIO = errors.New("ckb: i/o error")

	// ErrInvalidState is the error returned when an operation is not valid
	// in the node's current state.
	ErrInvalidState = errors.New("ckb: invalid node state")
)
