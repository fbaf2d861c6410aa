package core

import (
	"errors"
	"fmt"
)

// Error classes. Every typed error below unwraps to one of these so callers
// can classify failures with errors.Is.
var (
	ErrConfiguration     = errors.New("configuration error")
	ErrContractViolation = errors.New("contract violation")
	ErrResource          = errors.New("resource error")
)

// ConfigurationError is raised while a flowgraph is finalized: bad port
// counts, non-positive relative rate, zero history and similar.
type ConfigurationError struct {
	BlockID string
	Block   string
	Field   string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%v: block %s (%s): %s: %s", ErrConfiguration, e.Block, e.BlockID, e.Field, e.Reason)
}

// Unwrap returns ErrConfiguration.
func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

// ContractViolation is raised at run time when a block breaks the work
// contract. The offending block is retired; its data is not repaired.
type ContractViolation struct {
	BlockID   string
	Block     string
	Op        string // consume, produce, result, add_item_tag, handle_tags, panic
	Port      int
	Requested int
	Allowed   int
	Detail    string
}

func (e *ContractViolation) Error() string {
	msg := fmt.Sprintf("%v: block %s (%s): %s", ErrContractViolation, e.Block, e.BlockID, e.Op)
	if e.Requested != 0 || e.Allowed != 0 {
		msg += fmt.Sprintf(" port %d requested %d allowed %d", e.Port, e.Requested, e.Allowed)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Unwrap returns ErrContractViolation.
func (e *ContractViolation) Unwrap() error {
	return ErrContractViolation
}

// ResourceError wraps a failure returned from Start or Stop.
type ResourceError struct {
	BlockID string
	Block   string
	Op      string // "start" or "stop"
	Err     error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("%v: block %s (%s): %s: %v", ErrResource, e.Block, e.BlockID, e.Op, e.Err)
}

// Unwrap exposes both the class and the underlying cause.
func (e *ResourceError) Unwrap() []error {
	return []error{ErrResource, e.Err}
}
