// Package agent watches link health and drives a traffic enforcement backend:
// when the link goes RED the classical data plane is blocked until the link
// recovers.
package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/signalsfoundry/qkd-kms/internal/logging"
)

// Enforcer defines the behavior required to block and restore traffic.
type Enforcer interface {
	Block(ctx context.Context) error
	Unblock(ctx context.Context) error
	Name() string
}

// Options describe how to construct an enforcement backend.
type Options struct {
	Backend string
	DryRun  bool
	Logger  logging.Logger

	IPTables IPTablesConfig
}

// Factory constructs the selected backend based on name.
func Factory(opts Options) (Enforcer, error) {
	switch opts.Backend {
	case "iptables":
		opts.IPTables.DryRun = opts.DryRun
		opts.IPTables.Logger = opts.Logger
		return NewIPTables(opts.IPTables)
	case "noop", "":
		return NewNoop(), nil
	default:
		return nil, fmt.Errorf("agent: unsupported backend %s", opts.Backend)
	}
}

// NoopEnforcer records the requested state without touching the host. Useful
// for demos and as the default backend.
type NoopEnforcer struct {
	mu      sync.RWMutex
	blocked bool
}

func NewNoop() *NoopEnforcer { return &NoopEnforcer{} }

func (n *NoopEnforcer) Block(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked = true
	return nil
}

func (n *NoopEnforcer) Unblock(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked = false
	return nil
}

func (n *NoopEnforcer) Name() string { return "noop" }

// Blocked reports the last state requested of the backend.
func (n *NoopEnforcer) Blocked() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.blocked
}
