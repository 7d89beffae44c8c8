package agent

import (
	"context"
	"errors"
	"time"

	"github.com/signalsfoundry/qkd-kms/internal/kms"
	"github.com/signalsfoundry/qkd-kms/internal/logging"
)

// DefaultInterval is the poll period used when none is configured.
const DefaultInterval = 2 * time.Second

// Health is the link health view the agent acts on.
type Health struct {
	Status          kms.LinkStatus
	QBER            float64
	AttacksDetected uint64
	ForcedAttack    bool
}

// HealthSource delivers the current link health record.
type HealthSource interface {
	Fetch(ctx context.Context) (Health, error)
}

// Config wires up an Agent.
type Config struct {
	Source   HealthSource
	Enforcer Enforcer
	Interval time.Duration
	// FailClosed blocks traffic when the health source is unreachable.
	// When false the agent holds the last known state instead.
	FailClosed bool
	Logger     logging.Logger
}

// Agent polls link health and keeps the enforcement backend in sync: RED
// blocks, anything else unblocks. Repeated observations of the same state are
// suppressed so the backend is only touched on transitions.
type Agent struct {
	source     HealthSource
	enforcer   Enforcer
	interval   time.Duration
	failClosed bool
	log        logging.Logger

	blocked bool
	// applied is false until the first successful reconcile, so the initial
	// observation always reaches the backend.
	applied bool
}

var errNilSource = errors.New("agent: nil health source")
var errNilEnforcer = errors.New("agent: nil enforcer")

// New validates the config and builds an Agent.
func New(cfg Config) (*Agent, error) {
	if cfg.Source == nil {
		return nil, errNilSource
	}
	if cfg.Enforcer == nil {
		return nil, errNilEnforcer
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Noop()
	}
	return &Agent{
		source:     cfg.Source,
		enforcer:   cfg.Enforcer,
		interval:   interval,
		failClosed: cfg.FailClosed,
		log:        log,
	}, nil
}

// Run polls until the context is cancelled. The first reconcile happens
// immediately rather than after the first tick.
func (a *Agent) Run(ctx context.Context) {
	if err := a.Step(ctx); err != nil {
		a.log.Warn(ctx, "reconcile failed", logging.Err(err))
	}
	for {
		timer := time.NewTimer(a.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err := a.Step(ctx); err != nil {
			a.log.Warn(ctx, "reconcile failed", logging.Err(err))
		}
	}
}

// Step performs one fetch-and-reconcile cycle.
func (a *Agent) Step(ctx context.Context) error {
	health, err := a.source.Fetch(ctx)
	if err != nil {
		if a.failClosed {
			if blockErr := a.ensure(ctx, true); blockErr != nil {
				return errors.Join(err, blockErr)
			}
			a.log.Warn(ctx, "health source unreachable, failing closed", logging.Err(err))
			return nil
		}
		a.log.Warn(ctx, "health source unreachable, holding last state",
			logging.Bool("blocked", a.blocked),
			logging.Err(err),
		)
		return nil
	}

	desired := health.Status == kms.StatusRed
	if desired && !a.blockedState() {
		a.log.Warn(ctx, "link compromised, blocking traffic",
			logging.String("status", string(health.Status)),
			logging.Float64("qber", health.QBER),
			logging.Bool("forced", health.ForcedAttack),
		)
	}
	if !desired && a.applied && a.blocked {
		a.log.Info(ctx, "link recovered, restoring traffic",
			logging.String("status", string(health.Status)),
			logging.Float64("qber", health.QBER),
		)
	}
	return a.ensure(ctx, desired)
}

// Blocked reports the state last applied to the backend.
func (a *Agent) Blocked() bool { return a.blocked && a.applied }

func (a *Agent) blockedState() bool { return a.applied && a.blocked }

// ensure drives the backend to the desired state, skipping the call when the
// state is already applied.
func (a *Agent) ensure(ctx context.Context, blocked bool) error {
	if a.applied && a.blocked == blocked {
		return nil
	}
	var err error
	if blocked {
		err = a.enforcer.Block(ctx)
	} else {
		err = a.enforcer.Unblock(ctx)
	}
	if err != nil {
		return err
	}
	a.blocked = blocked
	a.applied = true
	return nil
}
