package agent

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/signalsfoundry/qkd-kms/internal/logging"
)

// IPTablesConfig controls construction of the iptables backend.
type IPTablesConfig struct {
	Binary string
	// Chain is the chain the drop rule is installed into.
	Chain string
	// Target restricts the drop rule to a destination CIDR. Empty means the
	// rule matches all destinations on the chain.
	Target string
	DryRun bool
	Logger logging.Logger
}

type commandRunner func(ctx context.Context, args ...string) error

// IPTablesEnforcer blocks the data plane by inserting a DROP rule.
type IPTablesEnforcer struct {
	bin    string
	chain  string
	target string
	dryRun bool
	log    logging.Logger
	runCmd commandRunner

	// mu serializes the check-then-insert and delete command sequences.
	mu sync.Mutex
}

// NewIPTables constructs an iptables enforcement backend.
func NewIPTables(cfg IPTablesConfig) (*IPTablesEnforcer, error) {
	bin := strings.TrimSpace(cfg.Binary)
	if bin == "" {
		bin = "iptables"
	}
	chain := strings.TrimSpace(cfg.Chain)
	if chain == "" {
		chain = "OUTPUT"
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Noop()
	}
	e := &IPTablesEnforcer{
		bin:    bin,
		chain:  chain,
		target: strings.TrimSpace(cfg.Target),
		dryRun: cfg.DryRun,
		log:    log,
	}
	e.runCmd = e.run
	return e, nil
}

func (e *IPTablesEnforcer) Name() string { return "iptables" }

func (e *IPTablesEnforcer) ruleArgs() []string {
	args := []string{e.chain}
	if e.target != "" {
		args = append(args, "-d", e.target)
	}
	return append(args, "-j", "DROP")
}

// Block installs the drop rule if it is not already present.
func (e *IPTablesEnforcer) Block(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dryRun {
		e.log.Info(ctx, "dry-run: would install drop rule",
			logging.String("chain", e.chain),
			logging.String("target", e.target),
		)
		return nil
	}

	// -C exits nonzero when the rule is absent; only then insert.
	if err := e.runCmd(ctx, append([]string{"-C"}, e.ruleArgs()...)...); err == nil {
		return nil
	}
	if err := e.runCmd(ctx, append([]string{"-I"}, e.ruleArgs()...)...); err != nil {
		return fmt.Errorf("iptables: install drop rule: %w", err)
	}
	e.log.Info(ctx, "drop rule installed",
		logging.String("chain", e.chain),
		logging.String("target", e.target),
	)
	return nil
}

// Unblock removes the drop rule. A missing rule is treated as success.
func (e *IPTablesEnforcer) Unblock(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dryRun {
		e.log.Info(ctx, "dry-run: would remove drop rule",
			logging.String("chain", e.chain),
			logging.String("target", e.target),
		)
		return nil
	}

	if err := e.runCmd(ctx, append([]string{"-D"}, e.ruleArgs()...)...); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Rule already absent.
			return nil
		}
		return fmt.Errorf("iptables: remove drop rule: %w", err)
	}
	e.log.Info(ctx, "drop rule removed",
		logging.String("chain", e.chain),
		logging.String("target", e.target),
	)
	return nil
}

// HealthCheck verifies that the iptables binary is reachable and responsive.
func (e *IPTablesEnforcer) HealthCheck(ctx context.Context) error {
	if _, err := exec.LookPath(e.bin); err != nil {
		return fmt.Errorf("iptables: binary not found: %w", err)
	}
	cmd := exec.CommandContext(ctx, e.bin, "--version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("iptables: version check failed: %w", err)
	}
	return nil
}

func (e *IPTablesEnforcer) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, e.bin, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		e.log.Error(ctx, "iptables command failed",
			logging.String("binary", e.bin),
			logging.String("args", strings.Join(args, " ")),
			logging.String("output", string(output)),
			logging.Err(err),
		)
		return fmt.Errorf("%s %s: %w", e.bin, strings.Join(args, " "), err)
	}
	return nil
}

// setCommandRunner swaps the command runner, for tests.
func (e *IPTablesEnforcer) setCommandRunner(r commandRunner) {
	if r == nil {
		e.runCmd = e.run
		return
	}
	e.runCmd = r
}
