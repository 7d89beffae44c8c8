package agent

import (
	"context"
	"errors"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"

	"github.com/signalsfoundry/qkd-kms/core"
	"github.com/signalsfoundry/qkd-kms/internal/api"
	"github.com/signalsfoundry/qkd-kms/internal/kms"
	"github.com/signalsfoundry/qkd-kms/internal/logging"
)

type fakeSource struct {
	health Health
	err    error
}

func (f *fakeSource) Fetch(context.Context) (Health, error) {
	return f.health, f.err
}

type countingEnforcer struct {
	blocks   int
	unblocks int
	err      error
}

func (c *countingEnforcer) Block(context.Context) error {
	if c.err != nil {
		return c.err
	}
	c.blocks++
	return nil
}

func (c *countingEnforcer) Unblock(context.Context) error {
	if c.err != nil {
		return c.err
	}
	c.unblocks++
	return nil
}

func (c *countingEnforcer) Name() string { return "counting" }

func newTestAgent(t *testing.T, src HealthSource, enf Enforcer, failClosed bool) *Agent {
	t.Helper()
	a, err := New(Config{
		Source:     src,
		Enforcer:   enf,
		FailClosed: failClosed,
		Logger:     logging.Noop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestAgentTransitions(t *testing.T) {
	src := &fakeSource{health: Health{Status: kms.StatusGreen}}
	enf := &countingEnforcer{}
	a := newTestAgent(t, src, enf, false)
	ctx := context.Background()

	// Initial GREEN observation unblocks once.
	if err := a.Step(ctx); err != nil {
		t.Fatalf("step: %v", err)
	}
	if a.Blocked() || enf.unblocks != 1 {
		t.Fatalf("after GREEN: blocked=%v unblocks=%d", a.Blocked(), enf.unblocks)
	}

	src.health = Health{Status: kms.StatusRed, QBER: 0.27}
	if err := a.Step(ctx); err != nil {
		t.Fatalf("step: %v", err)
	}
	if !a.Blocked() || enf.blocks != 1 {
		t.Fatalf("after RED: blocked=%v blocks=%d", a.Blocked(), enf.blocks)
	}

	// YELLOW is degraded but not compromised; traffic flows.
	src.health = Health{Status: kms.StatusYellow, QBER: 0.08}
	if err := a.Step(ctx); err != nil {
		t.Fatalf("step: %v", err)
	}
	if a.Blocked() || enf.unblocks != 2 {
		t.Fatalf("after YELLOW: blocked=%v unblocks=%d", a.Blocked(), enf.unblocks)
	}
}

func TestAgentSuppressesRepeatedState(t *testing.T) {
	src := &fakeSource{health: Health{Status: kms.StatusRed}}
	enf := &countingEnforcer{}
	a := newTestAgent(t, src, enf, false)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := a.Step(ctx); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	if enf.blocks != 1 {
		t.Fatalf("blocks = %d, want exactly 1 across repeated RED polls", enf.blocks)
	}
}

func TestAgentFailClosed(t *testing.T) {
	src := &fakeSource{err: errors.New("connection refused")}
	enf := &countingEnforcer{}
	a := newTestAgent(t, src, enf, true)

	if err := a.Step(context.Background()); err != nil {
		t.Fatalf("step: %v", err)
	}
	if !a.Blocked() || enf.blocks != 1 {
		t.Fatalf("fail-closed: blocked=%v blocks=%d", a.Blocked(), enf.blocks)
	}
}

func TestAgentHoldsLastKnownState(t *testing.T) {
	src := &fakeSource{health: Health{Status: kms.StatusRed}}
	enf := &countingEnforcer{}
	a := newTestAgent(t, src, enf, false)
	ctx := context.Background()

	if err := a.Step(ctx); err != nil {
		t.Fatalf("step: %v", err)
	}

	// Source goes away; the block stays in place.
	src.err = errors.New("connection refused")
	if err := a.Step(ctx); err != nil {
		t.Fatalf("step: %v", err)
	}
	if !a.Blocked() {
		t.Fatal("expected block to hold while the source is unreachable")
	}
	if enf.blocks != 1 || enf.unblocks != 0 {
		t.Fatalf("backend touched during outage: blocks=%d unblocks=%d", enf.blocks, enf.unblocks)
	}
}

func TestAgentSurfacesEnforcerError(t *testing.T) {
	src := &fakeSource{health: Health{Status: kms.StatusRed}}
	enf := &countingEnforcer{err: errors.New("permission denied")}
	a := newTestAgent(t, src, enf, false)

	if err := a.Step(context.Background()); err == nil {
		t.Fatal("expected enforcer error to propagate")
	}
	if a.Blocked() {
		t.Fatal("state must not advance past a failed apply")
	}
}

func TestFactory(t *testing.T) {
	if _, err := Factory(Options{Backend: "noop"}); err != nil {
		t.Fatalf("noop: %v", err)
	}
	if _, err := Factory(Options{Backend: ""}); err != nil {
		t.Fatalf("default: %v", err)
	}
	if _, err := Factory(Options{Backend: "iptables"}); err != nil {
		t.Fatalf("iptables: %v", err)
	}
	if _, err := Factory(Options{Backend: "ebpf"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestIPTablesBlockIdempotent(t *testing.T) {
	enf, err := NewIPTables(IPTablesConfig{Chain: "FORWARD", Target: "10.8.0.0/16", Logger: logging.Noop()})
	if err != nil {
		t.Fatalf("NewIPTables: %v", err)
	}

	var calls []string
	present := false
	enf.setCommandRunner(func(_ context.Context, args ...string) error {
		calls = append(calls, strings.Join(args, " "))
		switch args[0] {
		case "-C":
			if present {
				return nil
			}
			return &exec.ExitError{}
		case "-I":
			present = true
			return nil
		case "-D":
			present = false
			return nil
		}
		return nil
	})

	ctx := context.Background()
	if err := enf.Block(ctx); err != nil {
		t.Fatalf("first block: %v", err)
	}
	if err := enf.Block(ctx); err != nil {
		t.Fatalf("second block: %v", err)
	}

	want := []string{
		"-C FORWARD -d 10.8.0.0/16 -j DROP",
		"-I FORWARD -d 10.8.0.0/16 -j DROP",
		"-C FORWARD -d 10.8.0.0/16 -j DROP",
	}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("call %d = %q, want %q", i, calls[i], want[i])
		}
	}

	if err := enf.Unblock(ctx); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if present {
		t.Fatal("rule still present after unblock")
	}
}

func TestIPTablesUnblockMissingRule(t *testing.T) {
	enf, err := NewIPTables(IPTablesConfig{Logger: logging.Noop()})
	if err != nil {
		t.Fatalf("NewIPTables: %v", err)
	}
	enf.setCommandRunner(func(_ context.Context, args ...string) error {
		if args[0] == "-D" {
			return &exec.ExitError{}
		}
		return nil
	})
	if err := enf.Unblock(context.Background()); err != nil {
		t.Fatalf("unblock of absent rule should succeed: %v", err)
	}
}

func TestIPTablesDryRun(t *testing.T) {
	enf, err := NewIPTables(IPTablesConfig{DryRun: true, Logger: logging.Noop()})
	if err != nil {
		t.Fatalf("NewIPTables: %v", err)
	}
	enf.setCommandRunner(func(context.Context, ...string) error {
		t.Fatal("dry-run must not execute commands")
		return nil
	})
	ctx := context.Background()
	if err := enf.Block(ctx); err != nil {
		t.Fatalf("block: %v", err)
	}
	if err := enf.Unblock(ctx); err != nil {
		t.Fatalf("unblock: %v", err)
	}
}

func TestHTTPSourceAgainstServer(t *testing.T) {
	mgr, err := kms.NewManager(kms.Config{
		Channel:    core.Params{BitCount: 4096},
		Thresholds: kms.DefaultThresholds(),
	}, logging.Noop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ts := httptest.NewServer(api.NewServer(mgr, logging.Noop(), nil).Routes())
	defer ts.Close()

	src := NewHTTPSource(ts.URL, nil)
	health, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if health.Status != kms.StatusGreen {
		t.Fatalf("status = %q, want GREEN", health.Status)
	}

	mgr.ForceAttack()
	if _, err := mgr.IssueKey(context.Background(), kms.KeyRequest{DeviceID: "drone-1"}); err != nil {
		t.Fatalf("issue under attack: %v", err)
	}
	health, err = src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if health.Status != kms.StatusRed || !health.ForcedAttack {
		t.Fatalf("health = %+v, want RED with forced flag", health)
	}
}

func TestHTTPSourceErrors(t *testing.T) {
	src := NewHTTPSource("http://127.0.0.1:1", nil)
	if _, err := src.Fetch(context.Background()); err == nil {
		t.Fatal("expected error for unreachable server")
	}
}
