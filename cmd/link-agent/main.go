// Command link-agent polls a KMS server's link health and enforces the
// security decision on the classical data plane: RED blocks traffic through
// the configured backend, recovery restores it.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/signalsfoundry/qkd-kms/internal/agent"
	"github.com/signalsfoundry/qkd-kms/internal/logging"
)

func main() {
	kmsURL := flag.String("kms-url", "http://localhost:8080", "Base URL of the KMS API server")
	interval := flag.Duration("interval", agent.DefaultInterval, "Poll interval for link health")
	backend := flag.String("backend", "noop", "Enforcement backend: noop or iptables")
	chain := flag.String("chain", "OUTPUT", "iptables chain the drop rule is installed into")
	target := flag.String("target", "", "Destination CIDR the drop rule is restricted to (empty matches all)")
	dryRun := flag.Bool("dry-run", false, "Log enforcement actions without executing them")
	failClosed := flag.Bool("fail-closed", false, "Block traffic when the KMS is unreachable instead of holding the last known state")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx := context.Background()

	enf, err := agent.Factory(agent.Options{
		Backend: *backend,
		DryRun:  *dryRun,
		Logger:  log,
		IPTables: agent.IPTablesConfig{
			Chain:  *chain,
			Target: *target,
		},
	})
	if err != nil {
		log.Error(ctx, "failed to initialise enforcement backend", logging.Err(err))
		os.Exit(1)
	}

	a, err := agent.New(agent.Config{
		Source:     agent.NewHTTPSource(*kmsURL, nil),
		Enforcer:   enf,
		Interval:   *interval,
		FailClosed: *failClosed,
		Logger:     log,
	})
	if err != nil {
		log.Error(ctx, "failed to initialise agent", logging.Err(err))
		os.Exit(1)
	}

	log.Info(ctx, "starting link enforcement agent",
		logging.String("kms_url", *kmsURL),
		logging.String("backend", enf.Name()),
		logging.String("interval", interval.String()),
		logging.Bool("fail_closed", *failClosed),
	)

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	a.Run(runCtx)

	// Leave the data plane open on shutdown so a stopped agent cannot strand
	// a healthy link.
	unblockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := enf.Unblock(unblockCtx); err != nil {
		log.Warn(unblockCtx, "failed to restore traffic on shutdown", logging.Err(err))
	}
	log.Info(context.Background(), "link enforcement agent stopped")
}
