// Command kms-server runs the quantum key management service: BB84 exchanges
// over a simulated channel, QBER-gated key issuance, and link health over a
// JSON HTTP API, with Prometheus metrics and optional OpenTelemetry tracing.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/signalsfoundry/qkd-kms/core"
	"github.com/signalsfoundry/qkd-kms/internal/api"
	"github.com/signalsfoundry/qkd-kms/internal/kms"
	"github.com/signalsfoundry/qkd-kms/internal/logging"
	"github.com/signalsfoundry/qkd-kms/internal/observability"
)

func main() {
	addr := flag.String("addr", ":8080", "TCP address the KMS HTTP API listens on")
	metricsAddr := flag.String("metrics-addr", ":9090", "HTTP address for Prometheus /metrics")
	channelPath := flag.String("channel-profile", "configs/channel.json", "Path to a JSON file describing the simulated channel")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx := context.Background()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}

	collector, err := observability.NewKMSCollector(nil)
	if err != nil {
		log.Error(ctx, "failed to initialise metrics collector", logging.Err(err))
		os.Exit(1)
	}

	metricsSrv := serveMetrics(*metricsAddr, collector, log)

	channel := loadChannelProfile(log, *channelPath)

	mgr, err := kms.NewManager(kms.Config{
		Channel:    channel,
		Thresholds: kms.DefaultThresholds(),
	}, log, kms.WithMetricsRecorder(collector))
	if err != nil {
		log.Error(ctx, "failed to initialise key manager", logging.Err(err))
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:    *addr,
		Handler: api.NewServer(mgr, log, collector).Routes(),
	}

	log.Info(ctx, "starting KMS API server", logging.String("addr", *addr))
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(ctx, "API server exited", logging.Err(err))
		}
	}()

	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	<-stopCtx.Done()

	log.Info(ctx, "shutting down KMS server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)
}

func serveMetrics(addr string, collector *observability.KMSCollector, log logging.Logger) *http.Server {
	if collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

// loadChannelProfile reads simulated channel parameters from a JSON file.
// A missing or malformed file is logged and defaults are used, so the demo
// server starts without any configuration.
func loadChannelProfile(log logging.Logger, path string) core.Params {
	var p core.Params
	if path == "" {
		return p
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn(context.Background(), "skipping channel profile load", logging.String("path", path), logging.Err(err))
		return p
	}

	if err := json.Unmarshal(data, &p); err != nil {
		log.Warn(context.Background(), "failed to parse channel profile", logging.String("path", path), logging.Err(err))
		return core.Params{}
	}

	if err := p.WithDefaults().Validate(); err != nil {
		log.Warn(context.Background(), "invalid channel profile, using defaults", logging.String("path", path), logging.Err(err))
		return core.Params{}
	}

	log.Info(context.Background(), "loaded channel profile",
		logging.String("path", path),
		logging.Int("bit_count", p.BitCount),
		logging.Float64("noise_level", p.NoiseLevel),
	)
	return p
}
