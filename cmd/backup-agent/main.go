// Command backup-agent runs a single Agent against a consensus cluster and
// its archive services, driving its DoWork duty cycle until terminated.
//
// Startup sequence mirrors the teacher's agent/cmd/agent/main.go:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Open the mark file and the published counters
//  4. Dial the local archive
//  5. Construct the Agent (it opens the recording log and consensus
//     transports itself on INIT)
//  6. Serve /metrics for the published counters
//  7. Drive DoWork on a tight loop until SIGINT/SIGTERM, then close
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relaykeep/backup-agent/internal/agent"
	"github.com/relaykeep/backup-agent/internal/agentlog"
	"github.com/relaykeep/backup-agent/internal/archive"
	"github.com/relaykeep/backup-agent/internal/archive/rpc"
	"github.com/relaykeep/backup-agent/internal/clock"
	"github.com/relaykeep/backup-agent/internal/config"
	"github.com/relaykeep/backup-agent/internal/counters"
	"github.com/relaykeep/backup-agent/internal/markfile"
	"github.com/relaykeep/backup-agent/internal/recordinglog"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "backup-agent",
		Short: "relaykeep backup-agent — off-cluster replica of a consensus cluster's replicated log",
		Long: `backup-agent discovers a consensus cluster's leader, retrieves any
missing snapshots from the leader's archive, continuously replicates the
committed log, and keeps a local recording-log index consistent with what
has been replicated.`,
	}

	cfg := config.BindFlags(root)
	root.RunE = func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), cfg)
	}

	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("backup-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting backup-agent",
		zap.String("version", version),
		zap.Strings("cluster_consensus_endpoints", cfg.ClusterConsensusEndpoints),
		zap.String("cluster_dir", cfg.ClusterDir),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mark, err := markfile.Open(cfg.ClusterDir)
	if err != nil {
		return fmt.Errorf("failed to open mark file: %w", err)
	}

	published := counters.NewRegistry(prometheus.DefaultRegisterer)

	backupArchive := rpc.Dial(cfg.ArchiveContext, logger)
	defer backupArchive.Close()

	agentCfg := agent.Config{
		ConsensusEndpoints:      cfg.ClusterConsensusEndpoints,
		ConsensusChannel:        cfg.ConsensusChannel,
		ConsensusStreamID:       cfg.ConsensusStreamID,
		CatchupEndpoint:         cfg.CatchupEndpoint,
		ReplayStreamID:          cfg.ReplayStreamID,
		LogStreamID:             cfg.LogStreamID,
		ResponseStreamID:        cfg.ResponseStreamID,
		ProtocolSemanticVersion: cfg.ProtocolSemanticVersion,
		BackupResponseTimeoutMs: cfg.BackupResponseTimeoutMs,
		BackupQueryIntervalMs:   cfg.BackupQueryIntervalMs,
		BackupProgressTimeoutMs: cfg.BackupProgressTimeoutMs,
		CoolDownIntervalMs:      cfg.CoolDownIntervalMs,
		ArchiveDialer: func(endpoint string) archive.Client {
			return rpc.Dial(endpoint, logger)
		},
	}

	recordingLogPath := cfg.ClusterDir + "/recording-log.db"
	a := agent.New(
		agentCfg,
		clock.New(),
		logger,
		agentlog.New(logger),
		func() (recordinglog.Log, error) { return recordinglog.Open(recordingLogPath) },
		backupArchive,
		backupArchive,
		published,
		mark,
	)
	defer a.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	defer metricsServer.Close()

	logger.Info("backup-agent running")
	runLoop(ctx, a, logger)
	logger.Info("backup-agent stopped")
	return nil
}

// runLoop drives DoWork to quiescence each tick: calling it back-to-back
// while it reports work, and yielding briefly when it reports none, the
// way a cooperative scheduler idles between ticks without busy-spinning a
// full core (spec.md §5 "strictly single-threaded cooperative").
func runLoop(ctx context.Context, a *agent.Agent, logger *zap.Logger) {
	idle := time.NewTicker(10 * time.Millisecond)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		work, err := a.DoWork()
		if err != nil {
			logger.Error("duty cycle error", zap.Error(err))
		}
		if work == 0 {
			select {
			case <-ctx.Done():
				return
			case <-idle.C:
			}
		}
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}
	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}
