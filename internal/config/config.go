// Package config bootstraps the backup-agent CLI: cobra flags with
// RELAYKEEP_*-prefixed environment-variable fallbacks, mirroring the
// arkeep agent's envOrDefault + persistent-flag convention (see
// agent/cmd/agent/main.go in the retrieved teacher repo) for every option
// spec.md §6 recognizes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// Config is the agent's fully-parsed configuration (spec.md §6
// "Configuration options").
type Config struct {
	ClusterConsensusEndpoints []string
	ConsensusChannel          string
	ConsensusStreamID         int32
	ResponseStreamID          int32
	ProtocolSemanticVersion   int32
	CatchupEndpoint           string
	ReplayStreamID            int32
	LogStreamID               int32
	ArchiveContext            string
	ClusterDir                string

	BackupResponseTimeoutMs int64
	BackupQueryIntervalMs   int64
	BackupProgressTimeoutMs int64
	CoolDownIntervalMs      int64

	LogLevel    string
	MetricsAddr string
}

// flags holds the raw, unparsed cobra flag destinations before Config
// assembles its typed fields from them.
type flags struct {
	consensusEndpoints string
	consensusChannel   string
	consensusStreamID  int32
	responseStreamID   int32
	protocolVersion    int32
	catchupEndpoint    string
	replayStreamID     int32
	logStreamID        int32
	archiveContext     string
	clusterDir         string

	responseTimeoutNs int64
	intervalNs        int64
	progressTimeoutNs int64
	coolDownNs        int64

	logLevel    string
	metricsAddr string
}

// BindFlags registers every spec.md §6 option as a persistent flag on cmd,
// defaulting from the matching RELAYKEEP_* environment variable exactly as
// the teacher's agent/cmd/agent/main.go binds ARKEEP_* variables.
func BindFlags(cmd *cobra.Command) *Config {
	f := &flags{}
	cfg := &Config{}

	cmd.PersistentFlags().StringVar(&f.consensusEndpoints, "cluster-consensus-endpoints",
		envOrDefault("RELAYKEEP_CLUSTER_CONSENSUS_ENDPOINTS", "localhost:9010"),
		"Comma-separated list of candidate consensus endpoints (host:port)")
	cmd.PersistentFlags().StringVar(&f.consensusChannel, "consensus-channel",
		envOrDefault("RELAYKEEP_CONSENSUS_CHANNEL", "endpoint=localhost:9020"),
		"Inbound consensus subscription channel")
	cmd.PersistentFlags().Int32Var(&f.consensusStreamID, "consensus-stream-id",
		envOrDefaultInt32("RELAYKEEP_CONSENSUS_STREAM_ID", 100), "Consensus stream id")
	cmd.PersistentFlags().Int32Var(&f.responseStreamID, "response-stream-id",
		envOrDefaultInt32("RELAYKEEP_RESPONSE_STREAM_ID", 101), "Backup-response stream id")
	cmd.PersistentFlags().Int32Var(&f.protocolVersion, "protocol-semantic-version",
		envOrDefaultInt32("RELAYKEEP_PROTOCOL_SEMANTIC_VERSION", 1), "Protocol semantic version advertised in BackupQuery")
	cmd.PersistentFlags().StringVar(&f.catchupEndpoint, "catchup-endpoint",
		envOrDefault("RELAYKEEP_CATCHUP_ENDPOINT", "localhost:9030"), "Replay/catch-up channel endpoint")
	cmd.PersistentFlags().Int32Var(&f.replayStreamID, "replay-stream-id",
		envOrDefaultInt32("RELAYKEEP_REPLAY_STREAM_ID", 200), "Snapshot replay stream id")
	cmd.PersistentFlags().Int32Var(&f.logStreamID, "log-stream-id",
		envOrDefaultInt32("RELAYKEEP_LOG_STREAM_ID", 201), "Live-log replay stream id")
	cmd.PersistentFlags().StringVar(&f.archiveContext, "archive-context",
		envOrDefault("RELAYKEEP_ARCHIVE_CONTEXT", "localhost:9040"), "Local archive control-service address")
	cmd.PersistentFlags().StringVar(&f.clusterDir, "cluster-dir",
		envOrDefault("RELAYKEEP_CLUSTER_DIR", defaultClusterDir()), "Directory for the recording log and mark file")

	cmd.PersistentFlags().Int64Var(&f.responseTimeoutNs, "cluster-backup-response-timeout-ns",
		envOrDefaultInt64("RELAYKEEP_CLUSTER_BACKUP_RESPONSE_TIMEOUT_NS", int64(5*time.Second)),
		"Nanoseconds of inactivity on a consensus endpoint before rotating")
	cmd.PersistentFlags().Int64Var(&f.intervalNs, "cluster-backup-interval-ns",
		envOrDefaultInt64("RELAYKEEP_CLUSTER_BACKUP_INTERVAL_NS", int64(5*time.Minute)),
		"Nanoseconds between steady-state backup queries")
	cmd.PersistentFlags().Int64Var(&f.progressTimeoutNs, "cluster-backup-progress-timeout-ns",
		envOrDefaultInt64("RELAYKEEP_CLUSTER_BACKUP_PROGRESS_TIMEOUT_NS", int64(10*time.Second)),
		"Nanoseconds without progress before a pre-steady-state stall is declared")
	cmd.PersistentFlags().Int64Var(&f.coolDownNs, "cluster-backup-cool-down-interval-ns",
		envOrDefaultInt64("RELAYKEEP_CLUSTER_BACKUP_COOL_DOWN_INTERVAL_NS", int64(3*time.Second)),
		"Nanoseconds to wait in RESET_BACKUP before returning to INIT")

	cmd.PersistentFlags().StringVar(&f.logLevel, "log-level",
		envOrDefault("RELAYKEEP_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&f.metricsAddr, "metrics-addr",
		envOrDefault("RELAYKEEP_METRICS_ADDR", ":9090"), "Address to serve /metrics on")

	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		resolved, err := resolve(f)
		if err != nil {
			return err
		}
		*cfg = *resolved
		return nil
	}

	return cfg
}

func resolve(f *flags) (*Config, error) {
	endpoints := splitCSV(f.consensusEndpoints)
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("config: cluster-consensus-endpoints must name at least one endpoint")
	}
	return &Config{
		ClusterConsensusEndpoints: endpoints,
		ConsensusChannel:          f.consensusChannel,
		ConsensusStreamID:         f.consensusStreamID,
		ResponseStreamID:          f.responseStreamID,
		ProtocolSemanticVersion:   f.protocolVersion,
		CatchupEndpoint:           f.catchupEndpoint,
		ReplayStreamID:            f.replayStreamID,
		LogStreamID:               f.logStreamID,
		ArchiveContext:            f.archiveContext,
		ClusterDir:                f.clusterDir,
		BackupResponseTimeoutMs:   f.responseTimeoutNs / int64(time.Millisecond),
		BackupQueryIntervalMs:     f.intervalNs / int64(time.Millisecond),
		BackupProgressTimeoutMs:   f.progressTimeoutNs / int64(time.Millisecond),
		CoolDownIntervalMs:        f.coolDownNs / int64(time.Millisecond),
		LogLevel:                  f.logLevel,
		MetricsAddr:               f.metricsAddr,
	}, nil
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func defaultClusterDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.relaykeep/backup-agent"
	}
	return ".relaykeep/backup-agent"
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt32(key string, defaultVal int32) int32 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			return int32(n)
		}
	}
	return defaultVal
}

func envOrDefaultInt64(key string, defaultVal int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return defaultVal
}
