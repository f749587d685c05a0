package config

import (
	"testing"

	"github.com/spf13/cobra"
)

func newBoundCommand() (*cobra.Command, *Config) {
	cmd := &cobra.Command{Use: "test"}
	cfg := BindFlags(cmd)
	return cmd, cfg
}

func TestBindFlagsDefaults(t *testing.T) {
	cmd, cfg := newBoundCommand()
	if err := cmd.PreRunE(cmd, nil); err != nil {
		t.Fatalf("PreRunE: %v", err)
	}

	if len(cfg.ClusterConsensusEndpoints) != 1 || cfg.ClusterConsensusEndpoints[0] != "localhost:9010" {
		t.Fatalf("unexpected default endpoints: %v", cfg.ClusterConsensusEndpoints)
	}
	if cfg.ConsensusStreamID != 100 {
		t.Fatalf("ConsensusStreamID = %d, want 100", cfg.ConsensusStreamID)
	}
	if cfg.BackupResponseTimeoutMs != 5000 {
		t.Fatalf("BackupResponseTimeoutMs = %d, want 5000", cfg.BackupResponseTimeoutMs)
	}
	if cfg.BackupQueryIntervalMs != 5*60*1000 {
		t.Fatalf("BackupQueryIntervalMs = %d, want %d", cfg.BackupQueryIntervalMs, 5*60*1000)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("LogLevel = %q, want info", cfg.LogLevel)
	}
}

func TestBindFlagsEnvOverride(t *testing.T) {
	t.Setenv("RELAYKEEP_CLUSTER_CONSENSUS_ENDPOINTS", "host-a:9010,host-b:9010")
	t.Setenv("RELAYKEEP_LOG_LEVEL", "debug")

	cmd, cfg := newBoundCommand()
	if err := cmd.PreRunE(cmd, nil); err != nil {
		t.Fatalf("PreRunE: %v", err)
	}

	if len(cfg.ClusterConsensusEndpoints) != 2 {
		t.Fatalf("expected 2 endpoints from env override, got %v", cfg.ClusterConsensusEndpoints)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestBindFlagsRejectsEmptyEndpoints(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	cfg := BindFlags(cmd)
	_ = cfg
	if err := cmd.PersistentFlags().Set("cluster-consensus-endpoints", "  ,  ,"); err != nil {
		t.Fatalf("failed to set flag: %v", err)
	}
	if err := cmd.PreRunE(cmd, nil); err == nil {
		t.Fatalf("expected an error when no endpoint survives splitCSV")
	}
}

func TestSplitCSV(t *testing.T) {
	got := splitCSV(" a , b,,c ")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("splitCSV length = %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("splitCSV[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
