package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fall-development-rob/cto-flow-sub000/internal/config"
)

func TestDefaultValidates(t *testing.T) {
	cfg := config.Default("ep-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Swarm.EpicID != "ep-1" {
		t.Fatalf("epic id = %s", cfg.Swarm.EpicID)
	}
	if cfg.Swarm.Enabled {
		t.Fatal("swarm must default to disabled")
	}
}

func TestValidateRejectsBadWeights(t *testing.T) {
	cfg := config.Default("ep-1")
	cfg.Scoring.Weights.Capability = 50
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "sum to 100") {
		t.Fatalf("err = %v, want weight-sum failure", err)
	}
}

func TestValidateRejectsBadBalancerSplit(t *testing.T) {
	cfg := config.Default("ep-1")
	cfg.Balancer.MatchWeight = 0.8
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected match/fairness split failure")
	}
}

func TestValidateRejectsMissingStallThreshold(t *testing.T) {
	cfg := config.Default("ep-1")
	delete(cfg.Stall.ThresholdsMinutes, "critical")
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected missing threshold failure")
	}
}

func TestValidateRejectsCriticalBelowDefault(t *testing.T) {
	cfg := config.Default("ep-1")
	cfg.Review.Consensus.Critical = 0.5
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected consensus ordering failure")
	}
}

func TestFromYAMLRejectsGarbage(t *testing.T) {
	if _, err := config.FromYAML([]byte("swarm: [")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestStallThresholdFallback(t *testing.T) {
	cfg := config.Default("ep-1")
	if got := cfg.StallThreshold("critical"); got != 15 {
		t.Fatalf("critical = %d, want 15", got)
	}
	if got := cfg.StallThreshold("unknown"); got != cfg.Stall.ThresholdsMinutes["medium"] {
		t.Fatalf("unknown priority should fall back to medium, got %d", got)
	}
}

func TestSeedWritesOnce(t *testing.T) {
	dir := t.TempDir()
	if err := config.Seed(dir, "ep-1"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load seeded: %v", err)
	}
	if cfg.Swarm.EpicID != "ep-1" {
		t.Fatalf("epic id = %s", cfg.Swarm.EpicID)
	}

	// an existing file wins over a later seed
	if err := os.WriteFile(filepath.Join(dir, "ctoflow.yml"), []byte("sentinel"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := config.Seed(dir, "ep-2"); err != nil {
		t.Fatalf("re-seed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "ctoflow.yml"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "sentinel" {
		t.Fatal("seed overwrote an existing config")
	}
}

func TestLoadOptionalMissing(t *testing.T) {
	cfg, err := config.LoadOptional(t.TempDir())
	if err != nil || cfg != nil {
		t.Fatalf("got %v/%v, want nil/nil for missing file", cfg, err)
	}
}
