package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDumpThenLoadRoundTrips(t *testing.T) {
	m := DefaultMachine()
	m.Cores[0].ROBSize = 256

	out, err := Dump(m)
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	if len(out) == 0 {
		t.Fatal("expected non-empty YAML")
	}

	path := filepath.Join(t.TempDir(), "machine.yaml")
	if err := os.WriteFile(path, out, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.Cores) != 1 || got.Cores[0].ROBSize != 256 {
		t.Fatalf("want one core with ROBSize 256 after the round trip, got %+v", got.Cores)
	}
}

func TestLoadMissingFileWraps(t *testing.T) {
	_, err := Load("/nonexistent/path/suprax.yaml")
	if err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestDefaultCoreConfigIsOutOfOrder(t *testing.T) {
	c := DefaultCoreConfig()
	if c.Kind != PipelineOOO {
		t.Fatalf("want default kind ooo, got %v", c.Kind)
	}
	if c.ROBSize <= 0 || c.IssueQueueSize <= 0 {
		t.Fatal("default structural widths must be positive")
	}
}

func TestDefaultCoreConfigHasAtomStructuralWidths(t *testing.T) {
	c := DefaultCoreConfig()
	if c.MaxFetchWidth <= 0 || c.MaxIssuePerCycle <= 0 || c.NumFrontendStages <= 0 || c.MinPipelineCycles <= 0 || c.MaxBranchInFlight <= 0 {
		t.Fatal("default Atom structural widths must be positive")
	}
	if c.FUCounts.ALU <= 0 || c.FUCounts.Load <= 0 || c.FUCounts.Store <= 0 || c.FUCounts.Branch <= 0 {
		t.Fatal("default functional-unit counts must be positive")
	}
	if c.L1ICacheSize <= 0 || c.L1DCacheSize <= 0 || c.L2CacheSize <= 0 || c.ITLBSize <= 0 || c.DTLBSize <= 0 {
		t.Fatal("default cache/TLB sizes must be positive")
	}
}

func TestDefaultMachineLeavesRegionBoundsUnset(t *testing.T) {
	m := DefaultMachine()
	if m.StartRIP != 0 || m.StopRIP != 0 || m.StartIteration != 0 || m.StopIteration != 0 {
		t.Fatal("default machine must not bound the simulated region")
	}
	if m.CheckerEnabled {
		t.Fatal("checker must default to off")
	}
}
