package engine

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rmax-ai/roadnet/pkg/graph"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roadnet.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadPipelineConfig(t *testing.T) {
	path := writeConfig(t, `{
		"scan_radius_init": 300,
		"max_connection_distance": 96,
		"interval": "10s",
		"deterministic_decorations": true,
		"structure_selectors": [" village ", "#landmarks", "village", ""],
		"max_retries": 5,
		"material": "cobblestone",
		"anchors": [{"x": 100, "y": 64, "z": -20}]
	}`)

	cfg, err := LoadPipelineConfig(path)
	if err != nil {
		t.Fatalf("LoadPipelineConfig failed: %v", err)
	}
	if cfg.ScanRadiusInit != 300 || cfg.MaxConnectionDistance != 96 {
		t.Errorf("unexpected radii: %+v", cfg)
	}
	if time.Duration(cfg.Interval) != 10*time.Second {
		t.Errorf("Expected interval 10s, got %s", time.Duration(cfg.Interval))
	}
	if !cfg.DeterministicDecorations {
		t.Error("Expected deterministic decorations")
	}
	want := []string{"#landmarks", "village"}
	if len(cfg.StructureSelectors) != 2 || cfg.StructureSelectors[0] != want[0] || cfg.StructureSelectors[1] != want[1] {
		t.Errorf("Expected selectors %v, got %v", want, cfg.StructureSelectors)
	}
	if cfg.MaxRetries != 5 || cfg.Material != "cobblestone" {
		t.Errorf("unexpected retry/material: %d %s", cfg.MaxRetries, cfg.Material)
	}
	if len(cfg.Anchors) != 1 || cfg.Anchors[0] != (graph.Position{X: 100, Y: 64, Z: -20}) {
		t.Errorf("unexpected anchors %v", cfg.Anchors)
	}

	// Defaults for omitted fields.
	def := DefaultPipelineConfig()
	if cfg.ScanRadiusPartitionLoad != def.ScanRadiusPartitionLoad {
		t.Errorf("Expected default partition radius %d, got %d", def.ScanRadiusPartitionLoad, cfg.ScanRadiusPartitionLoad)
	}
	if cfg.PartitionSize != def.PartitionSize || cfg.BuildBudgetPerTick != def.BuildBudgetPerTick {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.EffectiveBucketSize() != 96 {
		t.Errorf("Expected bucket size to follow max distance, got %d", cfg.EffectiveBucketSize())
	}
}

func TestLoadPipelineConfig_Invalid(t *testing.T) {
	tests := map[string]string{
		"syntax":           `{"interval": `,
		"negative radius":  `{"scan_radius_init": -1}`,
		"bad duration":     `{"interval": "soon"}`,
		"empty tag":        `{"structure_selectors": ["#"]}`,
		"retry window":     `{"retry_base_cycles": 8, "retry_max_cycles": 2}`,
		"negative budget":  `{"build_budget_per_tick": -3}`,
		"negative edges":   `{"max_edges_per_node": -1}`,
		"negative bucket":  `{"bucket_size": -10}`,
		"negative retries": `{"max_retries": -1}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadPipelineConfig(writeConfig(t, body)); err == nil {
				t.Errorf("Expected error for %s", body)
			}
		})
	}

	if _, err := LoadPipelineConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestDuration_JSON(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte(`45`), &d); err != nil {
		t.Fatal(err)
	}
	if time.Duration(d) != 45*time.Second {
		t.Errorf("Expected 45s, got %s", time.Duration(d))
	}
	if err := json.Unmarshal([]byte(`"1m30s"`), &d); err != nil {
		t.Fatal(err)
	}
	out, _ := json.Marshal(d)
	if string(out) != `"1m30s"` {
		t.Errorf("Expected \"1m30s\", got %s", out)
	}
	if err := json.Unmarshal([]byte(`true`), &d); err == nil {
		t.Error("Expected error for bool duration")
	}
}

func TestFileConfig_Reload(t *testing.T) {
	path := writeConfig(t, `{"max_connection_distance": 40}`)
	fc, err := NewFileConfig(path)
	if err != nil {
		t.Fatalf("NewFileConfig failed: %v", err)
	}
	if got := fc.Current().MaxConnectionDistance; got != 40 {
		t.Fatalf("Expected 40, got %d", got)
	}

	if err := os.WriteFile(path, []byte(`{"max_connection_distance": 60}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := fc.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if got := fc.Current().MaxConnectionDistance; got != 60 {
		t.Errorf("Expected 60 after reload, got %d", got)
	}

	// A broken file keeps the previous settings.
	if err := os.WriteFile(path, []byte(`{"max_connection_distance": -5}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := fc.Reload(); err == nil {
		t.Error("Expected reload error")
	}
	if got := fc.Current().MaxConnectionDistance; got != 60 {
		t.Errorf("Expected 60 after failed reload, got %d", got)
	}
}

func TestFileConfig_PartitionSizeIsFixed(t *testing.T) {
	path := writeConfig(t, `{"partition_size": 16}`)
	fc, err := NewFileConfig(path)
	if err != nil {
		t.Fatalf("NewFileConfig failed: %v", err)
	}

	if err := os.WriteFile(path, []byte(`{"partition_size": 32, "max_connection_distance": 80}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := fc.Reload(); err == nil {
		t.Fatal("Expected reload to reject a partition size change")
	}
	cfg := fc.Current()
	if cfg.PartitionSize != 16 {
		t.Errorf("Expected partition size 16, got %d", cfg.PartitionSize)
	}
	if cfg.MaxConnectionDistance == 80 {
		t.Error("Rejected reload must not apply other settings")
	}
}

func TestFileConfig_CurrentIsCopy(t *testing.T) {
	fc, err := NewFileConfig("")
	if err != nil {
		t.Fatal(err)
	}
	cfg := fc.Current()
	cfg.StructureSelectors[0] = "mutated"
	if fc.Current().StructureSelectors[0] != "village" {
		t.Error("Current must not share slices with the stored config")
	}
}
