package opconfig

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "ops.yaml", `
calib_iterations: 30
ops:
  conv1:
    algorithm: min-max
    mode: MIN_FIRST
  conv2:
    algorithm: kl
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CalibIterations != 30 {
		t.Fatalf("calib_iterations = %d", cfg.CalibIterations)
	}
	if cfg.Ops["conv1"].Algorithm != AlgoMinMax || cfg.Ops["conv1"].Mode != "MIN_FIRST" {
		t.Fatalf("conv1 = %+v", cfg.Ops["conv1"])
	}
	if cfg.Ops["conv2"].Algorithm != AlgoKL {
		t.Fatalf("conv2 = %+v", cfg.Ops["conv2"])
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "ops.json", `{
  "calib_iterations": 5,
  "ops": {"conv": {"algorithm": "kl"}}
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CalibIterations != 5 || cfg.Ops["conv"].Algorithm != AlgoKL {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name, file, body, want string
	}{
		{"unknown algorithm", "ops.yaml", "calib_iterations: 1\nops:\n  conv:\n    algorithm: percentile\n", "unknown algorithm"},
		{"zero iterations", "ops.yaml", "calib_iterations: 0\n", "must be positive"},
		{"bad yaml", "ops.yaml", "calib_iterations: [\n", "parse"},
		{"bad json", "ops.json", "{", "parse"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.file, tc.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestKLOpNames(t *testing.T) {
	cfg := Config{
		CalibIterations: 1,
		Ops: map[string]OpConfig{
			"a": {Algorithm: AlgoKL},
			"b": {Algorithm: AlgoMinMax},
			"c": {Algorithm: AlgoKL},
		},
	}
	names := cfg.KLOpNames()
	sort.Strings(names)
	if len(names) != 2 || names[0] != "a" || names[1] != "c" {
		t.Fatalf("KL ops = %v", names)
	}
}
