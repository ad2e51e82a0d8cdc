package main

import (
	"testing"

	"gmmfit/internal/overlap"
)

func TestLoadRunConfig(t *testing.T) {
	path := writeTemp(t, "run.yaml", `kbt: 2.49
blur: 0.05
nl_retain: 0.99
nl_stride: 10
sampling: true
sigma_mean_hot: 0.5
sigma_mean_cold: 0.3
sigma_init: 1.0
dsigma: 0.3
mc_stride: 2
mc_cut: 0.5
prior: 1.0
regression_stride: 5
write_stride: 4
store: file
store_path: ckpt.jsonl
time_step: 0.002
box: [4.0, 4.0, 4.0]
steps: 20
`)
	cfg, err := loadRunConfig(path)
	if err != nil {
		t.Fatalf("loadRunConfig() error: %v", err)
	}
	if cfg.KbT != 2.49 || cfg.NLStride != 10 || !cfg.Sampling {
		t.Fatalf("config = %+v", cfg)
	}
	if cfg.Steps != 20 || cfg.Store != "file" || cfg.StorePath != "ckpt.jsonl" {
		t.Fatalf("config = %+v", cfg)
	}

	opts := cfg.options()
	if opts.KbT != 2.49 || opts.DSigma != 0.3 || opts.MCStride != 2 {
		t.Fatalf("options = %+v", opts)
	}
	box, ok := opts.PBC.(overlap.Orthorhombic)
	if !ok {
		t.Fatalf("PBC = %T, want overlap.Orthorhombic", opts.PBC)
	}
	if box[0] != 4.0 || box[2] != 4.0 {
		t.Fatalf("box = %v", box)
	}
}

func TestLoadRunConfigDefaults(t *testing.T) {
	cfg, err := loadRunConfig("")
	if err != nil {
		t.Fatalf("loadRunConfig() error: %v", err)
	}
	if cfg.NLStride != 1 || cfg.Steps != 1 {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.options().PBC != nil {
		t.Fatal("default config must not enable periodicity")
	}
}

func TestLoadRunConfigRejectsBadBox(t *testing.T) {
	path := writeTemp(t, "run.yaml", "kbt: 2.49\nbox: [4.0, 4.0]\n")
	if _, err := loadRunConfig(path); err == nil {
		t.Fatal("expected an error for a 2-element box")
	}
}
