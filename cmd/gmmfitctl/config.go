package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"gmmfit/internal/overlap"
	"gmmfit/pkg/gmmfit"
)

// runConfig is the YAML surface of a scoring run. Defaults match the
// library's: marginal mode, no pruning, scale 1.
type runConfig struct {
	KbT  float64 `yaml:"kbt"`
	Blur float64 `yaml:"blur"`

	NLRetain float64 `yaml:"nl_retain"`
	NLStride int64   `yaml:"nl_stride"`

	Sampling      bool    `yaml:"sampling"`
	SigmaMeanHot  float64 `yaml:"sigma_mean_hot"`
	SigmaMeanCold float64 `yaml:"sigma_mean_cold"`
	SigmaInit     float64 `yaml:"sigma_init"`
	DSigma        float64 `yaml:"dsigma"`
	MCStride      int64   `yaml:"mc_stride"`
	MCCut         float64 `yaml:"mc_cut"`
	Prior         float64 `yaml:"prior"`

	RegressionStride     int64   `yaml:"regression_stride"`
	Scale                float64 `yaml:"scale"`
	UnweightedRegression bool    `yaml:"unweighted_regression"`

	WriteStride int64   `yaml:"write_stride"`
	Store       string  `yaml:"store"`
	StorePath   string  `yaml:"store_path"`
	Restart     bool    `yaml:"restart"`
	TimeStep    float64 `yaml:"time_step"`

	// Box enables orthorhombic periodicity with the given edge lengths.
	Box []float64 `yaml:"box"`

	Seed  int64 `yaml:"seed"`
	Steps int64 `yaml:"steps"`
}

func loadRunConfig(path string) (runConfig, error) {
	cfg := runConfig{
		NLStride: 1,
		Steps:    1,
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return runConfig{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return runConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.NLStride <= 0 {
		cfg.NLStride = 1
	}
	if cfg.Steps <= 0 {
		cfg.Steps = 1
	}
	if len(cfg.Box) != 0 && len(cfg.Box) != 3 {
		return runConfig{}, fmt.Errorf("box must list 3 edge lengths, got %d", len(cfg.Box))
	}
	return cfg, nil
}

func (c runConfig) options() gmmfit.Options {
	opts := gmmfit.Options{
		KbT:                  c.KbT,
		Blur:                 c.Blur,
		NLRetain:             c.NLRetain,
		NLStride:             c.NLStride,
		Sampling:             c.Sampling,
		SigmaMeanHot:         c.SigmaMeanHot,
		SigmaMeanCold:        c.SigmaMeanCold,
		SigmaInit:            c.SigmaInit,
		DSigma:               c.DSigma,
		MCStride:             c.MCStride,
		MCCut:                c.MCCut,
		Prior:                c.Prior,
		RegressionStride:     c.RegressionStride,
		Scale:                c.Scale,
		UnweightedRegression: c.UnweightedRegression,
		WriteStride:          c.WriteStride,
		Restart:              c.Restart,
		TimeStep:             c.TimeStep,
		Seed:                 c.Seed,
	}
	if len(c.Box) == 3 {
		opts.PBC = overlap.Orthorhombic{c.Box[0], c.Box[1], c.Box[2]}
	}
	return opts
}
