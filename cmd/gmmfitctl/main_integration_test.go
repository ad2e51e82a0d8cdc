package main

import (
	"bytes"
	"strings"
	"testing"
)

const integrationGMM = `0 1.0 0.0 0.0 0.0 0.02 0 0 0.02 0 0.02 1
1 0.8 0.3 0.0 0.0 0.02 0 0 0.02 0 0.02 0
`

const integrationPositions = `C 0.05 0.0 0.0
O 0.25 0.05 0.0
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestScoreCommand(t *testing.T) {
	gmmPath := writeTemp(t, "gmm.dat", integrationGMM)
	posPath := writeTemp(t, "pos.dat", integrationPositions)
	cfgPath := writeTemp(t, "run.yaml", `kbt: 2.49
sigma_mean_hot: 0.5
sigma_mean_cold: 0.3
regression_stride: 1
`)

	out, err := execute(t, "score", "--gmm", gmmPath, "--positions", posPath, "--config", cfgPath)
	if err != nil {
		t.Fatalf("score command error: %v\n%s", err, out)
	}
	if !strings.Contains(out, "score ") {
		t.Fatalf("output missing score line:\n%s", out)
	}
	if !strings.Contains(out, "scale ") {
		t.Fatalf("output missing scale line:\n%s", out)
	}
}

func TestScoreCommandAnalysis(t *testing.T) {
	gmmPath := writeTemp(t, "gmm.dat", integrationGMM)
	posPath := writeTemp(t, "pos.dat", integrationPositions)
	cfgPath := writeTemp(t, "run.yaml", "kbt: 2.49\nsigma_mean_hot: 0.5\nsigma_mean_cold: 0.3\n")

	out, err := execute(t, "score", "--gmm", gmmPath, "--positions", posPath,
		"--config", cfgPath, "--analysis")
	if err != nil {
		t.Fatalf("score --analysis error: %v\n%s", err, out)
	}
	if !strings.Contains(out, "ovmd_0") || !strings.Contains(out, "ovmd_1") {
		t.Fatalf("output missing deviation lines:\n%s", out)
	}
}

func TestComponentsCommand(t *testing.T) {
	gmmPath := writeTemp(t, "gmm.dat", integrationGMM)
	errPath := writeTemp(t, "err.dat", "0 0.1\n1 0.2\n")

	out, err := execute(t, "components", "--gmm", gmmPath, "--errors", errPath)
	if err != nil {
		t.Fatalf("components command error: %v\n%s", err, out)
	}
	if !strings.Contains(out, "components 2") {
		t.Fatalf("output missing component count:\n%s", out)
	}
	if !strings.Contains(out, "overlap median") || !strings.Contains(out, "relerr median") {
		t.Fatalf("output missing statistics:\n%s", out)
	}
}

func TestScoreCommandRequiresFlags(t *testing.T) {
	if _, err := execute(t, "score"); err == nil {
		t.Fatal("expected an error when required flags are missing")
	}
}
