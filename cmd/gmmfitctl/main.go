package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gmmfit/internal/gmm"
	"gmmfit/internal/model"
	"gmmfit/internal/storage"
	"gmmfit/pkg/gmmfit"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gmmfitctl",
		Short:         "Score atomic structures against a density-map Gaussian mixture",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolP("verbose", "v", false, "enable development logging")
	root.AddCommand(newScoreCmd(), newComponentsCmd())
	return root
}

func newLogger(cmd *cobra.Command) (*zap.Logger, error) {
	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		return nil, err
	}
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewNop(), nil
}

func newScoreCmd() *cobra.Command {
	var (
		gmmPath  string
		errPath  string
		posPath  string
		cfgPath  string
		analysis bool
	)
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Evaluate the map-agreement score for one structure",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScore(cmd, gmmPath, errPath, posPath, cfgPath, analysis)
		},
	}
	cmd.Flags().StringVar(&gmmPath, "gmm", "", "data mixture table (required)")
	cmd.Flags().StringVar(&errPath, "errors", "", "experimental error table")
	cmd.Flags().StringVar(&posPath, "positions", "", "atom table: name x y z (required)")
	cmd.Flags().StringVar(&cfgPath, "config", "", "YAML run configuration")
	cmd.Flags().BoolVar(&analysis, "analysis", false, "report per-component deviations instead of biasing")
	_ = cmd.MarkFlagRequired("gmm")
	_ = cmd.MarkFlagRequired("positions")
	return cmd
}

func runScore(cmd *cobra.Command, gmmPath, errPath, posPath, cfgPath string, analysis bool) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	components, err := readGMMFile(gmmPath)
	if err != nil {
		return err
	}
	symbols, positions, err := readPositionsFile(posPath)
	if err != nil {
		return err
	}
	cfg, err := loadRunConfig(cfgPath)
	if err != nil {
		return err
	}

	opts := cfg.options()
	opts.Components = components
	opts.AtomSymbols = symbols
	opts.Logger = logger
	if errPath != "" {
		opts.Errors, err = readErrorFile(errPath)
		if err != nil {
			return err
		}
	}
	if cfg.Sampling {
		opts.Store, err = storage.NewStore(cfg.Store, cfg.StorePath)
		if err != nil {
			return err
		}
	}

	ctx := cmd.Context()
	restraint, err := gmmfit.New(ctx, opts)
	if err != nil {
		return err
	}
	defer restraint.Close()

	out := cmd.OutOrStdout()
	if analysis {
		var dev []float64
		for step := int64(0); step < cfg.Steps; step++ {
			dev, err = restraint.Analyze(gmmfit.Frame{Positions: positions, Step: step})
			if err != nil {
				return err
			}
		}
		for i, d := range dev {
			fmt.Fprintf(out, "ovmd_%d %12.6f\n", i, d)
		}
		return nil
	}

	var res gmmfit.Result
	for step := int64(0); step < cfg.Steps; step++ {
		res, err = restraint.Calculate(ctx, gmmfit.Frame{Positions: positions, Step: step})
		if err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "score %12.6f\n", res.Score)
	if cfg.RegressionStride > 0 {
		fmt.Fprintf(out, "scale %12.6f\n", res.Scale)
	}
	if cfg.Sampling && cfg.DSigma > 0 {
		fmt.Fprintf(out, "acceptance %12.6f\n", res.Acceptance)
	}
	return nil
}

func newComponentsCmd() *cobra.Command {
	var (
		gmmPath string
		errPath string
	)
	cmd := &cobra.Command{
		Use:   "components",
		Short: "Inspect a data mixture: component count and overlap statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runComponents(cmd, gmmPath, errPath)
		},
	}
	cmd.Flags().StringVar(&gmmPath, "gmm", "", "data mixture table (required)")
	cmd.Flags().StringVar(&errPath, "errors", "", "experimental error table")
	_ = cmd.MarkFlagRequired("gmm")
	return cmd
}

func runComponents(cmd *cobra.Command, gmmPath, errPath string) error {
	components, err := readGMMFile(gmmPath)
	if err != nil {
		return err
	}
	var errRecords []model.ErrorRecord
	if errPath != "" {
		errRecords, err = readErrorFile(errPath)
		if err != nil {
			return err
		}
	}
	data, err := gmm.Load(components, errRecords, gmm.Params{SigmaMeanHot: 1, SigmaMeanCold: 1})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "components %d\n", data.Len())
	fmt.Fprintf(out, "total_mass %12.6f\n", data.TotalMass)
	s := data.Stats
	fmt.Fprintf(out, "overlap median %12.6f average %12.6f min %12.6f max %12.6f\n",
		s.Median, s.Average, s.Min, s.Max)
	if len(errRecords) > 0 {
		r := data.RelativeErrorStats()
		fmt.Fprintf(out, "relerr median %12.6f average %12.6f min %12.6f max %12.6f\n",
			r.Median, r.Average, r.Min, r.Max)
	}
	return nil
}
