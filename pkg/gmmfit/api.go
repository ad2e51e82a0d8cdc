// Package gmmfit exposes the density-map restraint: a biasing energy
// measuring the agreement between a simulated structure and an
// experimental cryo-EM map, both represented as Gaussian mixtures. The
// host integrator constructs one Restraint per replica worker and calls
// Calculate once per step.
package gmmfit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gmmfit/internal/ensemble"
	"gmmfit/internal/gmm"
	"gmmfit/internal/model"
	"gmmfit/internal/overlap"
	"gmmfit/internal/sampler"
	"gmmfit/internal/score"
	"gmmfit/internal/storage"
)

// Options configures a Restraint. Zero values take documented defaults;
// inconsistent combinations are constructor errors.
type Options struct {
	// Components is the data mixture loaded from the experimental map.
	Components []model.ComponentRecord
	// Errors holds optional per-component experimental error records;
	// several magnitudes per component combine as their RMS.
	Errors []model.ErrorRecord
	// AtomSymbols names the canonical scattering type of every atom, in
	// position order.
	AtomSymbols []string
	// Table overrides the canonical four-entry scattering table.
	Table *gmm.TypeTable

	// KbT is the thermal energy of the host ensemble.
	KbT float64
	// Blur widens every model covariance by 0.25*Blur^2 per axis.
	Blur float64

	// NLRetain is the fraction of approximate overlap mass the neighbor
	// list keeps per data component; 0 defaults to 1 (no pruning).
	NLRetain float64
	// NLStride is the step interval between neighbor-list rebuilds.
	NLStride int64

	// Sampling selects the explicit-uncertainty scorer with Monte Carlo
	// sigma updates; false selects the closed-form marginal scorer.
	Sampling bool
	// SigmaMeanHot and SigmaMeanCold scale each component's self-overlap
	// into its density-scale uncertainty, by class label.
	SigmaMeanHot  float64
	SigmaMeanCold float64
	// SigmaInit seeds sigma at SigmaInit times the median self-overlap.
	SigmaInit float64
	// DSigma is the maximum Monte Carlo shift, relative to the median
	// self-overlap; 0 freezes sigma.
	DSigma float64
	// MCStride is the step interval between Monte Carlo trials.
	MCStride int64
	// MCCut is the spatial cutoff of the cluster-move neighborhoods.
	MCCut float64
	// Prior is the exponent of the sampling prior on sigma.
	Prior float64

	// RegressionStride enables the periodic scale fit when positive.
	RegressionStride int64
	// Scale is the initial multiplicative map scale; 0 defaults to 1.
	Scale float64
	// UnweightedRegression forces w=1 in sampled mode; the marginal
	// scorer always fits unweighted.
	UnweightedRegression bool

	// WriteStride is the checkpoint interval in steps (sampled mode).
	WriteStride int64
	// Store persists sigma checkpoints; required in sampled mode.
	Store storage.Store
	// Restart reloads the newest checkpoint before the first evaluation.
	Restart bool
	// TimeStep converts the step counter to simulation time for
	// checkpoint stamps; 0 defaults to 1.
	TimeStep float64

	// PBC is nil for non-periodic systems.
	PBC overlap.PBC
	// Ensemble places this worker in the two-level parallel layout.
	Ensemble ensemble.Context

	// Seed fixes the Monte Carlo stream; 0 seeds from the wall clock
	// plus the replica id so restarts and replicas diverge.
	Seed int64
	// Rand overrides the generator entirely, for tests.
	Rand *rand.Rand

	// Logger defaults to a nop logger.
	Logger *zap.Logger

	// ExpCutoff and ExpSamples tune the shared exponential lookup table;
	// zero values take the package defaults.
	ExpCutoff  float64
	ExpSamples int
}

// Frame is the per-step input consumed from the host.
type Frame struct {
	Positions []model.Vec
	Step      int64
	// Exchanged flags a replica-exchange event at this step; it forces a
	// neighbor-list rebuild and suppresses regression and Monte Carlo.
	Exchanged bool
}

// Result is the per-step output returned to the host. Derivatives are
// d(score)/d(position); the host applies the negated values as forces.
type Result struct {
	Score       float64
	Derivatives []model.Vec
	Virial      model.Mat
	// Acceptance is the Monte Carlo acceptance ratio, sampled mode only.
	Acceptance float64
	// Scale is the current map scale factor.
	Scale float64
}

// Restraint evaluates the map-agreement bias. It is bound to one worker
// of one replica; concurrent use from several goroutines must go
// through separate Restraints wired into one ensemble.Context.
type Restraint struct {
	opts Options
	id   string
	log  *zap.Logger

	data   *gmm.Data
	mdl    *gmm.Model
	engine *overlap.Engine
	ens    ensemble.Context

	marginal *score.Marginal
	sampled  *score.Sampled

	// owner is true on the single worker that mutates sigma; everyone
	// else receives it through broadcasts.
	owner bool
	smp   *sampler.Sampler
	sigma []float64
	invS2 []float64

	scale      float64
	acceptance float64

	// analysis-mode running average of model overlaps
	ovmdAve []float64
	nframes int64
}

// New validates the options, loads the data mixture, builds the model
// mixture and interaction tables, and restores checkpointed state when
// restarting. Every worker of the ensemble must call New; sampled-mode
// construction includes a sigma broadcast.
func New(ctx context.Context, opts Options) (*Restraint, error) {
	if opts.KbT <= 0 {
		return nil, fmt.Errorf("thermal energy must be positive, got %v", opts.KbT)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Table == nil {
		opts.Table = gmm.DefaultTypeTable()
	}
	if opts.NLRetain == 0 {
		opts.NLRetain = 1.0
	}
	if opts.Scale == 0 {
		opts.Scale = 1.0
	}
	if opts.TimeStep == 0 {
		opts.TimeStep = 1.0
	}
	if opts.ExpCutoff == 0 {
		opts.ExpCutoff = overlap.DefaultExpCutoff
	}
	if opts.ExpSamples == 0 {
		opts.ExpSamples = overlap.DefaultExpSamples
	}

	ens, err := opts.Ensemble.Normalize()
	if err != nil {
		return nil, err
	}

	data, err := gmm.Load(opts.Components, opts.Errors, gmm.Params{
		SigmaMeanHot:  opts.SigmaMeanHot,
		SigmaMeanCold: opts.SigmaMeanCold,
	})
	if err != nil {
		return nil, err
	}
	mdl, err := gmm.BuildModel(opts.Table, opts.AtomSymbols, data.TotalMass)
	if err != nil {
		return nil, err
	}
	tab, err := overlap.NewTable(data, mdl, opts.Blur, opts.ExpCutoff, opts.ExpSamples)
	if err != nil {
		return nil, err
	}
	engine, err := overlap.NewEngine(data, mdl, tab, overlap.Config{
		Retain: opts.NLRetain,
		Stride: opts.NLStride,
		PBC:    opts.PBC,
		Comm:   ens.Workers,
	})
	if err != nil {
		return nil, err
	}

	sigma0 := data.Sigma0()
	if !opts.Sampling {
		for i, s0 := range sigma0 {
			if s0 <= 0 {
				return nil, fmt.Errorf("component %d: marginal scoring needs a positive deviation scale; provide error records or sigma-mean factors", i)
			}
		}
	}

	// replica averaging folds the ensemble factor into both scorers
	nrep := 1
	if ens.Average && ens.Replicas > 1 {
		nrep = ens.Replicas
	}

	r := &Restraint{
		opts:   opts,
		id:     uuid.NewString(),
		log:    opts.Logger,
		data:   data,
		mdl:    mdl,
		engine: engine,
		ens:    ens,
		scale:  opts.Scale,
		owner:  ens.GlobalLeader(),
		marginal: &score.Marginal{
			KbT:      opts.KbT,
			Replicas: nrep,
			Sigma0:   sigma0,
		},
		sampled: &score.Sampled{
			KbT:      opts.KbT,
			Replicas: nrep,
		},
	}

	if opts.Sampling {
		if err := r.initSampling(ctx); err != nil {
			return nil, err
		}
	} else if opts.Restart && opts.Store != nil {
		// marginal mode carries no mutable state; a restart is a no-op
		if err := opts.Store.Init(ctx); err != nil {
			return nil, err
		}
	}

	r.logSetup()
	return r, nil
}

func (r *Restraint) initSampling(ctx context.Context) error {
	opts := &r.opts
	if opts.WriteStride <= 0 {
		return errors.New("sampling requires a positive checkpoint write stride")
	}
	if opts.Store == nil {
		return errors.New("sampling requires a checkpoint store")
	}
	if opts.DSigma > 0 && opts.MCStride <= 0 {
		return fmt.Errorf("monte carlo moves require a positive stride, got %d", opts.MCStride)
	}
	if err := opts.Store.Init(ctx); err != nil {
		return fmt.Errorf("init checkpoint store: %w", err)
	}

	if r.owner {
		rng := opts.Rand
		if rng == nil && opts.DSigma > 0 {
			seed := opts.Seed
			if seed == 0 {
				seed = time.Now().UnixNano()
			}
			rng = rand.New(rand.NewSource(seed + int64(r.ens.ReplicaID)))
		}
		smp, err := sampler.New(r.data, sampler.Config{
			Step:      opts.DSigma,
			Stride:    opts.MCStride,
			Cut:       opts.MCCut,
			Prior:     opts.Prior,
			SigmaInit: opts.SigmaInit,
			KbT:       opts.KbT,
			Rand:      rng,
		})
		if err != nil {
			return err
		}
		r.smp = smp
	} else if opts.SigmaInit <= 0 {
		return fmt.Errorf("sampling requires a positive initial uncertainty, got %v", opts.SigmaInit)
	}

	n := r.data.Len()
	r.sigma = make([]float64, n)
	r.invS2 = make([]float64, n)

	if opts.Restart {
		cp, ok, err := opts.Store.Latest(ctx)
		if err != nil {
			return fmt.Errorf("read checkpoint: %w", err)
		}
		if !ok {
			return fmt.Errorf("restart with sampling enabled: %w", storage.ErrNoCheckpoint)
		}
		if len(cp.Sigma) != n {
			return fmt.Errorf("checkpoint holds %d sigma values, data mixture has %d components", len(cp.Sigma), n)
		}
		copy(r.sigma, cp.Sigma)
		if r.owner {
			if err := r.smp.SetSigma(r.sigma); err != nil {
				return err
			}
		}
		return nil
	}

	if r.owner {
		copy(r.sigma, r.smp.Sigma())
	}
	r.publishSigma()
	return nil
}

// publishSigma distributes the owner's sigma: first across replica
// leaders, then from each leader to its workers.
func (r *Restraint) publishSigma() {
	if r.ens.Replicas > 1 && r.ens.Leader() {
		r.ens.Leaders.Broadcast(0, r.sigma)
	}
	r.ens.Workers.Broadcast(0, r.sigma)
}

func (r *Restraint) publishScalar(v float64) float64 {
	buf := []float64{v}
	if r.ens.Replicas > 1 && r.ens.Leader() {
		r.ens.Leaders.Broadcast(0, buf)
	}
	r.ens.Workers.Broadcast(0, buf)
	return buf[0]
}

func (r *Restraint) logSetup() {
	mode := "marginal"
	if r.opts.Sampling {
		mode = "sampled"
	}
	fields := []zap.Field{
		zap.String("instance", r.id),
		zap.String("mode", mode),
		zap.Int("components", r.data.Len()),
		zap.Int("atoms", r.mdl.NAtoms()),
		zap.Float64("kbt", r.opts.KbT),
		zap.Float64("nl_retain", r.opts.NLRetain),
		zap.Int64("nl_stride", r.opts.NLStride),
		zap.Int("replicas", r.ens.Replicas),
		zap.Int("workers", r.ens.Workers.Size()),
		zap.Float64("overlap_median", r.data.Stats.Median),
		zap.Float64("overlap_average", r.data.Stats.Average),
		zap.Float64("overlap_min", r.data.Stats.Min),
		zap.Float64("overlap_max", r.data.Stats.Max),
	}
	if r.opts.Sampling {
		fields = append(fields,
			zap.Float64("dsigma", r.opts.DSigma),
			zap.Int64("mc_stride", r.opts.MCStride),
			zap.Int64("write_stride", r.opts.WriteStride),
		)
	}
	if len(r.opts.Errors) > 0 {
		rel := r.data.RelativeErrorStats()
		fields = append(fields,
			zap.Float64("relerr_median", rel.Median),
			zap.Float64("relerr_average", rel.Average),
			zap.Float64("relerr_min", rel.Min),
			zap.Float64("relerr_max", rel.Max),
		)
	}
	r.log.Info("restraint initialized", fields...)
}

// ID returns the instance identifier stamped on this restraint's logs.
func (r *Restraint) ID() string { return r.id }

// Components returns the number of data mixture components.
func (r *Restraint) Components() int { return r.data.Len() }

// OverlapStats reports the data self-overlap summary computed at load.
func (r *Restraint) OverlapStats() gmm.OverlapStats { return r.data.Stats }

// Close releases the checkpoint store when it holds external resources.
func (r *Restraint) Close() error {
	if r.opts.Store == nil {
		return nil
	}
	return storage.CloseIfSupported(r.opts.Store)
}

// Calculate evaluates the bias for one frame. Every worker of the
// ensemble must call it with the same step and exchange flag each step,
// or the collective protocol deadlocks.
func (r *Restraint) Calculate(ctx context.Context, frame Frame) (Result, error) {
	if len(frame.Positions) != r.mdl.NAtoms() {
		return Result{}, fmt.Errorf("frame holds %d positions, model has %d atoms", len(frame.Positions), r.mdl.NAtoms())
	}

	ovmd, err := r.engine.Overlaps(frame.Positions, frame.Step, frame.Exchanged)
	if err != nil {
		return Result{}, err
	}

	// average model overlaps across co-refining replicas; followers
	// receive the averaged values from their leader
	if r.ens.Average && r.ens.Replicas > 1 {
		if r.ens.Leader() {
			r.ens.Leaders.SumFloat64s(ovmd)
			escale := 1.0 / float64(r.ens.Replicas)
			for i := range ovmd {
				ovmd[i] *= escale
			}
		}
		r.ens.Workers.Broadcast(0, ovmd)
	}

	if r.opts.Sampling {
		for i := range r.invS2 {
			sm := r.data.SigmaMean[i]
			r.invS2[i] = 1.0 / (sm*sm + r.sigma[i]*r.sigma[i])
		}
	}

	if r.opts.RegressionStride > 0 && frame.Step%r.opts.RegressionStride == 0 && !frame.Exchanged {
		if r.opts.Sampling && !r.opts.UnweightedRegression {
			r.scale = score.FitScaleWeighted(ovmd, r.data.SelfOverlap, r.invS2)
		} else {
			r.scale = score.FitScale(ovmd, r.data.SelfOverlap)
		}
	}

	in := score.Inputs{
		Model:     ovmd,
		Data:      r.data.SelfOverlap,
		Scale:     r.scale,
		Entries:   r.engine.Entries(),
		Gradients: r.engine.Gradients(),
		Positions: frame.Positions,
		PBC:       r.opts.PBC,
		Comm:      r.ens.Workers,
		Means:     r.data.Means,
	}
	var out score.Output
	if r.opts.Sampling {
		out = r.sampled.Score(in, r.invS2)
	} else {
		out = r.marginal.Score(in)
	}

	if r.opts.Sampling {
		if err := r.updateSigma(ctx, ovmd, frame); err != nil {
			return Result{}, err
		}
	}

	return Result{
		Score:       out.Energy,
		Derivatives: out.AtomDer,
		Virial:      out.Virial,
		Acceptance:  r.acceptance,
		Scale:       r.scale,
	}, nil
}

// updateSigma runs the owner's Monte Carlo trial, publishes the new
// sigma and acceptance ratio, and persists the checkpoint on stride.
func (r *Restraint) updateSigma(ctx context.Context, ovmd []float64, frame Frame) error {
	if r.opts.DSigma > 0 && frame.Step%r.opts.MCStride == 0 && !frame.Exchanged {
		if r.owner {
			r.smp.Move(ovmd, r.scale)
			copy(r.sigma, r.smp.Sigma())
			r.acceptance = r.smp.Acceptance(frame.Step)
		}
		r.publishSigma()
		r.acceptance = r.publishScalar(r.acceptance)
	}

	if r.owner && frame.Step%r.opts.WriteStride == 0 {
		cp := model.Checkpoint{
			SimTime: float64(frame.Step) * r.opts.TimeStep,
			Sigma:   r.sigma,
		}
		if err := r.opts.Store.Append(ctx, cp); err != nil {
			return fmt.Errorf("write checkpoint: %w", err)
		}
	}
	return nil
}

// Analyze accumulates a running mean of the model overlaps and returns
// each component's relative deviation from its data overlap for the
// current frame. It replaces Calculate when the caller only inspects
// map agreement along an existing trajectory.
func (r *Restraint) Analyze(frame Frame) ([]float64, error) {
	if len(frame.Positions) != r.mdl.NAtoms() {
		return nil, fmt.Errorf("frame holds %d positions, model has %d atoms", len(frame.Positions), r.mdl.NAtoms())
	}
	ovmd, err := r.engine.Overlaps(frame.Positions, frame.Step, frame.Exchanged)
	if err != nil {
		return nil, err
	}

	if r.ovmdAve == nil {
		r.ovmdAve = make([]float64, len(ovmd))
	}
	r.nframes++

	dev := make([]float64, len(ovmd))
	for i := range ovmd {
		r.ovmdAve[i] += ovmd[i]
		ave := r.ovmdAve[i] / float64(r.nframes)
		dev[i] = math.Abs((ave - r.data.SelfOverlap[i]) / r.data.SelfOverlap[i])
	}
	return dev, nil
}
