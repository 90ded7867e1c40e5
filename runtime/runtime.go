// Package runtime ties the registry, planner, suballocator and executor
// together behind the constructor/per-step contract a training loop
// consumes: build once with a layer sequence and a device budget, then call
// Step per mini-batch.
package runtime

import (
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/muchq/vdnn/clock"
	"github.com/muchq/vdnn/executor"
	"github.com/muchq/vdnn/metrics"
	"github.com/muchq/vdnn/planner"
	"github.com/muchq/vdnn/registry"
	"github.com/muchq/vdnn/suballoc"
	"github.com/muchq/vdnn/tensor"
)

// Runtime owns one planned, executable network. It is not safe for
// concurrent Steps.
type Runtime struct {
	ID uuid.UUID

	cfg    Config
	reg    *registry.LayerRegistry
	plan   *registry.Plan
	pool   *suballoc.Suballocator
	runner *executor.Runner
	mets   *metrics.Collectors
	clk    clock.Clock
	log    *slog.Logger

	// paramH holds the persistent per-layer parameter allocations, made
	// once the planner has sized the pool and freed only at Close.
	paramH []suballoc.Handle

	persistentBytes uint64
}

// New builds the registry from the layer sequence, plans a feasible memory
// layout under cfg.DeviceBudgetBytes, sizes the suballocator to the plan's
// peak plus the persistent parameter footprint, and readies an executor.
// inputShape is the per-batch input (N,C,H,W) with N equal to
// cfg.BatchSize.
func New(cfg Config, inputShape []int, specs []registry.LayerSpec) (*Runtime, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(inputShape) == 0 || inputShape[0] != cfg.BatchSize {
		return nil, fmt.Errorf("runtime: input shape %v does not lead with batch size %d", inputShape, cfg.BatchSize)
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewSystemUtcClock()
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	reg, err := registry.New(cfg.Precision, cfg.Layout, rng, cfg.WeightInitStd, cfg.DropoutSeed, cfg.SoftmaxEps, inputShape, specs)
	if err != nil {
		return nil, err
	}

	var persistent uint64
	for _, l := range reg.Layers {
		persistent += l.ParamBytes + l.ReservedBytes
	}
	if persistent >= cfg.DeviceBudgetBytes {
		return nil, fmt.Errorf("%w: persistent tensors need %d bytes of a %d byte budget",
			planner.ErrInfeasible, persistent, cfg.DeviceBudgetBytes)
	}
	budget := cfg.DeviceBudgetBytes - persistent

	var plan *registry.Plan
	switch cfg.PlannerPolicy {
	case PolicyNone:
		plan, err = planner.ChooseFixed(reg, budget, registry.OffloadNone, cfg.AlgoPref, log)
	case PolicyConvOnly:
		plan, err = planner.ChooseFixed(reg, budget, registry.OffloadConvOnly, cfg.AlgoPref, log)
	case PolicyAll:
		plan, err = planner.ChooseFixed(reg, budget, registry.OffloadAll, cfg.AlgoPref, log)
	case PolicyDynamic:
		plan, err = planner.ChooseDynamic(reg, budget, cfg.AlgoPref, log)
	default:
		return nil, fmt.Errorf("runtime: unknown planner policy %s", cfg.PlannerPolicy)
	}
	if err != nil {
		return nil, err
	}

	promReg := cfg.Metrics
	if promReg == nil {
		promReg = prometheus.NewRegistry()
	}
	mets := metrics.New(promReg)
	mets.PeakBytes.Set(float64(plan.PeakBytes))
	mets.PlannerTier.Set(float64(plan.Tier))

	pool := suballoc.New(plan.PeakBytes + persistent)
	paramH := make([]suballoc.Handle, 0, len(reg.Layers))
	for i, l := range reg.Layers {
		b := l.ParamBytes + l.ReservedBytes
		if b == 0 {
			continue
		}
		h, err := pool.Alloc(b)
		if err != nil {
			pool.Shutdown()
			return nil, fmt.Errorf("runtime: allocating layer %d parameters: %w", i, err)
		}
		paramH = append(paramH, h)
	}

	rt := &Runtime{
		ID:              planner.RunID(),
		cfg:             cfg,
		reg:             reg,
		plan:            plan,
		pool:            pool,
		runner:          executor.NewRunner(reg, plan, pool, mets, log),
		mets:            mets,
		clk:             clk,
		log:             log,
		paramH:          paramH,
		persistentBytes: persistent,
	}
	log.Info("runtime: ready",
		"run_id", rt.ID.String(),
		"layers", reg.NumLayers(),
		"peak_bytes", plan.PeakBytes,
		"persistent_bytes", persistent,
		"plan", plan.Reason,
	)
	return rt, nil
}

// Step runs one mini-batch. With training true it returns the mean
// cross-entropy loss and applies the SGD update in place; with training
// false it skips offload and backward entirely and returns the count of
// argmax matches against y.
func (rt *Runtime) Step(x *tensor.Tensor, y []int, lr float64, training bool) (loss float64, correct int, err error) {
	if len(x.Shape) == 0 || x.Shape[0] != rt.cfg.BatchSize {
		return 0, 0, fmt.Errorf("runtime: input shape %v does not lead with batch size %d", x.Shape, rt.cfg.BatchSize)
	}
	if len(y) != rt.cfg.BatchSize {
		return 0, 0, fmt.Errorf("runtime: %d labels for batch size %d", len(y), rt.cfg.BatchSize)
	}

	start := rt.clk.Now()
	loss, correct, err = rt.runner.Step(x, y, lr, training)
	rt.mets.StepDuration.Observe(rt.clk.Now().Sub(start).Seconds())
	return loss, correct, err
}

// Plan returns the confirmed memory plan.
func (rt *Runtime) Plan() *registry.Plan { return rt.plan }

// Registry returns the built layer registry.
func (rt *Runtime) Registry() *registry.LayerRegistry { return rt.reg }

// Pool returns the device pool, sized to the plan's peak plus the
// persistent parameter footprint.
func (rt *Runtime) Pool() *suballoc.Suballocator { return rt.pool }

// PersistentBytes reports the parameter-tensor footprint held for the
// runtime's lifetime.
func (rt *Runtime) PersistentBytes() uint64 { return rt.persistentBytes }

// Close frees the persistent parameter allocations and tears down the
// executor and pool.
func (rt *Runtime) Close() {
	rt.runner.Close()
	for _, h := range rt.paramH {
		rt.pool.Free(h)
	}
	rt.pool.Shutdown()
}
