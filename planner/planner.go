// Package planner chooses an offload set and algorithm preference that
// makes a registry.LayerRegistry trainable within a target device-memory
// budget. Planning runs in two phases: an analytic simulation that walks the
// forward+backward schedule with pure byte counters, and an allocator
// confirmation that replays the same schedule against a real suballocator
// sized to the analytic peak. Candidate plans are tried in a fixed priority
// order; the first to confirm wins.
package planner

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/muchq/vdnn/primitives"
	"github.com/muchq/vdnn/registry"
	"github.com/muchq/vdnn/schedule"
	"github.com/muchq/vdnn/suballoc"
)

// ErrInfeasible is returned when no candidate plan fits the device budget.
// The caller should reduce batch size or network size.
var ErrInfeasible = errors.New("planner: no candidate plan fits the device budget")

// candidate is one row of the plan-search priority table.
type candidate struct {
	tier          int
	offloadPolicy registry.OffloadPolicy
	algoPref      primitives.AlgoPref
	hard          bool
}

// candidateOrder builds the search table. Row 1 carries the caller's
// requested algorithm preference; the remaining rows descend from
// performance-optimal-hard through soft discipline to memory-optimal-hard.
func candidateOrder(requested primitives.AlgoPref) []candidate {
	return []candidate{
		{1, registry.OffloadAll, requested, true},
		{2, registry.OffloadNone, primitives.PerformanceOptimal, true},
		{3, registry.OffloadConvOnly, primitives.PerformanceOptimal, true},
		{4, registry.OffloadAll, primitives.PerformanceOptimal, true},
		{5, registry.OffloadConvOnly, primitives.PerformanceOptimal, false},
		{6, registry.OffloadAll, primitives.PerformanceOptimal, false},
		{7, registry.OffloadConvOnly, primitives.MemoryOptimal, true},
		{8, registry.OffloadAll, primitives.MemoryOptimal, true},
	}
}

// Choose tries each candidate in priority order and returns the first whose
// analytic simulation and allocator confirmation both succeed within
// budgetBytes, with the winning convolution algorithms locked into the
// registry. log receives one Info record for the chosen plan.
func Choose(reg *registry.LayerRegistry, budgetBytes uint64, requestedAlgoPref primitives.AlgoPref, log *slog.Logger) (*registry.Plan, error) {
	if log == nil {
		log = slog.Default()
	}

	var lastErr error
	for _, c := range candidateOrder(requestedAlgoPref) {
		plan, err := tryCandidate(reg, budgetBytes, c)
		if err != nil {
			lastErr = err
			continue
		}

		log.Info("planner: chosen plan",
			"tier", plan.Tier,
			"offload_policy", c.offloadPolicy.String(),
			"algo_pref", plan.AlgoPref.String(),
			"hard", plan.Hard,
			"peak_bytes", plan.PeakBytes,
		)
		return plan, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: last candidate failed: %v", ErrInfeasible, lastErr)
	}
	return nil, ErrInfeasible
}

// ChooseFixed plans with a single fixed offload policy instead of searching
// the priority table, for callers configured with an explicit "none",
// "conv-only" or "all" policy.
func ChooseFixed(reg *registry.LayerRegistry, budgetBytes uint64, policy registry.OffloadPolicy, algoPref primitives.AlgoPref, log *slog.Logger) (*registry.Plan, error) {
	if log == nil {
		log = slog.Default()
	}

	plan, err := tryCandidate(reg, budgetBytes, candidate{
		tier:          0,
		offloadPolicy: policy,
		algoPref:      algoPref,
		hard:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: fixed policy %s: %v", ErrInfeasible, policy, err)
	}

	log.Info("planner: chosen plan",
		"offload_policy", policy.String(),
		"algo_pref", plan.AlgoPref.String(),
		"hard", plan.Hard,
		"peak_bytes", plan.PeakBytes,
	)
	return plan, nil
}

// ChooseDynamic is Choose with the landed tier recorded in Plan.Reason, so a
// caller accepting whatever tier the descent reaches can surface which one
// it got.
func ChooseDynamic(reg *registry.LayerRegistry, budgetBytes uint64, requestedAlgoPref primitives.AlgoPref, log *slog.Logger) (*registry.Plan, error) {
	plan, err := Choose(reg, budgetBytes, requestedAlgoPref, log)
	if err != nil {
		return nil, err
	}
	plan.Reason = fmt.Sprintf("dynamic: descended to tier %d (%s)", plan.Tier, plan.Reason)
	return plan, nil
}

func tryCandidate(reg *registry.LayerRegistry, budgetBytes uint64, c candidate) (*registry.Plan, error) {
	plan := &registry.Plan{
		Offload:  reg.OffloadSet(c.offloadPolicy),
		AlgoPref: c.algoPref,
		Hard:     c.hard,
		Tier:     c.tier,
		Reason:   fmt.Sprintf("offload=%s algo=%s hard=%v", c.offloadPolicy, c.algoPref, c.hard),
	}

	peak, err := Simulate(reg, plan, budgetBytes)
	if err != nil {
		return nil, err
	}
	plan.PeakBytes = peak

	freeBytesAt, err := confirm(reg, plan)
	if err != nil {
		return nil, err
	}

	if err := reg.ApplyPlan(plan, freeBytesAt); err != nil {
		return nil, err
	}
	return plan, nil
}

// ledger tracks live buffers by the layer index that allocated them, with
// alias-aware refcounting: an aliased buffer is released only when its last
// alias is freed, so the bytes of a gradient that a trailing activation or
// softmax layer shares with its successor stay accounted until the lower
// layer is done with them.
type ledger struct {
	bytes  map[int]uint64
	refs   map[int]int
	origin map[int]int
}

func newLedger() *ledger {
	return &ledger{
		bytes:  make(map[int]uint64),
		refs:   make(map[int]int),
		origin: make(map[int]int),
	}
}

func (l *ledger) alloc(idx int, b uint64) {
	l.origin[idx] = idx
	l.refs[idx] = 1
	l.bytes[idx] = b
}

func (l *ledger) alias(target, source int) {
	o, ok := l.origin[source]
	if !ok {
		return
	}
	l.origin[target] = o
	l.refs[o]++
}

// free releases idx's reference and returns the bytes actually released:
// zero unless this was the last reference to the underlying buffer.
func (l *ledger) free(idx int) uint64 {
	o, ok := l.origin[idx]
	if !ok {
		return 0
	}
	delete(l.origin, idx)
	l.refs[o]--
	if l.refs[o] > 0 {
		return 0
	}
	b := l.bytes[o]
	delete(l.bytes, o)
	delete(l.refs, o)
	return b
}

func (l *ledger) outstanding() int { return len(l.bytes) }

// --- analytic simulation -------------------------------------------------

type analyticHooks struct {
	reg  *registry.LayerRegistry
	plan *registry.Plan

	activations *ledger
	grads       *ledger
	workspaces  map[int]uint64

	freeBytesAt map[[2]int]uint64

	budget   uint64
	consumed uint64
	peak     uint64
}

// Simulate walks the forward+backward schedule with byte counters and
// returns the peak residency, or an error if any allocation point exceeds
// budgetBytes or no convolution algorithm fits its free budget.
func Simulate(reg *registry.LayerRegistry, plan *registry.Plan, budgetBytes uint64) (uint64, error) {
	h := &analyticHooks{
		reg:         reg,
		plan:        plan,
		activations: newLedger(),
		grads:       newLedger(),
		workspaces:  make(map[int]uint64),
		freeBytesAt: make(map[[2]int]uint64),
		budget:      budgetBytes,
	}
	if err := schedule.Walk(reg, plan, true, 0, h); err != nil {
		return 0, err
	}
	if n := h.activations.outstanding() + h.grads.outstanding(); n != 0 {
		return 0, fmt.Errorf("planner: simulation left %d buffers outstanding", n)
	}
	return h.peak, nil
}

func (h *analyticHooks) bump(delta int64) error {
	if delta > 0 {
		if h.consumed+uint64(delta) > h.budget {
			return fmt.Errorf("planner: analytic simulation exceeds budget %d bytes", h.budget)
		}
		h.consumed += uint64(delta)
		if h.consumed > h.peak {
			h.peak = h.consumed
		}
	} else {
		h.consumed -= uint64(-delta)
	}
	return nil
}

func (h *analyticHooks) AllocActivation(layer int) error {
	b := h.reg.ActivationBytes(layer)
	if err := h.bump(int64(b)); err != nil {
		return err
	}
	h.activations.alloc(layer, b)
	return nil
}

func (h *analyticHooks) FreeActivation(layer int) {
	_ = h.bump(-int64(h.activations.free(layer)))
}

func (h *analyticHooks) AliasActivation(target, source int) {
	h.activations.alias(target, source)
}

func (h *analyticHooks) AllocGrad(layer int) error {
	b := h.reg.GradBytes(layer)
	if err := h.bump(int64(b)); err != nil {
		return err
	}
	h.grads.alloc(layer, b)
	return nil
}

func (h *analyticHooks) FreeGrad(layer int) {
	_ = h.bump(-int64(h.grads.free(layer)))
}

func (h *analyticHooks) AliasGrad(target, source int) {
	h.grads.alias(target, source)
}

func (h *analyticHooks) AllocWorkspace(layer int, direction primitives.Direction) error {
	free := h.budget - h.consumed
	bytes, err := selectWorkspaceBytes(h.reg, layer, direction, h.plan, free, h.freeBytesAt)
	if err != nil {
		return err
	}
	if err := h.bump(int64(bytes)); err != nil {
		return err
	}
	h.workspaces[layer] = bytes
	return nil
}

func (h *analyticHooks) FreeWorkspace(layer int, direction primitives.Direction) {
	b := h.workspaces[layer]
	delete(h.workspaces, layer)
	_ = h.bump(-int64(b))
}

func (h *analyticHooks) ForwardCompute(layer int) error              { return nil }
func (h *analyticHooks) BackwardCompute(layer int, lr float64) error { return nil }
func (h *analyticHooks) Offload(layer int)                           {}

// OffloadRetire releases the offloaded activation's device bytes: this is
// the earliest point in the walk at which the free-worker's release can
// land (the real release waits for the offload copy as well).
func (h *analyticHooks) OffloadRetire(layer int) { h.FreeActivation(layer) }

func (h *analyticHooks) AwaitOffloads()             {}
func (h *analyticHooks) Prefetch(i, peer int) error { return nil }
func (h *analyticHooks) WaitPrefetch(i int)         {}

// selectWorkspaceBytes picks the algorithm(s) for a convolution workspace
// allocation point and returns the bytes to allocate: the single selected
// algorithm's workspace for the forward direction, or
// max(backward-filter, backward-data) for the backward direction, which
// allocates one workspace serving both backward calls. The free-byte value
// observed at each selection is recorded so the chosen algorithms can later
// be locked into the registry.
func selectWorkspaceBytes(reg *registry.LayerRegistry, layer int, direction primitives.Direction, plan *registry.Plan, freeBytes uint64, record map[[2]int]uint64) (uint64, error) {
	if direction == primitives.DirForward {
		algo, ok := reg.SelectAlgorithm(layer, primitives.DirForward, plan.AlgoPref, plan.Hard, freeBytes)
		if !ok {
			return 0, fmt.Errorf("planner: layer %d: no feasible forward algorithm within %d free bytes", layer, freeBytes)
		}
		record[[2]int{layer, int(primitives.DirForward)}] = freeBytes
		return algo.WorkspaceBytes, nil
	}

	filterAlgo, ok := reg.SelectAlgorithm(layer, primitives.DirBackwardFilter, plan.AlgoPref, plan.Hard, freeBytes)
	if !ok {
		return 0, fmt.Errorf("planner: layer %d: no feasible backward-filter algorithm within %d free bytes", layer, freeBytes)
	}
	dataAlgo, ok := reg.SelectAlgorithm(layer, primitives.DirBackwardData, plan.AlgoPref, plan.Hard, freeBytes)
	if !ok {
		return 0, fmt.Errorf("planner: layer %d: no feasible backward-data algorithm within %d free bytes", layer, freeBytes)
	}
	record[[2]int{layer, int(primitives.DirBackwardFilter)}] = freeBytes
	record[[2]int{layer, int(primitives.DirBackwardData)}] = freeBytes

	if filterAlgo.WorkspaceBytes > dataAlgo.WorkspaceBytes {
		return filterAlgo.WorkspaceBytes, nil
	}
	return dataAlgo.WorkspaceBytes, nil
}

// --- allocator confirmation ----------------------------------------------

// confirm initializes a real suballocator at plan.PeakBytes and replays the
// schedule allocating and freeing real handles, no compute. On success it
// returns a lookup of the free bytes observed at each workspace allocation
// point, used to lock the same algorithm choices the replay observed into
// the registry.
func confirm(reg *registry.LayerRegistry, plan *registry.Plan) (func(layer int, direction primitives.Direction) uint64, error) {
	h := &confirmHooks{
		reg:         reg,
		plan:        plan,
		pool:        suballoc.New(plan.PeakBytes),
		activations: newLedger(),
		grads:       newLedger(),
		actH:        make(map[int]suballoc.Handle),
		gradH:       make(map[int]suballoc.Handle),
		wsH:         make(map[int]suballoc.Handle),
		freeBytesAt: make(map[[2]int]uint64),
	}
	defer h.pool.Shutdown()

	if err := schedule.Walk(reg, plan, true, 0, h); err != nil {
		return nil, fmt.Errorf("planner: allocator confirmation failed: %w", err)
	}
	if got := h.pool.Consumed(); got != 0 {
		return nil, fmt.Errorf("planner: allocator confirmation left %d bytes outstanding", got)
	}

	freeBytesAt := h.freeBytesAt
	return func(layer int, direction primitives.Direction) uint64 {
		return freeBytesAt[[2]int{layer, int(direction)}]
	}, nil
}

// confirmHooks replays the schedule against a real pool. Confirmation runs
// single-threaded, so a blocking Alloc that cannot be satisfied would hang;
// every hook therefore compares the request with the pool's free bytes
// before calling Alloc and returns an error instead, turning a sizing bug
// into a failed confirmation rather than a deadlock.
type confirmHooks struct {
	reg  *registry.LayerRegistry
	plan *registry.Plan
	pool *suballoc.Suballocator

	activations *ledger
	grads       *ledger

	actH  map[int]suballoc.Handle
	gradH map[int]suballoc.Handle
	wsH   map[int]suballoc.Handle

	freeBytesAt map[[2]int]uint64
}

func (h *confirmHooks) AllocActivation(layer int) error {
	b := h.reg.ActivationBytes(layer)
	if free := h.pool.FreeBytes(); b > free {
		return fmt.Errorf("planner: confirmation: activation[%d] needs %d bytes, %d free", layer, b, free)
	}
	hdl, err := h.pool.Alloc(b)
	if err != nil {
		return err
	}
	h.actH[layer] = hdl
	h.activations.alloc(layer, b)
	return nil
}

func (h *confirmHooks) FreeActivation(layer int) {
	if h.activations.free(layer) > 0 {
		h.pool.Free(h.actH[layer])
	}
	delete(h.actH, layer)
}

func (h *confirmHooks) AliasActivation(target, source int) {
	h.activations.alias(target, source)
	if hdl, ok := h.actH[source]; ok {
		h.actH[target] = hdl
	}
}

func (h *confirmHooks) AllocGrad(layer int) error {
	b := h.reg.GradBytes(layer)
	if free := h.pool.FreeBytes(); b > free {
		return fmt.Errorf("planner: confirmation: grad[%d] needs %d bytes, %d free", layer, b, free)
	}
	hdl, err := h.pool.Alloc(b)
	if err != nil {
		return err
	}
	h.gradH[layer] = hdl
	h.grads.alloc(layer, b)
	return nil
}

func (h *confirmHooks) FreeGrad(layer int) {
	if h.grads.free(layer) > 0 {
		h.pool.Free(h.gradH[layer])
	}
	delete(h.gradH, layer)
}

func (h *confirmHooks) AliasGrad(target, source int) {
	h.grads.alias(target, source)
	if hdl, ok := h.gradH[source]; ok {
		h.gradH[target] = hdl
	}
}

func (h *confirmHooks) AllocWorkspace(layer int, direction primitives.Direction) error {
	free := h.pool.FreeBytes()
	bytes, err := selectWorkspaceBytes(h.reg, layer, direction, h.plan, free, h.freeBytesAt)
	if err != nil {
		return err
	}
	if bytes > free {
		return fmt.Errorf("planner: confirmation: workspace[%d] needs %d bytes, %d free", layer, bytes, free)
	}
	hdl, err := h.pool.Alloc(bytes)
	if err != nil {
		return err
	}
	h.wsH[layer] = hdl
	return nil
}

func (h *confirmHooks) FreeWorkspace(layer int, direction primitives.Direction) {
	if hdl, ok := h.wsH[layer]; ok {
		h.pool.Free(hdl)
		delete(h.wsH, layer)
	}
}

func (h *confirmHooks) ForwardCompute(layer int) error              { return nil }
func (h *confirmHooks) BackwardCompute(layer int, lr float64) error { return nil }
func (h *confirmHooks) Offload(layer int)                           {}
func (h *confirmHooks) OffloadRetire(layer int)                     { h.FreeActivation(layer) }
func (h *confirmHooks) AwaitOffloads()                              {}
func (h *confirmHooks) Prefetch(i, peer int) error                  { return nil }
func (h *confirmHooks) WaitPrefetch(i int)                          {}

// RunID mints a fresh identifier for one planning/execution lifetime.
func RunID() uuid.UUID { return uuid.New() }
