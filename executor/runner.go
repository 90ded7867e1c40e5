// Package executor runs one mini-batch of forward + backward over a layer
// registry, interleaving compute with offload and prefetch transfers. All
// primitive kernels enqueue on a compute stream and all host↔device copies
// on a memory stream; short-lived detached workers bridge the two by
// waiting on stream events and then freeing an offloaded activation or
// posting a prefetch-ready semaphore. The executor never chooses what to
// allocate or when: the shared schedule walk drives it, the same walk the
// planner sized the pool against.
package executor

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/muchq/vdnn/metrics"
	"github.com/muchq/vdnn/primitives"
	"github.com/muchq/vdnn/registry"
	"github.com/muchq/vdnn/schedule"
	"github.com/muchq/vdnn/suballoc"
	"github.com/muchq/vdnn/tensor"
)

// streamDepth bounds in-flight commands per stream.
const streamDepth = 64

// Runner executes steps for one registry/plan pair. It implements
// schedule.Hooks; a step is one schedule.Walk with real allocation,
// compute and transfer behind each hook.
//
// The handle maps are refcounted because gradient and activation buffers
// can be aliased (a trailing Activation or Softmax layer shares its
// gradient with its successor, and a folded Softmax shares its output with
// its input): a shared handle returns to the pool only when its last alias
// is freed.
type Runner struct {
	reg  *registry.LayerRegistry
	plan *registry.Plan
	pool *suballoc.Suballocator
	mets *metrics.Collectors
	log  *slog.Logger

	compute *Stream
	memory  *Stream

	// Pinned host shadows for offloaded layers, allocated once at
	// construction and reused every step.
	shadows map[int][]float64

	// Per-step state below; reset by Step.
	training bool
	input    *tensor.Tensor
	labels   []int

	activations []*tensor.Tensor
	grads       []*tensor.Tensor

	mu    sync.Mutex
	actH  map[int]suballoc.Handle
	gradH map[int]suballoc.Handle
	wsH   map[int]suballoc.Handle
	refs  map[suballoc.Handle]int

	offloadDone   map[int]*Event
	offloadSync   map[int]*Semaphore
	prefetchReady map[int]*Semaphore
	offloaded     []int

	loss    float64
	correct int
}

// NewRunner builds a Runner for a confirmed plan. The pool must be the one
// sized to the plan's peak bytes. log may be nil.
func NewRunner(reg *registry.LayerRegistry, plan *registry.Plan, pool *suballoc.Suballocator, mets *metrics.Collectors, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	r := &Runner{
		reg:     reg,
		plan:    plan,
		pool:    pool,
		mets:    mets,
		log:     log,
		compute: NewStream("compute", streamDepth),
		memory:  NewStream("memory", streamDepth),
		shadows: make(map[int][]float64),
	}
	for i, marked := range plan.Offload {
		// Layer 0's input is the caller's batch; a prefetch targeting it
		// restores from the original input, so it needs no shadow.
		if marked && i > 0 {
			r.shadows[i] = make([]float64, tensor.Elements(reg.Layers[i].InputShape...))
		}
	}
	return r
}

// Close tears the runner down. Outstanding steps must have completed.
func (r *Runner) Close() {
	r.compute.Close()
	r.memory.Close()
	r.shadows = nil
}

// Step runs one mini-batch. x is the input batch, y the integer labels.
// With training true it runs forward + loss + backward and returns the
// loss; with training false it runs forward only and returns the count of
// argmax matches against y.
func (r *Runner) Step(x *tensor.Tensor, y []int, lr float64, training bool) (float64, int, error) {
	L := r.reg.NumLayers()

	r.training = training
	r.input = x
	r.labels = y
	r.activations = make([]*tensor.Tensor, L+1)
	r.grads = make([]*tensor.Tensor, L+1)
	r.activations[0] = x
	r.actH = make(map[int]suballoc.Handle)
	r.gradH = make(map[int]suballoc.Handle)
	r.wsH = make(map[int]suballoc.Handle)
	r.refs = make(map[suballoc.Handle]int)
	r.offloadDone = make(map[int]*Event)
	r.offloadSync = make(map[int]*Semaphore)
	r.prefetchReady = make(map[int]*Semaphore)
	r.offloaded = nil
	r.loss = 0
	r.correct = 0

	if training {
		for i, marked := range r.plan.Offload {
			if marked {
				r.offloadSync[i] = NewSemaphore()
				r.prefetchReady[i] = NewSemaphore()
			}
		}
	}

	if err := schedule.Walk(r.reg, r.plan, training, lr, r); err != nil {
		return 0, 0, err
	}

	if !training {
		if sm, ok := r.lastSoftmax(); ok {
			r.loss = sm.Loss(y)
			r.correct = sm.CorrectCount(y)
		}
	}
	return r.loss, r.correct, nil
}

func (r *Runner) lastSoftmax() (*primitives.Softmax, bool) {
	L := r.reg.NumLayers()
	if L == 0 {
		return nil, false
	}
	sm, ok := r.reg.Layers[L-1].Op.(*primitives.Softmax)
	return sm, ok
}

// --- handle bookkeeping --------------------------------------------------

func (r *Runner) allocHandle(m map[int]suballoc.Handle, idx int, b uint64) error {
	h, err := r.pool.Alloc(b)
	if err != nil {
		return err
	}
	r.mu.Lock()
	m[idx] = h
	r.refs[h]++
	r.mu.Unlock()
	return nil
}

func (r *Runner) freeHandle(m map[int]suballoc.Handle, idx int) {
	r.mu.Lock()
	h, ok := m[idx]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(m, idx)
	r.refs[h]--
	last := r.refs[h] == 0
	if last {
		delete(r.refs, h)
	}
	r.mu.Unlock()
	if last {
		r.pool.Free(h)
	}
}

func (r *Runner) aliasHandle(m map[int]suballoc.Handle, target, source int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := m[source]; ok {
		m[target] = h
		r.refs[h]++
	}
}

// --- schedule.Hooks ------------------------------------------------------

func (r *Runner) AllocActivation(layer int) error {
	return r.allocHandle(r.actH, layer, r.reg.ActivationBytes(layer))
}

func (r *Runner) FreeActivation(layer int) { r.freeHandle(r.actH, layer) }

func (r *Runner) AliasActivation(target, source int) { r.aliasHandle(r.actH, target, source) }

// AllocGrad for the output index doubles as the loss boundary: the forward
// barrier has passed, so the softmax probabilities are final and the
// initial gradient can be produced alongside its allocation.
func (r *Runner) AllocGrad(layer int) error {
	if err := r.allocHandle(r.gradH, layer, r.reg.GradBytes(layer)); err != nil {
		return err
	}
	if layer == r.reg.NumLayers() {
		return r.computeLoss()
	}
	return nil
}

func (r *Runner) computeLoss() error {
	L := r.reg.NumLayers()
	sm, ok := r.lastSoftmax()
	if !ok {
		return &InvariantError{Msg: "training requires a terminal Softmax layer"}
	}
	out := r.activations[L]
	if out == nil {
		return &InvariantError{Msg: "network output missing at loss boundary"}
	}
	batch := len(r.labels)
	if len(out.Shape) != 2 || out.Shape[0] != batch {
		return &InvariantError{Msg: fmt.Sprintf(
			"network output shape %v does not match label batch %d", out.Shape, batch)}
	}
	r.loss = sm.Loss(r.labels)
	r.correct = sm.CorrectCount(r.labels)
	r.grads[L] = sm.LossGrad(r.labels, batch)
	return nil
}

func (r *Runner) FreeGrad(layer int) { r.freeHandle(r.gradH, layer) }

func (r *Runner) AliasGrad(target, source int) { r.aliasHandle(r.gradH, target, source) }

// AllocWorkspace sizes the workspace from the plan-locked algorithms: the
// forward algorithm's workspace, or the larger of the two backward
// algorithms' for the single backward workspace.
func (r *Runner) AllocWorkspace(layer int, direction primitives.Direction) error {
	wop, ok := r.reg.Layers[layer].Op.(primitives.WorkspaceOp)
	if !ok {
		return &InvariantError{Msg: fmt.Sprintf("layer %d has no workspace surface", layer)}
	}
	var bytes uint64
	if direction == primitives.DirForward {
		bytes = wop.WorkspaceBytes(primitives.DirForward)
	} else {
		f, d := wop.WorkspaceBytes(primitives.DirBackwardFilter), wop.WorkspaceBytes(primitives.DirBackwardData)
		bytes = f
		if d > f {
			bytes = d
		}
	}
	return r.allocHandle(r.wsH, layer, bytes)
}

func (r *Runner) FreeWorkspace(layer int, direction primitives.Direction) {
	r.freeHandle(r.wsH, layer)
}

func (r *Runner) ForwardCompute(layer int) error {
	desc := r.reg.Layers[layer]
	r.compute.Enqueue(func() error {
		in := r.activations[layer]
		if in == nil {
			return &InvariantError{Msg: fmt.Sprintf("activation[%d] missing before forward", layer)}
		}
		out := desc.Op.Forward(in, nil, r.training)
		if desc.FusedActivation != nil {
			out = desc.FusedActivation.Forward(out, nil, r.training)
		}
		r.activations[layer+1] = out
		return nil
	})
	if err := r.compute.Synchronize(); err != nil {
		return r.fatal(layer, "forward", err)
	}
	return nil
}

func (r *Runner) BackwardCompute(layer int, lr float64) error {
	desc := r.reg.Layers[layer]
	r.compute.Enqueue(func() error {
		gradIn := r.grads[layer+1]
		if gradIn == nil {
			return &InvariantError{Msg: fmt.Sprintf("grad[%d] missing before layer %d backward", layer+1, layer)}
		}
		if desc.FusedActivation != nil {
			gradIn = desc.FusedActivation.Backward(gradIn, nil)
		}
		out := desc.Op.Backward(gradIn, nil)
		if layer > 0 {
			r.grads[layer] = out
		}
		desc.Op.ApplySGD(lr)
		return nil
	})
	if err := r.compute.Synchronize(); err != nil {
		return r.fatal(layer, "backward", err)
	}
	return nil
}

// Offload enqueues the device-to-host copy of activation[layer] on the
// memory stream and records the layer's offload-done event behind it. The
// copy runs concurrently with the layer's own compute; both only read the
// activation.
func (r *Runner) Offload(layer int) {
	shadow := r.shadows[layer]
	act := r.activations[layer]
	r.memory.Enqueue(func() error {
		if act == nil || shadow == nil {
			return &InvariantError{Msg: fmt.Sprintf("offload of layer %d with no source or shadow", layer)}
		}
		copy(shadow, act.Data)
		return nil
	})
	r.offloadDone[layer] = r.memory.RecordEvent()
	if r.mets != nil {
		r.mets.OffloadTotal.Inc()
	}
}

// OffloadRetire runs after the layer's compute has synchronized: it spawns
// the detached worker that waits for the offload copy to land, frees the
// device activation through the pool, and posts the offload-sync
// semaphore. The free may race a blocked Alloc on the main thread; the
// pool's broadcast wakes it.
func (r *Runner) OffloadRetire(layer int) {
	ev := r.offloadDone[layer]
	sem := r.offloadSync[layer]
	r.offloaded = append(r.offloaded, layer)
	go func() {
		ev.Wait()
		r.freeHandle(r.actH, layer)
		sem.Post()
	}()
}

// AwaitOffloads blocks until every offload worker has freed its activation,
// so the pool is at its backward-start baseline before the loss runs.
func (r *Runner) AwaitOffloads() {
	for _, layer := range r.offloaded {
		r.offloadSync[layer].Wait()
	}
}

// Prefetch enqueues the host-to-device copy restoring activation[peer] on
// the memory stream. The device buffer was allocated by the walk just
// before this call; the consumer at backward layer peer blocks on the
// prefetch-ready semaphore, posted by a detached worker once the copy's
// event fires.
func (r *Runner) Prefetch(i, peer int) error {
	shape := r.reg.Layers[peer].InputShape
	r.memory.Enqueue(func() error {
		var src []float64
		if peer == 0 {
			src = r.input.Data
		} else {
			src = r.shadows[peer]
		}
		if src == nil {
			return &InvariantError{Msg: fmt.Sprintf("prefetch of layer %d with no host source", peer)}
		}
		t := tensor.New(shape...)
		copy(t.Data, src)
		r.activations[peer] = t
		return nil
	})
	ev := r.memory.RecordEvent()
	sem := r.prefetchReady[peer]
	go func() {
		ev.Wait()
		sem.Post()
	}()
	if r.mets != nil {
		r.mets.PrefetchTotal.Inc()
	}
	return nil
}

func (r *Runner) WaitPrefetch(i int) {
	if sem := r.prefetchReady[i]; sem != nil {
		sem.Wait()
	}
}

func (r *Runner) fatal(layer int, op string, err error) error {
	r.log.Error("executor: step aborted", "layer", layer, "op", op, "err", err)
	if r.mets != nil {
		r.mets.FatalTotal.WithLabelValues(strconv.Itoa(layer), op).Inc()
	}
	return &FatalError{Layer: layer, Op: op, Err: err}
}
