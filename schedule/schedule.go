// Package schedule describes the forward+backward allocation sequence of a
// layer stack as a single walk over a Hooks interface. The memory planner's
// analytic simulation, its allocator-confirmation replay, and the executor's
// real run all consume the same walk, so the three can never drift apart on
// when a buffer is allocated or released.
package schedule

import (
	"fmt"

	"github.com/muchq/vdnn/primitives"
	"github.com/muchq/vdnn/registry"
)

// Phase distinguishes the forward sweep from the backward sweep.
type Phase int

const (
	Forward Phase = iota
	Backward
)

func (p Phase) String() string {
	if p == Backward {
		return "backward"
	}
	return "forward"
}

// Hooks is the set of callbacks Walk drives. The planner implements Hooks
// with byte counters and a replay pool; the executor implements Hooks with
// real suballocator calls, primitive invocations, stream enqueues and
// detached workers.
type Hooks interface {
	AllocActivation(layer int) error
	FreeActivation(layer int)
	AliasActivation(target, source int)

	AllocGrad(layer int) error
	FreeGrad(layer int)
	AliasGrad(target, source int)

	// AllocWorkspace selects a convolution algorithm for (layer, direction)
	// and allocates its workspace; FreeWorkspace releases it.
	AllocWorkspace(layer int, direction primitives.Direction) error
	FreeWorkspace(layer int, direction primitives.Direction)

	ForwardCompute(layer int) error
	BackwardCompute(layer int, lr float64) error

	// Offload begins the async device-to-host copy of activation[layer] on
	// the memory stream and records the layer's offload-done event.
	Offload(layer int)
	// OffloadRetire runs once the layer's compute has been synchronized: the
	// executor spawns the detached worker that waits on the offload-done
	// event, frees the device activation and posts the offload-sync
	// semaphore; the planner releases the activation's bytes here, since
	// this is the earliest point the worker's free can land.
	OffloadRetire(layer int)
	// AwaitOffloads blocks until every outstanding offload has landed, so
	// the pool is at its backward-start baseline before the loss is
	// computed.
	AwaitOffloads()

	// Prefetch begins the async host-to-device copy restoring
	// activation[peer], requested while processing backward layer i.
	Prefetch(i, peer int) error
	// WaitPrefetch blocks on layer i's prefetch-ready semaphore; a no-op
	// if layer i was never offloaded.
	WaitPrefetch(i int)
}

// FindPrefetchLayer scans backwards from i-1 for the nearest earlier layer j
// that is marked offload and not yet prefetched. If a convolution layer is
// encountered before any such j, it returns (-1, false): the convolution
// will dominate backward latency, so starting a far prefetch across it buys
// no overlap; the layers below the convolution will issue it once they are
// closer. An offloaded convolution is itself a valid prefetch target, so the
// offload check runs before the convolution cutoff.
func FindPrefetchLayer(reg *registry.LayerRegistry, plan *registry.Plan, i int, prefetched map[int]bool) (int, bool) {
	for j := i - 1; j >= 0; j-- {
		if plan.Offload[j] && !prefetched[j] {
			return j, true
		}
		if reg.Layers[j].Kind == registry.Convolution {
			return -1, false
		}
	}
	return -1, false
}

// Walk drives hooks through one forward pass and, if training, one backward
// pass. Activation[0] is the caller's input batch and is never allocated by
// the walk; a prefetch targeting layer 0 restores it from the original
// input rather than a host shadow. Offload, retire and prefetch steps only
// run when training: inference instead releases each consumed activation as
// soon as the producing layer's compute has retired.
//
// The walk issues AllocGrad(L) as the first backward-phase action; the
// executor folds the loss computation into that callback so the planner and
// the real run size the initial gradient identically.
func Walk(reg *registry.LayerRegistry, plan *registry.Plan, training bool, lr float64, h Hooks) error {
	L := reg.NumLayers()

	i := 0
	for i < L {
		if training && i > 0 && plan.Offload[i] {
			h.Offload(i)
		}

		if err := h.AllocActivation(i + 1); err != nil {
			return fmt.Errorf("schedule: forward layer %d: alloc activation: %w", i, err)
		}

		isConv := reg.Layers[i].Kind == registry.Convolution
		if isConv {
			if err := h.AllocWorkspace(i, primitives.DirForward); err != nil {
				return fmt.Errorf("schedule: forward layer %d: alloc workspace: %w", i, err)
			}
		}

		if err := h.ForwardCompute(i); err != nil {
			return fmt.Errorf("schedule: forward layer %d: compute: %w", i, err)
		}

		// A trailing Softmax is folded into the current step: its output
		// aliases its input and the loop advances past it.
		next := i + 1
		foldedSoftmax := false
		if next < L && reg.Layers[next].Kind == registry.Softmax {
			h.AliasActivation(next+1, next)
			if err := h.ForwardCompute(next); err != nil {
				return fmt.Errorf("schedule: forward layer %d (fused softmax): compute: %w", next, err)
			}
			foldedSoftmax = true
		}

		if training && i > 0 && plan.Offload[i] {
			h.OffloadRetire(i)
		}

		if isConv {
			h.FreeWorkspace(i, primitives.DirForward)
		}

		if !training && i > 0 {
			h.FreeActivation(i)
		}

		if foldedSoftmax {
			i += 2
		} else {
			i++
		}
	}

	if !training {
		for idx := 1; idx <= L; idx++ {
			h.FreeActivation(idx)
		}
		return nil
	}

	h.AwaitOffloads()

	if err := h.AllocGrad(L); err != nil {
		return fmt.Errorf("schedule: backward: alloc grad[%d]: %w", L, err)
	}

	prefetched := make(map[int]bool)
	for i := L - 1; i >= 0; i-- {
		if plan.Offload[i] {
			h.WaitPrefetch(i)
		}

		if i > 0 {
			kind := reg.Layers[i].Kind
			if kind == registry.Activation || kind == registry.Softmax {
				h.AliasGrad(i, i+1)
			} else {
				if err := h.AllocGrad(i); err != nil {
					return fmt.Errorf("schedule: backward layer %d: alloc grad: %w", i, err)
				}
				if j, ok := FindPrefetchLayer(reg, plan, i, prefetched); ok {
					if err := h.AllocActivation(j); err != nil {
						return fmt.Errorf("schedule: backward layer %d: alloc prefetch activation[%d]: %w", i, j, err)
					}
					if err := h.Prefetch(i, j); err != nil {
						return fmt.Errorf("schedule: backward layer %d: prefetch activation[%d]: %w", i, j, err)
					}
					prefetched[j] = true
				}
			}
		}

		isConv := reg.Layers[i].Kind == registry.Convolution
		if isConv {
			if err := h.AllocWorkspace(i, primitives.DirBackwardFilter); err != nil {
				return fmt.Errorf("schedule: backward layer %d: alloc workspace: %w", i, err)
			}
		}

		if err := h.BackwardCompute(i, lr); err != nil {
			return fmt.Errorf("schedule: backward layer %d: compute: %w", i, err)
		}

		if isConv {
			h.FreeWorkspace(i, primitives.DirBackwardFilter)
		}

		h.FreeActivation(i + 1)
		h.FreeGrad(i + 1)
		if i == 0 {
			h.FreeActivation(0)
		}
	}

	return nil
}
