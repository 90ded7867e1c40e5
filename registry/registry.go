// Package registry holds the static layer sequence a vdnn network trains
// over: kind, shape, parameter tensors, byte accounting, and the locked
// convolution-algorithm choices. A registry is immutable after construction
// except for ApplyPlan, which fixes each convolution's algorithms once a
// plan has been confirmed.
package registry

import (
	"fmt"
	"math/rand"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/muchq/vdnn/primitives"
	"github.com/muchq/vdnn/tensor"
)

// LayerKind tags the variant of a layer descriptor.
type LayerKind int

const (
	Convolution LayerKind = iota
	FullyConnected
	Dropout
	BatchNorm
	Pooling
	Activation
	Softmax
)

func (k LayerKind) String() string {
	switch k {
	case Convolution:
		return "Convolution"
	case FullyConnected:
		return "FullyConnected"
	case Dropout:
		return "Dropout"
	case BatchNorm:
		return "BatchNorm"
	case Pooling:
		return "Pooling"
	case Activation:
		return "Activation"
	case Softmax:
		return "Softmax"
	default:
		return fmt.Sprintf("LayerKind(%d)", int(k))
	}
}

// Offloadable reports whether a layer of this kind may ever be marked for
// offload. Activation and Softmax layers are compute-fused trailing steps
// and are never offloaded.
func (k LayerKind) Offloadable() bool {
	return k != Activation && k != Softmax
}

// ConvSpec describes a Convolution layer's construction parameters.
type ConvSpec struct {
	OutChannels int
	KernelH     int
	KernelW     int
	Stride      int
	Padding     tensor.PaddingType
	UseBias     bool
}

// FCSpec describes a FullyConnected layer's construction parameters.
type FCSpec struct {
	OutputSize int
	UseBias    bool
}

// PoolSpec describes a Pooling layer's construction parameters.
type PoolSpec struct {
	PoolH, PoolW, Stride int
}

// LayerSpec is one element of the constructor's ordered layer sequence.
// Exactly one of the kind-specific fields is consulted, selected by Kind.
type LayerSpec struct {
	Kind LayerKind

	Conv *ConvSpec
	FC   *FCSpec
	Pool *PoolSpec

	DropoutRate               float64
	BatchNormEps, BatchNormMo float64
	ActKind                   primitives.ActivationKind

	// FusedActivation, when non-nil, fuses a pointwise nonlinearity
	// directly after a Convolution or FullyConnected layer's primitive
	// call.
	FusedActivation *primitives.ActivationKind
}

// LayerDescriptor is the built, per-layer metadata the registry holds:
// kind, shapes, parameter tensors (reached through Op), and kind-specific
// byte accounting the planner needs.
type LayerDescriptor struct {
	Kind LayerKind

	Op              primitives.Op
	FusedActivation *primitives.Activation

	InputShape  []int
	OutputShape []int

	// ParamBytes is the device footprint of this layer's persistent
	// parameter tensors (weights/bias/gamma/beta), computed once at
	// construction. BatchNorm's running statistics are counted in
	// ReservedBytes instead.
	ParamBytes uint64

	// ReservedBytes is Dropout's reserved-space size or BatchNorm's
	// persistent-statistics allocation size; zero for every other kind.
	ReservedBytes uint64
}

// Plan is the planner's output: which layers' forward activations are
// offloaded, the convolution-algorithm preference, the hard/soft
// discipline, and the peak device footprint the suballocator is sized to.
// It lives in this package so ApplyPlan needs no import cycle back into
// the planner.
type Plan struct {
	Offload   []bool
	AlgoPref  primitives.AlgoPref
	Hard      bool
	PeakBytes uint64

	// Tier is the planner priority-table row (1-8) that produced this
	// plan, or 0 for a fixed-policy plan; Reason is a short diagnostic.
	Tier   int
	Reason string
}

func (p *Plan) String() string {
	return fmt.Sprintf("plan{tier=%d algo=%s hard=%v peak=%d bytes: %s}",
		p.Tier, p.AlgoPref, p.Hard, p.PeakBytes, p.Reason)
}

// OffloadPolicy selects which layers a candidate plan marks for offload.
type OffloadPolicy int

const (
	OffloadNone OffloadPolicy = iota
	OffloadConvOnly
	OffloadAll
)

func (p OffloadPolicy) String() string {
	switch p {
	case OffloadNone:
		return "none"
	case OffloadConvOnly:
		return "conv-only"
	case OffloadAll:
		return "all"
	default:
		return fmt.Sprintf("OffloadPolicy(%d)", int(p))
	}
}

const algoCacheSize = 256

type algoCacheKey struct {
	layer     int
	direction primitives.Direction
	pref      primitives.AlgoPref
	hard      bool
	bucket    uint64
}

// freeBytesBucket rounds free bytes down to a coarse bucket so repeated
// workspace probes across candidate plans, which tend to re-probe similar
// free-byte values, hit the same cache key.
const freeBytesBucketSize = 1 << 16

func freeBytesBucket(freeBytes uint64) uint64 { return freeBytes / freeBytesBucketSize }

// LayerRegistry is the ordered, immutable-after-construction sequence of
// layer descriptors.
type LayerRegistry struct {
	Precision tensor.Precision
	Layout    tensor.Layout

	Layers []LayerDescriptor

	algoCache *lru.Cache[algoCacheKey, primitives.Algorithm]
}

// New builds a LayerRegistry from an ordered sequence of layer
// specifications, computing per-layer shapes and byte accounting. rng seeds
// every layer's weight initialization; weightStd, when positive, overrides
// the default He stddev with a fixed N(0, weightStd) draw. dropoutSeed
// seeds Dropout's independent RNG so repeated runs with the same seed
// reproduce the same masks.
func New(precision tensor.Precision, layout tensor.Layout, rng *rand.Rand, weightStd float64, dropoutSeed int64, softmaxEps float64, inputShape []int, specs []LayerSpec) (*LayerRegistry, error) {
	cache, err := lru.New[algoCacheKey, primitives.Algorithm](algoCacheSize)
	if err != nil {
		return nil, fmt.Errorf("registry: building algorithm cache: %w", err)
	}
	r := &LayerRegistry{Precision: precision, Layout: layout, algoCache: cache}

	shape := append([]int{}, inputShape...)
	for idx, spec := range specs {
		desc, nextShape, err := buildLayer(precision, rng, weightStd, dropoutSeed, softmaxEps, shape, spec)
		if err != nil {
			return nil, fmt.Errorf("registry: layer %d: %w", idx, err)
		}
		r.Layers = append(r.Layers, desc)
		shape = nextShape
	}
	return r, nil
}

func buildLayer(precision tensor.Precision, rng *rand.Rand, weightStd float64, dropoutSeed int64, softmaxEps float64, inputShape []int, spec LayerSpec) (LayerDescriptor, []int, error) {
	desc := LayerDescriptor{Kind: spec.Kind, InputShape: append([]int{}, inputShape...)}

	switch spec.Kind {
	case Convolution:
		if spec.Conv == nil {
			return desc, nil, fmt.Errorf("Convolution layer requires Conv spec")
		}
		if len(inputShape) != 4 {
			return desc, nil, fmt.Errorf("Convolution requires 4D input, got %v", inputShape)
		}
		n, c, h, w := inputShape[0], inputShape[1], inputShape[2], inputShape[3]
		conv := primitives.NewConv(rng, c, spec.Conv.OutChannels, spec.Conv.KernelH, spec.Conv.KernelW, spec.Conv.Stride, spec.Conv.Padding, spec.Conv.UseBias)
		desc.Op = conv

		padTop, padBottom, padLeft, padRight := 0, 0, 0, 0
		if spec.Conv.Padding == tensor.PaddingSame {
			padTop, padBottom = tensor.CalculateSamePaddingAsymmetric(h, spec.Conv.KernelH, spec.Conv.Stride)
			padLeft, padRight = tensor.CalculateSamePaddingAsymmetric(w, spec.Conv.KernelW, spec.Conv.Stride)
		}
		outH := tensor.CalculateConvOutputSize(h+padTop+padBottom, spec.Conv.KernelH, spec.Conv.Stride, 0)
		outW := tensor.CalculateConvOutputSize(w+padLeft+padRight, spec.Conv.KernelW, spec.Conv.Stride, 0)
		desc.OutputShape = []int{n, spec.Conv.OutChannels, outH, outW}

	case FullyConnected:
		if spec.FC == nil {
			return desc, nil, fmt.Errorf("FullyConnected layer requires FC spec")
		}
		flatIn := 1
		for _, d := range inputShape[1:] {
			flatIn *= d
		}
		n := inputShape[0]
		dense := primitives.NewDense(rng, flatIn, spec.FC.OutputSize, spec.FC.UseBias)
		desc.Op = dense
		desc.OutputShape = []int{n, spec.FC.OutputSize}

	case Dropout:
		d := primitives.NewDropout(dropoutSeed, spec.DropoutRate)
		desc.Op = d
		desc.OutputShape = append([]int{}, inputShape...)
		desc.ReservedBytes = 0 // computed lazily from activation size, see ReservedBytes below

	case BatchNorm:
		if len(inputShape) != 4 {
			return desc, nil, fmt.Errorf("BatchNorm requires 4D NCHW input, got %v", inputShape)
		}
		bn := primitives.NewBatchNorm(inputShape[1], spec.BatchNormEps, spec.BatchNormMo)
		desc.Op = bn
		desc.OutputShape = append([]int{}, inputShape...)

	case Pooling:
		if spec.Pool == nil {
			return desc, nil, fmt.Errorf("Pooling layer requires Pool spec")
		}
		if len(inputShape) != 4 {
			return desc, nil, fmt.Errorf("Pooling requires 4D input, got %v", inputShape)
		}
		n, c, h, w := inputShape[0], inputShape[1], inputShape[2], inputShape[3]
		pool := primitives.NewPool(spec.Pool.PoolH, spec.Pool.PoolW, spec.Pool.Stride)
		desc.Op = pool
		outH := tensor.CalculateConvOutputSize(h, spec.Pool.PoolH, spec.Pool.Stride, 0)
		outW := tensor.CalculateConvOutputSize(w, spec.Pool.PoolW, spec.Pool.Stride, 0)
		desc.OutputShape = []int{n, c, outH, outW}

	case Activation:
		act := primitives.NewActivation(spec.ActKind)
		desc.Op = act
		desc.OutputShape = append([]int{}, inputShape...)

	case Softmax:
		if len(inputShape) != 2 {
			return desc, nil, fmt.Errorf("Softmax requires 2D (batch, classes) input, got %v", inputShape)
		}
		desc.Op = primitives.NewSoftmax(softmaxEps)
		desc.OutputShape = append([]int{}, inputShape...)

	default:
		return desc, nil, fmt.Errorf("unknown layer kind %v", spec.Kind)
	}

	if spec.FusedActivation != nil {
		if spec.Kind != Convolution && spec.Kind != FullyConnected {
			return desc, nil, fmt.Errorf("fused activation is only valid on Convolution/FullyConnected, got %v", spec.Kind)
		}
		desc.FusedActivation = primitives.NewActivation(*spec.FusedActivation)
	}

	// He is the default; a positive weightStd overrides it for the layer's
	// weight tensor (bias/scale tensors keep their constructed values).
	if weightStd > 0 && (spec.Kind == Convolution || spec.Kind == FullyConnected) {
		if params := desc.Op.Params(); len(params) > 0 {
			params[0].FillNormal(rng, weightStd)
		}
	}

	// Dropout's reserved-space size depends on the activation element
	// count, which is now known (output shape equals input shape).
	if dr, ok := desc.Op.(*primitives.Dropout); ok {
		desc.ReservedBytes = dr.ReservedBytes(precision, tensor.Elements(desc.OutputShape...))
	}
	if bn, ok := desc.Op.(*primitives.BatchNorm); ok {
		desc.ReservedBytes = bn.AllocationBytes(precision)
	}
	desc.ParamBytes = paramBytes(desc.Op, precision)

	return desc, desc.OutputShape, nil
}

func paramBytes(op primitives.Op, precision tensor.Precision) uint64 {
	var total uint64
	for _, t := range op.Params() {
		total += t.Bytes(precision)
	}
	return total
}

// ActivationBytes returns the device footprint of activation[i] (the input
// to layer i, or the network output if i == len(Layers)), at the
// registry's configured precision.
func (r *LayerRegistry) ActivationBytes(i int) uint64 {
	if i < len(r.Layers) {
		return tensor.Bytes(r.Precision, r.Layers[i].InputShape...)
	}
	return tensor.Bytes(r.Precision, r.Layers[len(r.Layers)-1].OutputShape...)
}

// GradBytes returns the device footprint of grad[i], which is always the
// same shape as activation[i] (the upstream gradient feeding layer i).
func (r *LayerRegistry) GradBytes(i int) uint64 { return r.ActivationBytes(i) }

// NumLayers is len(Layers), the registry's L.
func (r *LayerRegistry) NumLayers() int { return len(r.Layers) }

// LastOffloadableLayer scans from the tail for the last layer that is not
// Activation/Softmax. That layer's output feeds the loss and must stay
// resident, so it is exempt from every offload policy. If no such layer
// exists (a degenerate all-Activation/Softmax network) it returns
// (-1, false) and callers treat the network as having nothing to exempt;
// behavior of such a network is otherwise undefined.
func (r *LayerRegistry) LastOffloadableLayer() (int, bool) {
	for i := len(r.Layers) - 1; i >= 0; i-- {
		if r.Layers[i].Kind.Offloadable() {
			return i, true
		}
	}
	return -1, false
}

// OffloadSet builds the offload bitmap for a policy: "all" marks every
// non-Activation/non-Softmax layer except the last such layer; "conv-only"
// marks only Convolution layers, with the same exception; "none" marks
// nothing.
func (r *LayerRegistry) OffloadSet(policy OffloadPolicy) []bool {
	offload := make([]bool, len(r.Layers))
	if policy == OffloadNone {
		return offload
	}
	last, ok := r.LastOffloadableLayer()
	for i, l := range r.Layers {
		if ok && i == last {
			continue
		}
		switch policy {
		case OffloadAll:
			if l.Kind.Offloadable() {
				offload[i] = true
			}
		case OffloadConvOnly:
			if l.Kind == Convolution {
				offload[i] = true
			}
		}
	}
	return offload
}

// SelectAlgorithm consults the primitive library's algorithm candidates for
// layer i's convolution in the given direction, caching the decision in the
// registry's LRU keyed by a bucketed free-byte value.
func (r *LayerRegistry) SelectAlgorithm(i int, direction primitives.Direction, pref primitives.AlgoPref, hard bool, freeBytes uint64) (primitives.Algorithm, bool) {
	wop, ok := r.Layers[i].Op.(primitives.WorkspaceOp)
	if !ok {
		return primitives.Algorithm{}, false
	}

	key := algoCacheKey{layer: i, direction: direction, pref: pref, hard: hard, bucket: freeBytesBucket(freeBytes)}
	if cached, ok := r.algoCache.Get(key); ok {
		return cached, true
	}

	algo, ok := primitives.Select(wop.Candidates(direction), pref, hard, freeBytes)
	if ok {
		r.algoCache.Add(key, algo)
	}
	return algo, ok
}

// ApplyPlan locks every Convolution layer's three algorithm choices
// (forward, backward-filter, backward-data) into its Op, so the executor
// never re-selects an algorithm at run time and cannot disagree with the
// plan under memory pressure. freeBytesAt supplies the free-device-byte value
// observed at the point each direction's workspace would be allocated,
// typically recorded by the planner's own allocator-confirmation replay so
// the same numbers the plan was confirmed against are the ones locked in.
func (r *LayerRegistry) ApplyPlan(plan *Plan, freeBytesAt func(layer int, direction primitives.Direction) uint64) error {
	directions := []primitives.Direction{primitives.DirForward, primitives.DirBackwardFilter, primitives.DirBackwardData}
	for i, ld := range r.Layers {
		if ld.Kind != Convolution {
			continue
		}
		wop := ld.Op.(primitives.WorkspaceOp)
		for _, dir := range directions {
			free := freeBytesAt(i, dir)
			algo, ok := r.SelectAlgorithm(i, dir, plan.AlgoPref, plan.Hard, free)
			if !ok {
				return fmt.Errorf("registry: layer %d: no feasible %s algorithm under plan %s", i, dir, plan)
			}
			wop.LockAlgorithm(dir, algo)
		}
	}
	return nil
}
