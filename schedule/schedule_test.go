package schedule

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muchq/vdnn/primitives"
	"github.com/muchq/vdnn/registry"
	"github.com/muchq/vdnn/tensor"
)

// recordingHooks logs every callback as a compact string so tests can
// assert on ordering.
type recordingHooks struct {
	events []string
}

func (r *recordingHooks) add(format string, args ...any) {
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recordingHooks) AllocActivation(layer int) error { r.add("allocAct(%d)", layer); return nil }
func (r *recordingHooks) FreeActivation(layer int)        { r.add("freeAct(%d)", layer) }
func (r *recordingHooks) AliasActivation(target, source int) {
	r.add("aliasAct(%d,%d)", target, source)
}
func (r *recordingHooks) AllocGrad(layer int) error       { r.add("allocGrad(%d)", layer); return nil }
func (r *recordingHooks) FreeGrad(layer int)              { r.add("freeGrad(%d)", layer) }
func (r *recordingHooks) AliasGrad(target, source int)    { r.add("aliasGrad(%d,%d)", target, source) }
func (r *recordingHooks) AllocWorkspace(layer int, d primitives.Direction) error {
	r.add("allocWs(%d,%s)", layer, d)
	return nil
}
func (r *recordingHooks) FreeWorkspace(layer int, d primitives.Direction) {
	r.add("freeWs(%d,%s)", layer, d)
}
func (r *recordingHooks) ForwardCompute(layer int) error { r.add("fwd(%d)", layer); return nil }
func (r *recordingHooks) BackwardCompute(layer int, lr float64) error {
	r.add("bwd(%d)", layer)
	return nil
}
func (r *recordingHooks) Offload(layer int)       { r.add("offload(%d)", layer) }
func (r *recordingHooks) OffloadRetire(layer int) { r.add("retire(%d)", layer) }
func (r *recordingHooks) AwaitOffloads()          { r.add("awaitOffloads") }
func (r *recordingHooks) Prefetch(i, peer int) error {
	r.add("prefetch(%d,%d)", i, peer)
	return nil
}
func (r *recordingHooks) WaitPrefetch(i int) { r.add("waitPrefetch(%d)", i) }

func buildRegistry(t *testing.T, specs []registry.LayerSpec) *registry.LayerRegistry {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	reg, err := registry.New(tensor.Float32, tensor.NCHW, rng, 0, 7, 1e-8, []int{2, 1, 8, 8}, specs)
	require.NoError(t, err)
	return reg
}

func conv(out int) registry.LayerSpec {
	return registry.LayerSpec{Kind: registry.Convolution, Conv: &registry.ConvSpec{OutChannels: out, KernelH: 3, KernelW: 3, Stride: 1, Padding: tensor.PaddingSame, UseBias: true}}
}

func planFor(reg *registry.LayerRegistry, policy registry.OffloadPolicy) *registry.Plan {
	return &registry.Plan{
		Offload:  reg.OffloadSet(policy),
		AlgoPref: primitives.PerformanceOptimal,
		Hard:     true,
	}
}

func TestWalkFoldsTrailingSoftmax(t *testing.T) {
	reg := buildRegistry(t, []registry.LayerSpec{
		{Kind: registry.FullyConnected, FC: &registry.FCSpec{OutputSize: 3, UseBias: true}},
		{Kind: registry.Softmax},
	})
	h := &recordingHooks{}
	require.NoError(t, Walk(reg, planFor(reg, registry.OffloadNone), false, 0, h))

	assert.Equal(t, []string{
		"allocAct(1)",
		"fwd(0)",
		"aliasAct(2,1)",
		"fwd(1)",
		"freeAct(1)",
		"freeAct(2)",
	}, h.events)
}

func TestWalkTrainingOrderWithOffload(t *testing.T) {
	reg := buildRegistry(t, []registry.LayerSpec{
		conv(4),
		{Kind: registry.Activation, ActKind: primitives.ReLU},
		conv(4),
		{Kind: registry.FullyConnected, FC: &registry.FCSpec{OutputSize: 3, UseBias: true}},
		{Kind: registry.Softmax},
	})
	plan := planFor(reg, registry.OffloadConvOnly)
	require.Equal(t, []bool{true, false, true, false, false}, plan.Offload)

	h := &recordingHooks{}
	require.NoError(t, Walk(reg, plan, true, 0.1, h))

	assert.Equal(t, []string{
		// forward: layer 0 is the input, never offloaded in forward
		"allocAct(1)", "allocWs(0,forward)", "fwd(0)", "freeWs(0,forward)",
		"allocAct(2)", "fwd(1)",
		"offload(2)", "allocAct(3)", "allocWs(2,forward)", "fwd(2)", "retire(2)", "freeWs(2,forward)",
		// fc step folds the trailing softmax
		"allocAct(4)", "fwd(3)", "aliasAct(5,4)", "fwd(4)",
		// loss boundary
		"awaitOffloads", "allocGrad(5)",
		// backward: softmax aliases, fc allocs grad and prefetches conv 2
		"aliasGrad(4,5)", "bwd(4)", "freeAct(5)", "freeGrad(5)",
		"allocGrad(3)", "allocAct(2)", "prefetch(3,2)", "bwd(3)", "freeAct(4)", "freeGrad(4)",
		// conv 2 waits on its own prefetch and issues layer 0's, reaching
		// past the activation at 1
		"waitPrefetch(2)", "allocGrad(2)", "allocAct(0)", "prefetch(2,0)",
		"allocWs(2,backward_filter)", "bwd(2)", "freeWs(2,backward_filter)", "freeAct(3)", "freeGrad(3)",
		"aliasGrad(1,2)", "bwd(1)", "freeAct(2)", "freeGrad(2)",
		"waitPrefetch(0)", "allocWs(0,backward_filter)", "bwd(0)", "freeWs(0,backward_filter)", "freeAct(1)", "freeGrad(1)", "freeAct(0)",
	}, h.events)
}

func TestWalkInferenceSkipsOffloadAndBackward(t *testing.T) {
	reg := buildRegistry(t, []registry.LayerSpec{
		conv(4),
		{Kind: registry.FullyConnected, FC: &registry.FCSpec{OutputSize: 3, UseBias: true}},
		{Kind: registry.Softmax},
	})
	plan := planFor(reg, registry.OffloadConvOnly)

	h := &recordingHooks{}
	require.NoError(t, Walk(reg, plan, false, 0, h))

	for _, e := range h.events {
		assert.NotContains(t, e, "offload")
		assert.NotContains(t, e, "bwd")
		assert.NotContains(t, e, "prefetch")
	}
}

func TestFindPrefetchLayerNearestOffloaded(t *testing.T) {
	reg := buildRegistry(t, []registry.LayerSpec{
		conv(4),
		{Kind: registry.Activation, ActKind: primitives.ReLU},
		{Kind: registry.FullyConnected, FC: &registry.FCSpec{OutputSize: 3, UseBias: true}},
		{Kind: registry.Softmax},
	})
	plan := planFor(reg, registry.OffloadAll)
	require.Equal(t, []bool{true, false, false, false}, plan.Offload)

	j, ok := FindPrefetchLayer(reg, plan, 2, map[int]bool{})
	require.True(t, ok)
	assert.Equal(t, 0, j)
}

func TestFindPrefetchLayerStopsAtUnmarkedConvolution(t *testing.T) {
	reg := buildRegistry(t, []registry.LayerSpec{
		conv(4),
		conv(4),
		{Kind: registry.FullyConnected, FC: &registry.FCSpec{OutputSize: 3, UseBias: true}},
		{Kind: registry.Softmax},
	})
	plan := &registry.Plan{Offload: []bool{true, false, false, false}}

	// Layer 1 is a convolution that is not offloaded: the scan from layer 2
	// must stop there rather than reach layer 0.
	_, ok := FindPrefetchLayer(reg, plan, 2, map[int]bool{})
	assert.False(t, ok)
}

func TestFindPrefetchLayerOffloadedConvolutionIsATarget(t *testing.T) {
	reg := buildRegistry(t, []registry.LayerSpec{
		conv(4),
		conv(4),
		{Kind: registry.FullyConnected, FC: &registry.FCSpec{OutputSize: 3, UseBias: true}},
		{Kind: registry.Softmax},
	})
	plan := &registry.Plan{Offload: []bool{true, true, false, false}}

	j, ok := FindPrefetchLayer(reg, plan, 2, map[int]bool{})
	require.True(t, ok)
	assert.Equal(t, 1, j)

	// Once layer 1 is prefetched, the convolution at 1 cuts the scan off
	// before layer 0; layer 0's prefetch is issued by layer 1's backward.
	_, ok = FindPrefetchLayer(reg, plan, 2, map[int]bool{1: true})
	assert.False(t, ok)

	j, ok = FindPrefetchLayer(reg, plan, 1, map[int]bool{1: true})
	require.True(t, ok)
	assert.Equal(t, 0, j)
}
