package registry

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muchq/vdnn/primitives"
	"github.com/muchq/vdnn/tensor"
)

func buildRegistry(t *testing.T, inputShape []int, specs []LayerSpec) *LayerRegistry {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	reg, err := New(tensor.Float32, tensor.NCHW, rng, 0, 7, 1e-8, inputShape, specs)
	require.NoError(t, err)
	return reg
}

func convSpec(out int) LayerSpec {
	return LayerSpec{Kind: Convolution, Conv: &ConvSpec{OutChannels: out, KernelH: 3, KernelW: 3, Stride: 1, Padding: tensor.PaddingSame, UseBias: true}}
}

func TestNewComputesShapesThroughTheStack(t *testing.T) {
	reg := buildRegistry(t, []int{2, 1, 8, 8}, []LayerSpec{
		convSpec(4),
		{Kind: Activation, ActKind: primitives.ReLU},
		{Kind: Pooling, Pool: &PoolSpec{PoolH: 2, PoolW: 2, Stride: 2}},
		{Kind: FullyConnected, FC: &FCSpec{OutputSize: 3, UseBias: true}},
		{Kind: Softmax},
	})

	require.Equal(t, 5, reg.NumLayers())
	assert.Equal(t, []int{2, 4, 8, 8}, reg.Layers[0].OutputShape)
	assert.Equal(t, []int{2, 4, 4, 4}, reg.Layers[2].OutputShape)
	assert.Equal(t, []int{2, 3}, reg.Layers[3].OutputShape)
	assert.Equal(t, []int{2, 3}, reg.Layers[4].OutputShape)
}

func TestActivationBytesCoversOutputIndex(t *testing.T) {
	reg := buildRegistry(t, []int{2, 1, 8, 8}, []LayerSpec{
		{Kind: FullyConnected, FC: &FCSpec{OutputSize: 10, UseBias: false}},
		{Kind: Softmax},
	})
	assert.Equal(t, tensor.Bytes(tensor.Float32, 2, 1, 8, 8), reg.ActivationBytes(0))
	assert.Equal(t, tensor.Bytes(tensor.Float32, 2, 10), reg.ActivationBytes(1))
	assert.Equal(t, tensor.Bytes(tensor.Float32, 2, 10), reg.ActivationBytes(2))
}

func TestOffloadSetAllExemptsLastOffloadableAndFusedKinds(t *testing.T) {
	reg := buildRegistry(t, []int{2, 1, 8, 8}, []LayerSpec{
		convSpec(4),
		{Kind: Activation, ActKind: primitives.ReLU},
		convSpec(4),
		{Kind: FullyConnected, FC: &FCSpec{OutputSize: 3, UseBias: true}},
		{Kind: Softmax},
	})

	offload := reg.OffloadSet(OffloadAll)
	assert.Equal(t, []bool{true, false, true, false, false}, offload)
}

func TestOffloadSetConvOnlyMarksConvolutionsOnly(t *testing.T) {
	reg := buildRegistry(t, []int{2, 1, 8, 8}, []LayerSpec{
		convSpec(4),
		{Kind: Activation, ActKind: primitives.ReLU},
		convSpec(4),
		{Kind: FullyConnected, FC: &FCSpec{OutputSize: 3, UseBias: true}},
		{Kind: Softmax},
	})

	offload := reg.OffloadSet(OffloadConvOnly)
	assert.Equal(t, []bool{true, false, true, false, false}, offload)
}

func TestOffloadSetExemptsLastConvWhenItIsLastOffloadable(t *testing.T) {
	reg := buildRegistry(t, []int{2, 1, 8, 8}, []LayerSpec{
		convSpec(4),
		convSpec(4),
		{Kind: Activation, ActKind: primitives.ReLU},
	})

	require.Equal(t, 3, reg.NumLayers())
	last, ok := reg.LastOffloadableLayer()
	require.True(t, ok)
	assert.Equal(t, 1, last)
	assert.Equal(t, []bool{true, false, false}, reg.OffloadSet(OffloadConvOnly))
}

func TestLastOffloadableLayerDegenerateNetwork(t *testing.T) {
	reg := buildRegistry(t, []int{2, 5}, []LayerSpec{
		{Kind: Softmax},
	})
	_, ok := reg.LastOffloadableLayer()
	assert.False(t, ok)
	assert.Equal(t, []bool{false}, reg.OffloadSet(OffloadAll))
}

func TestFusedActivationRejectedOffConvAndFC(t *testing.T) {
	relu := primitives.ReLU
	rng := rand.New(rand.NewSource(1))
	_, err := New(tensor.Float32, tensor.NCHW, rng, 0, 7, 1e-8, []int{2, 1, 4, 4}, []LayerSpec{
		{Kind: Pooling, Pool: &PoolSpec{PoolH: 2, PoolW: 2, Stride: 2}, FusedActivation: &relu},
	})
	assert.Error(t, err)
}

func TestWeightStdOverridesHeInit(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	reg, err := New(tensor.Float32, tensor.NCHW, rng, 0.001, 7, 1e-8, []int{2, 4}, []LayerSpec{
		{Kind: FullyConnected, FC: &FCSpec{OutputSize: 4, UseBias: false}},
		{Kind: Softmax},
	})
	require.NoError(t, err)
	for _, v := range reg.Layers[0].Op.Params()[0].Data {
		assert.Less(t, v, 0.01)
		assert.Greater(t, v, -0.01)
	}
}

func TestSelectAlgorithmCachesByBucketedFreeBytes(t *testing.T) {
	reg := buildRegistry(t, []int{2, 1, 8, 8}, []LayerSpec{
		convSpec(4),
		{Kind: Softmax},
	})

	a1, ok := reg.SelectAlgorithm(0, primitives.DirForward, primitives.PerformanceOptimal, true, 1<<20)
	require.True(t, ok)
	// Same bucket, same answer.
	a2, ok := reg.SelectAlgorithm(0, primitives.DirForward, primitives.PerformanceOptimal, true, 1<<20+100)
	require.True(t, ok)
	assert.Equal(t, a1, a2)
}

func TestSelectAlgorithmInfeasibleUnderTinyBudget(t *testing.T) {
	reg := buildRegistry(t, []int{2, 1, 8, 8}, []LayerSpec{
		convSpec(4),
		{Kind: Softmax},
	})
	_, ok := reg.SelectAlgorithm(0, primitives.DirForward, primitives.PerformanceOptimal, true, 1)
	assert.False(t, ok)
}

func TestApplyPlanLocksAllThreeDirections(t *testing.T) {
	reg := buildRegistry(t, []int{2, 1, 8, 8}, []LayerSpec{
		convSpec(4),
		{Kind: Softmax},
	})
	plan := &Plan{
		Offload:  reg.OffloadSet(OffloadNone),
		AlgoPref: primitives.PerformanceOptimal,
		Hard:     true,
	}
	err := reg.ApplyPlan(plan, func(layer int, direction primitives.Direction) uint64 { return 1 << 20 })
	require.NoError(t, err)

	wop := reg.Layers[0].Op.(primitives.WorkspaceOp)
	assert.NotZero(t, wop.WorkspaceBytes(primitives.DirForward))
	assert.NotZero(t, wop.WorkspaceBytes(primitives.DirBackwardFilter))
	assert.NotZero(t, wop.WorkspaceBytes(primitives.DirBackwardData))
}
