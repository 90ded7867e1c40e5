package primitives

import (
	"math/rand"
	"testing"

	"github.com/muchq/vdnn/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvForwardShape(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	c := NewConv(rng, 1, 4, 3, 3, 1, tensor.PaddingSame, true)
	input := tensor.New(2, 1, 8, 8)
	out := c.Forward(input, nil, true)
	assert.Equal(t, []int{2, 4, 8, 8}, out.Shape)
}

func TestConvBackwardGradShapeMatchesInput(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	c := NewConv(rng, 1, 4, 3, 3, 1, tensor.PaddingValid, true)
	input := tensor.New(2, 1, 8, 8)
	out := c.Forward(input, nil, true)
	gradIn := c.Backward(out, nil)
	assert.Equal(t, input.Shape, gradIn.Shape)
}

func TestConvApplySGDZeroesGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	c := NewConv(rng, 1, 2, 3, 3, 1, tensor.PaddingValid, true)
	input := tensor.New(1, 1, 5, 5)
	out := c.Forward(input, nil, true)
	c.Backward(out, nil)
	c.ApplySGD(0.01)
	for _, g := range c.Grads() {
		for _, v := range g.Data {
			assert.Zero(t, v)
		}
	}
}

func TestAlgorithmSelectHardPicksFastestThatFits(t *testing.T) {
	candidates := []Algorithm{
		{ID: 0, SpeedRank: 0, WorkspaceBytes: 1000},
		{ID: 1, SpeedRank: 1, WorkspaceBytes: 100},
	}
	algo, ok := Select(candidates, PerformanceOptimal, true, 500)
	require.True(t, ok)
	assert.Equal(t, 1, algo.ID)
}

func TestAlgorithmSelectMemoryOptimalPicksSmallest(t *testing.T) {
	candidates := []Algorithm{
		{ID: 0, SpeedRank: 0, WorkspaceBytes: 1000},
		{ID: 1, SpeedRank: 1, WorkspaceBytes: 100},
	}
	algo, ok := Select(candidates, MemoryOptimal, true, 2000)
	require.True(t, ok)
	assert.Equal(t, 1, algo.ID)
}

func TestAlgorithmSelectInfeasibleWhenNothingFits(t *testing.T) {
	candidates := []Algorithm{{ID: 0, SpeedRank: 0, WorkspaceBytes: 1000}}
	_, ok := Select(candidates, PerformanceOptimal, true, 10)
	assert.False(t, ok)
}

func TestPoolBackwardRoutesOnlyToMax(t *testing.T) {
	p := NewPool(2, 2, 2)
	input := tensor.FromData([]float64{1, 2, 3, 4}, 1, 1, 2, 2)
	out := p.Forward(input, nil, true)
	assert.Equal(t, []float64{4}, out.Data)

	gradOut := tensor.FromData([]float64{10}, 1, 1, 1, 1)
	gradIn := p.Backward(gradOut, nil)
	assert.Equal(t, []float64{0, 0, 0, 10}, gradIn.Data)
}

func TestActivationReLUZeroesNegativeGradients(t *testing.T) {
	a := NewActivation(ReLU)
	input := tensor.FromData([]float64{-1, 2, -3, 4}, 4)
	a.Forward(input, nil, true)
	grad := tensor.FromData([]float64{1, 1, 1, 1}, 4)
	out := a.Backward(grad, nil)
	assert.Equal(t, []float64{0, 1, 0, 1}, out.Data)
}

func TestSoftmaxCorrectCount(t *testing.T) {
	s := NewSoftmax(1e-8)
	logits := tensor.FromData([]float64{2, 1, 0, 0, 0, 5}, 2, 3)
	s.Forward(logits, nil, true)
	correct := s.CorrectCount([]int{0, 2})
	assert.Equal(t, 2, correct)
}

func TestSoftmaxLossGradSubtractsOneHot(t *testing.T) {
	s := NewSoftmax(1e-8)
	logits := tensor.FromData([]float64{1, 1, 1}, 1, 3)
	s.Forward(logits, nil, true)
	grad := s.LossGrad([]int{0}, 1)
	assert.InDelta(t, 1.0/3.0-1.0, grad.Data[0], 1e-9)
}

func TestDropoutIsIdentityAtInference(t *testing.T) {
	d := NewDropout(1, 0.5)
	input := tensor.FromData([]float64{1, 2, 3, 4}, 4)
	out := d.Forward(input, nil, false)
	assert.Equal(t, input.Data, out.Data)
}

func TestBatchNormNormalizesToUnitVariance(t *testing.T) {
	bn := NewBatchNorm(1, 1e-5, 0.9)
	input := tensor.New(4, 1, 1, 1)
	for i := range input.Data {
		input.Data[i] = float64(i)
	}
	out := bn.Forward(input, nil, true)
	mean := 0.0
	for _, v := range out.Data {
		mean += v
	}
	mean /= float64(len(out.Data))
	assert.InDelta(t, 0, mean, 1e-6)

	variance := 0.0
	for _, v := range out.Data {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(out.Data))
	assert.InDelta(t, 1, variance, 1e-4)
}
