package runtime

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muchq/vdnn/planner"
	"github.com/muchq/vdnn/primitives"
	"github.com/muchq/vdnn/registry"
	"github.com/muchq/vdnn/tensor"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func baseConfig(policy PlannerPolicy) Config {
	return Config{
		Precision:         tensor.Float32,
		Layout:            tensor.NCHW,
		BatchSize:         2,
		Seed:              42,
		DropoutSeed:       7,
		SoftmaxEps:        1e-8,
		PlannerPolicy:     policy,
		AlgoPref:          primitives.PerformanceOptimal,
		Update:            SGD,
		DeviceBudgetBytes: 1 << 30,
		Logger:            discard(),
	}
}

func smallNet() []registry.LayerSpec {
	return []registry.LayerSpec{
		{Kind: registry.Convolution, Conv: &registry.ConvSpec{OutChannels: 4, KernelH: 3, KernelW: 3, Stride: 1, Padding: tensor.PaddingSame, UseBias: true}},
		{Kind: registry.Activation, ActKind: primitives.ReLU},
		{Kind: registry.Convolution, Conv: &registry.ConvSpec{OutChannels: 4, KernelH: 3, KernelW: 3, Stride: 1, Padding: tensor.PaddingSame, UseBias: true}},
		{Kind: registry.FullyConnected, FC: &registry.FCSpec{OutputSize: 3, UseBias: true}},
		{Kind: registry.Softmax},
	}
}

func inputShape() []int { return []int{2, 1, 8, 8} }

func batch() (*tensor.Tensor, []int) {
	x := tensor.New(inputShape()...)
	for i := range x.Data {
		x.Data[i] = float64(i%5) * 0.2
	}
	return x, []int{1, 2}
}

func stepWithTimeout(t *testing.T, rt *Runtime, x *tensor.Tensor, y []int, lr float64, training bool) (float64, int) {
	t.Helper()
	type result struct {
		loss    float64
		correct int
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		loss, correct, err := rt.Step(x, y, lr, training)
		ch <- result{loss, correct, err}
	}()
	select {
	case res := <-ch:
		require.NoError(t, res.err)
		return res.loss, res.correct
	case <-time.After(10 * time.Second):
		t.Fatal("step deadlocked")
		return 0, 0
	}
}

func TestNewSizesPoolToPeakPlusPersistent(t *testing.T) {
	rt, err := New(baseConfig(PolicyNone), inputShape(), smallNet())
	require.NoError(t, err)
	defer rt.Close()

	assert.Equal(t, rt.Plan().PeakBytes+rt.PersistentBytes(), rt.Pool().Capacity())
	assert.Equal(t, rt.PersistentBytes(), rt.Pool().Consumed())
}

func TestTrainingStepConservesPool(t *testing.T) {
	rt, err := New(baseConfig(PolicyNone), inputShape(), smallNet())
	require.NoError(t, err)
	defer rt.Close()

	x, y := batch()
	loss, _ := stepWithTimeout(t, rt, x, y, 0.05, true)
	assert.Greater(t, loss, 0.0)
	assert.Equal(t, rt.PersistentBytes(), rt.Pool().Consumed())
}

func TestConvOnlyPolicyMarksConvolutionsExceptLast(t *testing.T) {
	rt, err := New(baseConfig(PolicyConvOnly), inputShape(), smallNet())
	require.NoError(t, err)
	defer rt.Close()

	assert.Equal(t, []bool{true, false, true, false, false}, rt.Plan().Offload)

	x, y := batch()
	stepWithTimeout(t, rt, x, y, 0.05, true)
	assert.Equal(t, rt.PersistentBytes(), rt.Pool().Consumed())
}

func TestAllPolicyExemptsFusedAndTerminalLayers(t *testing.T) {
	rt, err := New(baseConfig(PolicyAll), inputShape(), smallNet())
	require.NoError(t, err)
	defer rt.Close()

	// Activations and the softmax never offload; the fully-connected layer
	// is the last offloadable layer and stays resident for the loss.
	assert.Equal(t, []bool{true, false, true, false, false}, rt.Plan().Offload)
}

func TestDynamicPolicyReportsTier(t *testing.T) {
	rt, err := New(baseConfig(PolicyDynamic), inputShape(), smallNet())
	require.NoError(t, err)
	defer rt.Close()

	assert.Contains(t, rt.Plan().Reason, "dynamic: descended to tier")
	assert.GreaterOrEqual(t, rt.Plan().Tier, 1)
}

func TestInfeasibleBudgetSurfacesPlannerError(t *testing.T) {
	cfg := baseConfig(PolicyNone)
	cfg.DeviceBudgetBytes = 512
	_, err := New(cfg, inputShape(), smallNet())
	assert.ErrorIs(t, err, planner.ErrInfeasible)
}

func TestInferenceReturnsCorrectCountAndConservesPool(t *testing.T) {
	rt, err := New(baseConfig(PolicyConvOnly), inputShape(), smallNet())
	require.NoError(t, err)
	defer rt.Close()

	x, y := batch()
	_, correct := stepWithTimeout(t, rt, x, y, 0, false)
	assert.GreaterOrEqual(t, correct, 0)
	assert.LessOrEqual(t, correct, len(y))
	assert.Equal(t, rt.PersistentBytes(), rt.Pool().Consumed())
}

func TestDeterministicLossesAcrossRuntimes(t *testing.T) {
	losses := func() []float64 {
		rt, err := New(baseConfig(PolicyConvOnly), inputShape(), smallNet())
		require.NoError(t, err)
		defer rt.Close()

		x, y := batch()
		var out []float64
		for i := 0; i < 3; i++ {
			loss, _ := stepWithTimeout(t, rt, x, y, 0.05, true)
			out = append(out, loss)
		}
		return out
	}

	assert.Equal(t, losses(), losses())
}

func TestStepRejectsWrongBatch(t *testing.T) {
	rt, err := New(baseConfig(PolicyNone), inputShape(), smallNet())
	require.NoError(t, err)
	defer rt.Close()

	x := tensor.New(3, 1, 8, 8)
	_, _, err = rt.Step(x, []int{0, 1, 2}, 0.05, true)
	assert.Error(t, err)

	x, _ = batch()
	_, _, err = rt.Step(x, []int{0}, 0.05, true)
	assert.Error(t, err)
}

func TestMetricsRegisterOnCallerRegistry(t *testing.T) {
	cfg := baseConfig(PolicyConvOnly)
	promReg := prometheus.NewRegistry()
	cfg.Metrics = promReg

	rt, err := New(cfg, inputShape(), smallNet())
	require.NoError(t, err)
	defer rt.Close()

	x, y := batch()
	stepWithTimeout(t, rt, x, y, 0.05, true)

	families, err := promReg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["vdnn_peak_device_bytes"])
	assert.True(t, names["vdnn_planner_tier"])
	assert.True(t, names["vdnn_offload_total"])
	assert.True(t, names["vdnn_prefetch_total"])
	assert.True(t, names["vdnn_step_duration_seconds"])
}

func TestDropoutNetworkPlansAndTrains(t *testing.T) {
	specs := []registry.LayerSpec{
		{Kind: registry.Convolution, Conv: &registry.ConvSpec{OutChannels: 4, KernelH: 3, KernelW: 3, Stride: 1, Padding: tensor.PaddingSame, UseBias: true}},
		{Kind: registry.BatchNorm, BatchNormEps: 1e-5, BatchNormMo: 0.9},
		{Kind: registry.Activation, ActKind: primitives.ReLU},
		{Kind: registry.Dropout, DropoutRate: 0.25},
		{Kind: registry.FullyConnected, FC: &registry.FCSpec{OutputSize: 3, UseBias: true}},
		{Kind: registry.Softmax},
	}
	rt, err := New(baseConfig(PolicyAll), inputShape(), specs)
	require.NoError(t, err)
	defer rt.Close()

	x, y := batch()
	loss, _ := stepWithTimeout(t, rt, x, y, 0.05, true)
	assert.Greater(t, loss, 0.0)
	assert.Equal(t, rt.PersistentBytes(), rt.Pool().Consumed())
}
