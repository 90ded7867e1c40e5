package runtime

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/muchq/vdnn/clock"
	"github.com/muchq/vdnn/primitives"
	"github.com/muchq/vdnn/tensor"
)

// PlannerPolicy selects how the memory planner chooses an offload set.
type PlannerPolicy int

const (
	// PolicyNone plans with no offloading.
	PolicyNone PlannerPolicy = iota
	// PolicyConvOnly offloads convolution activations only.
	PolicyConvOnly
	// PolicyAll offloads every eligible activation.
	PolicyAll
	// PolicyDynamic searches the candidate table and accepts the first
	// feasible tier.
	PolicyDynamic
)

func (p PlannerPolicy) String() string {
	switch p {
	case PolicyNone:
		return "none"
	case PolicyConvOnly:
		return "conv-only"
	case PolicyAll:
		return "all"
	case PolicyDynamic:
		return "dynamic"
	default:
		return fmt.Sprintf("PlannerPolicy(%d)", int(p))
	}
}

// UpdateRule selects the parameter update applied during backward.
type UpdateRule int

const (
	SGD UpdateRule = iota
)

func (u UpdateRule) String() string {
	if u == SGD {
		return "sgd"
	}
	return fmt.Sprintf("UpdateRule(%d)", int(u))
}

// Config carries the constructor inputs for a Runtime.
type Config struct {
	Precision tensor.Precision
	Layout    tensor.Layout
	BatchSize int

	// Seed drives weight initialization; DropoutSeed drives dropout masks
	// independently so two runtimes with the same seeds reproduce the
	// same losses.
	Seed        int64
	DropoutSeed int64

	SoftmaxEps float64

	// WeightInitStd, when positive, draws weights from N(0, WeightInitStd)
	// instead of the He default.
	WeightInitStd float64

	PlannerPolicy PlannerPolicy
	AlgoPref      primitives.AlgoPref
	Update        UpdateRule

	// DeviceBudgetBytes is the accelerator memory ceiling the planner
	// must fit under, persistent parameter tensors included.
	DeviceBudgetBytes uint64

	// Logger defaults to slog.Default. Metrics defaults to a fresh
	// registry; pass one to expose vdnn collectors alongside the host
	// process's own. Clock defaults to the system UTC clock.
	Logger  *slog.Logger
	Metrics *prometheus.Registry
	Clock   clock.Clock
}

func (c *Config) validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("runtime: batch size must be positive, got %d", c.BatchSize)
	}
	if c.DeviceBudgetBytes == 0 {
		return fmt.Errorf("runtime: device budget must be positive")
	}
	if c.Update != SGD {
		return fmt.Errorf("runtime: unsupported update rule %s", c.Update)
	}
	return nil
}
