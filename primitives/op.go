package primitives

import "github.com/muchq/vdnn/tensor"

// Op is the uniform surface every layer kind presents to the registry, so
// the registry can hold a slice of heterogeneous layer kinds behind one
// interface instead of a type switch per call site.
type Op interface {
	// Forward runs the kernel. workspace is nil for ops with no workspace
	// requirement (everything but Convolution).
	Forward(input *tensor.Tensor, workspace *tensor.Tensor, training bool) *tensor.Tensor

	// Backward runs the kernel's gradient computation and accumulates any
	// parameter gradients internally, to be applied by ApplySGD.
	Backward(gradOutput *tensor.Tensor, workspace *tensor.Tensor) *tensor.Tensor

	// ApplySGD performs W -= lr*dW for every parameter tensor and zeroes
	// the accumulator.
	ApplySGD(lr float64)

	Params() []*tensor.Tensor
	Grads() []*tensor.Tensor
	Name() string
}

// WorkspaceOp is implemented by ops whose workspace requirement depends on
// a chosen algorithm; only Convolution qualifies.
type WorkspaceOp interface {
	Op

	// Candidates returns the algorithm choices available for the given
	// direction, given the op's own shape.
	Candidates(direction Direction) []Algorithm

	// LockAlgorithm fixes the algorithm chosen by the planner so Forward/
	// Backward never re-select at run time.
	LockAlgorithm(direction Direction, algo Algorithm)

	// WorkspaceBytes returns the currently locked workspace size for a
	// direction, or 0 if none is locked yet.
	WorkspaceBytes(direction Direction) uint64
}
