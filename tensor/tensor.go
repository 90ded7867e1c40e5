// Package tensor provides the dense numeric buffers shared by the primitive
// engine and the memory planner: a flat float64 backing array with shape and
// stride metadata, plus the handful of linear-algebra operations the layer
// kernels need. It is deliberately small: no autograd, no broadcasting
// beyond what the layers actually use.
package tensor

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Precision is the numeric precision a LayerRegistry is configured with.
// It only affects byte accounting (see Tensor.Bytes); all host-side math is
// carried out in float64 regardless of the configured precision, mirroring
// how a reference implementation would run everything in the CPU's native
// width while still reporting the device footprint a given precision would
// occupy.
type Precision int

const (
	Float32 Precision = iota
	Float64
)

// Size returns the per-element byte width for the precision.
func (p Precision) Size() uint64 {
	if p == Float32 {
		return 4
	}
	return 8
}

func (p Precision) String() string {
	if p == Float32 {
		return "float32"
	}
	return "float64"
}

// Layout is the tensor memory layout the registry was constructed with.
type Layout int

const (
	NCHW Layout = iota
	NHWC
)

func (l Layout) String() string {
	if l == NHWC {
		return "NHWC"
	}
	return "NCHW"
}

// Tensor is a dense N-dimensional array stored row-major in a flat slice.
type Tensor struct {
	Data    []float64
	Shape   []int
	Strides []int
}

// New allocates a zeroed tensor of the given shape.
func New(shape ...int) *Tensor {
	size := 1
	for _, s := range shape {
		size *= s
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}

	return &Tensor{
		Data:    make([]float64, size),
		Shape:   shape,
		Strides: strides,
	}
}

// FromData wraps data in a tensor of the given shape, copying it.
func FromData(data []float64, shape ...int) *Tensor {
	t := New(shape...)
	copy(t.Data, data)
	return t
}

// Elements reports the number of scalar elements the shape implies, without
// allocating a Tensor. Useful for sizing before a real buffer exists.
func Elements(shape ...int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

// Bytes reports the device footprint of a tensor of this shape at the given
// precision, without allocating it.
func Bytes(precision Precision, shape ...int) uint64 {
	return uint64(Elements(shape...)) * precision.Size()
}

func (t *Tensor) Size() int { return len(t.Data) }

// Bytes reports this tensor's device footprint at the given precision.
func (t *Tensor) Bytes(precision Precision) uint64 {
	return uint64(len(t.Data)) * precision.Size()
}

func (t *Tensor) index(indices ...int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("tensor: expected %d indices, got %d", len(t.Shape), len(indices)))
	}
	idx := 0
	for i, v := range indices {
		if v < 0 || v >= t.Shape[i] {
			panic(fmt.Sprintf("tensor: index %d out of bounds [0,%d)", v, t.Shape[i]))
		}
		idx += v * t.Strides[i]
	}
	return idx
}

func (t *Tensor) Get(indices ...int) float64 { return t.Data[t.index(indices...)] }

func (t *Tensor) Set(value float64, indices ...int) { t.Data[t.index(indices...)] = value }

func (t *Tensor) Get4D(n, c, h, w int) float64 {
	return t.Data[n*t.Shape[1]*t.Shape[2]*t.Shape[3]+c*t.Shape[2]*t.Shape[3]+h*t.Shape[3]+w]
}

func (t *Tensor) Set4D(n, c, h, w int, v float64) {
	t.Data[n*t.Shape[1]*t.Shape[2]*t.Shape[3]+c*t.Shape[2]*t.Shape[3]+h*t.Shape[3]+w] = v
}

func (t *Tensor) Reshape(shape ...int) *Tensor {
	size := Elements(shape...)
	if size != len(t.Data) {
		panic(fmt.Sprintf("tensor: cannot reshape size %d to shape %v", len(t.Data), shape))
	}
	return FromData(t.Data, shape...)
}

func (t *Tensor) Copy() *Tensor {
	data := make([]float64, len(t.Data))
	copy(data, t.Data)
	return &Tensor{Data: data, Shape: append([]int{}, t.Shape...), Strides: append([]int{}, t.Strides...)}
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Add returns t+other, broadcasting a trailing-dimension vector (bias) across
// the leading dimensions when shapes don't match exactly.
func (t *Tensor) Add(other *Tensor) *Tensor {
	if shapeEqual(t.Shape, other.Shape) {
		result := t.Copy()
		floats.Add(result.Data, other.Data)
		return result
	}
	if len(other.Shape) == 1 && other.Shape[0] == t.Shape[len(t.Shape)-1] {
		result := t.Copy()
		last := t.Shape[len(t.Shape)-1]
		for i := range result.Data {
			result.Data[i] += other.Data[i%last]
		}
		return result
	}
	panic(fmt.Sprintf("tensor: shapes must match or broadcast for add: %v and %v", t.Shape, other.Shape))
}

func (t *Tensor) Sub(other *Tensor) *Tensor {
	if !shapeEqual(t.Shape, other.Shape) {
		panic(fmt.Sprintf("tensor: shapes must match for sub: %v and %v", t.Shape, other.Shape))
	}
	result := t.Copy()
	floats.Sub(result.Data, other.Data)
	return result
}

func (t *Tensor) Mul(other *Tensor) *Tensor {
	if !shapeEqual(t.Shape, other.Shape) {
		panic(fmt.Sprintf("tensor: shapes must match for mul: %v and %v", t.Shape, other.Shape))
	}
	result := t.Copy()
	floats.Mul(result.Data, other.Data)
	return result
}

func (t *Tensor) Scale(scalar float64) *Tensor {
	result := t.Copy()
	floats.Scale(scalar, result.Data)
	return result
}

// MatMul supports 2D x 2D multiplication, using gonum for the actual GEMM.
func (t *Tensor) MatMul(other *Tensor) *Tensor {
	if len(t.Shape) != 2 || len(other.Shape) != 2 {
		panic(fmt.Sprintf("tensor: matmul requires 2D tensors, got %v and %v", t.Shape, other.Shape))
	}
	if t.Shape[1] != other.Shape[0] {
		panic(fmt.Sprintf("tensor: incompatible shapes for matmul: %v and %v", t.Shape, other.Shape))
	}
	m, k, n := t.Shape[0], t.Shape[1], other.Shape[1]
	a := mat.NewDense(m, k, t.Data)
	b := mat.NewDense(k, n, other.Data)
	c := mat.NewDense(m, n, nil)
	c.Mul(a, b)
	result := New(m, n)
	copy(result.Data, c.RawMatrix().Data)
	return result
}

func (t *Tensor) Transpose() *Tensor {
	if len(t.Shape) != 2 {
		panic("tensor: transpose requires a 2D tensor")
	}
	m := mat.NewDense(t.Shape[0], t.Shape[1], t.Data)
	transposed := mat.DenseCopyOf(m.T())
	result := New(t.Shape[1], t.Shape[0])
	copy(result.Data, transposed.RawMatrix().Data)
	return result
}

// TransposeAxes permutes the axes of a 4D tensor.
func (t *Tensor) TransposeAxes(a0, a1, a2, a3 int) *Tensor {
	if len(t.Shape) != 4 {
		panic(fmt.Sprintf("tensor: TransposeAxes requires 4D tensor, got %v", t.Shape))
	}
	axes := [4]int{a0, a1, a2, a3}
	newShape := []int{t.Shape[axes[0]], t.Shape[axes[1]], t.Shape[axes[2]], t.Shape[axes[3]]}
	result := New(newShape...)

	oldStrides := t.Strides
	newStrides := result.Strides

	for i0 := 0; i0 < t.Shape[0]; i0++ {
		for i1 := 0; i1 < t.Shape[1]; i1++ {
			for i2 := 0; i2 < t.Shape[2]; i2++ {
				for i3 := 0; i3 < t.Shape[3]; i3++ {
					old := [4]int{i0, i1, i2, i3}
					oldIdx := old[0]*oldStrides[0] + old[1]*oldStrides[1] + old[2]*oldStrides[2] + old[3]*oldStrides[3]
					newIdx := old[axes[0]]*newStrides[0] + old[axes[1]]*newStrides[1] + old[axes[2]]*newStrides[2] + old[axes[3]]*newStrides[3]
					result.Data[newIdx] = t.Data[oldIdx]
				}
			}
		}
	}
	return result
}

func (t *Tensor) Sum() float64 { return floats.Sum(t.Data) }

func (t *Tensor) Mean() float64 { return t.Sum() / float64(len(t.Data)) }

func (t *Tensor) Apply(fn func(float64) float64) *Tensor {
	result := t.Copy()
	for i := range result.Data {
		result.Data[i] = fn(result.Data[i])
	}
	return result
}

// FillNormal overwrites the tensor with samples from N(0, std).
func (t *Tensor) FillNormal(rng *rand.Rand, std float64) {
	for i := range t.Data {
		t.Data[i] = rng.NormFloat64() * std
	}
}

// HeInit fills a tensor with He-initialized weights (std = sqrt(2/fanIn)),
// suited to ReLU-activated layers; fanIn is the number of inputs contributing
// to a single output element (in-channels * kernel elements for conv, input
// width for dense).
func HeInit(rng *rand.Rand, fanIn int, shape ...int) *Tensor {
	t := New(shape...)
	std := 0.0
	if fanIn > 0 {
		std = math.Sqrt(2.0 / float64(fanIn))
	}
	for i := range t.Data {
		t.Data[i] = rng.NormFloat64() * std
	}
	return t
}
