package primitives

import (
	"fmt"
	"math/rand"

	"github.com/muchq/vdnn/tensor"
)

// Conv performs 2D convolution expressed as Im2Col + matmul, with
// algorithm-selection workspace accounting layered on top. The numeric
// kernel is always Im2Col+MatMul regardless of which algorithm index is
// nominally selected; the algorithm choice exists for workspace sizing.
type Conv struct {
	InChannels  int
	OutChannels int
	KernelH     int
	KernelW     int
	Stride      int
	Padding     tensor.PaddingType
	UseBias     bool

	weights *tensor.Tensor
	bias    *tensor.Tensor

	input       *tensor.Tensor
	colInput    *tensor.Tensor
	gradWeights *tensor.Tensor
	gradBias    *tensor.Tensor
	padTop, padBottom, padLeft, padRight int

	fwdAlgo       Algorithm
	bwdFilterAlgo Algorithm
	bwdDataAlgo   Algorithm
	fwdLocked, bwdFilterLocked, bwdDataLocked bool
}

// NewConv constructs a Conv layer with He-initialized weights.
func NewConv(rng *rand.Rand, inChannels, outChannels, kernelH, kernelW, stride int, padding tensor.PaddingType, useBias bool) *Conv {
	c := &Conv{
		InChannels:  inChannels,
		OutChannels: outChannels,
		KernelH:     kernelH,
		KernelW:     kernelW,
		Stride:      stride,
		Padding:     padding,
		UseBias:     useBias,
	}

	fanIn := inChannels * kernelH * kernelW
	c.weights = tensor.HeInit(rng, fanIn, outChannels, inChannels, kernelH, kernelW)
	c.gradWeights = tensor.New(outChannels, inChannels, kernelH, kernelW)
	if useBias {
		c.bias = tensor.New(outChannels)
		c.gradBias = tensor.New(outChannels)
	}
	return c
}

func (c *Conv) Forward(input *tensor.Tensor, workspace *tensor.Tensor, training bool) *tensor.Tensor {
	if len(input.Shape) != 4 {
		panic(fmt.Sprintf("primitives: Conv expects 4D input, got %v", input.Shape))
	}
	c.input = input

	batch, height, width := input.Shape[0], input.Shape[2], input.Shape[3]

	c.padTop, c.padBottom, c.padLeft, c.padRight = 0, 0, 0, 0
	if c.Padding == tensor.PaddingSame {
		c.padTop, c.padBottom = tensor.CalculateSamePaddingAsymmetric(height, c.KernelH, c.Stride)
		c.padLeft, c.padRight = tensor.CalculateSamePaddingAsymmetric(width, c.KernelW, c.Stride)
	}

	c.colInput = tensor.Im2ColAsymmetric(input, c.KernelH, c.KernelW, c.Stride, c.padTop, c.padBottom, c.padLeft, c.padRight)
	weightMatrix := c.weights.Reshape(c.OutChannels, c.InChannels*c.KernelH*c.KernelW)
	colOutput := c.colInput.MatMul(weightMatrix.Transpose())
	if c.UseBias {
		// colOutput is (batch*outH*outW, OutChannels), so the per-channel
		// bias broadcasts along its trailing axis.
		colOutput = colOutput.Add(c.bias)
	}

	paddedHeight := height + c.padTop + c.padBottom
	paddedWidth := width + c.padLeft + c.padRight
	outH := tensor.CalculateConvOutputSize(paddedHeight, c.KernelH, c.Stride, 0)
	outW := tensor.CalculateConvOutputSize(paddedWidth, c.KernelW, c.Stride, 0)

	output := colOutput.Reshape(batch, outH, outW, c.OutChannels)
	output = output.TransposeAxes(0, 3, 1, 2)
	return output
}

func (c *Conv) Backward(gradOutput *tensor.Tensor, workspace *tensor.Tensor) *tensor.Tensor {
	if c.input == nil {
		panic("primitives: Conv Backward called before Forward")
	}
	batch := c.input.Shape[0]
	height, width := c.input.Shape[2], c.input.Shape[3]
	outH, outW := gradOutput.Shape[2], gradOutput.Shape[3]

	if c.UseBias {
		for b := 0; b < batch; b++ {
			for oc := 0; oc < c.OutChannels; oc++ {
				for h := 0; h < outH; h++ {
					for w := 0; w < outW; w++ {
						c.gradBias.Data[oc] += gradOutput.Get4D(b, oc, h, w)
					}
				}
			}
		}
	}

	gradCol := gradOutput.TransposeAxes(0, 2, 3, 1).Reshape(batch*outH*outW, c.OutChannels)

	gradWeightMatrix := gradCol.Transpose().MatMul(c.colInput)
	gradWeightReshaped := gradWeightMatrix.Reshape(c.OutChannels, c.InChannels, c.KernelH, c.KernelW)
	for i := range c.gradWeights.Data {
		c.gradWeights.Data[i] += gradWeightReshaped.Data[i]
	}

	weightMatrix := c.weights.Reshape(c.OutChannels, c.InChannels*c.KernelH*c.KernelW)
	gradColInput := gradCol.MatMul(weightMatrix)

	return tensor.Col2ImAsymmetric(gradColInput, batch, c.InChannels, height, width,
		c.KernelH, c.KernelW, c.Stride, c.padTop, c.padBottom, c.padLeft, c.padRight)
}

func (c *Conv) ApplySGD(lr float64) {
	for i := range c.weights.Data {
		c.weights.Data[i] -= lr * c.gradWeights.Data[i]
		c.gradWeights.Data[i] = 0
	}
	if c.UseBias {
		for i := range c.bias.Data {
			c.bias.Data[i] -= lr * c.gradBias.Data[i]
			c.gradBias.Data[i] = 0
		}
	}
}

func (c *Conv) Params() []*tensor.Tensor {
	if c.UseBias {
		return []*tensor.Tensor{c.weights, c.bias}
	}
	return []*tensor.Tensor{c.weights}
}

func (c *Conv) Grads() []*tensor.Tensor {
	if c.UseBias {
		return []*tensor.Tensor{c.gradWeights, c.gradBias}
	}
	return []*tensor.Tensor{c.gradWeights}
}

func (c *Conv) Name() string {
	return fmt.Sprintf("Conv(in=%d,out=%d,kernel=%dx%d,stride=%d)", c.InChannels, c.OutChannels, c.KernelH, c.KernelW, c.Stride)
}

// Candidates returns three synthetic algorithm variants per direction,
// ordered fastest-to-slowest: a "full" algorithm whose workspace is the size
// of the filter matrix (out*in*kernelH*kernelW elements, or
// in*kernelH*kernelW for backward-data, at 4 bytes each; fastest, most
// memory), a "tiled" algorithm at half that footprint, and a "minimal"
// algorithm at one eighth of it (slowest, least memory). This models a real
// primitive library's tradeoff between im2col-backed GEMM variants without
// claiming any particular vendor's actual algorithm identifiers.
func (c *Conv) Candidates(direction Direction) []Algorithm {
	full := tensor.Bytes(tensor.Float32, c.OutChannels*c.InChannels*c.KernelH*c.KernelW)
	if direction == DirBackwardData {
		full = tensor.Bytes(tensor.Float32, c.InChannels*c.KernelH*c.KernelW)
	}
	return []Algorithm{
		{ID: 0, SpeedRank: 0, WorkspaceBytes: full},
		{ID: 1, SpeedRank: 1, WorkspaceBytes: full / 2},
		{ID: 2, SpeedRank: 2, WorkspaceBytes: full / 8},
	}
}

func (c *Conv) LockAlgorithm(direction Direction, algo Algorithm) {
	switch direction {
	case DirForward:
		c.fwdAlgo, c.fwdLocked = algo, true
	case DirBackwardFilter:
		c.bwdFilterAlgo, c.bwdFilterLocked = algo, true
	case DirBackwardData:
		c.bwdDataAlgo, c.bwdDataLocked = algo, true
	}
}

func (c *Conv) WorkspaceBytes(direction Direction) uint64 {
	switch direction {
	case DirForward:
		if c.fwdLocked {
			return c.fwdAlgo.WorkspaceBytes
		}
	case DirBackwardFilter:
		if c.bwdFilterLocked {
			return c.bwdFilterAlgo.WorkspaceBytes
		}
	case DirBackwardData:
		if c.bwdDataLocked {
			return c.bwdDataAlgo.WorkspaceBytes
		}
	}
	return 0
}

// BackwardWorkspaceBytes returns the larger of the backward-filter and
// backward-data workspaces: one allocation serves both backward calls.
func (c *Conv) BackwardWorkspaceBytes() uint64 {
	f, d := c.WorkspaceBytes(DirBackwardFilter), c.WorkspaceBytes(DirBackwardData)
	if f > d {
		return f
	}
	return d
}
