package tensor

import "fmt"

// PaddingType selects how Conv2D computes its output spatial size.
type PaddingType int

const (
	PaddingValid PaddingType = iota
	PaddingSame
)

// CalculateConvOutputSize returns the output dimension for a single spatial
// axis given input size, kernel size, stride and padding applied on both
// sides of that axis.
func CalculateConvOutputSize(inputSize, kernelSize, stride, padding int) int {
	return (inputSize+2*padding-kernelSize)/stride + 1
}

// CalculateSamePaddingAsymmetric returns the (before, after) padding needed
// on one axis so that PaddingSame produces ceil(inputSize/stride) outputs,
// splitting any odd remainder onto the trailing edge.
func CalculateSamePaddingAsymmetric(inputSize, kernelSize, stride int) (before, after int) {
	outSize := (inputSize + stride - 1) / stride
	totalPad := (outSize-1)*stride + kernelSize - inputSize
	if totalPad < 0 {
		totalPad = 0
	}
	before = totalPad / 2
	after = totalPad - before
	return before, after
}

// Pad2D applies symmetric zero padding to the H,W axes of an NCHW tensor.
func Pad2D(t *Tensor, padH, padW int) *Tensor {
	return Pad2DAsymmetric(t, padH, padH, padW, padW)
}

// Pad2DAsymmetric applies independent leading/trailing zero padding to the
// H,W axes of an NCHW tensor.
func Pad2DAsymmetric(t *Tensor, padTop, padBottom, padLeft, padRight int) *Tensor {
	if len(t.Shape) != 4 {
		panic(fmt.Sprintf("tensor: Pad2D requires 4D NCHW tensor, got %v", t.Shape))
	}
	n, c, h, w := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
	outH, outW := h+padTop+padBottom, w+padLeft+padRight
	result := New(n, c, outH, outW)
	for ni := 0; ni < n; ni++ {
		for ci := 0; ci < c; ci++ {
			for hi := 0; hi < h; hi++ {
				for wi := 0; wi < w; wi++ {
					result.Set4D(ni, ci, hi+padTop, wi+padLeft, t.Get4D(ni, ci, hi, wi))
				}
			}
		}
	}
	return result
}

// Im2Col unrolls an NCHW input tensor into a 2D matrix of shape
// (N*outH*outW, C*kernelH*kernelW) suitable for expressing convolution as a
// single matrix multiply, using symmetric padding.
func Im2Col(t *Tensor, kernelH, kernelW, stride, padH, padW int) *Tensor {
	return Im2ColAsymmetric(t, kernelH, kernelW, stride, padH, padH, padW, padW)
}

// Im2ColAsymmetric is Im2Col with independent leading/trailing padding.
func Im2ColAsymmetric(t *Tensor, kernelH, kernelW, stride, padTop, padBottom, padLeft, padRight int) *Tensor {
	if len(t.Shape) != 4 {
		panic(fmt.Sprintf("tensor: Im2Col requires 4D NCHW tensor, got %v", t.Shape))
	}
	padded := Pad2DAsymmetric(t, padTop, padBottom, padLeft, padRight)
	n, c, h, w := padded.Shape[0], padded.Shape[1], padded.Shape[2], padded.Shape[3]

	outH := (h-kernelH)/stride + 1
	outW := (w-kernelW)/stride + 1
	cols := c * kernelH * kernelW
	rows := n * outH * outW

	result := New(rows, cols)
	row := 0
	for ni := 0; ni < n; ni++ {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				col := 0
				for ci := 0; ci < c; ci++ {
					for kh := 0; kh < kernelH; kh++ {
						for kw := 0; kw < kernelW; kw++ {
							v := padded.Get4D(ni, ci, oh*stride+kh, ow*stride+kw)
							result.Set(v, row, col)
							col++
						}
					}
				}
				row++
			}
		}
	}
	return result
}

// Col2Im is the adjoint of Im2Col: it scatter-accumulates a (N*outH*outW,
// C*kernelH*kernelW) gradient matrix back into an NCHW tensor of the given
// shape, using symmetric padding.
func Col2Im(cols *Tensor, n, c, h, w, kernelH, kernelW, stride, padH, padW int) *Tensor {
	return Col2ImAsymmetric(cols, n, c, h, w, kernelH, kernelW, stride, padH, padH, padW, padW)
}

// Col2ImAsymmetric is Col2Im with independent leading/trailing padding.
func Col2ImAsymmetric(cols *Tensor, n, c, h, w, kernelH, kernelW, stride, padTop, padBottom, padLeft, padRight int) *Tensor {
	paddedH := h + padTop + padBottom
	paddedW := w + padLeft + padRight
	outH := (paddedH-kernelH)/stride + 1
	outW := (paddedW-kernelW)/stride + 1

	padded := New(n, c, paddedH, paddedW)
	row := 0
	for ni := 0; ni < n; ni++ {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				col := 0
				for ci := 0; ci < c; ci++ {
					for kh := 0; kh < kernelH; kh++ {
						for kw := 0; kw < kernelW; kw++ {
							v := cols.Get(row, col)
							ph, pw := oh*stride+kh, ow*stride+kw
							padded.Set4D(ni, ci, ph, pw, padded.Get4D(ni, ci, ph, pw)+v)
							col++
						}
					}
				}
				row++
			}
		}
	}

	result := New(n, c, h, w)
	for ni := 0; ni < n; ni++ {
		for ci := 0; ci < c; ci++ {
			for hi := 0; hi < h; hi++ {
				for wi := 0; wi < w; wi++ {
					result.Set4D(ni, ci, hi, wi, padded.Get4D(ni, ci, hi+padTop, wi+padLeft))
				}
			}
		}
	}
	return result
}

// MaxPool2DIndices runs a max-pool over the H,W axes of an NCHW tensor and
// returns the pooled output along with the flat source index each output
// element was drawn from, so Backward can route gradients without
// recomputing the pooling.
func MaxPool2DIndices(t *Tensor, poolH, poolW, stride int) (*Tensor, []int) {
	if len(t.Shape) != 4 {
		panic(fmt.Sprintf("tensor: MaxPool2D requires 4D NCHW tensor, got %v", t.Shape))
	}
	n, c, h, w := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
	outH := CalculateConvOutputSize(h, poolH, stride, 0)
	outW := CalculateConvOutputSize(w, poolW, stride, 0)

	result := New(n, c, outH, outW)
	indices := make([]int, n*c*outH*outW)
	idx := 0
	for ni := 0; ni < n; ni++ {
		for ci := 0; ci < c; ci++ {
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					maxVal := t.Get4D(ni, ci, oh*stride, ow*stride)
					maxIdx := ni*c*h*w + ci*h*w + (oh*stride)*w + ow*stride
					for ph := 0; ph < poolH; ph++ {
						for pw := 0; pw < poolW; pw++ {
							hi, wi := oh*stride+ph, ow*stride+pw
							v := t.Get4D(ni, ci, hi, wi)
							if v > maxVal {
								maxVal = v
								maxIdx = ni*c*h*w + ci*h*w + hi*w + wi
							}
						}
					}
					result.Set4D(ni, ci, oh, ow, maxVal)
					indices[idx] = maxIdx
					idx++
				}
			}
		}
	}
	return result, indices
}
