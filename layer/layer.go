package layer

import (
	"fmt"
	"slices"

	"github.com/chewxy/math32"
	"github.com/sw965/raven/blas32/tensor/2d"
	"github.com/sw965/raven/blas32/tensor/3d"
	"github.com/sw965/raven/blas32/tensor/4d"
	"github.com/sw965/raven/blas32/vector"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

type Parameter struct {
	Filter     tensor4d.General
	FilterBias blas32.Vector
	Weight     blas32.General
	Bias       blas32.Vector
}

func (p *Parameter) NewGradZerosLike() GradBuffer {
	g := GradBuffer{}
	if p.Filter.Batches != 0 {
		g.Filter = tensor4d.NewZerosLike(p.Filter)
	}
	if p.FilterBias.N != 0 {
		g.FilterBias = vector.NewZerosLike(p.FilterBias)
	}
	if p.Weight.Rows != 0 {
		g.Weight = tensor2d.NewZerosLike(p.Weight)
	}
	if p.Bias.N != 0 {
		g.Bias = vector.NewZerosLike(p.Bias)
	}
	return g
}

func (p *Parameter) Clone() Parameter {
	return Parameter{
		Filter:     p.Filter.Clone(),
		FilterBias: vector.Clone(p.FilterBias),
		Weight:     tensor2d.Clone(p.Weight),
		Bias:       vector.Clone(p.Bias),
	}
}

func (p *Parameter) AxpyGrad(alpha float32, grad *GradBuffer) {
	if p.Filter.Batches != 0 {
		blas32.Axpy(alpha, grad.Filter.ToVector(), p.Filter.ToVector())
	}
	if p.FilterBias.N != 0 {
		blas32.Axpy(alpha, grad.FilterBias, p.FilterBias)
	}
	if p.Weight.Rows != 0 {
		tensor2d.Axpy(alpha, grad.Weight, p.Weight)
	}
	if p.Bias.N != 0 {
		blas32.Axpy(alpha, grad.Bias, p.Bias)
	}
}

type Parameters []Parameter

func (ps Parameters) Clone() Parameters {
	clone := make(Parameters, len(ps))
	for i, p := range ps {
		clone[i] = p.Clone()
	}
	return clone
}

func (ps Parameters) NewGradsZerosLike() GradBuffers {
	grads := make(GradBuffers, len(ps))
	for i, p := range ps {
		grads[i] = p.NewGradZerosLike()
	}
	return grads
}

func (ps Parameters) AxpyGrads(alpha float32, grads GradBuffers) {
	for i := range ps {
		ps[i].AxpyGrad(alpha, &grads[i])
	}
}

type GradBuffer struct {
	Filter     tensor4d.General
	FilterBias blas32.Vector
	Weight     blas32.General
	Bias       blas32.Vector
}

func (g *GradBuffer) NewZerosLike() GradBuffer {
	zeros := GradBuffer{}
	if g.Filter.Batches != 0 {
		zeros.Filter = tensor4d.NewZerosLike(g.Filter)
	}
	if g.FilterBias.N != 0 {
		zeros.FilterBias = vector.NewZerosLike(g.FilterBias)
	}
	if g.Weight.Rows != 0 {
		zeros.Weight = tensor2d.NewZerosLike(g.Weight)
	}
	if g.Bias.N != 0 {
		zeros.Bias = vector.NewZerosLike(g.Bias)
	}
	return zeros
}

func (g GradBuffer) Clone() GradBuffer {
	return GradBuffer{
		Filter:     g.Filter.Clone(),
		FilterBias: vector.Clone(g.FilterBias),
		Weight:     tensor2d.Clone(g.Weight),
		Bias:       vector.Clone(g.Bias),
	}
}

func (g *GradBuffer) Axpy(alpha float32, x *GradBuffer) {
	if x.Filter.Batches != 0 {
		blas32.Axpy(alpha, x.Filter.ToVector(), g.Filter.ToVector())
	}
	if x.FilterBias.N != 0 {
		blas32.Axpy(alpha, x.FilterBias, g.FilterBias)
	}
	if x.Weight.Rows != 0 {
		tensor2d.Axpy(alpha, x.Weight, g.Weight)
	}
	if x.Bias.N != 0 {
		blas32.Axpy(alpha, x.Bias, g.Bias)
	}
}

func (g *GradBuffer) Scal(alpha float32) {
	if g.Filter.Batches != 0 {
		blas32.Scal(alpha, g.Filter.ToVector())
	}
	if g.FilterBias.N != 0 {
		blas32.Scal(alpha, g.FilterBias)
	}
	if g.Weight.Rows != 0 {
		tensor2d.Scal(alpha, g.Weight)
	}
	if g.Bias.N != 0 {
		blas32.Scal(alpha, g.Bias)
	}
}

func (g *GradBuffer) IsFinite() bool {
	for _, data := range [][]float32{g.Filter.Data, g.FilterBias.Data, g.Weight.Data, g.Bias.Data} {
		for _, e := range data {
			if math32.IsNaN(e) || math32.IsInf(e, 0) {
				return false
			}
		}
	}
	return true
}

type GradBuffers []GradBuffer

func (gs GradBuffers) NewZerosLike() GradBuffers {
	zeros := make(GradBuffers, len(gs))
	for i, g := range gs {
		zeros[i] = g.NewZerosLike()
	}
	return zeros
}

func (gs GradBuffers) Clone() GradBuffers {
	clone := make(GradBuffers, len(gs))
	for i, g := range gs {
		clone[i] = g.Clone()
	}
	return clone
}

func (gs GradBuffers) Axpy(alpha float32, xs GradBuffers) {
	for i := range gs {
		gs[i].Axpy(alpha, &xs[i])
	}
}

func (gs GradBuffers) Scal(alpha float32) {
	for i := range gs {
		gs[i].Scal(alpha)
	}
}

func (gs GradBuffers) IsFinite() bool {
	for i := range gs {
		if !gs[i].IsFinite() {
			return false
		}
	}
	return true
}

type Forward func(tensor3d.General, *Parameter) (tensor3d.General, Backward, error)
type Forwards []Forward

func (fs Forwards) Propagate(x tensor3d.General, params Parameters) (tensor3d.General, Backwards, error) {
	if len(fs) != len(params) {
		return tensor3d.General{}, nil, fmt.Errorf("forwards/parameters size mismatch: %d vs %d", len(fs), len(params))
	}
	var err error
	var backward Backward
	backwards := make(Backwards, len(fs))
	for i, f := range fs {
		x, backward, err = f(x, &params[i])
		if err != nil {
			return tensor3d.General{}, nil, err
		}
		backwards[i] = backward
	}
	y := x
	slices.Reverse(backwards)
	return y, backwards, nil
}

type Backward func(tensor3d.General) (tensor3d.General, GradBuffer, error)
type Backwards []Backward

func (bs Backwards) Propagate(chain tensor3d.General) (tensor3d.General, GradBuffers, error) {
	grads := make(GradBuffers, len(bs))
	var grad GradBuffer
	var err error
	for i, b := range bs {
		chain, grad, err = b(chain)
		if err != nil {
			return tensor3d.General{}, nil, err
		}
		grads[i] = grad
	}
	dx := chain
	slices.Reverse(grads)
	return dx, grads, nil
}

// dotResultToImage reshapes a (outRows·outCols × outChs) GEMM result
// into a (outChs, outRows, outCols) feature map.
func dotResultToImage(result blas32.General, outRows, outCols int) tensor3d.General {
	img := tensor3d.NewZeros(result.Cols, outRows, outCols)
	for row := 0; row < outRows; row++ {
		for col := 0; col < outCols; col++ {
			base := (row*outCols + col) * result.Stride
			for ch := 0; ch < result.Cols; ch++ {
				img.Data[img.At(ch, row, col)] = result.Data[base+ch]
			}
		}
	}
	return img
}

func imageToDotResult(img tensor3d.General) blas32.General {
	result := tensor2d.NewZeros(img.Rows*img.Cols, img.Channels)
	for row := 0; row < img.Rows; row++ {
		for col := 0; col < img.Cols; col++ {
			base := (row*img.Cols + col) * result.Stride
			for ch := 0; ch < img.Channels; ch++ {
				result.Data[base+ch] = img.Data[img.At(ch, row, col)]
			}
		}
	}
	return result
}

// NewConv2DForward builds a stride-1 convolution layer. The padding
// amounts are fixed at construction; with same-padding they keep the
// output spatial size equal to the input's.
func NewConv2DForward(padRows, padCols int) Forward {
	return func(x tensor3d.General, param *Parameter) (tensor3d.General, Backward, error) {
		f := param.Filter
		if x.Channels != f.Channels {
			return tensor3d.General{}, nil, fmt.Errorf("channel count mismatch: input has %d, filter expects %d", x.Channels, f.Channels)
		}
		if f.Batches != param.FilterBias.N {
			return tensor3d.General{}, nil, fmt.Errorf("filter/bias size mismatch: %d vs %d", f.Batches, param.FilterBias.N)
		}

		padded := x.ZeroPadding2D(padRows, padRows, padCols, padCols)
		col := padded.Im2Col(f.Rows, f.Cols)
		fGen := f.ToGeneral2D()

		outRows := padded.ConvOutputRows(f.Rows)
		outCols := padded.ConvOutputCols(f.Cols)

		dot := tensor2d.NewZeros(col.Rows, f.Batches)
		// チャネル毎に加算する
		for row := 0; row < dot.Rows; row++ {
			base := row * dot.Stride
			for c := 0; c < dot.Cols; c++ {
				dot.Data[base+c] = param.FilterBias.Data[c]
			}
		}
		blas32.Gemm(blas.NoTrans, blas.Trans, 1.0, col, fGen, 1.0, dot)
		y := dotResultToImage(dot, outRows, outCols)

		var backward Backward
		backward = func(chain tensor3d.General) (tensor3d.General, GradBuffer, error) {
			chainMat := imageToDotResult(chain)

			// ∂L/∂filter
			dFilter := tensor2d.Dot(blas.Trans, blas.NoTrans, chainMat, col)
			gradFilter := tensor4d.NewZerosLike(f)
			copy(gradFilter.Data, dFilter.Data)

			// ∂L/∂bias
			gradBias := tensor2d.Sum0(chainMat)

			// ∂L/∂x
			dCol := tensor2d.Dot(blas.NoTrans, blas.NoTrans, chainMat, fGen)
			dPadded := tensor2d.Col2Im(dCol, tensor3d.NewZerosLike(padded), f.Rows, f.Cols)
			dx := dPadded.Crop2D(padRows, padRows, padCols, padCols)

			grad := GradBuffer{
				Filter:     gradFilter,
				FilterBias: gradBias,
			}
			return dx, grad, nil
		}
		return y, backward, nil
	}
}

func ReLUForward(x tensor3d.General, _ *Parameter) (tensor3d.General, Backward, error) {
	y := tensor3d.NewZerosLike(x)
	for i, e := range x.Data {
		if e > 0 {
			y.Data[i] = e
		}
	}

	var backward Backward
	backward = func(chain tensor3d.General) (tensor3d.General, GradBuffer, error) {
		dx := tensor3d.NewZerosLike(x)
		for i, e := range x.Data {
			if e > 0 {
				dx.Data[i] = chain.Data[i]
			}
		}
		return dx, GradBuffer{}, nil
	}
	return y, backward, nil
}

// MaxPool2DForward reduces each non-overlapping 2×2 window to its
// maximum, halving both spatial dimensions.
func MaxPool2DForward(x tensor3d.General, _ *Parameter) (tensor3d.General, Backward, error) {
	if x.Rows%2 != 0 || x.Cols%2 != 0 {
		return tensor3d.General{}, nil, fmt.Errorf("spatial size (%d, %d) is not divisible by 2", x.Rows, x.Cols)
	}

	y := tensor3d.NewZeros(x.Channels, x.Rows/2, x.Cols/2)
	argmax := make([]int, y.N())
	for ch := 0; ch < x.Channels; ch++ {
		for or := 0; or < y.Rows; or++ {
			for oc := 0; oc < y.Cols; oc++ {
				maxIdx := x.At(ch, or*2, oc*2)
				maxV := x.Data[maxIdx]
				for fr := 0; fr < 2; fr++ {
					for fc := 0; fc < 2; fc++ {
						idx := x.At(ch, or*2+fr, oc*2+fc)
						if x.Data[idx] > maxV {
							maxV = x.Data[idx]
							maxIdx = idx
						}
					}
				}
				outIdx := y.At(ch, or, oc)
				y.Data[outIdx] = maxV
				argmax[outIdx] = maxIdx
			}
		}
	}

	var backward Backward
	backward = func(chain tensor3d.General) (tensor3d.General, GradBuffer, error) {
		dx := tensor3d.NewZerosLike(x)
		for outIdx, srcIdx := range argmax {
			dx.Data[srcIdx] += chain.Data[outIdx]
		}
		return dx, GradBuffer{}, nil
	}
	return y, backward, nil
}

func FlattenForward(x tensor3d.General, _ *Parameter) (tensor3d.General, Backward, error) {
	flat := x.Flatten()
	y := tensor3d.General{
		Channels:      1,
		Rows:          1,
		Cols:          flat.N,
		ChannelStride: flat.N,
		RowStride:     flat.N,
		Data:          flat.Data,
	}

	var backward Backward
	backward = func(chain tensor3d.General) (tensor3d.General, GradBuffer, error) {
		dx := tensor3d.NewZerosLike(x)
		copy(dx.Data, chain.Data)
		return dx, GradBuffer{}, nil
	}
	return y, backward, nil
}

func AffineForward(x tensor3d.General, param *Parameter) (tensor3d.General, Backward, error) {
	if x.N() != param.Weight.Rows {
		return tensor3d.General{}, nil, fmt.Errorf("feature size mismatch: input has %d, weight expects %d", x.N(), param.Weight.Rows)
	}

	xv := x.ToVector()
	yv := vector.Affine(xv, param.Weight, param.Bias)
	y := tensor3d.General{
		Channels:      1,
		Rows:          1,
		Cols:          yv.N,
		ChannelStride: yv.N,
		RowStride:     yv.N,
		Data:          yv.Data,
	}

	var backward Backward
	backward = func(chain tensor3d.General) (tensor3d.General, GradBuffer, error) {
		chainV := chain.ToVector()

		// ∂L/∂x
		dxv := vector.NewZeros(param.Weight.Rows)
		blas32.Gemv(blas.NoTrans, 1.0, param.Weight, chainV, 1.0, dxv)
		dx := tensor3d.NewZerosLike(x)
		copy(dx.Data, dxv.Data)

		// ∂L/∂w
		dw := tensor2d.NewZerosLike(param.Weight)
		blas32.Ger(1.0, xv, chainV, dw)

		// ∂L/∂b
		db := vector.Clone(chainV)

		grad := GradBuffer{
			Weight: dw,
			Bias:   db,
		}
		return dx, grad, nil
	}
	return y, backward, nil
}
