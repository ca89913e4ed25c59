package tensor2d

import (
	"math"
	"math/rand"
	"slices"

	"github.com/sw965/raven/blas32/tensor/3d"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func NewZeros(rows, cols int) blas32.General {
	return blas32.General{
		Rows:   rows,
		Cols:   cols,
		Stride: cols,
		Data:   make([]float32, rows*cols),
	}
}

func NewZerosLike(gen blas32.General) blas32.General {
	return NewZeros(gen.Rows, gen.Cols)
}

func NewHe(rows, cols int, rng *rand.Rand) blas32.General {
	gen := NewZeros(rows, cols)
	fanIn := float64(rows)
	std := math.Sqrt(2.0 / fanIn)
	for i := range gen.Data {
		gen.Data[i] = float32(rng.NormFloat64() * std)
	}
	return gen
}

func N(gen blas32.General) int {
	return gen.Rows * gen.Cols
}

func Clone(gen blas32.General) blas32.General {
	return blas32.General{
		Rows:   gen.Rows,
		Cols:   gen.Cols,
		Stride: gen.Stride,
		Data:   slices.Clone(gen.Data),
	}
}

func At(gen blas32.General, row, col int) int {
	return row*gen.Stride + col
}

func ToVector(gen blas32.General) blas32.Vector {
	return blas32.Vector{
		N:    N(gen),
		Inc:  1,
		Data: gen.Data,
	}
}

func Scal(alpha float32, gen blas32.General) {
	vec := ToVector(gen)
	blas32.Scal(alpha, vec)
}

func Axpy(alpha float32, x, y blas32.General) {
	xv := ToVector(x)
	yv := ToVector(y)
	blas32.Axpy(alpha, xv, yv)
}

func Sum0(gen blas32.General) blas32.Vector {
	sums := make([]float32, gen.Cols)
	for c := 0; c < gen.Cols; c++ {
		var sum float32
		for r := 0; r < gen.Rows; r++ {
			idx := At(gen, r, c)
			sum += gen.Data[idx]
		}
		sums[c] = sum
	}

	return blas32.Vector{
		N:    gen.Cols,
		Inc:  1,
		Data: sums,
	}
}

func Dot(tA, tB blas.Transpose, a, b blas32.General) blas32.General {
	yRows := a.Rows
	if tA == blas.Trans {
		yRows = a.Cols
	}
	yCols := b.Cols
	if tB == blas.Trans {
		yCols = b.Rows
	}
	y := blas32.General{
		Rows:   yRows,
		Cols:   yCols,
		Stride: yCols,
		Data:   make([]float32, yRows*yCols),
	}
	blas32.Gemm(tA, tB, 1.0, a, b, 0.0, y)
	return y
}

func Col2Im(col blas32.General, imgShape tensor3d.General, filterRows, filterCols int) tensor3d.General {
	chs := imgShape.Channels
	outRows := imgShape.ConvOutputRows(filterRows)
	outCols := imgShape.ConvOutputCols(filterCols)

	if col.Rows != outRows*outCols {
		panic("Col2Im: unexpected number of rows")
	}
	if col.Cols != chs*filterRows*filterCols {
		panic("Col2Im: unexpected number of cols")
	}

	recon := make([]float32, len(imgShape.Data))
	colIdx := 0

	for or := 0; or < outRows; or++ {
		for oc := 0; oc < outCols; oc++ {
			for ch := 0; ch < chs; ch++ {
				for fr := 0; fr < filterRows; fr++ {
					for fc := 0; fc < filterCols; fc++ {
						row := fr + or
						colPos := fc + oc
						imgIdx := imgShape.At(ch, row, colPos)
						recon[imgIdx] += col.Data[colIdx]
						colIdx++
					}
				}
			}
		}
	}

	return tensor3d.General{
		Channels:      imgShape.Channels,
		Rows:          imgShape.Rows,
		Cols:          imgShape.Cols,
		ChannelStride: imgShape.ChannelStride,
		RowStride:     imgShape.RowStride,
		Data:          recon,
	}
}
