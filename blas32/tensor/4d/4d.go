package tensor4d

import (
	"math"
	"math/rand"
	"slices"

	"gonum.org/v1/gonum/blas/blas32"
)

type General struct {
	Batches       int
	Channels      int
	Rows          int
	Cols          int
	BatchStride   int
	ChannelStride int
	RowStride     int
	Data          []float32
}

func NewZeros(batches, chs, rows, cols int) General {
	rowStride := cols
	chStride := rows * rowStride
	batchStride := chs * chStride
	n := batches * batchStride

	return General{
		Batches:       batches,
		Channels:      chs,
		Rows:          rows,
		Cols:          cols,
		BatchStride:   batchStride,
		ChannelStride: chStride,
		RowStride:     rowStride,
		Data:          make([]float32, n),
	}
}

func NewZerosLike(gen General) General {
	return NewZeros(gen.Batches, gen.Channels, gen.Rows, gen.Cols)
}

func NewHe(batches, chs, rows, cols int, rng *rand.Rand) General {
	gen := NewZeros(batches, chs, rows, cols)
	fanIn := float64(chs * rows * cols)
	std := float32(math.Sqrt(2.0 / fanIn))
	for i := range gen.Data {
		gen.Data[i] = float32(rng.NormFloat64()) * std
	}
	return gen
}

func (g General) N() int {
	return g.Batches * g.Channels * g.Rows * g.Cols
}

func (g General) Clone() General {
	return General{
		Batches:       g.Batches,
		Channels:      g.Channels,
		Rows:          g.Rows,
		Cols:          g.Cols,
		BatchStride:   g.BatchStride,
		ChannelStride: g.ChannelStride,
		RowStride:     g.RowStride,
		Data:          slices.Clone(g.Data),
	}
}

func (g General) ToVector() blas32.Vector {
	return blas32.Vector{
		N:    g.N(),
		Inc:  1,
		Data: g.Data,
	}
}

// ToGeneral2D views the filter bank as a (Batches × BatchStride) matrix
// sharing the underlying data. Column order is (channel, row, col),
// matching Im2Col's column order.
func (g General) ToGeneral2D() blas32.General {
	return blas32.General{
		Rows:   g.Batches,
		Cols:   g.BatchStride,
		Stride: g.BatchStride,
		Data:   g.Data,
	}
}
