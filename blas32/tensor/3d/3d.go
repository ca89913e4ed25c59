package tensor3d

import (
	"slices"

	"gonum.org/v1/gonum/blas/blas32"
)

type General struct {
	Channels      int
	Rows          int
	Cols          int
	ChannelStride int
	RowStride     int
	Data          []float32
}

func NewZeros(chs, rows, cols int) General {
	rowStride := cols
	chStride := rows * rowStride
	n := chs * chStride
	return General{
		Channels:      chs,
		Rows:          rows,
		Cols:          cols,
		ChannelStride: chStride,
		RowStride:     rowStride,
		Data:          make([]float32, n),
	}
}

func NewZerosLike(gen General) General {
	return NewZeros(gen.Channels, gen.Rows, gen.Cols)
}

func (g General) N() int {
	return g.Channels * g.Rows * g.Cols
}

func (g General) Clone() General {
	return General{
		Channels:      g.Channels,
		Rows:          g.Rows,
		Cols:          g.Cols,
		ChannelStride: g.ChannelStride,
		RowStride:     g.RowStride,
		Data:          slices.Clone(g.Data),
	}
}

func (g General) At(ch, row, col int) int {
	return ch*g.ChannelStride + row*g.RowStride + col
}

func (g General) ToVector() blas32.Vector {
	return blas32.Vector{
		N:    g.N(),
		Inc:  1,
		Data: g.Data,
	}
}

func (g General) Flatten() blas32.Vector {
	return blas32.Vector{
		N:    g.N(),
		Inc:  1,
		Data: slices.Clone(g.Data),
	}
}

func (g General) ConvOutputRows(filterRows int) int {
	return g.Rows - filterRows + 1
}

func (g General) ConvOutputCols(filterCols int) int {
	return g.Cols - filterCols + 1
}

func (g General) ZeroPadding2D(top, bot, left, right int) General {
	padded := NewZeros(g.Channels, g.Rows+top+bot, g.Cols+left+right)
	for ch := 0; ch < g.Channels; ch++ {
		for row := 0; row < g.Rows; row++ {
			oldIdx := g.At(ch, row, 0)
			newIdx := padded.At(ch, row+top, left)
			copy(padded.Data[newIdx:newIdx+g.Cols], g.Data[oldIdx:oldIdx+g.Cols])
		}
	}
	return padded
}

func (g General) Crop2D(top, bot, left, right int) General {
	cropped := NewZeros(g.Channels, g.Rows-top-bot, g.Cols-left-right)
	for ch := 0; ch < cropped.Channels; ch++ {
		for row := 0; row < cropped.Rows; row++ {
			oldIdx := g.At(ch, row+top, left)
			newIdx := cropped.At(ch, row, 0)
			copy(cropped.Data[newIdx:newIdx+cropped.Cols], g.Data[oldIdx:oldIdx+cropped.Cols])
		}
	}
	return cropped
}

func (g General) Im2Col(filterRows, filterCols int) blas32.General {
	chs := g.Channels
	outRows := g.ConvOutputRows(filterRows)
	outCols := g.ConvOutputCols(filterCols)
	imgData := g.Data
	newData := make([]float32, outRows*outCols*chs*filterRows*filterCols)
	newIdx := 0

	for or := 0; or < outRows; or++ {
		for oc := 0; oc < outCols; oc++ {
			for ch := 0; ch < chs; ch++ {
				for fr := 0; fr < filterRows; fr++ {
					for fc := 0; fc < filterCols; fc++ {
						row := fr + or
						col := fc + oc
						imgIdx := g.At(ch, row, col)
						newData[newIdx] = imgData[imgIdx]
						newIdx++
					}
				}
			}
		}
	}

	newCols := filterRows * filterCols * chs
	return blas32.General{
		Rows:   outRows * outCols,
		Cols:   newCols,
		Stride: newCols,
		Data:   newData,
	}
}
