package mlfuncs

import (
	"fmt"

	"github.com/chewxy/math32"
	omwmath "github.com/sw965/omw/math"
	"github.com/sw965/raven/blas32/vector"
	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/blas/blas32"
)

func Softmax(x blas32.Vector) blas32.Vector {
	xData := x.Data
	maxX := omwmath.Max(xData...) // オーバーフロー対策
	expX := make([]float32, x.N)
	sumExpX := float32(0.0)
	for i, e := range xData {
		expX[i] = math32.Exp(e - maxX)
		sumExpX += expX[i]
	}

	yData := make([]float32, x.N)
	for i := range expX {
		yData[i] = expX[i] / sumExpX
	}

	return blas32.Vector{
		N:    x.N,
		Inc:  1,
		Data: yData,
	}
}

func LogSumExp(x blas32.Vector) float32 {
	maxX := omwmath.Max(x.Data...)
	sumExpX := float32(0.0)
	for _, e := range x.Data {
		sumExpX += math32.Exp(e - maxX)
	}
	return maxX + math32.Log(sumExpX)
}

func CrossEntropyWithLogits(logits blas32.Vector, label int) (float32, error) {
	if label < 0 || label >= logits.N {
		return 0.0, fmt.Errorf("label out of range: %d (num classes = %d)", label, logits.N)
	}
	return LogSumExp(logits) - logits.Data[label], nil
}

// SoftmaxCrossEntropyDerivative returns probs − onehot(label), the
// gradient of CrossEntropyWithLogits with respect to the logits.
func SoftmaxCrossEntropyDerivative(probs blas32.Vector, label int) (blas32.Vector, error) {
	if label < 0 || label >= probs.N {
		return blas32.Vector{}, fmt.Errorf("label out of range: %d (num classes = %d)", label, probs.N)
	}
	grad := vector.Clone(probs)
	grad.Data[label] -= 1.0
	return grad, nil
}

func NumericalGradient[X constraints.Float](xs []X, f func([]X) X) []X {
	h := X(0.001)
	n := len(xs)
	grad := make([]X, n)
	for i := 0; i < n; i++ {
		tmp := xs[i]
		xs[i] = tmp + h
		y1 := f(xs)

		xs[i] = tmp - h
		y2 := f(xs)

		grad[i] = (y1 - y2) / (h * 2)
		xs[i] = tmp
	}
	return grad
}
