package model

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
	omwjson "github.com/sw965/omw/json"
	"github.com/sw965/omw/parallel"
	"github.com/sw965/raven/blas32/tensor/2d"
	"github.com/sw965/raven/blas32/tensor/3d"
	"github.com/sw965/raven/blas32/tensor/4d"
	"github.com/sw965/raven/blas32/vector"
	"github.com/sw965/raven/dataset"
	"github.com/sw965/raven/layer"
	"github.com/sw965/raven/mlfuncs"
	"gonum.org/v1/gonum/blas/blas32"
)

const (
	kernelSize = 3
	convStride = 1
	poolSize   = 2

	stage1Channels = 4
	stage2Channels = 8
)

// SamePadding solves p = (stride·(out−1) − in + kernel) / 2 for
// out = in. The result must be a non-negative integer; anything else
// is a configuration error, caught at construction.
func SamePadding(stride, in, kernel int) (int, error) {
	numer := stride*(in-1) - in + kernel
	if numer < 0 {
		return 0, fmt.Errorf("same-padding is negative for stride=%d, size=%d, kernel=%d", stride, in, kernel)
	}
	if numer%2 != 0 {
		return 0, fmt.Errorf("same-padding is not an integer for stride=%d, size=%d, kernel=%d", stride, in, kernel)
	}
	return numer / 2, nil
}

// Sequential is a fixed two-stage convolutional pyramid with a linear
// head: (conv 3×3 → relu → 2×2 max pool) × 2 → flatten → affine.
// Layer order, channel counts and kernel/stride/padding sizes never
// change after New.
type Sequential struct {
	Parameters layer.Parameters
	Forwards   layer.Forwards

	InChannels int
	InRows     int
	InCols     int
	NumClasses int
}

func New(chs, rows, cols, numClasses int, rng *rand.Rand) (*Sequential, error) {
	if chs <= 0 || rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("input shape must be positive: (%d, %d, %d)", chs, rows, cols)
	}
	if numClasses <= 0 {
		return nil, fmt.Errorf("num classes must be positive: %d", numClasses)
	}

	s := &Sequential{
		InChannels: chs,
		InRows:     rows,
		InCols:     cols,
		NumClasses: numClasses,
	}

	curChs, curRows, curCols := chs, rows, cols
	for _, outChs := range []int{stage1Channels, stage2Channels} {
		padRows, err := SamePadding(convStride, curRows, kernelSize)
		if err != nil {
			return nil, err
		}
		padCols, err := SamePadding(convStride, curCols, kernelSize)
		if err != nil {
			return nil, err
		}
		s.appendConv2D(curChs, outChs, padRows, padCols, rng)
		s.appendReLU()

		if curRows%poolSize != 0 || curCols%poolSize != 0 {
			return nil, fmt.Errorf("spatial size (%d, %d) is not divisible by the pool size %d", curRows, curCols, poolSize)
		}
		s.appendMaxPool2D()
		curChs, curRows, curCols = outChs, curRows/poolSize, curCols/poolSize
	}

	s.appendFlatten()
	s.appendAffine(curChs*curRows*curCols, numClasses, rng)
	return s, nil
}

func (s *Sequential) appendConv2D(inChs, outChs, padRows, padCols int, rng *rand.Rand) {
	param := layer.Parameter{
		Filter:     tensor4d.NewHe(outChs, inChs, kernelSize, kernelSize, rng),
		FilterBias: vector.NewZeros(outChs),
	}
	s.Parameters = append(s.Parameters, param)
	s.Forwards = append(s.Forwards, layer.NewConv2DForward(padRows, padCols))
}

func (s *Sequential) appendReLU() {
	s.Parameters = append(s.Parameters, layer.Parameter{})
	s.Forwards = append(s.Forwards, layer.ReLUForward)
}

func (s *Sequential) appendMaxPool2D() {
	s.Parameters = append(s.Parameters, layer.Parameter{})
	s.Forwards = append(s.Forwards, layer.MaxPool2DForward)
}

func (s *Sequential) appendFlatten() {
	s.Parameters = append(s.Parameters, layer.Parameter{})
	s.Forwards = append(s.Forwards, layer.FlattenForward)
}

func (s *Sequential) appendAffine(xn, yn int, rng *rand.Rand) {
	param := layer.Parameter{
		Weight: tensor2d.NewHe(xn, yn, rng),
		Bias:   vector.NewZeros(yn),
	}
	s.Parameters = append(s.Parameters, param)
	s.Forwards = append(s.Forwards, layer.AffineForward)
}

func (s *Sequential) checkInput(x tensor3d.General) error {
	if x.Channels != s.InChannels || x.Rows != s.InRows || x.Cols != s.InCols {
		return fmt.Errorf(
			"sample shape (%d, %d, %d) does not match the declared input shape (%d, %d, %d)",
			x.Channels, x.Rows, x.Cols, s.InChannels, s.InRows, s.InCols,
		)
	}
	return nil
}

func (s *Sequential) logits(x tensor3d.General) (blas32.Vector, layer.Backwards, error) {
	if err := s.checkInput(x); err != nil {
		return blas32.Vector{}, nil, err
	}
	y, backwards, err := s.Forwards.Propagate(x, s.Parameters)
	if err != nil {
		return blas32.Vector{}, nil, err
	}
	return y.ToVector(), backwards, nil
}

// Predict runs the forward pass for one sample and returns the class
// probability distribution.
func (s *Sequential) Predict(x tensor3d.General) (blas32.Vector, error) {
	logits, _, err := s.logits(x)
	if err != nil {
		return blas32.Vector{}, err
	}
	return mlfuncs.Softmax(logits), nil
}

// Forward runs the forward pass for a whole batch. Both returns are
// (batch × numClasses); each probability row sums to 1.
func (s *Sequential) Forward(b dataset.Batch) (blas32.General, blas32.General, error) {
	n := b.Len()
	if n == 0 {
		return blas32.General{}, blas32.General{}, fmt.Errorf("empty batch")
	}

	logits := tensor2d.NewZeros(n, s.NumClasses)
	probs := tensor2d.NewZeros(n, s.NumClasses)
	for i, x := range b.Images {
		lv, _, err := s.logits(x)
		if err != nil {
			return blas32.General{}, blas32.General{}, errors.Wrapf(err, "sample %d", i)
		}
		pv := mlfuncs.Softmax(lv)
		copy(logits.Data[i*logits.Stride:], lv.Data)
		copy(probs.Data[i*probs.Stride:], pv.Data)
	}
	return logits, probs, nil
}

// BackPropagate computes the cross-entropy loss for one sample and the
// gradient of that loss with respect to every parameter.
func (s *Sequential) BackPropagate(x tensor3d.General, label int) (float32, layer.GradBuffers, error) {
	logits, backwards, err := s.logits(x)
	if err != nil {
		return 0.0, nil, err
	}

	loss, err := mlfuncs.CrossEntropyWithLogits(logits, label)
	if err != nil {
		return 0.0, nil, err
	}

	probs := mlfuncs.Softmax(logits)
	chainV, err := mlfuncs.SoftmaxCrossEntropyDerivative(probs, label)
	if err != nil {
		return 0.0, nil, err
	}
	chain := tensor3d.General{
		Channels:      1,
		Rows:          1,
		Cols:          chainV.N,
		ChannelStride: chainV.N,
		RowStride:     chainV.N,
		Data:          chainV.Data,
	}

	_, grads, err := backwards.Propagate(chain)
	return loss, grads, err
}

// ComputeGrad averages per-sample loss and gradients over a batch.
// Parameters are read-only during the call, so with p > 1 the
// per-sample work is distributed across p goroutines; batches are
// still strictly sequential at the caller.
func (s *Sequential) ComputeGrad(b dataset.Batch, p int) (float32, layer.GradBuffers, error) {
	n := b.Len()
	if n == 0 {
		return 0.0, nil, fmt.Errorf("empty batch")
	}
	if len(b.Images) != len(b.Labels) {
		return 0.0, nil, fmt.Errorf("images/labels length mismatch: %d vs %d", len(b.Images), len(b.Labels))
	}

	firstLoss, total, err := s.BackPropagate(b.Images[0], b.Labels[0])
	if err != nil {
		return 0.0, nil, err
	}

	lossSum := firstLoss
	if p <= 1 {
		for i := 1; i < n; i++ {
			loss, grads, err := s.BackPropagate(b.Images[i], b.Labels[i])
			if err != nil {
				return 0.0, nil, err
			}
			lossSum += loss
			total.Axpy(1.0, grads)
		}
	} else {
		gradsByWorker := make([]layer.GradBuffers, p)
		lossByWorker := make([]float32, p)
		for i := range gradsByWorker {
			gradsByWorker[i] = total.NewZerosLike()
		}

		errCh := make(chan error, p)
		worker := func(workerIdx int, idxs []int) {
			for _, idx := range idxs {
				loss, grads, err := s.BackPropagate(b.Images[idx+1], b.Labels[idx+1])
				if err != nil {
					errCh <- err
					return
				}
				lossByWorker[workerIdx] += loss
				gradsByWorker[workerIdx].Axpy(1.0, grads)
			}
			errCh <- nil
		}

		for workerIdx, idxs := range parallel.DistributeIndicesEvenly(n-1, p) {
			go worker(workerIdx, idxs)
		}

		for i := 0; i < p; i++ {
			if err := <-errCh; err != nil {
				return 0.0, nil, err
			}
		}

		for workerIdx, grads := range gradsByWorker {
			lossSum += lossByWorker[workerIdx]
			total.Axpy(1.0, grads)
		}
	}

	total.Scal(1.0 / float32(n))
	return lossSum / float32(n), total, nil
}

func LoadParametersJSON(path string) (layer.Parameters, error) {
	return omwjson.Load[layer.Parameters](path)
}

func (s *Sequential) WriteParametersJSON(path string) error {
	return omwjson.Write[layer.Parameters](&s.Parameters, path)
}

func (s *Sequential) SetParameters(params layer.Parameters) error {
	if len(params) != len(s.Parameters) {
		return fmt.Errorf("parameter count mismatch: %d vs %d", len(params), len(s.Parameters))
	}
	s.Parameters = params.Clone()
	return nil
}
