package model_test

import (
	"math/rand"
	"testing"

	"github.com/chewxy/math32"
	"github.com/seehuhn/mt19937"
	"github.com/sw965/raven/blas32/tensor/3d"
	"github.com/sw965/raven/dataset"
	"github.com/sw965/raven/mlfuncs"
	"github.com/sw965/raven/model"
)

func newRng() *rand.Rand {
	rng := rand.New(mt19937.New())
	rng.Seed(1)
	return rng
}

func newRandomImage(rng *rand.Rand, chs, rows, cols int) tensor3d.General {
	img := tensor3d.NewZeros(chs, rows, cols)
	for i := range img.Data {
		img.Data[i] = float32(rng.Float64()*2.0 - 1.0)
	}
	return img
}

func newRandomBatch(rng *rand.Rand, n, chs, rows, cols, numClasses int) dataset.Batch {
	b := dataset.Batch{
		Images: make([]tensor3d.General, n),
		Labels: make([]int, n),
	}
	for i := range b.Images {
		b.Images[i] = newRandomImage(rng, chs, rows, cols)
		b.Labels[i] = rng.Intn(numClasses)
	}
	return b
}

func TestSamePadding(t *testing.T) {
	for _, in := range []int{4, 8, 28} {
		p, err := model.SamePadding(1, in, 3)
		if err != nil {
			t.Fatal(err)
		}
		if p != 1 {
			t.Errorf("got padding %d for size %d, want 1", p, in)
		}
	}

	if _, err := model.SamePadding(1, 8, 2); err == nil {
		t.Errorf("non-integer padding must fail")
	}
	if _, err := model.SamePadding(1, 8, 0); err == nil {
		t.Errorf("negative padding must fail")
	}
}

func TestNewValidation(t *testing.T) {
	rng := newRng()

	if _, err := model.New(0, 8, 8, 2, rng); err == nil {
		t.Errorf("zero channels must fail")
	}
	if _, err := model.New(1, 8, 8, 0, rng); err == nil {
		t.Errorf("zero classes must fail")
	}

	// 5 is not divisible by the first pool.
	if _, err := model.New(1, 5, 8, 2, rng); err == nil {
		t.Errorf("rows=5 must fail at the first pool")
	}
	// 6 survives the first pool (6 -> 3) but 3 fails the second.
	if _, err := model.New(1, 6, 8, 2, rng); err == nil {
		t.Errorf("rows=6 must fail at the second pool")
	}

	if _, err := model.New(1, 8, 8, 2, rng); err != nil {
		t.Errorf("rows=8 must construct: %v", err)
	}
}

func TestForwardShapes(t *testing.T) {
	rng := newRng()
	numClasses := 3
	net, err := model.New(1, 8, 8, numClasses, rng)
	if err != nil {
		t.Fatal(err)
	}

	b := newRandomBatch(rng, 4, 1, 8, 8, numClasses)
	logits, probs, err := net.Forward(b)
	if err != nil {
		t.Fatal(err)
	}

	if logits.Rows != 4 || logits.Cols != numClasses {
		t.Errorf("logits shape (%d, %d), want (4, %d)", logits.Rows, logits.Cols, numClasses)
	}
	if probs.Rows != 4 || probs.Cols != numClasses {
		t.Errorf("probs shape (%d, %d), want (4, %d)", probs.Rows, probs.Cols, numClasses)
	}

	for i := 0; i < probs.Rows; i++ {
		sum := float32(0.0)
		for _, e := range probs.Data[i*probs.Stride : i*probs.Stride+probs.Cols] {
			if e < 0 {
				t.Errorf("negative probability in row %d: %v", i, e)
			}
			sum += e
		}
		if math32.Abs(sum-1.0) > 1e-4 {
			t.Errorf("row %d sums to %v, want 1", i, sum)
		}
	}

	if _, _, err := net.Forward(dataset.Batch{}); err == nil {
		t.Errorf("empty batch must fail")
	}
}

func TestPredictDeterministic(t *testing.T) {
	rng := newRng()
	net, err := model.New(1, 8, 8, 2, rng)
	if err != nil {
		t.Fatal(err)
	}

	x := newRandomImage(rng, 1, 8, 8)
	first, err := net.Predict(x)
	if err != nil {
		t.Fatal(err)
	}
	second, err := net.Predict(x)
	if err != nil {
		t.Fatal(err)
	}
	for i := range first.Data {
		if first.Data[i] != second.Data[i] {
			t.Fatalf("prediction is not deterministic: %v vs %v", first.Data, second.Data)
		}
	}
}

func TestPredictShapeMismatch(t *testing.T) {
	rng := newRng()
	net, err := model.New(1, 8, 8, 2, rng)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := net.Predict(tensor3d.NewZeros(1, 4, 4)); err == nil {
		t.Errorf("input shape mismatch must fail")
	}
}

// The head bias gradient is checked numerically through the whole
// network, softmax cross-entropy included.
func TestBackPropagateNumericalGradient(t *testing.T) {
	rng := newRng()
	net, err := model.New(1, 4, 4, 3, rng)
	if err != nil {
		t.Fatal(err)
	}

	x := newRandomImage(rng, 1, 4, 4)
	label := 1

	_, grads, err := net.BackPropagate(x, label)
	if err != nil {
		t.Fatal(err)
	}
	headIdx := len(net.Parameters) - 1

	numBias := mlfuncs.NumericalGradient(net.Parameters[headIdx].Bias.Data, func(_ []float32) float32 {
		loss, _, err := net.BackPropagate(x, label)
		if err != nil {
			t.Fatal(err)
		}
		return loss
	})

	for i := range numBias {
		diff := math32.Abs(numBias[i] - grads[headIdx].Bias.Data[i])
		if diff > 0.03 {
			t.Errorf("bias[%d]: numerical %v vs analytic %v", i, numBias[i], grads[headIdx].Bias.Data[i])
		}
	}
}

func TestComputeGradParallelMatchesSequential(t *testing.T) {
	rng := newRng()
	numClasses := 3
	net, err := model.New(1, 8, 8, numClasses, rng)
	if err != nil {
		t.Fatal(err)
	}
	b := newRandomBatch(rng, 7, 1, 8, 8, numClasses)

	seqLoss, seqGrads, err := net.ComputeGrad(b, 1)
	if err != nil {
		t.Fatal(err)
	}
	parLoss, parGrads, err := net.ComputeGrad(b, 3)
	if err != nil {
		t.Fatal(err)
	}

	if math32.Abs(seqLoss-parLoss) > 1e-4 {
		t.Errorf("loss: sequential %v vs parallel %v", seqLoss, parLoss)
	}
	for i := range seqGrads {
		for _, pair := range [][2][]float32{
			{seqGrads[i].Filter.Data, parGrads[i].Filter.Data},
			{seqGrads[i].FilterBias.Data, parGrads[i].FilterBias.Data},
			{seqGrads[i].Weight.Data, parGrads[i].Weight.Data},
			{seqGrads[i].Bias.Data, parGrads[i].Bias.Data},
		} {
			for j := range pair[0] {
				if math32.Abs(pair[0][j]-pair[1][j]) > 1e-4 {
					t.Fatalf("grad %d diverges between sequential and parallel runs", i)
				}
			}
		}
	}

	if _, _, err := net.ComputeGrad(dataset.Batch{}, 1); err == nil {
		t.Errorf("empty batch must fail")
	}
}

func TestSetParameters(t *testing.T) {
	rng := newRng()
	net, err := model.New(1, 8, 8, 2, rng)
	if err != nil {
		t.Fatal(err)
	}
	other, err := model.New(1, 8, 8, 2, rng)
	if err != nil {
		t.Fatal(err)
	}

	if err := net.SetParameters(other.Parameters); err != nil {
		t.Fatal(err)
	}

	x := newRandomImage(rng, 1, 8, 8)
	want, err := other.Predict(x)
	if err != nil {
		t.Fatal(err)
	}
	got, err := net.Predict(x)
	if err != nil {
		t.Fatal(err)
	}
	for i := range want.Data {
		if got.Data[i] != want.Data[i] {
			t.Fatalf("predictions differ after SetParameters")
		}
	}

	if err := net.SetParameters(other.Parameters[:1]); err == nil {
		t.Errorf("parameter count mismatch must fail")
	}
}
