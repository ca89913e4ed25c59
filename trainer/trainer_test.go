package trainer_test

import (
	"bytes"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/seehuhn/mt19937"
	"github.com/sw965/raven/blas32/tensor/2d"
	"github.com/sw965/raven/blas32/tensor/3d"
	"github.com/sw965/raven/dataset"
	"github.com/sw965/raven/model"
	"github.com/sw965/raven/trainer"
	"gonum.org/v1/gonum/blas/blas32"
)

// fixedClassifier answers every sample with a constant probability row.
type fixedClassifier struct {
	probs []float32
}

func (c *fixedClassifier) Forward(b dataset.Batch) (blas32.General, blas32.General, error) {
	n := b.Len()
	cols := len(c.probs)
	probs := tensor2d.NewZeros(n, cols)
	for i := 0; i < n; i++ {
		copy(probs.Data[i*probs.Stride:], c.probs)
	}
	return tensor2d.NewZeros(n, cols), probs, nil
}

func newLabeledDataset(t *testing.T, labels []int) *dataset.Dataset {
	t.Helper()
	imgs := make([]tensor3d.General, len(labels))
	for i := range imgs {
		imgs[i] = tensor3d.NewZeros(1, 4, 4)
	}
	d, err := dataset.New(imgs, labels)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestConfigValidate(t *testing.T) {
	valid := trainer.Config{LearningRate: 0.01, Epochs: 1, BatchSize: 4, NumClasses: 2}
	if err := valid.Validate(); err != nil {
		t.Fatal(err)
	}

	broken := []trainer.Config{
		{LearningRate: 0.0, Epochs: 1, BatchSize: 4, NumClasses: 2},
		{LearningRate: -0.1, Epochs: 1, BatchSize: 4, NumClasses: 2},
		{LearningRate: 0.01, Epochs: 0, BatchSize: 4, NumClasses: 2},
		{LearningRate: 0.01, Epochs: 1, BatchSize: 0, NumClasses: 2},
		{LearningRate: 0.01, Epochs: 1, BatchSize: 4, NumClasses: 0},
	}
	for i, cfg := range broken {
		if err := cfg.Validate(); err == nil {
			t.Errorf("config %d must fail validation", i)
		}
	}
}

func TestEvaluate(t *testing.T) {
	d := newLabeledDataset(t, []int{0, 0, 1, 0})

	// Always predicts class 0: three of four labels match.
	c := &fixedClassifier{probs: []float32{0.9, 0.1}}
	acc, err := trainer.Evaluate(c, d, 2)
	if err != nil {
		t.Fatal(err)
	}
	if acc != 75.0 {
		t.Errorf("got %v, want 75", acc)
	}

	// Evaluation never mutates anything, so a second pass agrees.
	again, err := trainer.Evaluate(c, d, 2)
	if err != nil {
		t.Fatal(err)
	}
	if again != acc {
		t.Errorf("second pass got %v, want %v", again, acc)
	}

	// Always predicts class 1: the complement.
	c = &fixedClassifier{probs: []float32{0.1, 0.9}}
	acc, err = trainer.Evaluate(c, d, 2)
	if err != nil {
		t.Fatal(err)
	}
	if acc != 25.0 {
		t.Errorf("got %v, want 25", acc)
	}
}

func TestEvaluateTieBreaksLow(t *testing.T) {
	d := newLabeledDataset(t, []int{0, 1})

	// A perfect tie resolves to the lowest index, class 0.
	c := &fixedClassifier{probs: []float32{0.5, 0.5}}
	acc, err := trainer.Evaluate(c, d, 2)
	if err != nil {
		t.Fatal(err)
	}
	if acc != 50.0 {
		t.Errorf("got %v, want 50", acc)
	}
}

func TestEvaluateEmpty(t *testing.T) {
	d := newLabeledDataset(t, nil)
	c := &fixedClassifier{probs: []float32{1.0}}
	if _, err := trainer.Evaluate(c, d, 2); err == nil {
		t.Errorf("empty dataset must fail")
	}
}

func newToyProblem(t *testing.T, rng *rand.Rand) (*model.Sequential, *dataset.Dataset) {
	t.Helper()

	// Two trivially separable classes: constant bright vs dark images.
	labels := []int{0, 1, 0, 1}
	imgs := make([]tensor3d.General, len(labels))
	for i, label := range labels {
		img := tensor3d.NewZeros(1, 4, 4)
		v := float32(1.0)
		if label == 1 {
			v = -1.0
		}
		for j := range img.Data {
			img.Data[j] = v
		}
		imgs[i] = img
	}
	d, err := dataset.New(imgs, labels)
	if err != nil {
		t.Fatal(err)
	}

	net, err := model.New(1, 4, 4, 2, rng)
	if err != nil {
		t.Fatal(err)
	}
	return net, d
}

func TestRunProgressLines(t *testing.T) {
	rng := rand.New(mt19937.New())
	rng.Seed(1)
	net, d := newToyProblem(t, rng)

	var buf bytes.Buffer
	tr := trainer.Trainer{
		Config: trainer.Config{
			LearningRate: 0.01,
			Epochs:       2,
			BatchSize:    4,
			NumClasses:   2,
			Parallel:     1,
		},
		Log: &buf,
	}

	if err := tr.Run(net, d, d); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	for _, want := range []string{
		"Epoch: 001/002 | Batch 001/001 | Cost: ",
		"Epoch: 002/002 | Batch 001/001 | Cost: ",
		"Epoch: 001/002 training accuracy: ",
		"Epoch: 002/002 training accuracy: ",
		"Test accuracy: ",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output is missing %q:\n%s", want, out)
		}
	}
}

func TestRunReducesLoss(t *testing.T) {
	rng := rand.New(mt19937.New())
	rng.Seed(1)
	net, d := newToyProblem(t, rng)

	batches, err := d.Batches(4)
	if err != nil {
		t.Fatal(err)
	}
	before, _, err := net.ComputeGrad(batches[0], 1)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	tr := trainer.Trainer{
		Config: trainer.Config{
			LearningRate: 0.05,
			Epochs:       20,
			BatchSize:    4,
			NumClasses:   2,
			Parallel:     1,
		},
		Log: &buf,
	}
	if err := tr.Run(net, d, d); err != nil {
		t.Fatal(err)
	}

	after, _, err := net.ComputeGrad(batches[0], 1)
	if err != nil {
		t.Fatal(err)
	}
	if float64(after) > float64(before)+1e-3 {
		t.Errorf("loss went from %v to %v after training", before, after)
	}
	if math.IsNaN(float64(after)) {
		t.Errorf("loss diverged to NaN")
	}
}

func TestRunInvalidConfig(t *testing.T) {
	rng := rand.New(mt19937.New())
	rng.Seed(1)
	net, d := newToyProblem(t, rng)

	tr := trainer.Trainer{Config: trainer.Config{}}
	if err := tr.Run(net, d, d); err == nil {
		t.Errorf("zero config must fail validation")
	}
}
