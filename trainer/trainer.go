package trainer

import (
	"fmt"
	"io"
	"os"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	omwslices "github.com/sw965/omw/slices"
	"github.com/sw965/raven/dataset"
	"github.com/sw965/raven/model"
	"gonum.org/v1/gonum/blas/blas32"
)

// ErrNumericDivergence marks a non-finite loss or gradient. The run
// aborts immediately; retrying deterministic arithmetic cannot help.
var ErrNumericDivergence = errors.New("non-finite loss or gradient")

const progressInterval = 50

type Config struct {
	LearningRate float32
	Epochs       int
	BatchSize    int
	NumClasses   int
	Parallel     int
	Seed         int64
}

func (c *Config) Validate() error {
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive: %v", c.LearningRate)
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be positive: %d", c.Epochs)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive: %d", c.BatchSize)
	}
	if c.NumClasses <= 0 {
		return fmt.Errorf("num classes must be positive: %d", c.NumClasses)
	}
	return nil
}

// Classifier is the forward-only view of a model, enough to evaluate it.
type Classifier interface {
	Forward(b dataset.Batch) (blas32.General, blas32.General, error)
}

type Trainer struct {
	Config Config

	// Log receives the progress lines; defaults to os.Stdout.
	Log io.Writer
}

func (t *Trainer) logWriter() io.Writer {
	if t.Log != nil {
		return t.Log
	}
	return os.Stdout
}

// Run drives the whole training schedule: per epoch, one pass of
// forward/backward/update over the training batches followed by a
// training-set accuracy pass, and a final test-set accuracy pass.
func (t *Trainer) Run(net *model.Sequential, train, test dataset.Source) error {
	if err := t.Config.Validate(); err != nil {
		return err
	}

	w := t.logWriter()
	lr := t.Config.LearningRate
	p := t.Config.Parallel
	if p <= 0 {
		p = 1
	}

	for epoch := 1; epoch <= t.Config.Epochs; epoch++ {
		batches, err := train.Batches(t.Config.BatchSize)
		if err != nil {
			return err
		}
		if len(batches) == 0 {
			return fmt.Errorf("training split is empty")
		}

		for i, b := range batches {
			loss, grads, err := net.ComputeGrad(b, p)
			if err != nil {
				return errors.Wrapf(err, "epoch %d batch %d", epoch, i+1)
			}
			if math32.IsNaN(loss) || math32.IsInf(loss, 0) || !grads.IsFinite() {
				return errors.Wrapf(ErrNumericDivergence, "epoch %d batch %d", epoch, i+1)
			}
			net.Parameters.AxpyGrads(-lr, grads)

			if i%progressInterval == 0 {
				fmt.Fprintf(
					w, "Epoch: %03d/%03d | Batch %03d/%03d | Cost: %.4f\n",
					epoch, t.Config.Epochs, i+1, len(batches), loss,
				)
			}
		}

		acc, err := Evaluate(net, train, t.Config.BatchSize)
		if err != nil {
			return errors.Wrapf(err, "epoch %d evaluation", epoch)
		}
		fmt.Fprintf(w, "Epoch: %03d/%03d training accuracy: %.2f%%\n", epoch, t.Config.Epochs, acc)
	}

	acc, err := Evaluate(net, test, t.Config.BatchSize)
	if err != nil {
		return errors.Wrap(err, "test evaluation")
	}
	fmt.Fprintf(w, "Test accuracy: %.2f%%\n", acc)
	return nil
}

// Evaluate runs the classifier over every batch of src exactly once,
// without parameter updates, and returns the accuracy percentage in
// [0, 100]. The predicted class is the arg-max of each probability
// row; ties go to the lowest index.
func Evaluate(c Classifier, src dataset.Source, batchSize int) (float64, error) {
	batches, err := src.Batches(batchSize)
	if err != nil {
		return 0.0, err
	}

	correct := 0
	total := 0
	for _, b := range batches {
		_, probs, err := c.Forward(b)
		if err != nil {
			return 0.0, err
		}
		for r, label := range b.Labels {
			row := probs.Data[r*probs.Stride : r*probs.Stride+probs.Cols]
			if omwslices.MaxIndex(row) == label {
				correct++
			}
		}
		total += b.Len()
	}

	if total == 0 {
		return 0.0, fmt.Errorf("dataset is empty")
	}
	return 100.0 * float64(correct) / float64(total), nil
}
