package dataset

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/sw965/raven/blas32/tensor/3d"
)

// Batch is one materialized computation step: aligned images and
// integer class labels. Only the final batch of a pass may be smaller
// than the nominal batch size.
type Batch struct {
	Images []tensor3d.General
	Labels []int
}

func (b Batch) Len() int {
	return len(b.Images)
}

// Source supplies one fresh, finite batch sequence per call. Implementations
// may reorder samples between calls (per-epoch shuffling); the trainer
// never cares how batches are materialized.
type Source interface {
	Len() int
	Batches(batchSize int) ([]Batch, error)
}

type Dataset struct {
	Images []tensor3d.General
	Labels []int

	rng *rand.Rand
}

func New(imgs []tensor3d.General, labels []int) (*Dataset, error) {
	if len(imgs) != len(labels) {
		return nil, fmt.Errorf("images/labels length mismatch: %d vs %d", len(imgs), len(labels))
	}
	for i := 1; i < len(imgs); i++ {
		img := imgs[i]
		first := imgs[0]
		if img.Channels != first.Channels || img.Rows != first.Rows || img.Cols != first.Cols {
			return nil, fmt.Errorf(
				"sample %d shape (%d, %d, %d) differs from sample 0 shape (%d, %d, %d)",
				i, img.Channels, img.Rows, img.Cols, first.Channels, first.Rows, first.Cols,
			)
		}
	}
	return &Dataset{Images: imgs, Labels: labels}, nil
}

// WithShuffle makes every Batches call draw a fresh sample order from rng.
func (d *Dataset) WithShuffle(rng *rand.Rand) *Dataset {
	d.rng = rng
	return d
}

func (d *Dataset) Len() int {
	return len(d.Images)
}

func (d *Dataset) Batches(batchSize int) ([]Batch, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive: %d", batchSize)
	}

	n := len(d.Images)
	idxs := make([]int, n)
	for i := range idxs {
		idxs[i] = i
	}
	if d.rng != nil {
		d.rng.Shuffle(n, func(i, j int) {
			idxs[i], idxs[j] = idxs[j], idxs[i]
		})
	}

	batches := make([]Batch, 0, (n+batchSize-1)/batchSize)
	for start := 0; start < n; start += batchSize {
		end := start + batchSize
		if end > n {
			end = n
		}
		b := Batch{
			Images: make([]tensor3d.General, 0, end-start),
			Labels: make([]int, 0, end-start),
		}
		for _, idx := range idxs[start:end] {
			b.Images = append(b.Images, d.Images[idx])
			b.Labels = append(b.Labels, d.Labels[idx])
		}
		batches = append(batches, b)
	}
	return batches, nil
}

// Normalized returns a new Dataset whose samples are transformed by fn,
// leaving the receiver untouched.
func (d *Dataset) Normalized(fn func([]tensor3d.General) ([]tensor3d.General, error)) (*Dataset, error) {
	imgs, err := fn(d.Images)
	if err != nil {
		return nil, errors.Wrap(err, "normalize dataset")
	}
	norm, err := New(imgs, d.Labels)
	if err != nil {
		return nil, err
	}
	norm.rng = d.rng
	return norm, nil
}
