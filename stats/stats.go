package stats

import (
	"fmt"
	"slices"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"github.com/sw965/raven/blas32/tensor/3d"
)

// MinStd is the smallest channel standard deviation a Normalizer
// accepts; anything below would divide by (near) zero.
const MinStd float32 = 1e-6

type ChannelStats struct {
	Mean []float32
	Std  []float32
}

// Estimator accumulates per-channel statistics one batch at a time, so
// a dataset never has to be resident in memory at once. Each call to
// Update appends that batch's per-channel mean and population std to
// running lists; Stats averages the lists with equal weight per batch.
//
// Equal weighting means an undersized final batch counts the same as a
// full one. This is an approximation of the true dataset statistics
// and is kept deliberately; downstream normalization is calibrated to
// it. Do not replace with a size-weighted or single-pass estimator.
type Estimator struct {
	channels   int
	batchMeans [][]float32
	batchStds  [][]float32
}

func NewEstimator() *Estimator {
	return &Estimator{}
}

func (e *Estimator) Update(imgs []tensor3d.General) error {
	if len(imgs) == 0 {
		return fmt.Errorf("empty batch")
	}

	chs := imgs[0].Channels
	if e.channels == 0 {
		e.channels = chs
	}
	if chs != e.channels {
		return fmt.Errorf("channel count mismatch: got %d, want %d", chs, e.channels)
	}

	means := make([]float32, chs)
	stds := make([]float32, chs)
	for ch := 0; ch < chs; ch++ {
		sum := float32(0.0)
		n := 0
		for _, img := range imgs {
			if img.Channels != chs {
				return fmt.Errorf("channel count mismatch within batch: got %d, want %d", img.Channels, chs)
			}
			base := ch * img.ChannelStride
			for _, v := range img.Data[base : base+img.ChannelStride] {
				sum += v
			}
			n += img.ChannelStride
		}
		mean := sum / float32(n)

		sqSum := float32(0.0)
		for _, img := range imgs {
			base := ch * img.ChannelStride
			for _, v := range img.Data[base : base+img.ChannelStride] {
				d := v - mean
				sqSum += d * d
			}
		}

		means[ch] = mean
		stds[ch] = math32.Sqrt(sqSum / float32(n))
	}

	e.batchMeans = append(e.batchMeans, means)
	e.batchStds = append(e.batchStds, stds)
	return nil
}

func (e *Estimator) Stats() (ChannelStats, error) {
	if len(e.batchMeans) == 0 {
		return ChannelStats{}, errors.New("no batches were accumulated")
	}

	nb := float32(len(e.batchMeans))
	mean := make([]float32, e.channels)
	std := make([]float32, e.channels)
	for _, bm := range e.batchMeans {
		for ch, m := range bm {
			mean[ch] += m / nb
		}
	}
	for _, bs := range e.batchStds {
		for ch, s := range bs {
			std[ch] += s / nb
		}
	}
	return ChannelStats{Mean: mean, Std: std}, nil
}

// Normalizer applies (x − mean[ch]) / std[ch] elementwise. The stats
// are read-only configuration; construction fails on a degenerate std.
type Normalizer struct {
	stats ChannelStats
}

func NewNormalizer(s ChannelStats) (*Normalizer, error) {
	if len(s.Mean) == 0 || len(s.Mean) != len(s.Std) {
		return nil, fmt.Errorf("mean/std length mismatch: %d vs %d", len(s.Mean), len(s.Std))
	}
	for ch, std := range s.Std {
		if std < MinStd {
			return nil, fmt.Errorf("channel %d std %v is below %v", ch, std, MinStd)
		}
	}
	stats := ChannelStats{
		Mean: slices.Clone(s.Mean),
		Std:  slices.Clone(s.Std),
	}
	return &Normalizer{stats: stats}, nil
}

func (n *Normalizer) Stats() ChannelStats {
	return n.stats
}

func (n *Normalizer) Apply(img tensor3d.General) (tensor3d.General, error) {
	if img.Channels != len(n.stats.Mean) {
		return tensor3d.General{}, fmt.Errorf("channel count mismatch: got %d, want %d", img.Channels, len(n.stats.Mean))
	}

	y := img.Clone()
	for ch := 0; ch < y.Channels; ch++ {
		mean := n.stats.Mean[ch]
		std := n.stats.Std[ch]
		base := ch * y.ChannelStride
		for i := base; i < base+y.ChannelStride; i++ {
			y.Data[i] = (y.Data[i] - mean) / std
		}
	}
	return y, nil
}

func (n *Normalizer) ApplyAll(imgs []tensor3d.General) ([]tensor3d.General, error) {
	ys := make([]tensor3d.General, len(imgs))
	for i, img := range imgs {
		y, err := n.Apply(img)
		if err != nil {
			return nil, errors.Wrapf(err, "sample %d", i)
		}
		ys[i] = y
	}
	return ys, nil
}
