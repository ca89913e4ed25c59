package dataset

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sw965/omw/encoding/gobx"
	"github.com/sw965/raven/blas32/tensor/3d"
)

const (
	baseURL = "https://github.com/sw965/raven/releases/download/v0.1.0-data/"

	mnistTrainImg   = "mnist_train_imgs.gob"
	mnistTrainLabel = "mnist_train_labels.gob"
	mnistTestImg    = "mnist_test_imgs.gob"
	mnistTestLabel  = "mnist_test_labels.gob"

	mnistRows = 28
	mnistCols = 28
)

// LoadMNIST downloads (once) and decodes the MNIST splits. Images are
// stored as flat grayscale float32 slices and reshaped to (1, 28, 28).
func LoadMNIST() (*Dataset, *Dataset, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, nil, errors.Wrap(err, "resolve home directory")
	}

	dataDir := filepath.Join(home, ".raven_dataset")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, nil, err
	}

	targetFiles := []string{mnistTrainImg, mnistTrainLabel, mnistTestImg, mnistTestLabel}
	for _, name := range targetFiles {
		path := filepath.Join(dataDir, name)
		if err := ensureFile(path, baseURL+name); err != nil {
			return nil, nil, err
		}
	}

	train, err := loadSplit(
		filepath.Join(dataDir, mnistTrainImg),
		filepath.Join(dataDir, mnistTrainLabel),
	)
	if err != nil {
		return nil, nil, err
	}

	test, err := loadSplit(
		filepath.Join(dataDir, mnistTestImg),
		filepath.Join(dataDir, mnistTestLabel),
	)
	if err != nil {
		return nil, nil, err
	}
	return train, test, nil
}

func loadSplit(imgPath, labelPath string) (*Dataset, error) {
	flats, err := gobx.Load[[][]float32](imgPath)
	if err != nil {
		return nil, err
	}
	labels, err := gobx.Load[[]int](labelPath)
	if err != nil {
		return nil, err
	}

	imgs := make([]tensor3d.General, len(flats))
	for i, flat := range flats {
		if len(flat) != mnistRows*mnistCols {
			return nil, fmt.Errorf("image %d has %d pixels, want %d", i, len(flat), mnistRows*mnistCols)
		}
		img := tensor3d.NewZeros(1, mnistRows, mnistCols)
		copy(img.Data, flat)
		imgs[i] = img
	}
	return New(imgs, labels)
}

func ensureFile(path, url string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	fmt.Printf("Downloading %s...\n", url)
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status: %s", resp.Status)
	}

	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, resp.Body)
	return err
}
