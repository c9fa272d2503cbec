package backends

import (
	"errors"
	"fmt"
)

// CreateImageTensors packs preprocessed [n][c][h][w] images into one NCHW tensor and
// sets it as the single input of the batch.
func CreateImageTensors(batch *PipelineBatch, preprocessed [][][][]float32) error {
	if len(preprocessed) == 0 {
		return errors.New("no preprocessed images provided")
	}
	n, c := len(preprocessed), len(preprocessed[0])
	if c == 0 || len(preprocessed[0][0]) == 0 {
		return errors.New("preprocessed image has no pixels")
	}
	h, w := len(preprocessed[0][0]), len(preprocessed[0][0][0])

	imgBacking := make([]float32, n*c*h*w)
	idx := 0
	for i := 0; i < n; i++ {
		if len(preprocessed[i]) != c {
			return fmt.Errorf("image %d has %d channels, expected %d", i, len(preprocessed[i]), c)
		}
		for ch := 0; ch < c; ch++ {
			if len(preprocessed[i][ch]) != h {
				return fmt.Errorf("image %d channel %d has height %d, expected %d", i, ch, len(preprocessed[i][ch]), h)
			}
			for y := 0; y < h; y++ {
				if len(preprocessed[i][ch][y]) != w {
					return fmt.Errorf("image %d row %d has width %d, expected %d", i, y, len(preprocessed[i][ch][y]), w)
				}
				copy(imgBacking[idx:idx+w], preprocessed[i][ch][y])
				idx += w
			}
		}
	}
	batch.InputValues = []Tensor{{
		Shape: NewShape(int64(n), int64(c), int64(h), int64(w)),
		Data:  imgBacking,
	}}
	batch.Size = n
	return nil
}
