package pipelines

import (
	"fmt"

	"github.com/knights-analytics/visionserve/backends"
	"github.com/knights-analytics/visionserve/util/imageutil"
)

// imagePipeline is the minimal interface for pipelines that accept image preprocess steps.
type imagePipeline interface {
	backends.Pipeline
	addPreprocessSteps(...imageutil.PreprocessStep)
	addNormalizationSteps(...imageutil.NormalizationStep)
	setImageSize(int)
}

// WithPreprocessSteps appends image level steps (color conversion, resize) run in order.
func WithPreprocessSteps[T imagePipeline](steps ...imageutil.PreprocessStep) backends.PipelineOption[T] {
	return func(p T) error {
		p.addPreprocessSteps(steps...)
		return nil
	}
}

// WithNormalizationSteps appends pixel level steps run in order on 0-255 channel values.
func WithNormalizationSteps[T imagePipeline](steps ...imageutil.NormalizationStep) backends.PipelineOption[T] {
	return func(p T) error {
		p.addNormalizationSteps(steps...)
		return nil
	}
}

// WithImageSize declares the square spatial size the preprocess steps produce. It is checked
// against fixed model input dimensions and against every preprocessed image.
func WithImageSize[T imagePipeline](size int) backends.PipelineOption[T] {
	return func(p T) error {
		if size <= 0 {
			return fmt.Errorf("image size must be positive, got %d", size)
		}
		p.setImageSize(size)
		return nil
	}
}
