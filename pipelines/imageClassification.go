package pipelines

import (
	"errors"
	"fmt"
	"image"
	"sync/atomic"
	"time"

	"github.com/knights-analytics/visionserve/backends"
	"github.com/knights-analytics/visionserve/options"
	"github.com/knights-analytics/visionserve/util/imageutil"
	"github.com/knights-analytics/visionserve/util/safeconv"
	"github.com/knights-analytics/visionserve/util/vectorutil"
)

// Pipeline stages reported by StageError.
const (
	StagePreprocess  = "preprocess"
	StageForward     = "forward"
	StagePostprocess = "postprocess"
)

// StageError records which pipeline stage failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ImageClassificationPipeline takes decoded images and returns class probabilities.
// The network output is treated as logits and turned into probabilities with a softmax.
type ImageClassificationPipeline struct {
	*backends.BasePipeline
	Labels             []string
	TopK               int
	ImageSize          int
	preprocessSteps    []imageutil.PreprocessStep
	normalizationSteps []imageutil.NormalizationStep
}

type ImageClassificationResult struct {
	Label      string
	Score      float32
	ClassIndex int
}

type ImageClassificationOutput struct {
	Predictions [][]ImageClassificationResult // batch of results, best first
}

// WithTopK sets the number of classes returned per image. Defaults to 1.
func WithTopK(topK int) backends.PipelineOption[*ImageClassificationPipeline] {
	return func(pipeline *ImageClassificationPipeline) error {
		if topK <= 0 {
			return fmt.Errorf("topK must be positive, got %d", topK)
		}
		pipeline.TopK = topK
		return nil
	}
}

// WithLabels sets the class names, index i naming output i. Without it the
// id2label map found next to the model is used.
func WithLabels(labels []string) backends.PipelineOption[*ImageClassificationPipeline] {
	return func(pipeline *ImageClassificationPipeline) error {
		pipeline.Labels = append([]string(nil), labels...)
		return nil
	}
}

// NewImageClassificationPipeline initializes an image classification pipeline.
func NewImageClassificationPipeline(config backends.PipelineConfig[*ImageClassificationPipeline], s *options.Options, model *backends.Model) (*ImageClassificationPipeline, error) {
	defaultPipeline, err := backends.NewBasePipeline(config, s, model)
	if err != nil {
		return nil, err
	}

	pipeline := &ImageClassificationPipeline{BasePipeline: defaultPipeline, TopK: 1}
	for _, o := range config.Options {
		err = o(pipeline)
		if err != nil {
			return nil, err
		}
	}

	if len(pipeline.Labels) == 0 && len(model.IDLabelMap) > 0 {
		labels, labelErr := backends.OrderedLabels(model.IDLabelMap)
		if labelErr != nil {
			return nil, labelErr
		}
		pipeline.Labels = labels
	}

	// validate pipeline
	err = pipeline.Validate()
	if err != nil {
		return nil, err
	}
	return pipeline, nil
}

// INTERFACE IMPLEMENTATIONS

func (p *ImageClassificationPipeline) addPreprocessSteps(steps ...imageutil.PreprocessStep) {
	p.preprocessSteps = append(p.preprocessSteps, steps...)
}

func (p *ImageClassificationPipeline) addNormalizationSteps(steps ...imageutil.NormalizationStep) {
	p.normalizationSteps = append(p.normalizationSteps, steps...)
}

func (p *ImageClassificationPipeline) setImageSize(size int) {
	p.ImageSize = size
}

func (p *ImageClassificationPipeline) GetModel() *backends.Model {
	return p.BasePipeline.Model
}

func (p *ImageClassificationPipeline) GetMetadata() backends.PipelineMetadata {
	return backends.PipelineMetadata{
		OutputsInfo: []backends.OutputInfo{
			{
				Name:       p.Model.OutputsMeta[0].Name,
				Dimensions: p.Model.OutputsMeta[0].Dimensions,
			},
		},
	}
}

func (p *ImageClassificationPipeline) GetStatistics() backends.PipelineStatistics {
	statistics := backends.PipelineStatistics{}
	statistics.ComputePreprocessStatistics(p.PreprocessTimings)
	statistics.ComputeOnnxStatistics(p.PipelineTimings)
	return statistics
}

// Validate checks that the model takes a single NCHW image and emits one score per label.
func (p *ImageClassificationPipeline) Validate() error {
	var validationErrors []error

	if len(p.Labels) == 0 {
		validationErrors = append(validationErrors, errors.New("no class labels configured and the model has no id2label map"))
	}
	if len(p.Model.InputsMeta) != 1 {
		validationErrors = append(validationErrors, fmt.Errorf("expected exactly one model input, got %d", len(p.Model.InputsMeta)))
	}
	for _, input := range p.Model.InputsMeta {
		dims := []int64(input.Dimensions)
		if len(dims) != 4 {
			validationErrors = append(validationErrors, fmt.Errorf("input %s: expected 4 dimensions (batch, channels, height, width), got %d", input.Name, len(dims)))
			continue
		}
		if dims[1] > 0 && dims[1] != 3 {
			validationErrors = append(validationErrors, fmt.Errorf("input %s: expected 3 channels, got %d", input.Name, dims[1]))
		}
		if p.ImageSize > 0 {
			for _, d := range dims[2:] {
				if d > 0 && d != int64(p.ImageSize) {
					validationErrors = append(validationErrors, fmt.Errorf("input %s: spatial dimensions %v do not match image size %d", input.Name, dims[2:], p.ImageSize))
					break
				}
			}
		}
	}

	if len(p.Model.OutputsMeta) == 0 {
		validationErrors = append(validationErrors, errors.New("model has no outputs"))
	} else {
		dims := p.Model.OutputsMeta[0].Dimensions
		if len(dims) == 0 {
			validationErrors = append(validationErrors, fmt.Errorf("output %s has no dimensions", p.Model.OutputsMeta[0].Name))
		} else if width := dims[len(dims)-1]; width > 0 && len(p.Labels) > 0 && width != int64(len(p.Labels)) {
			validationErrors = append(validationErrors, fmt.Errorf("output %s has %d classes but %d labels are configured", p.Model.OutputsMeta[0].Name, width, len(p.Labels)))
		}
	}
	return errors.Join(validationErrors...)
}

// Preprocess applies the preprocess and normalization steps and creates the NCHW input tensor.
func (p *ImageClassificationPipeline) Preprocess(batch *backends.PipelineBatch, inputs []image.Image) error {
	start := time.Now()
	preprocessed, err := p.preprocessImages(inputs)
	if err != nil {
		return fmt.Errorf("failed to preprocess images: %w", err)
	}
	if err = backends.CreateImageTensors(batch, preprocessed); err != nil {
		return err
	}
	atomic.AddUint64(&p.PreprocessTimings.NumCalls, 1)
	atomic.AddUint64(&p.PreprocessTimings.TotalNS, safeconv.DurationToU64(time.Since(start)))
	return nil
}

func (p *ImageClassificationPipeline) preprocessImages(images []image.Image) ([][][][]float32, error) {
	batchSize := len(images)
	nchw := make([][][][]float32, batchSize)
	for i, img := range images {
		if img == nil {
			return nil, fmt.Errorf("image %d is nil", i)
		}
		processed := img
		// Chain image processing steps
		for _, step := range p.preprocessSteps {
			var err error
			processed, err = step.Apply(processed)
			if err != nil {
				return nil, fmt.Errorf("failed to apply preprocessing step: %w", err)
			}
		}

		bounds := processed.Bounds()
		hh, ww := bounds.Dy(), bounds.Dx()
		if p.ImageSize > 0 && (hh != p.ImageSize || ww != p.ImageSize) {
			return nil, fmt.Errorf("preprocessed image is %dx%d, expected %dx%d", ww, hh, p.ImageSize, p.ImageSize)
		}

		c := 3
		tensor := make([][][]float32, c)
		for ch := 0; ch < c; ch++ {
			tensor[ch] = make([][]float32, hh)
			for y := 0; y < hh; y++ {
				tensor[ch][y] = make([]float32, ww)
			}
		}
		for y := 0; y < hh; y++ {
			for x := 0; x < ww; x++ {
				rf, gf, bf := imageutil.PixelRGB8(processed, bounds.Min.X+x, bounds.Min.Y+y)
				// Chain normalization steps
				for _, step := range p.normalizationSteps {
					rf, gf, bf = step.Apply(rf, gf, bf)
				}
				tensor[0][y][x] = rf
				tensor[1][y][x] = gf
				tensor[2][y][x] = bf
			}
		}
		nchw[i] = tensor
	}
	return nchw, nil
}

// Forward runs inference.
func (p *ImageClassificationPipeline) Forward(batch *backends.PipelineBatch) error {
	start := time.Now()
	if err := backends.RunSessionOnBatch(batch, p.BasePipeline); err != nil {
		return err
	}
	atomic.AddUint64(&p.PipelineTimings.NumCalls, 1)
	atomic.AddUint64(&p.PipelineTimings.TotalNS, safeconv.DurationToU64(time.Since(start)))
	return nil
}

// Postprocess turns the logits of each image into probabilities and returns the best topK classes.
func (p *ImageClassificationPipeline) Postprocess(batch *backends.PipelineBatch, topK int) (*ImageClassificationOutput, error) {
	if len(batch.OutputValues) == 0 {
		return nil, errors.New("batch has no outputs")
	}
	output := batch.OutputValues[0]
	logits, ok := output.([][]float32)
	if !ok {
		return nil, fmt.Errorf("output type %T is not supported", output)
	}
	if len(logits) != batch.Size {
		return nil, fmt.Errorf("got %d output rows for %d images", len(logits), batch.Size)
	}
	if topK <= 0 {
		topK = p.TopK
	}

	batchPreds := make([][]ImageClassificationResult, 0, len(logits))
	for _, logit := range logits {
		preds, err := p.classify(logit, topK)
		if err != nil {
			return nil, err
		}
		batchPreds = append(batchPreds, preds)
	}
	return &ImageClassificationOutput{Predictions: batchPreds}, nil
}

func (p *ImageClassificationPipeline) classify(logits []float32, topK int) ([]ImageClassificationResult, error) {
	if len(logits) != len(p.Labels) {
		return nil, fmt.Errorf("model returned %d scores for %d labels", len(logits), len(p.Labels))
	}
	if vectorutil.HasNonFinite(logits) {
		return nil, errors.New("model returned non-finite scores")
	}
	probabilities := vectorutil.SoftMax(logits)
	best, bestScore, err := vectorutil.ArgMax(probabilities)
	if err != nil {
		return nil, err
	}

	results := []ImageClassificationResult{{Label: p.Labels[best], Score: bestScore, ClassIndex: best}}
	for _, v := range vectorutil.TopK(probabilities, topK) {
		if v.Index == best {
			continue
		}
		if len(results) == topK {
			break
		}
		results = append(results, ImageClassificationResult{Label: p.Labels[v.Index], Score: v.Value, ClassIndex: v.Index})
	}
	return results, nil
}

// RunWithImages classifies images returning p.TopK classes each.
func (p *ImageClassificationPipeline) RunWithImages(inputs []image.Image) (*ImageClassificationOutput, error) {
	return p.RunWithImagesTopK(inputs, p.TopK)
}

// RunWithImagesTopK classifies images returning topK classes each. Failures are *StageError.
func (p *ImageClassificationPipeline) RunWithImagesTopK(inputs []image.Image, topK int) (*ImageClassificationOutput, error) {
	if len(inputs) == 0 {
		return &ImageClassificationOutput{}, nil
	}
	batch := backends.NewBatch(len(inputs))

	if err := p.Preprocess(batch, inputs); err != nil {
		return nil, &StageError{Stage: StagePreprocess, Err: err}
	}
	if err := p.Forward(batch); err != nil {
		return nil, &StageError{Stage: StageForward, Err: err}
	}
	result, err := p.Postprocess(batch, topK)
	if err != nil {
		return nil, &StageError{Stage: StagePostprocess, Err: err}
	}
	return result, nil
}
