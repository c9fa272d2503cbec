package visionserve

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync/atomic"

	"github.com/phuslu/log"

	"github.com/knights-analytics/visionserve/backends"
	"github.com/knights-analytics/visionserve/config"
	"github.com/knights-analytics/visionserve/options"
	"github.com/knights-analytics/visionserve/pipelines"
	"github.com/knights-analytics/visionserve/util/imageutil"
)

// Startup stages reported by StartupError.
const (
	StageConfig   = "config"
	StageOptions  = "options"
	StageRuntime  = "runtime"
	StageModel    = "model"
	StagePipeline = "pipeline"
	StageWarmup   = "warmup"
)

// ClassifierConfig is the configuration of the image classification pipeline.
type ClassifierConfig = backends.PipelineConfig[*pipelines.ImageClassificationPipeline]

// ClassifierOption is an option of the image classification pipeline.
type ClassifierOption = backends.PipelineOption[*pipelines.ImageClassificationPipeline]

// ClassScore is one entry of a top-k answer.
type ClassScore struct {
	Label      string  `json:"label"`
	Score      float32 `json:"score"`
	ClassIndex int     `json:"class_index"`
}

// Prediction is the answer for one image. Confidence is the softmax probability of Label.
type Prediction struct {
	Label      string       `json:"class"`
	Confidence float32      `json:"confidence"`
	ClassIndex int          `json:"class_index"`
	TopK       []ClassScore `json:"predictions,omitempty"`
}

// Classifier holds the loaded model, its labels and preprocessing, built once at startup.
// All methods are safe for concurrent use.
type Classifier struct {
	pipeline           *pipelines.ImageClassificationPipeline
	model              *backends.Model
	options            *options.Options
	imageSize          int
	maxPixels          int64
	environmentDestroy func() error
	destroyed          atomic.Bool
	totalQueries       atomic.Uint64
	decodeFailures     atomic.Uint64
	computeFailures    atomic.Uint64
}

// NewClassifier validates cfg, starts the selected runtime, loads the model and checks that
// it takes a 3 channel image and produces cfg.NumClasses scores. Every failure is a *StartupError.
func NewClassifier(cfg config.Config, opts ...options.WithOption) (*Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &StartupError{Stage: StageConfig, Err: err}
	}
	parsedOptions, err := parseOptions(cfg, opts...)
	if err != nil {
		return nil, &StartupError{Stage: StageOptions, Err: err}
	}

	environmentDestroy := func() error { return nil }
	if parsedOptions.Backend == options.BackendORT {
		destroy, initErr := initialiseORT(parsedOptions)
		if initErr != nil {
			return nil, &StartupError{Stage: StageRuntime, Err: initErr}
		}
		environmentDestroy = destroy
	}
	cleanup := func() error {
		return errors.Join(parsedOptions.Destroy(), environmentDestroy())
	}

	model, err := backends.LoadModel(cfg.Model.Path, cfg.Model.OnnxFilename, parsedOptions)
	if err != nil {
		return nil, &StartupError{Stage: StageModel, Err: errors.Join(err, cleanup())}
	}
	log.Info().Str("model", model.OnnxPath).Str("backend", parsedOptions.Backend).Str("device", parsedOptions.Device).Msg("model loaded")

	classifier, err := newClassifier(cfg, parsedOptions, model)
	if err != nil {
		var startupErr *StartupError
		if errors.As(err, &startupErr) {
			startupErr.Err = errors.Join(startupErr.Err, model.Destroy(), cleanup())
			return nil, startupErr
		}
		return nil, &StartupError{Stage: StagePipeline, Err: errors.Join(err, model.Destroy(), cleanup())}
	}
	classifier.environmentDestroy = environmentDestroy
	return classifier, nil
}

// NewClassifierWithModel builds a classifier around an already loaded model, for example one
// created with backends.NewModelFromSession. The model is destroyed by Classifier.Destroy;
// on error it is left to the caller.
func NewClassifierWithModel(cfg config.Config, model *backends.Model, opts ...options.WithOption) (*Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &StartupError{Stage: StageConfig, Err: err}
	}
	parsedOptions, err := parseOptions(cfg, opts...)
	if err != nil {
		return nil, &StartupError{Stage: StageOptions, Err: err}
	}
	return newClassifier(cfg, parsedOptions, model)
}

func parseOptions(cfg config.Config, opts ...options.WithOption) (*options.Options, error) {
	parsedOptions := options.Defaults()
	parsedOptions.Backend = cfg.Model.Backend
	for _, option := range append(cfg.Model.Options(), opts...) {
		if err := option(parsedOptions); err != nil {
			return nil, err
		}
	}
	return parsedOptions, nil
}

func newClassifier(cfg config.Config, parsedOptions *options.Options, model *backends.Model) (*Classifier, error) {
	interpolation, err := imageutil.ParseInterpolation(cfg.Preprocessing.Interpolation)
	if err != nil {
		return nil, &StartupError{Stage: StageConfig, Err: err}
	}
	size := cfg.Preprocessing.TargetImageSize

	pipelineConfig := ClassifierConfig{
		Name:         "image-classification",
		ModelPath:    cfg.Model.Path,
		OnnxFilename: cfg.Model.OnnxFilename,
		Options: []ClassifierOption{
			pipelines.WithImageSize[*pipelines.ImageClassificationPipeline](size),
			pipelines.WithPreprocessSteps[*pipelines.ImageClassificationPipeline](
				imageutil.RGBStep(),
				imageutil.SquareResizeStep(size, interpolation),
			),
			pipelines.WithNormalizationSteps[*pipelines.ImageClassificationPipeline](
				imageutil.RescaleStep(),
				imageutil.PixelNormalizationStep(cfg.Preprocessing.Mean(), cfg.Preprocessing.Stddev()),
			),
		},
	}
	if len(cfg.ClassNames) > 0 {
		pipelineConfig.Options = append(pipelineConfig.Options, pipelines.WithLabels(cfg.ClassNames))
	}

	pipeline, err := pipelines.NewImageClassificationPipeline(pipelineConfig, parsedOptions, model)
	if err != nil {
		return nil, &StartupError{Stage: StagePipeline, Err: err}
	}
	if len(pipeline.Labels) != cfg.NumClasses {
		return nil, &StartupError{Stage: StagePipeline, Err: fmt.Errorf("num_classes is %d but the model declares %d labels", cfg.NumClasses, len(pipeline.Labels))}
	}

	classifier := &Classifier{
		pipeline:           pipeline,
		model:              model,
		options:            parsedOptions,
		imageSize:          size,
		maxPixels:          cfg.Preprocessing.MaxImagePixels,
		environmentDestroy: func() error { return nil },
	}

	if warmErr := warmUp(pipeline, size); warmErr != nil {
		return nil, &StartupError{Stage: StageWarmup, Err: warmErr}
	}
	log.Info().Strs("classes", pipeline.Labels).Int("image_size", size).Msg("classifier ready")
	return classifier, nil
}

// warmUp runs one blank image through the pipeline. A graph can load and still reference
// operators the runtime cannot execute, and a dynamic class dimension is only known after
// a forward pass.
func warmUp(pipeline *pipelines.ImageClassificationPipeline, size int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered panic: %v", r)
		}
	}()
	_, err = pipeline.RunWithImagesTopK([]image.Image{blankImage(size)}, 1)
	return err
}

func blankImage(size int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xff
	}
	return img
}

// Predict decodes imageBytes and returns the most probable class.
func (c *Classifier) Predict(ctx context.Context, imageBytes []byte) (Prediction, error) {
	return c.PredictTopK(ctx, imageBytes, 0)
}

// PredictTopK is Predict that also fills Prediction.TopK with the k most probable classes.
// k <= 0 leaves TopK empty.
func (c *Classifier) PredictTopK(ctx context.Context, imageBytes []byte, k int) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}
	c.totalQueries.Add(1)
	img, _, err := imageutil.DecodeImage(imageBytes, c.maxPixels)
	if err != nil {
		c.decodeFailures.Add(1)
		return Prediction{}, &DecodeError{Err: err}
	}
	return c.classify(ctx, img, k)
}

// PredictImage classifies an already decoded image.
func (c *Classifier) PredictImage(ctx context.Context, img image.Image) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}
	c.totalQueries.Add(1)
	if img == nil || img.Bounds().Empty() {
		c.decodeFailures.Add(1)
		return Prediction{}, &DecodeError{Err: imageutil.ErrEmptyImage}
	}
	return c.classify(ctx, img, 0)
}

func (c *Classifier) classify(ctx context.Context, img image.Image, k int) (prediction Prediction, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &InternalComputeError{Stage: StagePipeline, Err: fmt.Errorf("recovered panic: %v", r)}
		}
		if IsInternalComputeError(err) {
			c.computeFailures.Add(1)
		}
	}()

	if err = ctx.Err(); err != nil {
		return Prediction{}, err
	}
	topK := max(k, 1)
	output, runErr := c.pipeline.RunWithImagesTopK([]image.Image{img}, topK)
	if runErr != nil {
		var stageErr *pipelines.StageError
		if errors.As(runErr, &stageErr) {
			return Prediction{}, &InternalComputeError{Stage: stageErr.Stage, Err: stageErr.Err}
		}
		return Prediction{}, &InternalComputeError{Stage: StagePipeline, Err: runErr}
	}
	if len(output.Predictions) != 1 || len(output.Predictions[0]) == 0 {
		return Prediction{}, &InternalComputeError{Stage: pipelines.StagePostprocess, Err: errors.New("pipeline returned no prediction")}
	}

	results := output.Predictions[0]
	prediction = Prediction{
		Label:      results[0].Label,
		Confidence: results[0].Score,
		ClassIndex: results[0].ClassIndex,
	}
	if k > 0 {
		prediction.TopK = make([]ClassScore, len(results))
		for i, r := range results {
			prediction.TopK[i] = ClassScore{Label: r.Label, Score: r.Score, ClassIndex: r.ClassIndex}
		}
	}
	return prediction, nil
}

// Labels returns the class names in output order.
func (c *Classifier) Labels() []string {
	return append([]string(nil), c.pipeline.Labels...)
}

// Backend returns GO or ORT.
func (c *Classifier) Backend() string {
	return c.options.Backend
}

// Device returns the device the model runs on after any CUDA fallback.
func (c *Classifier) Device() string {
	return c.options.Device
}

// ImageSize returns the square size images are resized to.
func (c *Classifier) ImageSize() int {
	return c.imageSize
}

// GetStatistics returns the pipeline timings and request counters.
func (c *Classifier) GetStatistics() backends.PipelineStatistics {
	statistics := c.pipeline.GetStatistics()
	statistics.TotalQueries = c.totalQueries.Load()
	statistics.DecodeFailures = c.decodeFailures.Load()
	statistics.ComputeFailures = c.computeFailures.Load()
	return statistics
}

// Destroy releases the model session and the runtime environment. Calls after the first
// are no-ops. Destroy must not run concurrently with Predict.
func (c *Classifier) Destroy() error {
	if !c.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	log.Info().Msg("Destroying model")
	var errList []error
	if c.model != nil && c.model.Destroy != nil {
		errList = append(errList, c.model.Destroy())
	}
	if c.options != nil && c.options.Destroy != nil {
		errList = append(errList, c.options.Destroy())
	}
	log.Info().Msg("Destroying runtime environment")
	errList = append(errList, c.environmentDestroy())
	return errors.Join(errList...)
}
