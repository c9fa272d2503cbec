package backends

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/knights-analytics/visionserve/options"
	"github.com/knights-analytics/visionserve/util/safeconv"
)

// BasePipeline can be embedded by a pipeline.
type BasePipeline struct {
	Model             *Model
	PipelineTimings   *timings
	PreprocessTimings *timings
	PipelineName      string
	Runtime           string
}

type InputOutputInfo struct {
	// The name of the input or output
	Name string
	// The input or output's dimensions. Values <= 0 are dynamic.
	Dimensions Shape
}

type Shape []int64

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int64(s))
}

func (s Shape) ValuesInt() []int {
	output := make([]int, len(s))
	for i, v := range s {
		output[i] = safeconv.Int64ToInt(v)
	}
	return output
}

// NumElements is the product of all dimensions, or -1 if any dimension is dynamic.
func (s Shape) NumElements() int64 {
	total := int64(1)
	for _, d := range s {
		if d <= 0 {
			return -1
		}
		total *= d
	}
	return total
}

// NewShape Returns a Shape, with the given dimensions.
func NewShape(dimensions ...int64) Shape {
	return dimensions
}

// Tensor is a dense float32 tensor stored in row-major order.
type Tensor struct {
	Shape Shape
	Data  []float32
}

// Session runs the forward pass of a loaded network. Inputs and outputs are ordered as
// the model's InputsMeta and OutputsMeta. Implementations must be safe for concurrent use.
type Session interface {
	Run(inputs []Tensor) ([]Tensor, error)
	Destroy() error
}

type OutputInfo struct {
	Name       string
	Dimensions []int64
}
type PipelineMetadata struct {
	OutputsInfo []OutputInfo
}

// Pipeline is the interface that any pipeline must implement.
type Pipeline interface {
	GetStatistics() PipelineStatistics // Get the pipeline running statistics
	Validate() error                   // Validate the pipeline for correctness
	GetMetadata() PipelineMetadata     // Return metadata information for the pipeline
	GetModel() *Model                  // Return the model used by the pipeline
}

type PipelineStatistics struct {
	PreprocessTotalTime      time.Duration
	PreprocessExecutionCount uint64
	PreprocessAvgTime        time.Duration
	OnnxTotalTime            time.Duration
	OnnxExecutionCount       uint64
	OnnxAvgQueryTime         time.Duration
	TotalQueries             uint64
	DecodeFailures           uint64
	ComputeFailures          uint64
}

func (p *PipelineStatistics) ComputePreprocessStatistics(timings *timings) {
	p.PreprocessTotalTime = safeconv.U64ToDuration(timings.TotalNS)
	p.PreprocessExecutionCount = timings.NumCalls
	p.PreprocessAvgTime = time.Duration(float64(timings.TotalNS) /
		math.Max(1, float64(timings.NumCalls)))
}

func (p *PipelineStatistics) ComputeOnnxStatistics(timings *timings) {
	p.OnnxTotalTime = safeconv.U64ToDuration(timings.TotalNS)
	p.OnnxExecutionCount = timings.NumCalls
	p.OnnxAvgQueryTime = time.Duration(float64(timings.TotalNS) /
		math.Max(1, float64(timings.NumCalls)))
}

// PipelineOption is an option for a pipeline type.
type PipelineOption[T Pipeline] func(eo T) error

// PipelineConfig is a configuration for a pipeline type that can be used
// to create that pipeline.
type PipelineConfig[T Pipeline] struct {
	ModelPath    string
	Name         string
	OnnxFilename string
	Options      []PipelineOption[T]
}

type timings struct {
	NumCalls uint64
	TotalNS  uint64
}

// PipelineBatch represents a batch of inputs that runs through the pipeline.
type PipelineBatch struct {
	InputValues  []Tensor
	OutputValues []any
	Size         int
}

// NewBatch initializes a new batch for inference.
func NewBatch(size int) *PipelineBatch {
	return &PipelineBatch{
		Size: size,
	}
}

func GetNames(info []InputOutputInfo) []string {
	names := make([]string, 0, len(info))
	for _, v := range info {
		names = append(names, v.Name)
	}
	return names
}

// RunSessionOnBatch runs the model session on the batch inputs and stores the outputs
// reshaped to [batch][...] slices.
func RunSessionOnBatch(batch *PipelineBatch, p *BasePipeline) error {
	if p.Model == nil || p.Model.Session == nil {
		return errors.New("model session is not initialised")
	}
	if len(batch.InputValues) != len(p.Model.InputsMeta) {
		return fmt.Errorf("batch has %d inputs, model expects %d", len(batch.InputValues), len(p.Model.InputsMeta))
	}
	outputs, err := p.Model.Session.Run(batch.InputValues)
	if err != nil {
		return err
	}
	if len(outputs) == 0 {
		return errors.New("model returned no outputs")
	}
	converted := make([]any, len(outputs))
	for i, output := range outputs {
		reshaped, reshapeErr := ReshapeOutput(output, batch.Size)
		if reshapeErr != nil {
			return reshapeErr
		}
		converted[i] = reshaped
	}
	batch.OutputValues = converted
	return nil
}

func NewBasePipeline[T Pipeline](config PipelineConfig[T], s *options.Options, model *Model) (*BasePipeline, error) {
	if model == nil {
		return nil, errors.New("a model is required to create a pipeline")
	}
	pipeline := &BasePipeline{}
	pipeline.Runtime = s.Backend
	pipeline.PipelineName = config.Name
	pipeline.Model = model
	pipeline.PipelineTimings = &timings{}
	pipeline.PreprocessTimings = &timings{}
	return pipeline, nil
}
