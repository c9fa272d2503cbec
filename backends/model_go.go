package backends

import (
	"errors"
	"fmt"
	"sync"

	"github.com/advancedclimatesystems/gonnx"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/visionserve/options"
)

// GoModel runs the graph with the pure Go gonnx interpreter.
type GoModel struct {
	model       *gonnx.Model
	inputNames  []string
	outputNames []string
	mu          sync.Mutex
}

func createGoModelBackend(model *Model, s *options.Options) error {
	if s.Device == options.DeviceCUDA {
		return fmt.Errorf("device %s is not supported by the %s backend", s.Device, options.BackendGo)
	}
	goModel, inputs, outputs, err := createGoSession(model.OnnxBytes)
	if err != nil {
		return err
	}
	model.Session = goModel
	model.InputsMeta = inputs
	model.OutputsMeta = outputs
	return nil
}

func createGoSession(onnxBytes []byte) (*GoModel, []InputOutputInfo, []InputOutputInfo, error) {
	model, err := gonnx.NewModelFromBytes(onnxBytes)
	if err != nil {
		return nil, nil, nil, err
	}
	inputs, outputs := loadInputOutputMetaGo(model)
	return &GoModel{
		model:       model,
		inputNames:  GetNames(inputs),
		outputNames: GetNames(outputs),
	}, inputs, outputs, nil
}

func loadInputOutputMetaGo(model *gonnx.Model) ([]InputOutputInfo, []InputOutputInfo) {
	var inputs, outputs []InputOutputInfo

	inputShapes := model.InputShapes()
	for _, name := range model.InputNames() {
		shape := inputShapes[name]
		dimensions := make([]int64, len(shape))
		for i, y := range shape {
			dimensions[i] = y.Size
		}
		inputs = append(inputs, InputOutputInfo{
			Name:       name,
			Dimensions: dimensions,
		})
	}
	outputShapes := model.OutputShapes()
	for _, name := range model.OutputNames() {
		shape := outputShapes[name]
		dimensions := make([]int64, len(shape))
		for i, y := range shape {
			dimensions[i] = y.Size
		}
		outputs = append(outputs, InputOutputInfo{
			Name:       name,
			Dimensions: dimensions,
		})
	}
	return inputs, outputs
}

// Run feeds the inputs in InputsMeta order. gonnx keeps intermediate state on the
// model, so calls are serialised.
func (g *GoModel) Run(inputs []Tensor) ([]Tensor, error) {
	if len(inputs) != len(g.inputNames) {
		return nil, fmt.Errorf("got %d inputs, model expects %d", len(inputs), len(g.inputNames))
	}
	inputMap := make(map[string]tensor.Tensor, len(inputs))
	for i, input := range inputs {
		if n := input.Shape.NumElements(); n != int64(len(input.Data)) {
			return nil, fmt.Errorf("input %s has shape %s but %d values", g.inputNames[i], input.Shape, len(input.Data))
		}
		inputMap[g.inputNames[i]] = tensor.New(
			tensor.Of(tensor.Float32),
			tensor.WithShape(input.Shape.ValuesInt()...),
			tensor.WithBacking(input.Data),
		)
	}

	g.mu.Lock()
	if g.model == nil {
		g.mu.Unlock()
		return nil, errors.New("gonnx model has been destroyed")
	}
	results, err := g.model.Run(inputMap)
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}

	outputs := make([]Tensor, 0, len(g.outputNames))
	for _, name := range g.outputNames {
		result, ok := results[name]
		if !ok {
			return nil, fmt.Errorf("output %s missing from gonnx results", name)
		}
		data, isFloat := result.Data().([]float32)
		if !isFloat {
			return nil, fmt.Errorf("output %s has type %T, expected []float32", name, result.Data())
		}
		shape := result.Shape()
		dimensions := make([]int64, len(shape))
		for i, d := range shape {
			dimensions[i] = int64(d)
		}
		copied := make([]float32, len(data))
		copy(copied, data)
		outputs = append(outputs, Tensor{Shape: dimensions, Data: copied})
	}
	return outputs, nil
}

func (g *GoModel) Destroy() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.model = nil
	return nil
}
