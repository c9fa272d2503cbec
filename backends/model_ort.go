//go:build cgo && (ORT || ALL)

package backends

import (
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/knights-analytics/visionserve/options"
)

// ORTModel wraps an onnxruntime dynamic session. Dynamic sessions may be run concurrently.
type ORTModel struct {
	Session        *ort.DynamicAdvancedSession
	SessionOptions *ort.SessionOptions
	Options        *options.OrtOptions
	numOutputs     int
}

func createORTModelBackend(model *Model, options *options.Options) error {
	sessionOptions, ok := options.RuntimeOptions.(*ort.SessionOptions)
	if !ok || sessionOptions == nil {
		return errors.New("ORT session options are not initialised")
	}

	inputs, outputs, err := loadInputOutputMetaORTBytes(model.OnnxBytes)
	if err != nil {
		return err
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(
		model.OnnxBytes,
		GetNames(inputs),
		GetNames(outputs),
		sessionOptions,
	)
	if err != nil {
		return err
	}

	model.Session = &ORTModel{
		Session:        session,
		SessionOptions: sessionOptions,
		Options:        options.ORTOptions,
		numOutputs:     len(outputs),
	}
	model.InputsMeta = inputs
	model.OutputsMeta = outputs
	return nil
}

func loadInputOutputMetaORTBytes(onnxBytes []byte) ([]InputOutputInfo, []InputOutputInfo, error) {
	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(onnxBytes)
	if err != nil {
		return nil, nil, err
	}
	return convertORTInputOutputs(inputs), convertORTInputOutputs(outputs), nil
}

func convertORTInputOutputs(inputOutputs []ort.InputOutputInfo) []InputOutputInfo {
	infos := make([]InputOutputInfo, 0, len(inputOutputs))
	for _, v := range inputOutputs {
		infos = append(infos, InputOutputInfo{
			Name:       v.Name,
			Dimensions: Shape(v.Dimensions),
		})
	}
	return infos
}

func (m *ORTModel) Run(inputs []Tensor) (result []Tensor, err error) {
	if m.Session == nil {
		return nil, errors.New("onnxruntime session has been destroyed")
	}
	values := make([]ort.Value, len(inputs))
	defer func() {
		for _, v := range values {
			if v != nil {
				err = errors.Join(err, v.Destroy())
			}
		}
	}()
	for i, input := range inputs {
		t, tensorErr := ort.NewTensor(ort.NewShape(input.Shape...), input.Data)
		if tensorErr != nil {
			return nil, tensorErr
		}
		values[i] = t
	}

	// nil outputs are allocated by onnxruntime
	outputValues := make([]ort.Value, m.numOutputs)
	if err = m.Session.Run(values, outputValues); err != nil {
		return nil, err
	}
	defer func() {
		for _, v := range outputValues {
			if v != nil {
				err = errors.Join(err, v.Destroy())
			}
		}
	}()

	result = make([]Tensor, 0, len(outputValues))
	for i, v := range outputValues {
		t, isFloat := v.(*ort.Tensor[float32])
		if !isFloat {
			return nil, fmt.Errorf("output %d has type %T, expected float32 tensor", i, v)
		}
		data := t.GetData()
		copied := make([]float32, len(data))
		copy(copied, data)
		result = append(result, Tensor{Shape: Shape(t.GetShape()), Data: copied})
	}
	return result, nil
}

func (m *ORTModel) Destroy() error {
	if m.Session == nil {
		return nil
	}
	err := m.Session.Destroy()
	m.Session = nil
	return err
}
