package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/visionserve/options"
	"github.com/knights-analytics/visionserve/util/fileutil"
)

type Model struct {
	ID           string
	Session      Session
	Destroy      func() error
	IDLabelMap   map[int]string
	Path         string
	OnnxFilename string
	OnnxPath     string
	OnnxBytes    []byte
	InputsMeta   []InputOutputInfo
	OutputsMeta  []InputOutputInfo
}

// LoadModel reads the ONNX file found at path and creates the backend session selected in options.
// path is either an .onnx file or a directory holding one; local paths and s3:// URLs are supported.
func LoadModel(path string, onnxFilename string, options *options.Options) (*Model, error) {
	model := &Model{
		ID:           path + ":" + onnxFilename,
		Path:         path,
		OnnxFilename: onnxFilename,
	}

	if err := GetOnnxModelPath(model); err != nil {
		return nil, err
	}
	onnxBytes, err := fileutil.ReadFileBytes(model.OnnxPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", model.OnnxPath, err)
	}
	if len(onnxBytes) == 0 {
		return nil, fmt.Errorf("model file %s is empty", model.OnnxPath)
	}
	model.OnnxBytes = onnxBytes

	if err = loadModelConfig(model); err != nil {
		return nil, fmt.Errorf("reading model config: %w", err)
	}
	if err = CreateModelBackend(model, options); err != nil {
		return nil, err
	}
	// the session holds its own copy of the graph
	model.OnnxBytes = nil

	model.Destroy = destroyOnce(model)
	return model, nil
}

// destroyOnce releases the session on the first call only. The Session field is left
// in place so readers never race with Destroy; it must still not run concurrently with Run.
func destroyOnce(model *Model) func() error {
	var destroyed atomic.Bool
	return func() error {
		if !destroyed.CompareAndSwap(false, true) || model.Session == nil {
			return nil
		}
		return model.Session.Destroy()
	}
}

// NewModelFromSession wraps an already created session, e.g. one built in memory.
func NewModelFromSession(id string, session Session, inputs, outputs []InputOutputInfo) *Model {
	model := &Model{
		ID:          id,
		Session:     session,
		InputsMeta:  inputs,
		OutputsMeta: outputs,
	}
	model.Destroy = destroyOnce(model)
	return model
}

func CreateModelBackend(model *Model, s *options.Options) error {
	switch s.Backend {
	case options.BackendORT:
		return createORTModelBackend(model, s)
	case options.BackendGo:
		return createGoModelBackend(model, s)
	default:
		return fmt.Errorf("backend %q is not supported", s.Backend)
	}
}

// GetOnnxModelPath resolves model.OnnxPath. A path ending in .onnx is used as is and its
// directory becomes model.Path; otherwise model.Path must contain exactly one .onnx file
// or the file named by model.OnnxFilename.
func GetOnnxModelPath(model *Model) error {
	if strings.HasSuffix(strings.ToLower(model.Path), ".onnx") {
		exists, err := fileutil.FileExists(model.Path)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("model file %s does not exist", model.Path)
		}
		model.OnnxPath = model.Path
		model.OnnxFilename = filepath.Base(model.Path)
		model.Path = parentPath(model.Path)
		return nil
	}

	onnxFiles, err := getOnnxFiles(model.Path)
	if err != nil {
		return err
	}
	if len(onnxFiles) == 0 {
		return fmt.Errorf("no .onnx file detected at %s. There should be exactly one .onnx file", model.Path)
	}
	if len(onnxFiles) > 1 || model.OnnxFilename != "" {
		if model.OnnxFilename == "" {
			return fmt.Errorf("multiple .onnx file detected at %s and no OnnxFilename specified", model.Path)
		}
		for i := range onnxFiles {
			if onnxFiles[i][1] == model.OnnxFilename {
				model.OnnxPath = fileutil.PathJoinSafe(onnxFiles[i]...)
				return nil
			}
		}
		return fmt.Errorf("file %s not found at %s", model.OnnxFilename, model.Path)
	}
	model.OnnxPath = fileutil.PathJoinSafe(onnxFiles[0]...)
	model.OnnxFilename = onnxFiles[0][1]
	return nil
}

func parentPath(path string) string {
	if fileutil.GetPathType(path) == "S3" {
		if idx := strings.LastIndex(path, "/"); idx > len("s3://") {
			return path[:idx]
		}
		return path
	}
	return filepath.Dir(path)
}

func getOnnxFiles(path string) ([][]string, error) {
	var onnxFiles [][]string
	walker := func(_ context.Context, _ string, parent string, info os.FileInfo, _ io.Reader) (toContinue bool, err error) {
		if !info.IsDir() && strings.HasSuffix(info.Name(), ".onnx") {
			onnxFiles = append(onnxFiles, []string{fileutil.PathJoinSafe(path, parent), info.Name()})
		}
		return true, nil
	}
	err := fileutil.WalkDir(context.Background(), path, walker)
	return onnxFiles, err
}

// loadModelConfig reads id2label from config.json next to the ONNX file, if present.
func loadModelConfig(model *Model) error {
	configPath := fileutil.PathJoinSafe(model.Path, "config.json")
	exists, err := fileutil.FileExists(configPath)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	configBytes, err := fileutil.ReadFileBytes(configPath)
	if err != nil {
		return err
	}
	labels, err := ParseID2Label(configBytes)
	if err != nil {
		return fmt.Errorf("%s: %w", configPath, err)
	}
	model.IDLabelMap = labels
	return nil
}

// ParseID2Label extracts the id2label mapping from a huggingface style config.json.
// A missing id2label yields a nil map.
func ParseID2Label(configBytes []byte) (map[int]string, error) {
	configMap := map[string]any{}
	if err := jsoniter.Unmarshal(configBytes, &configMap); err != nil {
		return nil, err
	}
	id2LabelRaw, ok := configMap["id2label"]
	if !ok {
		return nil, nil
	}
	id2Label, ok := id2LabelRaw.(map[string]any)
	if !ok {
		return nil, errors.New("id2label is not a map")
	}
	id2labelCast := map[int]string{}
	for k, v := range id2Label {
		kInt, kErr := strconv.Atoi(k)
		if kErr != nil {
			return nil, fmt.Errorf("id2label key %q is not an integer", k)
		}
		label, isString := v.(string)
		if !isString {
			return nil, fmt.Errorf("id2label value for %d is not a string", kInt)
		}
		id2labelCast[kInt] = label
	}
	return id2labelCast, nil
}

// OrderedLabels turns an id2label map into a slice indexed by class id.
// The ids must be exactly 0..n-1.
func OrderedLabels(idLabelMap map[int]string) ([]string, error) {
	ids := make([]int, 0, len(idLabelMap))
	for id := range idLabelMap {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	labels := make([]string, len(ids))
	for i, id := range ids {
		if id != i {
			return nil, fmt.Errorf("id2label ids are not contiguous from 0: missing %d", i)
		}
		labels[i] = idLabelMap[id]
	}
	return labels, nil
}

// ReshapeOutput splits a flat output tensor into one row per batch element.
func ReshapeOutput(output Tensor, batchSize int) ([][]float32, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("invalid batch size %d", batchSize)
	}
	total := len(output.Data)
	if total == 0 || total%batchSize != 0 {
		return nil, fmt.Errorf("output with %d values cannot be split into %d rows", total, batchSize)
	}
	return flatDataTo2D(output.Data, batchSize, total/batchSize), nil
}

func flatDataTo2D[T float32 | int64 | int32](input []T, batchSize int, dimension int) [][]T {
	output := make([][]T, batchSize)
	counter := 0
	for batchIndex := 0; batchIndex < batchSize; batchIndex++ {
		row := make([]T, dimension)
		for i := 0; i < dimension; i++ {
			row[i] = input[counter]
			counter++
		}
		output[batchIndex] = row
	}
	return output
}
