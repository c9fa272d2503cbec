package main

import (
	"bufio"
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/visionserve"
	"github.com/knights-analytics/visionserve/backends"
	"github.com/knights-analytics/visionserve/config"
)

// brightnessSession prefers the last class for bright images and the first for dark ones.
type brightnessSession struct{}

func (brightnessSession) Run(inputs []backends.Tensor) ([]backends.Tensor, error) {
	var mean float32
	for _, v := range inputs[0].Data {
		mean += v
	}
	mean /= float32(len(inputs[0].Data))
	return []backends.Tensor{{Shape: backends.NewShape(1, 4), Data: []float32{-mean, 0, 0, mean}}}, nil
}

func (brightnessSession) Destroy() error { return nil }

func useFakeClassifier(t *testing.T) {
	t.Helper()
	previous := newClassifier
	newClassifier = func(cfg config.Config) (classifier, error) {
		model := backends.NewModelFromSession("fake", brightnessSession{},
			[]backends.InputOutputInfo{{Name: "input", Dimensions: backends.NewShape(-1, 3, -1, -1)}},
			[]backends.InputOutputInfo{{Name: "logits", Dimensions: backends.NewShape(-1, 4)}},
		)
		return visionserve.NewClassifierWithModel(cfg, model)
	}
	t.Cleanup(func() { newClassifier = previous })
}

func writePNG(t *testing.T, path string, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 12, 12))
	for y := 0; y < 12; y++ {
		for x := 0; x < 12; x++ {
			img.Set(x, y, c)
		}
	}
	buf := &bytes.Buffer{}
	require.NoError(t, png.Encode(buf, img))
	if path != "" {
		require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	}
	return buf.Bytes()
}

func readLines(t *testing.T, b []byte) []predictOutput {
	t.Helper()
	var outputs []predictOutput
	scanner := bufio.NewScanner(bytes.NewReader(b))
	for scanner.Scan() {
		var out predictOutput
		require.NoError(t, jsoniter.Unmarshal(scanner.Bytes(), &out))
		outputs = append(outputs, out)
	}
	return outputs
}

func TestPredictFolder(t *testing.T) {
	useFakeClassifier(t)
	inputDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(inputDir, "nested"), 0o755))
	writePNG(t, filepath.Join(inputDir, "white.png"), color.White)
	writePNG(t, filepath.Join(inputDir, "nested", "black.png"), color.Black)
	require.NoError(t, os.WriteFile(filepath.Join(inputDir, "broken.jpg"), []byte("not a jpeg"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(inputDir, "notes.txt"), []byte("ignored"), 0o600))
	outputDir := t.TempDir()

	app := newApp()
	err := app.Run([]string{"visionserve", "predict", "--input", inputDir, "--output", outputDir, "--env-file", filepath.Join(inputDir, "none.env"), "--top-k", "2"})
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(outputDir, "result-0.jsonl"))
	require.NoError(t, err)
	outputs := readLines(t, content)
	require.Len(t, outputs, 3)

	byName := map[string]predictOutput{}
	for _, out := range outputs {
		byName[filepath.Base(out.Input)] = out
	}
	assert.Equal(t, "Healthy", byName["white.png"].Class)
	assert.Len(t, byName["white.png"].Predictions, 2)
	require.NotNil(t, byName["white.png"].Confidence)
	assert.Greater(t, *byName["white.png"].Confidence, float32(0.25))
	assert.Equal(t, "Scab", byName["black.png"].Class)
	assert.Contains(t, byName["broken.jpg"].Error, "cannot decode image")
	assert.Empty(t, byName["broken.jpg"].Class)
}

func TestPredictStdin(t *testing.T) {
	useFakeClassifier(t)
	app := newApp()
	out := &bytes.Buffer{}
	app.Writer = out
	app.Reader = bytes.NewReader(writePNG(t, "", color.White))

	require.NoError(t, app.Run([]string{"visionserve", "predict", "--env-file", filepath.Join(t.TempDir(), "none.env")}))
	outputs := readLines(t, out.Bytes())
	require.Len(t, outputs, 1)
	assert.Equal(t, "stdin", outputs[0].Input)
	assert.Equal(t, "Healthy", outputs[0].Class)
	assert.Empty(t, outputs[0].Predictions)
}

func TestPredictSingleFile(t *testing.T) {
	useFakeClassifier(t)
	path := filepath.Join(t.TempDir(), "leaf.png")
	writePNG(t, path, color.Black)

	app := newApp()
	out := &bytes.Buffer{}
	app.Writer = out
	require.NoError(t, app.Run([]string{"visionserve", "predict", "-i", path, "--env-file", filepath.Join(t.TempDir(), "none.env")}))
	outputs := readLines(t, out.Bytes())
	require.Len(t, outputs, 1)
	assert.Equal(t, path, outputs[0].Input)
	assert.Equal(t, "Scab", outputs[0].Class)
}

func TestPredictConfigErrors(t *testing.T) {
	useFakeClassifier(t)
	envFile := filepath.Join(t.TempDir(), "none.env")

	app := newApp()
	err := app.Run([]string{"visionserve", "predict", "--backend", "tf", "--env-file", envFile, "-i", t.TempDir()})
	assert.ErrorContains(t, err, "model.backend")

	app = newApp()
	err = app.Run([]string{"visionserve", "predict", "-i", filepath.Join(t.TempDir(), "missing"), "--env-file", envFile})
	assert.ErrorContains(t, err, "does not exist")

	app = newApp()
	err = app.Run([]string{"visionserve", "serve", "--config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}
