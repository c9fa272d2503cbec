package visionserve

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/visionserve/backends"
	"github.com/knights-analytics/visionserve/config"
	"github.com/knights-analytics/visionserve/options"
	"github.com/knights-analytics/visionserve/util/imageutil"
)

// logitSession scores images by their mean red value, so different images get different
// classes while identical images always get the same one.
type logitSession struct {
	width   int
	panics  bool
	failing error
}

func (s *logitSession) Run(inputs []backends.Tensor) ([]backends.Tensor, error) {
	if s.panics {
		panic("kernel exploded")
	}
	if s.failing != nil {
		return nil, s.failing
	}
	in := inputs[0]
	n := int(in.Shape[0])
	plane := int(in.Shape[2] * in.Shape[3])
	out := make([]float32, 0, n*s.width)
	for i := 0; i < n; i++ {
		var red float32
		offset := i * 3 * plane
		for _, v := range in.Data[offset : offset+plane] {
			red += v
		}
		red /= float32(plane)
		for c := 0; c < s.width; c++ {
			out = append(out, -(red-float32(c))*(red-float32(c)))
		}
	}
	return []backends.Tensor{{Shape: backends.NewShape(int64(n), int64(s.width)), Data: out}}, nil
}

func (s *logitSession) Destroy() error { return nil }

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Preprocessing.TargetImageSize = 16
	return cfg
}

func newTestClassifier(t *testing.T, session backends.Session, outputWidth int64) *Classifier {
	t.Helper()
	model := backends.NewModelFromSession("test", session,
		[]backends.InputOutputInfo{{Name: "input", Dimensions: backends.NewShape(-1, 3, 16, 16)}},
		[]backends.InputOutputInfo{{Name: "logits", Dimensions: backends.NewShape(-1, outputWidth)}},
	)
	classifier, err := NewClassifierWithModel(testConfig(), model)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, classifier.Destroy())
	})
	return classifier
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	require.NoError(t, png.Encode(buf, img))
	return buf.Bytes()
}

func solid(w, h int, c color.Color) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestPredict(t *testing.T) {
	classifier := newTestClassifier(t, &logitSession{width: 4}, 4)
	labels := classifier.Labels()
	assert.Equal(t, []string{"Scab", "Black Rot", "Cedar Rust", "Healthy"}, labels)

	images := map[string][]byte{
		"png":  encodePNG(t, solid(300, 200, color.NRGBA{R: 255, A: 255})),
		"gray": encodePNG(t, image.NewGray(image.Rect(0, 0, 10, 40))),
	}
	jpegBuf := &bytes.Buffer{}
	require.NoError(t, jpeg.Encode(jpegBuf, solid(64, 64, color.NRGBA{R: 120, G: 200, B: 40, A: 255}), nil))
	images["jpeg"] = jpegBuf.Bytes()

	for name, b := range images {
		t.Run(name, func(t *testing.T) {
			prediction, err := classifier.Predict(context.Background(), b)
			require.NoError(t, err)
			assert.Contains(t, labels, prediction.Label)
			assert.GreaterOrEqual(t, prediction.Confidence, float32(0))
			assert.LessOrEqual(t, prediction.Confidence, float32(1))
			assert.Equal(t, labels[prediction.ClassIndex], prediction.Label)
			assert.Empty(t, prediction.TopK)

			again, err := classifier.Predict(context.Background(), b)
			require.NoError(t, err)
			assert.Equal(t, prediction, again)
		})
	}
}

func TestPredictTopK(t *testing.T) {
	classifier := newTestClassifier(t, &logitSession{width: 4}, 4)
	b := encodePNG(t, solid(8, 8, color.White))

	prediction, err := classifier.PredictTopK(context.Background(), b, 10)
	require.NoError(t, err)
	require.Len(t, prediction.TopK, 4)
	assert.Equal(t, prediction.Label, prediction.TopK[0].Label)
	assert.Equal(t, prediction.Confidence, prediction.TopK[0].Score)
	var sum float32
	for i, score := range prediction.TopK {
		sum += score.Score
		if i > 0 {
			assert.GreaterOrEqual(t, prediction.TopK[i-1].Score, score.Score)
		}
	}
	assert.InDelta(t, 1.0, float64(sum), 1e-5)
}

func TestPredictDecodeErrors(t *testing.T) {
	classifier := newTestClassifier(t, &logitSession{width: 4}, 4)

	for name, b := range map[string][]byte{
		"empty": {},
		"nil":   nil,
		"text":  []byte("this is definitely not an image"),
		"truncated png": encodePNG(t, solid(8, 8, color.White))[:20],
	} {
		t.Run(name, func(t *testing.T) {
			_, err := classifier.Predict(context.Background(), b)
			require.Error(t, err)
			assert.True(t, IsDecodeError(err))
			assert.False(t, IsInternalComputeError(err))
		})
	}
	stats := classifier.GetStatistics()
	assert.Equal(t, uint64(4), stats.DecodeFailures)
	assert.Equal(t, uint64(4), stats.TotalQueries)
	// only the startup warm-up pass reached the model
	assert.Equal(t, uint64(1), stats.OnnxExecutionCount)

	_, err := classifier.PredictImage(context.Background(), nil)
	assert.True(t, IsDecodeError(err))
}

func TestPredictPixelLimit(t *testing.T) {
	model := backends.NewModelFromSession("test", &logitSession{width: 4},
		[]backends.InputOutputInfo{{Name: "input", Dimensions: backends.NewShape(-1, 3, 16, 16)}},
		[]backends.InputOutputInfo{{Name: "logits", Dimensions: backends.NewShape(-1, 4)}},
	)
	cfg := testConfig()
	cfg.Preprocessing.MaxImagePixels = 400
	classifier, err := NewClassifierWithModel(cfg, model)
	require.NoError(t, err)
	defer func() { assert.NoError(t, classifier.Destroy()) }()

	_, err = classifier.Predict(context.Background(), encodePNG(t, solid(20, 20, color.White)))
	assert.NoError(t, err)

	_, err = classifier.Predict(context.Background(), encodePNG(t, solid(21, 20, color.White)))
	require.Error(t, err)
	assert.True(t, IsDecodeError(err))
	assert.ErrorIs(t, err, imageutil.ErrImageTooLarge)
	assert.Equal(t, uint64(1), classifier.GetStatistics().DecodeFailures)
}

func TestPredictComputeErrors(t *testing.T) {
	panicSession := &logitSession{width: 4}
	panicking := newTestClassifier(t, panicSession, 4)
	panicSession.panics = true
	_, err := panicking.Predict(context.Background(), encodePNG(t, solid(8, 8, color.White)))
	require.Error(t, err)
	assert.True(t, IsInternalComputeError(err))
	assert.ErrorContains(t, err, "kernel exploded")

	failSession := &logitSession{width: 4}
	failing := newTestClassifier(t, failSession, 4)
	failSession.failing = errors.New("out of memory")
	_, err = failing.Predict(context.Background(), encodePNG(t, solid(8, 8, color.White)))
	var computeErr *InternalComputeError
	require.ErrorAs(t, err, &computeErr)
	assert.Equal(t, "forward", computeErr.Stage)
	assert.Equal(t, uint64(1), failing.GetStatistics().ComputeFailures)
}

func TestPredictCancelled(t *testing.T) {
	classifier := newTestClassifier(t, &logitSession{width: 4}, 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := classifier.Predict(ctx, encodePNG(t, solid(8, 8, color.White)))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint64(0), classifier.GetStatistics().TotalQueries)
}

func TestPredictConcurrent(t *testing.T) {
	classifier := newTestClassifier(t, &logitSession{width: 4}, 4)
	red := encodePNG(t, solid(20, 20, color.NRGBA{R: 255, A: 255}))
	black := encodePNG(t, solid(20, 20, color.NRGBA{A: 255}))

	expectedRed, err := classifier.Predict(context.Background(), red)
	require.NoError(t, err)
	expectedBlack, err := classifier.Predict(context.Background(), black)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, expected := red, expectedRed
			if i%2 == 0 {
				b, expected = black, expectedBlack
			}
			got, predictErr := classifier.Predict(context.Background(), b)
			assert.NoError(t, predictErr)
			assert.Equal(t, expected, got)
		}(i)
	}
	wg.Wait()
	// 34 predictions plus the warm-up pass
	assert.Equal(t, uint64(35), classifier.GetStatistics().OnnxExecutionCount)
}

func TestStartupErrors(t *testing.T) {
	model := func(outputWidth int64, session backends.Session) *backends.Model {
		return backends.NewModelFromSession("test", session,
			[]backends.InputOutputInfo{{Name: "input", Dimensions: backends.NewShape(-1, 3, 16, 16)}},
			[]backends.InputOutputInfo{{Name: "logits", Dimensions: backends.NewShape(-1, outputWidth)}},
		)
	}

	_, err := NewClassifierWithModel(testConfig(), model(3, &logitSession{width: 3}))
	var startupErr *StartupError
	require.ErrorAs(t, err, &startupErr)
	assert.Equal(t, StagePipeline, startupErr.Stage)

	// dynamic output width is checked with a warm-up pass
	_, err = NewClassifierWithModel(testConfig(), model(-1, &logitSession{width: 3}))
	require.ErrorAs(t, err, &startupErr)
	assert.Equal(t, StageWarmup, startupErr.Stage)

	classifier, err := NewClassifierWithModel(testConfig(), model(-1, &logitSession{width: 4}))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), classifier.GetStatistics().TotalQueries)
	require.NoError(t, classifier.Destroy())

	// a model that loads but cannot run is rejected before serving, even with fixed shapes
	_, err = NewClassifierWithModel(testConfig(), model(4, &logitSession{width: 4, failing: errors.New("unsupported operator: GlobalAveragePool")}))
	require.ErrorAs(t, err, &startupErr)
	assert.Equal(t, StageWarmup, startupErr.Stage)
	assert.ErrorContains(t, err, "GlobalAveragePool")

	_, err = NewClassifierWithModel(testConfig(), model(4, &logitSession{width: 4, panics: true}))
	require.ErrorAs(t, err, &startupErr)
	assert.Equal(t, StageWarmup, startupErr.Stage)

	cfg := testConfig()
	cfg.NumClasses = 3
	_, err = NewClassifierWithModel(cfg, model(4, &logitSession{width: 4}))
	require.ErrorAs(t, err, &startupErr)
	assert.Equal(t, StageConfig, startupErr.Stage)

	cfg = testConfig()
	cfg.Model.Path = filepath.Join(t.TempDir(), "missing.onnx")
	_, err = NewClassifier(cfg)
	require.ErrorAs(t, err, &startupErr)
	assert.Equal(t, StageModel, startupErr.Stage)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.onnx"), []byte("garbage"), 0o600))
	cfg.Model.Path = dir
	_, err = NewClassifier(cfg)
	assert.True(t, IsStartupError(err))

	cfg = testConfig()
	_, err = NewClassifier(cfg, options.WithTelemetry())
	require.ErrorAs(t, err, &startupErr)
	assert.Equal(t, StageOptions, startupErr.Stage)
}

func TestLabelsFromModel(t *testing.T) {
	session := &logitSession{width: 2}
	model := backends.NewModelFromSession("test", session,
		[]backends.InputOutputInfo{{Name: "input", Dimensions: backends.NewShape(-1, 3, 16, 16)}},
		[]backends.InputOutputInfo{{Name: "logits", Dimensions: backends.NewShape(-1, 2)}},
	)
	model.IDLabelMap = map[int]string{0: "sick", 1: "healthy"}
	cfg := testConfig()
	cfg.ClassNames = nil
	cfg.NumClasses = 2

	classifier, err := NewClassifierWithModel(cfg, model)
	require.NoError(t, err)
	assert.Equal(t, []string{"sick", "healthy"}, classifier.Labels())
	assert.Equal(t, options.BackendGo, classifier.Backend())
	assert.Equal(t, options.DeviceCPU, classifier.Device())
	assert.Equal(t, 16, classifier.ImageSize())
}

func TestDestroyTwice(t *testing.T) {
	session := &countingSession{logitSession: logitSession{width: 4}}
	model := backends.NewModelFromSession("test", session,
		[]backends.InputOutputInfo{{Name: "input", Dimensions: backends.NewShape(-1, 3, 16, 16)}},
		[]backends.InputOutputInfo{{Name: "logits", Dimensions: backends.NewShape(-1, 4)}},
	)
	classifier, err := NewClassifierWithModel(testConfig(), model)
	require.NoError(t, err)

	require.NoError(t, classifier.Destroy())
	require.NoError(t, classifier.Destroy())
	require.NoError(t, model.Destroy())
	assert.Equal(t, 1, session.destroys)
}

type countingSession struct {
	logitSession
	destroys int
}

func (s *countingSession) Destroy() error {
	s.destroys++
	if s.destroys > 1 {
		return errors.New("session destroyed twice")
	}
	return nil
}
