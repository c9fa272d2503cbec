package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/visionserve/options"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 4, cfg.NumClasses)
	assert.Equal(t, []string{"Scab", "Black Rot", "Cedar Rust", "Healthy"}, cfg.ClassNames)
	assert.Equal(t, 224, cfg.Preprocessing.TargetImageSize)
	assert.Equal(t, [3]float32{0.485, 0.456, 0.406}, cfg.Preprocessing.Mean())
	assert.Equal(t, [3]float32{0.229, 0.224, 0.225}, cfg.Preprocessing.Stddev())
	assert.Equal(t, ":8000", cfg.Server.Address)
	assert.Equal(t, "file", cfg.Server.FormField)
	assert.Equal(t, int64(40_000_000), cfg.Preprocessing.MaxImagePixels)
	assert.ElementsMatch(t, []string{"http://localhost:5173", "http://127.0.0.1:5173"}, cfg.Server.AllowedOrigins)
}

func TestLoadYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "visionserve.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
model:
  path: /models/leaves
  backend: ORT
  device: cpu
num_classes: 2
class_names: [sick, healthy]
preprocessing:
  target_image_size: 128
  interpolation: lanczos3
server:
  shutdown_timeout: 3s
log:
  level: debug
`), 0o600))
	envPath := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envPath, []byte("VISIONSERVE_FORM_FIELD=image\nVISIONSERVE_ADDRESS=:9999\n"), 0o600))

	t.Setenv("VISIONSERVE_ADDRESS", ":7000")
	t.Setenv("VISIONSERVE_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("VISIONSERVE_MAX_UPLOAD_BYTES", "2048")
	t.Setenv("VISIONSERVE_MAX_IMAGE_PIXELS", "1000000")

	cfg, err := Load(configPath, envPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Unsetenv("VISIONSERVE_FORM_FIELD") })
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/models/leaves", cfg.Model.Path)
	assert.Equal(t, options.BackendORT, cfg.Model.Backend)
	assert.Equal(t, []string{"sick", "healthy"}, cfg.ClassNames)
	assert.Equal(t, 128, cfg.Preprocessing.TargetImageSize)
	assert.Equal(t, int64(1_000_000), cfg.Preprocessing.MaxImagePixels)
	// fields absent from the file keep their defaults
	assert.Equal(t, []float32{0.485, 0.456, 0.406}, cfg.Preprocessing.NormalizationMean)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)

	assert.Equal(t, "image", cfg.Server.FormField)
	assert.Equal(t, ":7000", cfg.Server.Address)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, int64(2048), cfg.Server.MaxUploadBytes)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), "")
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("num_classes: [1"), 0o600))
	_, err = Load(bad, "")
	assert.Error(t, err)

	t.Setenv("VISIONSERVE_NUM_CLASSES", "four")
	_, err = Load("", filepath.Join(t.TempDir(), "none.env"))
	assert.ErrorContains(t, err, "VISIONSERVE_NUM_CLASSES")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{"class count mismatch", func(c *Config) { c.NumClasses = 5 }, "num_classes is 5 but 4 class_names"},
		{"names from model", func(c *Config) { c.ClassNames = nil }, ""},
		{"duplicate names", func(c *Config) { c.ClassNames = []string{"a", "a", "b", "c"} }, "duplicated"},
		{"zero classes", func(c *Config) { c.NumClasses = 0; c.ClassNames = nil }, "num_classes must be positive"},
		{"short mean", func(c *Config) { c.Preprocessing.NormalizationMean = []float32{0.5} }, "normalization_mean"},
		{"zero stddev", func(c *Config) { c.Preprocessing.NormalizationStddev = []float32{0.2, 0, 0.2} }, "must not contain zero"},
		{"bad size", func(c *Config) { c.Preprocessing.TargetImageSize = 0 }, "target_image_size"},
		{"no pixel limit", func(c *Config) { c.Preprocessing.MaxImagePixels = 0 }, "max_image_pixels"},
		{"bad interpolation", func(c *Config) { c.Preprocessing.Interpolation = "cubic-ish" }, "interpolation"},
		{"bad backend", func(c *Config) { c.Model.Backend = "TF" }, "model.backend"},
		{"cuda on go", func(c *Config) { c.Model.Device = options.DeviceCUDA }, "not supported"},
		{"cuda on ort", func(c *Config) { c.Model.Backend = options.BackendORT; c.Model.Device = options.DeviceCUDA }, ""},
		{"bad device", func(c *Config) { c.Model.Device = "tpu" }, "model.device"},
		{"no model", func(c *Config) { c.Model.Path = "" }, "model.path"},
		{"no form field", func(c *Config) { c.Server.FormField = "" }, "form_field"},
		{"no upload limit", func(c *Config) { c.Server.MaxUploadBytes = 0 }, "max_upload_bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func TestModelOptions(t *testing.T) {
	cfg := Default()
	opts := cfg.Model.Options()
	o := options.Defaults()
	o.Backend = options.BackendGo
	for _, opt := range opts {
		require.NoError(t, opt(o))
	}
	assert.Equal(t, options.DeviceCPU, o.Device)

	cfg.Model.Backend = options.BackendORT
	cfg.Model.Device = options.DeviceAuto
	cfg.Model.IntraOpThreads = 2
	arena := false
	cfg.Model.CPUMemArena = &arena
	o = options.Defaults()
	o.Backend = options.BackendORT
	for _, opt := range cfg.Model.Options() {
		require.NoError(t, opt(o))
	}
	assert.Equal(t, 2, *o.ORTOptions.IntraOpNumThreads)
	require.NotNil(t, o.ORTOptions.CPUMemArena)
	assert.False(t, *o.ORTOptions.CPUMemArena)
	assert.Nil(t, o.ORTOptions.MemPattern)
	assert.True(t, o.ORTOptions.CudaFallback)
	assert.Equal(t, "0", o.ORTOptions.CudaOptions["device_id"])
}
