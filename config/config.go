// Package config loads the service configuration from a YAML file, a .env file and
// VISIONSERVE_ prefixed environment variables, in that order of precedence (lowest first).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/knights-analytics/visionserve/options"
	"github.com/knights-analytics/visionserve/util/fileutil"
	"github.com/knights-analytics/visionserve/util/imageutil"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "VISIONSERVE_"

type Config struct {
	Model         ModelConfig         `yaml:"model"`
	NumClasses    int                 `yaml:"num_classes"`
	ClassNames    []string            `yaml:"class_names"`
	Preprocessing PreprocessingConfig `yaml:"preprocessing"`
	Server        ServerConfig        `yaml:"server"`
	Log           LogConfig           `yaml:"log"`
}

type ModelConfig struct {
	// Path is an .onnx file, a directory holding one, or an s3:// URL.
	Path            string `yaml:"path"`
	OnnxFilename    string `yaml:"onnx_filename"`
	Backend         string `yaml:"backend"`
	Device          string `yaml:"device"`
	CudaDeviceID    int    `yaml:"cuda_device_id"`
	OnnxLibraryPath string `yaml:"onnx_library_path"`
	IntraOpThreads  int    `yaml:"intra_op_threads"`
	InterOpThreads  int    `yaml:"inter_op_threads"`
	// CPUMemArena and MemPattern are left to the runtime default when unset.
	CPUMemArena *bool `yaml:"cpu_mem_arena"`
	MemPattern  *bool `yaml:"mem_pattern"`
}

type PreprocessingConfig struct {
	TargetImageSize     int       `yaml:"target_image_size"`
	NormalizationMean   []float32 `yaml:"normalization_mean"`
	NormalizationStddev []float32 `yaml:"normalization_stddev"`
	Interpolation       string    `yaml:"interpolation"`
	// MaxImagePixels caps width*height of an upload, read from the image header before decoding.
	MaxImagePixels int64 `yaml:"max_image_pixels"`
}

type ServerConfig struct {
	Address         string        `yaml:"address"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	FormField       string        `yaml:"form_field"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration of the apple leaf disease classifier.
func Default() Config {
	return Config{
		Model: ModelConfig{
			Path:    "model.onnx",
			Backend: options.BackendGo,
			Device:  options.DeviceAuto,
		},
		NumClasses: 4,
		ClassNames: []string{"Scab", "Black Rot", "Cedar Rust", "Healthy"},
		Preprocessing: PreprocessingConfig{
			TargetImageSize:     224,
			NormalizationMean:   append([]float32(nil), imageutil.ImagenetMean[:]...),
			NormalizationStddev: append([]float32(nil), imageutil.ImagenetStddev[:]...),
			Interpolation:       imageutil.InterpolationBilinear,
			MaxImagePixels:      40_000_000,
		},
		Server: ServerConfig{
			Address:         ":8000",
			AllowedOrigins:  []string{"http://localhost:5173", "http://127.0.0.1:5173"},
			FormField:       "file",
			MaxUploadBytes:  10 << 20,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load builds the configuration from the defaults, the YAML file at path (skipped when empty),
// the .env file at envFile (".env" when empty, skipped when missing) and the environment.
// The result is not validated.
func Load(path string, envFile string) (Config, error) {
	cfg := Default()
	if path != "" {
		configBytes, err := fileutil.ReadFileBytes(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err = yaml.Unmarshal(configBytes, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		// existing environment variables take precedence over the file
		if err = godotenv.Load(envFile); err != nil {
			return cfg, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	c.Model.Path = getEnv("MODEL_PATH", c.Model.Path)
	c.Model.OnnxFilename = getEnv("ONNX_FILENAME", c.Model.OnnxFilename)
	c.Model.Backend = getEnv("BACKEND", c.Model.Backend)
	c.Model.Device = getEnv("DEVICE", c.Model.Device)
	c.Model.CudaDeviceID = getEnvAsInt("CUDA_DEVICE_ID", c.Model.CudaDeviceID, &errs)
	c.Model.OnnxLibraryPath = getEnv("ONNX_LIBRARY_PATH", c.Model.OnnxLibraryPath)
	c.Model.IntraOpThreads = getEnvAsInt("INTRA_OP_THREADS", c.Model.IntraOpThreads, &errs)
	c.Model.InterOpThreads = getEnvAsInt("INTER_OP_THREADS", c.Model.InterOpThreads, &errs)
	c.NumClasses = getEnvAsInt("NUM_CLASSES", c.NumClasses, &errs)
	c.ClassNames = getEnvAsList("CLASS_NAMES", c.ClassNames)
	c.Preprocessing.TargetImageSize = getEnvAsInt("TARGET_IMAGE_SIZE", c.Preprocessing.TargetImageSize, &errs)
	c.Preprocessing.Interpolation = getEnv("INTERPOLATION", c.Preprocessing.Interpolation)
	c.Preprocessing.MaxImagePixels = getEnvAsInt64("MAX_IMAGE_PIXELS", c.Preprocessing.MaxImagePixels, &errs)
	c.Server.Address = getEnv("ADDRESS", c.Server.Address)
	c.Server.AllowedOrigins = getEnvAsList("ALLOWED_ORIGINS", c.Server.AllowedOrigins)
	c.Server.FormField = getEnv("FORM_FIELD", c.Server.FormField)
	c.Server.MaxUploadBytes = getEnvAsInt64("MAX_UPLOAD_BYTES", c.Server.MaxUploadBytes, &errs)
	c.Server.ReadTimeout = getEnvAsDuration("READ_TIMEOUT", c.Server.ReadTimeout, &errs)
	c.Server.WriteTimeout = getEnvAsDuration("WRITE_TIMEOUT", c.Server.WriteTimeout, &errs)
	c.Server.ShutdownTimeout = getEnvAsDuration("SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout, &errs)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int, errs *[]error) int {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		intValue, err := strconv.Atoi(value)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return defaultValue
		}
		return intValue
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64, errs *[]error) int64 {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return defaultValue
		}
		return intValue
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		d, err := time.ParseDuration(value)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return defaultValue
		}
		return d
	}
	return defaultValue
}

// getEnvAsList splits a comma separated value, trimming blanks.
func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(EnvPrefix + key)
	if value == "" {
		return defaultValue
	}
	var list []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}

// Validate reports every problem found. Empty ClassNames are allowed: the names are then
// read from the model.
func (c Config) Validate() error {
	var errs []error
	if c.Model.Path == "" {
		errs = append(errs, errors.New("model.path is required"))
	}
	switch c.Model.Backend {
	case options.BackendGo, options.BackendORT:
	default:
		errs = append(errs, fmt.Errorf("model.backend %q must be %s or %s", c.Model.Backend, options.BackendGo, options.BackendORT))
	}
	switch c.Model.Device {
	case options.DeviceAuto, options.DeviceCPU:
	case options.DeviceCUDA:
		if c.Model.Backend == options.BackendGo {
			errs = append(errs, fmt.Errorf("model.device %s is not supported by the %s backend", options.DeviceCUDA, options.BackendGo))
		}
	default:
		errs = append(errs, fmt.Errorf("model.device %q must be one of %s, %s, %s", c.Model.Device, options.DeviceAuto, options.DeviceCPU, options.DeviceCUDA))
	}
	if c.Model.CudaDeviceID < 0 {
		errs = append(errs, fmt.Errorf("model.cuda_device_id must not be negative, got %d", c.Model.CudaDeviceID))
	}
	if c.Model.IntraOpThreads < 0 || c.Model.InterOpThreads < 0 {
		errs = append(errs, errors.New("model thread counts must not be negative"))
	}

	if c.NumClasses <= 0 {
		errs = append(errs, fmt.Errorf("num_classes must be positive, got %d", c.NumClasses))
	}
	if len(c.ClassNames) > 0 && len(c.ClassNames) != c.NumClasses {
		errs = append(errs, fmt.Errorf("num_classes is %d but %d class_names are configured", c.NumClasses, len(c.ClassNames)))
	}
	seen := map[string]bool{}
	for _, name := range c.ClassNames {
		if name == "" {
			errs = append(errs, errors.New("class_names must not contain empty names"))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("class name %q is duplicated", name))
		}
		seen[name] = true
	}

	p := c.Preprocessing
	if p.TargetImageSize <= 0 {
		errs = append(errs, fmt.Errorf("preprocessing.target_image_size must be positive, got %d", p.TargetImageSize))
	}
	if p.MaxImagePixels <= 0 {
		errs = append(errs, fmt.Errorf("preprocessing.max_image_pixels must be positive, got %d", p.MaxImagePixels))
	}
	if len(p.NormalizationMean) != 3 {
		errs = append(errs, fmt.Errorf("preprocessing.normalization_mean needs 3 values, got %d", len(p.NormalizationMean)))
	}
	if len(p.NormalizationStddev) != 3 {
		errs = append(errs, fmt.Errorf("preprocessing.normalization_stddev needs 3 values, got %d", len(p.NormalizationStddev)))
	}
	for _, s := range p.NormalizationStddev {
		if s == 0 {
			errs = append(errs, errors.New("preprocessing.normalization_stddev must not contain zero"))
			break
		}
	}
	if _, err := imageutil.ParseInterpolation(p.Interpolation); err != nil {
		errs = append(errs, fmt.Errorf("preprocessing.interpolation: %w", err))
	}

	if c.Server.FormField == "" {
		errs = append(errs, errors.New("server.form_field is required"))
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("server.max_upload_bytes must be positive, got %d", c.Server.MaxUploadBytes))
	}
	return errors.Join(errs...)
}

// Mean returns the normalization mean as a fixed triple. Call after Validate.
func (p PreprocessingConfig) Mean() [3]float32 {
	return [3]float32{p.NormalizationMean[0], p.NormalizationMean[1], p.NormalizationMean[2]}
}

// Stddev returns the normalization standard deviation as a fixed triple. Call after Validate.
func (p PreprocessingConfig) Stddev() [3]float32 {
	return [3]float32{p.NormalizationStddev[0], p.NormalizationStddev[1], p.NormalizationStddev[2]}
}

// Options converts the model section into backend options.
func (m ModelConfig) Options() []options.WithOption {
	var opts []options.WithOption
	if m.Backend == options.BackendORT {
		if m.OnnxLibraryPath != "" {
			opts = append(opts, options.WithOnnxLibraryPath(m.OnnxLibraryPath))
		}
		if m.IntraOpThreads > 0 {
			opts = append(opts, options.WithIntraOpNumThreads(m.IntraOpThreads))
		}
		if m.InterOpThreads > 0 {
			opts = append(opts, options.WithInterOpNumThreads(m.InterOpThreads))
		}
		if m.CPUMemArena != nil {
			opts = append(opts, options.WithCPUMemArena(*m.CPUMemArena))
		}
		if m.MemPattern != nil {
			opts = append(opts, options.WithMemPattern(*m.MemPattern))
		}
	}
	opts = append(opts, options.WithDevice(m.Device, m.CudaDeviceID))
	return opts
}
