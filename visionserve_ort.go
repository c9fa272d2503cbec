//go:build cgo && (ORT || ALL)

package visionserve

import (
	"errors"
	"fmt"

	"github.com/phuslu/log"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/knights-analytics/visionserve/options"
	"github.com/knights-analytics/visionserve/util/fileutil"
)

// initialiseORT starts the onnxruntime environment and stores the session options in
// o.RuntimeOptions. The returned function destroys the environment.
func initialiseORT(o *options.Options) (func() error, error) {
	if ort.IsInitialized() {
		return nil, errors.New("another classifier is currently active, and only one onnxruntime environment can be active at one time")
	}
	initialised, err := setupORT(o)
	if err != nil {
		if initialised {
			return nil, errors.Join(err, o.Destroy(), ort.DestroyEnvironment())
		}
		return nil, err
	}
	return func() error {
		return ort.DestroyEnvironment()
	}, nil
}

func setupORT(s *options.Options) (bool, error) {
	o := s.ORTOptions
	// Set pre-initialisation options
	if o.LibraryPath != nil {
		ortPathExists, err := fileutil.FileExists(*o.LibraryPath)
		if err != nil {
			return false, err
		}
		if !ortPathExists {
			return false, fmt.Errorf("cannot find the ort library at: %s", *o.LibraryPath)
		}
		ort.SetSharedLibraryPath(*o.LibraryPath)
	}

	// Start OnnxRuntime
	if err := ort.InitializeEnvironment(); err != nil {
		return false, err
	}

	if o.Telemetry != nil && *o.Telemetry {
		if err := ort.EnableTelemetry(); err != nil {
			return true, err
		}
	} else {
		if err := ort.DisableTelemetry(); err != nil {
			return true, err
		}
	}

	sessionOptions, optionsError := ort.NewSessionOptions()
	if optionsError != nil {
		return true, optionsError
	}
	s.RuntimeOptions = sessionOptions
	s.Destroy = func() error {
		return sessionOptions.Destroy()
	}

	if o.IntraOpNumThreads != nil {
		if err := sessionOptions.SetIntraOpNumThreads(*o.IntraOpNumThreads); err != nil {
			return true, err
		}
	}
	if o.InterOpNumThreads != nil {
		if err := sessionOptions.SetInterOpNumThreads(*o.InterOpNumThreads); err != nil {
			return true, err
		}
	}
	if o.CPUMemArena != nil {
		if err := sessionOptions.SetCpuMemArena(*o.CPUMemArena); err != nil {
			return true, err
		}
	}
	if o.MemPattern != nil {
		if err := sessionOptions.SetMemPattern(*o.MemPattern); err != nil {
			return true, err
		}
	}
	if o.CudaOptions != nil {
		if err := appendCuda(sessionOptions, o.CudaOptions); err != nil {
			if !o.CudaFallback {
				return true, fmt.Errorf("enabling CUDA: %w", err)
			}
			log.Warn().Err(err).Msg("CUDA is not available, running on CPU")
			s.Device = options.DeviceCPU
		} else {
			s.Device = options.DeviceCUDA
		}
	}
	return true, nil
}

func appendCuda(sessionOptions *ort.SessionOptions, cudaOptions map[string]string) error {
	providerOptions, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer func() {
		_ = providerOptions.Destroy()
	}()
	if len(cudaOptions) > 0 {
		if err = providerOptions.Update(cudaOptions); err != nil {
			return err
		}
	}
	return sessionOptions.AppendExecutionProviderCUDA(providerOptions)
}
