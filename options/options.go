package options

import (
	"fmt"
	"runtime"
	"strconv"

	"github.com/knights-analytics/visionserve/util/fileutil"
)

// Backend names.
const (
	BackendGo  = "GO"
	BackendORT = "ORT"
)

// Device names accepted by WithDevice.
const (
	DeviceAuto = "auto"
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

type Options struct {
	RuntimeOptions any
	ORTOptions     *OrtOptions
	Destroy        func() error
	Backend        string
	Device         string
}

func Defaults() *Options {
	_, libraryDirDefault, libraryPathDefault := getDefaultLibraryPaths()
	return &Options{
		ORTOptions: &OrtOptions{
			LibraryDir:  &libraryDirDefault,
			LibraryPath: &libraryPathDefault,
		},
		Device: DeviceCPU,
		Destroy: func() error {
			return nil
		},
	}
}

func getDefaultLibraryPaths() (string, string, string) {
	switch runtime.GOOS {
	case "windows":
		return `onnxruntime.dll`, `.\`, `.\onnxruntime.dll`
	case "darwin":
		return "libonnxruntime.dylib", "/usr/local/lib", "/usr/local/lib/libonnxruntime.dylib"
	default:
		return "libonnxruntime.so", "/usr/lib", "/usr/lib/libonnxruntime.so"
	}
}

type OrtOptions struct {
	LibraryPath       *string
	LibraryDir        *string
	Telemetry         *bool
	IntraOpNumThreads *int
	InterOpNumThreads *int
	CPUMemArena       *bool
	MemPattern        *bool
	CudaOptions       map[string]string
	// CudaFallback keeps the session on CPU when the CUDA provider cannot be appended.
	CudaFallback bool
}

// WithOption is the interface for all option functions.
type WithOption func(o *Options) error

// WithOnnxLibraryPath (ORT only) Use this function to set the directory holding the
// "libonnxruntime.so", "libonnxruntime.dylib" or "onnxruntime.dll" file.
func WithOnnxLibraryPath(ortLibraryPath string) WithOption {
	return func(o *Options) error {
		if o.Backend != BackendORT {
			return fmt.Errorf("WithOnnxLibraryPath is only supported for ORT backend")
		}
		isDir, err := fileutil.IsDir(ortLibraryPath)
		if err != nil {
			return fmt.Errorf("failed to access ONNX Runtime library path %q: %w", ortLibraryPath, err)
		}
		if !isDir {
			return fmt.Errorf("%s is not a directory", ortLibraryPath)
		}

		libraryName, _, _ := getDefaultLibraryPaths()
		ortLibraryFullPath := fileutil.PathJoinSafe(ortLibraryPath, libraryName)
		exists, err := fileutil.FileExists(ortLibraryFullPath)
		if err != nil {
			return fmt.Errorf("error checking for existence of ONNX Runtime library file: %w", err)
		}
		if !exists {
			return fmt.Errorf("ONNX Runtime library %s does not exist at %q", libraryName, ortLibraryPath)
		}
		o.ORTOptions.LibraryPath = &ortLibraryFullPath
		o.ORTOptions.LibraryDir = &ortLibraryPath
		return nil
	}
}

// WithTelemetry (ORT only) Enables telemetry events for the onnxruntime environment. Default is off.
func WithTelemetry() WithOption {
	return func(o *Options) error {
		if o.Backend == BackendORT {
			enabled := true
			o.ORTOptions.Telemetry = &enabled
			return nil
		}
		return fmt.Errorf("WithTelemetry is only supported for ORT backend")
	}
}

// WithIntraOpNumThreads (ORT only) Sets the number of threads used to parallelize execution within onnxruntime
// graph nodes. If unspecified, onnxruntime uses the number of physical CPU cores.
func WithIntraOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend == BackendORT {
			o.ORTOptions.IntraOpNumThreads = &numThreads
			return nil
		}
		return fmt.Errorf("WithIntraOpNumThreads is only supported for ORT backend")
	}
}

// WithInterOpNumThreads (ORT only) Sets the number of threads used to parallelize execution across separate
// onnxruntime graph nodes. If unspecified, onnxruntime uses the number of physical CPU cores.
func WithInterOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend == BackendORT {
			o.ORTOptions.InterOpNumThreads = &numThreads
			return nil
		}
		return fmt.Errorf("WithInterOpNumThreads is only supported for ORT backend")
	}
}

// WithCPUMemArena (ORT only) Enable/Disable the usage of the memory arena on CPU.
// Arena may pre-allocate memory for future usage. Default is true.
func WithCPUMemArena(enable bool) WithOption {
	return func(o *Options) error {
		if o.Backend == BackendORT {
			o.ORTOptions.CPUMemArena = &enable
			return nil
		}
		return fmt.Errorf("WithCPUMemArena is only supported for ORT backend")
	}
}

// WithMemPattern (ORT only) Enable/Disable the memory pattern optimization.
// If this is enabled memory is preallocated if all shapes are known. Default is true.
func WithMemPattern(enable bool) WithOption {
	return func(o *Options) error {
		if o.Backend == BackendORT {
			o.ORTOptions.MemPattern = &enable
			return nil
		}
		return fmt.Errorf("WithMemPattern is only supported for ORT backend")
	}
}

// WithCuda (ORT only) Use this function to set the options for CUDA provider.
// It takes a map of CUDA parameters as input.
func WithCuda(options map[string]string) WithOption {
	return func(o *Options) error {
		if o.Backend == BackendORT {
			o.ORTOptions.CudaOptions = options
			o.Device = DeviceCUDA
			return nil
		}
		return fmt.Errorf("WithCuda is only supported for ORT backend")
	}
}

// WithDevice selects where the network runs. "auto" uses CUDA when the execution provider
// can be appended and CPU otherwise. The GO backend only runs on CPU.
func WithDevice(device string, deviceID int) WithOption {
	return func(o *Options) error {
		switch device {
		case DeviceCPU, "":
			o.Device = DeviceCPU
			return nil
		case DeviceCUDA, DeviceAuto:
		default:
			return fmt.Errorf("unknown device %q, expected one of %s, %s, %s", device, DeviceAuto, DeviceCPU, DeviceCUDA)
		}
		switch o.Backend {
		case BackendORT:
			o.ORTOptions.CudaOptions = map[string]string{"device_id": strconv.Itoa(deviceID)}
			o.ORTOptions.CudaFallback = device == DeviceAuto
			o.Device = device
			return nil
		case BackendGo:
			if device == DeviceCUDA {
				return fmt.Errorf("device %s is not supported by the %s backend", device, BackendGo)
			}
			o.Device = DeviceCPU
			return nil
		default:
			return fmt.Errorf("unknown backend %q", o.Backend)
		}
	}
}
