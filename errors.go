package visionserve

import (
	"errors"
	"fmt"
)

// StartupError means the classifier could not be built. The service must not start serving.
type StartupError struct {
	Stage string
	Err   error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("startup failed at %s: %v", e.Stage, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// DecodeError means the request bytes are not a decodable image.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cannot decode image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// InternalComputeError means preprocessing, the forward pass or postprocessing failed
// on an image that decoded correctly.
type InternalComputeError struct {
	Stage string
	Err   error
}

func (e *InternalComputeError) Error() string {
	return fmt.Sprintf("inference failed at %s: %v", e.Stage, e.Err)
}

func (e *InternalComputeError) Unwrap() error {
	return e.Err
}

func IsStartupError(err error) bool {
	var target *StartupError
	return errors.As(err, &target)
}

func IsDecodeError(err error) bool {
	var target *DecodeError
	return errors.As(err, &target)
}

func IsInternalComputeError(err error) bool {
	var target *InternalComputeError
	return errors.As(err, &target)
}
