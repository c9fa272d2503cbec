//go:build !cgo || (!ORT && !ALL)

package visionserve

import (
	"errors"

	"github.com/knights-analytics/visionserve/options"
)

func initialiseORT(_ *options.Options) (func() error, error) {
	return nil, errors.New("to enable ORT, run `go build -tags ORT` or `go build -tags ALL`")
}
