package imageutil

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"

	"github.com/knights-analytics/visionserve/util/safeconv"
)

// ErrEmptyImage is returned when there are no bytes to decode.
var ErrEmptyImage = errors.New("image payload is empty")

// ErrImageTooLarge is returned when the image header declares more pixels than allowed.
var ErrImageTooLarge = errors.New("image has too many pixels")

// DecodeImage decodes JPEG, PNG or GIF bytes and returns the image with its format name.
// The header is read first and images above maxPixels are rejected before any pixel buffer
// is allocated. maxPixels <= 0 disables the check.
func DecodeImage(b []byte, maxPixels int64) (image.Image, string, error) {
	if len(b) == 0 {
		return nil, "", ErrEmptyImage
	}
	header, format, err := image.DecodeConfig(bytes.NewReader(b))
	if err != nil {
		return nil, "", err
	}
	if header.Width <= 0 || header.Height <= 0 {
		return nil, "", fmt.Errorf("%s image has no pixels", format)
	}
	if pixels := int64(header.Width) * int64(header.Height); maxPixels > 0 && pixels > maxPixels {
		return nil, "", fmt.Errorf("%w: %dx%d exceeds %d", ErrImageTooLarge, header.Width, header.Height, maxPixels)
	}
	img, format, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, "", err
	}
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, "", fmt.Errorf("%s image has no pixels", format)
	}
	return img, format, nil
}

// ToRGB converts any color model to an opaque 8-bit RGB image anchored at the origin.
// Alpha is dropped rather than composited, so a transparent pixel keeps its color.
func ToRGB(img image.Image) *image.NRGBA {
	bounds := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			c.A = 0xff
			dst.SetNRGBA(x-bounds.Min.X, y-bounds.Min.Y, c)
		}
	}
	return dst
}

type PreprocessStep interface {
	Apply(img image.Image) (image.Image, error)
}

// RGBStep converts the image to opaque RGB.
type RGBPreprocessor struct{}

func RGBStep() *RGBPreprocessor {
	return &RGBPreprocessor{}
}

func (s *RGBPreprocessor) Apply(img image.Image) (image.Image, error) {
	return ToRGB(img), nil
}

// Interpolation names accepted by ParseInterpolation.
const (
	InterpolationNearest  = "nearest"
	InterpolationBilinear = "bilinear"
	InterpolationBicubic  = "bicubic"
	InterpolationLanczos3 = "lanczos3"
)

func ParseInterpolation(name string) (resize.InterpolationFunction, error) {
	switch strings.ToLower(name) {
	case InterpolationNearest:
		return resize.NearestNeighbor, nil
	case "", InterpolationBilinear:
		return resize.Bilinear, nil
	case InterpolationBicubic:
		return resize.Bicubic, nil
	case InterpolationLanczos3:
		return resize.Lanczos3, nil
	default:
		return resize.Bilinear, fmt.Errorf("unknown interpolation %q", name)
	}
}

// SquareResizePreprocessor scales (never crops) an image to targetSize x targetSize.
type SquareResizePreprocessor struct {
	targetSize    int
	interpolation resize.InterpolationFunction
}

func SquareResizeStep(targetSize int, interpolation resize.InterpolationFunction) *SquareResizePreprocessor {
	return &SquareResizePreprocessor{targetSize: targetSize, interpolation: interpolation}
}

func (s *SquareResizePreprocessor) Apply(img image.Image) (image.Image, error) {
	if s.targetSize <= 0 {
		return nil, fmt.Errorf("invalid resize target %d", s.targetSize)
	}
	bounds := img.Bounds()
	if bounds.Dx() == s.targetSize && bounds.Dy() == s.targetSize {
		return img, nil
	}
	size := safeconv.IntToUint(s.targetSize)
	return resize.Resize(size, size, img, s.interpolation), nil
}

type NormalizationStep interface {
	Apply(r, g, b float32) (float32, float32, float32)
}

type PixelNormalizationPreprocessor struct {
	mean [3]float32
	std  [3]float32
}

func (s *PixelNormalizationPreprocessor) Apply(r, g, b float32) (float32, float32, float32) {
	r = (r - s.mean[0]) / s.std[0]
	g = (g - s.mean[1]) / s.std[1]
	b = (b - s.mean[2]) / s.std[2]
	return r, g, b
}

func PixelNormalizationStep(mean, std [3]float32) *PixelNormalizationPreprocessor {
	return &PixelNormalizationPreprocessor{mean: mean, std: std}
}

// ImageNet channel statistics, the usual normalization for pretrained vision networks.
var (
	ImagenetMean   = [3]float32{0.485, 0.456, 0.406}
	ImagenetStddev = [3]float32{0.229, 0.224, 0.225}
)

func ImagenetPixelNormalizationStep() *PixelNormalizationPreprocessor {
	return &PixelNormalizationPreprocessor{mean: ImagenetMean, std: ImagenetStddev}
}

type RescalePreprocessor struct{}

func (s *RescalePreprocessor) Apply(r, g, b float32) (float32, float32, float32) {
	scale := float32(1.0 / 255.0)
	return r * scale, g * scale, b * scale
}

func RescaleStep() *RescalePreprocessor {
	return &RescalePreprocessor{}
}

// PixelRGB8 returns the 8-bit, non-premultiplied RGB components of a pixel.
func PixelRGB8(img image.Image, x, y int) (float32, float32, float32) {
	if nrgba, ok := img.(*image.NRGBA); ok {
		c := nrgba.NRGBAAt(x, y)
		return float32(c.R), float32(c.G), float32(c.B)
	}
	c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
	return float32(c.R), float32(c.G), float32(c.B)
}
