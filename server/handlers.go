package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/knights-analytics/visionserve"
)

// multipartOverhead leaves room for boundaries and part headers around the file.
const multipartOverhead = 64 << 10

// HTTPError is the body of every error response.
type HTTPError struct {
	Error string `json:"error"`
}

type PredictResponse struct {
	Class       string                   `json:"class"`
	Confidence  float32                  `json:"confidence"`
	Predictions []visionserve.ClassScore `json:"predictions,omitempty"`
}

type HealthResponse struct {
	Status  string   `json:"status"`
	Backend string   `json:"backend"`
	Device  string   `json:"device"`
	Classes []string `json:"classes"`
}

// Error writes an error body and aborts the handler chain.
func Error(c *gin.Context, status int, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, HTTPError{
		Error: err.Error(),
	})
}

// Predict classifies the image uploaded in the configured form field.
func (s *Server) Predict(c *gin.Context) {
	if c.Request.ContentLength > s.cfg.MaxUploadBytes+multipartOverhead {
		Error(c, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", s.cfg.MaxUploadBytes))
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxUploadBytes+multipartOverhead)

	topK := 0
	if raw := c.Query("top_k"); raw != "" {
		k, err := strconv.Atoi(raw)
		if err != nil || k < 1 {
			Error(c, http.StatusBadRequest, fmt.Errorf("top_k must be a positive integer, got %q", raw))
			return
		}
		topK = k
	}

	file, header, err := c.Request.FormFile(s.cfg.FormField)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			Error(c, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", s.cfg.MaxUploadBytes))
			return
		}
		Error(c, http.StatusBadRequest, fmt.Errorf("expected a multipart upload with a %q file field: %w", s.cfg.FormField, err))
		return
	}
	defer file.Close()
	if header.Size > s.cfg.MaxUploadBytes {
		Error(c, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", s.cfg.MaxUploadBytes))
		return
	}

	imageBytes, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxUploadBytes+1))
	if err != nil {
		Error(c, http.StatusBadRequest, fmt.Errorf("reading upload: %w", err))
		return
	}
	if int64(len(imageBytes)) > s.cfg.MaxUploadBytes {
		Error(c, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", s.cfg.MaxUploadBytes))
		return
	}

	prediction, err := s.predictor.PredictTopK(c.Request.Context(), imageBytes, topK)
	if err != nil {
		status := statusFor(err)
		s.metrics.observeFailure(status)
		Error(c, status, err)
		return
	}
	s.metrics.observePrediction(prediction.Label)
	c.Set(predictedClassKey, prediction.Label)
	c.JSON(http.StatusOK, PredictResponse{
		Class:       prediction.Label,
		Confidence:  prediction.Confidence,
		Predictions: prediction.TopK,
	})
}

func statusFor(err error) int {
	switch {
	case visionserve.IsDecodeError(err):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Backend: s.predictor.Backend(),
		Device:  s.predictor.Device(),
		Classes: s.predictor.Labels(),
	})
}

func (s *Server) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.predictor.GetStatistics())
}
