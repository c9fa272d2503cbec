package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/phuslu/log"
)

const (
	requestIDHeader   = "X-Request-ID"
	requestIDKey      = "request_id"
	predictedClassKey = "predicted_class"
)

// requestID reuses the caller's X-Request-ID or assigns a new UUID.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		status := c.Writer.Status()
		s.metrics.observeRequest(c.FullPath(), status, latency)

		var entry *log.Entry
		switch {
		case status >= http.StatusInternalServerError:
			entry = log.Error()
		case status >= http.StatusBadRequest:
			entry = log.Warn()
		default:
			entry = log.Info()
		}
		entry = entry.
			Str("request_id", c.GetString(requestIDKey)).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", latency)
		if class := c.GetString(predictedClassKey); class != "" {
			entry = entry.Str("class", class)
		}
		if len(c.Errors) > 0 {
			entry = entry.Str("error", c.Errors.String())
		}
		entry.Msg("request")
	}
}

func recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("request_id", c.GetString(requestIDKey)).Msgf("panic: %v", r)
				Error(c, http.StatusInternalServerError, fmt.Errorf("internal error"))
			}
		}()
		c.Next()
	}
}
