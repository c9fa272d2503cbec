// Package server exposes a Classifier over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/phuslu/log"

	"github.com/knights-analytics/visionserve"
	"github.com/knights-analytics/visionserve/backends"
	"github.com/knights-analytics/visionserve/config"
)

// Predictor is the part of visionserve.Classifier the HTTP layer needs.
type Predictor interface {
	PredictTopK(ctx context.Context, imageBytes []byte, k int) (visionserve.Prediction, error)
	Labels() []string
	Backend() string
	Device() string
	GetStatistics() backends.PipelineStatistics
}

type Server struct {
	cfg       config.ServerConfig
	predictor Predictor
	metrics   *metrics
	router    *gin.Engine
}

// New builds the router. predictor must already be fully initialised.
func New(cfg config.ServerConfig, predictor Predictor) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:       cfg,
		predictor: predictor,
		metrics:   newMetrics(predictor),
	}

	r := gin.New()
	r.MaxMultipartMemory = cfg.MaxUploadBytes
	r.Use(requestID(), s.accessLog(), recovery())
	r.Use(cors.New(corsConfig(cfg.AllowedOrigins)))

	r.POST("/predict", s.Predict)
	r.GET("/health", s.Health)
	r.GET("/stats", s.Stats)
	r.GET("/metrics", gin.WrapH(s.metrics.handler()))
	s.router = r
	return s
}

func corsConfig(origins []string) cors.Config {
	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = origins
	corsCfg.AllowCredentials = true
	corsCfg.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}
	corsCfg.AllowHeaders = []string{"Origin", "Accept", "Accept-Language", "Authorization", "Content-Type", "Content-Length", "X-Requested-With", requestIDHeader}
	corsCfg.ExposeHeaders = []string{requestIDHeader}
	if len(origins) == 0 {
		// an empty allow-list admits nobody
		corsCfg.AllowOrigins = nil
		corsCfg.AllowOriginFunc = func(string) bool { return false }
	}
	return corsCfg
}

// Handler returns the http.Handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on cfg.Address until ctx is cancelled, then shuts down gracefully
// waiting at most cfg.ShutdownTimeout for in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.router,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("address", s.cfg.Address).Strs("allowed_origins", s.cfg.AllowedOrigins).Msg("listening")
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	err := httpServer.Shutdown(shutdownCtx)
	if listenErr := <-serveErr; listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
		err = errors.Join(err, listenErr)
	}
	return err
}
