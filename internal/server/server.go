// Package server exposes the enricher over HTTP: upload interception with
// the safe-search check, per-image enrichment and crop hints.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/menta2k/image-enricher/internal/logging"
	"github.com/menta2k/image-enricher/internal/store"
	"github.com/menta2k/image-enricher/pkg/crophint"
	"github.com/menta2k/image-enricher/pkg/cropper"
	"github.com/menta2k/image-enricher/pkg/enrich"
	"github.com/menta2k/image-enricher/pkg/imageref"
)

// ImageStore is the metadata the server reads and edits
type ImageStore interface {
	Add(ctx context.Context, path, mimeType string) (*store.Image, error)
	Get(ctx context.Context, id int64) (*store.Image, error)
	SetAltText(ctx context.Context, id int64, text string) error
}

// Enricher runs policies and the safe-search check
type Enricher interface {
	Run(ctx context.Context, mode enrich.Mode, id int64) (enrich.Outcome, error)
	SafeSearchViolations(ctx context.Context, path string) ([]string, error)
}

// Prefetcher primes the annotation cache for a freshly uploaded file
type Prefetcher interface {
	Prefetch(ctx context.Context, path string) bool
}

// HintResolver computes crop hints
type HintResolver interface {
	ForImage(ctx context.Context, ref imageref.Ref) (crophint.Hint, error)
}

// Options wires the server
type Options struct {
	Store      ImageStore
	Enricher   Enricher
	Prefetcher Prefetcher
	Hints      HintResolver
	Sizes      []cropper.Size

	UploadDir        string
	MaxUploadBytes   int64
	PrefetchOnUpload bool
	Logger           *slog.Logger
}

// Server is the HTTP surface
type Server struct {
	opts   Options
	logger *slog.Logger
	engine *gin.Engine
}

// New builds the router
func New(opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 20 << 20
	}
	s := &Server{opts: opts, logger: logging.NewComponentLogger(opts.Logger, "server")}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	r.MaxMultipartMemory = opts.MaxUploadBytes

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	v1 := r.Group("/v1")
	v1.POST("/uploads", s.handleUpload)
	v1.GET("/images/:id", s.handleGetImage)
	v1.PUT("/images/:id/alt", s.handleSetAlt)
	v1.POST("/images/:id/enrich", s.handleEnrich)
	v1.GET("/images/:id/crop-hint", s.handleCropHint)

	s.engine = r
	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on bind until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, bind string) error {
	srv := &http.Server{
		Addr:              bind,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", logging.String("bind", bind))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)
		c.Set(logging.FieldRequestID, requestID)

		start := time.Now()
		c.Next()
		s.logger.Info("request",
			logging.String(logging.FieldRequestID, requestID),
			logging.String("method", c.Request.Method),
			logging.String("route", c.FullPath()),
			logging.Int("status", c.Writer.Status()),
			logging.Int64("duration_ms", time.Since(start).Milliseconds()))
	}
}
