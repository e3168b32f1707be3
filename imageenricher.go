// Package imageenricher enriches images with machine-vision metadata:
// descriptive (alt) text, safe-search verdicts and crop-focus hints.
//
// Basic usage:
//
//	cfg, _, _, err := config.Load("")
//	if err != nil {
//		log.Fatal(err)
//	}
//	app, err := imageenricher.New(ctx, cfg, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer app.Close()
//
//	images, _ := app.Import(ctx, "photos/")
//	for _, img := range images {
//		app.Engine.IfNoneExists(ctx, img.ID)
//	}
//
// The package wires the building blocks together:
//
//  1. Vision clients (pkg/gcv, pkg/ollama) behind client.Annotator
//  2. The prefetch cache (pkg/prefetch), in memory or in redis
//  3. The policy engine (pkg/enrich) over the SQLite store (internal/store)
//  4. Crop hints (pkg/crophint) and thumbnails (pkg/cropper)
package imageenricher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/menta2k/image-enricher/internal/batch"
	"github.com/menta2k/image-enricher/internal/config"
	"github.com/menta2k/image-enricher/internal/logging"
	"github.com/menta2k/image-enricher/internal/server"
	"github.com/menta2k/image-enricher/internal/store"
	"github.com/menta2k/image-enricher/internal/utils"
	"github.com/menta2k/image-enricher/pkg/client"
	"github.com/menta2k/image-enricher/pkg/crophint"
	"github.com/menta2k/image-enricher/pkg/cropper"
	"github.com/menta2k/image-enricher/pkg/enrich"
	"github.com/menta2k/image-enricher/pkg/gcv"
	"github.com/menta2k/image-enricher/pkg/ollama"
	"github.com/menta2k/image-enricher/pkg/prefetch"
)

// Version of the image enricher
const Version = "1.0.0"

// Enricher holds the wired components
type Enricher struct {
	Config    *config.Config
	Annotator client.Annotator
	Cache     *prefetch.Cache
	Store     *store.Store
	Engine    *enrich.Engine
	Hints     *crophint.Resolver

	logger  *slog.Logger
	closers []func() error
}

// New wires every component from cfg. Close releases the database and any
// redis connection.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Enricher, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	annotator, err := NewAnnotator(cfg, logger)
	if err != nil {
		return nil, err
	}

	e := &Enricher{Config: cfg, Annotator: annotator, logger: logger}

	cacheStore, err := e.cacheStore(ctx)
	if err != nil {
		return nil, err
	}
	e.Cache = prefetch.New(annotator, prefetch.Options{
		TTL:    cfg.CacheTTL(),
		Store:  cacheStore,
		Logger: logger,
	})

	st, err := store.Open(ctx, cfg.Store.Path)
	if err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("open image store: %w", err)
	}
	e.Store = st
	e.closers = append(e.closers, st.Close)

	e.Engine = enrich.NewEngine(st, e.Cache, logger)
	e.Hints = crophint.NewResolver(e.Cache, logger)
	return e, nil
}

// NewAnnotator builds the configured vision backend
func NewAnnotator(cfg *config.Config, logger *slog.Logger) (client.Annotator, error) {
	switch cfg.Vision.Backend {
	case config.BackendOllama:
		return ollama.NewClient(cfg.Vision.OllamaURL, cfg.Vision.OllamaModel, nil, logger)
	case config.BackendGCV, "":
		return gcv.NewClient(gcv.Options{
			Endpoint:   cfg.Vision.Endpoint,
			APIKey:     cfg.Vision.APIKey,
			Timeout:    cfg.VisionTimeout(),
			FixtureDir: cfg.Vision.FixtureDir,
			Logger:     logger,
		})
	}
	return nil, fmt.Errorf("unknown vision backend %q", cfg.Vision.Backend)
}

func (e *Enricher) cacheStore(ctx context.Context) (prefetch.Store, error) {
	if e.Config.Cache.Backend != config.CacheRedis {
		return nil, nil
	}
	rs, err := prefetch.DialRedis(ctx, e.Config.Cache.RedisAddr, e.Config.Cache.RedisPassword, e.Config.Cache.RedisDB, e.Config.Cache.RedisPrefix)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, rs.Close)
	return rs, nil
}

// Close releases held resources
func (e *Enricher) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

// Import registers every image file under path (a file or directory)
func (e *Enricher) Import(ctx context.Context, path string) ([]*store.Image, error) {
	files, err := utils.ListImageFiles(path)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	images := make([]*store.Image, 0, len(files))
	for _, f := range files {
		img, err := e.Store.Add(ctx, f, "")
		if err != nil {
			return images, err
		}
		images = append(images, img)
	}
	return images, nil
}

// Thumbnails resolves the crop hint for an image and renders the
// configured sizes next to it.
func (e *Enricher) Thumbnails(ctx context.Context, id int64) (crophint.Hint, []string, error) {
	img, err := e.Store.Get(ctx, id)
	if err != nil {
		return crophint.Hint{}, nil, err
	}
	hint, err := e.Hints.ForImage(ctx, img.Ref())
	if err != nil {
		return crophint.Hint{}, nil, err
	}
	plans := cropper.ApplyHint(e.Config.Thumbnails.Sizes, hint)
	paths, err := cropper.Generate(img.Path, plans, e.Config.Thumbnails.Quality)
	return hint, paths, err
}

// NewServer builds the HTTP surface
func (e *Enricher) NewServer() *server.Server {
	return server.New(server.Options{
		Store:            e.Store,
		Enricher:         e.Engine,
		Prefetcher:       e.Cache,
		Hints:            e.Hints,
		Sizes:            e.Config.Thumbnails.Sizes,
		UploadDir:        e.Config.Server.UploadDir,
		MaxUploadBytes:   int64(e.Config.Server.MaxUploadMB) << 20,
		PrefetchOnUpload: e.Config.Cache.PrefetchOnUpload,
		Logger:           e.logger,
	})
}

// NewBatchRunner builds a batch runner writing progress to out
func (e *Enricher) NewBatchRunner(out io.Writer) *batch.Runner {
	return batch.NewRunner(e.Engine, e.Store, batch.Options{
		LockPath: e.Config.Batch.LockPath,
		Out:      out,
		Logger:   e.logger,
	})
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
