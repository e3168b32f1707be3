package client

import (
	"context"

	"github.com/menta2k/image-enricher/pkg/types"
)

// Annotator fetches vision annotations for an image. name is the file's
// logical name, used only for request tracing.
type Annotator interface {
	Annotate(ctx context.Context, name string, image []byte, features types.FeatureSet) (*types.AnnotationResponse, error)
}

// AnnotatorFunc adapts a plain function to Annotator.
type AnnotatorFunc func(ctx context.Context, name string, image []byte, features types.FeatureSet) (*types.AnnotationResponse, error)

func (f AnnotatorFunc) Annotate(ctx context.Context, name string, image []byte, features types.FeatureSet) (*types.AnnotationResponse, error) {
	return f(ctx, name, image, features)
}

// Fetcher resolves annotations for a file on disk, possibly from a cache.
type Fetcher interface {
	LookupOrFetch(ctx context.Context, path string, features types.FeatureSet) (*types.AnnotationResponse, error)
}
