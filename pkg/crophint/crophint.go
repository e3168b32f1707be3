// Package crophint turns a vision crop-hint polygon into a coarse
// (horizontal, vertical) position used to bias automated cropping.
package crophint

import (
	"context"
	"log/slog"

	"github.com/menta2k/image-enricher/internal/logging"
	"github.com/menta2k/image-enricher/pkg/client"
	"github.com/menta2k/image-enricher/pkg/imageref"
	"github.com/menta2k/image-enricher/pkg/types"
)

// Position is one axis of a quadrant hint
type Position string

const (
	Left   Position = "left"
	Center Position = "center"
	Right  Position = "right"
	Top    Position = "top"
	Bottom Position = "bottom"
)

// edgeFuzz tolerates the service's zero-based pixel positions
const edgeFuzz = 2

func vertex(vertices []types.Vertex, i int) types.Vertex {
	if i < len(vertices) {
		return vertices[i]
	}
	return types.Vertex{}
}

// Quadrants classifies a clockwise 4-vertex box within a width x height
// image. Horizontal reads vertices 0 and 1, vertical reads 1 and 2; missing
// coordinates count as 0. Near-center boxes resolve to Center.
func Quadrants(vertices []types.Vertex, width, height int) (Position, Position) {
	h := classify(vertex(vertices, 0).X, vertex(vertices, 1).X, width, Left, Right)
	v := classify(vertex(vertices, 1).Y, vertex(vertices, 2).Y, height, Top, Bottom)
	return h, v
}

// classify applies the per-axis rule: start is the box's near edge, end its
// far edge, extent the image size along the axis.
func classify(start, end, extent int, low, high Position) Position {
	gap := extent - end
	switch {
	case start == 0 && gap >= edgeFuzz:
		return low
	case gap <= 1 && start != 0:
		return high
	case start < gap && start != 0 && float64(gap)/float64(start) > 2:
		return low
	case gap < start && gap != 0 && float64(start)/float64(gap) > 2:
		return high
	}
	return Center
}

// Hint is the resolved crop focus for one image
type Hint struct {
	Horizontal Position       `json:"horizontal"`
	Vertical   Position       `json:"vertical"`
	Vertices   []types.Vertex `json:"vertices,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
}

// Resolver asks the vision service for crop hints
type Resolver struct {
	fetcher client.Fetcher
	logger  *slog.Logger
}

// NewResolver creates a resolver on top of a fetcher (usually the prefetch cache)
func NewResolver(fetcher client.Fetcher, logger *slog.Logger) *Resolver {
	return &Resolver{fetcher: fetcher, logger: logging.NewComponentLogger(logger, "crophint")}
}

// ForImage returns the quadrant pair for the preferred crop hint. Images
// without any hint resolve to center/center.
func (r *Resolver) ForImage(ctx context.Context, ref imageref.Ref) (Hint, error) {
	ref, err := imageref.WithDimensions(ref)
	if err != nil {
		return Hint{}, err
	}
	resp, err := r.fetcher.LookupOrFetch(ctx, ref.Path, types.Features(types.FeatureCropHints))
	if err != nil {
		return Hint{}, err
	}

	for _, res := range resp.Responses {
		if !res.Has(types.FeatureCropHints) {
			continue
		}
		preferred := res.CropHintsAnnotation.CropHints[0]
		h, v := Quadrants(preferred.BoundingPoly.Vertices, ref.Width, ref.Height)
		r.logger.Debug("crop hint resolved",
			logging.Int64(logging.FieldImageID, ref.ID),
			logging.String("horizontal", string(h)),
			logging.String("vertical", string(v)))
		return Hint{
			Horizontal: h,
			Vertical:   v,
			Vertices:   preferred.BoundingPoly.Vertices,
			Confidence: preferred.Confidence,
		}, nil
	}
	return Hint{Horizontal: Center, Vertical: Center}, nil
}
