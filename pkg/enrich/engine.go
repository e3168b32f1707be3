// Package enrich decides when descriptive text is (re)computed for an image
// and reduces vision annotations to that text.
package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/menta2k/image-enricher/internal/logging"
	"github.com/menta2k/image-enricher/pkg/client"
	"github.com/menta2k/image-enricher/pkg/imageref"
	"github.com/menta2k/image-enricher/pkg/types"
)

// Record is the host's view of one image
type Record struct {
	ID       int64  `json:"id"`
	Path     string `json:"path"`
	AltText  string `json:"alt_text"`
	Enriched bool   `json:"enriched"`
}

// MetadataStore is the host collaborator holding descriptive text.
// WriteEnrichment must store the text and set the enrichment flag.
type MetadataStore interface {
	Image(ctx context.Context, id int64) (Record, error)
	WriteEnrichment(ctx context.Context, id int64, text string) error
}

// Outcome is the result of one policy decision
type Outcome int

const (
	Failed Outcome = iota
	Skipped
	Enriched
)

func (o Outcome) String() string {
	switch o {
	case Skipped:
		return "skipped"
	case Enriched:
		return "enriched"
	}
	return "failed"
}

// Mode selects a policy
type Mode string

const (
	ModeIfNoneExists Mode = "none"
	ModeRefresh      Mode = "refresh"
	ModeForce        Mode = "force"
)

// ParseMode accepts the mode names used by the CLI and HTTP surface.
// An empty string means ModeIfNoneExists.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeIfNoneExists:
		return ModeIfNoneExists, nil
	case ModeRefresh:
		return ModeRefresh, nil
	case ModeForce:
		return ModeForce, nil
	}
	return "", fmt.Errorf("unknown mode %q (want none, refresh or force)", s)
}

// altTextFeatures is what Always asks the vision service for
var altTextFeatures = types.Features(types.FeatureLandmark, types.FeatureLogo, types.FeatureLabel)

// Engine applies the enrichment policies
type Engine struct {
	store   MetadataStore
	fetcher client.Fetcher
	logger  *slog.Logger
}

// NewEngine creates an engine. fetcher is normally the prefetch cache.
func NewEngine(store MetadataStore, fetcher client.Fetcher, logger *slog.Logger) *Engine {
	return &Engine{
		store:   store,
		fetcher: fetcher,
		logger:  logging.NewComponentLogger(logger, "enrich"),
	}
}

// Run dispatches to the policy named by mode.
func (e *Engine) Run(ctx context.Context, mode Mode, id int64) (Outcome, error) {
	switch mode {
	case ModeIfNoneExists, "":
		return e.IfNoneExistsErr(ctx, id)
	case ModeRefresh:
		return e.IfMissingOrPreviouslyEnrichedErr(ctx, id)
	case ModeForce:
		return e.AlwaysErr(ctx, id)
	}
	return Failed, fmt.Errorf("unknown mode %q", mode)
}

// IfNoneExists computes text only when the image has none.
func (e *Engine) IfNoneExists(ctx context.Context, id int64) bool {
	outcome, _ := e.IfNoneExistsErr(ctx, id)
	return outcome == Enriched
}

// IfNoneExistsErr is IfNoneExists reporting why nothing was written.
func (e *Engine) IfNoneExistsErr(ctx context.Context, id int64) (Outcome, error) {
	rec, err := e.record(ctx, id)
	if err != nil {
		return Failed, err
	}
	if rec.AltText != "" {
		return Skipped, nil
	}
	return e.always(ctx, rec)
}

// IfMissingOrPreviouslyEnriched computes text when none exists or the
// current text was written by the engine. Manual text is never replaced.
func (e *Engine) IfMissingOrPreviouslyEnriched(ctx context.Context, id int64) bool {
	outcome, _ := e.IfMissingOrPreviouslyEnrichedErr(ctx, id)
	return outcome == Enriched
}

func (e *Engine) IfMissingOrPreviouslyEnrichedErr(ctx context.Context, id int64) (Outcome, error) {
	rec, err := e.record(ctx, id)
	if err != nil {
		return Failed, err
	}
	if rec.AltText != "" && !rec.Enriched {
		return Skipped, nil
	}
	return e.always(ctx, rec)
}

// Always fetches fresh annotations and writes text and flag.
func (e *Engine) Always(ctx context.Context, id int64) bool {
	outcome, _ := e.AlwaysErr(ctx, id)
	return outcome == Enriched
}

func (e *Engine) AlwaysErr(ctx context.Context, id int64) (Outcome, error) {
	rec, err := e.record(ctx, id)
	if err != nil {
		return Failed, err
	}
	return e.always(ctx, rec)
}

func (e *Engine) record(ctx context.Context, id int64) (Record, error) {
	if id <= 0 {
		return Record{}, &imageref.InvalidImageError{Reason: fmt.Sprintf("invalid image id %d", id)}
	}
	rec, err := e.store.Image(ctx, id)
	if err != nil {
		return Record{}, fmt.Errorf("load image %d: %w", id, err)
	}
	return rec, nil
}

func (e *Engine) always(ctx context.Context, rec Record) (Outcome, error) {
	log := e.logger.With(logging.Int64(logging.FieldImageID, rec.ID))

	if err := imageref.Check(rec.Path); err != nil {
		log.Warn("image not enriched", logging.Error(err))
		return Failed, err
	}
	resp, err := e.fetcher.LookupOrFetch(ctx, rec.Path, altTextFeatures)
	if err != nil {
		log.Warn("vision request failed", logging.Error(err))
		return Failed, err
	}

	text := Reduce(resp)
	if err := e.store.WriteEnrichment(ctx, rec.ID, text); err != nil {
		return Failed, fmt.Errorf("write alt text for image %d: %w", rec.ID, err)
	}
	log.Info("alt text generated", logging.String("alt_text", text))
	return Enriched, nil
}

// maxLabels caps label-derived text
const maxLabels = 5

// Reduce turns annotations into descriptive text. Landmarks win over
// logos, logos over labels. Descriptions keep response order and are
// de-duplicated; only label text is capped.
func Reduce(resp *types.AnnotationResponse) string {
	if resp == nil {
		return ""
	}
	if landmarks := collect(resp, func(r types.Response) []types.EntityAnnotation { return r.LandmarkAnnotations }); len(landmarks) > 0 {
		return strings.Join(landmarks, ", ")
	}
	if logos := collect(resp, func(r types.Response) []types.EntityAnnotation { return r.LogoAnnotations }); len(logos) > 0 {
		return strings.Join(logos, ", ")
	}
	labels := collect(resp, func(r types.Response) []types.EntityAnnotation { return r.LabelAnnotations })
	if len(labels) > maxLabels {
		labels = labels[:maxLabels]
	}
	return strings.Join(labels, ", ")
}

func collect(resp *types.AnnotationResponse, kind func(types.Response) []types.EntityAnnotation) []string {
	var out []string
	seen := make(map[string]bool)
	for _, r := range resp.Responses {
		for _, a := range kind(r) {
			if a.Description == "" || seen[a.Description] {
				continue
			}
			seen[a.Description] = true
			out = append(out, a.Description)
		}
	}
	return out
}
