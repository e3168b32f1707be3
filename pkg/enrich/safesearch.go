package enrich

import (
	"context"
	"sort"
	"strings"

	"github.com/menta2k/image-enricher/internal/logging"
	"github.com/menta2k/image-enricher/pkg/imageref"
	"github.com/menta2k/image-enricher/pkg/types"
)

// SafeSearchViolations returns the sorted, de-duplicated safe-search
// categories rated LIKELY or VERY_LIKELY for the file. An unreadable file
// yields no violations. Nothing is written.
func (e *Engine) SafeSearchViolations(ctx context.Context, path string) ([]string, error) {
	if err := imageref.Check(path); err != nil {
		e.logger.Debug("safe search skipped", logging.String(logging.FieldPath, path), logging.Error(err))
		return nil, nil
	}
	resp, err := e.fetcher.LookupOrFetch(ctx, path, types.Features(types.FeatureSafeSearch))
	if err != nil {
		return nil, err
	}
	return Violations(resp), nil
}

// Violations extracts the likely categories from a response
func Violations(resp *types.AnnotationResponse) []string {
	if resp == nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, r := range resp.Responses {
		for category, level := range r.SafeSearchAnnotation {
			if level.AtLeastLikely() && !seen[category] {
				seen[category] = true
				out = append(out, category)
			}
		}
	}
	sort.Strings(out)
	return out
}

// UploadViolationMessage is the rejection text for an upload
func UploadViolationMessage(violations []string) string {
	return "Image has likely or very likely Safe Search violations: " + strings.Join(violations, ", ") + "."
}
