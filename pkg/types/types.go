package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Feature is a detection kind understood by the vision service
type Feature string

const (
	FeatureLabel      Feature = "LABEL_DETECTION"
	FeatureLandmark   Feature = "LANDMARK_DETECTION"
	FeatureLogo       Feature = "LOGO_DETECTION"
	FeatureSafeSearch Feature = "SAFE_SEARCH_DETECTION"
	FeatureCropHints  Feature = "CROP_HINTS"
)

// LabelMaxResults caps label detection on the service side
const LabelMaxResults = 10

var allFeatures = []Feature{FeatureLabel, FeatureLandmark, FeatureLogo, FeatureSafeSearch, FeatureCropHints}

// Valid reports whether f is one of the known detection kinds
func (f Feature) Valid() bool {
	for _, known := range allFeatures {
		if f == known {
			return true
		}
	}
	return false
}

// ParseFeature accepts the wire name ("LABEL_DETECTION") or the short
// name ("label", "crop-hints"), case-insensitively.
func ParseFeature(s string) (Feature, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	name = strings.ReplaceAll(name, "-", "_")
	switch name {
	case "LABEL", "LABELS":
		return FeatureLabel, nil
	case "LANDMARK", "LANDMARKS":
		return FeatureLandmark, nil
	case "LOGO", "LOGOS":
		return FeatureLogo, nil
	case "SAFE_SEARCH", "SAFESEARCH":
		return FeatureSafeSearch, nil
	case "CROP_HINT":
		return FeatureCropHints, nil
	}
	if f := Feature(name); f.Valid() {
		return f, nil
	}
	return "", fmt.Errorf("unknown feature %q", s)
}

// FeatureSet is an ordered, duplicate-free list of features
type FeatureSet []Feature

// Features builds a normalized set. An empty request means labels only.
func Features(fs ...Feature) FeatureSet {
	set := make(FeatureSet, 0, len(fs))
	for _, f := range fs {
		if !set.Contains(f) {
			set = append(set, f)
		}
	}
	if len(set) == 0 {
		set = append(set, FeatureLabel)
	}
	return set
}

// Cacheable is the superset fetched by a prefetch
func Cacheable() FeatureSet {
	return FeatureSet{FeatureLabel, FeatureLandmark, FeatureLogo, FeatureSafeSearch}
}

// Contains reports whether f is in the set
func (s FeatureSet) Contains(f Feature) bool {
	for _, have := range s {
		if have == f {
			return true
		}
	}
	return false
}

// Covers reports whether every feature of other is also in s
func (s FeatureSet) Covers(other FeatureSet) bool {
	for _, f := range other {
		if !s.Contains(f) {
			return false
		}
	}
	return true
}

// Strings returns the wire names in order
func (s FeatureSet) Strings() []string {
	out := make([]string, len(s))
	for i, f := range s {
		out[i] = string(f)
	}
	return out
}

// Likelihood is the safe-search verdict for one category
type Likelihood string

const (
	LikelihoodUnknown      Likelihood = "UNKNOWN"
	LikelihoodVeryUnlikely Likelihood = "VERY_UNLIKELY"
	LikelihoodUnlikely     Likelihood = "UNLIKELY"
	LikelihoodPossible     Likelihood = "POSSIBLE"
	LikelihoodLikely       Likelihood = "LIKELY"
	LikelihoodVeryLikely   Likelihood = "VERY_LIKELY"
)

// AtLeastLikely is true for the two highest levels only
func (l Likelihood) AtLeastLikely() bool {
	return l == LikelihoodLikely || l == LikelihoodVeryLikely
}

// EntityAnnotation is a label, landmark or logo hit
type EntityAnnotation struct {
	Mid         string  `json:"mid,omitempty"`
	Description string  `json:"description"`
	Score       float64 `json:"score,omitempty"`
	Topicality  float64 `json:"topicality,omitempty"`
}

// Vertex is a pixel coordinate; the service omits zero values
type Vertex struct {
	X int `json:"x,omitempty"`
	Y int `json:"y,omitempty"`
}

// BoundingPoly is a polygon, four vertices for crop hints
type BoundingPoly struct {
	Vertices []Vertex `json:"vertices"`
}

// CropHint is one suggested crop region
type CropHint struct {
	BoundingPoly       BoundingPoly `json:"boundingPoly"`
	Confidence         float64      `json:"confidence,omitempty"`
	ImportanceFraction float64      `json:"importanceFraction,omitempty"`
}

// CropHintsAnnotation holds hints ordered by preference
type CropHintsAnnotation struct {
	CropHints []CropHint `json:"cropHints"`
}

// SafeSearchAnnotation maps a category (adult, violence, ...) to its likelihood
type SafeSearchAnnotation map[string]Likelihood

// UnmarshalJSON keeps string-valued categories and drops numeric
// confidence fields some API versions add alongside them.
func (s *SafeSearchAnnotation) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(SafeSearchAnnotation, len(raw))
	for category, value := range raw {
		var level string
		if err := json.Unmarshal(value, &level); err != nil {
			continue
		}
		out[category] = Likelihood(level)
	}
	*s = out
	return nil
}

// Status is the per-response error the service may embed
type Status struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// Response is the annotation result for one image request
type Response struct {
	LabelAnnotations     []EntityAnnotation   `json:"labelAnnotations,omitempty"`
	LandmarkAnnotations  []EntityAnnotation   `json:"landmarkAnnotations,omitempty"`
	LogoAnnotations      []EntityAnnotation   `json:"logoAnnotations,omitempty"`
	SafeSearchAnnotation SafeSearchAnnotation `json:"safeSearchAnnotation,omitempty"`
	CropHintsAnnotation  *CropHintsAnnotation `json:"cropHintsAnnotation,omitempty"`
	Error                *Status              `json:"error,omitempty"`
}

// Has reports whether the response carries at least one annotation of kind f
func (r Response) Has(f Feature) bool {
	switch f {
	case FeatureLabel:
		return len(r.LabelAnnotations) > 0
	case FeatureLandmark:
		return len(r.LandmarkAnnotations) > 0
	case FeatureLogo:
		return len(r.LogoAnnotations) > 0
	case FeatureSafeSearch:
		return len(r.SafeSearchAnnotation) > 0
	case FeatureCropHints:
		return r.CropHintsAnnotation != nil && len(r.CropHintsAnnotation.CropHints) > 0
	}
	return false
}

// only returns a copy of r with every annotation kind outside features cleared
func (r Response) only(features FeatureSet) Response {
	var out Response
	if features.Contains(FeatureLabel) {
		out.LabelAnnotations = r.LabelAnnotations
	}
	if features.Contains(FeatureLandmark) {
		out.LandmarkAnnotations = r.LandmarkAnnotations
	}
	if features.Contains(FeatureLogo) {
		out.LogoAnnotations = r.LogoAnnotations
	}
	if features.Contains(FeatureSafeSearch) {
		out.SafeSearchAnnotation = r.SafeSearchAnnotation
	}
	if features.Contains(FeatureCropHints) {
		out.CropHintsAnnotation = r.CropHintsAnnotation
	}
	return out
}

// AnnotationResponse is the body of a successful annotate call
type AnnotationResponse struct {
	Responses []Response `json:"responses"`
}

// Filter narrows a broader response to the requested features: entries
// without any requested kind are dropped and the survivors lose the kinds
// that were not asked for.
func (a AnnotationResponse) Filter(features FeatureSet) AnnotationResponse {
	out := AnnotationResponse{Responses: []Response{}}
	for _, resp := range a.Responses {
		for _, f := range features {
			if resp.Has(f) {
				out.Responses = append(out.Responses, resp.only(features))
				break
			}
		}
	}
	return out
}
