// Package ollama annotates images with a local vision model served by
// Ollama. It answers label, landmark and logo requests through the model
// and crop hints through a local saliency pass; safe search is not
// supported and comes back empty.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/ollama/ollama/api"

	"github.com/menta2k/image-enricher/internal/logging"
	"github.com/menta2k/image-enricher/pkg/saliency"
	"github.com/menta2k/image-enricher/pkg/types"
)

// DefaultTimeout applies when the caller's context has no deadline.
// Vision models on CPU are slow.
const DefaultTimeout = 300 * time.Second

const prompt = `Describe this image for alternative text. Reply with JSON only:
{"labels": ["short noun phrases, most salient first"], "landmarks": ["named places or buildings, if any"], "logos": ["brand names visible, if any"]}
Use empty arrays when nothing applies.`

// Client wraps the Ollama API client
type Client struct {
	client   *api.Client
	model    string
	timeout  time.Duration
	saliency *saliency.Detector
	logger   *slog.Logger
}

// NewClient creates a client for the server at ollamaURL. Any path on the
// URL (such as /api/chat) is ignored.
func NewClient(ollamaURL, model string, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	parsedURL, err := url.Parse(ollamaURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid URL %q: scheme and host required", ollamaURL)
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("model is required")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	baseURL := &url.URL{Scheme: parsedURL.Scheme, Host: parsedURL.Host}
	return &Client{
		client:   api.NewClient(baseURL, httpClient),
		model:    model,
		timeout:  DefaultTimeout,
		saliency: saliency.New(),
		logger:   logging.NewComponentLogger(logger, "ollama"),
	}, nil
}

// Annotate asks the model for labels, landmarks and logos and maps its
// answer onto a single annotation response.
func (c *Client) Annotate(ctx context.Context, name string, image []byte, features types.FeatureSet) (*types.AnnotationResponse, error) {
	features = types.Features(features...)
	out := &types.AnnotationResponse{Responses: []types.Response{{}}}
	if features.Contains(types.FeatureLabel) || features.Contains(types.FeatureLandmark) || features.Contains(types.FeatureLogo) {
		a, err := c.ask(ctx, name, image)
		if err != nil {
			return nil, err
		}
		out.Responses[0] = a.response(features)
	}
	if features.Contains(types.FeatureCropHints) {
		out.Responses[0].CropHintsAnnotation = c.cropHints(name, image)
	}
	return out, nil
}

// cropHints runs the saliency pass for a square crop. Undecodable images
// get no hint.
func (c *Client) cropHints(name string, data []byte) *types.CropHintsAnnotation {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		c.logger.Debug("crop hint skipped, image not decodable", logging.String(logging.FieldPath, name), logging.Error(err))
		return nil
	}
	hint := c.saliency.CropHint(img, 1)
	return &types.CropHintsAnnotation{CropHints: []types.CropHint{hint}}
}

func (c *Client) ask(ctx context.Context, name string, image []byte) (answer, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	streamFalse := false
	req := &api.ChatRequest{
		Model: c.model,
		Messages: []api.Message{{
			Role:    "user",
			Content: prompt,
			Images:  []api.ImageData{api.ImageData(image)},
		}},
		Stream:  &streamFalse,
		Options: modelOptions(c.model),
	}

	var content strings.Builder
	err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return answer{}, fmt.Errorf("ollama chat error: %w", err)
	}
	if content.Len() == 0 {
		return answer{}, fmt.Errorf("empty response from ollama")
	}

	a, err := parseAnswer(content.String())
	if err != nil {
		c.logger.Warn("unparseable model answer", logging.String(logging.FieldPath, name), logging.Error(err))
		return answer{}, err
	}
	return a, nil
}

// modelOptions tunes sampling for models known to ramble
func modelOptions(model string) map[string]any {
	options := map[string]any{}
	modelLower := strings.ToLower(model)
	if strings.Contains(modelLower, "minicpm-v4") ||
		strings.Contains(modelLower, "minicpm-v-4") ||
		strings.Contains(modelLower, "minicpmv4") {
		options["temperature"] = 0.7
		options["top_p"] = 0.8
		options["num_ctx"] = 4096
	}
	return options
}

type answer struct {
	Labels    []string `json:"labels"`
	Landmarks []string `json:"landmarks"`
	Logos     []string `json:"logos"`
}

func (a answer) response(features types.FeatureSet) types.Response {
	var r types.Response
	if features.Contains(types.FeatureLabel) {
		r.LabelAnnotations = entities(a.Labels, types.LabelMaxResults)
	}
	if features.Contains(types.FeatureLandmark) {
		r.LandmarkAnnotations = entities(a.Landmarks, 0)
	}
	if features.Contains(types.FeatureLogo) {
		r.LogoAnnotations = entities(a.Logos, 0)
	}
	return r
}

func entities(names []string, limit int) []types.EntityAnnotation {
	var out []types.EntityAnnotation
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		out = append(out, types.EntityAnnotation{Description: n})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// parseAnswer decodes the model's JSON, tolerating fences and comments
func parseAnswer(raw string) (answer, error) {
	raw = sanitizeModelJSON(raw)
	if !strings.HasPrefix(raw, "{") {
		return answer{}, fmt.Errorf("model returned non-JSON response")
	}
	var a answer
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return answer{}, fmt.Errorf("failed to parse model response: %w", err)
	}
	return a, nil
}

var (
	reBlockComment  = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLineComment   = regexp.MustCompile(`(?m)^\s*//.*$`)
	reTrailingComma = regexp.MustCompile(`,(\s*[}\]])`)
)

// sanitizeModelJSON removes code fences, comments, and trailing commas from JSON response
func sanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	// Strip triple-backtick fences if present
	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.Trim(strings.TrimSpace(raw), "`")

	raw = reBlockComment.ReplaceAllString(raw, "")
	raw = reLineComment.ReplaceAllString(raw, "")
	raw = reTrailingComma.ReplaceAllString(raw, "$1")

	// Keep only the outermost {...}
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}
