// Package gcv talks to the Google Cloud Vision images:annotate endpoint.
package gcv

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/menta2k/image-enricher/internal/logging"
	"github.com/menta2k/image-enricher/pkg/imageref"
	"github.com/menta2k/image-enricher/pkg/signature"
	"github.com/menta2k/image-enricher/pkg/types"
)

const (
	DefaultEndpoint = "https://vision.googleapis.com/v1/images:annotate"
	// DefaultTimeout bounds a request whose context carries no deadline
	DefaultTimeout = 40 * time.Second

	SignatureHeader = "X-Request-Signature"
	RequestIDHeader = "X-Request-ID"
)

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	Endpoint   string
	APIKey     string
	Timeout    time.Duration
	FixtureDir string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client sends annotate requests over HTTP
type Client struct {
	endpoint   string
	apiKey     string
	timeout    time.Duration
	fixtureDir string
	httpClient *http.Client
	logger     *slog.Logger
}

type featureDescriptor struct {
	Type       string `json:"type"`
	MaxResults int    `json:"maxResults,omitempty"`
}

type imagePayload struct {
	Content string `json:"content"`
}

type annotateRequest struct {
	Image    imagePayload        `json:"image"`
	Features []featureDescriptor `json:"features"`
}

type batchRequest struct {
	Requests []annotateRequest `json:"requests"`
}

type errorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewClient creates a new vision client
func NewClient(opts Options) (*Client, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported endpoint scheme: %q", parsed.Scheme)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		endpoint:   endpoint,
		apiKey:     opts.APIKey,
		timeout:    timeout,
		fixtureDir: opts.FixtureDir,
		httpClient: httpClient,
		logger:     logging.NewComponentLogger(opts.Logger, "gcv"),
	}, nil
}

// AnnotateFile reads the image at path and annotates it.
func (c *Client) AnnotateFile(ctx context.Context, path string, features types.FeatureSet) (*types.AnnotationResponse, error) {
	data, err := imageref.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return c.Annotate(ctx, path, data, features)
}

// Annotate sends one request for image with one descriptor per feature.
// The parsed response is returned as-is.
func (c *Client) Annotate(ctx context.Context, name string, image []byte, features types.FeatureSet) (*types.AnnotationResponse, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	features = types.Features(features...)
	sig := signature.Request(name, features)
	body, err := json.Marshal(batchRequest{Requests: []annotateRequest{buildRequest(image, features)}})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestURL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, sig)
	req.Header.Set(RequestIDHeader, requestID)

	logger := c.logger.With(
		logging.String(logging.FieldSignature, sig),
		logging.String(logging.FieldRequestID, requestID),
		logging.Strings(logging.FieldFeatures, features.Strings()),
	)
	started := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Warn("vision request failed", logging.Error(err))
		return nil, &TransportError{Op: "send", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: "read", Err: err}
	}
	c.writeFixture(sig, raw)

	if resp.StatusCode != http.StatusOK {
		svcErr := &ServiceError{StatusCode: resp.StatusCode, Message: errorMessage(raw, resp.Status)}
		logger.Warn("vision service rejected request",
			logging.Int("status", resp.StatusCode),
			logging.String("message", svcErr.Message))
		return nil, svcErr
	}

	var out types.AnnotationResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	logger.Debug("vision request complete",
		logging.Int("responses", len(out.Responses)),
		logging.String("elapsed", time.Since(started).Round(time.Millisecond).String()))
	return &out, nil
}

func buildRequest(image []byte, features types.FeatureSet) annotateRequest {
	req := annotateRequest{
		Image:    imagePayload{Content: base64.StdEncoding.EncodeToString(image)},
		Features: make([]featureDescriptor, 0, len(features)),
	}
	for _, f := range features {
		d := featureDescriptor{Type: string(f)}
		if f == types.FeatureLabel {
			d.MaxResults = types.LabelMaxResults
		}
		req.Features = append(req.Features, d)
	}
	return req
}

func (c *Client) requestURL() string {
	if c.apiKey == "" {
		return c.endpoint
	}
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return c.endpoint
	}
	q := u.Query()
	q.Set("key", c.apiKey)
	u.RawQuery = q.Encode()
	return u.String()
}

func errorMessage(raw []byte, status string) string {
	var body errorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Error.Message != "" {
		return body.Error.Message
	}
	if text := strings.TrimSpace(string(raw)); text != "" {
		return text
	}
	return status
}

// writeFixture keeps a pretty-printed copy of the raw response for replay.
func (c *Client) writeFixture(sig string, raw []byte) {
	if c.fixtureDir == "" {
		return
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "    "); err != nil {
		return
	}
	if err := os.MkdirAll(c.fixtureDir, 0o755); err != nil {
		c.logger.Debug("fixture dir unavailable", logging.Error(err))
		return
	}
	path := filepath.Join(c.fixtureDir, "gcv-"+sig+".json")
	if err := os.WriteFile(path, pretty.Bytes(), 0o644); err != nil {
		c.logger.Debug("fixture write failed", logging.String(logging.FieldPath, path), logging.Error(err))
	}
}
