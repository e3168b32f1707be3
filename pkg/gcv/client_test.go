package gcv

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/menta2k/image-enricher/pkg/imageref"
	"github.com/menta2k/image-enricher/pkg/signature"
	"github.com/menta2k/image-enricher/pkg/types"
)

type capturedRequest struct {
	body      batchRequest
	signature string
	requestID string
	key       string
}

func newVisionServer(t *testing.T, status int, payload string) (*httptest.Server, *capturedRequest, *atomic.Int32) {
	t.Helper()
	captured := &capturedRequest{}
	calls := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured.body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		captured.signature = r.Header.Get(SignatureHeader)
		captured.requestID = r.Header.Get(RequestIDHeader)
		captured.key = r.URL.Query().Get("key")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(payload))
	}))
	t.Cleanup(srv.Close)
	return srv, captured, calls
}

func TestAnnotateBuildsOneRequest(t *testing.T) {
	srv, captured, calls := newVisionServer(t, http.StatusOK, `{"responses":[{"labelAnnotations":[{"description":"yellow","score":0.9}]}]}`)
	c, err := NewClient(Options{Endpoint: srv.URL, APIKey: "secret"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	image := []byte("jpeg bytes")
	features := types.FeatureSet{types.FeatureLandmark, types.FeatureLogo, types.FeatureLabel}
	resp, err := c.Annotate(context.Background(), "/uploads/canola-3.jpg", image, features)
	if err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}

	want := batchRequest{Requests: []annotateRequest{{
		Image: imagePayload{Content: base64.StdEncoding.EncodeToString(image)},
		Features: []featureDescriptor{
			{Type: "LANDMARK_DETECTION"},
			{Type: "LOGO_DETECTION"},
			{Type: "LABEL_DETECTION", MaxResults: 10},
		},
	}}}
	if diff := cmp.Diff(want, captured.body); diff != "" {
		t.Errorf("request body mismatch (-want +got):\n%s", diff)
	}
	if got, want := captured.signature, signature.Request("canola.jpg", features); got != want {
		t.Errorf("signature header = %q, want %q", got, want)
	}
	if captured.requestID == "" {
		t.Error("expected request id header")
	}
	if captured.key != "secret" {
		t.Errorf("api key = %q, want secret", captured.key)
	}
	if len(resp.Responses) != 1 || resp.Responses[0].LabelAnnotations[0].Description != "yellow" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestAnnotateDefaultsToLabels(t *testing.T) {
	srv, captured, _ := newVisionServer(t, http.StatusOK, `{"responses":[{}]}`)
	c, _ := NewClient(Options{Endpoint: srv.URL})

	if _, err := c.Annotate(context.Background(), "a.jpg", []byte("x"), nil); err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	want := []featureDescriptor{{Type: "LABEL_DETECTION", MaxResults: 10}}
	if diff := cmp.Diff(want, captured.body.Requests[0].Features); diff != "" {
		t.Errorf("features mismatch (-want +got):\n%s", diff)
	}
	if captured.key != "" {
		t.Errorf("unexpected api key %q", captured.key)
	}
}

func TestAnnotateServiceError(t *testing.T) {
	srv, _, _ := newVisionServer(t, http.StatusForbidden, `{"error":{"code":403,"message":"API key not valid"}}`)
	c, _ := NewClient(Options{Endpoint: srv.URL})

	_, err := c.Annotate(context.Background(), "a.jpg", []byte("x"), types.Features(types.FeatureSafeSearch))
	var svcErr *ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("expected ServiceError, got %v", err)
	}
	if svcErr.StatusCode != http.StatusForbidden || svcErr.Message != "API key not valid" {
		t.Errorf("unexpected service error: %+v", svcErr)
	}
}

func TestAnnotateServiceErrorWithoutJSON(t *testing.T) {
	srv, _, _ := newVisionServer(t, http.StatusBadGateway, `upstream down`)
	c, _ := NewClient(Options{Endpoint: srv.URL})

	_, err := c.Annotate(context.Background(), "a.jpg", []byte("x"), nil)
	var svcErr *ServiceError
	if !errors.As(err, &svcErr) || svcErr.Message != "upstream down" {
		t.Fatalf("expected ServiceError with body text, got %v", err)
	}
}

func TestAnnotateTransportError(t *testing.T) {
	srv, _, _ := newVisionServer(t, http.StatusOK, `{}`)
	endpoint := srv.URL
	srv.Close()

	c, _ := NewClient(Options{Endpoint: endpoint})
	_, err := c.Annotate(context.Background(), "a.jpg", []byte("x"), nil)
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}

func TestAnnotateFileInvalidImage(t *testing.T) {
	srv, _, calls := newVisionServer(t, http.StatusOK, `{}`)
	c, _ := NewClient(Options{Endpoint: srv.URL})

	_, err := c.AnnotateFile(context.Background(), filepath.Join(t.TempDir(), "gone.jpg"), nil)
	if !imageref.IsInvalid(err) {
		t.Fatalf("expected InvalidImageError, got %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("no request should be sent for an unreadable file")
	}
}

func TestAnnotateWritesFixture(t *testing.T) {
	payload := `{"responses":[{"safeSearchAnnotation":{"adult":"VERY_LIKELY"}}]}`
	srv, captured, _ := newVisionServer(t, http.StatusOK, payload)
	dir := filepath.Join(t.TempDir(), "fixtures")
	c, _ := NewClient(Options{Endpoint: srv.URL, FixtureDir: dir})

	if _, err := c.Annotate(context.Background(), "racy.jpg", []byte("x"), types.Features(types.FeatureSafeSearch)); err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "gcv-"+captured.signature+".json"))
	if err != nil {
		t.Fatalf("fixture not written: %v", err)
	}
	var got types.AnnotationResponse
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("fixture is not json: %v", err)
	}
	if got.Responses[0].SafeSearchAnnotation["adult"] != types.LikelihoodVeryLikely {
		t.Errorf("fixture content mismatch: %s", data)
	}
}

func TestNewClientRejectsBadEndpoint(t *testing.T) {
	if _, err := NewClient(Options{Endpoint: "ftp://vision"}); err == nil {
		t.Fatal("expected error for non-http endpoint")
	}
}
