package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/image-enricher/internal/store"
	"github.com/menta2k/image-enricher/pkg/client"
	"github.com/menta2k/image-enricher/pkg/crophint"
	"github.com/menta2k/image-enricher/pkg/cropper"
	"github.com/menta2k/image-enricher/pkg/enrich"
	"github.com/menta2k/image-enricher/pkg/gcv"
	"github.com/menta2k/image-enricher/pkg/prefetch"
	"github.com/menta2k/image-enricher/pkg/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var _ client.Annotator = (*fakeVision)(nil)

type fakeVision struct {
	mu    sync.Mutex
	calls int
	nsfw  bool
	err   error
}

func (f *fakeVision) Annotate(_ context.Context, _ string, _ []byte, features types.FeatureSet) (*types.AnnotationResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var r types.Response
	if features.Contains(types.FeatureLabel) {
		r.LabelAnnotations = []types.EntityAnnotation{{Description: "yellow"}, {Description: "field"}}
	}
	if features.Contains(types.FeatureSafeSearch) {
		level := types.LikelihoodVeryUnlikely
		if f.nsfw {
			level = types.LikelihoodVeryLikely
		}
		r.SafeSearchAnnotation = types.SafeSearchAnnotation{"adult": level, "violence": types.LikelihoodPossible}
	}
	if features.Contains(types.FeatureCropHints) {
		r.CropHintsAnnotation = &types.CropHintsAnnotation{CropHints: []types.CropHint{{
			BoundingPoly: types.BoundingPoly{Vertices: []types.Vertex{{}, {X: 120}, {X: 120, Y: 120}, {Y: 120}}},
		}}}
	}
	return &types.AnnotationResponse{Responses: []types.Response{r}}, nil
}

func (f *fakeVision) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	server    *Server
	store     *store.Store
	vision    *fakeVision
	uploadDir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(dir, "images.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	vision := &fakeVision{}
	cache := prefetch.New(vision, prefetch.Options{})
	uploadDir := filepath.Join(dir, "uploads")

	srv := New(Options{
		Store:            st,
		Enricher:         enrich.NewEngine(st, cache, nil),
		Prefetcher:       cache,
		Hints:            crophint.NewResolver(cache, nil),
		Sizes:            cropper.DefaultSizes(),
		UploadDir:        uploadDir,
		PrefetchOnUpload: true,
	})
	return &harness{server: srv, store: st, vision: vision, uploadDir: uploadDir}
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Code    int             `json:"code"`
	Data    json.RawMessage `json:"data"`
}

func (h *harness) do(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func (h *harness) upload(t *testing.T, name string, content []byte) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/uploads", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return h.do(t, req)
}

func (h *harness) addImage(t *testing.T, name string) *store.Image {
	t.Helper()
	require.NoError(t, os.MkdirAll(h.uploadDir, 0o755))
	path := filepath.Join(h.uploadDir, name)
	require.NoError(t, os.WriteFile(path, pngBytes(t, 160, 120), 0o644))
	img, err := h.store.Add(context.Background(), path, "image/png")
	require.NoError(t, err)
	return img
}

func TestUploadAcceptedAndEnriched(t *testing.T) {
	h := newHarness(t)
	rec, env := h.upload(t, "canola field.png", pngBytes(t, 40, 30))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.True(t, env.Success)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var result UploadResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	require.NotNil(t, result.Image)
	assert.Equal(t, "enriched", result.Outcome)
	assert.Equal(t, "yellow, field", result.Image.AltText)
	assert.True(t, result.Image.Enriched)
	assert.Equal(t, filepath.Join(h.uploadDir, "canola-field.png"), result.Path)
	assert.FileExists(t, result.Path)

	assert.Equal(t, 1, h.vision.callCount(), "prefetch should answer safe search and alt text")
}

func TestUploadRejectedOnViolation(t *testing.T) {
	h := newHarness(t)
	h.vision.nsfw = true

	rec, env := h.upload(t, "bad.png", pngBytes(t, 10, 10))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.False(t, env.Success)
	assert.Equal(t, "Image has likely or very likely Safe Search violations: adult.", env.Message)

	ids, err := h.store.IDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)

	entries, err := os.ReadDir(h.uploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "rejected upload must not be kept")
}

func TestUploadNonImagePassesThrough(t *testing.T) {
	h := newHarness(t)
	rec, env := h.upload(t, "notes.txt", []byte("just some words, nothing to see"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var result UploadResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Nil(t, result.Image)
	assert.FileExists(t, result.Path)
	assert.Zero(t, h.vision.callCount())
}

func TestUploadRequiresFile(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/uploads", strings.NewReader(""))
	rec, env := h.do(t, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, env.Success)
}

func TestEnrichModes(t *testing.T) {
	h := newHarness(t)
	img := h.addImage(t, "manual.png")
	require.NoError(t, h.store.SetAltText(context.Background(), img.ID, "written by hand"))

	enrichURL := "/v1/images/" + itoa(img.ID) + "/enrich"

	rec, env := h.do(t, httptest.NewRequest(http.MethodPost, enrichURL+"?mode=refresh", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var result EnrichResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, "skipped", result.Outcome)
	assert.Equal(t, "written by hand", result.Image.AltText)

	rec, env = h.do(t, httptest.NewRequest(http.MethodPost, enrichURL+"?mode=force", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, "enriched", result.Outcome)
	assert.Equal(t, "yellow, field", result.Image.AltText)
	assert.True(t, result.Image.Enriched)

	rec, _ = h.do(t, httptest.NewRequest(http.MethodPost, enrichURL+"?mode=sometimes", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = h.do(t, httptest.NewRequest(http.MethodPost, "/v1/images/999/enrich", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnrichServiceErrorIsBadGateway(t *testing.T) {
	h := newHarness(t)
	img := h.addImage(t, "down.png")
	h.vision.err = &gcv.ServiceError{StatusCode: http.StatusForbidden, Message: "API key not valid"}

	rec, env := h.do(t, httptest.NewRequest(http.MethodPost, "/v1/images/"+itoa(img.ID)+"/enrich?mode=force", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, env.Message, "API key not valid")

	got, err := h.store.Get(context.Background(), img.ID)
	require.NoError(t, err)
	assert.Empty(t, got.AltText)
	assert.False(t, got.Enriched)
}

func TestSetAltClearsFlag(t *testing.T) {
	h := newHarness(t)
	img := h.addImage(t, "edit.png")
	require.NoError(t, h.store.WriteEnrichment(context.Background(), img.ID, "auto"))

	req := httptest.NewRequest(http.MethodPut, "/v1/images/"+itoa(img.ID)+"/alt", strings.NewReader(`{"alt_text": "curated"}`))
	req.Header.Set("Content-Type", "application/json")
	rec, env := h.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got store.Image
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, "curated", got.AltText)
	assert.False(t, got.Enriched)

	bad := httptest.NewRequest(http.MethodPut, "/v1/images/"+itoa(img.ID)+"/alt", strings.NewReader(`{}`))
	bad.Header.Set("Content-Type", "application/json")
	rec, _ = h.do(t, bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetImage(t *testing.T) {
	h := newHarness(t)
	img := h.addImage(t, "get.png")

	rec, env := h.do(t, httptest.NewRequest(http.MethodGet, "/v1/images/"+itoa(img.ID), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got store.Image
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, img.ID, got.ID)
	assert.Equal(t, 160, got.Width)

	rec, _ = h.do(t, httptest.NewRequest(http.MethodGet, "/v1/images/abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCropHint(t *testing.T) {
	h := newHarness(t)
	img := h.addImage(t, "hint.png")

	rec, env := h.do(t, httptest.NewRequest(http.MethodGet, "/v1/images/"+itoa(img.ID)+"/crop-hint", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result CropHintResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, crophint.Left, result.Hint.Horizontal)
	assert.Equal(t, crophint.Center, result.Hint.Vertical)
	require.Len(t, result.Plans, len(cropper.DefaultSizes()))
	assert.Equal(t, crophint.Left, result.Plans[0].Horizontal)
	assert.False(t, result.Plans[1].Cropped())
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
