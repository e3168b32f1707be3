package store_test

import (
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/menta2k/image-enricher/internal/store"
	"github.com/menta2k/image-enricher/pkg/enrich"
)

func mustOpen(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "db", "images.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func writePNG(t *testing.T, name string, w, h int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, image.NewGray(image.Rect(0, 0, w, h))); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAddReadsDimensionsAndIsIdempotent(t *testing.T) {
	s := mustOpen(t)
	ctx := context.Background()
	path := writePNG(t, "a.png", 64, 32)

	img, err := s.Add(ctx, path, "image/png")
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if img.ID == 0 || img.Width != 64 || img.Height != 32 || img.MimeType != "image/png" {
		t.Fatalf("unexpected image %#v", img)
	}
	if img.AltText != "" || img.Enriched {
		t.Fatalf("new image should have no text: %#v", img)
	}

	again, err := s.Add(ctx, path, "image/png")
	if err != nil {
		t.Fatalf("second Add failed: %v", err)
	}
	if again.ID != img.ID {
		t.Fatalf("expected same id, got %d and %d", img.ID, again.ID)
	}
}

func TestWriteEnrichmentSetsFlagAndSetAltTextClearsIt(t *testing.T) {
	s := mustOpen(t)
	ctx := context.Background()
	img, err := s.Add(ctx, writePNG(t, "b.png", 8, 8), "")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.WriteEnrichment(ctx, img.ID, "cat, sofa"); err != nil {
		t.Fatalf("WriteEnrichment failed: %v", err)
	}
	rec, err := s.Image(ctx, img.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec != (enrich.Record{ID: img.ID, Path: img.Path, AltText: "cat, sofa", Enriched: true}) {
		t.Fatalf("unexpected record after enrichment: %#v", rec)
	}

	if err := s.SetAltText(ctx, img.ID, "Whiskers on the couch"); err != nil {
		t.Fatalf("SetAltText failed: %v", err)
	}
	rec, err = s.Image(ctx, img.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Enriched || rec.AltText != "Whiskers on the couch" {
		t.Fatalf("manual edit should clear the flag: %#v", rec)
	}
}

func TestUnknownImage(t *testing.T) {
	s := mustOpen(t)
	ctx := context.Background()
	if _, err := s.Image(ctx, 42); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.WriteEnrichment(ctx, 42, "x"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListAndIDs(t *testing.T) {
	s := mustOpen(t)
	ctx := context.Background()
	for _, name := range []string{"1.png", "2.png", "3.png"} {
		if _, err := s.Add(ctx, writePNG(t, name, 4, 4), "image/png"); err != nil {
			t.Fatal(err)
		}
	}
	images, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	ids, err := s.IDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(images) != 3 || len(ids) != 3 {
		t.Fatalf("expected 3 images, got %d rows and %d ids", len(images), len(ids))
	}
	for i := range ids {
		if images[i].ID != ids[i] {
			t.Fatalf("order mismatch at %d: %d vs %d", i, images[i].ID, ids[i])
		}
	}
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "images.db")
	s, err := store.Open(ctx, dbPath)
	if err != nil {
		t.Fatal(err)
	}
	img, err := s.Add(ctx, writePNG(t, "keep.png", 2, 2), "")
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Close()

	reopened, err := store.Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.Get(ctx, img.ID); err != nil {
		t.Fatalf("image lost after reopen: %v", err)
	}
}

func TestEngineAgainstStore(t *testing.T) {
	s := mustOpen(t)
	ctx := context.Background()
	img, err := s.Add(ctx, writePNG(t, "engine.png", 4, 4), "image/png")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetAltText(ctx, img.ID, "typed by an editor"); err != nil {
		t.Fatal(err)
	}

	engine := enrich.NewEngine(s, nil, nil)
	if engine.IfMissingOrPreviouslyEnriched(ctx, img.ID) {
		t.Fatal("manual text must not be refreshed")
	}
}
