package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/menta2k/image-enricher/pkg/enrich"
	"github.com/menta2k/image-enricher/pkg/imageref"
)

// Image is one stored image row
type Image struct {
	ID        int64     `json:"id"`
	Path      string    `json:"path"`
	MimeType  string    `json:"mime_type,omitempty"`
	Width     int       `json:"width,omitempty"`
	Height    int       `json:"height,omitempty"`
	AltText   string    `json:"alt_text"`
	Enriched  bool      `json:"enriched"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Record is the policy engine's view of the row
func (i Image) Record() enrich.Record {
	return enrich.Record{ID: i.ID, Path: i.Path, AltText: i.AltText, Enriched: i.Enriched}
}

// Ref is the image reference used for crop hints
func (i Image) Ref() imageref.Ref {
	return imageref.Ref{ID: i.ID, Path: i.Path, Width: i.Width, Height: i.Height}
}

const imageColumns = `id, path, mime_type, width, height, alt_text, enriched, created_at, updated_at`

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Add registers an image, returning the existing row when the path is
// already known. Dimensions are read from the file when it decodes.
func (s *Store) Add(ctx context.Context, path, mimeType string) (*Image, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}
	if existing, err := s.FindByPath(ctx, abs); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	var width, height int
	if info, err := imageref.Inspect(abs); err == nil {
		width, height = info.Width, info.Height
	}

	ts := now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO images (path, mime_type, width, height, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		abs, nullableString(mimeType), width, height, ts, ts,
	)
	if err != nil {
		return nil, fmt.Errorf("insert image: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.Get(ctx, id)
}

// Get fetches an image row by id.
func (s *Store) Get(ctx context.Context, id int64) (*Image, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+imageColumns+` FROM images WHERE id = ?`, id)
	img, err := scanImage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("image %d: %w", id, ErrNotFound)
	}
	return img, err
}

// FindByPath fetches an image row by its absolute path.
func (s *Store) FindByPath(ctx context.Context, path string) (*Image, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+imageColumns+` FROM images WHERE path = ?`, path)
	img, err := scanImage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("image %q: %w", path, ErrNotFound)
	}
	return img, err
}

// Image implements enrich.MetadataStore.
func (s *Store) Image(ctx context.Context, id int64) (enrich.Record, error) {
	img, err := s.Get(ctx, id)
	if err != nil {
		return enrich.Record{}, err
	}
	return img.Record(), nil
}

// List returns every image in id order
func (s *Store) List(ctx context.Context) ([]*Image, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+imageColumns+` FROM images ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	var out []*Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

// IDs returns every image id in order
func (s *Store) IDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM images ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list image ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan image id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetAltText stores text written by a person and clears the enrichment
// flag, so refreshes leave it alone.
func (s *Store) SetAltText(ctx context.Context, id int64, text string) error {
	return s.updateAltText(ctx, id, text, false)
}

// WriteEnrichment implements enrich.MetadataStore: the text came from the
// engine, so the flag is set.
func (s *Store) WriteEnrichment(ctx context.Context, id int64, text string) error {
	return s.updateAltText(ctx, id, text, true)
}

func (s *Store) updateAltText(ctx context.Context, id int64, text string, enriched bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE images SET alt_text = ?, enriched = ?, updated_at = ? WHERE id = ?`,
		text, boolToInt(enriched), now(), id,
	)
	if err != nil {
		return fmt.Errorf("update alt text: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("image %d: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanImage(row rowScanner) (*Image, error) {
	var (
		img                  Image
		mimeType             sql.NullString
		enriched             int
		createdAt, updatedAt string
	)
	if err := row.Scan(&img.ID, &img.Path, &mimeType, &img.Width, &img.Height, &img.AltText, &enriched, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan image: %w", err)
	}
	img.MimeType = mimeType.String
	img.Enriched = enriched != 0
	img.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	img.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &img, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ enrich.MetadataStore = (*Store)(nil)
