// Package imageref validates image references and reads the little the
// enricher needs from them: bytes for the vision service and dimensions for
// crop-hint geometry.
package imageref

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"strings"

	"github.com/chai2010/webp"
	_ "golang.org/x/image/webp"
)

// Ref identifies an image known to the host
type Ref struct {
	ID     int64  `json:"id"`
	Path   string `json:"path"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// HasDimensions reports whether both dimensions are known
func (r Ref) HasDimensions() bool {
	return r.Width > 0 && r.Height > 0
}

// Info contains basic image metadata
type Info struct {
	Width       int
	Height      int
	AspectRatio float64
	Format      string
}

// InvalidImageError means the reference is missing or unreadable.
type InvalidImageError struct {
	Path   string
	Reason string
	Err    error
}

func (e *InvalidImageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid image %q: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid image %q: %s", e.Path, e.Reason)
}

func (e *InvalidImageError) Unwrap() error {
	return e.Err
}

// IsInvalid reports whether err is an InvalidImageError
func IsInvalid(err error) bool {
	var target *InvalidImageError
	return errors.As(err, &target)
}

// Check verifies that path names a readable regular file.
func Check(path string) error {
	if strings.TrimSpace(path) == "" {
		return &InvalidImageError{Path: path, Reason: "file path is empty"}
	}
	info, err := os.Stat(path)
	if err != nil {
		return &InvalidImageError{Path: path, Reason: "file doesn't exist", Err: err}
	}
	if info.IsDir() {
		return &InvalidImageError{Path: path, Reason: "path is a directory"}
	}
	f, err := os.Open(path)
	if err != nil {
		return &InvalidImageError{Path: path, Reason: "file is not readable", Err: err}
	}
	return f.Close()
}

// ReadFile returns the file content, or an InvalidImageError.
func ReadFile(path string) ([]byte, error) {
	if err := Check(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &InvalidImageError{Path: path, Reason: "file is not readable", Err: err}
	}
	return data, nil
}

// Inspect decodes only the image header to learn its dimensions.
func Inspect(path string) (Info, error) {
	data, err := ReadFile(path)
	if err != nil {
		return Info{}, err
	}
	return InspectBytes(path, data)
}

// InspectBytes is Inspect for content already in memory.
func InspectBytes(path string, data []byte) (Info, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		// extended WebP variants the x/image decoder rejects
		w, h, _, webpErr := webp.GetInfo(data)
		if webpErr != nil {
			return Info{}, &InvalidImageError{Path: path, Reason: "unknown image format", Err: err}
		}
		cfg, format = image.Config{Width: w, Height: h}, "webp"
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Info{}, &InvalidImageError{Path: path, Reason: fmt.Sprintf("invalid dimensions %dx%d", cfg.Width, cfg.Height)}
	}
	return Info{
		Width:       cfg.Width,
		Height:      cfg.Height,
		AspectRatio: float64(cfg.Width) / float64(cfg.Height),
		Format:      format,
	}, nil
}

// WithDimensions fills in missing dimensions from the file header.
func WithDimensions(ref Ref) (Ref, error) {
	if ref.HasDimensions() {
		return ref, nil
	}
	info, err := Inspect(ref.Path)
	if err != nil {
		return ref, err
	}
	ref.Width, ref.Height = info.Width, info.Height
	return ref, nil
}

// IsImageContentType reports whether a MIME type names an image
func IsImageContentType(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "image/")
}
