// Package cropper is the crop-size collaborator: it substitutes a crop
// hint for the plain crop flag of configured thumbnail sizes and renders
// the resulting thumbnails.
package cropper

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"

	"github.com/menta2k/image-enricher/pkg/crophint"
)

// Size is one configured thumbnail size
type Size struct {
	Name   string `toml:"name" json:"name"`
	Width  int    `toml:"width" json:"width"`
	Height int    `toml:"height" json:"height"`
	Crop   bool   `toml:"crop" json:"crop"`
}

// Plan is a size with its crop position resolved. Horizontal and Vertical
// are empty for sizes that only scale.
type Plan struct {
	Size
	Horizontal crophint.Position `json:"horizontal,omitempty"`
	Vertical   crophint.Position `json:"vertical,omitempty"`
}

// Cropped reports whether the plan crops rather than scales
func (p Plan) Cropped() bool {
	return p.Horizontal != "" && p.Vertical != ""
}

// DefaultSizes mirrors a typical CMS thumbnail configuration
func DefaultSizes() []Size {
	return []Size{
		{Name: "thumbnail", Width: 150, Height: 150, Crop: true},
		{Name: "medium", Width: 300, Height: 300},
		{Name: "large", Width: 1024, Height: 1024},
	}
}

// ApplyHint substitutes the hint for every size flagged for cropping.
func ApplyHint(sizes []Size, hint crophint.Hint) []Plan {
	plans := make([]Plan, len(sizes))
	for i, s := range sizes {
		plans[i] = Plan{Size: s}
		if s.Crop {
			plans[i].Horizontal = orCenter(hint.Horizontal)
			plans[i].Vertical = orCenter(hint.Vertical)
		}
	}
	return plans
}

func orCenter(p crophint.Position) crophint.Position {
	if p == "" {
		return crophint.Center
	}
	return p
}

// Anchor maps a quadrant pair to the imaging anchor that keeps it in frame
func Anchor(horizontal, vertical crophint.Position) imaging.Anchor {
	switch vertical {
	case crophint.Top:
		switch horizontal {
		case crophint.Left:
			return imaging.TopLeft
		case crophint.Right:
			return imaging.TopRight
		}
		return imaging.Top
	case crophint.Bottom:
		switch horizontal {
		case crophint.Left:
			return imaging.BottomLeft
		case crophint.Right:
			return imaging.BottomRight
		}
		return imaging.Bottom
	}
	switch horizontal {
	case crophint.Left:
		return imaging.Left
	case crophint.Right:
		return imaging.Right
	}
	return imaging.Center
}

// Render produces the thumbnail for one plan. Cropped plans fill the exact
// size around the anchor; others fit inside the box without upscaling.
func Render(img image.Image, plan Plan) (image.Image, error) {
	if plan.Width <= 0 && plan.Height <= 0 {
		return nil, fmt.Errorf("size %q has no dimensions", plan.Name)
	}
	if plan.Cropped() {
		if plan.Width <= 0 || plan.Height <= 0 {
			return nil, fmt.Errorf("cropped size %q needs both dimensions", plan.Name)
		}
		return imaging.Fill(img, plan.Width, plan.Height, Anchor(plan.Horizontal, plan.Vertical), imaging.Lanczos), nil
	}

	b := img.Bounds()
	maxW, maxH := plan.Width, plan.Height
	if maxW <= 0 {
		maxW = b.Dx()
	}
	if maxH <= 0 {
		maxH = b.Dy()
	}
	if b.Dx() <= maxW && b.Dy() <= maxH {
		return imaging.Clone(img), nil
	}
	return imaging.Fit(img, maxW, maxH, imaging.Lanczos), nil
}

// Load decodes an image file, falling back to the WebP decoder
func Load(path string) (image.Image, error) {
	if img, err := imaging.Open(path); err == nil {
		return img, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}
	return nil, fmt.Errorf("image: unknown format for %s", path)
}

// Save encodes img by the extension of path: jpg, png or webp
func Save(img image.Image, path string, quality int) error {
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".webp":
		var buf bytes.Buffer
		if err := webp.Encode(&buf, img, &webp.Options{Quality: float32(quality)}); err != nil {
			return fmt.Errorf("encode webp: %w", err)
		}
		return os.WriteFile(path, buf.Bytes(), 0o644)
	case ".png":
		return imaging.Save(img, path, imaging.PNGCompressionLevel(png.BestCompression))
	case ".jpg", ".jpeg":
		return imaging.Save(img, path, imaging.JPEGQuality(quality))
	}
	return fmt.Errorf("unsupported output format %q", filepath.Ext(path))
}

// ThumbnailPath names a rendered thumbnail next to its source:
// photo.jpg -> photo-150x150.jpg
func ThumbnailPath(source string, img image.Image) string {
	ext := filepath.Ext(source)
	b := img.Bounds()
	return fmt.Sprintf("%s-%dx%d%s", strings.TrimSuffix(source, ext), b.Dx(), b.Dy(), ext)
}

// Generate renders and saves every plan for the source file, returning the
// written paths in plan order.
func Generate(source string, plans []Plan, quality int) ([]string, error) {
	img, err := Load(source)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(plans))
	for _, plan := range plans {
		thumb, err := Render(img, plan)
		if err != nil {
			return paths, err
		}
		out := ThumbnailPath(source, thumb)
		if err := Save(thumb, out, quality); err != nil {
			return paths, fmt.Errorf("save %s: %w", plan.Name, err)
		}
		paths = append(paths, out)
	}
	return paths, nil
}
