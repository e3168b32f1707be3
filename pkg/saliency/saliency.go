// Package saliency estimates where the subject of an image sits from
// local edge strength and brightness. It stands in for the vision
// service's crop hints on backends that cannot produce them.
package saliency

import (
	"image"
	"math"
	"sort"

	"github.com/disintegration/imaging"

	"github.com/menta2k/image-enricher/pkg/types"
)

// Config holds the weights used to score pixels and regions
type Config struct {
	EdgeThreshold   float64
	ContrastWeight  float64
	ColorWeight     float64
	MinSubjectRatio float64
	// AnalysisSize is the longest side the image is reduced to before scoring
	AnalysisSize int
}

// DefaultConfig returns the weights tuned for photographs
func DefaultConfig() Config {
	return Config{
		EdgeThreshold:   0.01,
		ContrastWeight:  0.3,
		ColorWeight:     0.2,
		MinSubjectRatio: 0.05,
		AnalysisSize:    256,
	}
}

// Detector finds salient regions
type Detector struct {
	config Config
}

// New creates a detector with the default configuration
func New() *Detector {
	return &Detector{config: DefaultConfig()}
}

// NewWithConfig creates a detector with custom weights
func NewWithConfig(config Config) *Detector {
	if config.AnalysisSize <= 0 {
		config.AnalysisSize = DefaultConfig().AnalysisSize
	}
	return &Detector{config: config}
}

// Region is a rectangle in image pixels
type Region struct {
	X      int
	Y      int
	Width  int
	Height int
	Score  float64
}

// Center returns the center point of the region
func (r Region) Center() (int, int) {
	return r.X + r.Width/2, r.Y + r.Height/2
}

// Area returns the area of the region
func (r Region) Area() int {
	return r.Width * r.Height
}

// Vertices returns the clockwise corners starting top-left, the way the
// vision service reports crop hint polygons.
func (r Region) Vertices() []types.Vertex {
	right, bottom := r.X+r.Width-1, r.Y+r.Height-1
	return []types.Vertex{
		{X: r.X, Y: r.Y},
		{X: right, Y: r.Y},
		{X: right, Y: bottom},
		{X: r.X, Y: bottom},
	}
}

func (r Region) scaled(f float64) Region {
	return Region{
		X:      int(math.Round(float64(r.X) * f)),
		Y:      int(math.Round(float64(r.Y) * f)),
		Width:  int(math.Round(float64(r.Width) * f)),
		Height: int(math.Round(float64(r.Height) * f)),
		Score:  r.Score,
	}
}

// saliencyMap scores every pixel; border pixels stay zero
type saliencyMap [][]float64

// DetectSubjects returns up to ten salient regions, best first, in the
// coordinates of img.
func (d *Detector) DetectSubjects(img image.Image) []Region {
	small, scale := d.reduce(img)
	b := small.Bounds()
	m := d.saliency(small)
	regions := d.filter(d.windows(m, b.Dx(), b.Dy()), b.Dx(), b.Dy())
	if len(regions) > 10 {
		regions = regions[:10]
	}
	for i := range regions {
		regions[i] = regions[i].scaled(scale)
	}
	return regions
}

// CropHint returns the best crop of the given aspect ratio (width/height)
// as a vision crop hint. ImportanceFraction is the share of total saliency
// inside the crop.
func (d *Detector) CropHint(img image.Image, aspectRatio float64) types.CropHint {
	small, scale := d.reduce(img)
	b := small.Bounds()
	width, height := b.Dx(), b.Dy()
	m := d.saliency(small)
	subjects := d.filter(d.windows(m, width, height), width, height)

	cropWidth, cropHeight := width, height
	if aspectRatio > 0 {
		if aspectRatio > float64(width)/float64(height) {
			cropHeight = int(float64(width) / aspectRatio)
		} else {
			cropWidth = int(float64(height) * aspectRatio)
		}
	}
	best := optimalPosition(subjects, cropWidth, cropHeight, width, height)

	var total, inside float64
	for y, row := range m {
		for x, v := range row {
			total += v
			if x >= best.X && x < best.X+best.Width && y >= best.Y && y < best.Y+best.Height {
				inside += v
			}
		}
	}
	hint := types.CropHint{BoundingPoly: types.BoundingPoly{Vertices: best.scaled(scale).Vertices()}}
	if total > 0 {
		hint.ImportanceFraction = inside / total
	}
	return hint
}

// reduce shrinks img so its longest side is at most AnalysisSize and
// returns the factor mapping reduced coordinates back onto img.
func (d *Detector) reduce(img image.Image) (*image.NRGBA, float64) {
	b := img.Bounds()
	if b.Dx() <= d.config.AnalysisSize && b.Dy() <= d.config.AnalysisSize {
		return imaging.Clone(img), 1
	}
	small := imaging.Fit(img, d.config.AnalysisSize, d.config.AnalysisSize, imaging.Box)
	return small, float64(b.Dx()) / float64(small.Bounds().Dx())
}

var neighbors = [8][2]int{{-1, -1}, {-1, 0}, {-1, 1}, {0, -1}, {0, 1}, {1, -1}, {1, 0}, {1, 1}}

func (d *Detector) saliency(img *image.NRGBA) saliencyMap {
	width, height := img.Bounds().Dx(), img.Bounds().Dy()
	m := make(saliencyMap, height)
	for i := range m {
		m[i] = make([]float64, width)
	}

	at := func(x, y int) (float64, float64, float64) {
		i := img.PixOffset(x, y)
		return float64(img.Pix[i]), float64(img.Pix[i+1]), float64(img.Pix[i+2])
	}
	for y := 1; y < height-1; y++ {
		for x := 1; x < width-1; x++ {
			r1, g1, b1 := at(x, y)
			var edge float64
			for _, off := range neighbors {
				r2, g2, b2 := at(x+off[0], y+off[1])
				dr, dg, db := r1-r2, g1-g2, b1-b2
				edge += math.Sqrt(dr*dr + dg*dg + db*db)
			}
			edge /= 8 * 255
			brightness := (r1 + g1 + b1) / (3 * 255)
			m[y][x] = d.config.ContrastWeight*edge + d.config.ColorWeight*brightness
		}
	}
	return m
}

// windows slides square windows of several sizes over the map
func (d *Detector) windows(m saliencyMap, width, height int) []Region {
	var regions []Region
	for _, size := range []int{width / 20, width / 16, width / 12, width / 8, width / 4} {
		if size < 10 {
			continue
		}
		step := max(size/8, 1)
		for y := 0; y <= height-size; y += step {
			for x := 0; x <= width-size; x += step {
				if score := m.mean(x, y, size, size); score > d.config.EdgeThreshold {
					regions = append(regions, Region{X: x, Y: y, Width: size, Height: size, Score: score})
				}
			}
		}
	}
	return regions
}

func (m saliencyMap) mean(x, y, width, height int) float64 {
	var total float64
	count := 0
	for ry := y; ry < y+height && ry < len(m); ry++ {
		for rx := x; rx < x+width && rx < len(m[ry]); rx++ {
			total += m[ry][rx]
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}

func (d *Detector) filter(regions []Region, width, height int) []Region {
	minArea := int(float64(width*height) * d.config.MinSubjectRatio)
	filtered := regions[:0]
	for _, r := range regions {
		if r.Area() >= minArea {
			filtered = append(filtered, r)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool { return filtered[i].Score > filtered[j].Score })
	return filtered
}

// optimalPosition slides a crop window and keeps the position covering the
// most subject weight. Ties keep the centered default.
func optimalPosition(subjects []Region, cropWidth, cropHeight, width, height int) Region {
	best := Region{X: (width - cropWidth) / 2, Y: (height - cropHeight) / 2, Width: cropWidth, Height: cropHeight}
	if len(subjects) == 0 {
		return best
	}
	step := max(max(cropWidth, cropHeight)/20, 1)
	for y := 0; y <= height-cropHeight; y += step {
		for x := 0; x <= width-cropWidth; x += step {
			if score := coverage(subjects, x, y, cropWidth, cropHeight); score > best.Score {
				best = Region{X: x, Y: y, Width: cropWidth, Height: cropHeight, Score: score}
			}
		}
	}
	return best
}

func coverage(subjects []Region, cropX, cropY, cropWidth, cropHeight int) float64 {
	score := 0.0
	for _, s := range subjects {
		x1, y1 := max(cropX, s.X), max(cropY, s.Y)
		x2, y2 := min(cropX+cropWidth, s.X+s.Width), min(cropY+cropHeight, s.Y+s.Height)
		if x2 > x1 && y2 > y1 {
			score += float64((x2-x1)*(y2-y1)) / float64(s.Area()) * s.Score
		}
	}
	return score
}
