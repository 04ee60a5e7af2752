package planogram

import (
	"bytes"
	"hash/fnv"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/rotisserie/eris"

	"github.com/sells-group/planogram-cli/internal/model"
)

// ImageRenderer converts a grid into an image for visual comparison.
type ImageRenderer interface {
	RenderImage(grid *model.Grid) (model.Image, error)
}

// BitmapConfig controls the PNG layout.
type BitmapConfig struct {
	CellWidth  int `yaml:"cell_width" mapstructure:"cell_width"`
	UnitHeight int `yaml:"unit_height" mapstructure:"unit_height"`
	ShelfLine  int `yaml:"shelf_line" mapstructure:"shelf_line"`
	Padding    int `yaml:"padding" mapstructure:"padding"`
}

// DefaultBitmapConfig returns the layout used when none is configured.
func DefaultBitmapConfig() BitmapConfig {
	return BitmapConfig{CellWidth: 40, UnitHeight: 48, ShelfLine: 6, Padding: 2}
}

// BitmapRenderer draws shelves top to bottom. Within a shelf band, each
// facing's units are stacked upward from the shelf line so nothing floats
// above empty space.
type BitmapRenderer struct {
	cfg BitmapConfig
}

// NewBitmapRenderer creates a renderer, filling zero fields from defaults.
func NewBitmapRenderer(cfg BitmapConfig) *BitmapRenderer {
	def := DefaultBitmapConfig()
	if cfg.CellWidth <= 0 {
		cfg.CellWidth = def.CellWidth
	}
	if cfg.UnitHeight <= 0 {
		cfg.UnitHeight = def.UnitHeight
	}
	if cfg.ShelfLine <= 0 {
		cfg.ShelfLine = def.ShelfLine
	}
	if cfg.Padding < 0 {
		cfg.Padding = def.Padding
	}
	return &BitmapRenderer{cfg: cfg}
}

var (
	backgroundColor = color.NRGBA{R: 245, G: 245, B: 240, A: 255}
	shelfLineColor  = color.NRGBA{R: 90, G: 90, B: 90, A: 255}
	emptyCellColor  = color.NRGBA{R: 225, G: 225, B: 220, A: 255}
)

// RenderImage draws the grid and returns it PNG-encoded.
func (r *BitmapRenderer) RenderImage(grid *model.Grid) (model.Image, error) {
	if grid == nil || len(grid.Shelves) == 0 || grid.Width == 0 {
		return model.Image{}, eris.New("planogram: nothing to render")
	}

	bands := make([]int, len(grid.Shelves))
	height := 0
	for i, row := range grid.Shelves {
		tallest := 1
		for _, c := range row.Cells {
			tallest = max(tallest, c.Stack)
		}
		bands[i] = tallest*r.cfg.UnitHeight + r.cfg.ShelfLine
		height += bands[i]
	}
	width := grid.Width * r.cfg.CellWidth

	canvas := imaging.New(width, height, backgroundColor)
	top := 0
	for i, row := range grid.Shelves {
		lineY := top + bands[i] - r.cfg.ShelfLine
		for col, c := range row.Cells {
			x := col * r.cfg.CellWidth
			if c.Kind == model.CellEmpty {
				canvas = r.box(canvas, x, lineY-r.cfg.UnitHeight, emptyCellColor)
				continue
			}
			fill := BrandColor(c.Brand)
			for unit := 1; unit <= max(c.Stack, 1); unit++ {
				canvas = r.box(canvas, x, lineY-unit*r.cfg.UnitHeight, fill)
			}
		}
		line := imaging.New(width, r.cfg.ShelfLine, shelfLineColor)
		canvas = imaging.Paste(canvas, line, image.Pt(0, lineY))
		top += bands[i]
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, canvas, imaging.PNG); err != nil {
		return model.Image{}, eris.Wrap(err, "planogram: encode png")
	}
	return model.Image{Name: "planogram.png", MediaType: "image/png", Data: buf.Bytes()}, nil
}

func (r *BitmapRenderer) box(canvas *image.NRGBA, x, y int, fill color.Color) *image.NRGBA {
	w := r.cfg.CellWidth - 2*r.cfg.Padding
	h := r.cfg.UnitHeight - 2*r.cfg.Padding
	if w <= 0 || h <= 0 {
		return canvas
	}
	return imaging.Paste(canvas, imaging.New(w, h, fill), image.Pt(x+r.cfg.Padding, y+r.cfg.Padding))
}

// BrandColor maps a brand to a stable, readable colour.
func BrandColor(brand string) color.Color {
	h := fnv.New32a()
	_, _ = h.Write([]byte(brand))
	hue := float64(h.Sum32() % 360)
	return colorful.Hcl(hue, 0.45, 0.65).Clamped()
}
