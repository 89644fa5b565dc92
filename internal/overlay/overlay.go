// Package overlay draws labeled face boxes onto a transparent canvas that is
// laid over the query image.
package overlay

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/andresmejia3/facematch/internal/types"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Size is a display size in pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// SizeOf returns the size of an image.
func SizeOf(img image.Image) Size {
	b := img.Bounds()
	return Size{Width: b.Dx(), Height: b.Dy()}
}

// Style controls how a box is drawn.
type Style struct {
	BoxColor  color.RGBA
	TextColor color.RGBA
	LineWidth int
}

// DefaultStyle is a 2px blue box with a white label on a blue banner.
var DefaultStyle = Style{
	BoxColor:  color.RGBA{B: 255, A: 255},
	TextColor: color.RGBA{R: 255, G: 255, B: 255, A: 255},
	LineWidth: 2,
}

// ResizeBox scales a box from detector image coordinates to display coordinates.
func ResizeBox(b types.Box, from, to Size) types.Box {
	if from.Width <= 0 || from.Height <= 0 {
		return b
	}
	sx := float64(to.Width) / float64(from.Width)
	sy := float64(to.Height) / float64(from.Height)
	return types.Box{X: b.X * sx, Y: b.Y * sy, W: b.W * sx, H: b.H * sy}
}

// Canvas is a transparent RGBA layer the size of the displayed image.
type Canvas struct {
	img *image.RGBA
}

// NewCanvas creates a canvas matching the media's dimensions.
func NewCanvas(media image.Image) *Canvas {
	return NewCanvasSize(SizeOf(media))
}

// NewCanvasSize creates an empty canvas of the given size.
func NewCanvasSize(s Size) *Canvas {
	return &Canvas{img: image.NewRGBA(image.Rect(0, 0, max(s.Width, 0), max(s.Height, 0)))}
}

// MatchDimensions resizes the canvas to s, discarding anything drawn so far.
func (c *Canvas) MatchDimensions(s Size) {
	if c.Size() == s {
		return
	}
	c.img = image.NewRGBA(image.Rect(0, 0, max(s.Width, 0), max(s.Height, 0)))
}

// Size returns the canvas dimensions.
func (c *Canvas) Size() Size { return SizeOf(c.img) }

// Image exposes the underlying layer.
func (c *Canvas) Image() *image.RGBA { return c.img }

// toRect rounds a box to integer pixels, clipped to the canvas.
func (c *Canvas) toRect(b types.Box) image.Rectangle {
	r := image.Rect(
		int(math.Round(b.X)),
		int(math.Round(b.Y)),
		int(math.Round(b.X+b.W)),
		int(math.Round(b.Y+b.H)),
	)
	return r.Intersect(c.img.Bounds())
}

// fill paints rect with a solid color using direct Pix access.
func (c *Canvas) fill(rect image.Rectangle, col color.RGBA) {
	rect = rect.Intersect(c.img.Bounds())
	if rect.Empty() {
		return
	}
	stride := c.img.Stride
	pix := c.img.Pix
	imgMinX, imgMinY := c.img.Rect.Min.X, c.img.Rect.Min.Y
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		rowStart := (y-imgMinY)*stride + (rect.Min.X-imgMinX)*4
		for x := 0; x < rect.Dx(); x++ {
			off := rowStart + x*4
			pix[off] = col.R
			pix[off+1] = col.G
			pix[off+2] = col.B
			pix[off+3] = col.A
		}
	}
}

// DrawBox outlines the box and writes label on a banner anchored to its
// bottom-left corner. An empty label draws only the outline.
func (c *Canvas) DrawBox(b types.Box, label string, style Style) {
	rect := c.toRect(b)
	if rect.Empty() {
		return
	}
	lw := max(style.LineWidth, 1)

	// Outline as four strips.
	c.fill(image.Rect(rect.Min.X, rect.Min.Y, rect.Max.X, rect.Min.Y+lw), style.BoxColor)
	c.fill(image.Rect(rect.Min.X, rect.Max.Y-lw, rect.Max.X, rect.Max.Y), style.BoxColor)
	c.fill(image.Rect(rect.Min.X, rect.Min.Y, rect.Min.X+lw, rect.Max.Y), style.BoxColor)
	c.fill(image.Rect(rect.Max.X-lw, rect.Min.Y, rect.Max.X, rect.Max.Y), style.BoxColor)

	if label == "" {
		return
	}

	face := basicfont.Face7x13
	const padding = 2
	textW := font.MeasureString(face, label).Ceil()
	metrics := face.Metrics()
	textH := (metrics.Ascent + metrics.Descent).Ceil()

	// Banner sits just below the box; if that falls off the canvas, inside the box.
	top := rect.Max.Y
	if top+textH+2*padding > c.img.Bounds().Max.Y {
		top = rect.Max.Y - textH - 2*padding
	}
	banner := image.Rect(rect.Min.X, top, rect.Min.X+textW+2*padding, top+textH+2*padding)
	c.fill(banner, style.BoxColor)

	d := &font.Drawer{
		Dst:  c.img,
		Src:  image.NewUniform(style.TextColor),
		Face: face,
		Dot:  fixed.P(banner.Min.X+padding, banner.Min.Y+padding+metrics.Ascent.Ceil()),
	}
	d.DrawString(label)
}

// Compose draws the source image scaled to the canvas size and the canvas on top.
func Compose(src image.Image, c *Canvas) *image.RGBA {
	out := image.NewRGBA(c.img.Bounds())
	if SizeOf(src) == c.Size() {
		draw.Draw(out, out.Bounds(), src, src.Bounds().Min, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(out, out.Bounds(), src, src.Bounds(), draw.Src, nil)
	}
	draw.Draw(out, out.Bounds(), c.img, image.Point{}, draw.Over)
	return out
}

// EncodePNG writes img as PNG.
func EncodePNG(w io.Writer, img image.Image) error {
	if err := png.Encode(w, img); err != nil {
		return fmt.Errorf("encode png: %w", err)
	}
	return nil
}
