package overlay

import (
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	focusedColor    = color.RGBA{R: 70, G: 130, B: 180, A: 255}
	blurredColor    = color.RGBA{R: 90, G: 90, B: 90, A: 255}
	fullscreenColor = color.RGBA{R: 220, G: 80, B: 80, A: 255}
	labelBackground = color.RGBA{A: 200}
	labelColor      = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	fillColor       = color.RGBA{R: 0x20, G: 0x20, B: 0x20, A: 255}
)

const (
	borderWidth  = 4
	labelPadding = 5
	labelHeight  = 13 // basicfont.Face7x13 line height
)

// Badge is what the demo overlay shows about its target
type Badge struct {
	Title      string
	Focused    bool
	Fullscreen bool
}

// State is the short state word printed after the title
func (b Badge) State() string {
	switch {
	case b.Fullscreen:
		return "fullscreen"
	case b.Focused:
		return "focused"
	default:
		return "blurred"
	}
}

func (b Badge) borderColor() color.RGBA {
	switch {
	case b.Fullscreen:
		return fullscreenColor
	case b.Focused:
		return focusedColor
	default:
		return blurredColor
	}
}

// Render draws the badge into a new width x height image: a border that
// follows the focus state and a label in the top-left corner.
func (b Badge) Render(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(fillColor), image.Point{}, draw.Src)

	border := image.NewUniform(b.borderColor())
	for _, r := range []image.Rectangle{
		image.Rect(0, 0, width, borderWidth),
		image.Rect(0, height-borderWidth, width, height),
		image.Rect(0, 0, borderWidth, height),
		image.Rect(width-borderWidth, 0, width, height),
	} {
		draw.Draw(img, r.Intersect(img.Bounds()), border, image.Point{}, draw.Src)
	}

	b.drawLabel(img, b.Title+" ["+b.State()+"]")
	return img
}

func (b Badge) drawLabel(img *image.RGBA, text string) {
	face := basicfont.Face7x13
	textWidth := font.MeasureString(face, text).Ceil()

	x, y := borderWidth, borderWidth
	bg := image.Rect(x, y, x+textWidth+labelPadding*2, y+labelHeight+labelPadding*2)
	draw.Draw(img, bg.Intersect(img.Bounds()), image.NewUniform(labelBackground), image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(labelColor),
		Face: face,
		Dot:  fixed.P(x+labelPadding, y+labelPadding+face.Ascent),
	}
	d.DrawString(text)
}
