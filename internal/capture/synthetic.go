package capture

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Placeholder palette. Dark slate background with a light border makes
// synthetic frames visually unmistakable in a reviewer's export.
var (
	placeholderBg     = color.RGBA{R: 0x2b, G: 0x2b, B: 0x3a, A: 0xff}
	placeholderBorder = color.RGBA{R: 0x8a, G: 0x8a, B: 0xa0, A: 0xff}
	placeholderText   = color.RGBA{R: 0xe6, G: 0xe6, B: 0xe6, A: 0xff}
)

// renderPlaceholder draws a deterministic synthetic frame embedding
// the label and timestamp. Given the same inputs it produces the same
// pixels.
func renderPlaceholder(width, height int, label string, at time.Time) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: placeholderBg}, image.Point{}, draw.Src)

	// 2px border
	for x := 0; x < width; x++ {
		for _, y := range []int{0, 1, height - 2, height - 1} {
			img.Set(x, y, placeholderBorder)
		}
	}
	for y := 0; y < height; y++ {
		for _, x := range []int{0, 1, width - 2, width - 1} {
			img.Set(x, y, placeholderBorder)
		}
	}

	lines := []string{
		"SYNTHETIC CAPTURE",
		label,
		at.UTC().Format(time.RFC3339),
		fmt.Sprintf("%dx%d", width, height),
	}

	face := basicfont.Face7x13
	drawer := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{C: placeholderText},
		Face: face,
	}

	lineHeight := face.Metrics().Height.Ceil() + 4
	startY := height/2 - (len(lines)*lineHeight)/2
	for i, line := range lines {
		w := drawer.MeasureString(line).Ceil()
		drawer.Dot = fixed.P((width-w)/2, startY+i*lineHeight)
		drawer.DrawString(line)
	}

	return img
}
