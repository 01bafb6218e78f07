package media

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Synthetic generates deterministic animated frames: a gradient background,
// a timestamp overlay and a marker whose position is a function of wall-clock
// time. It never fails, which makes it the terminal video fallback.
type Synthetic struct {
	width  int
	height int
	fps    int
}

// NewSynthetic returns a generator producing frames at the given geometry.
func NewSynthetic(width, height, fps int) *Synthetic {
	return &Synthetic{width: width, height: height, fps: fps}
}

func (s *Synthetic) Read() (image.Image, func(), error) {
	return s.frame(time.Now()), func() {}, nil
}

func (s *Synthetic) ID() string { return "synthetic" }

func (s *Synthetic) Close() error { return nil }

func (s *Synthetic) frame(now time.Time) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))

	// Vertical intensity gradient, one row at a time.
	row := make([]byte, 4*s.width)
	for y := 0; y < s.height; y++ {
		intensity := 255 * y / s.height
		r, g, b := byte(intensity/3), byte(intensity/2), byte(intensity)
		for x := 0; x < s.width; x++ {
			row[4*x], row[4*x+1], row[4*x+2], row[4*x+3] = r, g, b, 0xff
		}
		copy(img.Pix[y*img.Stride:], row)
	}

	drawLabel(img, 50, 50, color.RGBA{255, 255, 255, 255},
		fmt.Sprintf("Robot Camera - %s", now.Format("2006-01-02 15:04:05")))
	drawLabel(img, 50, 100, color.RGBA{200, 200, 200, 255},
		fmt.Sprintf("Resolution: %dx%d@%dfps", s.width, s.height, s.fps))

	t := float64(now.UnixNano()) / float64(time.Second)
	x := int(50 + 200*(0.5+0.5*math.Sin(t)))
	y := int(200 + 50*(0.5+0.5*math.Cos(t*2)))
	fillCircle(img, x, y, 20, color.RGBA{0, 255, 0, 255})

	return img
}

func drawLabel(img *image.RGBA, x, y int, c color.RGBA, text string) {
	d := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

func fillCircle(img *image.RGBA, cx, cy, r int, c color.RGBA) {
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if dx*dx+dy*dy <= r*r {
				img.SetRGBA(cx+dx, cy+dy, c)
			}
		}
	}
}
