package display

import (
	"image"
	"image/png"
	"io"
	"os"

	"golang.org/x/image/draw"
)

// EncodePNG writes the published screen as PNG, scaled by an integer factor.
func (s *Screen) EncodePNG(w io.Writer, scale int) error {
	var img image.Image = s.Image()
	if scale > 1 {
		dst := image.NewRGBA(image.Rect(0, 0, s.Width*scale, s.Height*scale))
		draw.NearestNeighbor.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
		img = dst
	}
	return png.Encode(w, img)
}

// SaveScreenshot writes a PNG screenshot to path.
func (s *Screen) SaveScreenshot(path string, scale int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := s.EncodePNG(f, scale); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
