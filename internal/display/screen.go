// Package display models the device screen: a back buffer that drawing
// operations paint into and a front buffer that refreshes publish.
package display

import (
	"image"
	"image/color"
)

// Screen is a double-buffered RGB screen.
type Screen struct {
	Width  int
	Height int
	// Align is the vertical alignment drawn areas must respect.
	Align int

	// OnText is called for every text a refresh publishes.
	OnText func(Text)

	back    []uint32
	front   []uint32
	version uint64

	backTexts  []Text
	frontTexts []Text
}

// New returns a blank (white) screen.
func New(width, height, align int) *Screen {
	if align <= 0 {
		align = 1
	}
	s := &Screen{
		Width:  width,
		Height: height,
		Align:  align,
		back:   make([]uint32, width*height),
		front:  make([]uint32, width*height),
	}
	s.Clear()
	return s
}

// Clear resets both buffers to white and bumps the version.
func (s *Screen) Clear() {
	for i := range s.back {
		s.back[i] = 0xffffff
		s.front[i] = 0xffffff
	}
	s.backTexts, s.frontTexts = nil, nil
	s.version++
}

// Version increases every time the front buffer changes.
func (s *Screen) Version() uint64 { return s.version }

func (s *Screen) set(x, y int, c uint32) {
	if x < 0 || y < 0 || x >= s.Width || y >= s.Height {
		return
	}
	s.back[y*s.Width+x] = c & 0xffffff
}

// Pixel returns the published color at (x, y).
func (s *Screen) Pixel(x, y int) uint32 {
	if x < 0 || y < 0 || x >= s.Width || y >= s.Height {
		return 0
	}
	return s.front[y*s.Width+x]
}

// Refresh publishes the area of the back buffer.
func (s *Screen) Refresh(a Area) error {
	if err := s.check(a); err != nil {
		return err
	}
	for y := int(a.Y0); y < int(a.Y0)+int(a.Height); y++ {
		row := y * s.Width
		copy(s.front[row+int(a.X0):row+int(a.X0)+int(a.Width)], s.back[row+int(a.X0):])
	}
	s.version++
	s.publishTexts(a)
	return nil
}

// RefreshAll publishes the whole back buffer.
func (s *Screen) RefreshAll() {
	copy(s.front, s.back)
	s.version++
	s.publishTexts(Area{Width: uint16(s.Width), Height: uint16(s.Height)})
}

// Snapshot returns the front buffer as packed RGB24 rows.
func (s *Screen) Snapshot() []byte {
	out := make([]byte, 0, 3*len(s.front))
	for _, c := range s.front {
		out = append(out, byte(c>>16), byte(c>>8), byte(c))
	}
	return out
}

// Image returns the front buffer as an image.
func (s *Screen) Image() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, s.Width, s.Height))
	for i, c := range s.front {
		img.Set(i%s.Width, i/s.Width, color.RGBA{R: byte(c >> 16), G: byte(c >> 8), B: byte(c), A: 0xff})
	}
	return img
}

// ReadAt implements the gray-level framebuffer window over the back buffer:
// one byte per pixel, row major.
func (s *Screen) ReadAt(p []byte, off uint32) error {
	for i := range p {
		idx := int(off) + i
		if idx < len(s.back) {
			p[i] = byte(s.back[idx])
		} else {
			p[i] = 0
		}
	}
	return nil
}

// WriteAt paints gray levels into the back buffer.
func (s *Screen) WriteAt(p []byte, off uint32) error {
	for i, v := range p {
		idx := int(off) + i
		if idx < len(s.back) {
			s.back[idx] = uint32(v) * 0x010101
		}
	}
	return nil
}
