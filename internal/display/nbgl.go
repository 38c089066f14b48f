package display

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/lunixbochs/struc"
)

// AreaSize is the guest size of an area record.
const AreaSize = 10

// Area is the guest drawing area record.
type Area struct {
	X0     uint16 `struc:"uint16"`
	Y0     uint16 `struc:"uint16"`
	Width  uint16 `struc:"uint16"`
	Height uint16 `struc:"uint16"`
	Color  uint8  `struc:"uint8"`
	BPP    uint8  `struc:"uint8"`
}

func (a Area) String() string {
	return fmt.Sprintf("(%d,%d %dx%d color=%d bpp=%d)", a.X0, a.Y0, a.Width, a.Height, a.Color, a.BPP)
}

// ParseArea decodes a guest area record.
func ParseArea(b []byte) (Area, error) {
	var a Area
	if len(b) < AreaSize {
		return a, fmt.Errorf("area record: %d bytes, need %d", len(b), AreaSize)
	}
	if err := struc.UnpackWithOrder(bytes.NewReader(b[:AreaSize]), &a, binary.LittleEndian); err != nil {
		return a, fmt.Errorf("area record: %w", err)
	}
	return a, nil
}

// AreaError reports an area outside the screen or misaligned.
type AreaError struct {
	Area   Area
	Reason string
}

func (e *AreaError) Error() string {
	return "invalid area " + e.Area.String() + ": " + e.Reason
}

// ErrBadImage reports an undecodable image buffer.
var ErrBadImage = errors.New("bad image")

func (s *Screen) check(a Area) error {
	fail := func(format string, args ...any) error {
		return &AreaError{Area: a, Reason: fmt.Sprintf(format, args...)}
	}
	switch {
	case int(a.Y0)%s.Align != 0 || int(a.Height)%s.Align != 0:
		return fail("y0 %d or height %d not %d aligned", a.Y0, a.Height, s.Align)
	case int(a.X0)+int(a.Width) > s.Width:
		return fail("right edge %d out of screen", int(a.X0)+int(a.Width))
	case int(a.Y0)+int(a.Height) > s.Height:
		return fail("bottom edge %d out of screen", int(a.Y0)+int(a.Height))
	}
	return nil
}

// Check validates an area against the screen geometry.
func (s *Screen) Check(a Area) error { return s.check(a) }

// ScreenColor expands a palette index to RGB for the given depth.
func ScreenColor(c uint8, bpp int) uint32 {
	switch bpp {
	case 1:
		return uint32(c) * 0xffffff
	case 4:
		return uint32(c) * 0x111111
	}
	return uint32(c) * 0x555555
}

// bitsPerPixel maps the area depth code to a bit count.
func bitsPerPixel(code uint8) int {
	switch code {
	case 0:
		return 1
	case 1:
		return 2
	case 2:
		return 4
	}
	return 0
}

// DrawRect fills the area with its color.
func (s *Screen) DrawRect(a Area) error {
	if err := s.check(a); err != nil {
		return err
	}
	c := ScreenColor(a.Color, 2)
	for y := int(a.Y0); y < int(a.Y0)+int(a.Height); y++ {
		for x := int(a.X0); x < int(a.X0)+int(a.Width); x++ {
			s.set(x, y, c)
		}
	}
	return nil
}

// DrawLine paints each column of the area from mask: set bits take color,
// clear bits take the area color.
func (s *Screen) DrawLine(a Area, mask, color uint8) error {
	if err := s.check(a); err != nil {
		return err
	}
	back := ScreenColor(a.Color, 2)
	front := ScreenColor(color, 2)
	for x := int(a.X0); x < int(a.X0)+int(a.Width); x++ {
		for dy := 0; dy < int(a.Height); dy++ {
			c := back
			if dy < 8 && mask>>dy&1 != 0 {
				c = front
			}
			s.set(x, int(a.Y0)+dy, c)
		}
	}
	return nil
}

// ImageSize returns the packed buffer size of an image covering the area.
func ImageSize(a Area) int {
	return int(a.Width) * int(a.Height) * bitsPerPixel(a.BPP) / 8
}

// Transformations accepted by DrawImage.
const (
	TransformNone = iota
	TransformHMirror
	TransformVMirror
	TransformHVMirror
	TransformRotate90
)

// DrawImage unpacks a column-major packed image into the area.
func (s *Screen) DrawImage(a Area, buf []byte, transformation, colorMap uint8) error {
	if err := s.check(a); err != nil {
		return err
	}
	bpp := bitsPerPixel(a.BPP)
	if bpp == 0 {
		return fmt.Errorf("%w: depth code %d", ErrBadImage, a.BPP)
	}
	if transformation > TransformRotate90 {
		return fmt.Errorf("%w: transformation %d", ErrBadImage, transformation)
	}
	if need := ImageSize(a); len(buf) > need {
		buf = buf[:need]
	}
	if a.Width == 0 || a.Height == 0 {
		return nil
	}

	x0, y0 := int(a.X0), int(a.Y0)
	x1, y1 := x0+int(a.Width)-1, y0+int(a.Height)-1
	var x, y int
	switch transformation {
	case TransformNone:
		x, y = x1, y0
	case TransformHMirror:
		x, y = x1, y1
	case TransformVMirror:
		x, y = x0, y0
	case TransformHVMirror:
		x, y = x0, y1
	case TransformRotate90:
		x, y = x0, y0
	}

	cmap := uint32(colorMap)
	depth := bpp
	if bpp == 1 {
		cmap = cmap<<2 | uint32(a.Color)
		depth = 2
	}
	mask := byte(1)<<bpp - 1

	for _, b := range buf {
		for i := 0; i < 8; i += bpp {
			nib := b >> (8 - bpp - i) & mask
			var c uint32
			if cmap != 0 && depth < 4 {
				c = ScreenColor(uint8(cmap>>(uint32(nib)*2)&3), depth)
			} else {
				c = ScreenColor(nib, depth)
			}
			s.set(x, y, c)

			switch transformation {
			case TransformNone:
				if y < y1 {
					y++
				} else {
					y, x = y0, x-1
				}
			case TransformHMirror:
				if y > y0 {
					y--
				} else {
					y, x = y1, x-1
				}
			case TransformVMirror:
				if y < y1 {
					y++
				} else {
					y, x = y0, x+1
				}
			case TransformHVMirror:
				if y > y0 {
					y--
				} else {
					y, x = y1, x+1
				}
			case TransformRotate90:
				if x < x1 {
					x++
				} else {
					x, y = x0, y+1
				}
			}
		}
	}
	return nil
}

// FileHeaderSize is the size of the image file header.
const FileHeaderSize = 8

// FileHeader is the header of an image file.
type FileHeader struct {
	Width      uint16
	Height     uint16
	BPP        uint8 // depth code
	Compressed bool
	// Size is the payload length; for uncompressed files it is derived
	// from the geometry.
	Size int
}

// ParseFileHeader decodes the 8-byte image file header.
func ParseFileHeader(b []byte) (FileHeader, error) {
	if len(b) < FileHeaderSize {
		return FileHeader{}, fmt.Errorf("%w: short file header", ErrBadImage)
	}
	h := FileHeader{
		Width:      binary.LittleEndian.Uint16(b[0:]),
		Height:     binary.LittleEndian.Uint16(b[2:]),
		BPP:        b[4] >> 4,
		Compressed: b[4]&0xf != 0,
	}
	if h.Compressed {
		h.Size = int(b[5]) | int(b[6])<<8 | int(b[7])<<16
	} else {
		h.Size = int(h.Width) * int(h.Height) * bitsPerPixel(h.BPP) / 8
	}
	return h, nil
}

// Inflate expands a compressed payload: a sequence of chunks, each a
// little-endian 16-bit length followed by that many gzip bytes.
func Inflate(payload []byte) ([]byte, error) {
	var out bytes.Buffer
	for len(payload) > 0 {
		if len(payload) < 2 {
			return nil, fmt.Errorf("%w: truncated chunk header", ErrBadImage)
		}
		n := int(binary.LittleEndian.Uint16(payload))
		payload = payload[2:]
		if n > len(payload) {
			return nil, fmt.Errorf("%w: chunk of %d bytes, %d left", ErrBadImage, n, len(payload))
		}
		zr, err := gzip.NewReader(bytes.NewReader(payload[:n]))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
		}
		if _, err := io.Copy(&out, zr); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
		}
		zr.Close()
		payload = payload[n:]
	}
	return out.Bytes(), nil
}

// DrawImageFile draws an image file at the area origin. The file header
// supplies the geometry and depth.
func (s *Screen) DrawImageFile(a Area, file []byte, colorMap uint8) error {
	if err := s.check(a); err != nil {
		return err
	}
	h, err := ParseFileHeader(file)
	if err != nil {
		return err
	}
	payload := file[FileHeaderSize:]
	if h.Size < len(payload) {
		payload = payload[:h.Size]
	}
	if h.Compressed {
		if payload, err = Inflate(payload); err != nil {
			return err
		}
	}
	a.Width, a.Height, a.BPP = h.Width, h.Height, h.BPP
	return s.DrawImage(a, payload, TransformNone, colorMap)
}
