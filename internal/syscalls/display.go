package syscalls

import (
	"github.com/zboralski/seemu/internal/display"
	"github.com/zboralski/seemu/internal/trace"
)

func displayDefs() []Def {
	return []Def{
		{ID: 0x01000010, Name: "nbgl_front_draw_rect", Category: trace.Display, Handler: drawRect},
		{ID: 0x03000011, Name: "nbgl_front_draw_line", Category: trace.Display, Handler: drawLine},
		{ID: 0x04000012, Name: "nbgl_front_draw_img", Category: trace.Display, Handler: drawImage},
		{ID: 0x03000013, Name: "nbgl_front_draw_img_file", Category: trace.Display, Handler: drawImageFile},
		{ID: 0x01000014, Name: "nbgl_front_refresh_area", Category: trace.Display, Handler: refreshArea},
		{ID: 0x03000015, Name: "nbgl_front_text", Category: trace.Display, Handler: frontText},
	}
}

func readArea(c *Call, ptr uint32) (display.Area, error) {
	raw, err := c.Read(ptr, display.AreaSize)
	if err != nil {
		return display.Area{}, err
	}
	return display.ParseArea(raw)
}

func drawRect(c *Call) (uint32, error) {
	a, err := readArea(c, c.Arg(0))
	if err != nil {
		return 0, err
	}
	c.Log("%v", a)
	return 0, c.Env.Screen.DrawRect(a)
}

func drawLine(c *Call) (uint32, error) {
	a, err := readArea(c, c.Arg(0))
	if err != nil {
		return 0, err
	}
	mask, color := uint8(c.Arg(1)), uint8(c.Arg(2))
	c.Log("%v mask=0x%02x color=%d", a, mask, color)
	return 0, c.Env.Screen.DrawLine(a, mask, color)
}

func drawImage(c *Call) (uint32, error) {
	a, err := readArea(c, c.Arg(0))
	if err != nil {
		return 0, err
	}
	buf, err := c.Read(c.Arg(1), uint32(display.ImageSize(a)))
	if err != nil {
		return 0, err
	}
	transformation, cmap := uint8(c.Arg(2)), uint8(c.Arg(3))
	c.Log("%v size=%d transformation=%d colormap=0x%02x", a, len(buf), transformation, cmap)
	return 0, c.Env.Screen.DrawImage(a, buf, transformation, cmap)
}

func drawImageFile(c *Call) (uint32, error) {
	a, err := readArea(c, c.Arg(0))
	if err != nil {
		return 0, err
	}
	ptr := c.Arg(1)
	hdr, err := c.Read(ptr, display.FileHeaderSize)
	if err != nil {
		return 0, err
	}
	h, err := display.ParseFileHeader(hdr)
	if err != nil {
		return 0, err
	}
	file, err := c.Read(ptr, uint32(display.FileHeaderSize+h.Size))
	if err != nil {
		return 0, err
	}
	cmap := uint8(c.Arg(2))
	c.Log("%v file=%dx%d compressed=%v size=%d", a, h.Width, h.Height, h.Compressed, h.Size)
	return 0, c.Env.Screen.DrawImageFile(a, file, cmap)
}

func refreshArea(c *Call) (uint32, error) {
	a, err := readArea(c, c.Arg(0))
	if err != nil {
		return 0, err
	}
	c.Log("%v", a)
	return 0, c.Env.Screen.Refresh(a)
}

// nbgl_front_text(area, str, len) reports the text drawn into area. It
// draws nothing itself; the text is published with the next refresh of
// the area.
func frontText(c *Call) (uint32, error) {
	a, err := readArea(c, c.Arg(0))
	if err != nil {
		return 0, err
	}
	raw, err := c.Read(c.Arg(1), c.Arg(2))
	if err != nil {
		return 0, err
	}
	c.Log("%v %q", a, raw)
	return 0, c.Env.Screen.AddText(a, string(raw))
}
