package screen

import (
	"context"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
)

type fakeDevice struct {
	clicks  []uint32
	touches [][2]uint16
	steps   int
	resumes int
}

func (d *fakeDevice) Frame(context.Context) (Frame, error) {
	return Frame{RGB: make([]byte, 4*2*3), Version: 1, State: "running"}, nil
}

func (d *fakeDevice) Click(_ context.Context, b uint32) error {
	d.clicks = append(d.clicks, b)
	return nil
}

func (d *fakeDevice) Touch(_ context.Context, x, y uint16) error {
	d.touches = append(d.touches, [2]uint16{x, y})
	return nil
}

func (d *fakeDevice) Step(context.Context) error {
	d.steps++
	return nil
}

func (d *fakeDevice) Resume(context.Context) error {
	d.resumes++
	return nil
}

func TestRender(t *testing.T) {
	// 2x3: white top row, black middle, red bottom
	rgb := []byte{
		255, 255, 255, 255, 255, 255,
		0, 0, 0, 0, 0, 0,
		255, 0, 0, 255, 0, 0,
	}
	out := Render(rgb, 2, 3)
	lines := strings.Split(out, "\n")
	if len(lines) != 2 {
		t.Fatalf("rows = %d, want 2", len(lines))
	}
	if !strings.Contains(lines[0], "\x1b[38;2;255;255;255m\x1b[48;2;0;0;0m▀") {
		t.Errorf("row 0 = %q", lines[0])
	}
	if !strings.Contains(lines[1], "\x1b[38;2;255;0;0m\x1b[48;2;0;0;0m▀") {
		t.Errorf("row 1 = %q", lines[1])
	}
	if Render(rgb[:3], 2, 3) != "" {
		t.Errorf("short frame rendered")
	}
}

func TestKeysClick(t *testing.T) {
	dev := &fakeDevice{}
	m := New(context.Background(), dev, 4, 2)

	for _, k := range []tea.KeyMsg{
		{Type: tea.KeyLeft},
		{Type: tea.KeyRight},
		{Type: tea.KeySpace, Runes: []rune{' '}},
	} {
		_, cmd := m.Update(k)
		if cmd == nil {
			t.Fatalf("%v: no command", k)
		}
		cmd()
	}
	if len(dev.clicks) != 3 || dev.clicks[0] != 1 || dev.clicks[1] != 2 || dev.clicks[2] != 3 {
		t.Errorf("clicks = %v", dev.clicks)
	}
}

func TestFrameUpdatesView(t *testing.T) {
	m := New(context.Background(), &fakeDevice{}, 4, 2)
	next, _ := m.Update(m.poll())
	v := next.(Model).View()
	if !strings.Contains(v, "running") || !strings.Contains(v, "▀") {
		t.Errorf("view = %q", v)
	}
}

func TestDebugKeys(t *testing.T) {
	dev := &fakeDevice{}
	m := New(context.Background(), dev, 4, 2)
	for _, r := range []rune{'s', 's', 'c'} {
		_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
		if cmd == nil {
			t.Fatalf("%c: no command", r)
		}
		if _, ok := cmd().(pollMsg); !ok {
			t.Errorf("%c: command did not poll", r)
		}
	}
	if dev.steps != 2 || dev.resumes != 1 {
		t.Errorf("steps %d resumes %d", dev.steps, dev.resumes)
	}
}

func TestMouseTouch(t *testing.T) {
	dev := &fakeDevice{}
	m := New(context.Background(), dev, 4, 4)

	// cell (3, 2) inside the border is pixel (2, 2)
	_, cmd := m.Update(tea.MouseMsg{X: 3, Y: 2, Action: tea.MouseActionPress, Button: tea.MouseButtonLeft})
	if cmd == nil {
		t.Fatalf("click on screen: no command")
	}
	cmd()
	if len(dev.touches) != 1 || dev.touches[0] != [2]uint16{2, 2} {
		t.Errorf("touches = %v", dev.touches)
	}

	for _, msg := range []tea.MouseMsg{
		{X: 0, Y: 1, Action: tea.MouseActionPress, Button: tea.MouseButtonLeft},   // border
		{X: 9, Y: 1, Action: tea.MouseActionPress, Button: tea.MouseButtonLeft},   // right of screen
		{X: 2, Y: 1, Action: tea.MouseActionRelease, Button: tea.MouseButtonLeft}, // release
		{X: 2, Y: 1, Action: tea.MouseActionPress, Button: tea.MouseButtonRight},
	} {
		if _, cmd := m.Update(msg); cmd != nil {
			t.Errorf("%+v: unexpected command", msg)
		}
	}
}
