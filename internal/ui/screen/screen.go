// Package screen is a terminal viewer for the emulated display.
package screen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/zboralski/seemu/internal/syscalls"
)

// Frame is one polled screen.
type Frame struct {
	RGB     []byte // RGB24, row-major
	Version uint64
	State   string
	Ticks   uint32
}

// Device is what the viewer polls and drives.
type Device interface {
	Frame(ctx context.Context) (Frame, error)
	Click(ctx context.Context, button uint32) error
	// Touch presses and releases a finger at screen pixel x, y.
	Touch(ctx context.Context, x, y uint16) error
	Step(ctx context.Context) error
	Resume(ctx context.Context) error
}

// DefaultInterval is the polling period.
const DefaultInterval = 50 * time.Millisecond

type keyMap struct {
	Left, Right, Both, Step, Resume, Quit key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Left, k.Right, k.Both, k.Step, k.Resume, k.Quit}
}
func (k keyMap) FullHelp() [][]key.Binding { return [][]key.Binding{k.ShortHelp()} }

var keys = keyMap{
	Left:   key.NewBinding(key.WithKeys("left", "h"), key.WithHelp("←", "left")),
	Right:  key.NewBinding(key.WithKeys("right", "l"), key.WithHelp("→", "right")),
	Both:   key.NewBinding(key.WithKeys(" "), key.WithHelp("space", "both")),
	Step:   key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "step")),
	Resume: key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "continue")),
	Quit:   key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

var (
	frameStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("204"))
)

type (
	frameMsg Frame
	errMsg   struct{ err error }
	pollMsg  struct{}
)

// Model is the bubbletea model of the viewer.
type Model struct {
	ctx      context.Context
	dev      Device
	width    int
	height   int
	interval time.Duration

	frame  Frame
	pixels string
	err    error
	help   help.Model
}

// New returns a viewer for a width x height display.
func New(ctx context.Context, dev Device, width, height int) Model {
	return Model{
		ctx:      ctx,
		dev:      dev,
		width:    width,
		height:   height,
		interval: DefaultInterval,
		help:     help.New(),
	}
}

func (m Model) poll() tea.Msg {
	f, err := m.dev.Frame(m.ctx)
	if err != nil {
		return errMsg{err}
	}
	return frameMsg(f)
}

func (m Model) click(button uint32) tea.Cmd {
	return func() tea.Msg {
		if err := m.dev.Click(m.ctx, button); err != nil {
			return errMsg{err}
		}
		return pollMsg{}
	}
}

func (m Model) do(fn func(context.Context) error) tea.Cmd {
	return func() tea.Msg {
		if err := fn(m.ctx); err != nil {
			return errMsg{err}
		}
		return pollMsg{}
	}
}

// pixelAt maps a terminal cell inside the frame border to a screen pixel.
// Each cell row covers two pixel rows.
func (m Model) pixelAt(col, row int) (uint16, uint16, bool) {
	x, y := col-1, (row-1)*2
	if x < 0 || y < 0 || x >= m.width || y >= m.height {
		return 0, 0, false
	}
	return uint16(x), uint16(y), true
}

func (m Model) Init() tea.Cmd { return m.poll }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, keys.Left):
			return m, m.click(syscalls.ButtonLeft)
		case key.Matches(msg, keys.Right):
			return m, m.click(syscalls.ButtonRight)
		case key.Matches(msg, keys.Both):
			return m, m.click(syscalls.ButtonBoth)
		case key.Matches(msg, keys.Step):
			return m, m.do(m.dev.Step)
		case key.Matches(msg, keys.Resume):
			return m, m.do(m.dev.Resume)
		}
	case tea.MouseMsg:
		if msg.Action != tea.MouseActionPress || msg.Button != tea.MouseButtonLeft {
			return m, nil
		}
		if x, y, ok := m.pixelAt(msg.X, msg.Y); ok {
			return m, m.do(func(ctx context.Context) error { return m.dev.Touch(ctx, x, y) })
		}
	case frameMsg:
		if msg.Version != m.frame.Version || m.pixels == "" {
			m.pixels = Render(msg.RGB, m.width, m.height)
		}
		m.frame = Frame(msg)
		m.err = nil
		return m, tea.Tick(m.interval, func(time.Time) tea.Msg { return pollMsg{} })
	case pollMsg:
		return m, m.poll
	case errMsg:
		m.err = msg.err
		if errors.Is(msg.err, context.Canceled) {
			return m, tea.Quit
		}
		return m, tea.Tick(m.interval, func(time.Time) tea.Msg { return pollMsg{} })
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(frameStyle.Render(m.pixels))
	b.WriteByte('\n')
	b.WriteString(statusStyle.Render(fmt.Sprintf("%s  ticks %d  frame %d", m.frame.State, m.frame.Ticks, m.frame.Version)))
	if m.err != nil {
		b.WriteString("  " + errStyle.Render(m.err.Error()))
	}
	b.WriteByte('\n')
	b.WriteString(m.help.View(keys))
	return b.String()
}

// Run shows the viewer until the user quits or ctx is cancelled.
func Run(ctx context.Context, dev Device, width, height int) error {
	p := tea.NewProgram(New(ctx, dev, width, height), tea.WithContext(ctx), tea.WithAltScreen(), tea.WithMouseCellMotion())
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// Render draws an RGB24 frame with half blocks: each character cell holds two
// pixel rows, the upper as foreground and the lower as background.
func Render(rgb []byte, width, height int) string {
	if len(rgb) < width*height*3 {
		return ""
	}
	px := func(x, y int) (uint8, uint8, uint8) {
		if y >= height {
			return 0, 0, 0
		}
		i := (y*width + x) * 3
		return rgb[i], rgb[i+1], rgb[i+2]
	}
	var b strings.Builder
	b.Grow(width * (height + 1) / 2 * 40)
	for y := 0; y < height; y += 2 {
		if y > 0 {
			b.WriteByte('\n')
		}
		for x := 0; x < width; x++ {
			tr, tg, tb := px(x, y)
			br, bg, bb := px(x, y+1)
			fmt.Fprintf(&b, "\x1b[38;2;%d;%d;%dm\x1b[48;2;%d;%d;%dm▀", tr, tg, tb, br, bg, bb)
		}
		b.WriteString("\x1b[0m")
	}
	return b.String()
}
