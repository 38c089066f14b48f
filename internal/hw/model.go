// Package hw describes target hardware profiles: memory layout, screen
// geometry and the set of available syscalls. Profiles are data, loaded
// from YAML; the embedded catalog covers the common devices.
package hw

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/zboralski/seemu/internal/mem"
)

//go:embed profiles.yaml
var builtinProfiles []byte

// RegionKind selects how the emulator backs a profile region.
type RegionKind string

const (
	KindRAM         RegionKind = "ram"
	KindStack       RegionKind = "stack"
	KindNVM         RegionKind = "nvm"
	KindRNG         RegionKind = "rng"
	KindButtons     RegionKind = "buttons"
	KindFramebuffer RegionKind = "framebuffer"
)

// Region is one profile-declared region.
type Region struct {
	Name string     `yaml:"name"`
	Kind RegionKind `yaml:"kind"`
	Base uint32     `yaml:"base"`
	Size uint32     `yaml:"size"`
	Perm string     `yaml:"perm"`
}

// Permissions returns the parsed permission mask. Invalid strings are
// rejected by Validate, so they read as no permission here.
func (r *Region) Permissions() mem.Perm {
	p, err := mem.ParsePerm(r.Perm)
	if err != nil {
		return 0
	}
	return p
}

// Screen is the display geometry.
type Screen struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
	// Align is the required vertical alignment of drawn areas (y0, height).
	Align int `yaml:"align"`
}

// Model is one hardware profile.
type Model struct {
	Name         string   `yaml:"name"`
	APILevel     uint32   `yaml:"api_level"`
	Version      string   `yaml:"version"`
	ExitSentinel uint32   `yaml:"exit_sentinel"`
	Screen       Screen   `yaml:"screen"`
	Touch        bool     `yaml:"touch"` // finger events
	Regions      []Region `yaml:"regions"`
	Syscalls     []string `yaml:"syscalls"`
}

// RegionOf returns the first region of the given kind, or nil.
func (m *Model) RegionOf(kind RegionKind) *Region {
	for i := range m.Regions {
		if m.Regions[i].Kind == kind {
			return &m.Regions[i]
		}
	}
	return nil
}

// HasSyscall reports whether the profile exposes the named syscall.
func (m *Model) HasSyscall(name string) bool {
	for _, s := range m.Syscalls {
		if s == name {
			return true
		}
	}
	return false
}

// StackTop returns the initial stack pointer for the profile.
func (m *Model) StackTop() uint32 {
	if r := m.RegionOf(KindStack); r != nil {
		return r.Base + r.Size
	}
	return 0
}

// Validate checks the profile and fills defaults (alignment, framebuffer size).
func (m *Model) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("model without name")
	}
	if m.Screen.Width <= 0 || m.Screen.Height <= 0 {
		return fmt.Errorf("model %s: invalid screen %dx%d", m.Name, m.Screen.Width, m.Screen.Height)
	}
	if m.Screen.Align <= 0 {
		m.Screen.Align = 1
	}
	if m.ExitSentinel&1 != 0 {
		return fmt.Errorf("model %s: exit sentinel 0x%x must be halfword aligned", m.Name, m.ExitSentinel)
	}

	counts := make(map[RegionKind]int)
	for i := range m.Regions {
		r := &m.Regions[i]
		if _, err := mem.ParsePerm(r.Perm); err != nil {
			return fmt.Errorf("model %s region %s: %w", m.Name, r.Name, err)
		}
		switch r.Kind {
		case KindRAM, KindStack, KindNVM, KindRNG, KindButtons:
		case KindFramebuffer:
			if r.Size == 0 {
				r.Size = uint32(m.Screen.Width * m.Screen.Height)
			}
		default:
			return fmt.Errorf("model %s region %s: unknown kind %q", m.Name, r.Name, r.Kind)
		}
		if r.Size == 0 {
			return fmt.Errorf("model %s region %s: zero size", m.Name, r.Name)
		}
		counts[r.Kind]++
	}
	if counts[KindStack] != 1 {
		return fmt.Errorf("model %s: need exactly one stack region, have %d", m.Name, counts[KindStack])
	}
	for _, k := range []RegionKind{KindNVM, KindRNG, KindButtons, KindFramebuffer} {
		if counts[k] > 1 {
			return fmt.Errorf("model %s: more than one %s region", m.Name, k)
		}
	}

	// profile regions must not overlap each other
	regions := make([]*mem.Region, 0, len(m.Regions))
	for _, r := range m.Regions {
		regions = append(regions, &mem.Region{Name: r.Name, Base: r.Base, Size: r.Size})
	}
	if _, err := mem.NewSpace(regions...); err != nil {
		return fmt.Errorf("model %s: %w", m.Name, err)
	}
	return nil
}

// Catalog is a set of named hardware profiles.
type Catalog struct {
	Models []*Model `yaml:"models"`
}

// Parse reads a YAML profile catalog.
func Parse(r io.Reader) (*Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("decode profiles: %w", err)
	}
	for _, m := range c.Models {
		if err := m.Validate(); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

// LoadFile reads a YAML profile catalog from path.
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open profiles: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Builtin returns the embedded profile catalog.
func Builtin() *Catalog {
	c, err := Parse(bytes.NewReader(builtinProfiles))
	if err != nil {
		panic(fmt.Sprintf("builtin profiles: %v", err))
	}
	return c
}

// Get returns the named model.
func (c *Catalog) Get(name string) (*Model, error) {
	for _, m := range c.Models {
		if m.Name == name {
			return m, nil
		}
	}
	return nil, fmt.Errorf("unknown model %q (have %v)", name, c.Names())
}

// Names returns the sorted model names.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.Models))
	for _, m := range c.Models {
		names = append(names, m.Name)
	}
	sort.Strings(names)
	return names
}
