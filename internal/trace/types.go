// Package trace provides types for trace event collection and analysis.
package trace

import "strings"

// Tag represents a trace event category.
// Tags are stored without # prefix; the prefix is added on rendering.
type Tag string

// Standard tags for trace events.
const (
	Syscall    Tag = "syscall"
	OS         Tag = "os"
	Display    Tag = "display"
	Refresh    Tag = "refresh"
	NVM        Tag = "nvm"
	IO         Tag = "io"
	APDU       Tag = "apdu"
	Button     Tag = "button"
	Ticker     Tag = "ticker"
	Touch      Tag = "touch"
	Text       Tag = "text"
	Crypto     Tag = "crypto"
	Hash       Tag = "hash"
	Sign       Tag = "sign"
	RNG        Tag = "rng"
	Fault      Tag = "fault"
	Breakpoint Tag = "breakpoint"
	Transport  Tag = "transport"
)

// Tags is a collection of tags with helper methods.
type Tags []Tag

// Has returns true if the tag collection contains the given tag.
func (t Tags) Has(tag Tag) bool {
	for _, x := range t {
		if x == tag {
			return true
		}
	}
	return false
}

// Add adds a tag if not already present.
func (t *Tags) Add(tag Tag) {
	if !t.Has(tag) {
		*t = append(*t, tag)
	}
}

// Strings returns tags as strings with # prefix for display.
func (t Tags) Strings() []string {
	out := make([]string, len(t))
	for i, tag := range t {
		out[i] = "#" + string(tag)
	}
	return out
}

// Primary returns the first tag or empty string if none.
func (t Tags) Primary() Tag {
	if len(t) > 0 {
		return t[0]
	}
	return ""
}

// Annotations holds key-value metadata for trace events.
type Annotations map[string]string

// Event is one traced syscall or machine event.
//
// Events carry the instruction counter rather than a wall-clock timestamp so
// two runs of the same firmware and inputs produce identical traces.
type Event struct {
	PC          uint32 // Address of the trapping instruction
	Step        uint64 // Instructions retired before the event
	Tags        Tags   // First tag is the category
	Name        string // Syscall or event name (e.g., "nvm_write")
	Detail      string // Additional detail (e.g., "dst=0xc0e00000 len=4")
	Annotations Annotations
}

// NewEvent creates a new trace event with the given parameters.
func NewEvent(pc uint32, step uint64, category, name, detail string) *Event {
	return &Event{
		PC:          pc,
		Step:        step,
		Tags:        Tags{Tag(category)},
		Name:        name,
		Detail:      detail,
		Annotations: make(Annotations),
	}
}

// AddTag adds a tag to the event.
func (e *Event) AddTag(tag Tag) {
	e.Tags.Add(tag)
}

// Annotate sets an annotation on the event.
func (e *Event) Annotate(k, v string) {
	if e.Annotations == nil {
		e.Annotations = make(Annotations)
	}
	e.Annotations[k] = v
}

// PrimaryTag returns the primary (first) tag with # prefix.
func (e *Event) PrimaryTag() string {
	if len(e.Tags) > 0 {
		return "#" + string(e.Tags[0])
	}
	return ""
}

// Enricher enriches trace events based on category and name.
type Enricher func(e *Event)

// DefaultEnricher adds secondary tags based on category and name.
func DefaultEnricher(e *Event) {
	if len(e.Tags) == 0 {
		return
	}

	switch e.Tags[0] {
	case Display:
		switch e.Name {
		case "nbgl_front_refresh_area":
			e.AddTag(Refresh)
		case "nbgl_front_text":
			e.AddTag(Text)
		}

	case IO:
		switch e.Name {
		case "io_apdu_send":
			e.AddTag(APDU)
		case "io_button_state":
			e.AddTag(Button)
		case "io_event_wait":
			if k, ok := e.Annotations["kind"]; ok {
				switch k {
				case "apdu":
					e.AddTag(APDU)
				case "ticker":
					e.AddTag(Ticker)
				case "pressed", "released":
					e.AddTag(Button)
				case "finger_pressed", "finger_released":
					e.AddTag(Touch)
				}
			}
		}

	case Crypto:
		switch {
		case strings.HasPrefix(e.Name, "cx_hash"), strings.HasPrefix(e.Name, "cx_hmac"):
			e.AddTag(Hash)
		case e.Name == "cx_eddsa_sign":
			e.AddTag(Sign)
		case e.Name == "cx_rng":
			e.AddTag(RNG)
		}
	}
}
