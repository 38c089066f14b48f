// Package automation reacts to screen texts with scripted inputs. Rule
// documents use the speculos automation format (JSON or YAML):
//
//	{"version": 1, "rules": [
//	  {"text": "Review", "conditions": [["seen", false]],
//	   "actions": [["setbool", "seen", true], ["button", 2, true], ["button", 2, false]]},
//	  {"regexp": "^Appro", "actions": [["finger", 200, 600, true], ["finger", 200, 600, false]]},
//	  {"text": "Rejected", "actions": [["exit"]]}
//	]}
//
// The first rule whose filters all match a text wins.
package automation

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/zboralski/seemu/internal/display"
)

// ActionKind selects what an action does.
type ActionKind int

const (
	ActionButton ActionKind = iota
	ActionFinger
	ActionSetBool
	ActionExit
)

func (k ActionKind) String() string {
	switch k {
	case ActionButton:
		return "button"
	case ActionFinger:
		return "finger"
	case ActionSetBool:
		return "setbool"
	case ActionExit:
		return "exit"
	}
	return fmt.Sprintf("action(%d)", int(k))
}

// Action is one step of a rule.
type Action struct {
	Kind    ActionKind
	Button  uint32
	X, Y    uint16
	Pressed bool
	Name    string
	Value   bool
}

type condition struct {
	name  string
	value bool
}

type rule struct {
	text       *string
	re         *regexp.Regexp
	x, y       *int
	conditions []condition
	actions    []Action
}

func (r *rule) matches(t display.Text, vars map[string]bool) bool {
	switch {
	case r.text != nil && *r.text != t.Text:
		return false
	case r.re != nil && !r.re.MatchString(t.Text):
		return false
	case r.x != nil && *r.x != int(t.X):
		return false
	case r.y != nil && *r.y != int(t.Y):
		return false
	}
	for _, c := range r.conditions {
		if vars[c.name] != c.value {
			return false
		}
	}
	return true
}

// Rules is a parsed rule set and its boolean variables. It is not safe for
// concurrent use.
type Rules struct {
	rules []rule
	vars  map[string]bool
}

type document struct {
	Version int       `yaml:"version"`
	Rules   []rawRule `yaml:"rules"`
}

type rawRule struct {
	Text       *string `yaml:"text"`
	Regexp     string  `yaml:"regexp"`
	X          *int    `yaml:"x"`
	Y          *int    `yaml:"y"`
	Conditions [][]any `yaml:"conditions"`
	Actions    [][]any `yaml:"actions"`
}

// Parse decodes a rule document.
func Parse(doc []byte) (*Rules, error) {
	var d document
	if err := yaml.Unmarshal(doc, &d); err != nil {
		return nil, fmt.Errorf("parse automation rules: %w", err)
	}
	if d.Version != 1 {
		return nil, fmt.Errorf("automation rules: unsupported version %d", d.Version)
	}
	rs := &Rules{vars: make(map[string]bool)}
	for i, raw := range d.Rules {
		r := rule{text: raw.Text, x: raw.X, y: raw.Y}
		if raw.Regexp != "" {
			// anchored at the start only, like Python's re.match
			re, err := regexp.Compile(`^(?:` + raw.Regexp + `)`)
			if err != nil {
				return nil, fmt.Errorf("rule %d: %w", i, err)
			}
			r.re = re
		}
		for j, c := range raw.Conditions {
			if len(c) != 2 {
				return nil, fmt.Errorf("rule %d condition %d: want [name, bool]", i, j)
			}
			name, ok1 := c[0].(string)
			v, ok2 := c[1].(bool)
			if !ok1 || !ok2 {
				return nil, fmt.Errorf("rule %d condition %d: want [name, bool], got %v", i, j, c)
			}
			r.conditions = append(r.conditions, condition{name: name, value: v})
		}
		for j, a := range raw.Actions {
			act, err := parseAction(a)
			if err != nil {
				return nil, fmt.Errorf("rule %d action %d: %w", i, j, err)
			}
			r.actions = append(r.actions, act)
		}
		rs.rules = append(rs.rules, r)
	}
	return rs, nil
}

// Load reads a rule document from path.
func Load(path string) (*Rules, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read automation rules: %w", err)
	}
	return Parse(doc)
}

func parseAction(a []any) (Action, error) {
	if len(a) == 0 {
		return Action{}, fmt.Errorf("empty action")
	}
	name, _ := a[0].(string)
	bad := func(want string) (Action, error) {
		return Action{}, fmt.Errorf("%s: want %s, got %v", name, want, a)
	}
	switch name {
	case "button":
		b, ok1 := number(a, 1)
		p, ok2 := boolean(a, 2)
		if len(a) != 3 || !ok1 || !ok2 || b < 1 || b > 3 {
			return bad("[button, 1..3, bool]")
		}
		return Action{Kind: ActionButton, Button: uint32(b), Pressed: p}, nil
	case "finger":
		x, ok1 := number(a, 1)
		y, ok2 := number(a, 2)
		p, ok3 := boolean(a, 3)
		if len(a) != 4 || !ok1 || !ok2 || !ok3 || x < 0 || y < 0 || x > 0xffff || y > 0xffff {
			return bad("[finger, x, y, bool]")
		}
		return Action{Kind: ActionFinger, X: uint16(x), Y: uint16(y), Pressed: p}, nil
	case "setbool":
		n, ok1 := str(a, 1)
		v, ok2 := boolean(a, 2)
		if len(a) != 3 || !ok1 || !ok2 {
			return bad("[setbool, name, bool]")
		}
		return Action{Kind: ActionSetBool, Name: n, Value: v}, nil
	case "exit":
		if len(a) != 1 {
			return bad("[exit]")
		}
		return Action{Kind: ActionExit}, nil
	}
	return Action{}, fmt.Errorf("unknown action %v", a[0])
}

func number(a []any, i int) (int, bool) {
	if i >= len(a) {
		return 0, false
	}
	switch v := a[i].(type) {
	case int:
		return v, true
	case float64:
		if v == float64(int(v)) {
			return int(v), true
		}
	}
	return 0, false
}

func str(a []any, i int) (string, bool) {
	if i >= len(a) {
		return "", false
	}
	v, ok := a[i].(string)
	return v, ok
}

func boolean(a []any, i int) (bool, bool) {
	if i >= len(a) {
		return false, false
	}
	v, ok := a[i].(bool)
	return v, ok
}

// Len returns the number of rules.
func (rs *Rules) Len() int { return len(rs.rules) }

// Var returns the value of a boolean variable. Unset variables are false.
func (rs *Rules) Var(name string) bool { return rs.vars[name] }

// Apply finds the first rule matching t, applies its setbool actions and
// returns its other actions in order.
func (rs *Rules) Apply(t display.Text) []Action {
	for i := range rs.rules {
		r := &rs.rules[i]
		if !r.matches(t, rs.vars) {
			continue
		}
		var out []Action
		for _, a := range r.actions {
			if a.Kind == ActionSetBool {
				rs.vars[a.Name] = a.Value
				continue
			}
			out = append(out, a)
		}
		return out
	}
	return nil
}
