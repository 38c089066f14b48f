package display

// Text is a string the firmware reported for a screen area.
type Text struct {
	Text   string
	X, Y   uint16
	Width  uint16
	Height uint16
	// Screen is the display version that published the text.
	Screen uint64
}

func (t Text) overlaps(a Area) bool {
	return t.X < a.X0+a.Width && a.X0 < t.X+t.Width &&
		t.Y < a.Y0+a.Height && a.Y0 < t.Y+t.Height
}

func (t Text) inside(a Area) bool {
	return t.X >= a.X0 && t.Y >= a.Y0 &&
		t.X+t.Width <= a.X0+a.Width && t.Y+t.Height <= a.Y0+a.Height
}

// AddText records text drawn into area of the back buffer. It is published
// by the first refresh covering the whole area.
func (s *Screen) AddText(a Area, text string) error {
	if err := s.check(a); err != nil {
		return err
	}
	t := Text{Text: text, X: a.X0, Y: a.Y0, Width: a.Width, Height: a.Height}
	kept := s.backTexts[:0]
	for _, o := range s.backTexts {
		if !o.overlaps(a) {
			kept = append(kept, o)
		}
	}
	s.backTexts = append(kept, t)
	return nil
}

// Texts returns the published texts, in publication order.
func (s *Screen) Texts() []Text {
	return append([]Text(nil), s.frontTexts...)
}

// publishTexts replaces the front texts overlapping a with the pending
// texts inside it. Call after bumping the version.
func (s *Screen) publishTexts(a Area) {
	front := s.frontTexts[:0]
	for _, t := range s.frontTexts {
		if !t.overlaps(a) {
			front = append(front, t)
		}
	}
	back := s.backTexts[:0]
	var published []Text
	for _, t := range s.backTexts {
		if !t.inside(a) {
			back = append(back, t)
			continue
		}
		t.Screen = s.version
		front = append(front, t)
		published = append(published, t)
	}
	s.frontTexts, s.backTexts = front, back
	if s.OnText != nil {
		for _, t := range published {
			s.OnText(t)
		}
	}
}
