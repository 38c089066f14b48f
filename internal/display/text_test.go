package display

import "testing"

func TestTextPublishedOnRefresh(t *testing.T) {
	s := New(32, 16, 4)
	var got []Text
	s.OnText = func(t Text) { got = append(got, t) }

	title := Area{X0: 0, Y0: 0, Width: 32, Height: 8}
	if err := s.AddText(title, "Boilerplate"); err != nil {
		t.Fatalf("AddText: %v", err)
	}
	if err := s.AddText(Area{X0: 0, Y0: 8, Width: 32, Height: 8}, "is ready"); err != nil {
		t.Fatalf("AddText: %v", err)
	}
	if len(got) != 0 || len(s.Texts()) != 0 {
		t.Fatalf("text visible before refresh: %v", got)
	}

	if err := s.Refresh(title); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(got) != 1 || got[0].Text != "Boilerplate" || got[0].Screen != s.Version() {
		t.Fatalf("after partial refresh: %+v", got)
	}

	s.RefreshAll()
	if len(got) != 2 || got[1].Text != "is ready" {
		t.Fatalf("after full refresh: %+v", got)
	}
	if texts := s.Texts(); len(texts) != 2 {
		t.Errorf("front texts = %+v", texts)
	}
}

func TestTextReplacedByRedraw(t *testing.T) {
	s := New(32, 16, 4)
	a := Area{X0: 0, Y0: 0, Width: 32, Height: 8}
	s.AddText(a, "Version")
	s.Refresh(a)
	s.AddText(a, "1.0.0")
	s.Refresh(a)
	texts := s.Texts()
	if len(texts) != 1 || texts[0].Text != "1.0.0" {
		t.Errorf("texts = %+v", texts)
	}
	if err := s.AddText(Area{X0: 0, Y0: 2, Width: 4, Height: 4}, "x"); err == nil {
		t.Error("misaligned text area accepted")
	}
	s.Clear()
	if len(s.Texts()) != 0 {
		t.Error("Clear kept texts")
	}
}
