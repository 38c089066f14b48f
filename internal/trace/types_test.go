package trace

import "testing"

func TestEnricherTagsRefresh(t *testing.T) {
	e := NewEvent(0xc0d00010, 12, "display", "nbgl_front_refresh_area", "x=0 y=0")
	DefaultEnricher(e)

	if !e.Tags.Has(Refresh) {
		t.Errorf("expected #refresh, got %v", e.Tags.Strings())
	}
	if e.PrimaryTag() != "#display" {
		t.Errorf("primary tag = %s, want #display", e.PrimaryTag())
	}
}

func TestEnricherUsesEventKind(t *testing.T) {
	e := NewEvent(0, 0, "io", "io_event_wait", "")
	e.Annotate("kind", "apdu")
	DefaultEnricher(e)
	if !e.Tags.Has(APDU) {
		t.Errorf("expected #apdu, got %v", e.Tags.Strings())
	}

	e = NewEvent(0, 0, "io", "io_event_wait", "")
	e.Annotate("kind", "finger_pressed")
	DefaultEnricher(e)
	if !e.Tags.Has(Touch) {
		t.Errorf("expected #touch, got %v", e.Tags.Strings())
	}

	e = NewEvent(0, 0, "display", "nbgl_front_text", "")
	DefaultEnricher(e)
	if !e.Tags.Has(Text) {
		t.Errorf("expected #text, got %v", e.Tags.Strings())
	}

	e = NewEvent(0, 0, "crypto", "cx_rng", "len=32")
	DefaultEnricher(e)
	if !e.Tags.Has(RNG) {
		t.Errorf("expected #rng, got %v", e.Tags.Strings())
	}
}

func TestTagsAddDeduplicates(t *testing.T) {
	var tags Tags
	tags.Add(NVM)
	tags.Add(NVM)
	tags.Add(Fault)
	if len(tags) != 2 {
		t.Fatalf("expected 2 tags, got %d", len(tags))
	}
	if tags.Primary() != NVM {
		t.Errorf("primary = %s, want nvm", tags.Primary())
	}
}
