package types

import "testing"

type bareEvent struct{}

func (bareEvent) EventType() string { return "bare" }

type richEvent struct{}

func (richEvent) EventType() string { return "rich" }

func (richEvent) Event() *Event {
	return &Event{Type: "rich", Attributes: map[string]string{"k": "v"}}
}

func TestRender(t *testing.T) {
	if got := Render(nil); got != nil {
		t.Fatalf("expected nil for nil event, got %+v", got)
	}
	bare := Render(bareEvent{})
	if bare.Type != "bare" || len(bare.Attributes) != 0 {
		t.Fatalf("unexpected bare rendering: %+v", bare)
	}
	rich := Render(richEvent{})
	if rich.Type != "rich" || rich.Attributes["k"] != "v" {
		t.Fatalf("unexpected rich rendering: %+v", rich)
	}
}
