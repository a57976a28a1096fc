package types

// Event is the wire form of a domain event: a type tag plus string-encoded
// attributes. Amounts are decimal strings and addresses lowercase hex.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Renderable is implemented by events that have a wire form.
type Renderable interface {
	Event() *Event
}

// Render converts evt to its wire form. Events without one are reported by
// type only.
func Render(evt interface{ EventType() string }) *Event {
	if evt == nil {
		return nil
	}
	if r, ok := evt.(Renderable); ok {
		if out := r.Event(); out != nil {
			return out
		}
	}
	return &Event{Type: evt.EventType(), Attributes: map[string]string{}}
}
