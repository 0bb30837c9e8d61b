// Package types holds wire shapes shared by the protocol and its observers.
package types

// Event is the flat rendering of a domain event. Numeric values are base-10
// strings so indexers never lose precision.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Clone returns a copy whose attribute map can be mutated independently.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	attrs := make(map[string]string, len(e.Attributes))
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	return &Event{Type: e.Type, Attributes: attrs}
}
