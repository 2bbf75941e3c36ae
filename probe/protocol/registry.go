package protocol

import (
	"errors"
	"fmt"
	"sort"
)

var ErrDuplicateProtocol = errors.New("protocol: tag already registered")

// Registry maps tags to handlers. It is filled once during setup and
// is not safe for concurrent registration; consumers take a Snapshot.
type Registry struct {
	handlers map[Tag]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[Tag]Handler{}}
}

func (r *Registry) Register(tag Tag, h Handler) error {
	if err := tag.Validate(); err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("protocol: nil handler for %q", tag)
	}
	if _, exists := r.handlers[tag]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateProtocol, tag)
	}
	r.handlers[tag] = h
	return nil
}

func (r *Registry) Lookup(tag Tag) (Handler, bool) {
	h, ok := r.handlers[tag]
	return h, ok
}

// Tags returns the registered tags in sorted order.
func (r *Registry) Tags() []Tag {
	out := make([]Tag, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Snapshot copies the table. The copy is never mutated and can be read
// from any goroutine.
func (r *Registry) Snapshot() map[Tag]Handler {
	out := make(map[Tag]Handler, len(r.handlers))
	for t, h := range r.handlers {
		out[t] = h
	}
	return out
}

// ValidateTags checks a bind-time tag set: every tag valid, none repeated.
func ValidateTags(tags []Tag) error {
	seen := make(map[Tag]struct{}, len(tags))
	for _, t := range tags {
		if err := t.Validate(); err != nil {
			return err
		}
		if _, dup := seen[t]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateProtocol, t)
		}
		seen[t] = struct{}{}
	}
	return nil
}
