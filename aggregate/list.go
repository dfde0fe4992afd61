package aggregate

import "github.com/google/uuid"

// List is a collection of child entities owned by one entity.
// Add and Remove record Add and Delete events on the owner's tracker.
type List[E Node] struct {
	owner Owner
	items []E
}

// NewList creates an empty List owned by owner.
func NewList[E Node](owner Owner) List[E] {
	return List[E]{owner: owner}
}

// Load appends items without recording events. Used when rehydrating.
func (l *List[E]) Load(items ...E) {
	l.items = append(l.items, items...)
}

// Add appends item and records an Add event.
func (l *List[E]) Add(item E) {
	l.items = append(l.items, item)
	l.record(item, OpAdd)
}

// Remove removes the item with the same id and records a Delete event.
// It reports whether the item was found.
func (l *List[E]) Remove(item E) bool {
	for i, it := range l.items {
		if it.ID() == item.ID() {
			l.RemoveAt(i)
			return true
		}
	}
	return false
}

// RemoveAt removes the item at index i and records a Delete event.
func (l *List[E]) RemoveAt(i int) {
	item := l.items[i]
	l.items = append(l.items[:i:i], l.items[i+1:]...)
	l.record(item, OpDelete)
}

// Clear removes every item, recording one Delete event per item.
func (l *List[E]) Clear() {
	items := l.items
	l.items = nil
	for _, it := range items {
		l.record(it, OpDelete)
	}
}

// Len returns the number of items.
func (l *List[E]) Len() int {
	return len(l.items)
}

// At returns the item at index i.
func (l *List[E]) At(i int) E {
	return l.items[i]
}

// Items returns a copy of the items.
func (l *List[E]) Items() []E {
	out := make([]E, len(l.items))
	copy(out, l.items)
	return out
}

func (l *List[E]) record(item E, op Operation) {
	l.owner.tracker().Append(Event{
		EntityID: item.ID(),
		ParentID: uuid.NullUUID{UUID: l.owner.ID(), Valid: true},
		Op:       op,
		State:    item.StateValue(),
	})
}
