// Package window implements the sliding-window buffer behind every synced
// view: newest first, unique by key, never longer than its capacity.
package window

// Buffer is a capacity-bounded, newest-first sequence of items unique by key.
// It is not safe for concurrent use; callers confine it to the event loop.
type Buffer[T any] struct {
	items    []T
	index    map[string]int // key -> position in items
	key      func(T) string
	capacity int
}

// New creates an empty buffer. capacity must be positive.
func New[T any](capacity int, key func(T) string) *Buffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer[T]{
		index:    make(map[string]int),
		key:      key,
		capacity: capacity,
	}
}

// Capacity returns the maximum length.
func (b *Buffer[T]) Capacity() int {
	return b.capacity
}

// Len returns the number of items held.
func (b *Buffer[T]) Len() int {
	return len(b.items)
}

// Has reports whether an item with key k is held.
func (b *Buffer[T]) Has(k string) bool {
	_, ok := b.index[k]
	return ok
}

// Get returns the item with key k.
func (b *Buffer[T]) Get(k string) (T, bool) {
	if i, ok := b.index[k]; ok {
		return b.items[i], true
	}
	var zero T
	return zero, false
}

// Items returns a copy of the buffer, newest first.
func (b *Buffer[T]) Items() []T {
	return append([]T(nil), b.items...)
}

// Clear empties the buffer.
func (b *Buffer[T]) Clear() {
	b.items = nil
	b.index = make(map[string]int)
}

// Seed replaces the contents with items, dropping duplicates after the first
// occurrence, then truncates. Returns the resulting length.
func (b *Buffer[T]) Seed(items []T) int {
	b.Clear()
	return b.Append(items)
}

// Append adds items at the oldest end, skipping keys already held. Used for
// pagination. Truncation still discards from the oldest end, so a full buffer
// accepts nothing. Returns how many were added.
func (b *Buffer[T]) Append(items []T) int {
	added := 0
	for _, item := range items {
		if len(b.items) >= b.capacity {
			break
		}
		k := b.key(item)
		if _, ok := b.index[k]; ok {
			continue
		}
		b.index[k] = len(b.items)
		b.items = append(b.items, item)
		added++
	}
	return added
}

// Prepend puts item at the newest end. It is a no-op when the key is already
// held. Returns whether the item was added.
func (b *Buffer[T]) Prepend(item T) bool {
	return b.PrependBatch([]T{item}) == 1
}

// PrependBatch drops the items whose key is already held (or repeats earlier in
// the batch), puts the rest at the newest end as a block in their original
// order, and only then truncates. Returns how many were added.
func (b *Buffer[T]) PrependBatch(batch []T) int {
	fresh := make([]T, 0, len(batch))
	seen := make(map[string]struct{}, len(batch))
	for _, item := range batch {
		k := b.key(item)
		if _, ok := b.index[k]; ok {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		fresh = append(fresh, item)
	}
	if len(fresh) == 0 {
		return 0
	}

	merged := make([]T, 0, len(fresh)+len(b.items))
	merged = append(merged, fresh...)
	merged = append(merged, b.items...)
	b.items = merged
	b.truncate()
	b.reindex()
	return len(fresh)
}

// Modify applies fn to the held item with key k in place. Length and order
// are unchanged. fn must not change the key; a change that does is discarded.
// Returns false when no item matches or the change was discarded.
func (b *Buffer[T]) Modify(k string, fn func(*T)) bool {
	i, ok := b.index[k]
	if !ok {
		return false
	}
	changed := b.items[i]
	fn(&changed)
	if b.key(changed) != k {
		return false
	}
	b.items[i] = changed
	return true
}

// Upsert modifies the held item with key(item) in place, or prepends item when
// it is not held. Returns true when the item was inserted.
func (b *Buffer[T]) Upsert(item T, modify func(*T)) bool {
	if b.Modify(b.key(item), modify) {
		return false
	}
	return b.Prepend(item)
}

// Remove deletes the item with key k. Returns false when none matches.
func (b *Buffer[T]) Remove(k string) bool {
	i, ok := b.index[k]
	if !ok {
		return false
	}
	b.items = append(b.items[:i], b.items[i+1:]...)
	b.reindex()
	return true
}

func (b *Buffer[T]) truncate() {
	if len(b.items) > b.capacity {
		var zero T
		for i := b.capacity; i < len(b.items); i++ {
			b.items[i] = zero
		}
		b.items = b.items[:b.capacity]
	}
}

func (b *Buffer[T]) reindex() {
	b.index = make(map[string]int, len(b.items))
	for i, item := range b.items {
		b.index[b.key(item)] = i
	}
}
