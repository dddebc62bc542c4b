package buffer

// Option configures a Ring at construction.
type Option[T any] func(*Ring[T])

// WithOverflowPolicy picks what a full ring discards. The zero policy is
// DropOldest, which suits track histories; command backlogs use DropNewest.
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(r *Ring[T]) { r.policy = policy }
}

// WithDropCallback is called outside the lock with every discarded item.
func WithDropCallback[T any](fn DropCallback[T]) Option[T] {
	return func(r *Ring[T]) { r.onDrop = fn }
}
