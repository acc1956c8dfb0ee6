package belt

import "context"

// HandlerFor wraps a strongly-typed function into a Handler. The
// argument payload is decoded into I with the task's serializer before
// the function runs.
// Example:
//
//	belt.HandlerFor(func(ctx context.Context, nums []int) (int, error) { ... })
func HandlerFor[I, O any](fn func(context.Context, I) (O, error)) Handler {
	return func(ctx context.Context, inv *Invocation) (any, error) {
		var in I
		if err := inv.Decode(&in); err != nil {
			return nil, err
		}
		return fn(ctx, in)
	}
}

// NoArgs wraps a function that takes no argument payload into a
// Handler.
func NoArgs[O any](fn func(context.Context) (O, error)) Handler {
	return func(ctx context.Context, inv *Invocation) (any, error) {
		return fn(ctx)
	}
}
