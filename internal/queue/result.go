package queue

import (
	"context"
	"encoding/json"
	"sync"
)

type resultKey struct{}

type resultBox struct {
	mu  sync.Mutex
	val []byte
}

// WithResult returns a context a handler can record its result into, plus a
// func that reads what was recorded.
func WithResult(ctx context.Context) (context.Context, func() []byte) {
	box := &resultBox{}
	return context.WithValue(ctx, resultKey{}, box), func() []byte {
		box.mu.Lock()
		defer box.mu.Unlock()
		return box.val
	}
}

// SetResult stores v, JSON encoded, as the job's result. Outside a worker it
// does nothing. The last call wins.
func SetResult(ctx context.Context, v any) error {
	box, ok := ctx.Value(resultKey{}).(*resultBox)
	if !ok {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return Fatal(err)
	}
	box.mu.Lock()
	box.val = b
	box.mu.Unlock()
	return nil
}
