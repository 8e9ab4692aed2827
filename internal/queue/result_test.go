package queue

import (
	"context"
	"testing"
)

func TestSetResultRecordsLastValue(t *testing.T) {
	t.Parallel()
	ctx, read := WithResult(context.Background())
	if got := read(); got != nil {
		t.Fatalf("fresh result = %q, want nil", got)
	}
	if err := SetResult(ctx, map[string]int{"donuts": 1}); err != nil {
		t.Fatal(err)
	}
	if err := SetResult(ctx, map[string]int{"donuts": 2}); err != nil {
		t.Fatal(err)
	}
	if got := string(read()); got != `{"donuts":2}` {
		t.Fatalf("result = %s", got)
	}
}

func TestSetResultOutsideWorker(t *testing.T) {
	t.Parallel()
	if err := SetResult(context.Background(), "ignored"); err != nil {
		t.Fatalf("SetResult without a result context: %v", err)
	}
	ctx, _ := WithResult(context.Background())
	if err := SetResult(ctx, func() {}); !IsFatal(err) {
		t.Fatalf("unencodable result err = %v, want fatal", err)
	}
}
