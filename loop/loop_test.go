package loop

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRunPendingExecutesInOrder(t *testing.T) {
	lp := New(zerolog.Nop())
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		if err := lp.Submit(func() { order = append(order, i) }); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if got := lp.RunPending(); got != 3 {
		t.Fatalf("RunPending = %d, want 3", got)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v", order)
		}
	}
}

func TestSubmitAfterStop(t *testing.T) {
	lp := New(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- lp.Run(ctx) }()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := lp.Submit(func() {}); err != ErrStopped {
		t.Fatalf("submit after stop = %v, want ErrStopped", err)
	}
}

func TestSubmitFromHandlerNeverBlocks(t *testing.T) {
	lp := New(zerolog.Nop())
	const total = 600
	ran := 0
	if err := lp.Submit(func() {
		for i := 0; i < total; i++ {
			if err := lp.Submit(func() { ran++ }); err != nil {
				t.Errorf("submit %d: %v", i, err)
			}
		}
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	for lp.RunPending() > 0 {
	}
	if ran != total {
		t.Fatalf("ran %d of %d handlers", ran, total)
	}
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	lp := New(zerolog.Nop())
	ran := false
	lp.Submit(func() { panic("boom") })
	lp.Submit(func() { ran = true })
	if got := lp.RunPending(); got != 2 {
		t.Fatalf("RunPending = %d, want 2", got)
	}
	if !ran {
		t.Fatal("handler after panic did not run")
	}
}

func TestRunDrainsSubmittedHandlers(t *testing.T) {
	lp := New(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- lp.Run(ctx) }()

	executed := make(chan struct{})
	if err := lp.Submit(func() { close(executed) }); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case <-executed:
	case <-time.After(time.Second):
		t.Fatal("handler not executed")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}
