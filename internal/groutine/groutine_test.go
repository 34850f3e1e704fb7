package groutine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGoRunsFunction(t *testing.T) {
	done := make(chan struct{})
	Go(nil, "test-run", func(ctx context.Context) {
		require.Equal(t, "test-run", GetName(ctx))
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestGoRecoversPanicAndInvokesOnPanic(t *testing.T) {
	var mu sync.Mutex
	var gotName string
	var gotPanic any

	prev := OnPanic
	defer func() { OnPanic = prev }()

	done := make(chan struct{})
	OnPanic = func(name string, recovered any, stack []byte) {
		mu.Lock()
		gotName, gotPanic = name, recovered
		mu.Unlock()
		require.NotEmpty(t, stack)
		close(done)
	}

	Go(context.Background(), "panicking-task", func(ctx context.Context) {
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnPanic was not invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "panicking-task", gotName)
	require.Equal(t, "boom", gotPanic)
}
