// Package groutine starts every one of the daemon's long-running
// goroutines (scanner loop, watchdog loops, queue workers, per-connection
// IPC handlers, per-address notify connector/drain tasks) through one
// named entry point, so a stack dump or pprof profile identifies which
// component a given goroutine belongs to.
//
// Unlike a one-shot CLI command, where a goroutine panic could be left to
// crash the process, bleorchd's goroutines back a daemon that is expected
// to keep serving every other connection/address/worker if one of them
// panics — so Go recovers and reports instead of letting the panic
// propagate.
package groutine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"runtime/pprof"
	"strconv"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// OnPanic is invoked, if set, when a goroutine started via Go panics,
// after the panic has already been recovered. Defaults to nil, in which
// case the panic and its stack trace are written to stderr.
var OnPanic func(name string, recovered any, stack []byte)

// Go starts a goroutine with a name, optional parent context. A panic
// inside fn is recovered so one failing goroutine never takes the whole
// daemon down with it.
// Example usage:
//
//	groutine.Go(ctx, "worker-42", func(ctx context.Context) {
//	    // work
//	})
//
// If parentCtx is nil, context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, goroutineNameKey, name)
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				if OnPanic != nil {
					OnPanic(name, r, stack)
				} else {
					fmt.Fprintf(os.Stderr, "groutine: %q panicked: %v\n%s", name, r, stack)
				}
			}
		}()
		fn(ctx)
	})
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(goroutineNameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// GetGID returns the numeric goroutine ID (hacky, for debugging).
func GetGID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return 0
	}
	gid, _ := strconv.ParseUint(string(b[:i]), 10, 64)
	return gid
}
