// Package taskrunner launches every long-lived daemon goroutine (C3's
// accept loop, each session's reader/writer pair, the scanner, the
// batcher flush timer) with a pprof label so they show up by name in a
// goroutine profile.
package taskrunner

import (
	"bytes"
	"context"
	"runtime"
	"runtime/pprof"
	"strconv"
)

type ctxKey string

const taskNameKey ctxKey = "task_name"

// Go starts fn in a new goroutine labelled name, derived from parentCtx
// (context.Background() if nil).
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("task_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, taskNameKey, name)
		fn(ctx)
	})
}

// Name retrieves the task name stashed in ctx by Go.
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(taskNameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// GID returns the calling goroutine's numeric id, for diagnostic logging.
func GID() uint64 {
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
