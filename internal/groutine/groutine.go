package groutine

import (
	"context"
	"runtime/pprof"
	"sync"

	"github.com/sirupsen/logrus"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Go starts a pprof-labelled goroutine.
// Example usage:
//
//	groutine.Go(ctx, "scan-timer", func(ctx context.Context) {
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

// Group tracks named goroutines sharing one cancellable context so that
// teardown can cancel and then wait for all of them.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *logrus.Logger
}

// NewGroup derives the group context from parent
func NewGroup(parent context.Context, logger *logrus.Logger) *Group {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Group{ctx: ctx, cancel: cancel, logger: logger}
}

// Context returns the group context, done once Stop is called
func (g *Group) Context() context.Context {
	return g.ctx
}

// Go starts fn as a tracked goroutine. A panic in fn is recovered and logged.
func (g *Group) Go(name string, fn func(ctx context.Context)) {
	g.wg.Add(1)
	Go(g.ctx, name, func(ctx context.Context) {
		defer g.wg.Done()
		defer func() {
			if r := recover(); r != nil && g.logger != nil {
				g.logger.WithFields(logrus.Fields{
					"goroutine": name,
					"panic":     r,
				}).Error("Recovered from panic in goroutine")
			}
		}()
		fn(ctx)
	})
}

// Stop cancels the group context and waits for every tracked goroutine to return
func (g *Group) Stop() {
	g.cancel()
	g.wg.Wait()
}
