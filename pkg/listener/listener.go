// Package listener runs a handler for every value received on a channel.
// The replica daemon uses it to join its peer on every sync tick.
package listener

import (
	"context"
	"log/slog"
	"sync"
)

type Job interface {
	Start(ctx context.Context)
	Stop()
}

type Listener[T any] struct {
	handler     func(ctx context.Context, input T) error
	stopHandler func()
	logger      *slog.Logger

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
}

// New builds a listener over in. A handler error is logged and the listener
// keeps going; the optional stopHandler runs once after Stop.
func New[T any](
	in <-chan T,
	handler func(context.Context, T) error,
	stopHandler ...func(),
) *Listener[T] {
	if len(stopHandler) == 0 {
		stopHandler = []func(){func() {}}
	}

	return &Listener[T]{
		in:          in,
		handler:     handler,
		cancel:      func() {},
		stopHandler: stopHandler[0],
		logger:      slog.Default(),
	}
}

func (l *Listener[T]) WithLogger(logger *slog.Logger) *Listener[T] {
	if logger != nil {
		l.logger = logger
	}
	return l
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for l.run(ctx) {
		}
	}()
}

// run handles one input; it reports false once the listener must stop.
func (l *Listener[T]) run(ctx context.Context) bool {
	select {
	case inp, ok := <-l.in:
		if !ok {
			return false
		}
		if err := l.handler(ctx, inp); err != nil {
			l.logger.Warn("failed to handle input", "error", err)
		}
		return true
	case <-ctx.Done():
		return false
	}
}

func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.stopHandler()
}
