package utils

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	goutils "go.viam.com/utils"
)

// StoppableWorkers runs functions on their own goroutines until Stop cancels the context they are
// given. A panicking worker is recovered: its panic is kept as an error and handed to the panic
// callback, if any.
type StoppableWorkers struct {
	mu      sync.Mutex
	ctx     context.Context
	cancel  func()
	running sync.WaitGroup
	onPanic func(error)
	panic   atomic.Error
}

// NewStoppableWorkers starts funcs. onPanic may be nil.
func NewStoppableWorkers(onPanic func(error), funcs ...func(context.Context)) *StoppableWorkers {
	ctx, cancel := context.WithCancel(context.Background())
	sw := &StoppableWorkers{ctx: ctx, cancel: cancel, onPanic: onPanic}
	sw.AddWorkers(funcs...)
	return sw
}

// AddWorkers starts one more goroutine per function. It does nothing once Stop was called.
func (sw *StoppableWorkers) AddWorkers(funcs ...func(context.Context)) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.ctx.Err() != nil {
		return
	}
	sw.running.Add(len(funcs))
	for _, f := range funcs {
		goutils.PanicCapturingGoWithCallback(func() {
			defer sw.running.Done()
			f(sw.ctx)
		}, func(recovered interface{}) {
			// Done runs before this callback, as the deferred call unwinds first.
			err := errors.Errorf("worker panicked: %v", recovered)
			sw.panic.Store(err)
			if sw.onPanic != nil {
				sw.onPanic(err)
			}
		})
	}
}

// Stop cancels the workers' context and waits for all of them to return. It may be called more
// than once.
func (sw *StoppableWorkers) Stop() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.cancel()
	sw.running.Wait()
}

// Context is the context given to the workers.
func (sw *StoppableWorkers) Context() context.Context {
	return sw.ctx
}

// Err returns the panic of a worker, if one panicked.
func (sw *StoppableWorkers) Err() error {
	return sw.panic.Load()
}
