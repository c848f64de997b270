package adapter

import (
	"context"
	stderr "errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/switchyard/switchyard/pkg/errors"
)

// Call runs fn under a deadline with panic recovery. When the deadline (or the
// parent context) expires first, Call returns immediately and reports the call
// as abandoned; fn keeps running in its own goroutine and its eventual result
// is dropped.
//
// A zero timeout relies on the deadline already carried by ctx.
func Call(ctx context.Context, timeout time.Duration, fn func(context.Context) error) (abandoned bool, err error) {
	callCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var pc panics.Catcher
		var callErr error
		pc.Try(func() { callErr = fn(callCtx) })
		if r := pc.Recovered(); r != nil {
			oe := errors.NewError(errors.ErrCodeAdapterPanic, fmt.Sprintf("adapter panicked: %v", r.Value))
			oe.Stack = string(r.Stack)
			callErr = oe
		}
		done <- callErr
	}()

	select {
	case callErr := <-done:
		if callErr != nil && stderr.Is(callErr, context.DeadlineExceeded) {
			return false, errors.Wrap(callErr, errors.ErrCodeDeadlineExceeded, "adapter call exceeded its deadline")
		}
		return false, callErr
	case <-callCtx.Done():
		if ctx.Err() != nil && !stderr.Is(ctx.Err(), context.DeadlineExceeded) {
			return true, errors.Wrap(ctx.Err(), errors.ErrCodeOperationCanceled, "adapter call canceled")
		}
		return true, errors.Wrap(callCtx.Err(), errors.ErrCodeDeadlineExceeded, "adapter call exceeded its deadline")
	}
}
