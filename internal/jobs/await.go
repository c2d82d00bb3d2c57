package jobs

import (
	"context"
	"fmt"
	"time"
)

// Await reads ch until a terminal event arrives. Progress events are passed
// to onProgress when it is non-nil. If nothing terminal arrives within
// timeout (DefaultListenerTimeout when <= 0) it returns ErrListenerTimeout so
// the caller can fall back to the last completed result.
func Await(ctx context.Context, ch <-chan Event, timeout time.Duration, onProgress func(Event)) (Event, error) {
	if timeout <= 0 {
		timeout = DefaultListenerTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return Event{}, fmt.Errorf("%w: subscription closed", ErrUnknownJob)
			}
			if ev.Terminal() {
				return ev, nil
			}
			if onProgress != nil {
				onProgress(ev)
			}
		case <-timer.C:
			return Event{}, ErrListenerTimeout
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}
