package negortc

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// gatherWaiter fires once the transport reports gathering complete. It must
// be armed before the local description is applied, that is when gathering
// starts.
type gatherWaiter struct {
	t      Transport
	done   chan struct{}
	cancel func()
}

func waitGathering(t Transport) *gatherWaiter {
	w := &gatherWaiter{t: t, done: make(chan struct{})}
	fired := make(chan struct{}, 1)
	w.cancel = t.WatchGathering(func(s webrtc.ICEGatheringState) {
		if s != webrtc.ICEGatheringStateComplete {
			return
		}
		select {
		case fired <- struct{}{}:
			close(w.done)
		default:
		}
	})
	return w
}

// Wait blocks until gathering completes or ctx ends. The listener is removed
// either way.
func (w *gatherWaiter) Wait(ctx context.Context) error {
	defer w.cancel()
	if w.t.ICEGatheringState() == webrtc.ICEGatheringStateComplete {
		return nil
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Stop removes the listener without waiting.
func (w *gatherWaiter) Stop() { w.cancel() }
