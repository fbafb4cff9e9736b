package notifier

import (
	"runtime"
	"sync/atomic"

	"github.com/Sh00ty/mesh-control/internal/models"
)

// ChanNotifier fans health events out to the status sender over a buffered
// channel. When the buffer is full the caller blocks instead of dropping
// the event.
type ChanNotifier struct {
	eventChan  chan models.HealthEvent
	closed     atomic.Bool
	inProgress atomic.Int64
	close      chan struct{}
}

func New(buf int) *ChanNotifier {
	return &ChanNotifier{
		eventChan: make(chan models.HealthEvent, buf),
		close:     make(chan struct{}),
	}
}

func (n *ChanNotifier) NotifyHealthChanged(event models.HealthEvent) {
	// registered before the closed check: Close waits for in-progress
	// callers before it closes the event channel
	n.inProgress.Add(1)
	defer n.inProgress.Add(-1)
	if n.closed.Load() {
		return
	}
	select {
	case n.eventChan <- event:
	case <-n.close:
	}
}

func (n *ChanNotifier) GetEventChan() chan models.HealthEvent {
	return n.eventChan
}

func (n *ChanNotifier) Close() {
	n.closed.Store(true)
	close(n.close)
	for n.inProgress.Load() != 0 {
		runtime.Gosched()
	}
	close(n.eventChan)
}
