package trade

import "sync"

// eventKind keys the flow's internal wait points.
type eventKind int

const (
	evQuoteUpdated eventKind = iota
	evQuoteStopped
	evOrdersFetched
)

// eventBus provides "wait for event kind K" as a blocking read on a
// single-slot channel per kind; waiters take slot() and read it, selecting
// over several kinds where needed. A publish into a full slot replaces the
// pending value, so a waiter always observes the freshest event and slow
// consumers never back up producers.
type eventBus struct {
	mu    sync.Mutex
	slots map[eventKind]chan interface{}
}

func newEventBus() *eventBus {
	return &eventBus{slots: make(map[eventKind]chan interface{})}
}

func (b *eventBus) slot(kind eventKind) chan interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.slots[kind]
	if !ok {
		ch = make(chan interface{}, 1)
		b.slots[kind] = ch
	}
	return ch
}

// publish stores v in kind's slot, displacing any unconsumed event.
func (b *eventBus) publish(kind eventKind, v interface{}) {
	ch := b.slot(kind)
	for {
		select {
		case ch <- v:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}
