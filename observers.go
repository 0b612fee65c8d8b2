package canonmap

import (
	"sync"

	"github.com/agentstation/canonmap/pkg/logging"
	"github.com/agentstation/canonmap/pkg/pipeline"
)

// Observer receives pipeline transitions. Dispatch is synchronous from the
// canonize goroutine, in registration order; a slow observer slows the
// call it observes.
type Observer interface {
	Observe(t pipeline.Transition)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(t pipeline.Transition)

// Observe invokes the wrapped function.
func (f ObserverFunc) Observe(t pipeline.Transition) { f(t) }

// Handle unregisters an observer. Safe to call more than once.
type Handle struct {
	id   uint64
	once sync.Once
	obs  *observers
}

// Unregister removes the observer. In-flight dispatches may still deliver
// one last transition.
func (h *Handle) Unregister() {
	h.once.Do(func() { h.obs.unregister(h.id) })
}

type registered struct {
	id       uint64
	observer Observer
}

// observers manages transition fan-out in registration order.
type observers struct {
	mu   sync.RWMutex
	seq  uint64
	list []registered
}

func newObservers() *observers {
	return &observers{}
}

func (o *observers) register(obs Observer) *Handle {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.seq++
	o.list = append(o.list, registered{id: o.seq, observer: obs})
	return &Handle{id: o.seq, obs: o}
}

func (o *observers) unregister(id uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i, r := range o.list {
		if r.id == id {
			o.list = append(o.list[:i], o.list[i+1:]...)
			return
		}
	}
}

// dispatch delivers one transition to every observer. A panicking observer
// is logged and skipped; it never takes down the canonize call.
func (o *observers) dispatch(t pipeline.Transition) {
	o.mu.RLock()
	snapshot := append([]registered(nil), o.list...)
	o.mu.RUnlock()

	for _, r := range snapshot {
		o.deliver(r.observer, t)
	}
}

func (o *observers) deliver(obs Observer, t pipeline.Transition) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().
				Interface("panic", r).
				Str("phase", string(t.Phase)).
				Msg("Observer panicked during dispatch")
		}
	}()
	obs.Observe(t)
}
