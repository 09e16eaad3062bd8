package replica

import (
	"context"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/golang/glog"
)

// broadcast notification. `NotifyChannel` returns a channel that is closed
// on the next `NotifyAll`.
type Monitor struct {
	mutex  sync.Mutex
	update chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		update: make(chan struct{}),
	}
}

func (self *Monitor) NotifyChannel() <-chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.update
}

func (self *Monitor) NotifyAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	close(self.update)
	self.update = make(chan struct{})
}

// resolve-once future. The first `Resolve` wins; later calls are no-ops.
// waiters are woken immediately rather than polled.
type Event struct {
	mutex    sync.Mutex
	done     chan struct{}
	err      error
	resolved bool
}

func NewEvent() *Event {
	return &Event{
		done: make(chan struct{}),
	}
}

func (self *Event) Resolve(err error) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.resolved {
		return false
	}
	self.resolved = true
	self.err = err
	close(self.done)
	return true
}

func (self *Event) Done() <-chan struct{} {
	return self.done
}

func (self *Event) Err() error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.err
}

func (self *Event) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-self.done:
		return self.Err()
	}
}

// makes a copy of the list on update so `get` snapshots are stable while
// callbacks are added or removed concurrently with iteration
type callbackList[T any] struct {
	mutex       sync.Mutex
	callbackIds []Id
	callbacks   map[Id]T
}

func newCallbackList[T any]() *callbackList[T] {
	return &callbackList[T]{
		callbackIds: []Id{},
		callbacks:   map[Id]T{},
	}
}

func (self *callbackList[T]) get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	out := make([]T, 0, len(self.callbackIds))
	for _, callbackId := range self.callbackIds {
		out = append(out, self.callbacks[callbackId])
	}
	return out
}

func (self *callbackList[T]) add(callback T) Id {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := NewId()
	self.callbackIds = append(slices.Clone(self.callbackIds), callbackId)
	self.callbacks[callbackId] = callback
	return callbackId
}

func (self *callbackList[T]) remove(callbackId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.callbackIds, callbackId)
	if i < 0 {
		// not present
		return
	}
	self.callbackIds = slices.Delete(slices.Clone(self.callbackIds), i, i+1)
	delete(self.callbacks, callbackId)
}

func (self *callbackList[T]) count() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.callbackIds)
}

// all application callbacks are wrapped to recover from panics,
// so one faulting callback cannot unwind a notify or drain loop
func safeCallback(tag string, callback func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("[%s]callback panic = %v\n", tag, r)
		}
	}()
	callback()
}
