package replica

import (
	"sync"

	"golang.org/x/exp/slices"
)

// receives the value currently at a subscribed path after a delta touched it.
// the value is Absent when the delta deleted it.
type ValueFunction func(value Value)

type subscription struct {
	subId    Id
	path     Path
	callback ValueFunction
}

// per-tree set of (path, callback) subscriptions.
// `Notify` determines which subscriptions a delta affects and invokes their
// callbacks with the newly resolved value. Each invocation is a detached
// unit of work: a slow or faulting callback cannot delay or unwind delivery
// to the other subscriptions.
type ChangeNotifier struct {
	mutex  sync.Mutex
	subIds []Id
	subs   map[Id]*subscription
}

func NewChangeNotifier() *ChangeNotifier {
	return &ChangeNotifier{
		subIds: []Id{},
		subs:   map[Id]*subscription{},
	}
}

// registers a subscription and returns its disconnect function.
// disconnect is idempotent.
func (self *ChangeNotifier) Subscribe(path Path, callback ValueFunction) func() {
	sub := &subscription{
		subId:    NewId(),
		path:     slices.Clone(path),
		callback: callback,
	}

	self.mutex.Lock()
	self.subIds = append(self.subIds, sub.subId)
	self.subs[sub.subId] = sub
	self.mutex.Unlock()

	return func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		i := slices.Index(self.subIds, sub.subId)
		if i < 0 {
			// already disconnected
			return
		}
		self.subIds = slices.Delete(self.subIds, i, i+1)
		delete(self.subs, sub.subId)
	}
}

// fires every subscription whose path resolves non-Absent in either half of
// the delta. The callback receives the path resolved against `root`, which
// may be Absent when the value was deleted.
// the subscription set is snapshotted at the start of the call, so
// subscriptions may be added or removed concurrently with firing.
func (self *ChangeNotifier) Notify(added Tree, removed Tree, root Tree) {
	for _, sub := range self.snapshot() {
		if Resolve(added, sub.path).IsAbsent() && Resolve(removed, sub.path).IsAbsent() {
			continue
		}
		// cloned so a callback cannot write through a tree result into root
		dispatchValue(sub.callback, Resolve(root, sub.path).Clone())
	}
}

func (self *ChangeNotifier) Count() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.subIds)
}

func (self *ChangeNotifier) Clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.subIds = []Id{}
	self.subs = map[Id]*subscription{}
}

func (self *ChangeNotifier) snapshot() []*subscription {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	out := make([]*subscription, 0, len(self.subIds))
	for _, subId := range self.subIds {
		out = append(out, self.subs[subId])
	}
	return out
}

// fire and forget
func dispatchValue(callback ValueFunction, value Value) {
	go safeCallback("notify", func() {
		callback(value)
	})
}
