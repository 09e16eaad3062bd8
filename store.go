package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrProfileLocked = errors.New("profile is locked by an active load")
var ErrProfileStoreClosed = errors.New("profile store closed")

// invoked when the store forcibly releases a profile out from under its
// session, e.g. the document was opened elsewhere. Equivalent to disconnect.
type ForceReleaseFunction func()

// the authoritative document store behind the session store.
//
// Contract: at most one active load per identity process-wide; a load
// failure is terminal for that attempt and is never retried internally.
// `Release` persists the final tree and drops the lock taken by `Load`.
type ProfileStore interface {
	Load(ctx context.Context, identity Id) (Tree, error)
	Release(identity Id, tree Tree) error
	AddForceReleaseCallback(identity Id, callback ForceReleaseFunction) func()
}

// map-backed profile store for tests and in-process embedding
type MemoryProfileStore struct {
	mutex                 sync.Mutex
	trees                 map[Id]Tree
	locked                map[Id]bool
	loadErrors            map[Id]error
	forceReleaseCallbacks map[Id]*callbackList[ForceReleaseFunction]
	closed                bool
}

func NewMemoryProfileStore() *MemoryProfileStore {
	return &MemoryProfileStore{
		trees:                 map[Id]Tree{},
		locked:                map[Id]bool{},
		loadErrors:            map[Id]error{},
		forceReleaseCallbacks: map[Id]*callbackList[ForceReleaseFunction]{},
	}
}

func (self *MemoryProfileStore) Load(ctx context.Context, identity Id) (Tree, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.closed {
		return nil, ErrProfileStoreClosed
	}
	if err, ok := self.loadErrors[identity]; ok {
		delete(self.loadErrors, identity)
		return nil, err
	}
	if self.locked[identity] {
		return nil, fmt.Errorf("%w: %s", ErrProfileLocked, identity)
	}
	self.locked[identity] = true

	tree, ok := self.trees[identity]
	if !ok {
		// fresh profile
		return Tree{}, nil
	}
	return tree.Clone(), nil
}

func (self *MemoryProfileStore) Release(identity Id, tree Tree) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if tree != nil {
		self.trees[identity] = tree.Clone()
	}
	delete(self.locked, identity)
	return nil
}

func (self *MemoryProfileStore) AddForceReleaseCallback(identity Id, callback ForceReleaseFunction) func() {
	self.mutex.Lock()
	callbacks, ok := self.forceReleaseCallbacks[identity]
	if !ok {
		callbacks = newCallbackList[ForceReleaseFunction]()
		self.forceReleaseCallbacks[identity] = callbacks
	}
	self.mutex.Unlock()

	callbackId := callbacks.add(callback)
	return func() {
		callbacks.remove(callbackId)
	}
}

// simulates the document being stolen by another holder.
// drops the lock and notifies the owning session.
func (self *MemoryProfileStore) ForceRelease(identity Id) {
	self.mutex.Lock()
	delete(self.locked, identity)
	callbacks := self.forceReleaseCallbacks[identity]
	self.mutex.Unlock()

	if callbacks != nil {
		for _, callback := range callbacks.get() {
			safeCallback("store", callback)
		}
	}
}

// seeds the stored tree for an identity. Test hook.
func (self *MemoryProfileStore) Seed(identity Id, tree Tree) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.trees[identity] = tree.Clone()
}

// makes the next load for an identity fail. Test hook.
func (self *MemoryProfileStore) FailNextLoad(identity Id, err error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.loadErrors[identity] = err
}

func (self *MemoryProfileStore) Stored(identity Id) (Tree, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	tree, ok := self.trees[identity]
	if !ok {
		return nil, false
	}
	return tree.Clone(), true
}

func (self *MemoryProfileStore) Close() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.closed = true
}
