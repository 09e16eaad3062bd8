package replica

import (
	"context"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/golang/glog"
)

type BadgerProfileStoreSettings struct {
	// directory for the database files. Ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
}

func DefaultBadgerProfileStoreSettings(path string) *BadgerProfileStoreSettings {
	return &BadgerProfileStoreSettings{
		Path:       path,
		SyncWrites: true,
	}
}

func InMemoryBadgerProfileStoreSettings() *BadgerProfileStoreSettings {
	return &BadgerProfileStoreSettings{
		InMemory: true,
	}
}

// durable profile store on an embedded badger database.
// trees are persisted as encoded bytes keyed by identity.
type BadgerProfileStore struct {
	db    *badger.DB
	codec TreeCodec

	mutex                 sync.Mutex
	locked                map[Id]bool
	forceReleaseCallbacks map[Id]*callbackList[ForceReleaseFunction]
}

func NewBadgerProfileStore(codec TreeCodec, settings *BadgerProfileStoreSettings) (*BadgerProfileStore, error) {
	options := badger.DefaultOptions(settings.Path).
		WithInMemory(settings.InMemory).
		WithSyncWrites(settings.SyncWrites).
		WithLogger(nil)
	if settings.InMemory {
		options = options.WithDir("").WithValueDir("")
	}
	db, err := badger.Open(options)
	if err != nil {
		return nil, err
	}
	return &BadgerProfileStore{
		db:                    db,
		codec:                 codec,
		locked:                map[Id]bool{},
		forceReleaseCallbacks: map[Id]*callbackList[ForceReleaseFunction]{},
	}, nil
}

func (self *BadgerProfileStore) Load(ctx context.Context, identity Id) (Tree, error) {
	self.mutex.Lock()
	if self.locked[identity] {
		self.mutex.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrProfileLocked, identity)
	}
	self.locked[identity] = true
	self.mutex.Unlock()

	var encoded []byte
	err := self.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(identity.Bytes())
		if err != nil {
			return err
		}
		encoded, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		// fresh profile
		return Tree{}, nil
	}
	if err != nil {
		self.unlock(identity)
		return nil, err
	}

	tree, err := self.codec.Decode(encoded)
	if err != nil {
		self.unlock(identity)
		return nil, err
	}
	return tree, nil
}

func (self *BadgerProfileStore) Release(identity Id, tree Tree) error {
	defer self.unlock(identity)

	if tree == nil {
		return nil
	}
	encoded, err := self.codec.Encode(tree)
	if err != nil {
		return err
	}
	return self.db.Update(func(txn *badger.Txn) error {
		return txn.Set(identity.Bytes(), encoded)
	})
}

func (self *BadgerProfileStore) AddForceReleaseCallback(identity Id, callback ForceReleaseFunction) func() {
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

func (self *BadgerProfileStore) ForceRelease(identity Id) {
	self.unlock(identity)

	self.mutex.Lock()
	callbacks := self.forceReleaseCallbacks[identity]
	self.mutex.Unlock()

	if callbacks != nil {
		for _, callback := range callbacks.get() {
			safeCallback("store", callback)
		}
	}
}

func (self *BadgerProfileStore) Close() {
	if err := self.db.Close(); err != nil {
		glog.Infof("[store]close error = %s\n", err)
	}
}

func (self *BadgerProfileStore) unlock(identity Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.locked, identity)
}
