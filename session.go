package replica

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/golang/glog"
)

var ErrSessionRemoved = errors.New("session removed")
var ErrNoSession = errors.New("no session for identity")
var ErrSessionStoreClosed = errors.New("session store closed")

type SessionStoreSettings struct {
	// static template reconciled into every freshly loaded tree.
	// missing keys are filled, existing keys are never overwritten.
	DefaultData Tree
}

func DefaultSessionStoreSettings() *SessionStoreSettings {
	return &SessionStoreSettings{
		DefaultData: Tree{},
	}
}

// one live identity: the authoritative tree behind its scheduler,
// the subscription set, and the committed snapshot handed to readers
type session struct {
	identity  Id
	scheduler *UpdateScheduler
	notifier  *ChangeNotifier

	snapshotMutex sync.Mutex
	snapshot      Tree

	removeForceRelease func()
}

func (self *session) setSnapshot(snapshot Tree) {
	self.snapshotMutex.Lock()
	defer self.snapshotMutex.Unlock()
	self.snapshot = snapshot
}

func (self *session) getSnapshot() Tree {
	self.snapshotMutex.Lock()
	defer self.snapshotMutex.Unlock()
	return self.snapshot
}

// one entry per identity in the session table.
// the event resolves exactly once: nil when the session becomes available,
// an error when the load fails or the identity disconnects while pending.
type sessionEntry struct {
	event   *Event
	loading bool
	sess    *session
}

// server side owner of the authoritative tree per active session.
// orchestrates the update scheduler, diff engine, change notifier, profile
// store and outbound transport. There is no ambient registry: callers hold
// the store instance.
type SessionStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	store ProfileStore
	codec TreeCodec

	settings *SessionStoreSettings

	mutex     sync.Mutex
	transport Transport
	entries   map[Id]*sessionEntry
	closed    bool
}

func NewSessionStoreWithDefaults(
	ctx context.Context,
	store ProfileStore,
	codec TreeCodec,
	transport Transport,
) *SessionStore {
	return NewSessionStore(ctx, store, codec, transport, DefaultSessionStoreSettings())
}

func NewSessionStore(
	ctx context.Context,
	store ProfileStore,
	codec TreeCodec,
	transport Transport,
	settings *SessionStoreSettings,
) *SessionStore {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SessionStore{
		ctx:       cancelCtx,
		cancel:    cancel,
		store:     store,
		codec:     codec,
		transport: transport,
		settings:  settings,
		entries:   map[Id]*sessionEntry{},
	}
}

// used by transports that register themselves after construction
func (self *SessionStore) SetTransport(transport Transport) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.transport = transport
}

// loads the identity's authoritative tree and activates its session.
// no-op when the session is already active. A second create while one is in
// flight waits for and returns the first. A load failure is terminal for
// that attempt: the error is surfaced here and to suspended `Get` callers,
// and nothing is retried internally.
func (self *SessionStore) CreateSession(ctx context.Context, identity Id) error {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return ErrSessionStoreClosed
	}
	entry, ok := self.entries[identity]
	if !ok {
		entry = &sessionEntry{
			event: NewEvent(),
		}
		self.entries[identity] = entry
	}
	if entry.sess != nil {
		self.mutex.Unlock()
		return nil
	}
	if entry.loading {
		self.mutex.Unlock()
		return entry.event.Wait(ctx)
	}
	entry.loading = true
	self.mutex.Unlock()

	tree, err := self.store.Load(ctx, identity)
	if err != nil {
		glog.Infof("[s]load error %s = %s\n", identity, err)
		self.mutex.Lock()
		if self.entries[identity] == entry {
			delete(self.entries, identity)
		}
		self.mutex.Unlock()
		entry.event.Resolve(err)
		return err
	}

	Reconcile(tree, self.settings.DefaultData)

	sess := &session{
		identity: identity,
		notifier: NewChangeNotifier(),
		snapshot: tree.Clone(),
	}
	sess.scheduler = NewUpdateScheduler(tree, func(added Tree, removed Tree, current Tree) {
		snapshot := current.Clone()
		sess.setSnapshot(snapshot)
		self.send(identity, added, removed, false)
		sess.notifier.Notify(added, removed, snapshot)
	})
	sess.removeForceRelease = self.store.AddForceReleaseCallback(identity, func() {
		// document re-opened elsewhere. Same as a disconnect,
		// except the store lock is already gone so nothing is persisted.
		glog.Infof("[s]force release %s\n", identity)
		self.removeSession(identity, false)
	})

	self.mutex.Lock()
	if self.closed || self.entries[identity] != entry {
		// removed while loading
		self.mutex.Unlock()
		sess.removeForceRelease()
		self.store.Release(identity, nil)
		entry.event.Resolve(ErrSessionRemoved)
		return ErrSessionRemoved
	}
	entry.loading = false
	entry.sess = sess
	self.mutex.Unlock()

	entry.event.Resolve(nil)

	// replicate the full initial tree as a snapshot frame
	self.send(identity, sess.getSnapshot(), Tree{}, true)
	return nil
}

// persists and releases the identity's session. Idempotent.
// suspended `Get` callers for a pending session fail with ErrSessionRemoved.
func (self *SessionStore) RemoveSession(identity Id) {
	self.removeSession(identity, true)
}

func (self *SessionStore) removeSession(identity Id, release bool) {
	self.mutex.Lock()
	entry, ok := self.entries[identity]
	if !ok {
		self.mutex.Unlock()
		return
	}
	delete(self.entries, identity)
	self.mutex.Unlock()

	if entry.sess == nil {
		entry.event.Resolve(ErrSessionRemoved)
		return
	}

	entry.sess.removeForceRelease()
	entry.sess.notifier.Clear()
	if release {
		// run the release as the final queue entry so every mutation
		// accepted before removal is applied to the persisted tree
		entry.sess.scheduler.Submit(func(tree Tree) {
			if err := self.store.Release(identity, tree.Clone()); err != nil {
				glog.Infof("[s]release error %s = %s\n", identity, err)
			}
		})
	}
}

// suspends until the identity's session exists, then returns a snapshot of
// its tree. Fails if the identity disconnects while waiting, the load
// fails, or ctx is done. Must not be called from inside an Update callback;
// use the callback's tree argument instead.
func (self *SessionStore) Get(ctx context.Context, identity Id) (Tree, error) {
	for {
		self.mutex.Lock()
		if self.closed {
			self.mutex.Unlock()
			return nil, ErrSessionStoreClosed
		}
		entry, ok := self.entries[identity]
		if !ok {
			entry = &sessionEntry{
				event: NewEvent(),
			}
			self.entries[identity] = entry
		}
		if entry.sess != nil {
			snapshot := entry.sess.getSnapshot()
			self.mutex.Unlock()
			return snapshot.Clone(), nil
		}
		event := entry.event
		self.mutex.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-self.ctx.Done():
			return nil, ErrSessionStoreClosed
		case <-event.Done():
			if err := event.Err(); err != nil {
				return nil, err
			}
			// session became available. Re-check the table.
		}
	}
}

// non-suspending snapshot of the identity's tree
func (self *SessionStore) Peek(identity Id) (Tree, bool) {
	sess, ok := self.activeSession(identity)
	if !ok {
		return nil, false
	}
	return sess.getSnapshot().Clone(), true
}

// submits a mutation to the identity's update queue.
// the mutation runs exactly once, after all previously submitted mutations.
func (self *SessionStore) Update(identity Id, update UpdateFunction) error {
	sess, ok := self.activeSession(identity)
	if !ok {
		return ErrNoSession
	}
	sess.scheduler.Submit(update)
	return nil
}

// path-targeted update. Setting Absent deletes the path.
func (self *SessionStore) SetValue(identity Id, path Path, value Value) error {
	target := slices.Clone(path)
	return self.Update(identity, func(tree Tree) {
		tree.SetPath(target, value)
	})
}

func (self *SessionStore) GetValue(identity Id, path Path) (Value, error) {
	sess, ok := self.activeSession(identity)
	if !ok {
		return Absent, ErrNoSession
	}
	// cloned so callers cannot write through a tree result into the snapshot
	return Resolve(sess.getSnapshot(), path).Clone(), nil
}

// registers a path subscription on the identity's session.
// fires once immediately with the current value when it is non-Absent, then
// on every delta that touches the path, possibly with Absent on deletion.
// the returned disconnect is idempotent.
func (self *SessionStore) ListenToValueChanged(identity Id, path Path, callback ValueFunction) (func(), error) {
	sess, ok := self.activeSession(identity)
	if !ok {
		return nil, ErrNoSession
	}
	disconnect := sess.notifier.Subscribe(path, callback)
	if value := Resolve(sess.getSnapshot(), path); !value.IsAbsent() {
		dispatchValue(callback, value.Clone())
	}
	return disconnect, nil
}

// re-sends the identity's full current tree as a snapshot frame.
// used when a transport link (re)attaches so the remote mirror converges
// without replaying history. The frame is authoritative: the mirror
// replaces its tree, dropping keys removed while the link was down.
func (self *SessionStore) ReplicateSnapshot(identity Id) bool {
	sess, ok := self.activeSession(identity)
	if !ok {
		return false
	}
	return self.send(identity, sess.getSnapshot(), Tree{}, true)
}

func (self *SessionStore) SessionCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	n := 0
	for _, entry := range self.entries {
		if entry.sess != nil {
			n += 1
		}
	}
	return n
}

// persists and releases every session
func (self *SessionStore) Close() {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	self.closed = true
	entries := maps.Values(self.entries)
	self.entries = map[Id]*sessionEntry{}
	self.mutex.Unlock()

	for _, entry := range entries {
		if entry.sess == nil {
			entry.event.Resolve(ErrSessionStoreClosed)
			continue
		}
		entry.sess.removeForceRelease()
		entry.sess.notifier.Clear()
		sess := entry.sess
		sess.scheduler.Submit(func(tree Tree) {
			if err := self.store.Release(sess.identity, tree.Clone()); err != nil {
				glog.Infof("[s]release error %s = %s\n", sess.identity, err)
			}
		})
	}
	self.cancel()
}

func (self *SessionStore) activeSession(identity Id) (*session, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	entry, ok := self.entries[identity]
	if !ok || entry.sess == nil {
		return nil, false
	}
	return entry.sess, true
}

func (self *SessionStore) send(identity Id, added Tree, removed Tree, snapshot bool) bool {
	self.mutex.Lock()
	transport := self.transport
	self.mutex.Unlock()

	if transport == nil {
		return false
	}
	addedBytes, err := self.codec.Encode(added)
	if err != nil {
		glog.Infof("[s]encode error %s = %s\n", identity, err)
		return false
	}
	removedBytes, err := self.codec.Encode(removed)
	if err != nil {
		glog.Infof("[s]encode error %s = %s\n", identity, err)
		return false
	}
	if !transport.Send(identity, addedBytes, removedBytes, snapshot) {
		glog.V(2).Infof("[s]drop %s->\n", identity)
		return false
	}
	glog.V(2).Infof("[s]%s->\n", identity)
	return true
}
