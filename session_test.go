package replica

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type recordingTransport struct {
	mutex  sync.Mutex
	frames map[Id][]*transportFrame
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{
		frames: map[Id][]*transportFrame{},
	}
}

// Transport
func (self *recordingTransport) Send(identity Id, addedBytes []byte, removedBytes []byte, snapshot bool) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.frames[identity] = append(self.frames[identity], &transportFrame{
		addedBytes:   addedBytes,
		removedBytes: removedBytes,
		snapshot:     snapshot,
	})
	return true
}

func (self *recordingTransport) count(identity Id) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.frames[identity])
}

func (self *recordingTransport) frame(identity Id, i int) *transportFrame {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.frames[identity][i]
}

func newTestSessionStore(ctx context.Context, store ProfileStore, transport Transport) *SessionStore {
	settings := DefaultSessionStoreSettings()
	settings.DefaultData = Tree{
		StringKey("Currencies"): TreeValue(Tree{
			StringKey("Money"): Number(10),
		}),
	}
	return NewSessionStore(ctx, store, NewMsgpackCodec(), transport, settings)
}

func TestCreateSessionReplicatesInitialState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryProfileStore()
	transport := newRecordingTransport()
	sessionStore := newTestSessionStore(ctx, store, transport)
	defer sessionStore.Close()

	identity := NewId()
	assert.Equal(t, nil, sessionStore.CreateSession(ctx, identity))

	// the full reconciled tree goes out as a snapshot frame
	assert.Equal(t, 1, transport.count(identity))
	frame := transport.frame(identity, 0)
	assert.Equal(t, true, frame.snapshot)
	codec := NewMsgpackCodec()
	added, err := codec.Decode(frame.addedBytes)
	assert.Equal(t, nil, err)
	assert.Equal(t, float64(10), Resolve(added, ParsePath("Currencies.Money")).Number())
	removed, err := codec.Decode(frame.removedBytes)
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(removed))

	// creating again is a no-op
	assert.Equal(t, nil, sessionStore.CreateSession(ctx, identity))
	assert.Equal(t, 1, transport.count(identity))
	assert.Equal(t, 1, sessionStore.SessionCount())
}

func TestCreateSessionReconcilesDefaults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryProfileStore()
	identity := NewId()
	store.Seed(identity, currenciesTree(50))

	sessionStore := newTestSessionStore(ctx, store, newRecordingTransport())
	defer sessionStore.Close()

	assert.Equal(t, nil, sessionStore.CreateSession(ctx, identity))

	// the stored value wins over the template
	value, err := sessionStore.GetValue(identity, ParsePath("Currencies.Money"))
	assert.Equal(t, nil, err)
	assert.Equal(t, float64(50), value.Number())
}

func TestCreateSessionLoadFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryProfileStore()
	identity := NewId()
	loadError := errors.New("store unavailable")
	store.FailNextLoad(identity, loadError)

	sessionStore := newTestSessionStore(ctx, store, newRecordingTransport())
	defer sessionStore.Close()

	// fatal for this attempt, not retried internally
	assert.Equal(t, loadError, sessionStore.CreateSession(ctx, identity))
	assert.Equal(t, 0, sessionStore.SessionCount())

	// a later attempt may succeed
	assert.Equal(t, nil, sessionStore.CreateSession(ctx, identity))
	assert.Equal(t, 1, sessionStore.SessionCount())
}

func TestGetWaitsForSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryProfileStore()
	sessionStore := newTestSessionStore(ctx, store, newRecordingTransport())
	defer sessionStore.Close()

	identity := NewId()

	type getResult struct {
		tree Tree
		err  error
	}
	results := make(chan getResult)
	go func() {
		tree, err := sessionStore.Get(ctx, identity)
		results <- getResult{tree: tree, err: err}
	}()

	// the get is suspended until the session is created
	select {
	case <-results:
		t.FailNow()
	case <-time.After(100 * time.Millisecond):
	}

	assert.Equal(t, nil, sessionStore.CreateSession(ctx, identity))

	select {
	case result := <-results:
		assert.Equal(t, nil, result.err)
		assert.Equal(t, float64(10), Resolve(result.tree, ParsePath("Currencies.Money")).Number())
	case <-time.After(5 * time.Second):
		t.FailNow()
	}
}

func TestGetFailsWhenSessionRemovedWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryProfileStore()
	sessionStore := newTestSessionStore(ctx, store, newRecordingTransport())
	defer sessionStore.Close()

	identity := NewId()

	errs := make(chan error)
	go func() {
		_, err := sessionStore.Get(ctx, identity)
		errs <- err
	}()

	time.Sleep(100 * time.Millisecond)
	sessionStore.RemoveSession(identity)

	select {
	case err := <-errs:
		assert.Equal(t, ErrSessionRemoved, err)
	case <-time.After(5 * time.Second):
		t.FailNow()
	}
}

func TestUpdateReplicatesDelta(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryProfileStore()
	transport := newRecordingTransport()
	sessionStore := newTestSessionStore(ctx, store, transport)
	defer sessionStore.Close()

	identity := NewId()
	assert.Equal(t, nil, sessionStore.CreateSession(ctx, identity))

	path := ParsePath("Currencies.Money")
	values := make(chan Value, 8)
	disconnect, err := sessionStore.ListenToValueChanged(identity, path, func(value Value) {
		values <- value
	})
	assert.Equal(t, nil, err)
	defer disconnect()

	// immediate fire with the current value
	select {
	case value := <-values:
		assert.Equal(t, float64(10), value.Number())
	case <-time.After(5 * time.Second):
		t.FailNow()
	}

	assert.Equal(t, nil, sessionStore.Update(identity, func(tree Tree) {
		tree.SetPath(path, Number(15))
	}))

	// subscriber sees the new value
	select {
	case value := <-values:
		assert.Equal(t, float64(15), value.Number())
	case <-time.After(5 * time.Second):
		t.FailNow()
	}

	// initial snapshot frame plus one delta frame
	assert.Equal(t, 2, transport.count(identity))
	deltaFrame := transport.frame(identity, 1)
	assert.Equal(t, false, deltaFrame.snapshot)
	added, err := NewMsgpackCodec().Decode(deltaFrame.addedBytes)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, added.Equal(currenciesTree(15)))
}

func TestGetValueDoesNotAliasSessionState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryProfileStore()
	sessionStore := newTestSessionStore(ctx, store, newRecordingTransport())
	defer sessionStore.Close()

	identity := NewId()
	assert.Equal(t, nil, sessionStore.CreateSession(ctx, identity))

	value, err := sessionStore.GetValue(identity, ParsePath("Currencies"))
	assert.Equal(t, nil, err)
	assert.Equal(t, true, value.IsTree())

	// writing through the returned tree must not corrupt later reads
	value.Tree()[StringKey("Money")] = Number(9999)

	again, err := sessionStore.GetValue(identity, ParsePath("Currencies.Money"))
	assert.Equal(t, nil, err)
	assert.Equal(t, float64(10), again.Number())

	peeked, ok := sessionStore.Peek(identity)
	assert.Equal(t, true, ok)
	assert.Equal(t, float64(10), Resolve(peeked, ParsePath("Currencies.Money")).Number())
}

func TestRemoveSessionPersistsQueuedMutations(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryProfileStore()
	sessionStore := newTestSessionStore(ctx, store, newRecordingTransport())
	defer sessionStore.Close()

	identity := NewId()
	assert.Equal(t, nil, sessionStore.CreateSession(ctx, identity))

	path := ParsePath("Currencies.Money")
	assert.Equal(t, nil, sessionStore.SetValue(identity, path, Number(99)))

	sessionStore.RemoveSession(identity)
	// idempotent
	sessionStore.RemoveSession(identity)

	stored, ok := store.Stored(identity)
	assert.Equal(t, true, ok)
	assert.Equal(t, float64(99), Resolve(stored, path).Number())

	// operations against the removed session fail explicitly
	assert.Equal(t, ErrNoSession, sessionStore.Update(identity, func(tree Tree) {}))
	_, ok = sessionStore.Peek(identity)
	assert.Equal(t, false, ok)
}

func TestForceReleaseRemovesSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryProfileStore()
	sessionStore := newTestSessionStore(ctx, store, newRecordingTransport())
	defer sessionStore.Close()

	identity := NewId()
	assert.Equal(t, nil, sessionStore.CreateSession(ctx, identity))
	assert.Equal(t, 1, sessionStore.SessionCount())

	store.ForceRelease(identity)

	done := make(chan struct{})
	go func() {
		for sessionStore.SessionCount() != 0 {
			time.Sleep(10 * time.Millisecond)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.FailNow()
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	// a slow mutation in one session does not delay another session
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryProfileStore()
	sessionStore := newTestSessionStore(ctx, store, newRecordingTransport())
	defer sessionStore.Close()

	aIdentity := NewId()
	bIdentity := NewId()
	assert.Equal(t, nil, sessionStore.CreateSession(ctx, aIdentity))
	assert.Equal(t, nil, sessionStore.CreateSession(ctx, bIdentity))

	aStarted := make(chan struct{})
	aRelease := make(chan struct{})
	go sessionStore.Update(aIdentity, func(tree Tree) {
		close(aStarted)
		<-aRelease
	})
	<-aStarted
	defer close(aRelease)

	bDone := make(chan struct{})
	go func() {
		sessionStore.Update(bIdentity, func(tree Tree) {
			tree.SetPath(ParsePath("Currencies.Money"), Number(1))
		})
		close(bDone)
	}()

	select {
	case <-bDone:
	case <-time.After(5 * time.Second):
		t.FailNow()
	}
}

func TestConcurrentCreateSingleFlight(t *testing.T) {
	// concurrent creates for one identity produce one session and one load
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryProfileStore()
	sessionStore := newTestSessionStore(ctx, store, newRecordingTransport())
	defer sessionStore.Close()

	identity := NewId()
	n := 8
	errs := make(chan error, n)
	for i := 0; i < n; i += 1 {
		go func() {
			errs <- sessionStore.CreateSession(ctx, identity)
		}()
	}
	for i := 0; i < n; i += 1 {
		select {
		case err := <-errs:
			// the store rejects overlapping loads, so any error here
			// means the single flight broke
			assert.Equal(t, nil, err)
		case <-time.After(5 * time.Second):
			t.FailNow()
		}
	}
	assert.Equal(t, 1, sessionStore.SessionCount())
}
