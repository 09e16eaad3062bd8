package replica

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestMemoryProfileStoreLock(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryProfileStore()
	defer store.Close()

	identity := NewId()
	tree, err := store.Load(ctx, identity)
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(tree))

	// a second load while the first holder is active is rejected
	_, err = store.Load(ctx, identity)
	assert.NotEqual(t, nil, err)

	tree.SetPath(ParsePath("Currencies.Money"), Number(25))
	assert.Equal(t, nil, store.Release(identity, tree))

	reloaded, err := store.Load(ctx, identity)
	assert.Equal(t, nil, err)
	assert.Equal(t, float64(25), Resolve(reloaded, ParsePath("Currencies.Money")).Number())
	assert.Equal(t, nil, store.Release(identity, nil))
}

func TestMemoryProfileStoreForceRelease(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryProfileStore()
	defer store.Close()

	identity := NewId()
	_, err := store.Load(ctx, identity)
	assert.Equal(t, nil, err)

	fired := make(chan struct{})
	remove := store.AddForceReleaseCallback(identity, func() {
		close(fired)
	})
	defer remove()

	store.ForceRelease(identity)
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.FailNow()
	}

	// the lock is gone, so a new holder can load
	_, err = store.Load(ctx, identity)
	assert.Equal(t, nil, err)
}

func TestBadgerProfileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewBadgerProfileStore(NewMsgpackCodec(), InMemoryBadgerProfileStoreSettings())
	assert.Equal(t, nil, err)
	defer store.Close()

	identity := NewId()

	// fresh identity loads an empty tree
	tree, err := store.Load(ctx, identity)
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(tree))

	// overlapping load rejected while held
	_, err = store.Load(ctx, identity)
	assert.NotEqual(t, nil, err)

	tree.SetPath(ParsePath("Currencies.Money"), Number(77))
	tree.SetPath(ParsePath("Inventory.1"), String("sword"))
	assert.Equal(t, nil, store.Release(identity, tree))

	reloaded, err := store.Load(ctx, identity)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, reloaded.Equal(tree))
	assert.Equal(t, nil, store.Release(identity, nil))
}

func TestBadgerProfileStoreForceRelease(t *testing.T) {
	ctx := context.Background()
	store, err := NewBadgerProfileStore(NewMsgpackCodec(), InMemoryBadgerProfileStoreSettings())
	assert.Equal(t, nil, err)
	defer store.Close()

	identity := NewId()
	_, err = store.Load(ctx, identity)
	assert.Equal(t, nil, err)

	fired := make(chan struct{})
	remove := store.AddForceReleaseCallback(identity, func() {
		close(fired)
	})
	defer remove()

	store.ForceRelease(identity)
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.FailNow()
	}

	_, err = store.Load(ctx, identity)
	assert.Equal(t, nil, err)
}
