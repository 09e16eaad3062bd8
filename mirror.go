package replica

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/golang/glog"
)

var ErrMirrorClosed = errors.New("mirror closed")

// client side reconstruction of one session's tree, built solely from
// received frames. The mirror never trusts any other source: `OnReceive`
// decodes, merges a delta (or replaces on a snapshot), and fires the
// local notifier.
type MirrorStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	codec TreeCodec

	mutex    sync.Mutex
	tree     Tree
	snapshot Tree

	notifier  *ChangeNotifier
	populated *Event

	removeReceive func()
}

func NewMirrorStore(ctx context.Context, codec TreeCodec, receiveTransport ReceiveTransport) *MirrorStore {
	cancelCtx, cancel := context.WithCancel(ctx)
	mirror := &MirrorStore{
		ctx:       cancelCtx,
		cancel:    cancel,
		codec:     codec,
		tree:      Tree{},
		snapshot:  Tree{},
		notifier:  NewChangeNotifier(),
		populated: NewEvent(),
	}
	mirror.removeReceive = receiveTransport.AddReceiveCallback(mirror.OnReceive)
	return mirror
}

// ReceiveFunction
func (self *MirrorStore) OnReceive(addedBytes []byte, removedBytes []byte, snapshot bool) {
	added, err := self.codec.Decode(addedBytes)
	if err != nil {
		glog.Infof("[m]decode error = %s\n", err)
		return
	}
	removed, err := self.codec.Decode(removedBytes)
	if err != nil {
		glog.Infof("[m]decode error = %s\n", err)
		return
	}

	self.mutex.Lock()
	if snapshot {
		// the added half is the full authoritative tree. A merge would keep
		// keys the server removed while the link was down, so replace the
		// tree and notify with the exact delta between the two states.
		full := added
		added, removed = Diff(self.tree, full)
		self.tree = full
	} else {
		Merge(self.tree, added, removed)
	}
	current := self.tree.Clone()
	self.snapshot = current
	self.mutex.Unlock()

	self.populated.Resolve(nil)
	self.notifier.Notify(added, removed, current)
	glog.V(2).Infof("[m]<-\n")
}

// suspends until the initial full-state delta has been received,
// then returns a snapshot of the mirror
func (self *MirrorStore) Get(ctx context.Context) (Tree, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, ErrMirrorClosed
	case <-self.populated.Done():
		if err := self.populated.Err(); err != nil {
			return nil, err
		}
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.snapshot.Clone(), nil
}

// non-suspending snapshot. ok is false until the first delta arrives.
func (self *MirrorStore) Peek() (Tree, bool) {
	select {
	case <-self.populated.Done():
	default:
		return nil, false
	}
	if self.populated.Err() != nil {
		return nil, false
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.snapshot.Clone(), true
}

func (self *MirrorStore) GetValue(path Path) Value {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	// cloned so callers cannot write through a tree result into the snapshot
	return Resolve(self.snapshot, path).Clone()
}

// behaves identically to the server side subscription api, against the
// local mirror. Fires immediately when the current value is non-Absent.
func (self *MirrorStore) ListenToValueChanged(path Path, callback ValueFunction) func() {
	disconnect := self.notifier.Subscribe(slices.Clone(path), callback)
	if value := self.GetValue(path); !value.IsAbsent() {
		dispatchValue(callback, value)
	}
	return disconnect
}

func (self *MirrorStore) SubscriberCount() int {
	return self.notifier.Count()
}

func (self *MirrorStore) Close() {
	self.removeReceive()
	self.notifier.Clear()
	self.populated.Resolve(ErrMirrorClosed)
	self.cancel()
}
