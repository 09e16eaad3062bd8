package replica

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

// receives one encoded delta. Deltas for one session arrive in send order.
// snapshot marks a frame whose added half carries the full authoritative
// tree rather than a sparse delta.
type ReceiveFunction func(addedBytes []byte, removedBytes []byte, snapshot bool)

// point-to-point outbound channel from the server to one identity.
// returns false when the delta could not be handed to the identity's link,
// e.g. the identity has no attached connection.
type Transport interface {
	Send(identity Id, addedBytes []byte, removedBytes []byte, snapshot bool) bool
}

// inbound side registered once per mirror
type ReceiveTransport interface {
	AddReceiveCallback(callback ReceiveFunction) func()
}

type transportFrame struct {
	addedBytes   []byte
	removedBytes []byte
	snapshot     bool
}

type channelLink struct {
	frames chan *transportFrame
	closed chan struct{}
}

// in-process transport: one ordered link per identity over a channel.
// used by tests and same-process embedders.
type ChannelTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	bufferSize int

	mutex sync.Mutex
	links map[Id]*channelLink
}

func NewChannelTransport(ctx context.Context) *ChannelTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ChannelTransport{
		ctx:        cancelCtx,
		cancel:     cancel,
		bufferSize: 32,
		links:      map[Id]*channelLink{},
	}
}

// Transport
func (self *ChannelTransport) Send(identity Id, addedBytes []byte, removedBytes []byte, snapshot bool) bool {
	self.mutex.Lock()
	link, ok := self.links[identity]
	self.mutex.Unlock()

	if !ok {
		glog.V(2).Infof("[ct]drop %s-> no link\n", identity)
		return false
	}

	frame := &transportFrame{
		addedBytes:   addedBytes,
		removedBytes: removedBytes,
		snapshot:     snapshot,
	}
	select {
	case <-self.ctx.Done():
		return false
	case <-link.closed:
		return false
	case link.frames <- frame:
		return true
	}
}

// opens the receive side of an identity's link.
// a second open for the same identity replaces the first; the replaced
// link is closed so its reader exits and blocked senders unblock.
func (self *ChannelTransport) Open(identity Id) *ChannelReceiveTransport {
	link := &channelLink{
		frames: make(chan *transportFrame, self.bufferSize),
		closed: make(chan struct{}),
	}

	self.mutex.Lock()
	if previous, ok := self.links[identity]; ok {
		closeLink(previous)
	}
	self.links[identity] = link
	self.mutex.Unlock()

	receive := &ChannelReceiveTransport{
		ctx:              self.ctx,
		link:             link,
		receiveCallbacks: newCallbackList[ReceiveFunction](),
		done:             make(chan struct{}),
		closeFn: func() {
			self.mutex.Lock()
			defer self.mutex.Unlock()
			if self.links[identity] == link {
				delete(self.links, identity)
			}
			closeLink(link)
		},
	}
	go receive.run()
	return receive
}

func (self *ChannelTransport) Close() {
	self.cancel()
}

// must be called with the transport mutex held so the close happens once
func closeLink(link *channelLink) {
	select {
	case <-link.closed:
	default:
		close(link.closed)
	}
}

// conforms to `ReceiveTransport`
type ChannelReceiveTransport struct {
	ctx              context.Context
	link             *channelLink
	receiveCallbacks *callbackList[ReceiveFunction]
	done             chan struct{}
	closeFn          func()
}

func (self *ChannelReceiveTransport) AddReceiveCallback(callback ReceiveFunction) func() {
	callbackId := self.receiveCallbacks.add(callback)
	return func() {
		self.receiveCallbacks.remove(callbackId)
	}
}

func (self *ChannelReceiveTransport) Close() {
	self.closeFn()
}

func (self *ChannelReceiveTransport) run() {
	defer close(self.done)
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.link.closed:
			return
		case frame := <-self.link.frames:
			// dispatch inline to preserve per-session delta order
			for _, callback := range self.receiveCallbacks.get() {
				func() {
					defer func() {
						if r := recover(); r != nil {
							glog.Errorf("[ct]receive panic = %v\n", r)
						}
					}()
					callback(frame.addedBytes, frame.removedBytes, frame.snapshot)
				}()
			}
		}
	}
}
