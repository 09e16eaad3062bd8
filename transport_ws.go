package replica

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/golang/glog"
)

// websocket transport between the session store and its remote mirrors.
// one connection per identity. The client opens the connection, sends an
// auth message, and the server echoes it back to acknowledge; after that
// the link carries only server to client delta frames and empty ping
// messages. Per-identity ordering is the connection's ordering.

type wireAuth struct {
	ByJwt      string `msgpack:"by_jwt"`
	InstanceId []byte `msgpack:"instance_id"`
	AppVersion string `msgpack:"app_version"`
}

type wireFrame struct {
	AddedBytes   []byte `msgpack:"added"`
	RemovedBytes []byte `msgpack:"removed"`
	Snapshot     bool   `msgpack:"snapshot"`
}

type ByJwt struct {
	ClientId Id
}

// the identity claim is read without signature verification at this layer.
// verification belongs to the platform terminating tls in front, which
// strips or rejects unauthenticated tokens.
func ParseByJwtUnverified(jwtStr string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwtStr, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	clientIdStr, ok := claims["client_id"].(string)
	if !ok {
		return nil, fmt.Errorf("missing client_id claim")
	}
	clientId, err := ParseId(clientIdStr)
	if err != nil {
		return nil, err
	}

	return &ByJwt{
		ClientId: clientId,
	}, nil
}

// mints an hs256 token carrying the identity. Demo and test tooling.
func MintClientJwt(clientId Id, secret string) (string, error) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"client_id": clientId.String(),
	})
	return token.SignedString([]byte(secret))
}

type ClientAuth struct {
	ByJwt      string
	InstanceId Id
	AppVersion string
}

func (self *ClientAuth) ClientId() (Id, error) {
	byJwt, err := ParseByJwtUnverified(self.ByJwt)
	if err != nil {
		return Id{}, err
	}
	return byJwt.ClientId, nil
}

type WsListenerSettings struct {
	ListenAddress  string
	AuthTimeout    time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	SendBufferSize int
	SendTimeout    time.Duration
}

func DefaultWsListenerSettings(listenAddress string) *WsListenerSettings {
	return &WsListenerSettings{
		ListenAddress:  listenAddress,
		AuthTimeout:    2 * time.Second,
		WriteTimeout:   5 * time.Second,
		ReadTimeout:    15 * time.Second,
		SendBufferSize: 32,
		SendTimeout:    5 * time.Second,
	}
}

type wsConn struct {
	identity Id
	send     chan *wireFrame
	closed   chan struct{}
}

// server side listener. Registers itself as the session store's transport:
// a delta committed for an identity is framed and written to that
// identity's connection. A connection closing removes the session.
type WsListener struct {
	ctx    context.Context
	cancel context.CancelFunc

	sessionStore *SessionStore

	settings *WsListenerSettings

	upgrader websocket.Upgrader

	mutex sync.Mutex
	conns map[Id]*wsConn
}

func NewWsListenerWithDefaults(ctx context.Context, sessionStore *SessionStore, listenAddress string) *WsListener {
	return NewWsListener(ctx, sessionStore, DefaultWsListenerSettings(listenAddress))
}

func NewWsListener(ctx context.Context, sessionStore *SessionStore, settings *WsListenerSettings) *WsListener {
	cancelCtx, cancel := context.WithCancel(ctx)
	listener := &WsListener{
		ctx:          cancelCtx,
		cancel:       cancel,
		sessionStore: sessionStore,
		settings:     settings,
		conns:        map[Id]*wsConn{},
	}
	sessionStore.SetTransport(listener)
	return listener
}

func (self *WsListener) ListenAndServe() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", self.handle)
	server := &http.Server{
		Addr:    self.settings.ListenAddress,
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return self.ctx
		},
	}
	go func() {
		<-self.ctx.Done()
		server.Close()
	}()
	return server.ListenAndServe()
}

// Transport
func (self *WsListener) Send(identity Id, addedBytes []byte, removedBytes []byte, snapshot bool) bool {
	self.mutex.Lock()
	conn, ok := self.conns[identity]
	self.mutex.Unlock()

	if !ok {
		glog.V(2).Infof("[l]drop %s-> no conn\n", identity)
		return false
	}

	frame := &wireFrame{
		AddedBytes:   addedBytes,
		RemovedBytes: removedBytes,
		Snapshot:     snapshot,
	}
	select {
	case <-self.ctx.Done():
		return false
	case <-conn.closed:
		return false
	case conn.send <- frame:
		return true
	case <-time.After(self.settings.SendTimeout):
		glog.Infof("[l]drop %s-> backpressure\n", identity)
		return false
	}
}

func (self *WsListener) Close() {
	self.cancel()
}

func (self *WsListener) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	// auth handshake: read the auth message, resolve the identity, echo
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	messageType, authBytes, err := ws.ReadMessage()
	if err != nil || messageType != websocket.BinaryMessage {
		return
	}
	var auth wireAuth
	if err := msgpack.Unmarshal(authBytes, &auth); err != nil {
		glog.Infof("[l]auth decode error = %s\n", err)
		return
	}
	byJwt, err := ParseByJwtUnverified(auth.ByJwt)
	if err != nil {
		glog.Infof("[l]auth error = %s\n", err)
		return
	}
	identity := byJwt.ClientId

	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, authBytes); err != nil {
		return
	}

	conn := &wsConn{
		identity: identity,
		send:     make(chan *wireFrame, self.settings.SendBufferSize),
		closed:   make(chan struct{}),
	}

	self.mutex.Lock()
	if previous, ok := self.conns[identity]; ok {
		close(previous.closed)
	}
	self.conns[identity] = conn
	self.mutex.Unlock()

	defer func() {
		self.mutex.Lock()
		registered := self.conns[identity] == conn
		if registered {
			delete(self.conns, identity)
		}
		self.mutex.Unlock()
		select {
		case <-conn.closed:
		default:
			close(conn.closed)
		}
		// when a newer connection superseded this one, the session belongs
		// to the new connection and must stay active
		if registered {
			self.sessionStore.RemoveSession(identity)
		}
	}()

	alreadyActive := false
	if _, ok := self.sessionStore.Peek(identity); ok {
		alreadyActive = true
	}
	if err := self.sessionStore.CreateSession(self.ctx, identity); err != nil {
		// load failure is fatal for this connection
		glog.Infof("[l]create session error %s = %s\n", identity, err)
		return
	}
	if alreadyActive {
		// reconnect. Converge the mirror with a full snapshot.
		self.sessionStore.ReplicateSnapshot(identity)
	}

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	// write
	go func() {
		defer handleCancel()
		for {
			select {
			case <-handleCtx.Done():
				return
			case <-conn.closed:
				return
			case frame := <-conn.send:
				frameBytes, err := msgpack.Marshal(frame)
				if err != nil {
					glog.Infof("[l]encode error %s = %s\n", identity, err)
					continue
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, frameBytes); err != nil {
					// a websocket deadline timeout cannot be recovered
					glog.Infof("[l]%s-> error = %s\n", identity, err)
					return
				}
				glog.V(2).Infof("[l]%s->\n", identity)
			}
		}
	}()

	// read. The client only sends pings after auth.
	for {
		select {
		case <-handleCtx.Done():
			return
		case <-conn.closed:
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[l]%s<- error = %s\n", identity, err)
			return
		}
		switch messageType {
		case websocket.BinaryMessage:
			if 0 == len(message) {
				// ping
				glog.V(2).Infof("[l]ping %s<-\n", identity)
				continue
			}
			glog.V(2).Infof("[l]unexpected %s<-\n", identity)
		}
	}
}

type WsTransportSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultWsTransportSettings() *WsTransportSettings {
	return &WsTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

// client side of the websocket link. Dials, authenticates, then feeds
// received delta frames to the mirror's receive callbacks in order.
// reconnects until closed.
// conforms to `ReceiveTransport`
type WsTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	url  string
	auth *ClientAuth

	settings *WsTransportSettings

	receiveCallbacks *callbackList[ReceiveFunction]
}

func NewWsTransportWithDefaults(ctx context.Context, url string, auth *ClientAuth) *WsTransport {
	return NewWsTransport(ctx, url, auth, DefaultWsTransportSettings())
}

func NewWsTransport(ctx context.Context, url string, auth *ClientAuth, settings *WsTransportSettings) *WsTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &WsTransport{
		ctx:              cancelCtx,
		cancel:           cancel,
		url:              url,
		auth:             auth,
		settings:         settings,
		receiveCallbacks: newCallbackList[ReceiveFunction](),
	}
	go transport.run()
	return transport
}

// ReceiveTransport
func (self *WsTransport) AddReceiveCallback(callback ReceiveFunction) func() {
	callbackId := self.receiveCallbacks.add(callback)
	return func() {
		self.receiveCallbacks.remove(callbackId)
	}
}

func (self *WsTransport) Close() {
	self.cancel()
}

func (self *WsTransport) run() {
	defer self.cancel()

	clientId, _ := self.auth.ClientId()

	authBytes, err := msgpack.Marshal(&wireAuth{
		ByJwt:      self.auth.ByJwt,
		InstanceId: self.auth.InstanceId.Bytes(),
		AppVersion: self.auth.AppVersion,
	})
	if err != nil {
		return
	}

	for {
		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteMessage(websocket.BinaryMessage, authBytes); err != nil {
				return nil, err
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			if messageType, message, err := ws.ReadMessage(); err != nil {
				return nil, err
			} else {
				// verify the auth echo
				switch messageType {
				case websocket.BinaryMessage:
					if !bytes.Equal(authBytes, message) {
						return nil, fmt.Errorf("auth response error: bad bytes")
					}
				default:
					return nil, fmt.Errorf("auth response error")
				}
			}

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[t]auth error %s = %s\n", clientId, err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			// ping
			go func() {
				defer handleCancel()
				for {
					select {
					case <-handleCtx.Done():
						return
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
							// a websocket deadline timeout cannot be recovered
							return
						}
					}
				}
			}()

			// read. Dispatch inline to preserve delta order.
			for {
				select {
				case <-handleCtx.Done():
					return
				default:
				}

				ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
				messageType, message, err := ws.ReadMessage()
				if err != nil {
					glog.Infof("[t]%s<- error = %s\n", clientId, err)
					return
				}

				switch messageType {
				case websocket.BinaryMessage:
					if 0 == len(message) {
						// ping
						glog.V(2).Infof("[t]ping %s<-\n", clientId)
						continue
					}
					var frame wireFrame
					if err := msgpack.Unmarshal(message, &frame); err != nil {
						glog.Infof("[t]decode error %s = %s\n", clientId, err)
						continue
					}
					for _, callback := range self.receiveCallbacks.get() {
						func() {
							defer func() {
								if r := recover(); r != nil {
									glog.Errorf("[t]receive panic = %v\n", r)
								}
							}()
							callback(frame.AddedBytes, frame.RemovedBytes, frame.Snapshot)
						}()
					}
					glog.V(2).Infof("[t]%s<-\n", clientId)
				default:
					glog.V(2).Infof("[t]other=%d %s<-\n", messageType, clientId)
				}
			}
		}()

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}
