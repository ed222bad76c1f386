package statebus

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"

	"golang.org/x/exp/maps"
)

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

const wsTransportEventBufferSize = 1024

// Websocket server transport. Each upgraded connection gets a generated
// connection id and a read loop feeding the event stream. Messages are
// binary envelope bytes; an empty binary message is a keepalive ping.
//
// With a jwt secret set, the first binary frame must be a signed token.
// The frame is echoed back on success so the peer can confirm the
// handshake before sending bus traffic
type WsServerTransport struct {
	ctx context.Context

	jwtSecret []byte
	settings  *WsTransportSettings

	upgrader *websocket.Upgrader
	events   chan TransportEvent

	stateLock sync.Mutex
	conns     map[Id]*wsServerConn
}

type wsServerConn struct {
	ws *websocket.Conn
	// gorilla allows one concurrent writer
	writeLock sync.Mutex
}

func NewWsServerTransportWithDefaults(ctx context.Context) *WsServerTransport {
	return NewWsServerTransport(ctx, nil, DefaultWsTransportSettings())
}

// empty jwtSecret disables connect auth
func NewWsServerTransport(ctx context.Context, jwtSecret []byte, settings *WsTransportSettings) *WsServerTransport {
	return &WsServerTransport{
		ctx:       ctx,
		jwtSecret: jwtSecret,
		settings:  settings,
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: settings.WsHandshakeTimeout,
		},
		events: make(chan TransportEvent, wsTransportEventBufferSize),
		conns:  map[Id]*wsServerConn{},
	}
}

func (self *WsServerTransport) Events() <-chan TransportEvent {
	return self.events
}

func (self *WsServerTransport) Send(connectionId Id, envelopeBytes []byte) error {
	self.stateLock.Lock()
	conn, ok := self.conns[connectionId]
	self.stateLock.Unlock()

	if !ok {
		return fmt.Errorf("connection %s is gone", connectionId)
	}
	return conn.write(self.settings.WriteTimeout, envelopeBytes)
}

func (self *WsServerTransport) Broadcast(envelopeBytes []byte) {
	self.stateLock.Lock()
	conns := maps.Values(self.conns)
	self.stateLock.Unlock()

	for _, conn := range conns {
		conn.write(self.settings.WriteTimeout, envelopeBytes)
	}
}

func (self *wsServerConn) write(timeout time.Duration, message []byte) error {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	self.ws.SetWriteDeadline(time.Now().Add(timeout))
	return self.ws.WriteMessage(websocket.BinaryMessage, message)
}

func (self *WsServerTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[tw]upgrade error = %s\n", err)
		return
	}
	defer ws.Close()

	if 0 < len(self.jwtSecret) {
		if err := self.authenticate(ws); err != nil {
			glog.Infof("[tw]auth error = %s\n", err)
			return
		}
	}

	connectionId := NewId()
	conn := &wsServerConn{
		ws: ws,
	}

	self.stateLock.Lock()
	self.conns[connectionId] = conn
	self.stateLock.Unlock()

	self.events <- TransportEvent{
		Kind:         TransportConnected,
		ConnectionId: connectionId,
	}
	defer func() {
		self.stateLock.Lock()
		delete(self.conns, connectionId)
		self.stateLock.Unlock()

		self.events <- TransportEvent{
			Kind:         TransportDisconnected,
			ConnectionId: connectionId,
		}
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-r.Context().Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[tw]%s<- error = %s\n", connectionId, err)
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if 0 == len(message) {
				// ping
				glog.V(2).Infof("[tw]ping %s<-\n", connectionId)
				continue
			}
			self.events <- TransportEvent{
				Kind:         TransportInbound,
				ConnectionId: connectionId,
				Message:      message,
			}
		default:
			glog.V(2).Infof("[tw]other=%d %s<-\n", messageType, connectionId)
		}
	}
}

// first frame is the signed token, echoed back on success
func (self *WsServerTransport) authenticate(ws *websocket.Conn) error {
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	messageType, message, err := ws.ReadMessage()
	if err != nil {
		return err
	}
	if messageType != websocket.BinaryMessage {
		return fmt.Errorf("auth error")
	}

	token, err := jwt.Parse(
		string(message),
		func(token *jwt.Token) (any, error) {
			return self.jwtSecret, nil
		},
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
	)
	if err != nil {
		return err
	}
	if !token.Valid {
		return fmt.Errorf("auth error")
	}

	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	return ws.WriteMessage(websocket.BinaryMessage, message)
}

// Websocket client transport. Dials, authenticates, and pumps envelope
// bytes both ways until close, reconnecting with backoff. Inbound
// envelopes go to the receive callback; `Send` queues outbound envelopes
// and drops when the connection cannot keep up
type WsClientTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	url string
	// empty disables connect auth
	byJwt   string
	receive func(envelopeBytes []byte)

	settings *WsTransportSettings

	send chan []byte
}

const wsClientSendBufferSize = 32

func NewWsClientTransportWithDefaults(
	ctx context.Context,
	url string,
	byJwt string,
	receive func(envelopeBytes []byte),
) *WsClientTransport {
	return NewWsClientTransport(ctx, url, byJwt, receive, DefaultWsTransportSettings())
}

func NewWsClientTransport(
	ctx context.Context,
	url string,
	byJwt string,
	receive func(envelopeBytes []byte),
	settings *WsTransportSettings,
) *WsClientTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &WsClientTransport{
		ctx:      cancelCtx,
		cancel:   cancel,
		url:      url,
		byJwt:    byJwt,
		receive:  receive,
		settings: settings,
		send:     make(chan []byte, wsClientSendBufferSize),
	}
	go transport.run()
	return transport
}

// compatible with `SendFunc`
func (self *WsClientTransport) Send(envelopeBytes []byte) {
	select {
	case <-self.ctx.Done():
	case self.send <- envelopeBytes:
	default:
		glog.Infof("[tw]send overflow drop ->%s\n", self.url)
	}
}

func (self *WsClientTransport) run() {
	defer self.cancel()

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)

		connect := func() (*websocket.Conn, error) {
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

			if 0 < len(self.byJwt) {
				authBytes := []byte(self.byJwt)
				ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, authBytes); err != nil {
					return nil, err
				}
				ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
				messageType, message, err := ws.ReadMessage()
				if err != nil {
					return nil, err
				}
				// verify the auth echo
				if messageType != websocket.BinaryMessage || !bytes.Equal(authBytes, message) {
					return nil, fmt.Errorf("auth response error")
				}
			}

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[tw]connect %s error = %s\n", self.url, err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case message := <-self.send:
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
							// a websocket deadline timeout cannot be recovered
							glog.Infof("[tw]->%s error = %s\n", self.url, err)
							return
						}
						glog.V(2).Infof("[tw]->%s\n", self.url)
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
							return
						}
					}
				}
			}()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					default:
					}

					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					messageType, message, err := ws.ReadMessage()
					if err != nil {
						glog.Infof("[tw]%s<- error = %s\n", self.url, err)
						return
					}

					switch messageType {
					case websocket.BinaryMessage:
						if 0 == len(message) {
							// ping
							continue
						}
						HandleError(func() {
							self.receive(message)
						})
					default:
						glog.V(2).Infof("[tw]other=%d %s<-\n", messageType, self.url)
					}
				}
			}()

			select {
			case <-handleCtx.Done():
			}
		}
		c()
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *WsClientTransport) Close() {
	self.cancel()
}
