package statebus

import (
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
)

type TransportEventKind int

const (
	TransportConnected    TransportEventKind = 1
	TransportDisconnected TransportEventKind = 2
	TransportInbound      TransportEventKind = 3
)

type TransportEvent struct {
	Kind         TransportEventKind
	ConnectionId Id
	// envelope bytes for TransportInbound
	Message []byte
}

// The network side of the bus. Owns connection ids; the engine references
// them but never creates them
type Transport interface {
	// connects, disconnects, and inbound envelopes in arrival order.
	// consumed by the serving session at the tick boundary
	Events() <-chan TransportEvent
	// hands envelope bytes to one peer. An error is an expected race with
	// disconnect, reconciled by the next cleanup pass
	Send(connectionId Id, envelopeBytes []byte) error
	Broadcast(envelopeBytes []byte)
}

const localTransportEventBufferSize = 1024
const localConnReceiveBufferSize = 256

// In-process transport for tests and embedded use. Each Connect creates a
// peer endpoint wired straight into the event stream
type LocalTransport struct {
	stateLock sync.Mutex

	events chan TransportEvent
	conns  map[Id]*LocalConn
}

func NewLocalTransport() *LocalTransport {
	return &LocalTransport{
		events: make(chan TransportEvent, localTransportEventBufferSize),
		conns:  map[Id]*LocalConn{},
	}
}

func (self *LocalTransport) Events() <-chan TransportEvent {
	return self.events
}

func (self *LocalTransport) Send(connectionId Id, envelopeBytes []byte) error {
	self.stateLock.Lock()
	conn, ok := self.conns[connectionId]
	self.stateLock.Unlock()

	if !ok {
		return fmt.Errorf("connection %s is gone", connectionId)
	}
	select {
	case conn.receive <- envelopeBytes:
		return nil
	default:
		return fmt.Errorf("connection %s receive buffer full", connectionId)
	}
}

func (self *LocalTransport) Broadcast(envelopeBytes []byte) {
	self.stateLock.Lock()
	conns := maps.Values(self.conns)
	self.stateLock.Unlock()

	for _, conn := range conns {
		select {
		case conn.receive <- envelopeBytes:
		default:
		}
	}
}

// connects a new peer
func (self *LocalTransport) Connect() *LocalConn {
	conn := &LocalConn{
		transport:    self,
		connectionId: NewId(),
		receive:      make(chan []byte, localConnReceiveBufferSize),
	}

	self.stateLock.Lock()
	self.conns[conn.connectionId] = conn
	self.stateLock.Unlock()

	self.events <- TransportEvent{
		Kind:         TransportConnected,
		ConnectionId: conn.connectionId,
	}
	return conn
}

// the peer end of one local connection
type LocalConn struct {
	transport    *LocalTransport
	connectionId Id

	receive chan []byte

	closeOnce sync.Once
}

func (self *LocalConn) ConnectionId() Id {
	return self.connectionId
}

// envelope bytes from the peer to the bus
func (self *LocalConn) Send(envelopeBytes []byte) {
	self.transport.events <- TransportEvent{
		Kind:         TransportInbound,
		ConnectionId: self.connectionId,
		Message:      envelopeBytes,
	}
}

// envelope bytes from the bus to the peer
func (self *LocalConn) Receive() <-chan []byte {
	return self.receive
}

func (self *LocalConn) Close() {
	self.closeOnce.Do(func() {
		self.transport.stateLock.Lock()
		delete(self.transport.conns, self.connectionId)
		self.transport.stateLock.Unlock()

		self.transport.events <- TransportEvent{
			Kind:         TransportDisconnected,
			ConnectionId: self.connectionId,
		}
	})
}
