package statebus

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/go-playground/assert/v2"

	"github.com/gorilla/websocket"
)

func wsTestSettings() *WsTransportSettings {
	settings := DefaultWsTransportSettings()
	settings.ReconnectTimeout = 50 * time.Millisecond
	settings.PingTimeout = 50 * time.Millisecond
	return settings
}

func wsTestUrl(httpUrl string) string {
	return "ws" + strings.TrimPrefix(httpUrl, "http")
}

func signTestToken(t *testing.T, secret []byte) string {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "tester",
	}).SignedString(secret)
	assert.Equal(t, err, nil)
	return token
}

func waitTransportEvent(t *testing.T, events <-chan TransportEvent, kind TransportEventKind) TransportEvent {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case event := <-events:
			if event.Kind == kind {
				return event
			}
		case <-timeout:
			t.FailNow()
			return TransportEvent{}
		}
	}
}

// full path: client transport dials, authenticates with the token frame,
// verifies the echo, then envelopes flow both ways
func TestWsTransportRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	secret := []byte("test-secret")
	server := NewWsServerTransport(ctx, secret, wsTestSettings())
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	received := make(chan []byte, 16)
	client := NewWsClientTransport(
		ctx,
		wsTestUrl(httpServer.URL),
		signTestToken(t, secret),
		func(envelopeBytes []byte) {
			received <- envelopeBytes
		},
		wsTestSettings(),
	)
	defer client.Close()

	connected := waitTransportEvent(t, server.Events(), TransportConnected)

	// client -> server
	outBytes, err := EncodeClientMessage(&ClientMessage{
		Subscribe: &Subscribe{SubscriptionId: 1, TypeName: "Position"},
	})
	assert.Equal(t, err, nil)
	client.Send(outBytes)

	inbound := waitTransportEvent(t, server.Events(), TransportInbound)
	assert.Equal(t, inbound.ConnectionId, connected.ConnectionId)
	message, err := DecodeClientMessage(inbound.Message)
	assert.Equal(t, err, nil)
	assert.Equal(t, message.Subscribe.SubscriptionId, uint64(1))
	assert.Equal(t, message.Subscribe.TypeName, "Position")

	// server -> client
	serverBytes, err := EncodeServerMessage(&ServerMessage{
		QueryResponse: &QueryResponse{QueryId: 7, Status: QueryDone},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, server.Send(connected.ConnectionId, serverBytes), nil)

	select {
	case envelopeBytes := <-received:
		response, err := DecodeServerMessage(envelopeBytes)
		assert.Equal(t, err, nil)
		assert.Equal(t, response.QueryResponse.QueryId, uint64(7))
	case <-time.After(5 * time.Second):
		t.FailNow()
	}
}

// a token signed with the wrong secret gets no echo and no connection
func TestWsTransportAuthReject(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := NewWsServerTransport(ctx, []byte("right-secret"), wsTestSettings())
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	ws, _, err := websocket.DefaultDialer.Dial(wsTestUrl(httpServer.URL), nil)
	assert.Equal(t, err, nil)
	defer ws.Close()

	badToken := signTestToken(t, []byte("wrong-secret"))
	assert.Equal(t, ws.WriteMessage(websocket.BinaryMessage, []byte(badToken)), nil)

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = ws.ReadMessage()
	assert.NotEqual(t, err, nil)

	select {
	case <-server.Events():
		t.FailNow()
	default:
	}
}

// without a jwt secret the first frame is bus traffic, and an empty binary
// message is a keepalive rather than an inbound envelope
func TestWsTransportNoAuthAndPing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := NewWsServerTransportWithDefaults(ctx)
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	ws, _, err := websocket.DefaultDialer.Dial(wsTestUrl(httpServer.URL), nil)
	assert.Equal(t, err, nil)
	defer ws.Close()

	connected := waitTransportEvent(t, server.Events(), TransportConnected)

	// ping first. the envelope after it must be the first inbound event
	assert.Equal(t, ws.WriteMessage(websocket.BinaryMessage, []byte{}), nil)

	envelopeBytes, err := EncodeClientMessage(&ClientMessage{
		Unsubscribe: &Unsubscribe{SubscriptionId: 1},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, ws.WriteMessage(websocket.BinaryMessage, envelopeBytes), nil)

	inbound := waitTransportEvent(t, server.Events(), TransportInbound)
	assert.Equal(t, inbound.ConnectionId, connected.ConnectionId)
	message, err := DecodeClientMessage(inbound.Message)
	assert.Equal(t, err, nil)
	assert.Equal(t, message.Unsubscribe.SubscriptionId, uint64(1))

	// closing the peer surfaces a disconnect
	ws.Close()
	disconnected := waitTransportEvent(t, server.Events(), TransportDisconnected)
	assert.Equal(t, disconnected.ConnectionId, connected.ConnectionId)
}
