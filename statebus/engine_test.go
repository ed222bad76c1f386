package statebus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testEngineSettings() *EngineSettings {
	settings := DefaultEngineSettings()
	settings.TickInterval = 5 * time.Millisecond
	return settings
}

func waitFor(t *testing.T, condition func() bool) {
	timeout := time.Now().Add(5 * time.Second)
	for !condition() {
		if timeout.Before(time.Now()) {
			t.FailNow()
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// pumps inbound envelopes from a local connection into a sync client
func pumpClient(ctx context.Context, conn *LocalConn, client *SyncClient) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case envelopeBytes := <-conn.Receive():
				client.HandleMessage(envelopeBytes)
			}
		}
	}()
}

func TestEngineEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := NewTypeRegistry()
	RequireRegisterJson[testPosition](registry, "Position")
	store := NewMemoryRecordStore()
	transport := NewLocalTransport()

	engine, err := NewEngine(ctx, registry, store, transport, testEngineSettings())
	assert.Equal(t, err, nil)
	defer engine.Close()

	conn := transport.Connect()
	defer conn.Close()
	client := NewSyncClient(registry, conn.Send)
	pumpClient(ctx, conn, client)

	_, err = client.Subscribe(WildcardType, nil)
	assert.Equal(t, err, nil)
	waitFor(t, func() bool {
		return engine.Subscriptions().SubscriptionCount() == 1
	})

	// a server-side write reaches the subscriber
	store.Set(42, "Position", testPosition{X: 1, Y: 2})
	view := client.Store().View("Position")
	waitFor(t, func() bool {
		value, ok := view.Get(42)
		return ok && value == testPosition{X: 1, Y: 2}
	})

	// a client mutation round-trips through the store and broadcasts back
	requestId, err := client.Mutate(42, "Position", testPosition{X: 3, Y: 2})
	assert.Equal(t, err, nil)
	waitFor(t, func() bool {
		state, ok := client.MutationState(requestId)
		return ok && state.Status == MutationApplied
	})
	waitFor(t, func() bool {
		value, _ := view.Get(42)
		return value == testPosition{X: 3, Y: 2}
	})

	// a server-side removal propagates
	store.RemoveRecord(42)
	waitFor(t, func() bool {
		_, ok := view.Get(42)
		return !ok
	})
}

func TestEngineSpawnMutation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := NewTypeRegistry()
	RequireRegisterJson[testPosition](registry, "Position")
	store := NewMemoryRecordStore()
	transport := NewLocalTransport()

	engine, err := NewEngine(ctx, registry, store, transport, testEngineSettings())
	assert.Equal(t, err, nil)
	defer engine.Close()

	conn := transport.Connect()
	defer conn.Close()
	client := NewSyncClient(registry, conn.Send)
	pumpClient(ctx, conn, client)

	client.Subscribe("Position", nil)

	requestId, err := client.Mutate(DanglingRecordId, "Position", testPosition{X: 1})
	assert.Equal(t, err, nil)

	var state *MutationState
	waitFor(t, func() bool {
		s, ok := client.MutationState(requestId)
		if ok && s.Status != MutationPending {
			state = s
			return true
		}
		return false
	})
	assert.Equal(t, state.Status, MutationApplied)

	view := client.Store().View("Position")
	waitFor(t, func() bool {
		_, ok := view.Get(1)
		return ok
	})
}

func TestEngineRejectionIsolation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := NewTypeRegistry()
	RequireRegisterJson[testPosition](registry, "Position")
	store := NewMemoryRecordStore()
	store.Set(7, "Position", testPosition{X: 1})
	transport := NewLocalTransport()

	settings := testEngineSettings()
	settings.Authorize = ServerOnly()
	engine, err := NewEngine(ctx, registry, store, transport, settings)
	assert.Equal(t, err, nil)
	defer engine.Close()

	connA := transport.Connect()
	defer connA.Close()
	clientA := NewSyncClient(registry, connA.Send)
	pumpClient(ctx, connA, clientA)

	connB := transport.Connect()
	defer connB.Close()
	clientB := NewSyncClient(registry, connB.Send)
	pumpClient(ctx, connB, clientB)

	clientB.Subscribe("Position", nil)
	viewB := clientB.Store().View("Position")
	waitFor(t, func() bool {
		_, ok := viewB.Get(7)
		return ok
	})

	// the rejection reaches the caller only
	requestId, err := clientA.Mutate(7, "Position", testPosition{X: 9})
	assert.Equal(t, err, nil)
	waitFor(t, func() bool {
		state, ok := clientA.MutationState(requestId)
		return ok && state.Status == MutationRejected
	})

	// b still sees the original value
	value, _ := viewB.Get(7)
	assert.Equal(t, value, testPosition{X: 1})
}

func TestEngineDisconnectCleanup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := NewTypeRegistry()
	RequireRegisterJson[testPosition](registry, "Position")
	store := NewMemoryRecordStore()
	transport := NewLocalTransport()

	engine, err := NewEngine(ctx, registry, store, transport, testEngineSettings())
	assert.Equal(t, err, nil)
	defer engine.Close()

	conn := transport.Connect()
	client := NewSyncClient(registry, conn.Send)
	pumpClient(ctx, conn, client)

	client.Subscribe("Position", nil)
	client.Query("records", nil, QueryModeSubscribe)
	waitFor(t, func() bool {
		return engine.Subscriptions().SubscriptionCount() == 1 && engine.Queries().ActiveCount() == 1
	})

	conn.Close()
	waitFor(t, func() bool {
		return engine.Subscriptions().SubscriptionCount() == 0 && engine.Queries().ActiveCount() == 0
	})
}

func TestEngineLiveQuery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := NewTypeRegistry()
	RequireRegisterJson[testPosition](registry, "Position")
	store := NewMemoryRecordStore()
	transport := NewLocalTransport()

	engine, err := NewEngine(ctx, registry, store, transport, testEngineSettings())
	assert.Equal(t, err, nil)
	defer engine.Close()

	conn := transport.Connect()
	defer conn.Close()
	client := NewSyncClient(registry, conn.Send)
	pumpClient(ctx, conn, client)

	responses := make(chan *QueryResponse, 16)
	client.AddQueryCallback(func(response *QueryResponse) {
		responses <- response
	})

	_, err = client.Query("records", nil, QueryModeSubscribe)
	assert.Equal(t, err, nil)

	// the initial response is empty
	var first *QueryResponse
	select {
	case first = <-responses:
	case <-time.After(5 * time.Second):
		t.FailNow()
	}
	assert.Equal(t, first.Status, QueryOk)
	var rows []recordsQueryRow
	assert.Equal(t, json.Unmarshal(first.Rows, &rows), nil)
	assert.Equal(t, len(rows), 0)

	// a change re-runs the live query
	store.Set(42, "Position", testPosition{X: 1})
	waitFor(t, func() bool {
		select {
		case response := <-responses:
			if response.Status != QueryOk {
				return false
			}
			rows = nil
			if err := json.Unmarshal(response.Rows, &rows); err != nil {
				return false
			}
			return len(rows) == 1 && rows[0].RecordId == 42
		default:
			return false
		}
	})
}

func TestEngineRequiresRegisteredSyncTypes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := NewTypeRegistry()
	RequireRegisterJson[testPosition](registry, "Position")

	settings := testEngineSettings()
	settings.SyncTypes = []string{"Position", "Velocity"}

	_, err := NewEngine(ctx, registry, NewMemoryRecordStore(), NewLocalTransport(), settings)
	assert.NotEqual(t, err, nil)
}
