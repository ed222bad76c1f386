package statebus

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestSubscribeMatching(t *testing.T) {
	manager := NewSubscriptionManager()
	a := NewId()
	b := NewId()

	recordId := uint64(42)
	manager.Subscribe(a, 1, "Position", nil)
	manager.Subscribe(a, 2, "Position", &recordId)
	manager.Subscribe(b, 1, WildcardType, nil)

	matched := manager.Matching("Position", 42)
	assert.Equal(t, len(matched), 3)

	// the record filter excludes other records
	matched = manager.Matching("Position", 7)
	assert.Equal(t, len(matched), 2)

	// the wildcard matches every type
	matched = manager.Matching("Label", 42)
	assert.Equal(t, len(matched), 1)
	assert.Equal(t, matched[0].ConnectionId, b)
}

func TestSubscribeUpsert(t *testing.T) {
	manager := NewSubscriptionManager()
	a := NewId()

	manager.Subscribe(a, 1, "Position", nil)
	// re-registering the same id replaces the prior entry
	manager.Subscribe(a, 1, "Label", nil)

	assert.Equal(t, manager.SubscriptionCount(), 1)
	assert.Equal(t, len(manager.Matching("Position", 42)), 0)
	assert.Equal(t, len(manager.Matching("Label", 42)), 1)

	// both registrations queued a snapshot request
	assert.Equal(t, len(manager.TakeSnapshotRequests()), 2)
}

func TestUnsubscribe(t *testing.T) {
	manager := NewSubscriptionManager()
	a := NewId()

	manager.Subscribe(a, 1, "Position", nil)
	manager.Unsubscribe(a, 1)
	assert.Equal(t, manager.SubscriptionCount(), 0)
	// the pending snapshot request is dropped with the subscription
	assert.Equal(t, len(manager.TakeSnapshotRequests()), 0)

	// absent is a no-op
	manager.Unsubscribe(a, 1)
	manager.Unsubscribe(a, 99)
	assert.Equal(t, manager.SubscriptionCount(), 0)
}

func TestOnDisconnectCleanup(t *testing.T) {
	manager := NewSubscriptionManager()
	a := NewId()
	b := NewId()

	manager.Subscribe(a, 1, "Position", nil)
	manager.Subscribe(a, 2, WildcardType, nil)
	manager.Subscribe(b, 1, "Position", nil)
	manager.AddPendingMutation(a, 42, "Position")

	removedSubscriptions, removedPendingMutations := manager.OnDisconnect(a)
	assert.Equal(t, removedSubscriptions, 2)
	assert.Equal(t, removedPendingMutations, 1)

	// only b's state survives
	assert.Equal(t, manager.SubscriptionCount(), 1)
	assert.Equal(t, manager.PendingMutationCount(), 0)
	matched := manager.Matching("Position", 42)
	assert.Equal(t, len(matched), 1)
	assert.Equal(t, matched[0].ConnectionId, b)
	requests := manager.TakeSnapshotRequests()
	assert.Equal(t, len(requests), 1)
	assert.Equal(t, requests[0].ConnectionId, b)

	// idempotent
	removedSubscriptions, removedPendingMutations = manager.OnDisconnect(a)
	assert.Equal(t, removedSubscriptions, 0)
	assert.Equal(t, removedPendingMutations, 0)
}

func TestMatchingWildcard(t *testing.T) {
	manager := NewSubscriptionManager()
	a := NewId()
	b := NewId()

	recordId := uint64(42)
	manager.Subscribe(a, 1, WildcardType, nil)
	manager.Subscribe(a, 2, WildcardType, &recordId)
	manager.Subscribe(b, 1, "Position", nil)

	matched := manager.MatchingWildcard(42)
	assert.Equal(t, len(matched), 2)

	matched = manager.MatchingWildcard(7)
	assert.Equal(t, len(matched), 1)
	assert.Equal(t, matched[0].SubscriptionId, uint64(1))
}

func TestPendingMutations(t *testing.T) {
	manager := NewSubscriptionManager()
	a := NewId()

	manager.AddPendingMutation(a, 42, "Position")
	manager.AddPendingMutation(a, 7, "Label")
	assert.Equal(t, manager.PendingMutationCount(), 2)

	manager.ResolvePendingMutation(a, 42, "Position")
	assert.Equal(t, manager.PendingMutationCount(), 1)

	// absent is a no-op
	manager.ResolvePendingMutation(a, 42, "Position")
	assert.Equal(t, manager.PendingMutationCount(), 1)

	manager.ResolvePendingMutation(a, 7, "Label")
	assert.Equal(t, manager.PendingMutationCount(), 0)
}

func TestSubscriptionUpdateChannel(t *testing.T) {
	manager := NewSubscriptionManager()
	a := NewId()

	update := manager.UpdateChannel()
	manager.Subscribe(a, 1, "Position", nil)

	select {
	case <-update:
	default:
		t.FailNow()
	}
}
