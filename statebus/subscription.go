package statebus

import (
	"bytes"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// one interest registration. (ConnectionId, SubscriptionId) is unique;
// re-registering the pair replaces the prior entry atomically
type Subscription struct {
	ConnectionId   Id
	SubscriptionId uint64
	TypeName       string
	// nil means no record filter
	RecordId *uint64
}

func (self *Subscription) matches(typeName string, recordId uint64) bool {
	if self.TypeName != WildcardType && self.TypeName != typeName {
		return false
	}
	if self.RecordId != nil && *self.RecordId != recordId {
		return false
	}
	return true
}

// queued when a client (re)subscribes, drained by the compiler before the
// change scan of the same tick
type SnapshotRequest struct {
	ConnectionId   Id
	SubscriptionId uint64
	TypeName       string
	RecordId       *uint64
}

// a mutation in flight, retained until a response is produced or the
// connection disconnects
type PendingMutation struct {
	ConnectionId Id
	RecordId     uint64
	TypeName     string
	SubmittedAt  time.Time
}

type subscriptionKey struct {
	connectionId   Id
	subscriptionId uint64
}

// Per-connection interest tracking. Indexed by type name so matching is
// O(subscriptions_for_type) plus wildcards
type SubscriptionManager struct {
	stateLock sync.Mutex

	subscriptions map[subscriptionKey]*Subscription
	// type name (or WildcardType) -> keys
	typeIndex map[string]map[subscriptionKey]bool

	pendingSnapshots []*SnapshotRequest
	pendingMutations map[Id][]*PendingMutation

	update *Monitor
}

func NewSubscriptionManager() *SubscriptionManager {
	return &SubscriptionManager{
		subscriptions:    map[subscriptionKey]*Subscription{},
		typeIndex:        map[string]map[subscriptionKey]bool{},
		pendingSnapshots: []*SnapshotRequest{},
		pendingMutations: map[Id][]*PendingMutation{},
		update:           NewMonitor(),
	}
}

// idempotent upsert. Queues an immediate snapshot request for the newly
// (re)subscribed scope
func (self *SubscriptionManager) Subscribe(connectionId Id, subscriptionId uint64, typeName string, recordId *uint64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	key := subscriptionKey{connectionId: connectionId, subscriptionId: subscriptionId}
	if previous, ok := self.subscriptions[key]; ok {
		self.unindex(key, previous.TypeName)
	}
	subscription := &Subscription{
		ConnectionId:   connectionId,
		SubscriptionId: subscriptionId,
		TypeName:       typeName,
		RecordId:       recordId,
	}
	self.subscriptions[key] = subscription
	self.index(key, typeName)
	self.pendingSnapshots = append(self.pendingSnapshots, &SnapshotRequest{
		ConnectionId:   connectionId,
		SubscriptionId: subscriptionId,
		TypeName:       typeName,
		RecordId:       recordId,
	})
	glog.V(2).Infof("[s]subscribe %s/%d type=%s\n", connectionId, subscriptionId, typeName)
	self.update.NotifyAll()
}

// no-op if absent
func (self *SubscriptionManager) Unsubscribe(connectionId Id, subscriptionId uint64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	key := subscriptionKey{connectionId: connectionId, subscriptionId: subscriptionId}
	subscription, ok := self.subscriptions[key]
	if !ok {
		return
	}
	delete(self.subscriptions, key)
	self.unindex(key, subscription.TypeName)
	self.dropSnapshotRequests(func(request *SnapshotRequest) bool {
		return request.ConnectionId == connectionId && request.SubscriptionId == subscriptionId
	})
	glog.V(2).Infof("[s]unsubscribe %s/%d\n", connectionId, subscriptionId)
	self.update.NotifyAll()
}

// removes every subscription and pending mutation owned by the connection.
// Idempotent; safe to call again for the same id
func (self *SubscriptionManager) OnDisconnect(connectionId Id) (removedSubscriptions int, removedPendingMutations int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for key, subscription := range self.subscriptions {
		if key.connectionId == connectionId {
			delete(self.subscriptions, key)
			self.unindex(key, subscription.TypeName)
			removedSubscriptions += 1
		}
	}
	self.dropSnapshotRequests(func(request *SnapshotRequest) bool {
		return request.ConnectionId == connectionId
	})
	removedPendingMutations = len(self.pendingMutations[connectionId])
	delete(self.pendingMutations, connectionId)
	if 0 < removedSubscriptions || 0 < removedPendingMutations {
		glog.V(2).Infof("[s]disconnect %s subscriptions=%d pending=%d\n", connectionId, removedSubscriptions, removedPendingMutations)
		self.update.NotifyAll()
	}
	return
}

// every subscription whose filter matches the (type, record) change.
// Wildcard subscriptions match every type
func (self *SubscriptionManager) Matching(typeName string, recordId uint64) []*Subscription {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	matched := []*Subscription{}
	for _, indexType := range []string{typeName, WildcardType} {
		for key := range self.typeIndex[indexType] {
			subscription := self.subscriptions[key]
			if subscription.matches(typeName, recordId) {
				matched = append(matched, subscription)
			}
		}
	}
	sortSubscriptions(matched)
	return matched
}

// wildcard subscriptions whose record filter matches, for record removal
// which carries no type name
func (self *SubscriptionManager) MatchingWildcard(recordId uint64) []*Subscription {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	matched := []*Subscription{}
	for key := range self.typeIndex[WildcardType] {
		subscription := self.subscriptions[key]
		if subscription.RecordId == nil || *subscription.RecordId == recordId {
			matched = append(matched, subscription)
		}
	}
	sortSubscriptions(matched)
	return matched
}

// stable scan order regardless of map iteration
func sortSubscriptions(subscriptions []*Subscription) {
	slices.SortFunc(subscriptions, func(a *Subscription, b *Subscription) int {
		if c := bytes.Compare(a.ConnectionId.Bytes(), b.ConnectionId.Bytes()); c != 0 {
			return c
		}
		if a.SubscriptionId < b.SubscriptionId {
			return -1
		} else if b.SubscriptionId < a.SubscriptionId {
			return 1
		}
		return 0
	})
}

func (self *SubscriptionManager) SubscriptionCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.subscriptions)
}

// drains the snapshot request queue
func (self *SubscriptionManager) TakeSnapshotRequests() []*SnapshotRequest {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	requests := self.pendingSnapshots
	self.pendingSnapshots = []*SnapshotRequest{}
	return requests
}

func (self *SubscriptionManager) AddPendingMutation(connectionId Id, recordId uint64, typeName string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.pendingMutations[connectionId] = append(self.pendingMutations[connectionId], &PendingMutation{
		ConnectionId: connectionId,
		RecordId:     recordId,
		TypeName:     typeName,
		SubmittedAt:  time.Now(),
	})
}

func (self *SubscriptionManager) ResolvePendingMutation(connectionId Id, recordId uint64, typeName string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	pending := self.pendingMutations[connectionId]
	i := slices.IndexFunc(pending, func(mutation *PendingMutation) bool {
		return mutation.RecordId == recordId && mutation.TypeName == typeName
	})
	if i < 0 {
		return
	}
	pending = slices.Delete(slices.Clone(pending), i, i+1)
	if len(pending) == 0 {
		delete(self.pendingMutations, connectionId)
	} else {
		self.pendingMutations[connectionId] = pending
	}
}

func (self *SubscriptionManager) PendingMutationCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	count := 0
	for _, pending := range self.pendingMutations {
		count += len(pending)
	}
	return count
}

// closed on the next subscription change
func (self *SubscriptionManager) UpdateChannel() chan struct{} {
	return self.update.NotifyChannel()
}

func (self *SubscriptionManager) index(key subscriptionKey, typeName string) {
	keys, ok := self.typeIndex[typeName]
	if !ok {
		keys = map[subscriptionKey]bool{}
		self.typeIndex[typeName] = keys
	}
	keys[key] = true
}

func (self *SubscriptionManager) unindex(key subscriptionKey, typeName string) {
	keys, ok := self.typeIndex[typeName]
	if !ok {
		return
	}
	delete(keys, key)
	if len(keys) == 0 {
		delete(self.typeIndex, typeName)
	}
}

func (self *SubscriptionManager) dropSnapshotRequests(drop func(*SnapshotRequest) bool) {
	kept := []*SnapshotRequest{}
	for _, request := range self.pendingSnapshots {
		if !drop(request) {
			kept = append(kept, request)
		}
	}
	self.pendingSnapshots = kept
}

// connections that currently hold at least one subscription
func (self *SubscriptionManager) ConnectionIds() []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	connectionIds := map[Id]bool{}
	for key := range self.subscriptions {
		connectionIds[key.connectionId] = true
	}
	return maps.Keys(connectionIds)
}
