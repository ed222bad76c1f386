package statebus

import (
	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type CompileStats struct {
	Changes        int
	SnapshotItems  int
	UpdateItems    int
	RemovedItems   int
	DroppedItems   int
	ThrottledItems int
	// encode calls actually performed. At most one per changed
	// (record, type) per tick regardless of subscriber count
	EncodeCalls int
}

func (self *CompileStats) ItemCount() int {
	return self.SnapshotItems + self.UpdateItems + self.RemovedItems
}

// Compiles the store's change feed into per-connection batches, once per
// tick. Owned by the serving session and never run concurrently with
// itself
type SyncCompiler struct {
	registry      *TypeRegistry
	subscriptions *SubscriptionManager
	store         RecordStore
}

func NewSyncCompiler(registry *TypeRegistry, subscriptions *SubscriptionManager, store RecordStore) *SyncCompiler {
	return &SyncCompiler{
		registry:      registry,
		subscriptions: subscriptions,
		store:         store,
	}
}

type snapshotScope struct {
	key      subscriptionKey
	recordId uint64
	typeName string
}

// One scan. Drains pending snapshot requests first, so a subscriber always
// observes a Snapshot before any Update for the same record, then walks
// the change feed. Returns one batch per connection with at least one item
func (self *SyncCompiler) Compile() (map[Id]*SyncBatch, *CompileStats) {
	stats := &CompileStats{}
	batches := map[Id]*SyncBatch{}

	emit := func(connectionId Id, item *SyncItem) {
		batch, ok := batches[connectionId]
		if !ok {
			batch = &SyncBatch{}
			batches[connectionId] = batch
		}
		batch.Items = append(batch.Items, item)
	}

	// encoded bytes are produced at most once per (record, type) and
	// reused for every interested connection
	encoded := map[recordTypeKey][]byte{}
	encodeFailed := map[recordTypeKey]bool{}
	encodeOnce := func(recordId uint64, typeName string, value any) ([]byte, bool) {
		key := recordTypeKey{recordId: recordId, typeName: typeName}
		if payload, ok := encoded[key]; ok {
			return payload, true
		}
		if encodeFailed[key] {
			return nil, false
		}
		payload, err := self.registry.EncodeValue(typeName, value)
		stats.EncodeCalls += 1
		if err != nil {
			// drop this single item. other items in the batch proceed
			glog.Infof("[c]encode %s/%d error = %s\n", typeName, recordId, err)
			encodeFailed[key] = true
			stats.DroppedItems += 1
			return nil, false
		}
		encoded[key] = payload
		return payload, true
	}

	// (subscription, record, type) scopes snapshotted this tick. Updates
	// to these scopes are suppressed since the snapshot already carries
	// the current value
	snapshotted := map[snapshotScope]bool{}

	// Update items per (connection, type) for per-type throttling
	updateCounts := map[Id]map[string]int{}
	throttled := func(connectionId Id, registration *TypeRegistration) bool {
		if registration.MaxUpdatesPerTick <= 0 {
			return false
		}
		counts, ok := updateCounts[connectionId]
		if !ok {
			counts = map[string]int{}
			updateCounts[connectionId] = counts
		}
		if registration.MaxUpdatesPerTick <= counts[registration.TypeName] {
			return true
		}
		counts[registration.TypeName] += 1
		return false
	}

	// the change feed is drained before any snapshot read. A write landing
	// after the drain is visible in the snapshot and stays queued for the
	// next scan, so suppressing an already-snapshotted scope below never
	// hides a newer value
	changes := self.store.EnumerateChanges()

	for _, request := range self.subscriptions.TakeSnapshotRequests() {
		self.compileSnapshot(request, emit, encodeOnce, snapshotted, stats)
	}

	for _, change := range changes {
		stats.Changes += 1
		switch change.Kind {
		case ChangeAdded, ChangeUpdated:
			value, ok := self.store.GetRecord(change.RecordId, change.TypeName)
			if !ok {
				// removed again since the write. the feed carries the
				// removal entry
				continue
			}
			registration, ok := self.registry.Get(change.TypeName)
			if !ok {
				glog.V(2).Infof("[c]skip unregistered type %s\n", change.TypeName)
				continue
			}
			subscriptions := self.subscriptions.Matching(change.TypeName, change.RecordId)
			if len(subscriptions) == 0 {
				continue
			}
			payload, ok := encodeOnce(change.RecordId, change.TypeName, value)
			if !ok {
				continue
			}
			kind := SyncItemUpdate
			if change.Kind == ChangeAdded {
				kind = SyncItemSnapshot
			}
			for _, subscription := range subscriptions {
				scope := snapshotScope{
					key:      subscriptionKey{connectionId: subscription.ConnectionId, subscriptionId: subscription.SubscriptionId},
					recordId: change.RecordId,
					typeName: change.TypeName,
				}
				if snapshotted[scope] {
					continue
				}
				if kind == SyncItemUpdate && throttled(subscription.ConnectionId, registration) {
					stats.ThrottledItems += 1
					continue
				}
				emit(subscription.ConnectionId, &SyncItem{
					Kind:           kind,
					SubscriptionId: subscription.SubscriptionId,
					RecordId:       change.RecordId,
					TypeName:       change.TypeName,
					Payload:        payload,
				})
				if kind == SyncItemSnapshot {
					snapshotted[scope] = true
					stats.SnapshotItems += 1
				} else {
					stats.UpdateItems += 1
				}
			}
		case ChangeTypeRemoved:
			for _, subscription := range self.subscriptions.Matching(change.TypeName, change.RecordId) {
				emit(subscription.ConnectionId, &SyncItem{
					Kind:           SyncItemTypeRemoved,
					SubscriptionId: subscription.SubscriptionId,
					RecordId:       change.RecordId,
					TypeName:       change.TypeName,
				})
				stats.RemovedItems += 1
			}
		case ChangeRecordRemoved:
			// type-scoped subscribers see TypeRemoved entries for each of
			// the record's former types. record removal itself only
			// concerns wildcard subscribers
			for _, subscription := range self.subscriptions.MatchingWildcard(change.RecordId) {
				emit(subscription.ConnectionId, &SyncItem{
					Kind:           SyncItemRecordRemoved,
					SubscriptionId: subscription.SubscriptionId,
					RecordId:       change.RecordId,
				})
				stats.RemovedItems += 1
			}
		}
	}

	if glog.V(2) && 0 < stats.ItemCount() {
		glog.V(2).Infof("[c]compile changes=%d items=%d encodes=%d dropped=%d\n", stats.Changes, stats.ItemCount(), stats.EncodeCalls, stats.DroppedItems)
	}
	return batches, stats
}

// synthesizes Snapshot items for every currently live record in the
// request's scope
func (self *SyncCompiler) compileSnapshot(
	request *SnapshotRequest,
	emit func(Id, *SyncItem),
	encodeOnce func(uint64, string, any) ([]byte, bool),
	snapshotted map[snapshotScope]bool,
	stats *CompileStats,
) {
	var typeNames []string
	if request.TypeName == WildcardType {
		typeNames = self.store.TypeNames()
	} else {
		typeNames = []string{request.TypeName}
	}

	key := subscriptionKey{connectionId: request.ConnectionId, subscriptionId: request.SubscriptionId}
	live := false
	for _, typeName := range typeNames {
		if _, ok := self.registry.Get(typeName); !ok {
			// subscribing to an unknown type is accepted and simply
			// never matches anything
			glog.V(2).Infof("[c]snapshot skip unregistered type %s\n", typeName)
			continue
		}
		snapshot := self.store.SnapshotType(typeName)
		recordIds := maps.Keys(snapshot)
		slices.Sort(recordIds)
		for _, recordId := range recordIds {
			if request.RecordId != nil && *request.RecordId != recordId {
				continue
			}
			payload, ok := encodeOnce(recordId, typeName, snapshot[recordId])
			if !ok {
				continue
			}
			emit(request.ConnectionId, &SyncItem{
				Kind:           SyncItemSnapshot,
				SubscriptionId: request.SubscriptionId,
				RecordId:       recordId,
				TypeName:       typeName,
				Payload:        payload,
			})
			snapshotted[snapshotScope{key: key, recordId: recordId, typeName: typeName}] = true
			stats.SnapshotItems += 1
			live = true
		}
	}

	// a record-filtered subscriber is told when the record does not exist
	// in its scope, so it can settle instead of waiting for a snapshot
	if !live && request.RecordId != nil {
		if request.TypeName == WildcardType {
			emit(request.ConnectionId, &SyncItem{
				Kind:           SyncItemRecordRemoved,
				SubscriptionId: request.SubscriptionId,
				RecordId:       *request.RecordId,
			})
		} else {
			emit(request.ConnectionId, &SyncItem{
				Kind:           SyncItemTypeRemoved,
				SubscriptionId: request.SubscriptionId,
				RecordId:       *request.RecordId,
				TypeName:       request.TypeName,
			})
		}
		stats.RemovedItems += 1
	}
}
