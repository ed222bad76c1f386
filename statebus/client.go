package statebus

import (
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// The client mirror decouples receipt from interpretation. Tier 1 is a
// type-agnostic map of raw payload bytes updated unconditionally for every
// inbound item, so the ingestion path compiles independently of any record
// type. Tier 2 is a set of derived typed views that decode tier 1 entries
// for one type via the registry. Adding a record type touches only the
// registry, never the ingestion code

type ClientStore struct {
	registry *TypeRegistry

	stateLock sync.Mutex
	// tier 1: (record, type) -> raw payload bytes
	raw map[recordTypeKey][]byte
	// record -> types currently present in tier 1
	recordTypes map[uint64]map[string]bool
	// tier 2: type name -> derived view
	views map[string]*TypedView

	update *Monitor
}

func NewClientStore(registry *TypeRegistry) *ClientStore {
	return &ClientStore{
		registry:    registry,
		raw:         map[recordTypeKey][]byte{},
		recordTypes: map[uint64]map[string]bool{},
		views:       map[string]*TypedView{},
		update:      NewMonitor(),
	}
}

func (self *ClientStore) ApplyBatch(batch *SyncBatch) {
	for _, item := range batch.Items {
		self.applyItem(item)
	}
	if 0 < len(batch.Items) {
		self.update.NotifyAll()
	}
}

// a tier 2 notification collected while the store lock is held
type viewNotice struct {
	view     *TypedView
	recordId uint64
	payload  []byte
	removed  bool
}

func (self *ClientStore) applyItem(item *SyncItem) {
	self.stateLock.Lock()
	notices := []viewNotice{}

	switch item.Kind {
	case SyncItemSnapshot, SyncItemUpdate:
		key := recordTypeKey{recordId: item.RecordId, typeName: item.TypeName}
		self.raw[key] = item.Payload
		types, ok := self.recordTypes[item.RecordId]
		if !ok {
			types = map[string]bool{}
			self.recordTypes[item.RecordId] = types
		}
		types[item.TypeName] = true
		if view, ok := self.views[item.TypeName]; ok {
			notices = append(notices, viewNotice{
				view:     view,
				recordId: item.RecordId,
				payload:  item.Payload,
			})
		}
	case SyncItemTypeRemoved:
		notices = self.removeType(item.RecordId, item.TypeName, notices)
	case SyncItemRecordRemoved:
		for typeName := range self.recordTypes[item.RecordId] {
			notices = self.removeType(item.RecordId, typeName, notices)
		}
	}
	self.stateLock.Unlock()

	// view updates run outside the store lock so callbacks can read back
	// into the store
	for _, notice := range notices {
		if notice.removed {
			notice.view.remove(notice.recordId)
		} else {
			notice.view.set(notice.recordId, notice.payload)
		}
	}
}

// caller holds stateLock
func (self *ClientStore) removeType(recordId uint64, typeName string, notices []viewNotice) []viewNotice {
	delete(self.raw, recordTypeKey{recordId: recordId, typeName: typeName})
	if types, ok := self.recordTypes[recordId]; ok {
		delete(types, typeName)
		if len(types) == 0 {
			delete(self.recordTypes, recordId)
		}
	}
	if view, ok := self.views[typeName]; ok {
		notices = append(notices, viewNotice{
			view:     view,
			recordId: recordId,
			removed:  true,
		})
	}
	return notices
}

// tier 1 lookup
func (self *ClientStore) Raw(recordId uint64, typeName string) ([]byte, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	payload, ok := self.raw[recordTypeKey{recordId: recordId, typeName: typeName}]
	return payload, ok
}

func (self *ClientStore) RawCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.raw)
}

// The typed view for one type name, created on first use. Existing tier 1
// entries are decoded immediately; later items propagate as they arrive
func (self *ClientStore) View(typeName string) *TypedView {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if view, ok := self.views[typeName]; ok {
		return view
	}
	view := &TypedView{
		registry:  self.registry,
		typeName:  typeName,
		values:    map[uint64]any{},
		callbacks: NewCallbackList[ViewUpdateFunc](),
	}
	self.views[typeName] = view
	for key, payload := range self.raw {
		if key.typeName == typeName {
			view.set(key.recordId, payload)
		}
	}
	return view
}

// closed on the next applied batch
func (self *ClientStore) UpdateChannel() chan struct{} {
	return self.update.NotifyChannel()
}

// (record id, decoded value, removed)
type ViewUpdateFunc func(recordId uint64, value any, removed bool)

// a reactively recomputed record_id -> typed value mapping for one type
type TypedView struct {
	registry *TypeRegistry
	typeName string

	stateLock sync.Mutex
	values    map[uint64]any

	callbacks *CallbackList[ViewUpdateFunc]
}

func (self *TypedView) TypeName() string {
	return self.typeName
}

func (self *TypedView) Get(recordId uint64) (any, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	value, ok := self.values[recordId]
	return value, ok
}

func (self *TypedView) Values() map[uint64]any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Clone(self.values)
}

func (self *TypedView) AddCallback(callback ViewUpdateFunc) int {
	return self.callbacks.Add(callback)
}

func (self *TypedView) RemoveCallback(callbackId int) {
	self.callbacks.Remove(callbackId)
}

func (self *TypedView) set(recordId uint64, payload []byte) {
	value, err := self.registry.DecodeValue(self.typeName, payload)
	if err != nil {
		// wire payload and client expectations can transiently disagree
		// during a deploy. tier 1 keeps the raw bytes either way
		glog.Infof("[cs]decode %s/%d error = %s\n", self.typeName, recordId, err)
		return
	}

	self.stateLock.Lock()
	self.values[recordId] = value
	self.stateLock.Unlock()

	for _, callback := range self.callbacks.Get() {
		HandleError(func() {
			callback(recordId, value, false)
		})
	}
}

func (self *TypedView) remove(recordId uint64) {
	self.stateLock.Lock()
	_, ok := self.values[recordId]
	if ok {
		delete(self.values, recordId)
	}
	self.stateLock.Unlock()

	if !ok {
		return
	}
	for _, callback := range self.callbacks.Get() {
		HandleError(func() {
			callback(recordId, nil, true)
		})
	}
}

// client side of the bus protocol: subscribe/mutate/query helpers over a
// caller-provided send function, with per-request mutation tracking

const MutationPending MutationStatus = 0

type MutationState struct {
	RequestId uint64
	// MutationPending until a response arrives
	Status MutationStatus
	Reason string
}

type SendFunc func(envelopeBytes []byte)

type SyncClient struct {
	registry *TypeRegistry
	send     SendFunc
	store    *ClientStore

	stateLock          sync.Mutex
	nextSubscriptionId uint64
	nextRequestId      uint64
	nextQueryId        uint64
	mutations          map[uint64]*MutationState

	queryCallbacks *CallbackList[func(*QueryResponse)]
}

func NewSyncClient(registry *TypeRegistry, send SendFunc) *SyncClient {
	return &SyncClient{
		registry:       registry,
		send:           send,
		store:          NewClientStore(registry),
		mutations:      map[uint64]*MutationState{},
		queryCallbacks: NewCallbackList[func(*QueryResponse)](),
	}
}

func (self *SyncClient) Store() *ClientStore {
	return self.store
}

// nil recordId subscribes to every record of the type
func (self *SyncClient) Subscribe(typeName string, recordId *uint64) (uint64, error) {
	self.stateLock.Lock()
	self.nextSubscriptionId += 1
	subscriptionId := self.nextSubscriptionId
	self.stateLock.Unlock()

	envelopeBytes, err := EncodeClientMessage(&ClientMessage{
		Subscribe: &Subscribe{
			SubscriptionId: subscriptionId,
			TypeName:       typeName,
			RecordId:       recordId,
		},
	})
	if err != nil {
		return 0, err
	}
	self.send(envelopeBytes)
	return subscriptionId, nil
}

func (self *SyncClient) Unsubscribe(subscriptionId uint64) error {
	envelopeBytes, err := EncodeClientMessage(&ClientMessage{
		Unsubscribe: &Unsubscribe{
			SubscriptionId: subscriptionId,
		},
	})
	if err != nil {
		return err
	}
	self.send(envelopeBytes)
	return nil
}

// encodes the value via the registry and submits the mutation. The
// returned request id tracks the response; use DanglingRecordId to ask the
// store to create a new record
func (self *SyncClient) Mutate(recordId uint64, typeName string, value any) (uint64, error) {
	payload, err := self.registry.EncodeValue(typeName, value)
	if err != nil {
		return 0, err
	}

	self.stateLock.Lock()
	self.nextRequestId += 1
	requestId := self.nextRequestId
	self.mutations[requestId] = &MutationState{
		RequestId: requestId,
		Status:    MutationPending,
	}
	self.stateLock.Unlock()

	envelopeBytes, err := EncodeClientMessage(&ClientMessage{
		Mutate: &Mutate{
			RequestId: &requestId,
			RecordId:  recordId,
			TypeName:  typeName,
			Value:     payload,
		},
	})
	if err != nil {
		return 0, err
	}
	self.send(envelopeBytes)
	return requestId, nil
}

func (self *SyncClient) MutationState(requestId uint64) (*MutationState, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	state, ok := self.mutations[requestId]
	if !ok {
		return nil, false
	}
	copied := *state
	return &copied, true
}

func (self *SyncClient) Query(namespace string, params []byte, mode QueryMode) (uint64, error) {
	self.stateLock.Lock()
	self.nextQueryId += 1
	queryId := self.nextQueryId
	self.stateLock.Unlock()

	envelopeBytes, err := EncodeClientMessage(&ClientMessage{
		Query: &Query{
			QueryId:   queryId,
			Namespace: namespace,
			Params:    params,
			Mode:      mode,
		},
	})
	if err != nil {
		return 0, err
	}
	self.send(envelopeBytes)
	return queryId, nil
}

func (self *SyncClient) CancelQuery(queryId uint64) error {
	envelopeBytes, err := EncodeClientMessage(&ClientMessage{
		QueryCancel: &QueryCancel{
			QueryId: queryId,
		},
	})
	if err != nil {
		return err
	}
	self.send(envelopeBytes)
	return nil
}

func (self *SyncClient) AddQueryCallback(callback func(*QueryResponse)) int {
	return self.queryCallbacks.Add(callback)
}

func (self *SyncClient) RemoveQueryCallback(callbackId int) {
	self.queryCallbacks.Remove(callbackId)
}

// routes one inbound server envelope
func (self *SyncClient) HandleMessage(envelopeBytes []byte) error {
	message, err := DecodeServerMessage(envelopeBytes)
	if err != nil {
		return err
	}

	switch {
	case message.SyncBatch != nil:
		self.store.ApplyBatch(message.SyncBatch)
	case message.MutationResponse != nil:
		self.handleMutationResponse(message.MutationResponse)
	case message.QueryResponse != nil:
		for _, callback := range self.queryCallbacks.Get() {
			HandleError(func() {
				callback(message.QueryResponse)
			})
		}
	}
	return nil
}

func (self *SyncClient) handleMutationResponse(response *MutationResponse) {
	if response.RequestId == nil {
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	state, ok := self.mutations[*response.RequestId]
	if !ok {
		state = &MutationState{
			RequestId: *response.RequestId,
		}
		self.mutations[*response.RequestId] = state
	}
	state.Status = response.Status
	state.Reason = response.Reason
}
