package statebus

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

type EngineSettings struct {
	TickInterval time.Duration
	// per connection outbound queue capacity
	OutboundBufferSize int
	// fraction of the outbound queue at which a diagnostic is reported
	OutboundHighWatermark float32
	// type names that must have a registered codec before serving.
	// a missing codec fails NewEngine
	SyncTypes []string
	// nil allows every mutation
	Authorize AuthorizeFunc
}

func DefaultEngineSettings() *EngineSettings {
	return &EngineSettings{
		TickInterval:          50 * time.Millisecond,
		OutboundBufferSize:    32,
		OutboundHighWatermark: 0.8,
	}
}

// The serving session. A single goroutine drives the tick loop: drain the
// inbound event stream (subscriptions, mutations, queries, disconnects),
// then run the compiler scan, then re-run live queries. Outbound batches
// go to per-connection bounded queues so the tick never blocks on
// transport I/O.
//
// Registries are owned context objects with the session's lifecycle, not
// ambient singletons
type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc

	registry  *TypeRegistry
	store     RecordStore
	transport Transport

	subscriptions *SubscriptionManager
	compiler      *SyncCompiler
	mutations     *MutationPipeline
	queries       *QueryDispatcher
	monitor       *BusMonitor

	settings *EngineSettings

	stateLock sync.Mutex
	outbound  map[Id]*outboundQueue
}

type outboundQueue struct {
	connectionId Id
	queue        chan []byte
	cancel       context.CancelFunc
}

func NewEngineWithDefaults(ctx context.Context, registry *TypeRegistry, store RecordStore, transport Transport) (*Engine, error) {
	return NewEngine(ctx, registry, store, transport, DefaultEngineSettings())
}

func NewEngine(ctx context.Context, registry *TypeRegistry, store RecordStore, transport Transport, settings *EngineSettings) (*Engine, error) {
	// registry misconfiguration is the one unrecoverable condition.
	// detect it before serving any connection
	if err := registry.RequireTypes(settings.SyncTypes...); err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	subscriptions := NewSubscriptionManager()
	engine := &Engine{
		ctx:           cancelCtx,
		cancel:        cancel,
		registry:      registry,
		store:         store,
		transport:     transport,
		subscriptions: subscriptions,
		compiler:      NewSyncCompiler(registry, subscriptions, store),
		mutations:     NewMutationPipeline(registry, subscriptions, store, settings.Authorize),
		queries:       NewQueryDispatcher(),
		monitor:       NewBusMonitor(),
		settings:      settings,
	}
	engine.queries.RegisterExecutor(RecordsQueryNamespace, NewRecordsQueryExecutor(store))
	go engine.run()
	return engine, nil
}

func (self *Engine) Registry() *TypeRegistry {
	return self.registry
}

func (self *Engine) Subscriptions() *SubscriptionManager {
	return self.subscriptions
}

func (self *Engine) Queries() *QueryDispatcher {
	return self.queries
}

func (self *Engine) Monitor() *BusMonitor {
	return self.monitor
}

func (self *Engine) run() {
	defer self.cancel()

	self.monitor.Start()
	defer self.monitor.Stop()

	ticker := time.NewTicker(self.settings.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
			self.tick()
		}
	}
}

func (self *Engine) tick() {
	start := time.Now()

	// apply queued requests, then compile changes. disconnects observed
	// here run their cleanup before the scan below
	self.drainEvents()

	batches, stats := self.compiler.Compile()
	for connectionId, batch := range batches {
		self.sendServerMessage(connectionId, &ServerMessage{
			SyncBatch: batch,
		})
	}

	if 0 < stats.Changes {
		for _, queryResponse := range self.queries.RunActive() {
			self.sendServerMessage(queryResponse.ConnectionId, &ServerMessage{
				QueryResponse: queryResponse.Response,
			})
		}
	}

	self.monitor.TickServed(time.Since(start), stats)
}

func (self *Engine) drainEvents() {
	for {
		select {
		case event := <-self.transport.Events():
			self.handleEvent(event)
		default:
			return
		}
	}
}

func (self *Engine) handleEvent(event TransportEvent) {
	switch event.Kind {
	case TransportConnected:
		self.addConnection(event.ConnectionId)
	case TransportDisconnected:
		self.removeConnection(event.ConnectionId)
	case TransportInbound:
		self.handleInbound(event.ConnectionId, event.Message)
	}
}

func (self *Engine) addConnection(connectionId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.outbound[connectionId]; ok {
		return
	}
	if self.outbound == nil {
		self.outbound = map[Id]*outboundQueue{}
	}
	queueCtx, queueCancel := context.WithCancel(self.ctx)
	queue := &outboundQueue{
		connectionId: connectionId,
		queue:        make(chan []byte, self.settings.OutboundBufferSize),
		cancel:       queueCancel,
	}
	self.outbound[connectionId] = queue
	go self.writeLoop(queueCtx, queue)
	glog.V(2).Infof("[t]connect %s\n", connectionId)
}

func (self *Engine) removeConnection(connectionId Id) {
	self.stateLock.Lock()
	queue, ok := self.outbound[connectionId]
	if ok {
		delete(self.outbound, connectionId)
	}
	self.stateLock.Unlock()

	if ok {
		queue.cancel()
	}

	removedSubscriptions, removedPendingMutations := self.subscriptions.OnDisconnect(connectionId)
	removedQueries := self.queries.OnDisconnect(connectionId)
	glog.V(2).Infof("[t]disconnect %s subscriptions=%d pending=%d queries=%d\n", connectionId, removedSubscriptions, removedPendingMutations, removedQueries)
}

func (self *Engine) handleInbound(connectionId Id, envelopeBytes []byte) {
	message, err := DecodeClientMessage(envelopeBytes)
	if err != nil {
		// drop the single message. the connection stays open
		glog.Infof("[t]decode %s error = %s\n", connectionId, err)
		return
	}

	switch {
	case message.Subscribe != nil:
		m := message.Subscribe
		self.subscriptions.Subscribe(connectionId, m.SubscriptionId, m.TypeName, m.RecordId)
	case message.Unsubscribe != nil:
		m := message.Unsubscribe
		self.subscriptions.Unsubscribe(connectionId, m.SubscriptionId)
	case message.Mutate != nil:
		response := self.mutations.Apply(connectionId, message.Mutate)
		self.sendServerMessage(connectionId, &ServerMessage{
			MutationResponse: response,
		})
	case message.Query != nil:
		response := self.queries.Submit(connectionId, message.Query)
		self.sendServerMessage(connectionId, &ServerMessage{
			QueryResponse: response,
		})
	case message.QueryCancel != nil:
		if response := self.queries.Cancel(connectionId, message.QueryCancel.QueryId); response != nil {
			self.sendServerMessage(connectionId, &ServerMessage{
				QueryResponse: response,
			})
		}
	}
}

func (self *Engine) sendServerMessage(connectionId Id, message *ServerMessage) {
	envelopeBytes, err := EncodeServerMessage(message)
	if err != nil {
		glog.Errorf("[t]encode server message error = %s\n", err)
		return
	}

	self.stateLock.Lock()
	queue, ok := self.outbound[connectionId]
	self.stateLock.Unlock()

	if !ok {
		// the connection raced a disconnect. reconciled by cleanup
		glog.V(2).Infof("[t]drop %s-> no queue\n", connectionId)
		return
	}

	watermark := int(self.settings.OutboundHighWatermark * float32(cap(queue.queue)))
	if 0 < watermark && watermark <= len(queue.queue) {
		glog.Infof("[t]queue high watermark %s %d/%d\n", connectionId, len(queue.queue), cap(queue.queue))
		self.monitor.QueuePressure()
	}

	select {
	case queue.queue <- envelopeBytes:
	default:
		// the producer drops rather than block the tick
		glog.Infof("[t]queue overflow drop %s->\n", connectionId)
		self.monitor.Overflow()
	}
}

func (self *Engine) writeLoop(ctx context.Context, queue *outboundQueue) {
	for {
		select {
		case <-ctx.Done():
			return
		case envelopeBytes := <-queue.queue:
			if err := self.transport.Send(queue.connectionId, envelopeBytes); err != nil {
				// expected race with peer disconnect
				glog.V(2).Infof("[t]%s-> error = %s\n", queue.connectionId, err)
			}
		}
	}
}

func (self *Engine) Close() {
	self.cancel()
}
