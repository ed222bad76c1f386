package statebus

import (
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type ChangeKind int

const (
	ChangeAdded         ChangeKind = 1
	ChangeUpdated       ChangeKind = 2
	ChangeTypeRemoved   ChangeKind = 3
	ChangeRecordRemoved ChangeKind = 4
)

// one entry in the store's change feed. TypeName is empty for
// ChangeRecordRemoved
type RecordChange struct {
	RecordId uint64
	TypeName string
	Kind     ChangeKind
}

// The authoritative store, seen by the bus as a black box that can
// enumerate changes since the last scan and accept mutations. The store's
// own locking discipline is external to the bus
type RecordStore interface {
	// drains the change feed since the previous call, advancing the scan
	// watermark. Must not be called concurrently with itself
	EnumerateChanges() []RecordChange
	// current value for one (record, type)
	GetRecord(recordId uint64, typeName string) (any, bool)
	// record_id -> current value for every live record carrying the type
	SnapshotType(typeName string) map[uint64]any
	// type names currently live in the store
	TypeNames() []string
	// types carried by one record
	RecordTypes(recordId uint64) []string
	// write path for the mutation pipeline. The record must already exist
	ApplyMutation(recordId uint64, typeName string, value any) error
	// spawn path for mutations with the dangling record id
	CreateRecord(typeName string, value any) (uint64, error)
}

// In-memory record store with a coalescing change journal. Writes append to
// the journal; EnumerateChanges drains it. At most one Added/Updated entry
// per (record, type) is pending at a time, so a record changed many times
// between scans compiles to one item
type MemoryRecordStore struct {
	stateLock sync.Mutex

	// record_id -> type_name -> value
	records      map[uint64]map[string]any
	journal      []RecordChange
	// (record, type) with a pending Added or Updated entry
	pendingWrite map[recordTypeKey]bool
	nextRecordId uint64
}

type recordTypeKey struct {
	recordId uint64
	typeName string
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		records:      map[uint64]map[string]any{},
		journal:      []RecordChange{},
		pendingWrite: map[recordTypeKey]bool{},
		nextRecordId: 1,
	}
}

// server-side write. Adds the type to the record, creating the record entry
// if absent
func (self *MemoryRecordStore) Set(recordId uint64, typeName string, value any) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.set(recordId, typeName, value)
}

func (self *MemoryRecordStore) set(recordId uint64, typeName string, value any) {
	types, ok := self.records[recordId]
	if !ok {
		types = map[string]any{}
		self.records[recordId] = types
	}
	_, existed := types[typeName]
	types[typeName] = value

	key := recordTypeKey{recordId: recordId, typeName: typeName}
	if self.pendingWrite[key] {
		// coalesce. the pending entry will compile the newest value
		return
	}
	self.pendingWrite[key] = true
	kind := ChangeAdded
	if existed {
		kind = ChangeUpdated
	}
	self.journal = append(self.journal, RecordChange{
		RecordId: recordId,
		TypeName: typeName,
		Kind:     kind,
	})
}

// removes one type from a record. The record itself stays live if it
// carries other types
func (self *MemoryRecordStore) RemoveType(recordId uint64, typeName string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	types, ok := self.records[recordId]
	if !ok {
		return
	}
	if _, ok := types[typeName]; !ok {
		return
	}
	delete(types, typeName)
	delete(self.pendingWrite, recordTypeKey{recordId: recordId, typeName: typeName})
	self.journal = append(self.journal, RecordChange{
		RecordId: recordId,
		TypeName: typeName,
		Kind:     ChangeTypeRemoved,
	})
	if len(types) == 0 {
		delete(self.records, recordId)
		self.journal = append(self.journal, RecordChange{
			RecordId: recordId,
			Kind:     ChangeRecordRemoved,
		})
	}
}

func (self *MemoryRecordStore) RemoveRecord(recordId uint64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	types, ok := self.records[recordId]
	if !ok {
		return
	}
	typeNames := maps.Keys(types)
	slices.Sort(typeNames)
	for _, typeName := range typeNames {
		delete(self.pendingWrite, recordTypeKey{recordId: recordId, typeName: typeName})
		self.journal = append(self.journal, RecordChange{
			RecordId: recordId,
			TypeName: typeName,
			Kind:     ChangeTypeRemoved,
		})
	}
	delete(self.records, recordId)
	self.journal = append(self.journal, RecordChange{
		RecordId: recordId,
		Kind:     ChangeRecordRemoved,
	})
}

// RecordStore

func (self *MemoryRecordStore) EnumerateChanges() []RecordChange {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	changes := self.journal
	self.journal = []RecordChange{}
	maps.Clear(self.pendingWrite)
	return changes
}

func (self *MemoryRecordStore) GetRecord(recordId uint64, typeName string) (any, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	types, ok := self.records[recordId]
	if !ok {
		return nil, false
	}
	value, ok := types[typeName]
	return value, ok
}

func (self *MemoryRecordStore) SnapshotType(typeName string) map[uint64]any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	snapshot := map[uint64]any{}
	for recordId, types := range self.records {
		if value, ok := types[typeName]; ok {
			snapshot[recordId] = value
		}
	}
	return snapshot
}

func (self *MemoryRecordStore) TypeNames() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	typeNames := map[string]bool{}
	for _, types := range self.records {
		for typeName := range types {
			typeNames[typeName] = true
		}
	}
	ordered := maps.Keys(typeNames)
	slices.Sort(ordered)
	return ordered
}

func (self *MemoryRecordStore) RecordTypes(recordId uint64) []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	types, ok := self.records[recordId]
	if !ok {
		return nil
	}
	typeNames := maps.Keys(types)
	slices.Sort(typeNames)
	return typeNames
}

func (self *MemoryRecordStore) ApplyMutation(recordId uint64, typeName string, value any) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.records[recordId]; !ok {
		return fmt.Errorf("record %d does not exist", recordId)
	}
	self.set(recordId, typeName, value)
	return nil
}

func (self *MemoryRecordStore) CreateRecord(typeName string, value any) (uint64, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	recordId := self.nextRecordId
	self.nextRecordId += 1
	self.set(recordId, typeName, value)
	return recordId, nil
}
