package statebus

import (
	"fmt"

	"github.com/golang/glog"

	"google.golang.org/protobuf/encoding/protowire"
)

// The wire format is two independent layers. The outer envelope carries a
// type name, an advisory schema hash, and opaque payload bytes. The inner
// client/server messages are encoded with protobuf wire data written by
// hand, so record payloads produced by the type registry are embedded
// without re-framing.
//
// envelope fields:
//   1 type_name   string
//   2 schema_hash fixed64
//   3 data        bytes

const EnvelopeTypeClientMessage = "statebus.ClientMessage"
const EnvelopeTypeServerMessage = "statebus.ServerMessage"

var clientMessageSchemaHash = SchemaHash(EnvelopeTypeClientMessage, "v1")
var serverMessageSchemaHash = SchemaHash(EnvelopeTypeServerMessage, "v1")

type Envelope struct {
	TypeName   string
	SchemaHash uint64
	Data       []byte
}

func EncodeEnvelope(envelope *Envelope) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, envelope.TypeName)
	b = protowire.AppendTag(b, 2, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, envelope.SchemaHash)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, envelope.Data)
	return b
}

func DecodeEnvelope(b []byte) (*Envelope, error) {
	envelope := &Envelope{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			envelope.TypeName = v
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			envelope.SchemaHash = v
			b = b[n:]
		case 3:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			envelope.Data = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if envelope.TypeName == "" {
		return nil, fmt.Errorf("envelope missing type name")
	}
	return envelope, nil
}

// client -> server

type Subscribe struct {
	SubscriptionId uint64
	TypeName       string
	// nil means no record filter
	RecordId *uint64
}

type Unsubscribe struct {
	SubscriptionId uint64
}

type Mutate struct {
	// optional client-chosen correlation id, echoed in the response
	RequestId *uint64
	RecordId  uint64
	TypeName  string
	Value     []byte
}

type QueryMode int

const (
	QueryModeOnce      QueryMode = 1
	QueryModeSubscribe QueryMode = 2
)

type Query struct {
	QueryId   uint64
	Namespace string
	Params    []byte
	Mode      QueryMode
}

type QueryCancel struct {
	QueryId uint64
}

// exactly one field is set
type ClientMessage struct {
	Subscribe   *Subscribe
	Unsubscribe *Unsubscribe
	Mutate      *Mutate
	Query       *Query
	QueryCancel *QueryCancel
}

// server -> client

type SyncItemKind int

const (
	SyncItemSnapshot      SyncItemKind = 1
	SyncItemUpdate        SyncItemKind = 2
	SyncItemTypeRemoved   SyncItemKind = 3
	SyncItemRecordRemoved SyncItemKind = 4
)

func (self SyncItemKind) String() string {
	switch self {
	case SyncItemSnapshot:
		return "snapshot"
	case SyncItemUpdate:
		return "update"
	case SyncItemTypeRemoved:
		return "type_removed"
	case SyncItemRecordRemoved:
		return "record_removed"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

// Payload is pre-encoded by the type registry and never re-encoded
// downstream. It is empty for the removed kinds
type SyncItem struct {
	Kind           SyncItemKind
	SubscriptionId uint64
	RecordId       uint64
	TypeName       string
	Payload        []byte
}

// ordered items for exactly one connection in exactly one tick
type SyncBatch struct {
	Items []*SyncItem
}

type MutationStatus int

const (
	MutationApplied  MutationStatus = 1
	MutationRejected MutationStatus = 2
)

type MutationResponse struct {
	RequestId *uint64
	RecordId  uint64
	TypeName  string
	Status    MutationStatus
	// set when Status is MutationRejected
	Reason string
}

type QueryStatus int

const (
	QueryOk    QueryStatus = 1
	QueryError QueryStatus = 2
	QueryDone  QueryStatus = 3
)

type QueryResponse struct {
	QueryId uint64
	Status  QueryStatus
	Rows    []byte
	Reason  string
}

// exactly one field is set
type ServerMessage struct {
	SyncBatch        *SyncBatch
	MutationResponse *MutationResponse
	QueryResponse    *QueryResponse
}

// marshaling

func appendMessage(b []byte, num protowire.Number, message []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendBytes(b, message)
	return b
}

func MarshalClientMessage(message *ClientMessage) ([]byte, error) {
	var b []byte
	count := 0
	if m := message.Subscribe; m != nil {
		count += 1
		b = appendMessage(b, 1, marshalSubscribe(m))
	}
	if m := message.Unsubscribe; m != nil {
		count += 1
		b = appendMessage(b, 2, marshalUnsubscribe(m))
	}
	if m := message.Mutate; m != nil {
		count += 1
		b = appendMessage(b, 3, marshalMutate(m))
	}
	if m := message.Query; m != nil {
		count += 1
		b = appendMessage(b, 4, marshalQuery(m))
	}
	if m := message.QueryCancel; m != nil {
		count += 1
		b = appendMessage(b, 5, marshalQueryCancel(m))
	}
	if count != 1 {
		return nil, fmt.Errorf("client message must set exactly one variant (%d set)", count)
	}
	return b, nil
}

func UnmarshalClientMessage(b []byte) (*ClientMessage, error) {
	message := &ClientMessage{}
	count := 0
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		sub, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		var err error
		switch num {
		case 1:
			message.Subscribe, err = unmarshalSubscribe(sub)
			count += 1
		case 2:
			message.Unsubscribe, err = unmarshalUnsubscribe(sub)
			count += 1
		case 3:
			message.Mutate, err = unmarshalMutate(sub)
			count += 1
		case 4:
			message.Query, err = unmarshalQuery(sub)
			count += 1
		case 5:
			message.QueryCancel, err = unmarshalQueryCancel(sub)
			count += 1
		}
		if err != nil {
			return nil, err
		}
	}
	if count != 1 {
		return nil, fmt.Errorf("client message must set exactly one variant (%d set)", count)
	}
	return message, nil
}

func MarshalServerMessage(message *ServerMessage) ([]byte, error) {
	var b []byte
	count := 0
	if m := message.SyncBatch; m != nil {
		count += 1
		b = appendMessage(b, 1, marshalSyncBatch(m))
	}
	if m := message.MutationResponse; m != nil {
		count += 1
		b = appendMessage(b, 2, marshalMutationResponse(m))
	}
	if m := message.QueryResponse; m != nil {
		count += 1
		b = appendMessage(b, 3, marshalQueryResponse(m))
	}
	if count != 1 {
		return nil, fmt.Errorf("server message must set exactly one variant (%d set)", count)
	}
	return b, nil
}

func UnmarshalServerMessage(b []byte) (*ServerMessage, error) {
	message := &ServerMessage{}
	count := 0
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		sub, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		var err error
		switch num {
		case 1:
			message.SyncBatch, err = unmarshalSyncBatch(sub)
			count += 1
		case 2:
			message.MutationResponse, err = unmarshalMutationResponse(sub)
			count += 1
		case 3:
			message.QueryResponse, err = unmarshalQueryResponse(sub)
			count += 1
		}
		if err != nil {
			return nil, err
		}
	}
	if count != 1 {
		return nil, fmt.Errorf("server message must set exactly one variant (%d set)", count)
	}
	return message, nil
}

// full encode to envelope bytes

func EncodeClientMessage(message *ClientMessage) ([]byte, error) {
	data, err := MarshalClientMessage(message)
	if err != nil {
		return nil, err
	}
	return EncodeEnvelope(&Envelope{
		TypeName:   EnvelopeTypeClientMessage,
		SchemaHash: clientMessageSchemaHash,
		Data:       data,
	}), nil
}

func DecodeClientMessage(envelopeBytes []byte) (*ClientMessage, error) {
	envelope, err := DecodeEnvelope(envelopeBytes)
	if err != nil {
		return nil, err
	}
	if envelope.TypeName != EnvelopeTypeClientMessage {
		return nil, fmt.Errorf("unexpected envelope type: %s", envelope.TypeName)
	}
	if envelope.SchemaHash != clientMessageSchemaHash {
		// advisory only. decode proceeds
		glog.V(2).Infof("[w]client schema hash mismatch %x != %x\n", envelope.SchemaHash, clientMessageSchemaHash)
	}
	return UnmarshalClientMessage(envelope.Data)
}

func EncodeServerMessage(message *ServerMessage) ([]byte, error) {
	data, err := MarshalServerMessage(message)
	if err != nil {
		return nil, err
	}
	return EncodeEnvelope(&Envelope{
		TypeName:   EnvelopeTypeServerMessage,
		SchemaHash: serverMessageSchemaHash,
		Data:       data,
	}), nil
}

func DecodeServerMessage(envelopeBytes []byte) (*ServerMessage, error) {
	envelope, err := DecodeEnvelope(envelopeBytes)
	if err != nil {
		return nil, err
	}
	if envelope.TypeName != EnvelopeTypeServerMessage {
		return nil, fmt.Errorf("unexpected envelope type: %s", envelope.TypeName)
	}
	if envelope.SchemaHash != serverMessageSchemaHash {
		// advisory only. decode proceeds
		glog.V(2).Infof("[w]server schema hash mismatch %x != %x\n", envelope.SchemaHash, serverMessageSchemaHash)
	}
	return UnmarshalServerMessage(envelope.Data)
}

// per message field codecs

func marshalSubscribe(m *Subscribe) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, m.SubscriptionId)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, m.TypeName)
	if m.RecordId != nil {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, *m.RecordId)
	}
	return b
}

func unmarshalSubscribe(b []byte) (*Subscribe, error) {
	m := &Subscribe{}
	err := consumeFields(b, func(num protowire.Number, v uint64, data []byte) {
		switch num {
		case 1:
			m.SubscriptionId = v
		case 2:
			m.TypeName = string(data)
		case 3:
			recordId := v
			m.RecordId = &recordId
		}
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func marshalUnsubscribe(m *Unsubscribe) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, m.SubscriptionId)
	return b
}

func unmarshalUnsubscribe(b []byte) (*Unsubscribe, error) {
	m := &Unsubscribe{}
	err := consumeFields(b, func(num protowire.Number, v uint64, data []byte) {
		if num == 1 {
			m.SubscriptionId = v
		}
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func marshalMutate(m *Mutate) []byte {
	var b []byte
	if m.RequestId != nil {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, *m.RequestId)
	}
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, m.RecordId)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, m.TypeName)
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Value)
	return b
}

func unmarshalMutate(b []byte) (*Mutate, error) {
	m := &Mutate{}
	err := consumeFields(b, func(num protowire.Number, v uint64, data []byte) {
		switch num {
		case 1:
			requestId := v
			m.RequestId = &requestId
		case 2:
			m.RecordId = v
		case 3:
			m.TypeName = string(data)
		case 4:
			m.Value = data
		}
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func marshalQuery(m *Query) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, m.QueryId)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, m.Namespace)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Params)
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Mode))
	return b
}

func unmarshalQuery(b []byte) (*Query, error) {
	m := &Query{}
	err := consumeFields(b, func(num protowire.Number, v uint64, data []byte) {
		switch num {
		case 1:
			m.QueryId = v
		case 2:
			m.Namespace = string(data)
		case 3:
			m.Params = data
		case 4:
			m.Mode = QueryMode(v)
		}
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func marshalQueryCancel(m *QueryCancel) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, m.QueryId)
	return b
}

func unmarshalQueryCancel(b []byte) (*QueryCancel, error) {
	m := &QueryCancel{}
	err := consumeFields(b, func(num protowire.Number, v uint64, data []byte) {
		if num == 1 {
			m.QueryId = v
		}
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func marshalSyncItem(m *SyncItem) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Kind))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, m.SubscriptionId)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, m.RecordId)
	if m.TypeName != "" {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, m.TypeName)
	}
	if len(m.Payload) > 0 {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Payload)
	}
	return b
}

func unmarshalSyncItem(b []byte) (*SyncItem, error) {
	m := &SyncItem{}
	err := consumeFields(b, func(num protowire.Number, v uint64, data []byte) {
		switch num {
		case 1:
			m.Kind = SyncItemKind(v)
		case 2:
			m.SubscriptionId = v
		case 3:
			m.RecordId = v
		case 4:
			m.TypeName = string(data)
		case 5:
			m.Payload = data
		}
	})
	if err != nil {
		return nil, err
	}
	switch m.Kind {
	case SyncItemSnapshot, SyncItemUpdate, SyncItemTypeRemoved, SyncItemRecordRemoved:
	default:
		return nil, fmt.Errorf("unknown sync item kind: %d", int(m.Kind))
	}
	return m, nil
}

func marshalSyncBatch(m *SyncBatch) []byte {
	var b []byte
	for _, item := range m.Items {
		b = appendMessage(b, 1, marshalSyncItem(item))
	}
	return b
}

func unmarshalSyncBatch(b []byte) (*SyncBatch, error) {
	m := &SyncBatch{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		if num == 1 && typ == protowire.BytesType {
			sub, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			item, err := unmarshalSyncItem(sub)
			if err != nil {
				return nil, err
			}
			m.Items = append(m.Items, item)
		} else {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return m, nil
}

func marshalMutationResponse(m *MutationResponse) []byte {
	var b []byte
	if m.RequestId != nil {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, *m.RequestId)
	}
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, m.RecordId)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, m.TypeName)
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Status))
	if m.Reason != "" {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, m.Reason)
	}
	return b
}

func unmarshalMutationResponse(b []byte) (*MutationResponse, error) {
	m := &MutationResponse{}
	err := consumeFields(b, func(num protowire.Number, v uint64, data []byte) {
		switch num {
		case 1:
			requestId := v
			m.RequestId = &requestId
		case 2:
			m.RecordId = v
		case 3:
			m.TypeName = string(data)
		case 4:
			m.Status = MutationStatus(v)
		case 5:
			m.Reason = string(data)
		}
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func marshalQueryResponse(m *QueryResponse) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, m.QueryId)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Status))
	if len(m.Rows) > 0 {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Rows)
	}
	if m.Reason != "" {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, m.Reason)
	}
	return b
}

func unmarshalQueryResponse(b []byte) (*QueryResponse, error) {
	m := &QueryResponse{}
	err := consumeFields(b, func(num protowire.Number, v uint64, data []byte) {
		switch num {
		case 1:
			m.QueryId = v
		case 2:
			m.Status = QueryStatus(v)
		case 3:
			m.Rows = data
		case 4:
			m.Reason = string(data)
		}
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// walks all fields, passing varint fields as `v` and bytes fields as `data`
func consumeFields(b []byte, visit func(num protowire.Number, v uint64, data []byte)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			visit(num, v, nil)
			b = b[n:]
		case protowire.BytesType:
			data, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			visit(num, 0, data)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}
