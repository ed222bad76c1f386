package statebus

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestEnvelopeRoundtrip(t *testing.T) {
	envelope := &Envelope{
		TypeName:   "Position",
		SchemaHash: SchemaHash("Position", "v1"),
		Data:       []byte(`{"x":1,"y":2}`),
	}
	decoded, err := DecodeEnvelope(EncodeEnvelope(envelope))
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded, envelope)
}

func TestEnvelopeMissingTypeName(t *testing.T) {
	_, err := DecodeEnvelope(EncodeEnvelope(&Envelope{
		Data: []byte("x"),
	}))
	assert.NotEqual(t, err, nil)
}

func TestClientMessageRoundtrip(t *testing.T) {
	recordId := uint64(42)
	requestId := uint64(7)

	messages := []*ClientMessage{
		{Subscribe: &Subscribe{SubscriptionId: 1, TypeName: "Position", RecordId: &recordId}},
		{Subscribe: &Subscribe{SubscriptionId: 2, TypeName: WildcardType}},
		{Unsubscribe: &Unsubscribe{SubscriptionId: 1}},
		{Mutate: &Mutate{RequestId: &requestId, RecordId: 42, TypeName: "Position", Value: []byte(`{"x":1,"y":2}`)}},
		{Mutate: &Mutate{RecordId: DanglingRecordId, TypeName: "Position", Value: []byte(`{}`)}},
		{Query: &Query{QueryId: 3, Namespace: "records", Params: []byte(`{}`), Mode: QueryModeSubscribe}},
		{QueryCancel: &QueryCancel{QueryId: 3}},
	}

	for _, message := range messages {
		envelopeBytes, err := EncodeClientMessage(message)
		assert.Equal(t, err, nil)
		decoded, err := DecodeClientMessage(envelopeBytes)
		assert.Equal(t, err, nil)
		assert.Equal(t, decoded, message)
	}
}

func TestServerMessageRoundtrip(t *testing.T) {
	requestId := uint64(7)

	messages := []*ServerMessage{
		{SyncBatch: &SyncBatch{
			Items: []*SyncItem{
				{Kind: SyncItemSnapshot, SubscriptionId: 1, RecordId: 42, TypeName: "Position", Payload: []byte(`{"x":1,"y":2}`)},
				{Kind: SyncItemUpdate, SubscriptionId: 1, RecordId: 42, TypeName: "Position", Payload: []byte(`{"x":2,"y":2}`)},
				{Kind: SyncItemTypeRemoved, SubscriptionId: 1, RecordId: 42, TypeName: "Position"},
				{Kind: SyncItemRecordRemoved, SubscriptionId: 2, RecordId: 42},
			},
		}},
		{MutationResponse: &MutationResponse{RequestId: &requestId, RecordId: 42, TypeName: "Position", Status: MutationApplied}},
		{MutationResponse: &MutationResponse{RecordId: 7, TypeName: "Position", Status: MutationRejected, Reason: "forbidden"}},
		{QueryResponse: &QueryResponse{QueryId: 3, Status: QueryDone, Rows: []byte(`[]`)}},
		{QueryResponse: &QueryResponse{QueryId: 3, Status: QueryError, Reason: "unknown namespace: foo"}},
	}

	for _, message := range messages {
		envelopeBytes, err := EncodeServerMessage(message)
		assert.Equal(t, err, nil)
		decoded, err := DecodeServerMessage(envelopeBytes)
		assert.Equal(t, err, nil)
		assert.Equal(t, decoded, message)
	}
}

func TestMessageExactlyOneVariant(t *testing.T) {
	_, err := MarshalClientMessage(&ClientMessage{})
	assert.NotEqual(t, err, nil)

	_, err = MarshalClientMessage(&ClientMessage{
		Subscribe:   &Subscribe{SubscriptionId: 1, TypeName: "Position"},
		Unsubscribe: &Unsubscribe{SubscriptionId: 1},
	})
	assert.NotEqual(t, err, nil)

	_, err = MarshalServerMessage(&ServerMessage{})
	assert.NotEqual(t, err, nil)

	_, err = MarshalServerMessage(&ServerMessage{
		SyncBatch:     &SyncBatch{},
		QueryResponse: &QueryResponse{QueryId: 1, Status: QueryDone},
	})
	assert.NotEqual(t, err, nil)
}

// a schema hash mismatch is advisory. decode must still succeed
func TestSchemaHashAdvisory(t *testing.T) {
	message := &ClientMessage{
		Unsubscribe: &Unsubscribe{SubscriptionId: 1},
	}
	data, err := MarshalClientMessage(message)
	assert.Equal(t, err, nil)

	envelopeBytes := EncodeEnvelope(&Envelope{
		TypeName:   EnvelopeTypeClientMessage,
		SchemaHash: 0xdeadbeef,
		Data:       data,
	})
	decoded, err := DecodeClientMessage(envelopeBytes)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded, message)
}

func TestDecodeWrongEnvelopeType(t *testing.T) {
	envelopeBytes, err := EncodeClientMessage(&ClientMessage{
		Unsubscribe: &Unsubscribe{SubscriptionId: 1},
	})
	assert.Equal(t, err, nil)

	_, err = DecodeServerMessage(envelopeBytes)
	assert.NotEqual(t, err, nil)
}

func TestSyncItemUnknownKind(t *testing.T) {
	_, err := unmarshalSyncItem(marshalSyncItem(&SyncItem{
		Kind:     SyncItemKind(99),
		RecordId: 1,
	}))
	assert.NotEqual(t, err, nil)
}
