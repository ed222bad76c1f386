package statebus

import (
	"errors"
	"fmt"

	"github.com/golang/glog"
)

// Decides whether a client-driven mutation may be applied. Returning an
// error rejects the mutation with the error text as the reason. A nil
// AuthorizeFunc allows everything
type AuthorizeFunc func(connectionId Id, recordId uint64, typeName string, value any) error

// policy for deployments where the server is the sole authority and
// clients are strictly read-only observers
func ServerOnly() AuthorizeFunc {
	return func(connectionId Id, recordId uint64, typeName string, value any) error {
		return errors.New("forbidden")
	}
}

// Runs one mutation through received -> validating -> applying ->
// applied|rejected. Applied mutations land in the authoritative store and
// re-enter the change feed, so the next compiler scan broadcasts them with
// no special casing. Rejections are surfaced to the caller only
type MutationPipeline struct {
	registry      *TypeRegistry
	subscriptions *SubscriptionManager
	store         RecordStore
	authorize     AuthorizeFunc
}

func NewMutationPipeline(registry *TypeRegistry, subscriptions *SubscriptionManager, store RecordStore, authorize AuthorizeFunc) *MutationPipeline {
	return &MutationPipeline{
		registry:      registry,
		subscriptions: subscriptions,
		store:         store,
		authorize:     authorize,
	}
}

func (self *MutationPipeline) Apply(connectionId Id, mutate *Mutate) *MutationResponse {
	self.subscriptions.AddPendingMutation(connectionId, mutate.RecordId, mutate.TypeName)
	defer self.subscriptions.ResolvePendingMutation(connectionId, mutate.RecordId, mutate.TypeName)

	rejected := func(reason string) *MutationResponse {
		glog.V(2).Infof("[m]rejected %s %s/%d = %s\n", connectionId, mutate.TypeName, mutate.RecordId, reason)
		return &MutationResponse{
			RequestId: mutate.RequestId,
			RecordId:  mutate.RecordId,
			TypeName:  mutate.TypeName,
			Status:    MutationRejected,
			Reason:    reason,
		}
	}

	// validating
	value, err := self.registry.DecodeValue(mutate.TypeName, mutate.Value)
	if err != nil {
		return rejected(fmt.Sprintf("invalid value: %s", err))
	}
	if self.authorize != nil {
		if err := self.authorize(connectionId, mutate.RecordId, mutate.TypeName, value); err != nil {
			return rejected(err.Error())
		}
	}

	// applying
	recordId := mutate.RecordId
	if recordId == DanglingRecordId {
		recordId, err = self.store.CreateRecord(mutate.TypeName, value)
	} else {
		err = self.store.ApplyMutation(recordId, mutate.TypeName, value)
	}
	if err != nil {
		return rejected(err.Error())
	}

	glog.V(2).Infof("[m]applied %s %s/%d\n", connectionId, mutate.TypeName, recordId)
	return &MutationResponse{
		RequestId: mutate.RequestId,
		RecordId:  recordId,
		TypeName:  mutate.TypeName,
		Status:    MutationApplied,
	}
}
