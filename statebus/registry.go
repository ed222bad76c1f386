package statebus

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"google.golang.org/protobuf/proto"
)

// encode a record value to wire payload bytes
type EncodeFunc func(value any) ([]byte, error)

// decode wire payload bytes to a record value
type DecodeFunc func(payload []byte) (any, error)

type TypeRegistration struct {
	TypeName   string
	SchemaHash uint64
	// maximum `Update` items of this type per connection per tick. 0 means unlimited
	MaxUpdatesPerTick int
	Encode            EncodeFunc
	Decode            DecodeFunc
}

// Maps a type name to its encode/decode pair. Registration happens once at
// startup and lookup is read-only thereafter. A type the registry has no
// entry for cannot be encoded, which is a configuration error detected
// before serving (see `RequireTypes`), not at runtime.
type TypeRegistry struct {
	stateLock     sync.Mutex
	registrations map[string]*TypeRegistration
}

func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		registrations: map[string]*TypeRegistration{},
	}
}

func (self *TypeRegistry) Register(registration *TypeRegistration) error {
	if registration.TypeName == "" || registration.TypeName == WildcardType {
		return fmt.Errorf("invalid type name: %q", registration.TypeName)
	}
	if registration.Encode == nil || registration.Decode == nil {
		return fmt.Errorf("type %s must register both encode and decode", registration.TypeName)
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.registrations[registration.TypeName]; ok {
		return fmt.Errorf("type %s already registered", registration.TypeName)
	}
	if registration.SchemaHash == 0 {
		registration.SchemaHash = SchemaHash(registration.TypeName, "")
	}
	self.registrations[registration.TypeName] = registration
	return nil
}

func (self *TypeRegistry) RequireRegister(registration *TypeRegistration) {
	if err := self.Register(registration); err != nil {
		panic(err)
	}
}

func (self *TypeRegistry) Get(typeName string) (*TypeRegistration, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	registration, ok := self.registrations[typeName]
	return registration, ok
}

func (self *TypeRegistry) TypeNames() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	typeNames := maps.Keys(self.registrations)
	slices.Sort(typeNames)
	return typeNames
}

// fail-fast startup check that every type declared synchronized has a codec
func (self *TypeRegistry) RequireTypes(typeNames ...string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, typeName := range typeNames {
		if _, ok := self.registrations[typeName]; !ok {
			return fmt.Errorf("type %s declared synchronized but has no registered codec", typeName)
		}
	}
	return nil
}

func (self *TypeRegistry) EncodeValue(typeName string, value any) ([]byte, error) {
	registration, ok := self.Get(typeName)
	if !ok {
		return nil, &UnknownTypeError{TypeName: typeName}
	}
	return registration.Encode(value)
}

func (self *TypeRegistry) DecodeValue(typeName string, payload []byte) (any, error) {
	registration, ok := self.Get(typeName)
	if !ok {
		return nil, &UnknownTypeError{TypeName: typeName}
	}
	return registration.Decode(payload)
}

// advisory schema identifier carried in the envelope. Decoding must not fail
// solely because this differs between producer and consumer
func SchemaHash(typeName string, schema string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(typeName))
	if schema != "" {
		h.Write([]byte{0})
		h.Write([]byte(schema))
	}
	return h.Sum64()
}

// registers `T` with json payload encoding. Decoded values are of type `T`
func RegisterJson[T any](registry *TypeRegistry, typeName string) error {
	return registry.Register(&TypeRegistration{
		TypeName: typeName,
		Encode: func(value any) ([]byte, error) {
			v, ok := value.(T)
			if !ok {
				return nil, fmt.Errorf("type %s: cannot encode %T", typeName, value)
			}
			return json.Marshal(v)
		},
		Decode: func(payload []byte) (any, error) {
			var v T
			if err := json.Unmarshal(payload, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
	})
}

func RequireRegisterJson[T any](registry *TypeRegistry, typeName string) {
	if err := RegisterJson[T](registry, typeName); err != nil {
		panic(err)
	}
}

// registers a proto message type with proto payload encoding.
// `prototype` is cloned per decode. Decoded values are of the prototype's
// concrete pointer type
func RegisterProto(registry *TypeRegistry, typeName string, prototype proto.Message) error {
	return registry.Register(&TypeRegistration{
		TypeName: typeName,
		Encode: func(value any) ([]byte, error) {
			message, ok := value.(proto.Message)
			if !ok {
				return nil, fmt.Errorf("type %s: cannot encode %T", typeName, value)
			}
			return proto.Marshal(message)
		},
		Decode: func(payload []byte) (any, error) {
			message := proto.Clone(prototype)
			proto.Reset(message)
			if err := proto.Unmarshal(payload, message); err != nil {
				return nil, err
			}
			return message, nil
		},
	})
}

type UnknownTypeError struct {
	TypeName string
}

func (self *UnknownTypeError) Error() string {
	return fmt.Sprintf("type %s is not registered", self.TypeName)
}
