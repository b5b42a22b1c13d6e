package persistance

// Operation represents a state change.
//
// It must be able to encode itself for logging and to apply itself to a
// State. Encode must produce a byte slice starting with the TypeID byte,
// followed by the operation-specific data.
type Operation interface {
	TypeID() byte
	Encode() ([]byte, error)
	ApplyTo(State) error
}

// OperationDecoder decodes an operation from a logged entry. The slice
// passed to the decoder includes the TypeID as the first byte.
type OperationDecoder func([]byte) (Operation, error)

var operationRegistry = map[byte]OperationDecoder{}

// RegisterOperation installs a decoder for a type ID. Packages defining
// operations are expected to call this from init.
func RegisterOperation(typeID byte, decoder OperationDecoder) {
	operationRegistry[typeID] = decoder
}

// State is any in-memory structure whose mutations are captured as
// Operations and whose full content can be snapshotted.
type State interface {
	Apply(Operation) error
	Serialize() ([]byte, error)
	Deserialize([]byte) error
}
