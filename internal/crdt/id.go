package crdt

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// ID identifies a single operation. Clocks are contiguous per client,
// starting at zero.
type ID struct {
	Client uint64 `cbor:"1,keyasint"`
	Clock  uint64 `cbor:"2,keyasint"`
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Client, id.Clock)
}

// ContainerRef names a container: either a root by name or a nested
// container by the ID of the operation that created it.
type ContainerRef struct {
	Root string `cbor:"1,keyasint,omitempty"`
	Op   *ID    `cbor:"2,keyasint,omitempty"`
}

func rootRef(name string) ContainerRef {
	return ContainerRef{Root: name}
}

func nestedRef(id ID) ContainerRef {
	return ContainerRef{Op: &id}
}

func (r ContainerRef) key() string {
	if r.Op != nil {
		return "#" + r.Op.String()
	}
	return r.Root
}

func (r ContainerRef) valid() bool {
	return (r.Op == nil) != (r.Root == "")
}

// StateVector maps a client to the number of its operations known
// contiguously from clock zero.
type StateVector map[uint64]uint64

var canonicalEnc cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	canonicalEnc = em
}

// Encode returns the canonical CBOR form of the vector.
func (sv StateVector) Encode() []byte {
	data, err := canonicalEnc.Marshal(map[uint64]uint64(sv))
	if err != nil {
		// a map of unsigned integers always encodes
		panic(err)
	}
	return data
}

// DecodeStateVector parses a state summary. An empty input is the empty vector.
func DecodeStateVector(data []byte) (StateVector, error) {
	sv := StateVector{}
	if len(data) == 0 {
		return sv, nil
	}
	var raw map[uint64]uint64
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: state vector: %v", ErrMalformedUpdate, err)
	}
	for k, v := range raw {
		sv[k] = v
	}
	return sv, nil
}

// NewClientID returns a random client identifier.
func NewClientID() uint64 {
	u := uuid.New()
	return binary.BigEndian.Uint64(u[:8])
}
