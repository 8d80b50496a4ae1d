package crdt

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// ErrMalformedUpdate is returned when update bytes cannot be decoded or
// contain invalid operations. The replica is left untouched.
var ErrMalformedUpdate = errors.New("malformed update")

type opKind uint8

const (
	opMapSet opKind = iota + 1
	opMapDelete
	opSeqInsert
	opSeqDelete
)

type valueKind uint8

const (
	valuePrimitive valueKind = iota + 1
	valueMap
	valueSeq
)

type value struct {
	Kind valueKind `cbor:"1,keyasint"`
	Data any       `cbor:"2,keyasint,omitempty"`
}

type op struct {
	ID     ID           `cbor:"1,keyasint"`
	Time   uint64       `cbor:"2,keyasint"`
	Kind   opKind       `cbor:"3,keyasint"`
	Parent ContainerRef `cbor:"4,keyasint"`
	Key    string       `cbor:"5,keyasint,omitempty"`
	Origin *ID          `cbor:"6,keyasint,omitempty"`
	Target *ID          `cbor:"7,keyasint,omitempty"`
	Value  *value       `cbor:"8,keyasint,omitempty"`
}

// newer reports whether o wins over other in last-writer-wins order.
func (o *op) newer(other *op) bool {
	if o.Time != other.Time {
		return o.Time > other.Time
	}
	return o.ID.Client > other.ID.Client
}

func (o *op) validate() error {
	if !o.Parent.valid() {
		return fmt.Errorf("op %s: invalid parent", o.ID)
	}
	switch o.Kind {
	case opMapSet, opSeqInsert:
		if o.Value == nil {
			return fmt.Errorf("op %s: missing value", o.ID)
		}
		switch o.Value.Kind {
		case valuePrimitive:
			v, err := normalize(o.Value.Data)
			if err != nil {
				return fmt.Errorf("op %s: %w", o.ID, err)
			}
			o.Value.Data = v
		case valueMap, valueSeq:
			o.Value.Data = nil
		default:
			return fmt.Errorf("op %s: unknown value kind %d", o.ID, o.Value.Kind)
		}
	case opMapDelete:
	case opSeqDelete:
		if o.Target == nil {
			return fmt.Errorf("op %s: missing delete target", o.ID)
		}
	default:
		return fmt.Errorf("op %s: unknown kind %d", o.ID, o.Kind)
	}
	return nil
}

// normalize coerces a primitive into the closed set of stored types:
// string, int64, float64, bool and nil.
func normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, int64, float64, bool:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows int64", x)
		}
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows int64", x)
		}
		return int64(x), nil
	case float32:
		return float64(x), nil
	default:
		return nil, fmt.Errorf("unsupported primitive %T", v)
	}
}

type updateWire struct {
	Ops []*op `cbor:"1,keyasint"`
}

func encodeOps(ops []*op) []byte {
	sorted := make([]*op, len(ops))
	copy(sorted, ops)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].ID.Client != sorted[j].ID.Client {
			return sorted[i].ID.Client < sorted[j].ID.Client
		}
		return sorted[i].ID.Clock < sorted[j].ID.Clock
	})
	data, err := cbor.Marshal(updateWire{Ops: sorted})
	if err != nil {
		// ops only ever hold normalized primitives
		panic(err)
	}
	return data
}

func decodeOps(data []byte) ([]*op, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrMalformedUpdate)
	}
	var u updateWire
	if err := cbor.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	for _, o := range u.Ops {
		if o == nil {
			return nil, fmt.Errorf("%w: nil op", ErrMalformedUpdate)
		}
		if err := o.validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
		}
	}
	return u.Ops, nil
}
