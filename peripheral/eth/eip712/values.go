// Copyright 2024 The ledgerd Authors
// This file is part of the ledgerd library.
//
// The ledgerd library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ledgerd library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ledgerd library. If not, see <http://www.gnu.org/licenses/>.

package eip712

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/holiman/uint256"
)

// maxDepth bounds struct nesting during reconstruction.
const maxDepth = 32

var (
	errMissingValue    = errors.New("eip712: missing value")
	errRedundantValues = errors.New("eip712: redundant values")
	errExpectedArray   = errors.New("eip712: expected array length")
	errExpectedLeaf    = errors.New("eip712: expected field value")
	errArraySize       = errors.New("eip712: array size mismatch")
	errUnknownType     = errors.New("eip712: unknown struct type")
	errTooDeep         = errors.New("eip712: struct nesting too deep")
	errValueSize       = errors.New("eip712: invalid value size")
)

// entry is one element of the flat value stream: either an array length
// marker or a leaf value, the latter optionally tagged by a filter.
type entry struct {
	array  bool
	count  int
	data   []byte
	filter *Filter
}

type valueQueue struct {
	entries []entry
	pos     int
}

func (q *valueQueue) remaining() int { return len(q.entries) - q.pos }

func (q *valueQueue) next() (entry, error) {
	if q.pos >= len(q.entries) {
		return entry{}, errMissingValue
	}
	e := q.entries[q.pos]
	q.pos++
	return e, nil
}

// buildRoot reconstructs a root struct and requires the queue to be drained.
func (d *Decoder) buildRoot(name string, entries []entry) (map[string]interface{}, error) {
	q := &valueQueue{entries: entries}
	obj, err := d.buildStruct(name, q, "", 0)
	if err != nil {
		return nil, err
	}
	if n := q.remaining(); n != 0 {
		return nil, fmt.Errorf("%w: %d left after %s", errRedundantValues, n, name)
	}
	return obj, nil
}

func (d *Decoder) buildStruct(name string, q *valueQueue, path string, depth int) (map[string]interface{}, error) {
	if depth > maxDepth {
		return nil, errTooDeep
	}
	fields, ok := d.types[name]
	if !ok || len(fields) == 0 {
		return nil, fmt.Errorf("%w: %q", errUnknownType, name)
	}
	obj := make(map[string]interface{}, len(fields))
	for _, field := range fields {
		desc, err := d.descriptor(field.Type)
		if err != nil {
			return nil, err
		}
		fieldPath := field.Name
		if path != "" {
			fieldPath = path + "." + field.Name
		}
		if obj[field.Name], err = d.buildValue(desc, 0, q, fieldPath, depth); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

func (d *Decoder) buildValue(desc TypeDescriptor, level int, q *valueQueue, path string, depth int) (interface{}, error) {
	if level < len(desc.Arrays) {
		e, err := q.next()
		if err != nil {
			return nil, fmt.Errorf("%w at %s", err, path)
		}
		if !e.array {
			return nil, fmt.Errorf("%w at %s", errExpectedArray, path)
		}
		if dim := desc.Arrays[level]; dim.Fixed && dim.Size != e.count {
			return nil, fmt.Errorf("%w at %s: want %d, have %d", errArraySize, path, dim.Size, e.count)
		}
		// Every element consumes at least one entry.
		if e.count > q.remaining() {
			return nil, fmt.Errorf("%w at %s", errMissingValue, path)
		}
		items := make([]interface{}, e.count)
		for i := range items {
			if items[i], err = d.buildValue(desc, level+1, q, fmt.Sprintf("%s[%d]", path, i), depth); err != nil {
				return nil, err
			}
		}
		return items, nil
	}
	if desc.Key == KeyCustom {
		return d.buildStruct(desc.CustomName, q, path, depth+1)
	}
	e, err := q.next()
	if err != nil {
		return nil, fmt.Errorf("%w at %s", err, path)
	}
	if e.array {
		return nil, fmt.Errorf("%w at %s", errExpectedLeaf, path)
	}
	value, err := decodeLeaf(desc, e.data)
	if err != nil {
		return nil, fmt.Errorf("%w at %s", err, path)
	}
	if e.filter != nil {
		d.fields = append(d.fields, FieldValue{Path: path, Type: desc.Base(), Filter: *e.filter, Value: value})
	}
	return value, nil
}

func (d *Decoder) descriptor(typ string) (TypeDescriptor, error) {
	if desc, ok := d.descriptors[typ]; ok {
		return desc, nil
	}
	desc, err := ParseTypeString(typ)
	if err != nil {
		return TypeDescriptor{}, err
	}
	d.descriptors[typ] = desc
	return desc, nil
}

// decodeLeaf converts a received value into the representation used by
// apitypes: integers as *math.HexOrDecimal256, addresses as checksummed hex
// strings and byte strings as hexutil.Bytes.
func decodeLeaf(desc TypeDescriptor, data []byte) (interface{}, error) {
	switch desc.Key {
	case KeyInt:
		if len(data) > desc.Size {
			return nil, fmt.Errorf("%w: %d bytes for %s", errValueSize, len(data), desc.BaseName())
		}
		x := new(uint256.Int).SetBytes(data)
		x.ExtendSign(x, uint256.NewInt(uint64(desc.Size-1)))
		if x.Sign() < 0 {
			n := new(uint256.Int).Neg(x).ToBig()
			return (*math.HexOrDecimal256)(n.Neg(n)), nil
		}
		return (*math.HexOrDecimal256)(x.ToBig()), nil

	case KeyUint:
		if len(data) > desc.Size {
			return nil, fmt.Errorf("%w: %d bytes for %s", errValueSize, len(data), desc.BaseName())
		}
		return (*math.HexOrDecimal256)(new(big.Int).SetBytes(data)), nil

	case KeyAddress:
		if len(data) > common.AddressLength {
			return nil, fmt.Errorf("%w: %d bytes for address", errValueSize, len(data))
		}
		return common.BytesToAddress(data).Hex(), nil

	case KeyBool:
		for _, b := range data {
			if b != 0 {
				return true, nil
			}
		}
		return false, nil

	case KeyString:
		return string(data), nil

	case KeyFixedBytes:
		if len(data) != desc.Size {
			return nil, fmt.Errorf("%w: %d bytes for %s", errValueSize, len(data), desc.BaseName())
		}
		return hexutil.Bytes(common.CopyBytes(data)), nil

	case KeyDynamicBytes:
		return hexutil.Bytes(common.CopyBytes(data)), nil
	}
	return nil, fmt.Errorf("%w: %d", errInvalidTypeKey, desc.Key)
}
