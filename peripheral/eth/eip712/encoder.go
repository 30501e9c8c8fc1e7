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
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"

	"github.com/archmage-live/ledgerd/peripheral/apdu"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Instruction codes of the typed data transfer commands.
const (
	InsStructDefinition     byte = 0x1a
	InsStructImplementation byte = 0x1c
	InsFilter               byte = 0x1e
)

// Parameters of the struct definition and implementation commands.
const (
	P2StructName  byte = 0x00
	P2StructField byte = 0xff
	P2RootStruct  byte = 0x00
	P2Array       byte = 0x0f

	P1Complete byte = 0x00
	P1Partial  byte = 0x01
)

// encoder produces the command stream a host sends to transfer typed data.
// It is the inverse of Decoder.
type encoder struct {
	data apitypes.TypedData
	out  []apdu.APDU
}

// EncodeTypedData returns the struct definition and implementation commands
// for data, in transmission order. Structs are sent sorted by name.
func EncodeTypedData(data apitypes.TypedData) ([]apdu.APDU, error) {
	if _, ok := data.Types[DomainType]; !ok {
		return nil, fmt.Errorf("%w: %s type", errMissingDomain, DomainType)
	}
	if _, ok := data.Types[data.PrimaryType]; !ok {
		return nil, fmt.Errorf("%w: %q", errUnknownType, data.PrimaryType)
	}
	e := &encoder{data: data}

	names := make([]string, 0, len(data.Types))
	for name := range data.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		e.emit(InsStructDefinition, 0, P2StructName, []byte(name))
		for _, field := range data.Types[name] {
			desc, err := ParseTypeString(field.Type)
			if err != nil {
				return nil, err
			}
			def := FieldDefinition{Type: desc, Name: field.Name}
			e.emit(InsStructDefinition, 0, P2StructField, def.Encode())
		}
	}

	e.emit(InsStructImplementation, P1Complete, P2RootStruct, []byte(DomainType))
	if err := e.encodeStruct(DomainType, data.Domain.Map()); err != nil {
		return nil, err
	}
	e.emit(InsStructImplementation, P1Complete, P2RootStruct, []byte(data.PrimaryType))
	if err := e.encodeStruct(data.PrimaryType, data.Message); err != nil {
		return nil, err
	}
	return e.out, nil
}

func (e *encoder) emit(ins, p1, p2 byte, data []byte) {
	e.out = append(e.out, apdu.APDU{CLA: apdu.ClassApp, INS: ins, P1: p1, P2: p2, Data: data})
}

func (e *encoder) encodeStruct(name string, value interface{}) error {
	obj, ok := value.(map[string]interface{})
	if !ok {
		if msg, isMsg := value.(apitypes.TypedDataMessage); isMsg {
			obj, ok = msg, true
		}
	}
	if !ok {
		return fmt.Errorf("eip712: expected struct %s, got %T", name, value)
	}
	for _, field := range e.data.Types[name] {
		desc, err := ParseTypeString(field.Type)
		if err != nil {
			return err
		}
		if err := e.encodeValue(desc, 0, obj[field.Name]); err != nil {
			return fmt.Errorf("%s.%s: %w", name, field.Name, err)
		}
	}
	return nil
}

func (e *encoder) encodeValue(desc TypeDescriptor, level int, value interface{}) error {
	if value == nil {
		return errMissingValue
	}
	if level < len(desc.Arrays) {
		items, ok := value.([]interface{})
		if !ok {
			return fmt.Errorf("%w: got %T", errExpectedArray, value)
		}
		e.emit(InsStructImplementation, P1Complete, P2Array, arrayLength(len(items)))
		for _, item := range items {
			if err := e.encodeValue(desc, level+1, item); err != nil {
				return err
			}
		}
		return nil
	}
	if desc.Key == KeyCustom {
		return e.encodeStruct(desc.CustomName, value)
	}
	enc, err := encodeLeaf(desc, value)
	if err != nil {
		return err
	}
	payload := binary.BigEndian.AppendUint16(nil, uint16(len(enc)))
	payload = append(payload, enc...)
	for len(payload) > apdu.MaxDataLength {
		e.emit(InsStructImplementation, P1Partial, P2StructField, payload[:apdu.MaxDataLength])
		payload = payload[apdu.MaxDataLength:]
	}
	e.emit(InsStructImplementation, P1Complete, P2StructField, payload)
	return nil
}

func encodeLeaf(desc TypeDescriptor, value interface{}) ([]byte, error) {
	switch desc.Key {
	case KeyInt, KeyUint:
		n, err := bigOf(value)
		if err != nil {
			return nil, err
		}
		if n.Sign() < 0 {
			if desc.Key == KeyUint {
				return nil, fmt.Errorf("%w: negative %s", errValueSize, desc.BaseName())
			}
			n = new(big.Int).Add(n, new(big.Int).Lsh(common.Big1, uint(desc.Size*8)))
			return math.PaddedBigBytes(n, desc.Size), nil
		}
		return n.Bytes(), nil

	case KeyAddress:
		switch v := value.(type) {
		case string:
			if !common.IsHexAddress(v) {
				return nil, fmt.Errorf("%w: address %q", errValueSize, v)
			}
			return common.HexToAddress(v).Bytes(), nil
		case common.Address:
			return v.Bytes(), nil
		}

	case KeyBool:
		if v, ok := value.(bool); ok {
			if v {
				return []byte{1}, nil
			}
			return []byte{0}, nil
		}

	case KeyString:
		if v, ok := value.(string); ok {
			return []byte(v), nil
		}

	case KeyFixedBytes, KeyDynamicBytes:
		switch v := value.(type) {
		case hexutil.Bytes:
			return v, nil
		case []byte:
			return v, nil
		case string:
			return hexutil.Decode(v)
		}
	}
	return nil, fmt.Errorf("eip712: cannot encode %T as %s", value, desc.BaseName())
}

func bigOf(value interface{}) (*big.Int, error) {
	switch v := value.(type) {
	case *math.HexOrDecimal256:
		return (*big.Int)(v), nil
	case *big.Int:
		return v, nil
	case string:
		if n, ok := math.ParseBig256(v); ok {
			return n, nil
		}
	case float64:
		if n, acc := big.NewFloat(v).Int(nil); acc == big.Exact {
			return n, nil
		}
	}
	return nil, fmt.Errorf("eip712: invalid integer %v", value)
}
