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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeStringRoundTrip(t *testing.T) {
	tests := []struct {
		typ  string
		desc TypeDescriptor
	}{
		{"uint256", TypeDescriptor{Key: KeyUint, Size: 32}},
		{"int8", TypeDescriptor{Key: KeyInt, Size: 1}},
		{"address", TypeDescriptor{Key: KeyAddress}},
		{"bool", TypeDescriptor{Key: KeyBool}},
		{"string", TypeDescriptor{Key: KeyString}},
		{"bytes", TypeDescriptor{Key: KeyDynamicBytes}},
		{"bytes32", TypeDescriptor{Key: KeyFixedBytes, Size: 32}},
		{"Person", TypeDescriptor{Key: KeyCustom, CustomName: "Person"}},
		{"address[]", TypeDescriptor{Key: KeyAddress, Arrays: []ArrayLevel{{}}}},
		{"uint8[2][][4]", TypeDescriptor{Key: KeyUint, Size: 1, Arrays: []ArrayLevel{{Fixed: true, Size: 2}, {}, {Fixed: true, Size: 4}}}},
		{"Person[3]", TypeDescriptor{Key: KeyCustom, CustomName: "Person", Arrays: []ArrayLevel{{Fixed: true, Size: 3}}}},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			assert.Equal(t, tt.typ, tt.desc.String())

			parsed, err := ParseTypeString(tt.typ)
			require.NoError(t, err)
			assert.Equal(t, tt.desc, parsed)

			def := FieldDefinition{Type: tt.desc, Name: "field"}
			decoded, err := ParseFieldDefinition(def.Encode())
			require.NoError(t, err)
			assert.Equal(t, def, decoded)
		})
	}
}

func TestParseFieldDefinitionWire(t *testing.T) {
	// uint8[2][] values, as produced by hw-app-eth
	def, err := ParseFieldDefinition([]byte{0xc2, 0x01, 0x02, 0x01, 0x02, 0x00, 0x06, 'v', 'a', 'l', 'u', 'e', 's'})
	require.NoError(t, err)
	assert.Equal(t, "values", def.Name)
	assert.Equal(t, "uint8[2][]", def.Type.String())

	// Person from
	def, err = ParseFieldDefinition([]byte{0x00, 0x06, 'P', 'e', 'r', 's', 'o', 'n', 0x04, 'f', 'r', 'o', 'm'})
	require.NoError(t, err)
	assert.Equal(t, "Person", def.Type.String())
	assert.Equal(t, "from", def.Name)
}

func TestParseFieldDefinitionRejects(t *testing.T) {
	tests := map[string][]byte{
		"unknown key":        {0x08, 0x01, 'a'},
		"uint without size":  {0x02, 0x01, 'a'},
		"uint size zero":     {0x42, 0x00, 0x01, 'a'},
		"uint size too big":  {0x42, 0x21, 0x01, 'a'},
		"sized address":      {0x43, 0x14, 0x01, 'a'},
		"bad array kind":     {0x83, 0x01, 0x02, 0x01, 'a'},
		"no array levels":    {0x83, 0x00, 0x01, 'a'},
		"zero fixed array":   {0x83, 0x01, 0x01, 0x00, 0x01, 'a'},
		"empty field name":   {0x03, 0x00},
		"truncated name":     {0x03, 0x05, 'a'},
		"trailing bytes":     {0x03, 0x01, 'a', 0x00},
		"empty custom name":  {0x00, 0x00, 0x01, 'a'},
		"missing type byte":  {},
		"missing array size": {0x83, 0x01, 0x01},
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseFieldDefinition(data)
			assert.Error(t, err)
		})
	}
}

func TestParseTypeStringRejects(t *testing.T) {
	for _, typ := range []string{"uint", "uint7", "int300", "bytes33", "bytes0", "address[", "address[x]", "address[0]", "uint8[2]x"} {
		_, err := ParseTypeString(typ)
		assert.Error(t, err, typ)
	}
}

func TestCanFollow(t *testing.T) {
	assert.True(t, canFollow(StateNone, StateTypeName))
	assert.True(t, canFollow(StateType, StateTypeName))
	assert.False(t, canFollow(StateNone, StateType))
	assert.False(t, canFollow(StateTypeName, StateValueRoot))

	// The message root follows the last domain value.
	assert.True(t, canFollow(StateValueFieldComplete, StateValueRoot))
	assert.True(t, canFollow(StateValueArray, StateValueRoot))
	assert.True(t, canFollow(StateFilterContractName, StateValueRoot))

	assert.True(t, canFollow(StateValueFieldPartial, StateValueFieldPartial))
	assert.False(t, canFollow(StateValueFieldPartial, StateValueArray))
	assert.False(t, canFollow(StateValueFieldPartial, StateFilterShowField))
	assert.False(t, canFollow(StateType, StateFilterContractName))
}
