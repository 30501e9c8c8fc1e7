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
	"strconv"
	"strings"

	"github.com/archmage-live/ledgerd/peripheral/apdu"
)

// TypeKey is the low nibble of a field definition's type byte.
type TypeKey uint8

const (
	KeyCustom TypeKey = iota
	KeyInt
	KeyUint
	KeyAddress
	KeyBool
	KeyString
	KeyFixedBytes
	KeyDynamicBytes
)

const (
	typeArrayFlag = 0x80
	typeSizeFlag  = 0x40
	typeKeyMask   = 0x0f

	arrayLevelDynamic = 0x00
	arrayLevelFixed   = 0x01
)

var (
	errInvalidTypeKey  = errors.New("eip712: invalid type key")
	errInvalidTypeSize = errors.New("eip712: invalid type size")
	errInvalidArray    = errors.New("eip712: invalid array level")
	errEmptyName       = errors.New("eip712: empty name")
)

// ArrayLevel describes one array dimension. Levels are listed outermost first,
// in the order they appear in the type string.
type ArrayLevel struct {
	Fixed bool
	Size  int
}

// TypeDescriptor is the decoded form of a field's type.
type TypeDescriptor struct {
	Key        TypeKey
	CustomName string // struct name, set for KeyCustom
	Size       int    // byte width of intN, uintN and bytesN
	Arrays     []ArrayLevel
}

// IsArray reports whether the type has at least one array level.
func (d TypeDescriptor) IsArray() bool { return len(d.Arrays) > 0 }

// Base returns the descriptor with its array levels stripped.
func (d TypeDescriptor) Base() TypeDescriptor {
	d.Arrays = nil
	return d
}

// BaseName returns the canonical element type name.
func (d TypeDescriptor) BaseName() string {
	switch d.Key {
	case KeyCustom:
		return d.CustomName
	case KeyInt:
		return "int" + strconv.Itoa(d.Size*8)
	case KeyUint:
		return "uint" + strconv.Itoa(d.Size*8)
	case KeyAddress:
		return "address"
	case KeyBool:
		return "bool"
	case KeyString:
		return "string"
	case KeyFixedBytes:
		return "bytes" + strconv.Itoa(d.Size)
	case KeyDynamicBytes:
		return "bytes"
	}
	return fmt.Sprintf("invalid(%d)", d.Key)
}

// String returns the canonical EIP-712 type string, e.g. "uint8[2][]".
func (d TypeDescriptor) String() string {
	var b strings.Builder
	b.WriteString(d.BaseName())
	for _, level := range d.Arrays {
		if level.Fixed {
			fmt.Fprintf(&b, "[%d]", level.Size)
		} else {
			b.WriteString("[]")
		}
	}
	return b.String()
}

func (d TypeDescriptor) validate() error {
	switch d.Key {
	case KeyCustom:
		if d.CustomName == "" {
			return fmt.Errorf("%w: custom type", errEmptyName)
		}
		fallthrough
	case KeyAddress, KeyBool, KeyString, KeyDynamicBytes:
		if d.Size != 0 {
			return fmt.Errorf("%w: %s does not take a size", errInvalidTypeSize, d.BaseName())
		}
	case KeyInt, KeyUint, KeyFixedBytes:
		if d.Size < 1 || d.Size > 32 {
			return fmt.Errorf("%w: %d bytes", errInvalidTypeSize, d.Size)
		}
	default:
		return fmt.Errorf("%w: %d", errInvalidTypeKey, d.Key)
	}
	for _, level := range d.Arrays {
		if level.Fixed && level.Size == 0 {
			return fmt.Errorf("%w: zero sized fixed array", errInvalidArray)
		}
	}
	return nil
}

// FieldDefinition is a single struct member received with a type chunk.
type FieldDefinition struct {
	Type TypeDescriptor
	Name string
}

// ParseFieldDefinition decodes a struct field chunk:
//
//	Description                     | Length
//	--------------------------------+----------
//	Type byte (array|size|key)      | 1 byte
//	Custom type name length         | 1 byte,  custom types only
//	Custom type name                | variable
//	Type size                       | 1 byte,  when the size flag is set
//	Array level count               | 1 byte,  when the array flag is set
//	Array level (0 dyn, 1 fixed)    | 1 byte,  per level
//	Array level size                | 1 byte,  fixed levels only
//	Field name length               | 1 byte
//	Field name                      | variable
func ParseFieldDefinition(data []byte) (FieldDefinition, error) {
	r := apdu.NewReader(data)
	typ, err := r.Byte("type")
	if err != nil {
		return FieldDefinition{}, err
	}
	desc := TypeDescriptor{Key: TypeKey(typ & typeKeyMask)}
	if desc.Key > KeyDynamicBytes {
		return FieldDefinition{}, fmt.Errorf("%w: %d", errInvalidTypeKey, desc.Key)
	}
	if desc.Key == KeyCustom {
		if desc.CustomName, err = r.String("custom type name"); err != nil {
			return FieldDefinition{}, err
		}
	}
	if typ&typeSizeFlag != 0 {
		size, err := r.Byte("type size")
		if err != nil {
			return FieldDefinition{}, err
		}
		desc.Size = int(size)
	}
	if typ&typeArrayFlag != 0 {
		levels, err := r.Byte("array levels")
		if err != nil {
			return FieldDefinition{}, err
		}
		if levels == 0 {
			return FieldDefinition{}, fmt.Errorf("%w: no levels", errInvalidArray)
		}
		for i := 0; i < int(levels); i++ {
			kind, err := r.Byte("array level")
			if err != nil {
				return FieldDefinition{}, err
			}
			switch kind {
			case arrayLevelDynamic:
				desc.Arrays = append(desc.Arrays, ArrayLevel{})
			case arrayLevelFixed:
				size, err := r.Byte("array size")
				if err != nil {
					return FieldDefinition{}, err
				}
				desc.Arrays = append(desc.Arrays, ArrayLevel{Fixed: true, Size: int(size)})
			default:
				return FieldDefinition{}, fmt.Errorf("%w: kind %d", errInvalidArray, kind)
			}
		}
	}
	name, err := r.String("field name")
	if err != nil {
		return FieldDefinition{}, err
	}
	if name == "" {
		return FieldDefinition{}, fmt.Errorf("%w: field", errEmptyName)
	}
	if err := r.Done(); err != nil {
		return FieldDefinition{}, err
	}
	if err := desc.validate(); err != nil {
		return FieldDefinition{}, err
	}
	return FieldDefinition{Type: desc, Name: name}, nil
}

// Encode is the inverse of ParseFieldDefinition.
func (f FieldDefinition) Encode() []byte {
	d := f.Type
	typ := byte(d.Key)
	if d.Size != 0 {
		typ |= typeSizeFlag
	}
	if d.IsArray() {
		typ |= typeArrayFlag
	}
	out := []byte{typ}
	if d.Key == KeyCustom {
		out = append(out, byte(len(d.CustomName)))
		out = append(out, d.CustomName...)
	}
	if d.Size != 0 {
		out = append(out, byte(d.Size))
	}
	if d.IsArray() {
		out = append(out, byte(len(d.Arrays)))
		for _, level := range d.Arrays {
			if level.Fixed {
				out = append(out, arrayLevelFixed, byte(level.Size))
			} else {
				out = append(out, arrayLevelDynamic)
			}
		}
	}
	out = append(out, byte(len(f.Name)))
	return append(out, f.Name...)
}

// ParseTypeString is the inverse of TypeDescriptor.String.
func ParseTypeString(s string) (TypeDescriptor, error) {
	var desc TypeDescriptor

	base := s
	if i := strings.IndexByte(s, '['); i >= 0 {
		base = s[:i]
		rest := s[i:]
		for rest != "" {
			end := strings.IndexByte(rest, ']')
			if rest[0] != '[' || end < 0 {
				return TypeDescriptor{}, fmt.Errorf("%w: %q", errInvalidArray, s)
			}
			if inner := rest[1:end]; inner == "" {
				desc.Arrays = append(desc.Arrays, ArrayLevel{})
			} else {
				size, err := strconv.Atoi(inner)
				if err != nil || size <= 0 || size > 255 {
					return TypeDescriptor{}, fmt.Errorf("%w: %q", errInvalidArray, s)
				}
				desc.Arrays = append(desc.Arrays, ArrayLevel{Fixed: true, Size: size})
			}
			rest = rest[end+1:]
		}
	}
	if len(desc.Arrays) > 255 {
		return TypeDescriptor{}, fmt.Errorf("%w: too many levels", errInvalidArray)
	}

	bits := func(prefix string) (int, bool) {
		n, err := strconv.Atoi(strings.TrimPrefix(base, prefix))
		return n, err == nil
	}
	switch {
	case base == "address":
		desc.Key = KeyAddress
	case base == "bool":
		desc.Key = KeyBool
	case base == "string":
		desc.Key = KeyString
	case base == "bytes":
		desc.Key = KeyDynamicBytes
	case strings.HasPrefix(base, "bytes"):
		n, ok := bits("bytes")
		if !ok {
			return TypeDescriptor{}, fmt.Errorf("%w: %q", errInvalidTypeSize, s)
		}
		desc.Key, desc.Size = KeyFixedBytes, n
	case strings.HasPrefix(base, "uint"):
		n, ok := bits("uint")
		if !ok || n%8 != 0 {
			return TypeDescriptor{}, fmt.Errorf("%w: %q", errInvalidTypeSize, s)
		}
		desc.Key, desc.Size = KeyUint, n/8
	case strings.HasPrefix(base, "int"):
		n, ok := bits("int")
		if !ok || n%8 != 0 {
			return TypeDescriptor{}, fmt.Errorf("%w: %q", errInvalidTypeSize, s)
		}
		desc.Key, desc.Size = KeyInt, n/8
	default:
		desc.Key, desc.CustomName = KeyCustom, base
	}
	if err := desc.validate(); err != nil {
		return TypeDescriptor{}, err
	}
	return desc, nil
}
