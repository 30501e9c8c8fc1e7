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

package apdu

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
)

// MaxPathDepth is the deepest BIP-32 path a command may carry.
const MaxPathDepth = 10

// ErrInvalidPath is returned for empty or too deep derivation paths.
var ErrInvalidPath = errors.New("apdu: invalid derivation path")

// ReadPath decodes a derivation path serialised as a component count followed
// by big endian 32 bit indices:
//
//	Description                      | Length
//	---------------------------------+-----------------
//	Number of BIP 32 derivations     | 1 byte
//	First derivation index           | 4 bytes
//	...                              | 4 bytes
//	Last derivation index            | 4 bytes
func ReadPath(r *Reader) (accounts.DerivationPath, error) {
	n, err := r.Byte("path length")
	if err != nil {
		return nil, err
	}
	if n == 0 || n > MaxPathDepth {
		return nil, fmt.Errorf("%w: depth %d", ErrInvalidPath, n)
	}
	path := make(accounts.DerivationPath, n)
	for i := range path {
		if path[i], err = r.Uint32("path component"); err != nil {
			return nil, err
		}
	}
	return path, nil
}

// EncodePath is the inverse of ReadPath.
func EncodePath(path accounts.DerivationPath) []byte {
	out := make([]byte, 1, 1+4*len(path))
	out[0] = byte(len(path))
	for _, component := range path {
		out = binary.BigEndian.AppendUint32(out, component)
	}
	return out
}
