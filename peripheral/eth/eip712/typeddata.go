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
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// TypedData is a fully received typed data message together with the display
// annotations sent alongside it.
type TypedData struct {
	apitypes.TypedData

	Filtered bool          // the host activated display filtering
	Contract *ContractInfo // nil unless a contract name filter was received
	Fields   []FieldValue  // filtered leaves in reception order
}

// SigningHash returns keccak256("\x19\x01" || domainSeparator || hashStruct(message)).
func (t *TypedData) SigningHash() ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(t.TypedData)
	return hash, err
}

func domainFromMap(m map[string]interface{}) (apitypes.TypedDataDomain, error) {
	var domain apitypes.TypedDataDomain
	for key, value := range m {
		ok := true
		switch key {
		case "name":
			domain.Name, ok = value.(string)
		case "version":
			domain.Version, ok = value.(string)
		case "chainId":
			domain.ChainId, ok = value.(*math.HexOrDecimal256)
		case "verifyingContract":
			domain.VerifyingContract, ok = value.(string)
		case "salt":
			var salt hexutil.Bytes
			if salt, ok = value.(hexutil.Bytes); ok {
				domain.Salt = salt.String()
			}
		}
		if !ok {
			return apitypes.TypedDataDomain{}, fmt.Errorf("%w: %s is %T", errDomainFieldType, key, value)
		}
	}
	return domain, nil
}
