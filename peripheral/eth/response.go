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

package eth

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	"github.com/archmage-live/ledgerd/peripheral/apdu"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// chainCodeLength is the size of a BIP-32 chain code.
const chainCodeLength = 32

// encodeAddress builds the get address reply:
//
//	Description                      | Length
//	---------------------------------+----------
//	Public key length                | 1 byte
//	Uncompressed public key          | arbitrary
//	Ethereum address length          | 1 byte
//	Ethereum address, hex, no 0x     | arbitrary
//	Chain code if requested          | 32 bytes
func encodeAddress(resp *GetAddressResponse, withChainCode bool) []byte {
	address := []byte(strings.TrimPrefix(resp.Address.Hex(), "0x"))

	out := make([]byte, 0, 2+len(resp.PublicKey)+len(address)+chainCodeLength)
	out = append(out, byte(len(resp.PublicKey)))
	out = append(out, resp.PublicKey...)
	out = append(out, byte(len(address)))
	out = append(out, address...)
	if withChainCode {
		out = append(out, common.LeftPadBytes(resp.ChainCode, chainCodeLength)[:chainCodeLength]...)
	}
	return apdu.Response(out)
}

// encodeSignature builds the reply of every signing command:
//
//	Description                      | Length
//	---------------------------------+----------
//	Signature V                      | 1 byte
//	Signature R                      | 32 bytes
//	Signature S                      | 32 bytes
func encodeSignature(v byte, sig *Signature) []byte {
	return apdu.Response([]byte{v}, sig.R[:], sig.S[:])
}

// TransactionV returns the leading byte of a transaction signature reply.
//
// Typed transactions carry the bare parity and unprotected legacy ones the
// Homestead 27/28 value. EIP-155 legacy transactions carry the full
// parity + chainId*2 + 35 when it fits in a byte. Larger chain ids use the
// compaction hosts undo on their side: the chain id is cut to its leading
// four bytes, folded into a byte and combined with the parity, which is
// inverted for typed transactions.
func TransactionV(txType uint8, chainID *big.Int, yParity uint8) (byte, error) {
	if yParity > 1 {
		return 0, fmt.Errorf("%w: parity %d", errInvalidSignature, yParity)
	}
	if chainID == nil || chainID.Sign() == 0 {
		if txType != types.LegacyTxType {
			return yParity, nil
		}
		return 27 + yParity, nil
	}

	// chainId*2 + 35 + 1 > 255
	limit := new(big.Int).Add(new(big.Int).Lsh(chainID, 1), big.NewInt(36))
	if limit.Cmp(big.NewInt(255)) > 0 {
		truncated := truncatedChainID(chainID)
		oneByte := (truncated*2 + 35) % 256
		parity := uint64(yParity)
		if txType != types.LegacyTxType {
			parity = 1 - parity
		}
		if oneByte+parity > 255 {
			return byte(oneByte - parity), nil
		}
		return byte(oneByte + parity), nil
	}
	if txType != types.LegacyTxType {
		return yParity, nil
	}
	return byte(chainID.Uint64()*2 + 35 + uint64(yParity)), nil
}

// truncatedChainID interprets the leading four big endian bytes of the chain
// id as an unsigned integer; shorter ids are left padded.
func truncatedChainID(chainID *big.Int) uint64 {
	b := chainID.Bytes()
	if len(b) > 4 {
		b = b[:4]
	} else {
		b = common.LeftPadBytes(b, 4)
	}
	return uint64(binary.BigEndian.Uint32(b))
}
