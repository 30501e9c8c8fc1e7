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
	"github.com/archmage-live/ledgerd/peripheral/apdu"
	"github.com/ethereum/go-ethereum/common"
)

// NftInfo is an NFT collection descriptor provisioned by the host.
type NftInfo struct {
	Type      uint8
	Version   uint8
	Name      string
	Address   common.Address
	ChainID   uint64
	KeyID     uint8
	Algorithm uint8
	Signature []byte
	Data      []byte
}

// ParseNftInfo decodes a provide NFT information payload:
//
//	Description            | Length
//	-----------------------+----------
//	Type                   | 1 byte
//	Version                | 1 byte
//	Collection name length | 1 byte
//	Collection name        | variable
//	Contract address       | 20 bytes
//	Chain ID               | 8 bytes
//	Key ID                 | 1 byte, optional
//	Algorithm ID           | 1 byte, optional
//	Signature length       | 1 byte, optional
//	Signature              | variable
func ParseNftInfo(data []byte) (*NftInfo, error) {
	r := apdu.NewReader(data)
	info := &NftInfo{Data: common.CopyBytes(data)}

	var err error
	if info.Type, err = r.Byte("type"); err != nil {
		return nil, err
	}
	if info.Version, err = r.Byte("version"); err != nil {
		return nil, err
	}
	if info.Name, err = r.String("collection name"); err != nil {
		return nil, err
	}
	address, err := r.Bytes("contract address", common.AddressLength)
	if err != nil {
		return nil, err
	}
	info.Address = common.BytesToAddress(address)
	if info.ChainID, err = r.Uint64("chain id"); err != nil {
		return nil, err
	}
	if r.Len() == 0 {
		return info, nil
	}
	if info.KeyID, err = r.Byte("key id"); err != nil {
		return nil, err
	}
	if info.Algorithm, err = r.Byte("algorithm id"); err != nil {
		return nil, err
	}
	sig, err := r.LenPrefixed("signature")
	if err != nil {
		return nil, err
	}
	info.Signature = common.CopyBytes(sig)
	return info, r.Done()
}

// NftRegistry holds the NFT descriptors provisioned during the session.
type NftRegistry struct {
	nfts  []*NftInfo
	byKey map[tokenKey]*NftInfo
}

func NewNftRegistry() *NftRegistry {
	return &NftRegistry{byKey: make(map[tokenKey]*NftInfo)}
}

func (n *NftRegistry) add(info *NftInfo) {
	n.nfts = append(n.nfts, info)
	n.byKey[tokenKey{info.ChainID, info.Address}] = info
}

func (n *NftRegistry) clear() {
	n.nfts = nil
	n.byKey = make(map[tokenKey]*NftInfo)
}

// Len returns the number of provisioned collections.
func (n *NftRegistry) Len() int { return len(n.nfts) }

// Lookup returns the collection deployed at address on the given chain.
func (n *NftRegistry) Lookup(address common.Address, chainID uint64) (*NftInfo, bool) {
	info, ok := n.byKey[tokenKey{chainID, address}]
	return info, ok
}
