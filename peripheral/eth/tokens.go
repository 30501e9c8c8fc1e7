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
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/archmage-live/ledgerd/peripheral/apdu"
	"github.com/ethereum/go-ethereum/common"
)

// MaxTokens is the number of ERC-20 descriptors a session can hold; the
// device index travels as a single byte.
const MaxTokens = 256

var (
	ErrCouldNotFindToken  = errors.New("could not find token")
	ErrNotAnERC20Transfer = errors.New("not an ERC20 transfer")

	errTooManyTokens = apdu.NewStatusError(apdu.StatusIncorrectData, errors.New("eth: token registry full"))
)

var (
	erc20Transfer     = []byte{0xa9, 0x05, 0x9c, 0xbb}
	erc20Approve      = []byte{0x09, 0x5e, 0xa7, 0xb3}
	erc20TransferFrom = []byte{0x23, 0xb8, 0x72, 0xdd}
)

// TokenInfo is an ERC-20 descriptor provisioned by the host.
type TokenInfo struct {
	Index     int
	Ticker    string
	Address   common.Address
	Decimals  uint32
	ChainID   uint32
	Signature []byte
	Data      []byte
}

// ParseTokenInfo decodes a provide ERC-20 information payload:
//
//	Description            | Length
//	-----------------------+----------
//	Ticker length          | 1 byte
//	Ticker                 | variable
//	Contract address       | 20 bytes
//	Decimals               | 4 bytes
//	Chain ID               | 4 bytes
//	Signature              | remaining bytes
func ParseTokenInfo(data []byte) (*TokenInfo, error) {
	r := apdu.NewReader(data)
	ticker, err := r.String("ticker")
	if err != nil {
		return nil, err
	}
	address, err := r.Bytes("contract address", common.AddressLength)
	if err != nil {
		return nil, err
	}
	decimals, err := r.Uint32("decimals")
	if err != nil {
		return nil, err
	}
	chainID, err := r.Uint32("chain id")
	if err != nil {
		return nil, err
	}
	return &TokenInfo{
		Ticker:    ticker,
		Address:   common.BytesToAddress(address),
		Decimals:  decimals,
		ChainID:   chainID,
		Signature: common.CopyBytes(r.Rest()),
		Data:      common.CopyBytes(data),
	}, nil
}

type tokenKey struct {
	chainID uint64
	address common.Address
}

// TokenRegistry holds the ERC-20 descriptors provisioned during the session.
// Descriptors are addressed by their position, which is the index reported
// back to the host.
type TokenRegistry struct {
	tokens []*TokenInfo
	byKey  map[tokenKey]*TokenInfo
}

func NewTokenRegistry() *TokenRegistry {
	return &TokenRegistry{byKey: make(map[tokenKey]*TokenInfo)}
}

func (t *TokenRegistry) add(token *TokenInfo) (int, error) {
	if len(t.tokens) >= MaxTokens {
		return 0, errTooManyTokens
	}
	token.Index = len(t.tokens)
	t.tokens = append(t.tokens, token)
	t.byKey[tokenKey{uint64(token.ChainID), token.Address}] = token
	return token.Index, nil
}

func (t *TokenRegistry) clear() {
	t.tokens = nil
	t.byKey = make(map[tokenKey]*TokenInfo)
}

// Len returns the number of provisioned tokens.
func (t *TokenRegistry) Len() int { return len(t.tokens) }

// ByIndex returns the token provisioned at the given device index.
func (t *TokenRegistry) ByIndex(index int) (*TokenInfo, bool) {
	if index < 0 || index >= len(t.tokens) {
		return nil, false
	}
	return t.tokens[index], true
}

// TokenByIndex implements eip712.TokenLookup.
func (t *TokenRegistry) TokenByIndex(index int) (string, uint32, bool) {
	token, ok := t.ByIndex(index)
	if !ok {
		return "", 0, false
	}
	return token.Ticker, token.Decimals, true
}

func (t *TokenRegistry) ByContractAddressAndChainID(address common.Address, chainID *big.Int) (*TokenInfo, error) {
	if chainID == nil || !chainID.IsUint64() {
		return nil, ErrCouldNotFindToken
	}
	if token, ok := t.byKey[tokenKey{chainID.Uint64(), address}]; ok {
		return token, nil
	}
	return nil, fmt.Errorf("%w: %s on chain %d", ErrCouldNotFindToken, address, chainID)
}

// IsERC20Transfer reports whether data calls transfer(address,uint256).
func IsERC20Transfer(data []byte) bool {
	return len(data) >= 4 && bytes.Equal(data[:4], erc20Transfer)
}

// IsERC20Call reports whether data calls one of the ERC-20 methods whose
// amount is rendered with token metadata.
func IsERC20Call(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	selector := data[:4]
	return bytes.Equal(selector, erc20Transfer) || bytes.Equal(selector, erc20Approve) || bytes.Equal(selector, erc20TransferFrom)
}

// ERC20Transfer decodes the recipient and amount of a transfer call.
func ERC20Transfer(data []byte) (common.Address, *big.Int, error) {
	if !IsERC20Transfer(data) || len(data) != 4+2*32 {
		return common.Address{}, nil, ErrNotAnERC20Transfer
	}
	return common.BytesToAddress(data[4:36]), new(big.Int).SetBytes(data[36:68]), nil
}
