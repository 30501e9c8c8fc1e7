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
	"math/big"
	"time"

	"github.com/archmage-live/ledgerd/peripheral/apdu"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/shopspring/decimal"
)

// Format tells how a filtered field is meant to be displayed.
type Format uint8

const (
	FormatRaw Format = iota
	FormatDatetime
	FormatToken
	FormatAmount
)

func (f Format) String() string {
	switch f {
	case FormatRaw:
		return "raw"
	case FormatDatetime:
		return "datetime"
	case FormatToken:
		return "token"
	case FormatAmount:
		return "amount"
	}
	return fmt.Sprintf("format(%d)", uint8(f))
}

// Filter annotates the next received leaf value with display information.
type Filter struct {
	Format      Format
	DisplayName string
	TokenIndex  uint8 // token and amount formats only
	Signature   []byte
}

// ContractInfo is the message level filtering header.
type ContractInfo struct {
	Name        string
	FilterCount uint8
	Signature   []byte
}

// parseFilter decodes a show field chunk. The payload layout depends on the
// format:
//
//	raw, datetime: name length(1) name sig length(1) sig
//	token:         token index(1) sig length(1) sig
//	amount:        name length(1) name token index(1) sig length(1) sig
func parseFilter(data []byte, format Format) (*Filter, error) {
	r := apdu.NewReader(data)
	filter := &Filter{Format: format}

	var err error
	if format != FormatToken {
		if filter.DisplayName, err = r.String("display name"); err != nil {
			return nil, err
		}
	}
	if format == FormatToken || format == FormatAmount {
		if filter.TokenIndex, err = r.Byte("token index"); err != nil {
			return nil, err
		}
	}
	if filter.Signature, err = r.LenPrefixed("signature"); err != nil {
		return nil, err
	}
	if err := r.Done(); err != nil {
		return nil, err
	}
	filter.Signature = common.CopyBytes(filter.Signature)
	return filter, nil
}

func parseContractInfo(data []byte) (*ContractInfo, error) {
	r := apdu.NewReader(data)
	name, err := r.String("contract name")
	if err != nil {
		return nil, err
	}
	count, err := r.Byte("filter count")
	if err != nil {
		return nil, err
	}
	sig, err := r.LenPrefixed("signature")
	if err != nil {
		return nil, err
	}
	if err := r.Done(); err != nil {
		return nil, err
	}
	return &ContractInfo{Name: name, FilterCount: count, Signature: common.CopyBytes(sig)}, nil
}

// FieldValue is a leaf value that a filter asked to be displayed.
type FieldValue struct {
	Path   string // dotted location inside the message, e.g. "details.amount"
	Type   TypeDescriptor
	Filter Filter
	Value  interface{} // decoded leaf, same representation as in the message
}

// TokenLookup resolves the device side index of a provisioned ERC-20 token.
type TokenLookup interface {
	TokenByIndex(index int) (ticker string, decimals uint32, ok bool)
}

// Display renders the value according to its filter format. Token metadata
// is looked up through tokens, which may be nil.
func (f FieldValue) Display(tokens TokenLookup) string {
	token := func() (string, uint32, bool) {
		if tokens == nil {
			return "", 0, false
		}
		return tokens.TokenByIndex(int(f.Filter.TokenIndex))
	}
	switch f.Filter.Format {
	case FormatDatetime:
		if n := integerOf(f.Value); n != nil && n.IsInt64() {
			return time.Unix(n.Int64(), 0).UTC().Format(time.RFC3339)
		}
	case FormatToken:
		if ticker, _, ok := token(); ok {
			return ticker
		}
	case FormatAmount:
		if n := integerOf(f.Value); n != nil {
			if ticker, decimals, ok := token(); ok {
				return decimal.NewFromBigInt(n, -int32(decimals)).String() + " " + ticker
			}
			return n.String()
		}
	}
	return renderRaw(f.Value)
}

func integerOf(v interface{}) *big.Int {
	if n, ok := v.(*math.HexOrDecimal256); ok && n != nil {
		return (*big.Int)(n)
	}
	return nil
}

func renderRaw(v interface{}) string {
	switch v := v.(type) {
	case *math.HexOrDecimal256:
		return (*big.Int)(v).String()
	case hexutil.Bytes:
		return v.String()
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	}
	return fmt.Sprint(v)
}
