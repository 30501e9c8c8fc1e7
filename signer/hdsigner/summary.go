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

package hdsigner

import (
	"fmt"
	"math/big"
	"unicode"
	"unicode/utf8"

	"github.com/archmage-live/ledgerd/peripheral/eth"
	"github.com/archmage-live/ledgerd/peripheral/eth/eip712"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// etherDecimals is the number of decimals of the native currency.
const etherDecimals = 18

// Line is a labelled value of a summary.
type Line struct {
	Label string
	Value string
}

// Summary is what the user reviews before a request is approved.
type Summary struct {
	Title  string
	Signer common.Address
	Path   accounts.DerivationPath
	Lines  []Line
}

func (s *Summary) add(label, format string, args ...interface{}) {
	s.Lines = append(s.Lines, Line{Label: label, Value: fmt.Sprintf(format, args...)})
}

// Value returns the first line with the given label.
func (s *Summary) Value(label string) (string, bool) {
	for _, line := range s.Lines {
		if line.Label == label {
			return line.Value, true
		}
	}
	return "", false
}

func formatUnits(amount *big.Int, decimals uint32, unit string) string {
	return decimal.NewFromBigInt(amount, -int32(decimals)).String() + " " + unit
}

func describeAddress(req *eth.GetAddressRequest, resp *eth.GetAddressResponse) *Summary {
	s := &Summary{Title: "Verify address", Signer: resp.Address, Path: req.Path}
	s.add("Address", "%s", resp.Address.Hex())
	if req.ChainID != nil {
		s.add("Chain ID", "%v", req.ChainID)
	}
	return s
}

func describeTransaction(req *eth.SignTransactionRequest) *Summary {
	tx := req.Tx
	s := &Summary{Title: "Review transaction"}
	if req.ChainID != nil {
		s.add("Chain ID", "%v", req.ChainID)
	}
	s.add("Type", "%d", tx.Type())
	s.add("Nonce", "%d", tx.Nonce())

	switch to := tx.To(); {
	case to == nil:
		s.add("To", "contract creation")
	case req.Names != nil:
		if name, ok := req.Names.Name(*to); ok {
			s.add("To", "%s (%s)", name, to.Hex())
			break
		}
		fallthrough
	default:
		s.add("To", "%s", to.Hex())
	}

	if token, ok := req.Token(); ok {
		if recipient, amount, err := eth.ERC20Transfer(tx.Data()); err == nil {
			s.add("Amount", "%s", formatUnits(amount, token.Decimals, token.Ticker))
			s.add("Recipient", "%s", recipient.Hex())
		} else {
			s.add("Token", "%s", token.Ticker)
		}
	}
	s.add("Value", "%s", formatUnits(tx.Value(), etherDecimals, "ETH"))

	if feeCap, overflow := uint256.FromBig(tx.GasFeeCap()); !overflow {
		fee := new(uint256.Int).Mul(uint256.NewInt(tx.Gas()), feeCap)
		s.add("Max fee", "%s", formatUnits(fee.ToBig(), etherDecimals, "ETH"))
	}
	s.add("Gas limit", "%d", tx.Gas())
	if data := tx.Data(); len(data) > 0 {
		s.add("Data", "%d bytes", len(data))
	}
	return s
}

func describePersonal(req *eth.SignPersonalMsgRequest) *Summary {
	s := &Summary{Title: "Sign message"}
	if printable(req.Message) {
		s.add("Message", "%s", req.Message)
	} else {
		s.add("Message", "%s", hexutil.Bytes(req.Message))
	}
	return s
}

func printable(msg []byte) bool {
	if !utf8.Valid(msg) {
		return false
	}
	for _, r := range string(msg) {
		if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

func describeHashed(req *eth.SignEip712HashedMsgRequest) *Summary {
	s := &Summary{Title: "Sign typed data hash"}
	s.add("Domain hash", "%s", req.DomainSeparator.Hex())
	s.add("Message hash", "%s", req.MessageHash.Hex())
	return s
}

func describeTypedData(req *eth.SignEip712MsgRequest) *Summary {
	typed := req.TypedData
	s := &Summary{Title: "Sign typed data"}
	if typed.Domain.Name != "" {
		s.add("Domain", "%s", typed.Domain.Name)
	}
	if typed.Domain.VerifyingContract != "" {
		s.add("Contract", "%s", typed.Domain.VerifyingContract)
	}
	s.add("Primary type", "%s", typed.PrimaryType)

	if !typed.Filtered {
		return s
	}
	if typed.Contract != nil {
		s.add("Contract name", "%s", typed.Contract.Name)
	}
	var tokens eip712.TokenLookup
	if req.Tokens != nil {
		tokens = req.Tokens
	}
	for _, field := range typed.Fields {
		label := field.Filter.DisplayName
		if label == "" {
			label = field.Path
		}
		s.add(label, "%s", field.Display(tokens))
	}
	return s
}
