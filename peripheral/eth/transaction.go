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
	"errors"
	"fmt"
	"math/big"

	"github.com/archmage-live/ledgerd/peripheral/apdu"
	"github.com/archmage-live/ledgerd/peripheral/request"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// DefaultMaxChunks bounds the number of APDUs a single transaction may span.
const DefaultMaxChunks = 256

var (
	ErrTooManyChunks = apdu.NewStatusError(apdu.StatusIncorrectData, errors.New("eth: too many chunks"))

	errUnsupportedTxType = errors.New("eth: unsupported transaction type")
	errTxTrailingData    = errors.New("eth: trailing data after transaction")
	errTxSignatureFields = errors.New("eth: incomplete signature fields")
	errRLPHeader         = errors.New("eth: invalid rlp list header")
)

// The wire forms below accept both the unsigned encoding hosts send for
// signing and the signed encoding, whose signature values are ignored.

type legacyTxWire struct {
	Nonce    uint64
	GasPrice *big.Int
	Gas      uint64
	To       *common.Address `rlp:"nil"`
	Value    *big.Int
	Data     []byte
	V        *big.Int `rlp:"optional"`
	R        *big.Int `rlp:"optional"`
	S        *big.Int `rlp:"optional"`
}

type accessListTxWire struct {
	ChainID    *big.Int
	Nonce      uint64
	GasPrice   *big.Int
	Gas        uint64
	To         *common.Address `rlp:"nil"`
	Value      *big.Int
	Data       []byte
	AccessList types.AccessList
	V          *big.Int `rlp:"optional"`
	R          *big.Int `rlp:"optional"`
	S          *big.Int `rlp:"optional"`
}

type dynamicFeeTxWire struct {
	ChainID    *big.Int
	Nonce      uint64
	GasTipCap  *big.Int
	GasFeeCap  *big.Int
	Gas        uint64
	To         *common.Address `rlp:"nil"`
	Value      *big.Int
	Data       []byte
	AccessList types.AccessList
	V          *big.Int `rlp:"optional"`
	R          *big.Int `rlp:"optional"`
	S          *big.Int `rlp:"optional"`
}

type blobTxWire struct {
	ChainID    *uint256.Int
	Nonce      uint64
	GasTipCap  *uint256.Int
	GasFeeCap  *uint256.Int
	Gas        uint64
	To         common.Address
	Value      *uint256.Int
	Data       []byte
	AccessList types.AccessList
	BlobFeeCap *uint256.Int
	BlobHashes []common.Hash
	V          *uint256.Int `rlp:"optional"`
	R          *uint256.Int `rlp:"optional"`
	S          *uint256.Int `rlp:"optional"`
}

type setCodeTxWire struct {
	ChainID    *uint256.Int
	Nonce      uint64
	GasTipCap  *uint256.Int
	GasFeeCap  *uint256.Int
	Gas        uint64
	To         common.Address
	Value      *uint256.Int
	Data       []byte
	AccessList types.AccessList
	AuthList   []types.SetCodeAuthorization
	V          *uint256.Int `rlp:"optional"`
	R          *uint256.Int `rlp:"optional"`
	S          *uint256.Int `rlp:"optional"`
}

func bigOrNil(v *uint256.Int) *big.Int {
	if v == nil {
		return nil
	}
	return v.ToBig()
}

// DecodeTransaction parses a transaction in the form hosts stream it for
// signing and returns it together with its replay protection chain id, which
// is nil for unprotected legacy transactions:
//
//	legacy:      rlp([nonce, gasPrice, gas, to, value, data])
//	EIP-155:     rlp([nonce, gasPrice, gas, to, value, data, chainId, 0, 0])
//	EIP-2930:    0x01 || rlp([chainId, nonce, gasPrice, gas, to, value, data, accessList])
//	EIP-1559:    0x02 || rlp([chainId, nonce, tip, feeCap, gas, to, value, data, accessList])
//	EIP-4844:    0x03 || rlp([chainId, nonce, tip, feeCap, gas, to, value, data, accessList, blobFeeCap, blobHashes])
//	EIP-7702:    0x04 || rlp([chainId, nonce, tip, feeCap, gas, to, value, data, accessList, authList])
//
// Blob transactions are accepted without their network sidecar only.
func DecodeTransaction(raw []byte) (*types.Transaction, *big.Int, error) {
	if len(raw) == 0 {
		return nil, nil, fmt.Errorf("%w: empty", errUnsupportedTxType)
	}
	body := raw
	if raw[0] < 0xc0 {
		body = raw[1:]
	}
	if _, _, rest, err := rlp.Split(body); err != nil {
		return nil, nil, err
	} else if len(rest) != 0 {
		return nil, nil, fmt.Errorf("%w: %d bytes", errTxTrailingData, len(rest))
	}

	switch {
	case raw[0] >= 0xc0:
		var w legacyTxWire
		if err := rlp.DecodeBytes(body, &w); err != nil {
			return nil, nil, err
		}
		chainID, err := legacyChainID(w.V, w.R, w.S)
		if err != nil {
			return nil, nil, err
		}
		tx := types.NewTx(&types.LegacyTx{
			Nonce: w.Nonce, GasPrice: w.GasPrice, Gas: w.Gas, To: w.To, Value: w.Value, Data: w.Data,
		})
		return tx, chainID, nil

	case raw[0] == types.AccessListTxType:
		var w accessListTxWire
		if err := rlp.DecodeBytes(body, &w); err != nil {
			return nil, nil, err
		}
		if err := checkSignatureFields(w.V, w.R, w.S); err != nil {
			return nil, nil, err
		}
		tx := types.NewTx(&types.AccessListTx{
			ChainID: w.ChainID, Nonce: w.Nonce, GasPrice: w.GasPrice, Gas: w.Gas, To: w.To,
			Value: w.Value, Data: w.Data, AccessList: w.AccessList,
		})
		return tx, w.ChainID, nil

	case raw[0] == types.DynamicFeeTxType:
		var w dynamicFeeTxWire
		if err := rlp.DecodeBytes(body, &w); err != nil {
			return nil, nil, err
		}
		if err := checkSignatureFields(w.V, w.R, w.S); err != nil {
			return nil, nil, err
		}
		tx := types.NewTx(&types.DynamicFeeTx{
			ChainID: w.ChainID, Nonce: w.Nonce, GasTipCap: w.GasTipCap, GasFeeCap: w.GasFeeCap, Gas: w.Gas,
			To: w.To, Value: w.Value, Data: w.Data, AccessList: w.AccessList,
		})
		return tx, w.ChainID, nil

	case raw[0] == types.BlobTxType:
		var w blobTxWire
		if err := rlp.DecodeBytes(body, &w); err != nil {
			return nil, nil, err
		}
		if err := checkSignatureFields(bigOrNil(w.V), bigOrNil(w.R), bigOrNil(w.S)); err != nil {
			return nil, nil, err
		}
		tx := types.NewTx(&types.BlobTx{
			ChainID: w.ChainID, Nonce: w.Nonce, GasTipCap: w.GasTipCap, GasFeeCap: w.GasFeeCap, Gas: w.Gas,
			To: w.To, Value: w.Value, Data: w.Data, AccessList: w.AccessList,
			BlobFeeCap: w.BlobFeeCap, BlobHashes: w.BlobHashes,
		})
		return tx, w.ChainID.ToBig(), nil

	case raw[0] == types.SetCodeTxType:
		var w setCodeTxWire
		if err := rlp.DecodeBytes(body, &w); err != nil {
			return nil, nil, err
		}
		if err := checkSignatureFields(bigOrNil(w.V), bigOrNil(w.R), bigOrNil(w.S)); err != nil {
			return nil, nil, err
		}
		tx := types.NewTx(&types.SetCodeTx{
			ChainID: w.ChainID, Nonce: w.Nonce, GasTipCap: w.GasTipCap, GasFeeCap: w.GasFeeCap, Gas: w.Gas,
			To: w.To, Value: w.Value, Data: w.Data, AccessList: w.AccessList, AuthList: w.AuthList,
		})
		return tx, w.ChainID.ToBig(), nil
	}
	return nil, nil, fmt.Errorf("%w: 0x%02x", errUnsupportedTxType, raw[0])
}

func checkSignatureFields(v, r, s *big.Int) error {
	if (v == nil) != (s == nil) || (r == nil) != (s == nil) {
		return errTxSignatureFields
	}
	return nil
}

// legacyChainID recovers the chain id of a legacy transaction from its
// trailing fields: absent for pre EIP-155 encodings, [chainId, 0, 0] for
// unsigned EIP-155 ones and a signed v otherwise.
func legacyChainID(v, r, s *big.Int) (*big.Int, error) {
	if err := checkSignatureFields(v, r, s); err != nil {
		return nil, err
	}
	switch {
	case v == nil, v.Sign() == 0:
		return nil, nil
	case r.Sign() == 0 && s.Sign() == 0:
		return v, nil
	case v.Cmp(big.NewInt(35)) >= 0:
		return new(big.Int).Rsh(new(big.Int).Sub(v, big.NewInt(35)), 1), nil
	}
	return nil, nil
}

// expectedTxLength returns the full encoded length announced by the RLP
// header at the start of a transaction payload, or false while the header
// itself is still incomplete.
func expectedTxLength(head []byte) (int, bool, error) {
	prefix := 0
	if len(head) > 0 && head[0] < 0xc0 {
		if head[0] < types.AccessListTxType || head[0] > types.SetCodeTxType {
			return 0, false, fmt.Errorf("%w: 0x%02x", errUnsupportedTxType, head[0])
		}
		prefix, head = 1, head[1:]
	}
	if len(head) == 0 {
		return 0, false, nil
	}
	switch b := head[0]; {
	case b < 0xc0:
		return 0, false, errRLPHeader
	case b <= 0xf7:
		return prefix + 1 + int(b-0xc0), true, nil
	default:
		n := int(b - 0xf7)
		if n > 4 {
			return 0, false, errRLPHeader
		}
		if len(head) < 1+n {
			return 0, false, nil
		}
		size := 0
		for _, c := range head[1 : 1+n] {
			size = size<<8 | int(c)
		}
		return prefix + 1 + n + size, true, nil
	}
}

// txDecoder reassembles a transaction sent over several sign APDUs. The first
// chunk starts with the derivation path.
type txDecoder struct {
	checker   *request.Checker
	maxChunks int

	started bool
	path    accounts.DerivationPath
	chunks  int
	buf     chunkBuffer
}

type decodedTx struct {
	path    accounts.DerivationPath
	raw     []byte
	tx      *types.Transaction
	chainID *big.Int
}

func newTxDecoder(timer *request.Timer, maxChunks int) *txDecoder {
	if maxChunks <= 0 {
		maxChunks = DefaultMaxChunks
	}
	d := &txDecoder{maxChunks: maxChunks}
	d.checker = request.NewChecker(timer, d.clear)
	return d
}

func (d *txDecoder) clear() {
	d.started = false
	d.path = nil
	d.chunks = 0
	d.buf.reset()
}

func (d *txDecoder) reset() {
	d.clear()
	d.checker.Done()
}

// receive returns nil without error while more chunks are expected.
func (d *txDecoder) receive(first bool, data []byte) (*decodedTx, error) {
	if err := d.checker.Check(first); err != nil {
		return nil, err
	}
	if first {
		d.clear()
		r := apdu.NewReader(data)
		path, err := apdu.ReadPath(r)
		if err != nil {
			return nil, err
		}
		d.started, d.path = true, path
		data = r.Rest()
	} else if !d.started {
		return nil, errNotStarted
	}
	if d.chunks++; d.chunks > d.maxChunks {
		return nil, ErrTooManyChunks
	}
	d.buf.write(data)

	expected, known, err := expectedTxLength(d.buf.head(6))
	if err != nil {
		return nil, err
	}
	if !known || d.buf.len() < expected {
		return nil, nil
	}
	raw := d.buf.bytes()
	tx, chainID, err := DecodeTransaction(raw)
	if err != nil {
		return nil, err
	}
	out := &decodedTx{path: d.path, raw: raw, tx: tx, chainID: chainID}
	d.reset()
	return out, nil
}
