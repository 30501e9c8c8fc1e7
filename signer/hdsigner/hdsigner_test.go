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
	"bytes"
	"context"
	"math/big"
	"testing"

	"github.com/archmage-live/ledgerd/peripheral/eth"
	"github.com/archmage-live/ledgerd/peripheral/eth/eip712"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/console/prompt"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMnemonic = "test test test test test test test test test test test junk"

var (
	firstAccount = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	recipient    = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
)

func newTestSigner(t *testing.T, opts ...Option) *Signer {
	s, err := New(testMnemonic, "", opts...)
	require.NoError(t, err)
	return s
}

func pathAt(index uint32) accounts.DerivationPath {
	path := make(accounts.DerivationPath, len(accounts.DefaultBaseDerivationPath))
	copy(path, accounts.DefaultBaseDerivationPath)
	path[len(path)-1] = index
	return path
}

func sigBytes(sig *eth.Signature) []byte {
	return append(append(sig.R[:], sig.S[:]...), sig.YParity)
}

func TestDeriveKnownAccounts(t *testing.T) {
	s := newTestSigner(t)

	resp, err := s.Address(pathAt(0))
	require.NoError(t, err)
	assert.Equal(t, firstAccount, resp.Address)
	assert.Len(t, resp.PublicKey, 65)
	assert.Len(t, resp.ChainCode, 32)

	resp, err = s.Address(pathAt(1))
	require.NoError(t, err)
	assert.Equal(t, recipient, resp.Address)
}

func TestNewRejectsInvalidMnemonic(t *testing.T) {
	_, err := New("test test test", "")
	assert.ErrorIs(t, err, errInvalidMnemonic)

	mnemonic, err := NewMnemonic()
	require.NoError(t, err)
	_, err = New(mnemonic, "secret")
	assert.NoError(t, err)
}

func TestPassphraseChangesAccounts(t *testing.T) {
	s, err := New(testMnemonic, "secret")
	require.NoError(t, err)
	resp, err := s.Address(pathAt(0))
	require.NoError(t, err)
	assert.NotEqual(t, firstAccount, resp.Address)
}

func TestGetAddressChainCode(t *testing.T) {
	s := newTestSigner(t)
	ctx := context.Background()

	resp, err := s.GetAddress(ctx, &eth.GetAddressRequest{Path: pathAt(0)})
	require.NoError(t, err)
	assert.Nil(t, resp.ChainCode)

	resp, err = s.GetAddress(ctx, &eth.GetAddressRequest{Path: pathAt(0), ChainCode: true})
	require.NoError(t, err)
	assert.Len(t, resp.ChainCode, 32)
}

func TestGetAddressDisplayNeedsApproval(t *testing.T) {
	s := newTestSigner(t, WithApprover(AutoReject))

	_, err := s.GetAddress(context.Background(), &eth.GetAddressRequest{Path: pathAt(0)})
	assert.NoError(t, err)
	_, err = s.GetAddress(context.Background(), &eth.GetAddressRequest{Path: pathAt(0), Display: true})
	assert.ErrorIs(t, err, eth.ErrRejected)
}

func TestSignTransaction(t *testing.T) {
	s := newTestSigner(t)
	chainID := big.NewInt(1)

	txs := map[string]*types.Transaction{
		"dynamic fee": types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     7,
			GasTipCap: big.NewInt(1e9),
			GasFeeCap: big.NewInt(30e9),
			Gas:       21000,
			To:        &recipient,
			Value:     big.NewInt(1e18),
		}),
		"legacy": types.NewTx(&types.LegacyTx{
			Nonce:    1,
			GasPrice: big.NewInt(20e9),
			Gas:      21000,
			To:       &recipient,
			Value:    big.NewInt(5e17),
		}),
	}
	for name, tx := range txs {
		sig, err := s.SignTransaction(context.Background(), &eth.SignTransactionRequest{
			Path:    pathAt(0),
			Tx:      tx,
			ChainID: chainID,
		})
		require.NoError(t, err, name)

		signer := types.LatestSignerForChainID(chainID)
		signed, err := tx.WithSignature(signer, sigBytes(sig))
		require.NoError(t, err, name)
		from, err := types.Sender(signer, signed)
		require.NoError(t, err, name)
		assert.Equal(t, firstAccount, from, name)
	}
}

func TestSignUnprotectedTransaction(t *testing.T) {
	s := newTestSigner(t)
	tx := types.NewTx(&types.LegacyTx{Nonce: 0, GasPrice: big.NewInt(1), Gas: 21000, To: &recipient})

	sig, err := s.SignTransaction(context.Background(), &eth.SignTransactionRequest{Path: pathAt(0), Tx: tx})
	require.NoError(t, err)

	signed, err := tx.WithSignature(types.HomesteadSigner{}, sigBytes(sig))
	require.NoError(t, err)
	from, err := types.Sender(types.HomesteadSigner{}, signed)
	require.NoError(t, err)
	assert.Equal(t, firstAccount, from)
}

func TestSignPersonalMessage(t *testing.T) {
	s := newTestSigner(t)
	msg := []byte("hello ledger")

	sig, err := s.SignPersonalMessage(context.Background(), &eth.SignPersonalMsgRequest{Path: pathAt(0), Message: msg})
	require.NoError(t, err)

	pub, err := crypto.SigToPub(accounts.TextHash(msg), sigBytes(sig))
	require.NoError(t, err)
	assert.Equal(t, firstAccount, crypto.PubkeyToAddress(*pub))
}

func TestSignEip712(t *testing.T) {
	s := newTestSigner(t)
	typed := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {{Name: "name", Type: "string"}, {Name: "chainId", Type: "uint256"}},
			"Mail":         {{Name: "to", Type: "address"}, {Name: "contents", Type: "string"}},
		},
		PrimaryType: "Mail",
		Domain:      apitypes.TypedDataDomain{Name: "Ether Mail", ChainId: math.NewHexOrDecimal256(1)},
		Message:     apitypes.TypedDataMessage{"to": recipient.Hex(), "contents": "Hello, Bob!"},
	}
	domain, err := typed.HashStruct("EIP712Domain", typed.Domain.Map())
	require.NoError(t, err)
	message, err := typed.HashStruct(typed.PrimaryType, typed.Message)
	require.NoError(t, err)

	full, err := s.SignEip712Message(context.Background(), &eth.SignEip712MsgRequest{
		Path:      pathAt(0),
		TypedData: &eip712.TypedData{TypedData: typed},
	})
	require.NoError(t, err)
	hashed, err := s.SignEip712HashedMessage(context.Background(), &eth.SignEip712HashedMsgRequest{
		Path:            pathAt(0),
		DomainSeparator: common.BytesToHash(domain),
		MessageHash:     common.BytesToHash(message),
	})
	require.NoError(t, err)

	// RFC 6979 signatures are deterministic, so both paths agree.
	assert.Equal(t, full, hashed)

	hash, _, err := apitypes.TypedDataAndHash(typed)
	require.NoError(t, err)
	pub, err := crypto.SigToPub(hash, sigBytes(full))
	require.NoError(t, err)
	assert.Equal(t, firstAccount, crypto.PubkeyToAddress(*pub))
}

func TestRejectedAndLocked(t *testing.T) {
	ctx := context.Background()
	req := &eth.SignPersonalMsgRequest{Path: pathAt(0), Message: []byte("x")}

	_, err := newTestSigner(t, WithApprover(AutoReject)).SignPersonalMessage(ctx, req)
	assert.ErrorIs(t, err, eth.ErrRejected)

	s := newTestSigner(t)
	s.Lock()
	_, err = s.SignPersonalMessage(ctx, req)
	assert.ErrorIs(t, err, eth.ErrLocked)
	_, err = s.Address(pathAt(0))
	assert.ErrorIs(t, err, eth.ErrLocked)
}

// scriptedPrompter answers confirmations with a fixed decision.
type scriptedPrompter struct {
	prompt.UserPrompter
	answer  bool
	prompts []string
}

func (p *scriptedPrompter) PromptConfirm(question string) (bool, error) {
	p.prompts = append(p.prompts, question)
	return p.answer, nil
}

func TestConsoleApprover(t *testing.T) {
	var out bytes.Buffer
	prompter := &scriptedPrompter{answer: true}
	s := newTestSigner(t, WithApprover(&ConsoleApprover{Prompter: prompter, Out: &out}))

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(1),
		GasFeeCap: big.NewInt(10e9),
		Gas:       21000,
		To:        &recipient,
		Value:     big.NewInt(15e17),
	})
	_, err := s.SignTransaction(context.Background(), &eth.SignTransactionRequest{Path: pathAt(0), Tx: tx, ChainID: big.NewInt(1)})
	require.NoError(t, err)

	require.Len(t, prompter.prompts, 1)
	text := out.String()
	assert.Contains(t, text, "Review transaction")
	assert.Contains(t, text, firstAccount.Hex())
	assert.Contains(t, text, "1.5 ETH")
	assert.Contains(t, text, "0.00021 ETH")

	prompter.answer = false
	_, err = s.SignTransaction(context.Background(), &eth.SignTransactionRequest{Path: pathAt(0), Tx: tx, ChainID: big.NewInt(1)})
	assert.ErrorIs(t, err, eth.ErrRejected)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.SignPersonalMessage(ctx, &eth.SignPersonalMsgRequest{Path: pathAt(0), Message: []byte("x")})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, prompter.prompts, 2)
}

func TestDescribeTransaction(t *testing.T) {
	summary := describeTransaction(&eth.SignTransactionRequest{
		Tx: types.NewTx(&types.LegacyTx{Gas: 53000, GasPrice: big.NewInt(1e9), Data: []byte{0x60, 0x80}}),
	})
	to, _ := summary.Value("To")
	assert.Equal(t, "contract creation", to)
	data, _ := summary.Value("Data")
	assert.Equal(t, "2 bytes", data)
	_, ok := summary.Value("Chain ID")
	assert.False(t, ok)
}

func TestDescribePersonal(t *testing.T) {
	summary := describePersonal(&eth.SignPersonalMsgRequest{Message: []byte("gm\nfren")})
	msg, _ := summary.Value("Message")
	assert.Equal(t, "gm\nfren", msg)

	summary = describePersonal(&eth.SignPersonalMsgRequest{Message: []byte{0x00, 0xff}})
	msg, _ = summary.Value("Message")
	assert.Equal(t, "0x00ff", msg)
}

func TestDescribeFilteredTypedData(t *testing.T) {
	summary := describeTypedData(&eth.SignEip712MsgRequest{TypedData: &eip712.TypedData{
		TypedData: apitypes.TypedData{PrimaryType: "Mail", Domain: apitypes.TypedDataDomain{Name: "Ether Mail"}},
		Filtered:  true,
		Contract:  &eip712.ContractInfo{Name: "Mailbox"},
		Fields: []eip712.FieldValue{
			{Path: "contents", Filter: eip712.Filter{Format: eip712.FormatRaw, DisplayName: "Contents"}, Value: "Hello"},
			{Path: "urgent", Filter: eip712.Filter{Format: eip712.FormatRaw}, Value: true},
		},
	}})
	assert.Equal(t, []Line{
		{Label: "Domain", Value: "Ether Mail"},
		{Label: "Primary type", Value: "Mail"},
		{Label: "Contract name", Value: "Mailbox"},
		{Label: "Contents", Value: "Hello"},
		{Label: "urgent", Value: "true"},
	}, summary.Lines)
}
