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
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/archmage-live/ledgerd/peripheral/apdu"
	"github.com/archmage-live/ledgerd/peripheral/eth/eip712"
	"github.com/archmage-live/ledgerd/peripheral/request"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testKey, _  = crypto.HexToECDSA("b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291")
	testAddress = crypto.PubkeyToAddress(testKey.PublicKey)
	testPath    = accounts.DefaultBaseDerivationPath

	recipient = common.HexToAddress("0x3535353535353535353535353535353535353535")
	usdc      = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
)

// testSigner signs everything with testKey unless told to refuse.
type testSigner struct {
	key    *ecdsa.PrivateKey
	err    error
	txs    []*SignTransactionRequest
	typed  []*SignEip712MsgRequest
	hashed []*SignEip712HashedMsgRequest
}

func newTestSigner() *testSigner { return &testSigner{key: testKey} }

func (s *testSigner) sign(hash []byte) (*Signature, error) {
	if s.err != nil {
		return nil, s.err
	}
	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return nil, err
	}
	return NewSignature(sig)
}

func (s *testSigner) GetAddress(ctx context.Context, req *GetAddressRequest) (*GetAddressResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	resp := &GetAddressResponse{
		PublicKey: crypto.FromECDSAPub(&s.key.PublicKey),
		Address:   crypto.PubkeyToAddress(s.key.PublicKey),
	}
	if req.ChainCode {
		resp.ChainCode = bytes.Repeat([]byte{0x11}, 32)
	}
	return resp, nil
}

func (s *testSigner) SignTransaction(ctx context.Context, req *SignTransactionRequest) (*Signature, error) {
	s.txs = append(s.txs, req)
	return s.sign(types.LatestSignerForChainID(req.ChainID).Hash(req.Tx).Bytes())
}

func (s *testSigner) SignPersonalMessage(ctx context.Context, req *SignPersonalMsgRequest) (*Signature, error) {
	return s.sign(accounts.TextHash(req.Message))
}

func (s *testSigner) SignEip712HashedMessage(ctx context.Context, req *SignEip712HashedMsgRequest) (*Signature, error) {
	s.hashed = append(s.hashed, req)
	return s.sign(req.SigningHash())
}

func (s *testSigner) SignEip712Message(ctx context.Context, req *SignEip712MsgRequest) (*Signature, error) {
	s.typed = append(s.typed, req)
	hash, err := req.TypedData.SigningHash()
	if err != nil {
		return nil, err
	}
	return s.sign(hash)
}

type handlerTest struct {
	t       *testing.T
	clock   *mclock.Simulated
	timer   *request.Timer
	signer  *testSigner
	handler *Handler
}

func newHandlerTest(t *testing.T, opts ...Option) *handlerTest {
	clock := new(mclock.Simulated)
	timer := request.NewTimer(clock, request.DefaultInterval)
	signer := newTestSigner()
	handler, err := New(signer, timer, DefaultConfig, opts...)
	require.NoError(t, err)
	return &handlerTest{t: t, clock: clock, timer: timer, signer: signer, handler: handler}
}

// exchange sends one command and returns the reply data, failing the test
// unless the reply is a success.
func (ht *handlerTest) exchange(a apdu.APDU) []byte {
	ht.t.Helper()
	reply, err := ht.handler.HandleAPDU(context.Background(), a)
	require.NoError(ht.t, err, "apdu %s", a)
	data, sw, ok := apdu.Split(reply)
	require.True(ht.t, ok)
	require.Equal(ht.t, apdu.StatusOK, sw)
	return data
}

func (ht *handlerTest) status(a apdu.APDU) apdu.StatusWord {
	ht.t.Helper()
	reply, err := ht.handler.HandleAPDU(context.Background(), a)
	if err != nil {
		return apdu.StatusOf(err)
	}
	_, sw, ok := apdu.Split(reply)
	require.True(ht.t, ok)
	return sw
}

func appAPDU(ins, p1, p2 byte, data []byte) apdu.APDU {
	return apdu.APDU{CLA: apdu.ClassApp, INS: ins, P1: p1, P2: p2, Data: data}
}

// chunked splits payload the way hosts stream multi APDU commands.
func chunked(ins, first, more byte, payload []byte, size int) []apdu.APDU {
	var out []apdu.APDU
	for p1 := first; len(payload) > 0; p1 = more {
		n := size
		if n > len(payload) {
			n = len(payload)
		}
		out = append(out, appAPDU(ins, p1, 0, payload[:n]))
		payload = payload[n:]
	}
	return out
}

func withPath(parts ...[]byte) []byte {
	return append(apdu.EncodePath(testPath), bytes.Join(parts, nil)...)
}

func signatureBytes(t *testing.T, reply []byte) (byte, []byte) {
	t.Helper()
	require.Len(t, reply, 65)
	return reply[0], common.CopyBytes(reply[1:])
}

func TestGetConfiguration(t *testing.T) {
	ht := newHandlerTest(t)
	assert.Equal(t, []byte{FlagArbitraryData | FlagERC20Provisioning, 1, 10, 4}, ht.exchange(appAPDU(InsGetConfiguration, 0, 0, nil)))
}

func TestParameterlessCommandsRejectP1P2(t *testing.T) {
	ht := newHandlerTest(t)
	for _, ins := range []byte{InsGetConfiguration, InsProvideERC20, InsProvideNFT, InsGetChallenge, InsSetPlugin, InsSetExternalPlugin} {
		assert.Equal(t, apdu.StatusIncorrectP1P2, ht.status(appAPDU(ins, 0, 1, nil)), "ins %#x p2", ins)
		assert.Equal(t, apdu.StatusIncorrectP1P2, ht.status(appAPDU(ins, 1, 0, nil)), "ins %#x p1", ins)
	}
	assert.Equal(t, []byte{FlagArbitraryData | FlagERC20Provisioning, 1, 10, 4}, ht.exchange(appAPDU(InsGetConfiguration, 0, 0, nil)))
}

func TestNewRejectsVersion(t *testing.T) {
	timer := request.NewTimer(new(mclock.Simulated), request.DefaultInterval)
	_, err := New(newTestSigner(), timer, Config{Version: "one.two"})
	assert.ErrorIs(t, err, errVersion)
}

func TestGetAddress(t *testing.T) {
	ht := newHandlerTest(t)

	data := ht.exchange(appAPDU(InsGetAddress, 0, 1, withPath()))
	r := apdu.NewReader(data)
	pub, err := r.LenPrefixed("public key")
	require.NoError(t, err)
	assert.Equal(t, crypto.FromECDSAPub(&testKey.PublicKey), pub)
	address, err := r.String("address")
	require.NoError(t, err)
	assert.Equal(t, testAddress.Hex()[2:], address)
	chainCode, err := r.Bytes("chain code", 32)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0x11}, 32), chainCode)
	assert.NoError(t, r.Done())

	assert.Equal(t, apdu.StatusIncorrectP1P2, ht.status(appAPDU(InsGetAddress, 2, 0, withPath())))
	assert.Equal(t, apdu.StatusIncorrectData, ht.status(appAPDU(InsGetAddress, 0, 0, withPath([]byte{1, 2}))))
}

func TestGetAddressWithChainID(t *testing.T) {
	ht := newHandlerTest(t)
	signer := &recordingSigner{testSigner: ht.signer}
	ht.handler.signer = signer

	ht.exchange(appAPDU(InsGetAddress, 1, 0, withPath(binary.BigEndian.AppendUint64(nil, 137))))
	require.NotNil(t, signer.address)
	assert.True(t, signer.address.Display)
	assert.Equal(t, big.NewInt(137), signer.address.ChainID)
	assert.Equal(t, testPath, signer.address.Path)
}

type recordingSigner struct {
	*testSigner
	address *GetAddressRequest
}

func (s *recordingSigner) GetAddress(ctx context.Context, req *GetAddressRequest) (*GetAddressResponse, error) {
	s.address = req
	return s.testSigner.GetAddress(ctx, req)
}

func TestSignDynamicFeeTransaction(t *testing.T) {
	ht := newHandlerTest(t)

	chainID := big.NewInt(137)
	raw := append([]byte{types.DynamicFeeTxType}, mustRLP(t, &dynamicFeeTxWire{
		ChainID:   chainID,
		Nonce:     7,
		GasTipCap: big.NewInt(2_000_000_000),
		GasFeeCap: big.NewInt(90_000_000_000),
		Gas:       21000,
		To:        &recipient,
		Value:     big.NewInt(1e18),
		Data:      bytes.Repeat([]byte{0xab}, 300),
	})...)

	cmds := chunked(InsSignTransaction, P1FirstChunk, P1MoreChunks, withPath(raw), 150)
	require.Greater(t, len(cmds), 2)
	for _, cmd := range cmds[:len(cmds)-1] {
		assert.Empty(t, ht.exchange(cmd))
	}
	v, rs := signatureBytes(t, ht.exchange(cmds[len(cmds)-1]))
	assert.LessOrEqual(t, v, byte(1))

	require.Len(t, ht.signer.txs, 1)
	req := ht.signer.txs[0]
	assert.Equal(t, raw, req.RawTx)
	assert.Equal(t, testPath, req.Path)
	assert.Equal(t, uint64(1), req.ID)

	signer := types.LatestSignerForChainID(chainID)
	signed, err := req.Tx.WithSignature(signer, append(rs, v))
	require.NoError(t, err)
	from, err := types.Sender(signer, signed)
	require.NoError(t, err)
	assert.Equal(t, testAddress, from)
}

func TestSignLegacyTransaction(t *testing.T) {
	tests := []struct {
		name    string
		chainID *big.Int
	}{
		{"homestead", nil},
		{"eip155", big.NewInt(1)},
		{"eip155 chain 56", big.NewInt(56)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ht := newHandlerTest(t)

			fields := []interface{}{uint64(1), big.NewInt(20e9), uint64(21000), recipient, big.NewInt(1), []byte{}}
			if tt.chainID != nil {
				fields = append(fields, tt.chainID, uint(0), uint(0))
			}
			raw := mustRLP(t, fields)
			v, rs := signatureBytes(t, ht.exchange(appAPDU(InsSignTransaction, P1FirstChunk, 0, withPath(raw))))

			var signer types.Signer = types.HomesteadSigner{}
			parity := v - 27
			if tt.chainID != nil {
				signer = types.NewEIP155Signer(tt.chainID)
				parity = byte(uint64(v) - 35 - 2*tt.chainID.Uint64())
			}
			require.LessOrEqual(t, parity, byte(1))

			signed, err := ht.signer.txs[0].Tx.WithSignature(signer, append(rs, parity))
			require.NoError(t, err)
			from, err := types.Sender(signer, signed)
			require.NoError(t, err)
			assert.Equal(t, testAddress, from)
		})
	}
}

func TestSignTransactionTimeout(t *testing.T) {
	ht := newHandlerTest(t)

	raw := append([]byte{types.DynamicFeeTxType}, mustRLP(t, &dynamicFeeTxWire{
		ChainID: big.NewInt(1), GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(1), Gas: 21000,
		To: &recipient, Value: big.NewInt(1), Data: make([]byte, 200),
	})...)
	cmds := chunked(InsSignTransaction, P1FirstChunk, P1MoreChunks, withPath(raw), 150)
	require.Len(t, cmds, 2)

	ht.exchange(cmds[0])
	ht.clock.Run(request.DefaultInterval + time.Millisecond)
	ht.timer.Tick()
	assert.Equal(t, apdu.StatusUnknownAPDU, ht.status(cmds[1]))
	assert.Empty(t, ht.signer.txs)

	// The abandoned transaction can be sent again from the start.
	ht.exchange(cmds[0])
	ht.exchange(cmds[1])
	assert.Len(t, ht.signer.txs, 1)
}

func TestSignTransactionRejected(t *testing.T) {
	ht := newHandlerTest(t)
	ht.signer.err = ErrRejected

	raw := mustRLP(t, []interface{}{uint64(0), big.NewInt(1), uint64(21000), recipient, big.NewInt(1), []byte{}})
	assert.Equal(t, apdu.StatusConditionsOfUseNotSatisfied, ht.status(appAPDU(InsSignTransaction, P1FirstChunk, 0, withPath(raw))))

	ht.signer.err = ErrLocked
	assert.Equal(t, apdu.StatusLockedDevice, ht.status(appAPDU(InsSignTransaction, P1FirstChunk, 0, withPath(raw))))

	ht.signer.err = errors.New("hsm unplugged")
	assert.Equal(t, apdu.StatusTechnicalProblem, ht.status(appAPDU(InsSignTransaction, P1FirstChunk, 0, withPath(raw))))
}

func TestSignTransactionErrors(t *testing.T) {
	ht := newHandlerTest(t)

	assert.Equal(t, apdu.StatusIncorrectP1P2, ht.status(appAPDU(InsSignTransaction, 0x01, 0, withPath([]byte{0xc0}))))
	assert.Equal(t, apdu.StatusIncorrectData, ht.status(appAPDU(InsSignTransaction, P1MoreChunks, 0, []byte{0xc0})))
	assert.Equal(t, apdu.StatusIncorrectData, ht.status(appAPDU(InsSignTransaction, P1FirstChunk, 0, withPath([]byte{0x03, 0xc0}))))
	assert.Equal(t, apdu.StatusIncorrectData, ht.status(appAPDU(InsSignTransaction, P1FirstChunk, 0, []byte{0x00})))
}

func TestSignPersonalMessage(t *testing.T) {
	ht := newHandlerTest(t)

	message := bytes.Repeat([]byte("ledger "), 60)
	payload := withPath(binary.BigEndian.AppendUint32(nil, uint32(len(message))), message)
	cmds := chunked(InsSignPersonal, P1FirstChunk, P1MoreChunks, payload, 150)
	for _, cmd := range cmds[:len(cmds)-1] {
		assert.Empty(t, ht.exchange(cmd))
	}
	v, rs := signatureBytes(t, ht.exchange(cmds[len(cmds)-1]))
	require.Contains(t, []byte{27, 28}, v)

	pub, err := crypto.SigToPub(accounts.TextHash(message), append(rs, v-27))
	require.NoError(t, err)
	assert.Equal(t, testAddress, crypto.PubkeyToAddress(*pub))
}

func TestSignPersonalMessageOverflow(t *testing.T) {
	ht := newHandlerTest(t)

	payload := withPath(binary.BigEndian.AppendUint32(nil, 4), []byte("hello"))
	assert.Equal(t, apdu.StatusIncorrectData, ht.status(appAPDU(InsSignPersonal, P1FirstChunk, 0, payload)))
}

func tokenRecord(ticker string, address common.Address, decimals, chainID uint32) []byte {
	out := append([]byte{byte(len(ticker))}, ticker...)
	out = append(out, address.Bytes()...)
	out = binary.BigEndian.AppendUint32(out, decimals)
	out = binary.BigEndian.AppendUint32(out, chainID)
	return append(out, 0x30, 0x45, 0x02)
}

func TestProvideERC20(t *testing.T) {
	ht := newHandlerTest(t)

	assert.Equal(t, []byte{0}, ht.exchange(appAPDU(InsProvideERC20, 0, 0, tokenRecord("USDC", usdc, 6, 1))))
	assert.Equal(t, []byte{1}, ht.exchange(appAPDU(InsProvideERC20, 0, 0, tokenRecord("DAI", common.HexToAddress("0x6b175474e89094c44da98b954eedeac495271d0f"), 18, 1))))

	// A transfer of a provisioned token exposes its metadata to the signer.
	data := append(common.CopyBytes(erc20Transfer), common.LeftPadBytes(recipient.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(big.NewInt(1_500_000).Bytes(), 32)...)
	raw := mustRLP(t, []interface{}{uint64(0), big.NewInt(1), uint64(60000), usdc, big.NewInt(0), data, big.NewInt(1), uint(0), uint(0)})
	ht.exchange(appAPDU(InsSignTransaction, P1FirstChunk, 0, withPath(raw)))

	req := ht.signer.txs[0]
	token, ok := req.Token()
	require.True(t, ok)
	assert.Equal(t, "USDC", token.Ticker)
	assert.Equal(t, 0, token.Index)

	to, amount, err := ERC20Transfer(req.Tx.Data())
	require.NoError(t, err)
	assert.Equal(t, recipient, to)
	assert.Equal(t, big.NewInt(1_500_000), amount)

	ht.handler.Clear()
	_, ok = req.Token()
	assert.False(t, ok)
	assert.Equal(t, []byte{0}, ht.exchange(appAPDU(InsProvideERC20, 0, 0, tokenRecord("USDC", usdc, 6, 1))))
}

func TestProvideNFT(t *testing.T) {
	ht := newHandlerTest(t)

	collection := common.HexToAddress("0x60e4d786628fea6478f785a6d7e704777c86a7c6")
	record := []byte{0x01, 0x01, 4}
	record = append(record, "MAYC"...)
	record = append(record, collection.Bytes()...)
	record = binary.BigEndian.AppendUint64(record, 1)
	record = append(record, 0x00, 0x01, 3, 0xaa, 0xbb, 0xcc)
	ht.exchange(appAPDU(InsProvideNFT, 0, 0, record))

	info, ok := ht.handler.Metadata().NFTs.Lookup(collection, 1)
	require.True(t, ok)
	assert.Equal(t, "MAYC", info.Name)
	assert.Equal(t, []byte{0xaa, 0xbb, 0xcc}, info.Signature)

	assert.Equal(t, apdu.StatusIncorrectData, ht.status(appAPDU(InsProvideNFT, 0, 0, record[:10])))
}

func TestPluginsNotInstalled(t *testing.T) {
	ht := newHandlerTest(t)
	assert.Equal(t, apdu.StatusPluginNotInstalled, ht.status(appAPDU(InsSetPlugin, 0, 0, []byte{1})))
	assert.Equal(t, apdu.StatusPluginNotInstalled, ht.status(appAPDU(InsSetExternalPlugin, 0, 0, nil)))
	assert.Equal(t, apdu.StatusIncorrectP1P2, ht.status(appAPDU(InsSetPlugin, 1, 0, nil)))
}

func TestUnknownCommand(t *testing.T) {
	ht := newHandlerTest(t)
	assert.Equal(t, apdu.StatusUnknownAPDU, ht.status(appAPDU(0x42, 0, 0, nil)))
	assert.Equal(t, apdu.StatusUnknownAPDU, ht.status(apdu.APDU{CLA: apdu.ClassOS, INS: InsGetAddress}))
	assert.Equal(t, apdu.StatusUnknownAPDU, ht.status(appAPDU(eip712.InsStructImplementation, 1, 0, nil)))
}

func TestChallenge(t *testing.T) {
	ht := newHandlerTest(t, WithRandom(bytes.NewReader([]byte{0xde, 0xad, 0xbe, 0xef})))

	_, ok := ht.handler.Challenge()
	assert.False(t, ok)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, ht.exchange(appAPDU(InsGetChallenge, 0, 0, nil)))
	challenge, ok := ht.handler.Challenge()
	require.True(t, ok)
	assert.Equal(t, uint32(0xdeadbeef), challenge)

	// The source is exhausted.
	assert.Equal(t, apdu.StatusTechnicalProblem, ht.status(appAPDU(InsGetChallenge, 0, 0, nil)))
}

func TestProvideDomainName(t *testing.T) {
	ht := newHandlerTest(t)

	payload := trustedName("vitalik.eth", recipient, 0xdeadbeef)
	cmds := chunked(InsProvideDomainName, P1DomainNameFirst, P1DomainNameMore,
		append(binary.BigEndian.AppendUint16(nil, uint16(len(payload))), payload...), 40)
	require.Greater(t, len(cmds), 1)
	for _, cmd := range cmds {
		ht.exchange(cmd)
	}
	names := ht.handler.Metadata().Names
	address, ok := names.Address("vitalik.eth")
	require.True(t, ok)
	assert.Equal(t, recipient, address)
	name, ok := names.Name(recipient)
	require.True(t, ok)
	assert.Equal(t, "vitalik.eth", name)

	assert.Equal(t, apdu.StatusIncorrectP1P2, ht.status(appAPDU(InsProvideDomainName, 0x80, 0, nil)))
}

func TestSignEip712Hashed(t *testing.T) {
	ht := newHandlerTest(t)

	domain := crypto.Keccak256Hash([]byte("domain"))
	message := crypto.Keccak256Hash([]byte("message"))
	v, rs := signatureBytes(t, ht.exchange(appAPDU(InsSignEip712, 0, P2Eip712Legacy, withPath(domain[:], message[:]))))

	require.Len(t, ht.signer.hashed, 1)
	hash := crypto.Keccak256([]byte{0x19, 0x01}, domain[:], message[:])
	pub, err := crypto.SigToPub(hash, append(rs, v-27))
	require.NoError(t, err)
	assert.Equal(t, testAddress, crypto.PubkeyToAddress(*pub))

	assert.Equal(t, apdu.StatusIncorrectData, ht.status(appAPDU(InsSignEip712, 0, P2Eip712Legacy, withPath(domain[:]))))
	assert.Equal(t, apdu.StatusIncorrectP1P2, ht.status(appAPDU(InsSignEip712, 0, 2, withPath())))
}

func permitTypedData() apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Permit": {
				{Name: "spender", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
			},
		},
		PrimaryType: "Permit",
		Domain: apitypes.TypedDataDomain{
			Name:              "USD Coin",
			ChainId:           math.NewHexOrDecimal256(1),
			VerifyingContract: usdc.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"spender":  recipient.Hex(),
			"value":    "2500000",
			"deadline": "1700000000",
		},
	}
}

func TestSignEip712Message(t *testing.T) {
	ht := newHandlerTest(t)

	typed := permitTypedData()
	cmds, err := eip712.EncodeTypedData(typed)
	require.NoError(t, err)
	for _, cmd := range cmds {
		ht.exchange(cmd)
	}
	v, rs := signatureBytes(t, ht.exchange(appAPDU(InsSignEip712, 0, P2Eip712Full, withPath())))

	require.Len(t, ht.signer.typed, 1)
	req := ht.signer.typed[0]
	assert.False(t, req.Legacy)
	assert.Equal(t, "Permit", req.TypedData.PrimaryType)

	hash, _, err := apitypes.TypedDataAndHash(typed)
	require.NoError(t, err)
	pub, err := crypto.SigToPub(hash, append(rs, v-27))
	require.NoError(t, err)
	assert.Equal(t, testAddress, crypto.PubkeyToAddress(*pub))

	// The session was consumed.
	assert.Equal(t, apdu.StatusIncorrectData, ht.status(appAPDU(InsSignEip712, 0, P2Eip712Full, withPath())))
}

func TestSignEip712Filtered(t *testing.T) {
	ht := newHandlerTest(t)
	ht.exchange(appAPDU(InsProvideERC20, 0, 0, tokenRecord("USDC", usdc, 6, 1)))

	cmds, err := eip712.EncodeTypedData(permitTypedData())
	require.NoError(t, err)
	// Struct definitions, then the domain values.
	split := len(cmds) - 4
	for _, cmd := range cmds[:len(cmds)-8] {
		ht.exchange(cmd)
	}
	ht.exchange(appAPDU(eip712.InsFilter, 0, P2FilterActivate, nil))
	for _, cmd := range cmds[len(cmds)-8 : split] {
		ht.exchange(cmd)
	}
	ht.exchange(appAPDU(eip712.InsFilter, 0, P2FilterContractName, []byte{4, 'U', 'S', 'D', 'C', 1, 1, 0xff}))
	ht.exchange(cmds[split])   // Permit root
	ht.exchange(cmds[split+1]) // spender
	ht.exchange(appAPDU(eip712.InsFilter, 0, P2FilterAmount, []byte{6, 'A', 'm', 'o', 'u', 'n', 't', 0, 1, 0xff}))
	ht.exchange(cmds[split+2]) // value
	ht.exchange(cmds[split+3]) // deadline
	ht.exchange(appAPDU(InsSignEip712, 0, P2Eip712Full, withPath()))

	require.Len(t, ht.signer.typed, 1)
	req := ht.signer.typed[0]
	require.True(t, req.TypedData.Filtered)
	require.Len(t, req.TypedData.Fields, 1)
	assert.Equal(t, "2.5 USDC", req.TypedData.Fields[0].Display(req.Tokens))
	assert.Equal(t, apdu.StatusIncorrectP1P2, ht.status(appAPDU(eip712.InsFilter, 0, 0x10, nil)))
}

func TestResetDropsTypedData(t *testing.T) {
	ht := newHandlerTest(t)

	cmds, err := eip712.EncodeTypedData(permitTypedData())
	require.NoError(t, err)
	for _, cmd := range cmds[:3] {
		ht.exchange(cmd)
	}
	ht.handler.Reset()
	assert.Equal(t, eip712.StateNone, ht.handler.typed.State())
	assert.Equal(t, apdu.StatusIncorrectData, ht.status(cmds[3]))
}

func mustRLP(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := rlp.EncodeToBytes(v)
	require.NoError(t, err)
	return b
}
