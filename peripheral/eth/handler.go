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

// Package eth implements the Ethereum application of the peripheral: the
// command set hosts such as hw-app-eth speak to a Ledger device, decoded into
// structured requests for a Signer backend.
package eth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/archmage-live/ledgerd/peripheral/apdu"
	"github.com/archmage-live/ledgerd/peripheral/eth/eip712"
	"github.com/archmage-live/ledgerd/peripheral/request"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

// Instruction codes of the Ethereum application. The typed data transfer
// codes live in the eip712 package.
const (
	InsGetAddress        byte = 0x02
	InsSignTransaction   byte = 0x04
	InsGetConfiguration  byte = 0x06
	InsSignPersonal      byte = 0x08
	InsProvideERC20      byte = 0x0a
	InsSignEip712        byte = 0x0c
	InsSetExternalPlugin byte = 0x12
	InsProvideNFT        byte = 0x14
	InsSetPlugin         byte = 0x16
	InsGetChallenge      byte = 0x20
	InsProvideDomainName byte = 0x22
)

// Chunk markers of the multi APDU commands.
const (
	P1FirstChunk byte = 0x00
	P1MoreChunks byte = 0x80

	P1DomainNameFirst byte = 0x01
	P1DomainNameMore  byte = 0x00

	P2Eip712Legacy byte = 0x00
	P2Eip712Full   byte = 0x01
)

// Filter parameters of the typed data filtering command.
const (
	P2FilterActivate     byte = 0x00
	P2FilterContractName byte = 0x0f
	P2FilterDatetime     byte = 0xfc
	P2FilterToken        byte = 0xfd
	P2FilterAmount       byte = 0xfe
	P2FilterRaw          byte = 0xff
)

// Application configuration flags.
const (
	FlagArbitraryData     byte = 0x01
	FlagERC20Provisioning byte = 0x02
)

var (
	errIncorrectP1P2 = apdu.NewStatusError(apdu.StatusIncorrectP1P2, errors.New("eth: incorrect p1/p2"))
	errEip712Payload = apdu.NewStatusError(apdu.StatusIncorrectData, errors.New("eth: invalid typed data sign payload"))
	errVersion       = errors.New("eth: invalid application version")
)

var filterFormats = map[byte]eip712.Format{
	P2FilterRaw:      eip712.FormatRaw,
	P2FilterDatetime: eip712.FormatDatetime,
	P2FilterToken:    eip712.FormatToken,
	P2FilterAmount:   eip712.FormatAmount,
}

// Config contains the settings of the Ethereum application.
type Config struct {
	Version           string // reported as major.minor.patch
	ArbitraryData     bool   // blind signing of contract data allowed
	ERC20Provisioning bool   // ERC-20 metadata must be provided before signing
	MaxChunks         int    // transaction chunk limit
}

// DefaultConfig contains the default settings of the Ethereum application.
var DefaultConfig = Config{
	Version:           "1.10.4",
	ArbitraryData:     true,
	ERC20Provisioning: true,
	MaxChunks:         DefaultMaxChunks,
}

// Option customizes a Handler.
type Option func(*Handler)

// WithRandom replaces the source of challenges.
func WithRandom(r io.Reader) Option {
	return func(h *Handler) { h.random = r }
}

// Handler is the Ethereum application. It owns one set of decoders and
// metadata registries and is not safe for concurrent use; the dispatcher
// feeds it one APDU at a time.
type Handler struct {
	signer  Signer
	config  Config
	version [3]byte
	random  io.Reader
	log     log.Logger

	tokens *TokenRegistry
	nfts   *NftRegistry
	names  *DomainNameRegistry

	tx         *txDecoder
	personal   *personalDecoder
	typed      *eip712.Decoder
	domainName *domainNameDecoder

	lastID    uint64
	challenge *uint32
}

// New creates the Ethereum application on top of signer. Multi chunk requests
// expire with the given timer.
func New(signer Signer, timer *request.Timer, config Config, opts ...Option) (*Handler, error) {
	var major, minor, patch uint8
	if _, err := fmt.Sscanf(config.Version, "%d.%d.%d", &major, &minor, &patch); err != nil {
		return nil, fmt.Errorf("%w %q: %v", errVersion, config.Version, err)
	}
	h := &Handler{
		signer:     signer,
		config:     config,
		version:    [3]byte{major, minor, patch},
		random:     rand.Reader,
		log:        log.New("app", "Ethereum"),
		tokens:     NewTokenRegistry(),
		nfts:       NewNftRegistry(),
		names:      NewDomainNameRegistry(),
		tx:         newTxDecoder(timer, config.MaxChunks),
		personal:   newPersonalDecoder(timer),
		typed:      eip712.NewDecoder(timer),
		domainName: newDomainNameDecoder(timer),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Reset drops every request in flight.
func (h *Handler) Reset() {
	h.tx.reset()
	h.personal.reset()
	h.typed.Reset()
	h.domainName.reset()
}

// Clear drops the provisioned token, NFT and trusted name metadata.
func (h *Handler) Clear() {
	h.tokens.clear()
	h.nfts.clear()
	h.names.clear()
}

// Challenge returns the last challenge handed out, if any.
func (h *Handler) Challenge() (uint32, bool) {
	if h.challenge == nil {
		return 0, false
	}
	return *h.challenge, true
}

// Metadata returns the registries provisioned in this session.
func (h *Handler) Metadata() Metadata {
	return Metadata{Tokens: h.tokens, NFTs: h.nfts, Names: h.names}
}

func (h *Handler) nextID() uint64 {
	h.lastID++
	return h.lastID
}

// HandleAPDU executes one command and returns the full reply. A failed command
// drops every request in flight; errors carry the status word to report.
func (h *Handler) HandleAPDU(ctx context.Context, a apdu.APDU) ([]byte, error) {
	reply, err := h.dispatch(ctx, a)
	if err != nil {
		h.log.Warn("Ethereum command failed", "apdu", a, "err", err)
		h.Reset()
		var se *apdu.StatusError
		if !errors.As(err, &se) {
			err = apdu.NewStatusError(apdu.StatusIncorrectData, err)
		}
		return nil, err
	}
	return reply, nil
}

func (h *Handler) dispatch(ctx context.Context, a apdu.APDU) ([]byte, error) {
	if a.CLA != apdu.ClassApp {
		return nil, apdu.NewStatusError(apdu.StatusUnknownAPDU, fmt.Errorf("eth: unknown apdu %s", a))
	}
	switch a.INS {
	case InsGetConfiguration, InsProvideERC20, InsSetExternalPlugin, InsSetPlugin, InsProvideNFT, InsGetChallenge:
		if a.P1 != 0 || a.P2 != 0 {
			return nil, errIncorrectP1P2
		}
	}
	switch a.INS {
	case InsGetAddress:
		return h.getAddress(ctx, a)
	case InsSignTransaction:
		return h.signTransaction(ctx, a)
	case InsGetConfiguration:
		return h.getConfiguration(), nil
	case InsSignPersonal:
		return h.signPersonal(ctx, a)
	case InsProvideERC20:
		return h.provideERC20(a)
	case InsSignEip712:
		return h.signEip712(ctx, a)
	case InsSetExternalPlugin, InsSetPlugin:
		return apdu.StatusPluginNotInstalled.Bytes(), nil
	case InsProvideNFT:
		return h.provideNFT(a)
	case eip712.InsStructDefinition:
		return h.eip712Definition(a)
	case eip712.InsStructImplementation:
		return h.eip712Implementation(a)
	case eip712.InsFilter:
		return h.eip712Filter(a)
	case InsGetChallenge:
		return h.getChallenge()
	case InsProvideDomainName:
		return h.provideDomainName(a)
	}
	return nil, apdu.NewStatusError(apdu.StatusUnknownAPDU, fmt.Errorf("eth: unknown apdu %s", a))
}

// getAddress handles the retrieve address command:
//
//	Description                      | Length
//	---------------------------------+----------
//	Derivation path                  | variable
//	Chain ID                         | 8 bytes, optional
func (h *Handler) getAddress(ctx context.Context, a apdu.APDU) ([]byte, error) {
	if a.P1 > 1 || a.P2 > 1 {
		return nil, errIncorrectP1P2
	}
	r := apdu.NewReader(a.Data)
	path, err := apdu.ReadPath(r)
	if err != nil {
		return nil, err
	}
	var chainID *big.Int
	if r.Len() > 0 {
		id, err := r.Uint64("chain id")
		if err != nil {
			return nil, err
		}
		chainID = new(big.Int).SetUint64(id)
	}
	if err := r.Done(); err != nil {
		return nil, err
	}
	req := &GetAddressRequest{
		ID:        h.nextID(),
		Path:      path,
		Display:   a.P1 == 1,
		ChainCode: a.P2 == 1,
		ChainID:   chainID,
	}
	h.log.Debug("Retrieving address", "id", req.ID, "path", path, "display", req.Display)
	resp, err := h.signer.GetAddress(ctx, req)
	if err != nil {
		return nil, backendError(err)
	}
	return encodeAddress(resp, req.ChainCode), nil
}

func chunkFlag(p1, first, more byte) (bool, error) {
	switch p1 {
	case first:
		return true, nil
	case more:
		return false, nil
	}
	return false, errIncorrectP1P2
}

func (h *Handler) signTransaction(ctx context.Context, a apdu.APDU) ([]byte, error) {
	first, err := chunkFlag(a.P1, P1FirstChunk, P1MoreChunks)
	if err != nil || a.P2 != 0 {
		return nil, errIncorrectP1P2
	}
	decoded, err := h.tx.receive(first, a.Data)
	if err != nil {
		return nil, err
	}
	if decoded == nil {
		return apdu.Response(), nil
	}
	req := &SignTransactionRequest{
		ID:       h.nextID(),
		Path:     decoded.path,
		RawTx:    decoded.raw,
		Tx:       decoded.tx,
		ChainID:  decoded.chainID,
		Metadata: h.Metadata(),
	}
	h.log.Debug("Signing transaction", "id", req.ID, "path", req.Path, "type", req.Tx.Type(), "chainid", req.ChainID)
	sig, err := h.signer.SignTransaction(ctx, req)
	if err != nil {
		return nil, backendError(err)
	}
	v, err := TransactionV(req.Tx.Type(), req.ChainID, sig.YParity)
	if err != nil {
		return nil, apdu.NewStatusError(apdu.StatusTechnicalProblem, err)
	}
	return encodeSignature(v, sig), nil
}

// getConfiguration replies with the flags and the application version.
func (h *Handler) getConfiguration() []byte {
	var flags byte
	if h.config.ArbitraryData {
		flags |= FlagArbitraryData
	}
	if h.config.ERC20Provisioning {
		flags |= FlagERC20Provisioning
	}
	return apdu.Response([]byte{flags}, h.version[:])
}

func (h *Handler) signPersonal(ctx context.Context, a apdu.APDU) ([]byte, error) {
	first, err := chunkFlag(a.P1, P1FirstChunk, P1MoreChunks)
	if err != nil || a.P2 != 0 {
		return nil, errIncorrectP1P2
	}
	msg, err := h.personal.receive(first, a.Data)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return apdu.Response(), nil
	}
	req := &SignPersonalMsgRequest{ID: h.nextID(), Path: msg.path, Message: msg.message}
	h.log.Debug("Signing personal message", "id", req.ID, "path", req.Path, "len", len(req.Message))
	sig, err := h.signer.SignPersonalMessage(ctx, req)
	if err != nil {
		return nil, backendError(err)
	}
	return encodeSignature(sig.V(), sig), nil
}

func (h *Handler) provideERC20(a apdu.APDU) ([]byte, error) {
	token, err := ParseTokenInfo(a.Data)
	if err != nil {
		return nil, err
	}
	index, err := h.tokens.add(token)
	if err != nil {
		return nil, err
	}
	h.log.Debug("Provisioned ERC-20 token", "index", index, "ticker", token.Ticker, "address", token.Address, "chainid", token.ChainID)
	return apdu.Response([]byte{byte(index)}), nil
}

func (h *Handler) provideNFT(a apdu.APDU) ([]byte, error) {
	info, err := ParseNftInfo(a.Data)
	if err != nil {
		return nil, err
	}
	h.nfts.add(info)
	h.log.Debug("Provisioned NFT collection", "name", info.Name, "address", info.Address, "chainid", info.ChainID)
	return apdu.Response(), nil
}

// signEip712 handles both typed data signing modes:
//
//	Description                      | Length
//	---------------------------------+----------
//	Derivation path                  | variable
//	Domain separator, hashed mode    | 32 bytes
//	Message hash, hashed mode        | 32 bytes
//
// Without hashes the message transferred with the struct commands is signed.
func (h *Handler) signEip712(ctx context.Context, a apdu.APDU) ([]byte, error) {
	if a.P1 != 0 || a.P2 > P2Eip712Full {
		return nil, errIncorrectP1P2
	}
	r := apdu.NewReader(a.Data)
	path, err := apdu.ReadPath(r)
	if err != nil {
		return nil, err
	}
	var sig *Signature
	switch rest := r.Rest(); {
	case len(rest) == 2*common.HashLength && a.P2 == P2Eip712Legacy:
		req := &SignEip712HashedMsgRequest{
			ID:              h.nextID(),
			Path:            path,
			DomainSeparator: common.BytesToHash(rest[:common.HashLength]),
			MessageHash:     common.BytesToHash(rest[common.HashLength:]),
		}
		h.log.Debug("Signing hashed typed data", "id", req.ID, "path", path, "domain", req.DomainSeparator, "message", req.MessageHash)
		sig, err = h.signer.SignEip712HashedMessage(ctx, req)

	case len(rest) == 0:
		typed, decodeErr := h.typed.Decode()
		if decodeErr != nil {
			return nil, decodeErr
		}
		req := &SignEip712MsgRequest{
			ID:        h.nextID(),
			Path:      path,
			Legacy:    a.P2 == P2Eip712Legacy,
			TypedData: typed,
			Metadata:  h.Metadata(),
		}
		h.log.Debug("Signing typed data", "id", req.ID, "path", path, "primary", typed.PrimaryType, "filtered", typed.Filtered)
		sig, err = h.signer.SignEip712Message(ctx, req)

	default:
		return nil, errEip712Payload
	}
	if err != nil {
		return nil, backendError(err)
	}
	return encodeSignature(sig.V(), sig), nil
}

func (h *Handler) eip712Definition(a apdu.APDU) ([]byte, error) {
	if a.P1 != 0 {
		return nil, errIncorrectP1P2
	}
	var err error
	switch a.P2 {
	case eip712.P2StructName:
		err = h.typed.ReceiveTypeName(a.Data)
	case eip712.P2StructField:
		err = h.typed.ReceiveType(a.Data)
	default:
		return nil, errIncorrectP1P2
	}
	if err != nil {
		return nil, err
	}
	return apdu.Response(), nil
}

func (h *Handler) eip712Implementation(a apdu.APDU) ([]byte, error) {
	var phase eip712.ValuePhase
	switch {
	case a.P1 == eip712.P1Complete && a.P2 == eip712.P2RootStruct:
		phase = eip712.PhaseRoot
	case a.P1 == eip712.P1Complete && a.P2 == eip712.P2Array:
		phase = eip712.PhaseArray
	case a.P1 == eip712.P1Partial && a.P2 == eip712.P2StructField:
		phase = eip712.PhaseFieldPartial
	case a.P1 == eip712.P1Complete && a.P2 == eip712.P2StructField:
		phase = eip712.PhaseFieldComplete
	default:
		return nil, apdu.NewStatusError(apdu.StatusUnknownAPDU, fmt.Errorf("eth: unknown apdu %s", a))
	}
	if err := h.typed.ReceiveValue(a.Data, phase); err != nil {
		return nil, err
	}
	return apdu.Response(), nil
}

func (h *Handler) eip712Filter(a apdu.APDU) ([]byte, error) {
	if a.P1 != 0 {
		return nil, errIncorrectP1P2
	}
	var err error
	switch a.P2 {
	case P2FilterActivate:
		err = h.typed.ReceiveFilterActivate()
	case P2FilterContractName:
		err = h.typed.ReceiveFilterContractName(a.Data)
	default:
		format, ok := filterFormats[a.P2]
		if !ok {
			return nil, errIncorrectP1P2
		}
		err = h.typed.ReceiveFilterShowField(a.Data, format)
	}
	if err != nil {
		return nil, err
	}
	return apdu.Response(), nil
}

func (h *Handler) getChallenge() ([]byte, error) {
	var buf [4]byte
	if _, err := io.ReadFull(h.random, buf[:]); err != nil {
		return nil, apdu.NewStatusError(apdu.StatusTechnicalProblem, err)
	}
	challenge := uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
	h.challenge = &challenge
	return apdu.Response(buf[:]), nil
}

func (h *Handler) provideDomainName(a apdu.APDU) ([]byte, error) {
	first, err := chunkFlag(a.P1, P1DomainNameFirst, P1DomainNameMore)
	if err != nil || a.P2 != 0 {
		return nil, errIncorrectP1P2
	}
	name, err := h.domainName.receive(first, a.Data)
	if err != nil {
		return nil, err
	}
	if name == nil {
		return apdu.Response(), nil
	}
	if challenge, ok := h.Challenge(); !ok || challenge != name.Challenge {
		h.log.Debug("Trusted name challenge mismatch", "name", name.Name, "have", challenge, "want", name.Challenge)
	}
	h.names.add(name)
	h.log.Debug("Provisioned trusted name", "name", name.Name, "address", name.Address)
	return apdu.Response(), nil
}
