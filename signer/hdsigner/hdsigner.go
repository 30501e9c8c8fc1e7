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

// Package hdsigner implements the Ethereum app signing backend on top of a
// BIP-39 mnemonic, deriving keys along BIP-32 paths.
package hdsigner

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"

	"github.com/archmage-live/ledgerd/peripheral/eth"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/tyler-smith/go-bip39"
)

var errInvalidMnemonic = errors.New("hdsigner: invalid mnemonic")

// account is a derived key together with its chain code.
type account struct {
	key       *ecdsa.PrivateKey
	chainCode []byte
}

// Signer holds a master key and signs requests after they were approved.
type Signer struct {
	approver Approver
	log      log.Logger

	mu       sync.Mutex
	master   *hdkeychain.ExtendedKey // nil while locked
	accounts map[string]*account     // derived keys by path
}

// Option configures a Signer.
type Option func(*Signer)

// WithApprover installs the approval policy, AutoApprove by default.
func WithApprover(a Approver) Option {
	return func(s *Signer) { s.approver = a }
}

// WithLogger replaces the signer's logger.
func WithLogger(l log.Logger) Option {
	return func(s *Signer) { s.log = l }
}

// NewMnemonic creates a fresh 24 word mnemonic.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// New creates a signer from a BIP-39 mnemonic and optional passphrase.
func New(mnemonic, passphrase string, opts ...Option) (*Signer, error) {
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidMnemonic, err)
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}
	s := &Signer{
		approver: AutoApprove,
		log:      log.New("signer", "hd"),
		master:   master,
		accounts: make(map[string]*account),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Lock drops all key material. Every request fails with eth.ErrLocked
// afterwards.
func (s *Signer) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.master = nil
	s.accounts = make(map[string]*account)
	s.log.Info("Signer locked")
}

func (s *Signer) derive(path accounts.DerivationPath) (*account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.master == nil {
		return nil, eth.ErrLocked
	}
	if acc, ok := s.accounts[path.String()]; ok {
		return acc, nil
	}
	key := s.master
	for _, n := range path {
		child, err := key.Derive(n)
		if err != nil {
			return nil, fmt.Errorf("hdsigner: derive %s: %w", path, err)
		}
		key = child
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, err
	}
	ecdsaKey, err := crypto.ToECDSA(priv.Serialize())
	if err != nil {
		return nil, err
	}
	acc := &account{key: ecdsaKey, chainCode: key.ChainCode()}
	s.accounts[path.String()] = acc
	return acc, nil
}

// Address returns the account derived along path.
func (s *Signer) Address(path accounts.DerivationPath) (*eth.GetAddressResponse, error) {
	acc, err := s.derive(path)
	if err != nil {
		return nil, err
	}
	return &eth.GetAddressResponse{
		PublicKey: crypto.FromECDSAPub(&acc.key.PublicKey),
		Address:   crypto.PubkeyToAddress(acc.key.PublicKey),
		ChainCode: acc.chainCode,
	}, nil
}

func (s *Signer) GetAddress(ctx context.Context, req *eth.GetAddressRequest) (*eth.GetAddressResponse, error) {
	resp, err := s.Address(req.Path)
	if err != nil {
		return nil, err
	}
	if req.Display {
		if err := s.approve(ctx, req.ID, describeAddress(req, resp)); err != nil {
			return nil, err
		}
	}
	if !req.ChainCode {
		resp.ChainCode = nil
	}
	return resp, nil
}

func (s *Signer) SignTransaction(ctx context.Context, req *eth.SignTransactionRequest) (*eth.Signature, error) {
	signer := types.LatestSignerForChainID(req.ChainID)
	return s.sign(ctx, req.ID, req.Path, signer.Hash(req.Tx).Bytes(), describeTransaction(req))
}

func (s *Signer) SignPersonalMessage(ctx context.Context, req *eth.SignPersonalMsgRequest) (*eth.Signature, error) {
	return s.sign(ctx, req.ID, req.Path, accounts.TextHash(req.Message), describePersonal(req))
}

func (s *Signer) SignEip712HashedMessage(ctx context.Context, req *eth.SignEip712HashedMsgRequest) (*eth.Signature, error) {
	return s.sign(ctx, req.ID, req.Path, req.SigningHash(), describeHashed(req))
}

func (s *Signer) SignEip712Message(ctx context.Context, req *eth.SignEip712MsgRequest) (*eth.Signature, error) {
	hash, err := req.TypedData.SigningHash()
	if err != nil {
		return nil, fmt.Errorf("hdsigner: typed data: %w", err)
	}
	return s.sign(ctx, req.ID, req.Path, hash, describeTypedData(req))
}

func (s *Signer) sign(ctx context.Context, id uint64, path accounts.DerivationPath, hash []byte, summary *Summary) (*eth.Signature, error) {
	acc, err := s.derive(path)
	if err != nil {
		return nil, err
	}
	summary.Signer = crypto.PubkeyToAddress(acc.key.PublicKey)
	summary.Path = path
	if err := s.approve(ctx, id, summary); err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(hash, acc.key)
	if err != nil {
		return nil, err
	}
	s.log.Debug("Signed request", "id", id, "kind", summary.Title, "path", path)
	return eth.NewSignature(sig)
}

func (s *Signer) approve(ctx context.Context, id uint64, summary *Summary) error {
	ok, err := s.approver.Approve(ctx, summary)
	switch {
	case err != nil:
		return err
	case !ok:
		s.log.Info("Request rejected", "id", id, "kind", summary.Title)
		return eth.ErrRejected
	}
	return nil
}
