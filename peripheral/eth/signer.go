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
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/archmage-live/ledgerd/peripheral/apdu"
	"github.com/archmage-live/ledgerd/peripheral/eth/eip712"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrRejected is returned by a Signer when the user declines a request.
	ErrRejected = errors.New("eth: request rejected")

	// ErrLocked is returned by a Signer while its keys are unavailable.
	ErrLocked = errors.New("eth: signer locked")

	errInvalidSignature = errors.New("eth: invalid signature")
)

// Signer is the backend holding the keys and the user's consent. Every method
// blocks until the request is approved, rejected or ctx is done.
type Signer interface {
	GetAddress(ctx context.Context, req *GetAddressRequest) (*GetAddressResponse, error)
	SignTransaction(ctx context.Context, req *SignTransactionRequest) (*Signature, error)
	SignPersonalMessage(ctx context.Context, req *SignPersonalMsgRequest) (*Signature, error)
	SignEip712HashedMessage(ctx context.Context, req *SignEip712HashedMsgRequest) (*Signature, error)
	SignEip712Message(ctx context.Context, req *SignEip712MsgRequest) (*Signature, error)
}

// Metadata bundles the provisioned registries a request may consult. They are
// shared by reference and only read while the request is processed.
type Metadata struct {
	Tokens *TokenRegistry
	NFTs   *NftRegistry
	Names  *DomainNameRegistry
}

// GetAddressRequest asks for the account at Path.
type GetAddressRequest struct {
	ID        uint64
	Path      accounts.DerivationPath
	Display   bool     // the address must be shown for confirmation
	ChainCode bool     // the BIP-32 chain code is requested too
	ChainID   *big.Int // optional, nil when the host did not send one
}

// GetAddressResponse carries the derived account.
type GetAddressResponse struct {
	PublicKey []byte // uncompressed secp256k1 point, 65 bytes
	Address   common.Address
	ChainCode []byte // 32 bytes, only when requested
}

// SignTransactionRequest asks for a transaction signature.
type SignTransactionRequest struct {
	ID      uint64
	Path    accounts.DerivationPath
	RawTx   []byte // unsigned transaction exactly as received
	Tx      *types.Transaction
	ChainID *big.Int // nil for unprotected legacy transactions
	Metadata
}

// Token returns the provisioned metadata of the called contract when the
// transaction is an ERC-20 transfer or approval.
func (r *SignTransactionRequest) Token() (*TokenInfo, bool) {
	if r.Tokens == nil || r.Tx.To() == nil || r.ChainID == nil || !IsERC20Call(r.Tx.Data()) {
		return nil, false
	}
	token, err := r.Tokens.ByContractAddressAndChainID(*r.Tx.To(), r.ChainID)
	return token, err == nil
}

// SignPersonalMsgRequest asks for an EIP-191 personal_sign signature.
type SignPersonalMsgRequest struct {
	ID      uint64
	Path    accounts.DerivationPath
	Message []byte
}

// SignEip712HashedMsgRequest asks for a signature over pre-hashed typed data.
type SignEip712HashedMsgRequest struct {
	ID              uint64
	Path            accounts.DerivationPath
	DomainSeparator common.Hash
	MessageHash     common.Hash
}

// SigningHash returns keccak256("\x19\x01" || domainSeparator || messageHash).
func (r *SignEip712HashedMsgRequest) SigningHash() []byte {
	return crypto.Keccak256([]byte{0x19, 0x01}, r.DomainSeparator[:], r.MessageHash[:])
}

// SignEip712MsgRequest asks for a signature over fully transferred typed data.
type SignEip712MsgRequest struct {
	ID        uint64
	Path      accounts.DerivationPath
	Legacy    bool // the host requested the legacy implementation (P2 0)
	TypedData *eip712.TypedData
	Metadata
}

// Signature is a secp256k1 signature as produced by a Signer.
type Signature struct {
	R       [32]byte
	S       [32]byte
	YParity uint8 // recovery id, 0 or 1
}

// NewSignature parses a 65 byte [R || S || V] signature where V is either the
// recovery id or the recovery id plus 27.
func NewSignature(sig []byte) (*Signature, error) {
	if len(sig) != crypto.SignatureLength {
		return nil, fmt.Errorf("%w: %d bytes", errInvalidSignature, len(sig))
	}
	v := sig[crypto.RecoveryIDOffset]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return nil, fmt.Errorf("%w: v %d", errInvalidSignature, sig[crypto.RecoveryIDOffset])
	}
	s := &Signature{YParity: v}
	copy(s.R[:], sig[:32])
	copy(s.S[:], sig[32:64])
	return s, nil
}

// V returns the recovery id in its Homestead form, 27 or 28.
func (s *Signature) V() byte { return 27 + s.YParity }

// backendError maps a Signer failure to the status word reported to the host.
func backendError(err error) error {
	var se *apdu.StatusError
	switch {
	case errors.As(err, &se):
		return err
	case errors.Is(err, ErrRejected):
		return apdu.NewStatusError(apdu.StatusConditionsOfUseNotSatisfied, err)
	case errors.Is(err, ErrLocked):
		return apdu.NewStatusError(apdu.StatusLockedDevice, err)
	}
	return apdu.NewStatusError(apdu.StatusTechnicalProblem, err)
}
