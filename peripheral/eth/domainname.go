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

	"github.com/archmage-live/ledgerd/peripheral/apdu"
	"github.com/archmage-live/ledgerd/peripheral/request"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

// Tags of the trusted name descriptor TLV payload.
const (
	tagStructureType byte = 0x01
	tagVersion       byte = 0x02
	tagChallenge     byte = 0x12
	tagSignerKeyID   byte = 0x13
	tagSignerAlgo    byte = 0x14
	tagSignature     byte = 0x15
	tagTrustedName   byte = 0x20
	tagCoinType      byte = 0x21
	tagAddress       byte = 0x22
	tagChainID       byte = 0x23
	tagNameType      byte = 0x70
	tagNameSource    byte = 0x71
	tagNFTID         byte = 0x72
)

var (
	errDomainNameLength = apdu.NewStatusError(apdu.StatusIncorrectData, errors.New("eth: domain name payload exceeds declared length"))
	errTLVLength        = errors.New("eth: invalid tlv length")
	errTLVInteger       = errors.New("eth: invalid tlv integer")
	errNotStarted       = errors.New("eth: continuation without first chunk")
)

// DomainName is a decoded trusted name descriptor.
type DomainName struct {
	StructureType uint8
	Version       uint8
	Challenge     uint32
	SignerKeyID   uint16
	SignerAlgo    uint8
	Signature     []byte
	Name          string
	CoinType      uint32
	Address       *common.Address
	ChainID       uint64
	NameType      uint8
	NameSource    uint8
	NFTID         []byte
}

// ParseDomainName decodes a TLV encoded trusted name descriptor. Lengths use
// the DER short form or the long forms 0x81 and 0x82. Unknown tags are skipped.
func ParseDomainName(payload []byte) (*DomainName, error) {
	r := apdu.NewReader(payload)
	name := new(DomainName)
	for r.Len() > 0 {
		tag, err := r.Byte("tag")
		if err != nil {
			return nil, err
		}
		value, err := readTLVValue(r)
		if err != nil {
			return nil, err
		}
		var n uint64
		switch tag {
		case tagStructureType, tagVersion, tagChallenge, tagSignerKeyID, tagSignerAlgo,
			tagCoinType, tagChainID, tagNameType, tagNameSource:
			if n, err = tlvUint(value); err != nil {
				return nil, fmt.Errorf("tag 0x%02x: %w", tag, err)
			}
		}
		switch tag {
		case tagStructureType:
			name.StructureType = uint8(n)
		case tagVersion:
			name.Version = uint8(n)
		case tagChallenge:
			name.Challenge = uint32(n)
		case tagSignerKeyID:
			name.SignerKeyID = uint16(n)
		case tagSignerAlgo:
			name.SignerAlgo = uint8(n)
		case tagSignature:
			name.Signature = common.CopyBytes(value)
		case tagTrustedName:
			name.Name = string(value)
		case tagCoinType:
			name.CoinType = uint32(n)
		case tagAddress:
			if len(value) != common.AddressLength {
				return nil, fmt.Errorf("%w: address of %d bytes", errTLVLength, len(value))
			}
			address := common.BytesToAddress(value)
			name.Address = &address
		case tagChainID:
			name.ChainID = n
		case tagNameType:
			name.NameType = uint8(n)
		case tagNameSource:
			name.NameSource = uint8(n)
		case tagNFTID:
			name.NFTID = common.CopyBytes(value)
		default:
			log.Debug("Skipping unknown trusted name tag", "tag", tag, "len", len(value))
		}
	}
	return name, nil
}

func readTLVValue(r *apdu.Reader) ([]byte, error) {
	first, err := r.Byte("length")
	if err != nil {
		return nil, err
	}
	length := int(first)
	switch {
	case first < 0x80:
	case first == 0x81:
		b, err := r.Byte("length")
		if err != nil {
			return nil, err
		}
		length = int(b)
	case first == 0x82:
		u, err := r.Uint16("length")
		if err != nil {
			return nil, err
		}
		length = int(u)
	default:
		return nil, fmt.Errorf("%w: form 0x%02x", errTLVLength, first)
	}
	return r.Bytes("value", length)
}

func tlvUint(value []byte) (uint64, error) {
	if len(value) == 0 || len(value) > 8 {
		return 0, fmt.Errorf("%w: %d bytes", errTLVInteger, len(value))
	}
	var n uint64
	for _, b := range value {
		n = n<<8 | uint64(b)
	}
	return n, nil
}

// DomainNameRegistry maps provisioned trusted names to addresses and back.
type DomainNameRegistry struct {
	forward map[string]common.Address
	reverse map[common.Address]string
	names   []*DomainName
}

func NewDomainNameRegistry() *DomainNameRegistry {
	return &DomainNameRegistry{
		forward: make(map[string]common.Address),
		reverse: make(map[common.Address]string),
	}
}

func (d *DomainNameRegistry) add(name *DomainName) {
	d.names = append(d.names, name)
	if name.Name == "" || name.Address == nil {
		return
	}
	d.forward[name.Name] = *name.Address
	d.reverse[*name.Address] = name.Name
}

func (d *DomainNameRegistry) clear() {
	d.forward = make(map[string]common.Address)
	d.reverse = make(map[common.Address]string)
	d.names = nil
}

// Len returns the number of provisioned descriptors.
func (d *DomainNameRegistry) Len() int { return len(d.names) }

// Address resolves a trusted name.
func (d *DomainNameRegistry) Address(name string) (common.Address, bool) {
	address, ok := d.forward[name]
	return address, ok
}

// Name returns the trusted name registered for an address.
func (d *DomainNameRegistry) Name(address common.Address) (string, bool) {
	name, ok := d.reverse[address]
	return name, ok
}

// domainNameDecoder reassembles a descriptor split over several chunks. The
// first chunk is prefixed with the big endian total payload length.
type domainNameDecoder struct {
	checker  *request.Checker
	started  bool
	declared int
	buf      chunkBuffer
}

func newDomainNameDecoder(timer *request.Timer) *domainNameDecoder {
	d := new(domainNameDecoder)
	d.checker = request.NewChecker(timer, d.clear)
	return d
}

func (d *domainNameDecoder) clear() {
	d.started = false
	d.declared = 0
	d.buf.reset()
}

func (d *domainNameDecoder) reset() {
	d.clear()
	d.checker.Done()
}

// receive returns the decoded descriptor once the declared length is met.
func (d *domainNameDecoder) receive(first bool, data []byte) (*DomainName, error) {
	if err := d.checker.Check(first); err != nil {
		return nil, err
	}
	if first {
		d.clear()
		r := apdu.NewReader(data)
		total, err := r.Uint16("payload length")
		if err != nil {
			return nil, err
		}
		d.started, d.declared = true, int(total)
		data = r.Rest()
	} else if !d.started {
		return nil, errNotStarted
	}
	d.buf.write(data)

	switch {
	case d.buf.len() > d.declared:
		return nil, errDomainNameLength
	case d.buf.len() < d.declared:
		return nil, nil
	}
	payload := d.buf.bytes()
	d.reset()
	return ParseDomainName(payload)
}
