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

	"github.com/archmage-live/ledgerd/peripheral/apdu"
	"github.com/archmage-live/ledgerd/peripheral/request"
	"github.com/ethereum/go-ethereum/accounts"
)

var errMessageLength = apdu.NewStatusError(apdu.StatusIncorrectData, errors.New("eth: message exceeds declared length"))

// personalDecoder reassembles a personal message. The first chunk carries
// the derivation path and the big endian message length:
//
//	Description                      | Length
//	---------------------------------+----------
//	Derivation path                  | variable
//	Message length                   | 4 bytes
//	First message chunk              | remaining bytes
type personalDecoder struct {
	checker *request.Checker

	started  bool
	path     accounts.DerivationPath
	declared int
	buf      chunkBuffer
}

type personalMessage struct {
	path    accounts.DerivationPath
	message []byte
}

func newPersonalDecoder(timer *request.Timer) *personalDecoder {
	d := new(personalDecoder)
	d.checker = request.NewChecker(timer, d.clear)
	return d
}

func (d *personalDecoder) clear() {
	d.started = false
	d.path = nil
	d.declared = 0
	d.buf.reset()
}

func (d *personalDecoder) reset() {
	d.clear()
	d.checker.Done()
}

// receive returns the message once the declared length is met.
func (d *personalDecoder) receive(first bool, data []byte) (*personalMessage, error) {
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
		length, err := r.Uint32("message length")
		if err != nil {
			return nil, err
		}
		d.started, d.path, d.declared = true, path, int(length)
		data = r.Rest()
	} else if !d.started {
		return nil, errNotStarted
	}
	d.buf.write(data)

	switch {
	case d.buf.len() > d.declared:
		return nil, errMessageLength
	case d.buf.len() < d.declared:
		return nil, nil
	}
	msg := &personalMessage{path: d.path, message: d.buf.bytes()}
	d.reset()
	return msg, nil
}
