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

// Package apdu contains the Ledger flavoured ISO 7816 command and response
// primitives shared by the device-side protocol engine.
//
// A command travels from the host to the device as:
//
//	Description              | Length
//	-------------------------+----------
//	Class (CLA)              | 1 byte
//	Instruction (INS)        | 1 byte
//	Parameter 1 (P1)         | 1 byte
//	Parameter 2 (P2)         | 1 byte
//	Data length (Lc)         | 1 byte, optional when there is no data
//	Data                     | Lc bytes
//
// and every reply is the response data followed by a two byte status word.
package apdu

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	// ClassOS is the class byte of the dashboard (BOLOS) commands.
	ClassOS byte = 0xb0
	// ClassApp is the class byte of the commands routed to the running app.
	ClassApp byte = 0xe0

	// MaxDataLength is the largest payload a short APDU can carry.
	MaxDataLength = 255
	// MaxResponseLength is the largest reply payload. The status word follows
	// it on the wire.
	MaxResponseLength = 255

	headerLength = 4
)

var (
	// ErrMalformed is returned when raw bytes do not form a valid APDU.
	ErrMalformed = errors.New("apdu: malformed command")

	// ErrDataLength is returned when the Lc byte disagrees with the payload.
	ErrDataLength = fmt.Errorf("%w: data length mismatch", ErrMalformed)
)

// APDU is a single decoded command. The value is never mutated after it has
// been handed to a handler.
type APDU struct {
	CLA  byte
	INS  byte
	P1   byte
	P2   byte
	Data []byte
}

// Parse decodes a raw command as delivered by a transport.
func Parse(raw []byte) (APDU, error) {
	if len(raw) < headerLength {
		return APDU{}, fmt.Errorf("%w: %d header bytes", ErrMalformed, len(raw))
	}
	cmd := APDU{CLA: raw[0], INS: raw[1], P1: raw[2], P2: raw[3]}
	if len(raw) == headerLength {
		return cmd, nil
	}
	lc := int(raw[headerLength])
	if data := raw[headerLength+1:]; len(data) != lc {
		return APDU{}, fmt.Errorf("%w: lc %d, have %d", ErrDataLength, lc, len(data))
	}
	cmd.Data = append([]byte(nil), raw[headerLength+1:]...)
	return cmd, nil
}

// Bytes re-encodes the command in its wire form, always carrying the Lc byte.
func (a APDU) Bytes() []byte {
	out := make([]byte, 0, headerLength+1+len(a.Data))
	out = append(out, a.CLA, a.INS, a.P1, a.P2, byte(len(a.Data)))
	return append(out, a.Data...)
}

// Matches reports whether the command header equals the given quadruple.
func (a APDU) Matches(cla, ins, p1, p2 byte) bool {
	return a.CLA == cla && a.INS == ins && a.P1 == p1 && a.P2 == p2
}

// String implements fmt.Stringer for log output.
func (a APDU) String() string {
	return fmt.Sprintf("%02x %02x %02x %02x %s", a.CLA, a.INS, a.P1, a.P2, hexutil.Bytes(a.Data))
}
