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

package apdu

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// StatusWord is the two byte trailer closing every reply.
type StatusWord uint16

const (
	StatusOK                          StatusWord = 0x9000
	StatusUserRefusedOnDevice         StatusWord = 0x5501
	StatusLockedDevice                StatusWord = 0x5515
	StatusIncorrectLength             StatusWord = 0x6700
	StatusInvalidAppNameLength        StatusWord = 0x670a
	StatusAppNotInstalled             StatusWord = 0x6807
	StatusPluginNotInstalled          StatusWord = 0x6984
	StatusConditionsOfUseNotSatisfied StatusWord = 0x6985
	StatusIncorrectData               StatusWord = 0x6a80
	StatusIncorrectP1P2               StatusWord = 0x6b00
	StatusInsNotSupported             StatusWord = 0x6d00
	StatusUnknownAPDU                 StatusWord = 0x6d02
	StatusClaNotSupported             StatusWord = 0x6e00
	StatusTechnicalProblem            StatusWord = 0x6f00
)

var statusNames = map[StatusWord]string{
	StatusOK:                          "ok",
	StatusUserRefusedOnDevice:         "user refused on device",
	StatusLockedDevice:                "locked device",
	StatusIncorrectLength:             "incorrect length",
	StatusInvalidAppNameLength:        "invalid app name length",
	StatusAppNotInstalled:             "app not installed",
	StatusPluginNotInstalled:          "plugin not installed",
	StatusConditionsOfUseNotSatisfied: "conditions of use not satisfied",
	StatusIncorrectData:               "incorrect data",
	StatusIncorrectP1P2:               "incorrect p1/p2",
	StatusInsNotSupported:             "instruction not supported",
	StatusUnknownAPDU:                 "unknown apdu",
	StatusClaNotSupported:             "class not supported",
	StatusTechnicalProblem:            "technical problem",
}

func (s StatusWord) String() string {
	if name, ok := statusNames[s]; ok {
		return fmt.Sprintf("0x%04x (%s)", uint16(s), name)
	}
	return fmt.Sprintf("0x%04x", uint16(s))
}

// Bytes returns the big endian wire form of the status word.
func (s StatusWord) Bytes() []byte {
	return binary.BigEndian.AppendUint16(nil, uint16(s))
}

// StatusError is an error carrying the status word it should be reported as.
type StatusError struct {
	Status StatusWord
	Err    error
}

// NewStatusError wraps err so that it is reported with the given status word.
func NewStatusError(status StatusWord, err error) *StatusError {
	return &StatusError{Status: status, Err: err}
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return "apdu: status " + e.Status.String()
	}
	return e.Err.Error()
}

func (e *StatusError) Unwrap() error { return e.Err }

// StatusOf maps an error returned by a handler to the status word sent back
// to the host. Unclassified errors are reported as an unknown APDU.
func StatusOf(err error) StatusWord {
	if err == nil {
		return StatusOK
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	switch {
	case errors.Is(err, ErrShortRead), errors.Is(err, ErrTrailingData), errors.Is(err, ErrInvalidPath):
		return StatusIncorrectData
	case errors.Is(err, ErrMalformed):
		return StatusIncorrectLength
	}
	return StatusUnknownAPDU
}
