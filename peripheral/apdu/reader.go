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

var (
	// ErrShortRead is returned when a field extends past the end of the input.
	ErrShortRead = errors.New("apdu: short read")

	// ErrTrailingData is returned when input is left over after decoding.
	ErrTrailingData = errors.New("apdu: trailing data")
)

// Reader is a bounds checked big endian cursor over a command payload.
type Reader struct {
	buf []byte
	off int
}

// NewReader creates a cursor positioned at the start of buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int { return len(r.buf) - r.off }

// Offset returns the number of bytes consumed so far.
func (r *Reader) Offset() int { return r.off }

func (r *Reader) next(field string, n int) ([]byte, error) {
	if n < 0 || r.Len() < n {
		return nil, fmt.Errorf("%w: %s needs %d bytes, have %d", ErrShortRead, field, n, r.Len())
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

// Byte reads a single byte.
func (r *Reader) Byte(field string) (byte, error) {
	b, err := r.next(field, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Uint16 reads a big endian 16 bit integer.
func (r *Reader) Uint16(field string) (uint16, error) {
	b, err := r.next(field, 2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// Uint32 reads a big endian 32 bit integer.
func (r *Reader) Uint32(field string) (uint32, error) {
	b, err := r.next(field, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// Uint64 reads a big endian 64 bit integer.
func (r *Reader) Uint64(field string) (uint64, error) {
	b, err := r.next(field, 8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// Bytes reads n bytes. The returned slice aliases the underlying buffer.
func (r *Reader) Bytes(field string, n int) ([]byte, error) {
	return r.next(field, n)
}

// LenPrefixed reads a one byte length followed by that many bytes.
func (r *Reader) LenPrefixed(field string) ([]byte, error) {
	n, err := r.Byte(field + " length")
	if err != nil {
		return nil, err
	}
	return r.next(field, int(n))
}

// String reads a one byte length prefixed string.
func (r *Reader) String(field string) (string, error) {
	b, err := r.LenPrefixed(field)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Rest consumes and returns every unread byte.
func (r *Reader) Rest() []byte {
	b := r.buf[r.off:]
	r.off = len(r.buf)
	return b
}

// Done fails if unread bytes remain.
func (r *Reader) Done() error {
	if n := r.Len(); n != 0 {
		return fmt.Errorf("%w: %d bytes", ErrTrailingData, n)
	}
	return nil
}
