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

// Response concatenates the given parts and terminates them with StatusOK.
func Response(parts ...[]byte) []byte {
	size := 2
	for _, part := range parts {
		size += len(part)
	}
	out := make([]byte, 0, size)
	for _, part := range parts {
		out = append(out, part...)
	}
	return append(out, StatusOK.Bytes()...)
}

// Split separates a reply into its data and status word. It is the host side
// view of a reply and is used by transports and tests.
func Split(reply []byte) ([]byte, StatusWord, bool) {
	if len(reply) < 2 {
		return nil, 0, false
	}
	n := len(reply) - 2
	return reply[:n], StatusWord(uint16(reply[n])<<8 | uint16(reply[n+1])), true
}
