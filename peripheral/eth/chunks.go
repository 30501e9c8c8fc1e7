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

// chunkBuffer accumulates APDU payloads without re-copying what was already
// received. The chunks are joined once, when the request is complete.
type chunkBuffer struct {
	chunks [][]byte
	size   int
}

func (b *chunkBuffer) write(p []byte) {
	if len(p) == 0 {
		return
	}
	b.chunks = append(b.chunks, append([]byte(nil), p...))
	b.size += len(p)
}

func (b *chunkBuffer) len() int { return b.size }

// head returns up to n leading bytes.
func (b *chunkBuffer) head(n int) []byte {
	out := make([]byte, 0, n)
	for _, chunk := range b.chunks {
		if len(out) >= n {
			break
		}
		take := n - len(out)
		if take > len(chunk) {
			take = len(chunk)
		}
		out = append(out, chunk[:take]...)
	}
	return out
}

func (b *chunkBuffer) bytes() []byte {
	out := make([]byte, 0, b.size)
	for _, chunk := range b.chunks {
		out = append(out, chunk...)
	}
	return out
}

func (b *chunkBuffer) reset() {
	b.chunks = nil
	b.size = 0
}
