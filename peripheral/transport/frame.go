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

// Package transport moves APDUs between Ledger host libraries and the
// peripheral over the wire formats those libraries already speak.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// tagAPDU marks frames carrying APDU data.
	tagAPDU byte = 0x05

	// ChannelHID is the channel id hosts use on USB HID.
	ChannelHID uint16 = 0x0101

	// MTUHID is the size of a USB HID report.
	MTUHID = 64
	// MTUBLE is the default BLE MTU before negotiation.
	MTUBLE = 20

	maxMessage = 0xffff
)

var (
	errFrameHeader   = errors.New("transport: invalid frame header")
	errFrameSequence = errors.New("transport: unexpected frame sequence")
	errFrameChannel  = errors.New("transport: unexpected channel")
	errFrameMTU      = errors.New("transport: mtu too small")
)

// Framer implements the Ledger framing that cuts messages into MTU sized
// frames:
//
//	Description                      | Length
//	---------------------------------+----------
//	Channel ID, HID only             | 2 bytes
//	Command tag (0x05)               | 1 byte
//	Sequence index                   | 2 bytes
//	Message length, first frame only | 2 bytes
//	Payload                          | up to the MTU
type Framer struct {
	MTU        int
	Channel    uint16
	HasChannel bool
}

// NewHIDFramer returns the framing of a USB HID link.
func NewHIDFramer() Framer {
	return Framer{MTU: MTUHID, Channel: ChannelHID, HasChannel: true}
}

// NewBLEFramer returns the framing of a BLE link with the negotiated MTU.
func NewBLEFramer(mtu int) Framer {
	return Framer{MTU: mtu}
}

func (f Framer) headerLength() int {
	if f.HasChannel {
		return 5
	}
	return 3
}

// Validate checks that at least one payload byte fits in the first frame.
func (f Framer) Validate() error {
	if f.MTU <= f.headerLength()+2 {
		return fmt.Errorf("%w: %d", errFrameMTU, f.MTU)
	}
	return nil
}

// Split cuts msg into frames. HID frames are zero padded to the MTU.
func (f Framer) Split(msg []byte) [][]byte {
	payload := binary.BigEndian.AppendUint16(nil, uint16(len(msg)))
	payload = append(payload, msg...)

	var (
		frames [][]byte
		space  = f.MTU - f.headerLength()
	)
	for seq := 0; len(payload) > 0; seq++ {
		frame := make([]byte, 0, f.MTU)
		if f.HasChannel {
			frame = binary.BigEndian.AppendUint16(frame, f.Channel)
		}
		frame = append(frame, tagAPDU)
		frame = binary.BigEndian.AppendUint16(frame, uint16(seq))

		n := min(space, len(payload))
		frame = append(frame, payload[:n]...)
		payload = payload[n:]
		if f.HasChannel {
			frame = frame[:f.MTU]
		}
		frames = append(frames, frame)
	}
	return frames
}

// Reassembler rebuilds messages from frames.
type Reassembler struct {
	framer Framer
	seq    uint16
	want   int
	buf    []byte
}

// NewReassembler creates a reassembler for the given framing.
func (f Framer) NewReassembler() *Reassembler {
	return &Reassembler{framer: f}
}

// Push consumes one frame and returns the message once it is complete. A
// frame with sequence zero always starts a new message. Any error discards
// the partial message.
func (r *Reassembler) Push(frame []byte) ([]byte, bool, error) {
	msg, done, err := r.push(frame)
	if err != nil || done {
		r.reset()
	}
	return msg, done, err
}

func (r *Reassembler) reset() {
	r.seq, r.want, r.buf = 0, 0, nil
}

func (r *Reassembler) push(frame []byte) ([]byte, bool, error) {
	if r.framer.HasChannel {
		if len(frame) < 2 {
			return nil, false, errFrameHeader
		}
		if channel := binary.BigEndian.Uint16(frame); channel != r.framer.Channel {
			return nil, false, fmt.Errorf("%w: 0x%04x", errFrameChannel, channel)
		}
		frame = frame[2:]
	}
	if len(frame) < 3 || frame[0] != tagAPDU {
		return nil, false, errFrameHeader
	}
	seq := binary.BigEndian.Uint16(frame[1:])
	payload := frame[3:]

	if seq == 0 {
		if len(payload) < 2 {
			return nil, false, errFrameHeader
		}
		r.reset()
		r.want = int(binary.BigEndian.Uint16(payload))
		r.buf = make([]byte, 0, r.want)
		payload = payload[2:]
	} else if r.buf == nil || seq != r.seq {
		return nil, false, fmt.Errorf("%w: got %d, want %d", errFrameSequence, seq, r.seq)
	}
	r.seq = seq + 1

	// HID frames carry padding past the end of the message.
	if left := r.want - len(r.buf); len(payload) > left {
		payload = payload[:left]
	}
	r.buf = append(r.buf, payload...)
	if len(r.buf) < r.want {
		return nil, false, nil
	}
	return r.buf, true, nil
}
