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

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/archmage-live/ledgerd/peripheral/apdu"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("transport: connection closed")

// FrameIO moves single frames over a link.
type FrameIO interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
}

// FrameConn runs the Ledger framing on top of a FrameIO. It supports one
// concurrent reader and one concurrent writer.
type FrameConn struct {
	io     FrameIO
	framer Framer
	reasm  *Reassembler
	log    log.Logger

	rlock sync.Mutex
	wlock sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewFrameConn wraps a frame link.
func NewFrameConn(fio FrameIO, framer Framer, logger log.Logger) (*FrameConn, error) {
	if err := framer.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Root()
	}
	return &FrameConn{
		io:     fio,
		framer: framer,
		reasm:  framer.NewReassembler(),
		log:    logger,
	}, nil
}

// Receive reads frames until a whole command is reassembled. Framing errors
// are reported as malformed commands so the caller can answer and continue.
func (c *FrameConn) Receive(ctx context.Context) (apdu.APDU, error) {
	c.rlock.Lock()
	defer c.rlock.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return apdu.APDU{}, err
		}
		frame, err := c.io.ReadFrame()
		if err != nil {
			return apdu.APDU{}, err
		}
		c.log.Trace("Data chunk received from the host", "chunk", hexutil.Bytes(frame))

		msg, done, err := c.reasm.Push(frame)
		if err != nil {
			return apdu.APDU{}, fmt.Errorf("%w: %v", apdu.ErrMalformed, err)
		}
		if done {
			return apdu.Parse(msg)
		}
	}
}

// Send frames the reply and writes it out.
func (c *FrameConn) Send(ctx context.Context, reply []byte) error {
	if len(reply) > maxMessage {
		return fmt.Errorf("transport: reply of %d bytes cannot be framed", len(reply))
	}
	c.wlock.Lock()
	defer c.wlock.Unlock()

	for _, frame := range c.framer.Split(reply) {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.log.Trace("Data chunk sent to the host", "chunk", hexutil.Bytes(frame))
		if err := c.io.WriteFrame(frame); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying link. It is safe to call more than once.
func (c *FrameConn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.io.Close() })
	return c.closeErr
}

// reportIO exchanges fixed size reports with a character device, such as
// the /dev/hidgN node of a Linux USB HID gadget.
type reportIO struct {
	dev  io.ReadWriteCloser
	size int
}

// OpenHID opens a HID gadget device node and serves the HID framing on it.
func OpenHID(path string, logger log.Logger) (*FrameConn, error) {
	dev, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	conn, err := NewFrameConn(&reportIO{dev: dev, size: MTUHID}, NewHIDFramer(), logger)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return conn, nil
}

func (r *reportIO) ReadFrame() ([]byte, error) {
	frame := make([]byte, r.size)
	n, err := r.dev.Read(frame)
	if err != nil {
		if errors.Is(err, os.ErrClosed) {
			return nil, io.EOF
		}
		return nil, err
	}
	return frame[:n], nil
}

func (r *reportIO) WriteFrame(frame []byte) error {
	_, err := r.dev.Write(frame)
	return err
}

func (r *reportIO) Close() error { return r.dev.Close() }
