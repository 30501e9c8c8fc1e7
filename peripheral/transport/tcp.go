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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/archmage-live/ledgerd/peripheral/apdu"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
)

// maxTCPCommand is the largest command accepted on the TCP port: a five byte
// header, a length byte and the data.
const maxTCPCommand = 5 + apdu.MaxDataLength

var errTCPLength = errors.New("transport: command length out of range")

// TCPConn speaks the emulator APDU protocol used by ledgerjs and ledgerblue
// test transports. Commands arrive as a 4 byte big endian length followed by
// the APDU. Replies carry the length of the data without the status word,
// then the data and the status word.
type TCPConn struct {
	conn net.Conn
	log  log.Logger

	rlock sync.Mutex
	wlock sync.Mutex
}

// NewTCPConn wraps an accepted connection.
func NewTCPConn(conn net.Conn, logger log.Logger) *TCPConn {
	if logger == nil {
		logger = log.Root()
	}
	return &TCPConn{conn: conn, log: logger.New("remote", conn.RemoteAddr())}
}

// Receive reads the next command. A length prefix outside the accepted range
// desynchronizes the stream and is returned as a fatal error.
func (c *TCPConn) Receive(ctx context.Context) (apdu.APDU, error) {
	c.rlock.Lock()
	defer c.rlock.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
	}
	var header [4]byte
	if _, err := io.ReadFull(c.conn, header[:]); err != nil {
		return apdu.APDU{}, closedAsEOF(err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size == 0 || size > maxTCPCommand {
		return apdu.APDU{}, fmt.Errorf("%w: %d", errTCPLength, size)
	}
	raw := make([]byte, size)
	if _, err := io.ReadFull(c.conn, raw); err != nil {
		return apdu.APDU{}, closedAsEOF(err)
	}
	c.log.Trace("APDU received from the host", "apdu", hexutil.Bytes(raw))
	return apdu.Parse(raw)
}

// Send writes a reply, status word included.
func (c *TCPConn) Send(ctx context.Context, reply []byte) error {
	data, _, ok := apdu.Split(reply)
	if !ok {
		return fmt.Errorf("transport: reply %x lacks a status word", reply)
	}
	c.wlock.Lock()
	defer c.wlock.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
	}
	out := binary.BigEndian.AppendUint32(make([]byte, 0, 4+len(reply)), uint32(len(data)))
	out = append(out, reply...)
	c.log.Trace("APDU reply sent to the host", "reply", hexutil.Bytes(reply))
	_, err := c.conn.Write(out)
	return closedAsEOF(err)
}

func (c *TCPConn) Close() error {
	err := c.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func closedAsEOF(err error) error {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}

// TCPListener accepts emulator protocol connections.
type TCPListener struct {
	ln  net.Listener
	log log.Logger
}

// ListenTCP opens the APDU port, 9999 in the emulator's defaults.
func ListenTCP(addr string, logger log.Logger) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Root()
	}
	return &TCPListener{ln: ln, log: logger}, nil
}

// Addr returns the bound address.
func (l *TCPListener) Addr() net.Addr { return l.ln.Addr() }

// Accept waits for the next host. Cancelling ctx closes the listener.
func (l *TCPListener) Accept(ctx context.Context) (*TCPConn, error) {
	stop := context.AfterFunc(ctx, func() { l.ln.Close() })
	defer stop()

	conn, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	l.log.Info("TCP host connected", "remote", conn.RemoteAddr())
	return NewTCPConn(conn, l.log), nil
}

func (l *TCPListener) Close() error { return l.ln.Close() }
