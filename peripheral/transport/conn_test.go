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
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/archmage-live/ledgerd/peripheral/apdu"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// queueIO replays frames and records the written ones.
type queueIO struct {
	in     [][]byte
	out    [][]byte
	closed int
}

func (q *queueIO) ReadFrame() ([]byte, error) {
	if len(q.in) == 0 {
		return nil, io.EOF
	}
	frame := q.in[0]
	q.in = q.in[1:]
	return frame, nil
}

func (q *queueIO) WriteFrame(frame []byte) error {
	q.out = append(q.out, frame)
	return nil
}

func (q *queueIO) Close() error {
	q.closed++
	return nil
}

var getConfiguration = apdu.APDU{CLA: apdu.ClassApp, INS: 0x06}

func TestFrameConnReceive(t *testing.T) {
	framer := NewHIDFramer()
	cmd := apdu.APDU{CLA: apdu.ClassApp, INS: 0x04, Data: make([]byte, 200)}

	q := &queueIO{in: framer.Split(cmd.Bytes())}
	conn, err := NewFrameConn(q, framer, nil)
	require.NoError(t, err)

	got, err := conn.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cmd, got)

	_, err = conn.Receive(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameConnMalformed(t *testing.T) {
	framer := NewBLEFramer(MTUBLE)
	frames := framer.Split(make([]byte, 40))
	q := &queueIO{in: [][]byte{frames[1]}}
	conn, err := NewFrameConn(q, framer, nil)
	require.NoError(t, err)

	_, err = conn.Receive(context.Background())
	assert.ErrorIs(t, err, apdu.ErrMalformed)
	assert.Equal(t, apdu.StatusIncorrectLength, apdu.StatusOf(err))
}

func TestFrameConnSendAndClose(t *testing.T) {
	q := new(queueIO)
	conn, err := NewFrameConn(q, NewBLEFramer(MTUBLE), nil)
	require.NoError(t, err)

	reply := apdu.Response(make([]byte, 40))
	require.NoError(t, conn.Send(context.Background(), reply))
	require.Len(t, q.out, 3)

	r := NewBLEFramer(MTUBLE).NewReassembler()
	var msg []byte
	for _, frame := range q.out {
		msg, _, err = r.Push(frame)
		require.NoError(t, err)
	}
	assert.Equal(t, reply, msg)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.Equal(t, 1, q.closed)
}

func TestNewFrameConnRejectsSmallMTU(t *testing.T) {
	_, err := NewFrameConn(new(queueIO), NewBLEFramer(4), nil)
	assert.ErrorIs(t, err, errFrameMTU)
}

// tcpCommand frames raw the way the emulator clients do.
func tcpCommand(raw []byte) []byte {
	return append(binary.BigEndian.AppendUint32(nil, uint32(len(raw))), raw...)
}

func handlerFunc(serve func(*websocket.Conn), upgrader *websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn)
	}
}

func TestTCPConn(t *testing.T) {
	host, device := net.Pipe()
	defer host.Close()
	conn := NewTCPConn(device, nil)
	defer conn.Close()

	go host.Write(tcpCommand(getConfiguration.Bytes()))
	got, err := conn.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, getConfiguration.INS, got.INS)
	assert.Empty(t, got.Data)

	reply := apdu.Response([]byte{0x01, 0x01, 0x0a, 0x04})
	go conn.Send(context.Background(), reply)

	out := make([]byte, 4+len(reply))
	_, err = io.ReadFull(host, out)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 4, 0x01, 0x01, 0x0a, 0x04, 0x90, 0x00}, out)
}

func TestTCPConnRejectsLength(t *testing.T) {
	host, device := net.Pipe()
	defer host.Close()
	conn := NewTCPConn(device, nil)
	defer conn.Close()

	go host.Write([]byte{0, 0, 0x01, 0x05})
	_, err := conn.Receive(context.Background())
	assert.ErrorIs(t, err, errTCPLength)
}

func TestTCPConnEOF(t *testing.T) {
	host, device := net.Pipe()
	conn := NewTCPConn(device, nil)
	defer conn.Close()

	host.Close()
	_, err := conn.Receive(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestTCPListenerAccept(t *testing.T) {
	ln, err := ListenTCP("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		host, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			return
		}
		defer host.Close()
		host.Write(tcpCommand(getConfiguration.Bytes()))
		time.Sleep(100 * time.Millisecond)
	}()
	conn, err := ln.Accept(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	got, err := conn.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, getConfiguration, got)

	// Accept gives up once the context is cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = ln.Accept(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWebsocketSession(t *testing.T) {
	framer := NewBLEFramer(MTUBLE)
	served := make(chan apdu.APDU, 1)

	handler := NewWSHandler(framer, func(ctx context.Context, conn *FrameConn) error {
		defer conn.Close()
		cmd, err := conn.Receive(ctx)
		if err != nil {
			return err
		}
		served <- cmd
		return conn.Send(ctx, apdu.Response([]byte{0x01, 0x01, 0x0a, 0x04}))
	}, nil)
	server := httptest.NewServer(handler)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	host, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer host.Close()

	cmd := apdu.APDU{CLA: apdu.ClassApp, INS: 0x02, Data: make([]byte, 21)}
	for _, frame := range framer.Split(cmd.Bytes()) {
		require.NoError(t, host.WriteMessage(websocket.BinaryMessage, frame))
	}
	select {
	case got := <-served:
		assert.Equal(t, cmd, got)
	case <-time.After(5 * time.Second):
		t.Fatal("command not delivered")
	}

	r := framer.NewReassembler()
	for {
		kind, frame, err := host.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, websocket.BinaryMessage, kind)
		msg, done, err := r.Push(frame)
		require.NoError(t, err)
		if done {
			assert.Equal(t, apdu.Response([]byte{0x01, 0x01, 0x0a, 0x04}), msg)
			break
		}
	}
}

func TestDialWS(t *testing.T) {
	upgrader := websocket.Upgrader{}
	frames := make(chan []byte, 4)
	server := httptest.NewServer(handlerFunc(func(conn *websocket.Conn) {
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				close(frames)
				return
			}
			frames <- frame
		}
	}, &upgrader))
	defer server.Close()

	conn, err := DialWS(context.Background(), "ws"+strings.TrimPrefix(server.URL, "http"), NewHIDFramer(), nil)
	require.NoError(t, err)
	require.NoError(t, conn.Send(context.Background(), apdu.StatusOK.Bytes()))

	frame := <-frames
	assert.Equal(t, []byte{0x01, 0x01, 0x05, 0x00, 0x00, 0x00, 0x02, 0x90, 0x00}, frame[:9])
	require.NoError(t, conn.Close())
}
