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
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"
)

// handshakeTimeout bounds the websocket opening handshake.
const handshakeTimeout = 5 * time.Second

// wsIO carries one frame per binary websocket message, the way BLE bridges
// relay GATT writes and notifications.
//
// Gorilla connections support one concurrent reader and one concurrent
// writer. The FrameConn locks cover the data path, closeLock guards the
// close handshake against a concurrent write.
type wsIO struct {
	conn      *websocket.Conn
	closeLock sync.Mutex
}

func (w *wsIO) ReadFrame() ([]byte, error) {
	for {
		kind, msg, err := w.conn.ReadMessage()
		switch {
		case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
			return nil, io.EOF
		case errors.Is(err, net.ErrClosed):
			return nil, io.EOF
		case err != nil:
			return nil, err
		case kind == websocket.BinaryMessage:
			return msg, nil
		}
	}
}

func (w *wsIO) WriteFrame(frame []byte) error {
	w.closeLock.Lock()
	defer w.closeLock.Unlock()
	return w.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (w *wsIO) Close() error {
	w.closeLock.Lock()
	defer w.closeLock.Unlock()

	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	w.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	return w.conn.Close()
}

// NewWSConn runs the Ledger framing over an established websocket.
func NewWSConn(conn *websocket.Conn, framer Framer, logger log.Logger) (*FrameConn, error) {
	return NewFrameConn(&wsIO{conn: conn}, framer, logger)
}

// DialWS connects to a websocket relay that forwards frames from a host.
func DialWS(ctx context.Context, url string, framer Framer, logger log.Logger) (*FrameConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	fc, err := NewWSConn(conn, framer, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return fc, nil
}

// WSHandler upgrades incoming HTTP requests to websockets and serves each
// connection until it closes.
type WSHandler struct {
	framer   Framer
	serve    func(ctx context.Context, conn *FrameConn) error
	log      log.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a websocket endpoint. Every accepted connection is
// handed to serve, which owns it from then on.
func NewWSHandler(framer Framer, serve func(ctx context.Context, conn *FrameConn) error, logger log.Logger) *WSHandler {
	if logger == nil {
		logger = log.Root()
	}
	return &WSHandler{
		framer: framer,
		serve:  serve,
		log:    logger,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: handshakeTimeout,
			// Browser based wallets connect from arbitrary origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("Websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn, err := NewWSConn(ws, h.framer, h.log)
	if err != nil {
		h.log.Warn("Rejecting websocket host", "err", err)
		ws.Close()
		return
	}
	h.log.Info("Websocket host connected", "remote", r.RemoteAddr)
	if err := h.serve(r.Context(), conn); err != nil {
		h.log.Warn("Websocket host session failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	h.log.Info("Websocket host disconnected", "remote", r.RemoteAddr)
}
