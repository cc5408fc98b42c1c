// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/affinity/duplex"
	"github.com/bureau-foundation/affinity/lib/codec"
	"github.com/bureau-foundation/affinity/lib/config"
)

// closeGrace bounds the close frame written when the server closes a
// connection.
const closeGrace = time.Second

// wsTransport adapts a *websocket.Conn to duplex.Transport. gorilla
// allows one concurrent writer, so Send serializes on mu. WriteControl
// and Close may run concurrently with it.
type wsTransport struct {
	conn         *websocket.Conn
	messageType  int
	writeTimeout time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

var _ duplex.Transport = (*wsTransport)(nil)

func newTransport(conn *websocket.Conn, frameCodec codec.Codec, writeTimeout time.Duration) *wsTransport {
	messageType := websocket.TextMessage
	if frameCodec.Binary() {
		messageType = websocket.BinaryMessage
	}
	return &wsTransport{conn: conn, messageType: messageType, writeTimeout: writeTimeout}
}

func (t *wsTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}
	return t.conn.WriteMessage(t.messageType, data)
}

// Close sends a normal-closure frame and closes the socket. The read
// pump then fails and reports the close to the dispatcher, where the
// one-shot transition makes it a no-op.
func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(closeGrace))
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

// serveDuplex upgrades the request and pumps inbound messages into the
// dispatcher until the connection ends.
func (s *Server) serveDuplex(w http.ResponseWriter, r *http.Request, route config.Route) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.logger.Debug("websocket upgrade failed", "path", route.Path, "error", err)
		return
	}

	frameCodec, ok := codec.ForSubprotocol(conn.Subprotocol())
	if !ok {
		frameCodec = codec.JSON
	}
	conn.SetReadLimit(s.settings.Server.ReadLimit)
	transport := newTransport(conn, frameCodec, s.settings.Server.WriteTimeout.Std())

	// Handler callbacks outlive this request: the disconnect
	// notification runs after the pump below returns.
	ctx := context.WithoutCancel(r.Context())
	connection, err := s.dispatcher.OnAccept(ctx, route, transport, frameCodec)
	if err != nil {
		s.logger.Error("accepting connection", "path", route.Path, "error", err)
		message := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "")
		_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(closeGrace))
		_ = conn.Close()
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.dispatcher.OnError(connection, err)
			return
		}
		s.dispatcher.OnFrame(connection, data)
	}
}
