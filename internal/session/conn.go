package session

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const (
	pingInterval = 30 * time.Second
	pongTimeout  = 60 * time.Second
	// chunkSpacing paces multi-frame responses as a crude back-pressure
	// proxy, so one large response can't monopolize a connection's outbox.
	chunkSpacing = 100 * time.Millisecond
)

// Handler answers one decoded client request and returns its msgpack
// response payload, or a store-style error kind on failure.
type Handler interface {
	Handle(userID int64, exclude any, name string, payload []byte) (respPayload []byte, errKind string, ok bool)
}

// Serve runs the session protocol over nc, a connection the caller has
// already upgraded to WebSocket and matched to userID (authentication
// happens before Serve is called), and blocks until the connection
// closes or ctx is done.
func Serve(ctx context.Context, nc net.Conn, userID int64, hub *Hub, h Handler, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	c := &conn{userID: userID, outbox: make(chan []byte, 64), closeCh: make(chan struct{}), added: time.Now()}
	hub.register(c)
	defer hub.unregister(c)
	defer nc.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go writerLoop(nc, c, log)
	go pingLoop(ctx, c, nc, log)

	readerLoop(ctx, nc, c, userID, h, log)
}

func writerLoop(nc net.Conn, c *conn, log *slog.Logger) {
	for {
		select {
		case <-c.closeCh:
			return
		case frame, ok := <-c.outbox:
			if !ok {
				return
			}
			if err := wsutil.WriteServerMessage(nc, ws.OpBinary, frame); err != nil {
				log.Debug("session write failed", "err", err)
				c.close()
				return
			}
		}
	}
}

// pingLoop sends a fresh random ping payload every pingInterval and
// drops the connection if no matching pong arrived within pongTimeout.
func pingLoop(ctx context.Context, c *conn, nc net.Conn, log *slog.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeCh:
			return
		case <-ticker.C:
			c.mu().Lock()
			overdue := !c.pongDeadline.IsZero() && time.Now().After(c.pongDeadline)
			c.mu().Unlock()
			if overdue {
				log.Debug("session pong timeout, dropping connection")
				c.close()
				return
			}

			payload := make([]byte, 8)
			_, _ = rand.Read(payload)
			c.mu().Lock()
			c.lastPing = payload
			c.pongDeadline = time.Now().Add(pongTimeout)
			c.mu().Unlock()
			if err := wsutil.WriteServerMessage(nc, ws.OpPing, payload); err != nil {
				log.Debug("ping write failed", "err", err)
				c.close()
				return
			}
		}
	}
}

func readerLoop(ctx context.Context, nc net.Conn, c *conn, userID int64, h Handler, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeCh:
			return
		default:
		}

		hdr, err := ws.ReadHeader(nc)
		if err != nil {
			return
		}
		if hdr.Length > maxInboundFrame {
			sendClose(nc, ws.StatusMessageTooBig, "frame too large")
			return
		}
		if !hdr.Fin {
			emitProtocolError(c, "continuation frames are not supported")
			sendClose(nc, ws.StatusProtocolError, "no continuation frames")
			return
		}

		body := make([]byte, hdr.Length)
		if _, err := io.ReadFull(nc, body); err != nil {
			return
		}
		if hdr.Masked {
			ws.Cipher(body, hdr.Mask, 0)
		}

		switch hdr.OpCode {
		case ws.OpPing:
			_ = wsutil.WriteServerMessage(nc, ws.OpPong, body)
		case ws.OpPong:
			handlePong(c, body)
		case ws.OpClose:
			return
		case ws.OpBinary:
			handleRequestFrame(c, userID, h, body, log)
		case ws.OpText:
			emitProtocolError(c, "text frames are not supported")
			sendClose(nc, ws.StatusProtocolError, "binary frames only")
			return
		default:
			emitProtocolError(c, "unsupported opcode")
			sendClose(nc, ws.StatusProtocolError, "unsupported opcode")
			return
		}
	}
}

func handlePong(c *conn, body []byte) {
	c.mu().Lock()
	defer c.mu().Unlock()
	if len(body) == len(c.lastPing) {
		match := true
		for i := range body {
			if body[i] != c.lastPing[i] {
				match = false
				break
			}
		}
		if match {
			c.pongDeadline = time.Time{}
		}
	}
}

func handleRequestFrame(c *conn, userID int64, h Handler, body []byte, log *slog.Logger) {
	if len(body) == 0 || body[0] != frameClientRequest {
		emitProtocolError(c, "unrecognized frame type")
		return
	}
	req, err := decodeClientRequest(body[1:])
	if err != nil {
		emitProtocolError(c, err.Error())
		return
	}
	if len(req.Payload) > maxDecodedPayload {
		emitProtocolError(c, "payload too large")
		return
	}

	resp, errKind, ok := h.Handle(userID, c, req.Name, req.Payload)
	if !ok {
		_ = errKind
		c.send(encodeErrorResponse(req.ID))
		return
	}
	frames := encodeResponse(req.ID, resp)
	for i, frame := range frames {
		if i > 0 {
			time.Sleep(chunkSpacing)
		}
		c.send(frame)
	}
}

func emitProtocolError(c *conn, msg string) {
	frame, err := encodeEvent("protocol_error", mustMsgpack(map[string]any{"error": msg}))
	if err == nil {
		c.send(frame)
	}
}

func sendClose(nc net.Conn, code ws.StatusCode, reason string) {
	_ = ws.WriteFrame(nc, ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
}
