// Package session implements the live session hub (C6) and its binary
// wire protocol (C7): one actor per connected user fanning requests out
// to the store and fetcher, and events back to every live session.
package session

import (
	"encoding/binary"
	"fmt"

	"github.com/cpsdqs/aof/internal/store"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	frameClientRequest   byte = 0xC0
	frameResponseFirst   byte = 0xC8
	frameResponseContinue byte = 0xC9
	frameErrorResponse   byte = 0xCC
	frameServerEvent     byte = 0xB8
)

const (
	maxInboundFrame  = 16384
	chunkPayloadSize = maxInboundFrame - 16
	maxDecodedPayload = 1 << 20
)

// clientRequest is a decoded 0xC0 frame.
type clientRequest struct {
	ID      uint32
	Name    string
	Payload []byte
}

// decodeClientRequest parses a 0xC0 frame body (the type byte already
// consumed by the caller).
func decodeClientRequest(body []byte) (*clientRequest, error) {
	if len(body) < 5 {
		return nil, fmt.Errorf("request frame too short")
	}
	id := binary.BigEndian.Uint32(body[:4])
	nameLen := int(body[4])
	if len(body) < 5+nameLen {
		return nil, fmt.Errorf("request frame name truncated")
	}
	name := string(body[5 : 5+nameLen])
	payload := body[5+nameLen:]
	return &clientRequest{ID: id, Name: name, Payload: payload}, nil
}

// encodeResponse splits an encoded response payload into one or more
// frames per §4.6's chunking rule: first chunk 0xC8 carries the total
// length, continuations are 0xC9.
func encodeResponse(id uint32, payload []byte) [][]byte {
	if len(payload) <= chunkPayloadSize {
		buf := make([]byte, 0, 9+len(payload))
		buf = append(buf, frameResponseFirst)
		buf = binary.BigEndian.AppendUint32(buf, id)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
		buf = append(buf, payload...)
		return [][]byte{buf}
	}

	var frames [][]byte
	first := payload[:chunkPayloadSize]
	rest := payload[chunkPayloadSize:]

	buf := make([]byte, 0, 9+len(first))
	buf = append(buf, frameResponseFirst)
	buf = binary.BigEndian.AppendUint32(buf, id)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, first...)
	frames = append(frames, buf)

	for len(rest) > 0 {
		n := chunkPayloadSize
		if n > len(rest) {
			n = len(rest)
		}
		chunk := make([]byte, 0, 5+n)
		chunk = append(chunk, frameResponseContinue)
		chunk = binary.BigEndian.AppendUint32(chunk, id)
		chunk = append(chunk, rest[:n]...)
		frames = append(frames, chunk)
		rest = rest[n:]
	}
	return frames
}

// mustMsgpack encodes v, falling back to an empty map on the (expected
// never to occur) encode failure — used only for small, known-shape
// internal payloads like protocol_error events.
func mustMsgpack(v any) []byte {
	b, err := msgpack.Marshal(v)
	if err != nil {
		b, _ = msgpack.Marshal(map[string]any{})
	}
	return b
}

func encodeErrorResponse(id uint32) []byte {
	buf := make([]byte, 0, 5)
	buf = append(buf, frameErrorResponse)
	buf = binary.BigEndian.AppendUint32(buf, id)
	return buf
}

// encodeEventPayload msgpack-encodes evt's payload and wraps it as a
// 0xB8 server event frame.
func encodeEventPayload(evt store.Event) ([]byte, error) {
	payload, err := msgpack.Marshal(evt.Payload)
	if err != nil {
		return nil, err
	}
	return encodeEvent(evt.Name, payload)
}

func encodeEvent(name string, payload []byte) ([]byte, error) {
	if len(name) > 255 {
		return nil, fmt.Errorf("event name too long")
	}
	buf := make([]byte, 0, 2+len(name)+len(payload))
	buf = append(buf, frameServerEvent)
	buf = append(buf, byte(len(name)))
	buf = append(buf, name...)
	buf = append(buf, payload...)
	return buf, nil
}
