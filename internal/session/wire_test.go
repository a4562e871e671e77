package session

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeResponseSingleFrame(t *testing.T) {
	payload := []byte("small response")
	frames := encodeResponse(7, payload)
	require.Len(t, frames, 1)
	assert.Equal(t, frameResponseFirst, frames[0][0])
	assert.Equal(t, uint32(7), binary.BigEndian.Uint32(frames[0][1:5]))
	assert.Equal(t, payload, frames[0][9:])
}

// TestEncodeResponseChunking asserts Testable Property 11: a payload over
// chunkPayloadSize splits into >=2 frames sharing one id, and
// concatenating the first frame's body with every continuation frame's
// body reconstructs the original payload byte-for-byte.
func TestEncodeResponseChunking(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, chunkPayloadSize*2+500)
	frames := encodeResponse(42, payload)
	require.GreaterOrEqual(t, len(frames), 2)

	first := frames[0]
	require.Equal(t, frameResponseFirst, first[0])
	id := binary.BigEndian.Uint32(first[1:5])
	assert.Equal(t, uint32(42), id)
	total := binary.BigEndian.Uint32(first[5:9])
	assert.Equal(t, uint32(len(payload)), total)

	var reconstructed []byte
	reconstructed = append(reconstructed, first[9:]...)
	for _, f := range frames[1:] {
		assert.Equal(t, frameResponseContinue, f[0])
		assert.Equal(t, uint32(42), binary.BigEndian.Uint32(f[1:5]))
		reconstructed = append(reconstructed, f[5:]...)
	}
	assert.Equal(t, payload, reconstructed)
}

func TestDecodeClientRequestRoundTrip(t *testing.T) {
	name := "user_sources"
	body := make([]byte, 0, 5+len(name)+3)
	body = binary.BigEndian.AppendUint32(body, 99)
	body = append(body, byte(len(name)))
	body = append(body, name...)
	body = append(body, 0x01, 0x02, 0x03)

	req, err := decodeClientRequest(body)
	require.NoError(t, err)
	assert.Equal(t, uint32(99), req.ID)
	assert.Equal(t, name, req.Name)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, req.Payload)
}
