package supervisor

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := logEntry{Kind: "console", Text: "hello world"}
	require.NoError(t, writeFrame(&buf, tagLog, msg))

	f, err := readFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, tagLog, f.tag)

	var decoded logEntry
	require.NoError(t, decodeFrame(f, &decoded))
	assert.Equal(t, msg, decoded)
}

func TestReadFrameRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	header := []byte{byte(tagLog), 0xFF, 0xFF, 0xFF, 0xFF}
	buf.Write(header)
	_, err := readFrame(bufio.NewReader(&buf))
	assert.Error(t, err)
}

func TestWriteFrameMultipleMessagesInOrder(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, tagControl, controlMsg{Kind: "pause_timer"}))
	require.NoError(t, writeFrame(&buf, tagControl, controlMsg{Kind: "continue_timer"}))

	r := bufio.NewReader(&buf)
	f1, err := readFrame(r)
	require.NoError(t, err)
	var c1 controlMsg
	require.NoError(t, decodeFrame(f1, &c1))
	assert.Equal(t, "pause_timer", c1.Kind)

	f2, err := readFrame(r)
	require.NoError(t, err)
	var c2 controlMsg
	require.NoError(t, decodeFrame(f2, &c2))
	assert.Equal(t, "continue_timer", c2.Kind)
}
