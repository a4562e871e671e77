// Package supervisor implements the fetch supervisor (C2): it forks a
// child process per script run, speaks a small framed protocol with it
// over stdin/stdout, and enforces the script-time budget described in
// spec §4.2 — pausing while a fetch is in flight, killing on timeout.
//
// The three logical channels of the original design (request-in,
// script-msg-out, log-msg-out) are multiplexed over a single stdin/stdout
// pipe pair, tagged per frame, rather than three separate OS pipes — Go's
// os/exec gives us exactly two standard streams for free, so reusing them
// is the natural fit instead of opening extra file descriptors.
package supervisor

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

type frameTag byte

const (
	tagRequest frameTag = 'R'
	tagLog     frameTag = 'L'
	tagControl frameTag = 'C'
)

const maxFrameBytes = 64 << 20

// runRequest is sent parent -> child exactly once per run.
type runRequest struct {
	Type         string `msgpack:"type"`
	Path         string `msgpack:"path"`
	ScriptSource string `msgpack:"script_source"`
}

// logEntry is sent child -> parent any number of times.
type logEntry struct {
	Kind string `msgpack:"kind"` // "console_log" | "console_warn" | "console_error" | "direct_ip_warning"
	Text string `msgpack:"text"`
}

// controlMsg is sent child -> parent to bracket fetches and report the
// terminal outcome.
type controlMsg struct {
	Kind       string `msgpack:"kind"` // pause_timer|continue_timer|result|err_result|fatal_error|done
	ResultJSON []byte `msgpack:"result_json,omitempty"`
	ErrKind    string `msgpack:"err_kind,omitempty"`
	ErrMsg     string `msgpack:"err_msg,omitempty"`
}

func writeFrame(w io.Writer, tag frameTag, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	header := make([]byte, 5)
	header[0] = byte(tag)
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

type frame struct {
	tag     frameTag
	payload []byte
}

func readFrame(r *bufio.Reader) (*frame, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[1:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("frame too large: %d bytes", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return &frame{tag: frameTag(header[0]), payload: payload}, nil
}
