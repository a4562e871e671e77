package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/cpsdqs/aof/internal/script"
	"github.com/vmihailenco/msgpack/v5"
)

// RunChild is the child-process entry point invoked by the
// `fetcher-ipc-fork` CLI subcommand. It blocks until the single run
// request is read from stdin, executes the script, and writes its
// terminal outcome to stdout before returning.
func RunChild(stdin io.Reader, stdout io.Writer) error {
	r := bufio.NewReader(stdin)
	f, err := readFrame(r)
	if err != nil {
		return fmt.Errorf("read request frame: %w", err)
	}
	if f.tag != tagRequest {
		return fmt.Errorf("expected request frame, got tag %q", f.tag)
	}
	var req runRequest
	if err := decodeFrame(f, &req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}

	hooks := &childHooks{out: stdout}
	result, scriptErr := script.Run(context.Background(), script.Request{Type: req.Type, Path: req.Path}, req.ScriptSource, hooks)

	if scriptErr != nil {
		kind := "err_result"
		if scriptErr.Kind == script.ErrFatal {
			kind = "fatal_error"
		}
		return writeFrame(stdout, tagControl, controlMsg{
			Kind:    kind,
			ErrKind: string(scriptErr.Kind),
			ErrMsg:  scriptErr.Msg,
		})
	}
	if err := writeFrame(stdout, tagControl, controlMsg{Kind: "result", ResultJSON: result}); err != nil {
		return err
	}
	return writeFrame(stdout, tagControl, controlMsg{Kind: "done"})
}

func decodeFrame(f *frame, v any) error {
	return msgpack.Unmarshal(f.payload, v)
}

// childHooks forwards script.Hooks callbacks to the parent over the
// shared stdout stream as log/control frames.
type childHooks struct {
	out io.Writer
}

func (h *childHooks) FetchDidStart() {
	_ = writeFrame(h.out, tagControl, controlMsg{Kind: "pause_timer"})
}

func (h *childHooks) FetchDidEnd() {
	_ = writeFrame(h.out, tagControl, controlMsg{Kind: "continue_timer"})
}

func (h *childHooks) OnConsoleMessage(msg script.ConsoleMessage) {
	_ = writeFrame(h.out, tagLog, logEntry{Kind: "console_" + string(msg.Type), Text: msg.Text})
}

func (h *childHooks) OnDirectIPAccess(ip string) {
	_ = writeFrame(h.out, tagLog, logEntry{Kind: "direct_ip_warning", Text: ip})
}
