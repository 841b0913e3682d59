package command

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/hazyhaar/commentveil/kit"
)

// Reply is written for every line ServeLines handles.
type Reply struct {
	OK     bool   `json:"ok"`
	Action string `json:"action,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ServeLines reads newline-delimited JSON messages from in until EOF or
// ctx is done, dispatching each. When out is non-nil a Reply per message
// is written to it. Bad messages are answered, not fatal.
func (r *Router) ServeLines(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx = kit.WithTransport(ctx, kit.TransportStdio)
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var enc *json.Encoder
	if out != nil {
		enc = json.NewEncoder(out)
	}

	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil
		}
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}

		var reply Reply
		var msg Message
		if err := json.Unmarshal(line, &msg); err == nil {
			reply.Action = msg.Action
		}
		res, err := r.Dispatch(ctx, line)
		if err != nil {
			reply.Error = err.Error()
		} else {
			reply.OK = true
			reply.Result = res
		}
		if enc != nil {
			if err := enc.Encode(reply); err != nil {
				return fmt.Errorf("command: write reply: %w", err)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("command: read: %w", err)
	}
	return nil
}
