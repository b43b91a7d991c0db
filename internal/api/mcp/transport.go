// Package mcp serves the tool dispatcher as an MCP server speaking JSON-RPC
// 2.0. Three framings are offered: newline-delimited messages over stdio or
// a TCP connection, and one message per POST over HTTP.
//
// With stdio, stdout carries protocol frames only. Every log line goes to
// stderr.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// maxLine is the largest request line accepted (4 MB).
const maxLine = 4 * 1024 * 1024

// StdioTransport serves newline-delimited JSON-RPC from in to out. The TCP
// transport runs one per connection.
type StdioTransport struct {
	server *Server
	in     io.Reader
	out    io.Writer
	logger *zap.Logger
}

// NewStdioTransport creates a transport over in and out. logger must not
// write to out.
//
//	t := mcp.NewStdioTransport(srv, os.Stdin, os.Stdout, logger)
//	err := t.Serve(ctx)
func NewStdioTransport(srv *Server, in io.Reader, out io.Writer, logger *zap.Logger) *StdioTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StdioTransport{server: srv, in: in, out: out, logger: logger}
}

// scanned is one line read from the input, or the error that ended it.
type scanned struct {
	line []byte
	err  error
	eof  bool
}

// Serve answers requests one at a time, in arrival order, until the input
// ends or ctx is cancelled. Notifications produce no output.
func (t *StdioTransport) Serve(ctx context.Context) error {
	lines := make(chan scanned)
	stop := make(chan struct{})
	defer close(stop)
	go t.scan(lines, stop)

	for {
		if err := ctx.Err(); err != nil {
			t.logger.Info("transport stopped", zap.Error(err))
			return err
		}

		var in scanned
		select {
		case <-ctx.Done():
			t.logger.Info("transport stopped", zap.Error(ctx.Err()))
			return ctx.Err()
		case in = <-lines:
		}

		switch {
		case in.err != nil:
			t.logger.Error("reading request failed", zap.Error(in.err))
			return fmt.Errorf("scanner: %w", in.err)
		case in.eof:
			t.logger.Info("input closed")
			return nil
		}

		resp, err := t.server.HandleRequest(ctx, in.line)
		if err != nil {
			t.logger.Error("request handling failed", zap.Error(err))
			resp = internalErrorResponse(in.line, err)
		}
		if resp == nil {
			continue
		}
		if err := t.writeResponse(resp); err != nil {
			t.logger.Error("writing response failed", zap.Error(err))
			return fmt.Errorf("write response: %w", err)
		}
	}
}

// scan feeds non-empty input lines to out until the input ends or stop is
// closed. A blocked read on stdin outlives Serve; closing a TCP connection
// unblocks it.
func (t *StdioTransport) scan(out chan<- scanned, stop <-chan struct{}) {
	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	send := func(s scanned) bool {
		select {
		case out <- s:
			return true
		case <-stop:
			return false
		}
	}

	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		line := append([]byte(nil), scanner.Bytes()...)
		if !send(scanned{line: line}) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		send(scanned{err: err})
		return
	}
	send(scanned{eof: true})
}

func (t *StdioTransport) writeResponse(resp []byte) error {
	buf := make([]byte, 0, len(resp)+1)
	buf = append(append(buf, resp...), '\n')
	_, err := t.out.Write(buf)
	return err
}

// internalErrorResponse answers a request whose response could not be
// encoded. The request id is recovered from the raw line when possible.
func internalErrorResponse(raw []byte, cause error) []byte {
	var req struct {
		ID any `json:"id"`
	}
	_ = json.Unmarshal(raw, &req)

	data, err := json.Marshal(JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Error:   &JSONRPCError{Code: ErrCodeInternalError, Message: cause.Error()},
	})
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return data
}
