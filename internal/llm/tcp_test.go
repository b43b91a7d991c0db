package llm_test

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/scrypster/helixmcp/internal/llm"
	"github.com/scrypster/helixmcp/pkg/apperrors"
)

// embeddingServer is an in-process OVNT server. reply receives the decoded
// request array and returns the msgpack value to send back.
type embeddingServer struct {
	ln net.Listener

	mu       sync.Mutex
	requests [][]any
	senders  [][16]byte
}

func newEmbeddingServer(t *testing.T, reply func(req []any) any) *embeddingServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &embeddingServer{ln: ln}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn, reply)
		}
	}()
	return s
}

func (s *embeddingServer) addr() string { return s.ln.Addr().String() }

func (s *embeddingServer) serve(conn net.Conn, reply func([]any) any) {
	defer conn.Close()

	var head [10]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil {
		return
	}
	if string(head[:4]) != "OVNT" || head[4] != 1 || head[5] != 4 {
		return
	}
	length := binary.LittleEndian.Uint32(head[6:])

	// sender, target tag, message id
	var ids [33]byte
	if _, err := io.ReadFull(conn, ids[:]); err != nil {
		return
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return
	}

	var req []any
	if err := msgpack.Unmarshal(payload, &req); err != nil {
		return
	}
	var sender [16]byte
	copy(sender[:], ids[:16])
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.senders = append(s.senders, sender)
	s.mu.Unlock()

	body, err := msgpack.Marshal(reply(req))
	if err != nil {
		return
	}
	frame := []byte("OVNT")
	frame = append(frame, 1, 4)
	frame = binary.LittleEndian.AppendUint32(frame, uint32(len(body)))
	frame = append(frame, make([]byte, 16)...) // sender
	frame = append(frame, 1)                   // target follows
	frame = append(frame, sender[:]...)
	frame = append(frame, make([]byte, 16)...) // message id
	frame = append(frame, body...)
	_, _ = conn.Write(frame)
}

func (s *embeddingServer) seen() ([][]any, [][16]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]any(nil), s.requests...), append([][16]byte(nil), s.senders...)
}

func TestTCPClient_ResponseShapes(t *testing.T) {
	tests := []struct {
		name  string
		reply any
	}{
		{"bare array", []float32{0.5, 0.25, 1}},
		{"embedding map", map[string]any{"embedding": []float64{0.5, 0.25, 1}}},
		{"vector map", map[string]any{"vector": []float32{0.5, 0.25, 1}}},
		{"struct as array", []any{[]float32{0.5, 0.25, 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newEmbeddingServer(t, func([]any) any { return tt.reply })
			c := llm.NewTCPClient(llm.TCPConfig{Address: srv.addr(), Dimensions: 3})

			vec, err := c.Embed(context.Background(), "trail running shoes")
			require.NoError(t, err)
			assert.Equal(t, []float32{0.5, 0.25, 1}, vec)
		})
	}
}

func TestTCPClient_RequestEncoding(t *testing.T) {
	srv := newEmbeddingServer(t, func([]any) any { return []float32{1, 2} })

	withModel := llm.NewTCPClient(llm.TCPConfig{Address: srv.addr(), Model: "all-MiniLM-L6-v2"})
	_, err := withModel.Embed(context.Background(), "first")
	require.NoError(t, err)
	_, err = withModel.Embed(context.Background(), "second")
	require.NoError(t, err)

	serverChoice := llm.NewTCPClient(llm.TCPConfig{Address: srv.addr()})
	_, err = serverChoice.Embed(context.Background(), "third")
	require.NoError(t, err)

	requests, senders := srv.seen()
	require.Len(t, requests, 3)
	assert.Equal(t, []any{"first", "all-MiniLM-L6-v2"}, requests[0])
	assert.Equal(t, []any{"second", "all-MiniLM-L6-v2"}, requests[1])
	assert.Equal(t, []any{"third", nil}, requests[2])

	assert.Equal(t, senders[0], senders[1], "one client id per client")
	assert.NotEqual(t, senders[0], senders[2])
	assert.Equal(t, "all-MiniLM-L6-v2", withModel.GetModel())
	assert.Equal(t, "tcp", serverChoice.GetModel())
}

func TestTCPClient_ServerError(t *testing.T) {
	srv := newEmbeddingServer(t, func([]any) any { return map[string]any{"error": "model not loaded"} })
	c := llm.NewTCPClient(llm.TCPConfig{Address: srv.addr()})

	_, err := c.Embed(context.Background(), "hello there")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeEmbeddingFailure))
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestTCPClient_WrongDimensions(t *testing.T) {
	srv := newEmbeddingServer(t, func([]any) any { return []float32{1, 2} })
	c := llm.NewTCPClient(llm.TCPConfig{Address: srv.addr(), Dimensions: 384})

	_, err := c.Embed(context.Background(), "hello there")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 384")
}

func TestTCPClient_BadMagic(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
	}()
	c := llm.NewTCPClient(llm.TCPConfig{Address: ln.Addr().String()})

	_, err = c.Embed(context.Background(), "hello there")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid frame magic")
}

func TestTCPClient_EmptyTextIsNotSent(t *testing.T) {
	srv := newEmbeddingServer(t, func([]any) any { return []float32{1} })
	c := llm.NewTCPClient(llm.TCPConfig{Address: srv.addr()})

	_, err := c.Embed(context.Background(), "   ")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeEmbeddingFailure))

	requests, _ := srv.seen()
	assert.Empty(t, requests)
}

func TestTCPClient_SilentServerTimesOut(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(io.Discard, conn)
	}()

	c := llm.NewTCPClient(llm.TCPConfig{Address: ln.Addr().String(), Timeout: 50 * time.Millisecond})
	start := time.Now()
	_, err = c.Embed(context.Background(), "hello there")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestTCPClient_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c := llm.NewTCPClient(llm.TCPConfig{Address: addr, Timeout: time.Second})
	_, err = c.Embed(context.Background(), "hello there")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeEmbeddingFailure))
}
