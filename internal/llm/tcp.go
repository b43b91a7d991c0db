package llm

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/scrypster/helixmcp/internal/breaker"
	"github.com/scrypster/helixmcp/pkg/apperrors"
)

// OVNT frame constants.
var frameMagic = [4]byte{'O', 'V', 'N', 'T'}

const (
	frameVersion  byte = 0x01
	frameTypeData byte = 4

	// maxFramePayload bounds the payload length a server may announce.
	maxFramePayload = 16 << 20
)

// TCPClient talks to a standalone embedding server over a raw TCP socket.
// Each request opens a connection, writes one OVNT data frame carrying a
// MessagePack request and reads one frame back.
//
// Frame layout, integers little-endian:
//
//	magic "OVNT" | version | type | u32 payload length | sender uuid |
//	target tag (1 = uuid follows) [target uuid] | message uuid | payload
type TCPClient struct {
	address        string
	clientID       uuid.UUID
	timeout        time.Duration
	circuitBreaker *breaker.Breaker
	model          string
	dimensions     int
}

// TCPConfig holds TCP embedding server configuration.
type TCPConfig struct {
	Address    string
	Model      string // Sent with every request; empty lets the server choose
	Dimensions int    // Expected vector size, 0 accepts any
	Timeout    time.Duration
	Breaker    *breaker.Breaker
}

// NewTCPClient creates a client for the embedding server at config.Address.
func NewTCPClient(config TCPConfig) *TCPClient {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Breaker == nil {
		config.Breaker = breaker.New(breaker.Config{Name: "tcp"})
	}
	return &TCPClient{
		address:        config.Address,
		clientID:       uuid.New(),
		timeout:        config.Timeout,
		circuitBreaker: config.Breaker,
		model:          config.Model,
		dimensions:     config.Dimensions,
	}
}

type tcpRequest struct {
	_msgpack struct{} `msgpack:",as_array"`
	Text     string   `msgpack:"text"`
	Model    *string  `msgpack:"model"`
}

// Embed returns the embedding for text. Blank text is rejected before
// anything is sent.
func (c *TCPClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, apperrors.New(apperrors.CodeEmbeddingFailure,
			"cannot embed empty text", apperrors.Field("provider", "tcp"))
	}
	return guard(ctx, c.circuitBreaker, "tcp", func() ([]float32, error) {
		return c.embed(ctx, text)
	})
}

func (c *TCPClient) embed(ctx context.Context, text string) ([]float32, error) {
	req := tcpRequest{Text: text}
	if c.model != "" {
		req.Model = &c.model
	}
	payload, err := msgpack.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("encoding embedding request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return nil, fmt.Errorf("connecting to embedding server: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := writeFrame(conn, c.clientID, payload); err != nil {
		return nil, fmt.Errorf("sending embedding request: %w", err)
	}
	reply, err := readFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("reading embedding response: %w", err)
	}

	vec, err := parseTCPEmbedding(reply)
	if err != nil {
		return nil, err
	}
	if c.dimensions > 0 && len(vec) != c.dimensions {
		return nil, fmt.Errorf("embedding server returned %d dimensions, expected %d", len(vec), c.dimensions)
	}
	return vec, nil
}

func writeFrame(w io.Writer, sender uuid.UUID, payload []byte) error {
	msgID := uuid.New()
	buf := make([]byte, 0, 43+len(payload))
	buf = append(buf, frameMagic[:]...)
	buf = append(buf, frameVersion, frameTypeData)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, sender[:]...)
	buf = append(buf, 0) // no target
	buf = append(buf, msgID[:]...)
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var head [10]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	if !bytes.Equal(head[:4], frameMagic[:]) {
		return nil, fmt.Errorf("invalid frame magic %q", head[:4])
	}
	if head[4] != frameVersion {
		return nil, fmt.Errorf("unsupported frame version %d", head[4])
	}
	length := binary.LittleEndian.Uint32(head[6:10])
	if length > maxFramePayload {
		return nil, fmt.Errorf("frame payload of %d bytes exceeds limit", length)
	}

	// sender uuid and target tag
	var ids [17]byte
	if _, err := io.ReadFull(r, ids[:]); err != nil {
		return nil, err
	}
	skip := 16
	if ids[16] == 1 {
		skip += 16
	}
	if _, err := io.CopyN(io.Discard, r, int64(skip)); err != nil {
		return nil, err
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// parseTCPEmbedding accepts a bare array, {"embedding": [...]},
// {"vector": [...]} or the same maps encoded as one-element arrays. A
// payload of the form {"error": "..."} is returned as an error.
func parseTCPEmbedding(payload []byte) ([]float32, error) {
	var v any
	if err := msgpack.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("decoding embedding response: %w", err)
	}

	switch t := v.(type) {
	case []any:
		if len(t) == 1 {
			if inner, ok := t[0].([]any); ok {
				t = inner
			}
		}
		return floatsOf(t)
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			if key, ok := k.(string); ok {
				m[key] = val
			}
		}
		return parseTCPMap(m)
	case map[string]any:
		return parseTCPMap(t)
	}
	return nil, errors.New("embedding server returned no vector")
}

func parseTCPMap(m map[string]any) ([]float32, error) {
	if msg, ok := m["error"].(string); ok {
		return nil, fmt.Errorf("embedding server error: %s", msg)
	}
	for _, key := range []string{"embedding", "vector"} {
		if list, ok := m[key].([]any); ok {
			return floatsOf(list)
		}
	}
	return nil, errors.New("embedding server returned no vector")
}

func floatsOf(list []any) ([]float32, error) {
	if len(list) == 0 {
		return nil, errors.New("embedding server returned no vector")
	}
	out := make([]float32, len(list))
	for i, item := range list {
		switch n := item.(type) {
		case float32:
			out[i] = n
		case float64:
			out[i] = float32(n)
		case int8:
			out[i] = float32(n)
		case int16:
			out[i] = float32(n)
		case int32:
			out[i] = float32(n)
		case int64:
			out[i] = float32(n)
		case uint8:
			out[i] = float32(n)
		case uint16:
			out[i] = float32(n)
		case uint32:
			out[i] = float32(n)
		case uint64:
			out[i] = float32(n)
		default:
			return nil, fmt.Errorf("embedding element %d is %T, not a number", i, item)
		}
	}
	return out, nil
}

// GetModel returns the configured model, or "tcp" when the server chooses.
func (c *TCPClient) GetModel() string {
	if c.model == "" {
		return "tcp"
	}
	return c.model
}

// Dimensions returns the expected vector size.
func (c *TCPClient) Dimensions() int {
	return c.dimensions
}

var _ Embedder = (*TCPClient)(nil)
