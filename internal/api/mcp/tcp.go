package mcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TCPConfig holds listener settings.
type TCPConfig struct {
	Addr      string
	NoDelay   bool
	KeepAlive time.Duration // 0 disables keep-alive probes
}

// TCPTransport serves the line-delimited framing on every accepted
// connection. Connections are independent; each runs its own StdioTransport.
type TCPTransport struct {
	server *Server
	cfg    TCPConfig
	logger *zap.Logger

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]struct{}
	ready chan struct{}
}

// NewTCPTransport creates a transport for srv. Call Serve to start it.
func NewTCPTransport(srv *Server, cfg TCPConfig, logger *zap.Logger) *TCPTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TCPTransport{
		server: srv,
		cfg:    cfg,
		logger: logger,
		conns:  make(map[net.Conn]struct{}),
		ready:  make(chan struct{}),
	}
}

// Addr blocks until the listener is bound and returns its address.
func (t *TCPTransport) Addr() net.Addr {
	<-t.ready
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

// Serve listens and handles connections until ctx is cancelled. Open
// connections are closed on shutdown.
func (t *TCPTransport) Serve(ctx context.Context) error {
	lc := net.ListenConfig{KeepAlive: t.cfg.KeepAlive}
	if t.cfg.KeepAlive == 0 {
		lc.KeepAlive = -1
	}
	ln, err := lc.Listen(ctx, "tcp", t.cfg.Addr)
	if err != nil {
		close(t.ready)
		return fmt.Errorf("listening on %s: %w", t.cfg.Addr, err)
	}
	t.mu.Lock()
	t.ln = ln
	t.mu.Unlock()
	close(t.ready)
	t.logger.Info("tcp transport listening", zap.String("addr", ln.Addr().String()))

	var wg sync.WaitGroup
	go func() {
		<-ctx.Done()
		_ = ln.Close()
		t.mu.Lock()
		for c := range t.conns {
			_ = c.Close()
		}
		t.mu.Unlock()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				wg.Wait()
				return nil
			}
			t.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(t.cfg.NoDelay)
		}

		t.track(conn, true)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer t.track(conn, false)
			t.handle(ctx, conn)
		}()
	}
}

func (t *TCPTransport) handle(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	logger := t.logger.With(zap.String("remote", remote))
	logger.Debug("tcp client connected")

	err := NewStdioTransport(t.server, conn, conn, logger).Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Debug("tcp client closed with error", zap.Error(err))
	}
	_ = conn.Close()
	logger.Debug("tcp client disconnected")
}

func (t *TCPTransport) track(conn net.Conn, add bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if add {
		t.conns[conn] = struct{}{}
		return
	}
	delete(t.conns, conn)
}
