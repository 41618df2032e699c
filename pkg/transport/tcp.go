package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"
)

const (
	// DefaultDialTimeout bounds a single connection attempt.
	DefaultDialTimeout = 10 * time.Second

	tcpKeepAlive = 30 * time.Second
)

// TCPTransport dials rtsp:// (plain TCP) and rtsps:// (TLS) URLs and
// re-dials the same endpoint on Reconnect.
type TCPTransport struct {
	addr        string
	host        string
	useTLS      bool
	tlsConfig   *tls.Config
	dialTimeout time.Duration
	logger      *slog.Logger

	mu        sync.Mutex
	conn      net.Conn
	connected bool
}

// Dial parses rawURL and establishes the initial connection. Default ports
// are 554 for rtsp and 443 for rtsps.
func Dial(ctx context.Context, rawURL string, logger *slog.Logger) (*TCPTransport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse URL: %w", err)
	}
	if u.Scheme != "rtsp" && u.Scheme != "rtsps" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	host := u.Hostname()
	port := u.Port()
	if port == "" {
		if u.Scheme == "rtsps" {
			port = "443"
		} else {
			port = "554"
		}
	}

	t := &TCPTransport{
		addr:        net.JoinHostPort(host, port),
		host:        host,
		useTLS:      u.Scheme == "rtsps",
		dialTimeout: DefaultDialTimeout,
		logger:      logger,
	}
	if t.useTLS {
		t.tlsConfig = &tls.Config{ServerName: host}
	}

	if err := t.Reconnect(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// Connected reports whether the transport has a live connection.
func (t *TCPTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && t.conn != nil
}

// RemoteAddress returns the dialed address.
func (t *TCPTransport) RemoteAddress() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return t.conn.RemoteAddr().String()
	}
	return t.addr
}

// Stream returns the current connection, or nil when disconnected.
func (t *TCPTransport) Stream() io.ReadWriteCloser {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil
	}
	return t.conn
}

// Reconnect closes any previous connection and dials the endpoint again.
func (t *TCPTransport) Reconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
		t.connected = false
	}

	dialer := &net.Dialer{
		Timeout:   t.dialTimeout,
		KeepAlive: tcpKeepAlive,
	}

	var (
		conn net.Conn
		err  error
	)
	if t.useTLS {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: t.tlsConfig}
		conn, err = tlsDialer.DialContext(ctx, "tcp", t.addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", t.addr)
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.addr, err)
	}

	// Disable Nagle so requests and interleaved frames go out immediately.
	setNoDelay(conn, t.logger)

	t.conn = conn
	t.connected = true
	t.logger.Info("transport connected",
		"remote_addr", conn.RemoteAddr(),
		"local_addr", conn.LocalAddr(),
		"tls", t.useTLS)
	return nil
}

// Close closes the connection and marks the transport disconnected.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.connected = false
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func setNoDelay(conn net.Conn, logger *slog.Logger) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		if tlsConn, isTLS := conn.(*tls.Conn); isTLS {
			tcpConn, ok = tlsConn.NetConn().(*net.TCPConn)
		}
	}
	if !ok || tcpConn == nil {
		return
	}
	if err := tcpConn.SetNoDelay(true); err != nil {
		logger.Warn("failed to set TCP_NODELAY", "error", err)
	}
}
