package announce

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Wire protocol, one message per line:
//
//	client -> server   subscribe <folder>
//	client -> server   announce <folder> <message>
//	client -> server   ping
//	server -> client   <folder>!<message>
//	server -> client   pong
const (
	cmdSubscribe = "subscribe"
	cmdAnnounce  = "announce"
	cmdPing      = "ping"
	cmdPong      = "pong"
)

// TCPConfig holds the TCP announcer settings
type TCPConfig struct {
	// DialTimeout bounds a single connection attempt
	DialTimeout time.Duration

	// PingInterval is how long the connection may be idle before a ping is sent
	PingInterval time.Duration

	// PingTimeout is how long to wait for any reply to a ping
	PingTimeout time.Duration

	Logger *slog.Logger

	// Dial overrides net.Dialer for tests
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// DefaultTCPConfig returns the default TCP announcer settings
func DefaultTCPConfig() TCPConfig {
	return TCPConfig{
		DialTimeout:  10 * time.Second,
		PingInterval: 60 * time.Second,
		PingTimeout:  10 * time.Second,
		Logger:       slog.Default(),
	}
}

// TCP is an Announcer speaking the line protocol over a plain TCP socket.
type TCP struct {
	endpoint string
	addr     string
	config   TCPConfig
	logger   *slog.Logger

	listeners listeners
	recent    recent

	mu         sync.Mutex
	conn       net.Conn
	connecting bool
	closed     bool
	subs       []string
	queue      []Announcement

	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewTCP creates a TCP announcer for an endpoint of the form
// tcp://host:port. It does not connect until Connect is called.
func NewTCP(endpoint string, config TCPConfig) (*TCP, error) {
	addr, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	def := DefaultTCPConfig()
	if config.DialTimeout <= 0 {
		config.DialTimeout = def.DialTimeout
	}
	if config.PingInterval <= 0 {
		config.PingInterval = def.PingInterval
	}
	if config.PingTimeout <= 0 {
		config.PingTimeout = def.PingTimeout
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}
	if config.Dial == nil {
		d := &net.Dialer{}
		config.Dial = d.DialContext
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &TCP{
		endpoint: endpoint,
		addr:     addr,
		config:   config,
		logger:   config.Logger.With("endpoint", endpoint),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func parseEndpoint(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid announcement endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "tcp" {
		return "", fmt.Errorf("invalid announcement endpoint %q: unsupported scheme %q", endpoint, u.Scheme)
	}
	if u.Port() == "" {
		return "", fmt.Errorf("invalid announcement endpoint %q: missing port", endpoint)
	}
	return u.Host, nil
}

func (t *TCP) Endpoint() string { return t.endpoint }

func (t *TCP) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

func (t *TCP) IsConnecting() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connecting
}

func (t *TCP) AddListener(l Listener) func() {
	return t.listeners.add(l)
}

// Connect starts a connection attempt in the background.
func (t *TCP) Connect() {
	t.mu.Lock()
	if t.closed || t.conn != nil || t.connecting {
		t.mu.Unlock()
		return
	}
	t.connecting = true
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.dial()
	}()
}

func (t *TCP) dial() {
	ctx, cancel := context.WithTimeout(t.ctx, t.config.DialTimeout)
	conn, err := t.config.Dial(ctx, "tcp", t.addr)
	cancel()

	t.mu.Lock()
	t.connecting = false
	if t.closed {
		t.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		t.mu.Unlock()
		t.logger.Debug("announcer connect failed", "error", err)
		t.listeners.disconnected(fmt.Errorf("%w: connect %s: %v", ErrAnnouncer, t.addr, err))
		return
	}
	t.conn = conn
	subs := append([]string(nil), t.subs...)
	queue := t.queue
	t.queue = nil
	t.mu.Unlock()

	t.logger.Info("announcer connected")

	for _, id := range subs {
		if err := t.send(conn, cmdSubscribe, id); err != nil {
			t.drop(conn, err)
			return
		}
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.readLoop(conn)
	}()

	t.listeners.connected()

	for _, a := range queue {
		t.Announce(a)
	}
}

// Subscribe joins folderID's topic now if connected and after every reconnect.
func (t *TCP) Subscribe(folderID string) {
	t.mu.Lock()
	for _, id := range t.subs {
		if id == folderID {
			t.mu.Unlock()
			return
		}
	}
	t.subs = append(t.subs, folderID)
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		if err := t.send(conn, cmdSubscribe, folderID); err != nil {
			t.drop(conn, err)
		}
	}
}

// Announce publishes a, or queues it until the next connect.
// Only the latest queued announcement per folder is kept.
func (t *TCP) Announce(a Announcement) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	conn := t.conn
	if conn == nil {
		t.enqueue(a)
		t.mu.Unlock()
		t.logger.Debug("announcement queued", "folder", a.FolderID)
		return
	}
	t.mu.Unlock()

	t.recent.remember(a)
	if err := t.send(conn, cmdAnnounce, a.FolderID, a.Message); err != nil {
		t.mu.Lock()
		t.enqueue(a)
		t.mu.Unlock()
		t.drop(conn, err)
		return
	}
	t.logger.Debug("announced", "folder", a.FolderID, "message", a.Message)
}

// enqueue must be called with t.mu held
func (t *TCP) enqueue(a Announcement) {
	for i, q := range t.queue {
		if q.FolderID == a.FolderID {
			t.queue[i] = a
			return
		}
	}
	t.queue = append(t.queue, a)
}

func (t *TCP) send(conn net.Conn, fields ...string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(t.config.PingTimeout)); err != nil {
		return err
	}
	_, err := io.WriteString(conn, strings.Join(fields, " ")+"\n")
	return err
}

func (t *TCP) readLoop(conn net.Conn) {
	r := bufio.NewReader(conn)
	pinged := false

	for {
		wait := t.config.PingInterval
		if pinged {
			wait = t.config.PingTimeout
		}
		if err := conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
			t.drop(conn, err)
			return
		}

		line, err := r.ReadString('\n')
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && line == "" {
				if pinged {
					t.drop(conn, errors.New("ping timed out"))
					return
				}
				if err := t.send(conn, cmdPing); err != nil {
					t.drop(conn, err)
					return
				}
				pinged = true
				continue
			}
			t.drop(conn, err)
			return
		}
		pinged = false

		line = strings.TrimRight(line, "\r\n")
		if line == "" || line == cmdPong {
			continue
		}
		a, ok := parseMessage(line)
		if !ok {
			t.logger.Debug("ignoring malformed announcement", "line", line)
			continue
		}
		if !t.recent.remember(a) {
			continue
		}
		t.listeners.received(a)
	}
}

// parseMessage parses "<folder>!<message>"
func parseMessage(line string) (Announcement, bool) {
	id, msg, ok := strings.Cut(line, "!")
	if !ok || id == "" {
		return Announcement{}, false
	}
	return Announcement{FolderID: id, Message: msg}, true
}

// drop tears down conn if it is still current and notifies listeners.
func (t *TCP) drop(conn net.Conn, cause error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	closed := t.closed
	t.mu.Unlock()

	conn.Close()
	if closed {
		return
	}
	t.logger.Info("announcer disconnected", "error", cause)
	t.listeners.disconnected(fmt.Errorf("%w: %v", ErrAnnouncer, cause))
}

// Close disconnects and stops all background goroutines.
// Listeners are not notified.
func (t *TCP) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	t.cancel()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	t.wg.Wait()
	return err
}
