package announce

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

// Server is a minimal announcement relay. Each announcement is forwarded
// to every other client subscribed to the folder.
type Server struct {
	logger *slog.Logger

	listener net.Listener
	clients  map[*serverClient]struct{}
	topics   map[string]map[*serverClient]struct{}
	mu       sync.RWMutex

	wg sync.WaitGroup
}

type serverClient struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func (c *serverClient) write(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	_, err := io.WriteString(c.conn, line+"\n")
	return err
}

// NewServer creates a relay. Call Start to begin accepting connections.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:  logger,
		clients: make(map[*serverClient]struct{}),
		topics:  make(map[string]map[*serverClient]struct{}),
	}
}

// Start listens on addr ("host:port") and serves in the background.
func (s *Server) Start(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = l
	s.logger.Info("announcement relay listening", "addr", l.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the listening address
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Endpoint returns the tcp:// endpoint clients should use
func (s *Server) Endpoint() string {
	return "tcp://" + s.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Error("relay accept failed", "error", err)
			}
			return
		}

		c := &serverClient{conn: conn}
		s.mu.Lock()
		s.clients[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(c)
	}
}

func (s *Server) handle(c *serverClient) {
	defer s.wg.Done()
	defer s.remove(c)

	scanner := bufio.NewScanner(c.conn)
	for scanner.Scan() {
		fields := strings.SplitN(strings.TrimSpace(scanner.Text()), " ", 3)
		switch fields[0] {
		case cmdPing:
			if err := c.write(cmdPong); err != nil {
				return
			}
		case cmdSubscribe:
			if len(fields) < 2 {
				continue
			}
			s.mu.Lock()
			if s.topics[fields[1]] == nil {
				s.topics[fields[1]] = make(map[*serverClient]struct{})
			}
			s.topics[fields[1]][c] = struct{}{}
			s.mu.Unlock()
		case cmdAnnounce:
			if len(fields) < 3 {
				continue
			}
			s.broadcast(c, fields[1], fields[2])
		}
	}
}

func (s *Server) broadcast(from *serverClient, folderID, message string) {
	s.mu.RLock()
	targets := make([]*serverClient, 0, len(s.topics[folderID]))
	for c := range s.topics[folderID] {
		if c != from {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	line := folderID + "!" + message
	for _, c := range targets {
		if err := c.write(line); err != nil {
			s.logger.Debug("relay write failed", "error", err)
			c.conn.Close()
		}
	}
}

func (s *Server) remove(c *serverClient) {
	s.mu.Lock()
	delete(s.clients, c)
	for id, subs := range s.topics {
		delete(subs, c)
		if len(subs) == 0 {
			delete(s.topics, id)
		}
	}
	s.mu.Unlock()
	c.conn.Close()
}

// Stop closes the listener and every client connection
func (s *Server) Stop() error {
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.mu.Lock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}
