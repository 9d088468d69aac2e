// Package server implements the CrabKV TCP server: a thin, newline-delimited
// line protocol over the engine's Put/Get/Delete/Compact operations.
package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crabkv/crabkv/internal/engine"
	"github.com/crabkv/crabkv/internal/version"
)

// help is sent in response to HELP and appended to the banner on connect.
const help = "Commands: PUT <key> <value> [ttl=<seconds>], GET <key>, DELETE <key>, COMPACT, HELP"

// Config holds server configuration.
type Config struct {
	Addr       string
	MaxClients int
	Timeout    time.Duration
}

// DefaultConfig returns the configuration used when the CLI is given no
// overrides.
func DefaultConfig() Config {
	return Config{
		Addr:       "127.0.0.1:4000",
		MaxClients: 0,
		Timeout:    0,
	}
}

// Server accepts connections and dispatches line-protocol commands against
// a single engine.
type Server struct {
	config Config
	eng    *engine.Engine
	log    *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	clients  int
	nextConn int64
}

// New returns a server bound to eng. log may be nil, in which case a no-op
// logger is used.
func New(config Config, eng *engine.Engine, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{config: config, eng: eng, log: log}
}

// Start runs the accept loop until ctx is cancelled or a fatal accept error
// occurs. It blocks until the listener is closed.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.config.Addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.log.Info("crabkv server listening", zap.String("addr", s.config.Addr))

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}

		s.mu.Lock()
		if s.config.MaxClients > 0 && s.clients >= s.config.MaxClients {
			s.mu.Unlock()
			conn.Close()
			continue
		}
		s.clients++
		s.nextConn++
		connID := s.nextConn
		s.mu.Unlock()

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(5 * time.Minute)
		}

		go s.handleConn(conn, connID)
	}
}

// Close stops the accept loop and closes the listener. It is safe to call
// more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) handleConn(conn net.Conn, connID int64) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		s.clients--
		s.mu.Unlock()
		s.log.Info("connection closed", zap.Int64("conn_id", connID))
	}()

	s.log.Info("connection accepted", zap.Int64("conn_id", connID), zap.String("remote", conn.RemoteAddr().String()))

	writer := bufio.NewWriter(conn)
	if s.config.Timeout > 0 {
		conn.SetDeadline(time.Now().Add(s.config.Timeout))
	}

	fmt.Fprintf(writer, "Welcome to CrabKv. %s\r\n", help)
	writer.Flush()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		if s.config.Timeout > 0 {
			conn.SetDeadline(time.Now().Add(s.config.Timeout))
		}

		line := scanner.Text()
		response := s.dispatch(line)
		if _, err := fmt.Fprintf(writer, "%s\r\n", response); err != nil {
			return
		}
		if err := writer.Flush(); err != nil {
			return
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		s.log.Warn("connection read error", zap.Int64("conn_id", connID), zap.Error(err))
	}
}

// dispatch parses and executes a single line, returning the exact text to
// write back (without the trailing newline).
func (s *Server) dispatch(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "ERR empty command"
	}

	cmd := strings.ToUpper(fields[0])
	args := fields[1:]

	switch cmd {
	case "PUT":
		return s.doPut(args)
	case "GET":
		return s.doGet(args)
	case "DELETE":
		return s.doDelete(args)
	case "COMPACT":
		return s.doCompact(args)
	case "HELP":
		if len(args) != 0 {
			return "ERR HELP takes no arguments"
		}
		return help
	default:
		return fmt.Sprintf("ERR unknown command %q", fields[0])
	}
}

func (s *Server) doPut(args []string) string {
	if len(args) < 2 {
		return "ERR PUT requires <key> <value>"
	}
	key, value := args[0], args[1]

	var ttl *time.Duration
	switch len(args) {
	case 2:
	case 3:
		parsed, err := parseTTL(args[2])
		if err != nil {
			return fmt.Sprintf("ERR %s", err)
		}
		ttl = &parsed
	default:
		return "ERR unexpected arguments after ttl=<seconds>"
	}

	var err error
	if ttl != nil {
		err = s.eng.PutWithTTL(key, value, *ttl)
	} else {
		err = s.eng.Put(key, value)
	}
	if err != nil {
		return fmt.Sprintf("ERR %s", err)
	}
	return "OK"
}

func (s *Server) doGet(args []string) string {
	if len(args) != 1 {
		return "ERR GET requires <key>"
	}
	value, ok, err := s.eng.Get(args[0])
	if err != nil {
		return fmt.Sprintf("ERR %s", err)
	}
	if !ok {
		return "NOT_FOUND"
	}
	return fmt.Sprintf("VALUE %s", value)
}

func (s *Server) doDelete(args []string) string {
	if len(args) != 1 {
		return "ERR DELETE requires <key>"
	}
	if err := s.eng.Delete(args[0]); err != nil {
		return fmt.Sprintf("ERR %s", err)
	}
	return "OK"
}

func (s *Server) doCompact(args []string) string {
	if len(args) != 0 {
		return "ERR COMPACT takes no arguments"
	}
	if err := s.eng.Compact(); err != nil {
		return fmt.Sprintf("ERR %s", err)
	}
	return "OK"
}

// parseTTL accepts a "ttl=<seconds>" token, case-insensitive on the key.
func parseTTL(token string) (time.Duration, error) {
	key, value, found := strings.Cut(token, "=")
	if !found || !strings.EqualFold(key, "ttl") {
		return 0, fmt.Errorf("expected ttl=<seconds>, got %q", token)
	}
	seconds, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid ttl seconds %q", value)
	}
	return time.Duration(seconds) * time.Second, nil
}

// Version re-exports the CrabKV version string from internal/version; the
// connect banner and the server's log lines do not include it.
var Version = version.Version
