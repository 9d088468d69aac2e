package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crabkv/crabkv/internal/engine"
)

func startTestServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	eng, err := engine.Open(t.TempDir())
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := New(DefaultConfig(), eng, nil)
	s.listener = listener
	s.config.Addr = listener.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-ctx.Done()
		s.Close()
	}()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.nextConn++
			id := s.nextConn
			s.mu.Unlock()
			go s.handleConn(conn, id)
		}
	}()

	return listener.Addr().String(), func() {
		cancel()
		eng.Close()
	}
}

func dialAndExchange(t *testing.T, addr string, lines ...string) []string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	reader := bufio.NewReader(conn)
	banner, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, banner, "Welcome to CrabKv")

	var responses []string
	for _, line := range lines {
		_, err := fmt.Fprintf(conn, "%s\r\n", line)
		require.NoError(t, err)
		resp, err := reader.ReadString('\n')
		require.NoError(t, err)
		responses = append(responses, resp)
	}
	return responses
}

func TestServer_PutGetDelete(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	responses := dialAndExchange(t, addr,
		"PUT foo bar",
		"GET foo",
		"DELETE foo",
		"GET foo",
	)
	require.Len(t, responses, 4)
	require.Contains(t, responses[0], "OK")
	require.Contains(t, responses[1], "VALUE bar")
	require.Contains(t, responses[2], "OK")
	require.Contains(t, responses[3], "NOT_FOUND")
}

func TestServer_GetMissingKey(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	responses := dialAndExchange(t, addr, "GET nope")
	require.Contains(t, responses[0], "NOT_FOUND")
}

func TestServer_PutWithTTL(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	responses := dialAndExchange(t, addr, "PUT foo bar ttl=60", "GET foo")
	require.Contains(t, responses[0], "OK")
	require.Contains(t, responses[1], "VALUE bar")
}

func TestServer_Compact(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	responses := dialAndExchange(t, addr, "COMPACT")
	require.Contains(t, responses[0], "OK")
}

func TestServer_Help(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	responses := dialAndExchange(t, addr, "HELP")
	require.Contains(t, responses[0], "Commands: PUT")
}

func TestServer_UnknownCommand(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	responses := dialAndExchange(t, addr, "NOPE")
	require.Contains(t, responses[0], "ERR")
}

func TestServer_InvalidCommandKeepsConnectionOpen(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	responses := dialAndExchange(t, addr, "PUT onlykey", "PUT ok now")
	require.Contains(t, responses[0], "ERR")
	require.Contains(t, responses[1], "OK")
}
