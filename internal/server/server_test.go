package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/willkirkmanm/httpcacheproxy/internal/config"
)

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	ln.Close()
	return port
}

func startOrigin(t *testing.T, response string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				r := bufio.NewReader(conn)
				for {
					line, err := r.ReadString('\n')
					if line == "\r\n" || err != nil {
						break
					}
				}
				io.WriteString(conn, response)
			}()
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestServerServesCacheMissThenHitEndToEnd(t *testing.T) {
	originResponse := "HTTP/1.0 200 OK\r\nContent-Length: 2\r\n\r\nok"
	originAddr := startOrigin(t, originResponse)
	_, originPort, err := net.SplitHostPort(originAddr)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Metrics.Enabled = false
	s := New(cfg)

	port := freePort(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx, port) }()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", "127.0.0.1:"+port)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	uri := fmt.Sprintf("http://127.0.0.1:%s/ok", originPort)

	resp := doRequest(t, port, uri)
	require.Equal(t, originResponse, resp)

	entry, ok := s.Cache().Find([]byte(uri))
	require.True(t, ok)
	require.Equal(t, originResponse, string(entry.Body))

	resp2 := doRequest(t, port, uri)
	require.Equal(t, originResponse, resp2)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	require.NoError(t, s.Shutdown(shutdownCtx))
}

func doRequest(t *testing.T, port, uri string) string {
	t.Helper()
	conn, err := net.Dial("tcp", "127.0.0.1:"+port)
	require.NoError(t, err)
	defer conn.Close()

	_, err = io.WriteString(conn, "GET "+uri+" HTTP/1.0\r\n\r\n")
	require.NoError(t, err)

	out, err := io.ReadAll(conn)
	require.NoError(t, err)
	return string(out)
}

func TestServerRejectsNonGetMethod(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Metrics.Enabled = false
	s := New(cfg)

	port := freePort(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Start(ctx, port)

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", "127.0.0.1:"+port)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	conn, err := net.Dial("tcp", "127.0.0.1:"+port)
	require.NoError(t, err)
	defer conn.Close()

	io.WriteString(conn, "POST http://example.invalid/x HTTP/1.0\r\n\r\n")
	out, _ := io.ReadAll(conn)
	require.True(t, strings.HasPrefix(string(out), "HTTP/1.0 501 "))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	require.NoError(t, s.Shutdown(shutdownCtx))
}
