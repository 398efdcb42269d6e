// Package handler implements the per-connection state machine (spec
// component D): read the request line, serve from cache on a hit, or
// resolve and fetch from the origin on a miss, staging the response for
// admission into the cache while streaming it to the client.
package handler

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/willkirkmanm/httpcacheproxy/internal/cache"
	"github.com/willkirkmanm/httpcacheproxy/internal/httperror"
	"github.com/willkirkmanm/httpcacheproxy/internal/logging"
	"github.com/willkirkmanm/httpcacheproxy/internal/upstream"
)

// MetricsRecorder is satisfied by the metrics package; the handler depends
// on this narrow interface rather than the concrete type so it can be
// exercised with a fake in tests.
type MetricsRecorder interface {
	RecordRequest(method, outcome string, duration time.Duration)
	RecordCacheHit()
	RecordCacheMiss()
	SetCacheBytes(n int)
}

type noopMetrics struct{}

func (noopMetrics) RecordRequest(string, string, time.Duration) {}
func (noopMetrics) RecordCacheHit()                              {}
func (noopMetrics) RecordCacheMiss()                             {}
func (noopMetrics) SetCacheBytes(int)                            {}

// Dialer abstracts net.Dialer for tests that want to redirect origin
// connections to an in-process listener.
type Dialer = upstream.Dialer

// Handler serves one connection at a time: it never keeps state between
// calls to Handle, matching the original's one-shot-per-connection model
// (no persistent/keep-alive connections).
type Handler struct {
	cache       *cache.Cache
	dialer      Dialer
	logger      *logging.Logger
	metrics     MetricsRecorder
	maxLineSize int
}

// New creates a Handler backed by c for cache lookups/admission and
// dialer for origin connections. logger and metrics may be nil, in which
// case logging falls back to a default logger and metrics reporting is a
// no-op. maxLineSize bounds the request line and each request header line
// read from the client (spec's MAXLINE); pass 0 for no limit. Lines
// streamed from the origin are not limited by it.
func New(c *cache.Cache, dialer Dialer, logger *logging.Logger, metrics MetricsRecorder, maxLineSize int) *Handler {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if logger == nil {
		logger = logging.NewLogger("httpcacheproxy")
	}
	return &Handler{cache: c, dialer: dialer, logger: logger, metrics: metrics, maxLineSize: maxLineSize}
}

// Handle reads exactly one HTTP/1.0-style request off conn and writes at
// most one response (none if the request line cannot be read or parsed),
// then returns; the caller is responsible for
// closing conn afterward (spec.md §4.D, §6: one request per connection).
func (h *Handler) Handle(ctx context.Context, conn net.Conn) {
	start := time.Now()
	remoteAddr := conn.RemoteAddr().String()

	ctx, span := h.logger.StartSpan(ctx, "proxy.handle", attribute.String("proxy.remote_addr", remoteAddr))
	defer span.End()

	reader := bufio.NewReader(conn)

	requestLine, err := upstream.ReadLine(reader, h.maxLineSize)
	if err != nil {
		h.finish(ctx, "", "", "client_error", remoteAddr, start)
		return
	}
	requestLine = strings.TrimRight(requestLine, "\r\n")

	method, uri, ok := parseRequestLine(requestLine)
	if !ok {
		h.finish(ctx, method, uri, "client_error", remoteAddr, start)
		return
	}

	if !strings.EqualFold(method, "GET") {
		httperror.NotImplemented(conn, method)
		h.finish(ctx, method, uri, "not_implemented", remoteAddr, start)
		return
	}

	if entry, hit := h.cache.Find([]byte(uri)); hit {
		h.metrics.RecordCacheHit()
		conn.Write(entry.Body)
		h.finish(ctx, method, uri, "hit", remoteAddr, start)
		return
	}
	h.metrics.RecordCacheMiss()

	target, err := upstream.ParseURI(uri)
	if err != nil {
		httperror.ServiceUnavailable(conn, err.Error())
		h.finish(ctx, method, uri, "unavailable", remoteAddr, start)
		return
	}

	originConn, err := upstream.Dial(ctx, h.dialer, target)
	if err != nil {
		httperror.ServiceUnavailable(conn, err.Error())
		h.finish(ctx, method, uri, "unavailable", remoteAddr, start)
		return
	}
	defer originConn.Close()

	request, err := upstream.BuildRequest(reader, target, h.maxLineSize)
	if err != nil {
		httperror.ServiceUnavailable(conn, err.Error())
		h.finish(ctx, method, uri, "unavailable", remoteAddr, start)
		return
	}

	if _, err := originConn.Write([]byte(request)); err != nil {
		httperror.ServiceUnavailable(conn, err.Error())
		h.finish(ctx, method, uri, "unavailable", remoteAddr, start)
		return
	}

	body, truncated := h.streamAndStage(conn, bufio.NewReader(originConn))

	// Admit only whole, untruncated responses (spec.md §9): a response
	// that overran the staging budget is forwarded in full to the client
	// but never cached, since a partial object would poison the cache
	// with corrupt content rather than simply being absent from it.
	if !truncated {
		h.cache.Insert([]byte(uri), body)
		h.metrics.SetCacheBytes(h.cache.Size())
	}

	h.finish(ctx, method, uri, "miss", remoteAddr, start)
}

// streamAndStage copies every line the origin sends to the client,
// simultaneously staging up to the cache's object-size budget. truncated
// reports whether the origin sent more than that budget or the origin
// read failed before EOF, in which case body is not the whole response
// and must not be cached.
func (h *Handler) streamAndStage(client net.Conn, origin *bufio.Reader) (body []byte, truncated bool) {
	limit := h.cache.MaxObjectSize()
	staged := make([]byte, 0, limit)

	for {
		line, err := upstream.ReadLine(origin, 0)
		if line == "" && err != nil {
			if err != io.EOF {
				truncated = true
			}
			break
		}

		client.Write([]byte(line))

		if !truncated {
			if len(staged)+len(line) <= limit {
				staged = append(staged, line...)
			} else {
				truncated = true
			}
		}

		if err != nil {
			break
		}
	}

	return staged, truncated
}

func (h *Handler) finish(ctx context.Context, method, uri, outcome, remoteAddr string, start time.Time) {
	duration := time.Since(start)
	h.metrics.RecordRequest(method, outcome, duration)
	h.logger.ConnectionHandled(ctx, method, uri, outcome, remoteAddr, duration)
}

// parseRequestLine splits a request line of the form "METHOD URI VERSION"
// (the VERSION token is accepted but ignored, matching the original
// sscanf-based parse which never validates it).
func parseRequestLine(line string) (method, uri string, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", "", false
	}
	return fields[0], fields[1], true
}
