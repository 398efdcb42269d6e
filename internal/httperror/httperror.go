// Package httperror generates the canned HTML error responses the proxy
// writes directly to the client socket (spec component G).
package httperror

import (
	"fmt"
	"io"
)

// Write emits an HTTP/1.0 response with status errnum, reason shortmsg,
// Content-Type: text/html, and a small HTML body interpolating errnum,
// shortmsg, longmsg, and cause. Writes are best-effort: a write failure is
// returned to the caller, which should terminate the handler silently
// rather than retry (spec.md §4.G).
func Write(w io.Writer, errnum, shortmsg, longmsg, cause string) error {
	body := fmt.Sprintf(
		"<html><title>Proxy Error</title><body bgcolor=\"ffffff\">\r\n"+
			"%s: %s\r\n"+
			"<p>%s: %s\r\n"+
			"<hr><em>httpcacheproxy</em>\r\n",
		errnum, shortmsg, longmsg, cause,
	)

	head := fmt.Sprintf(
		"HTTP/1.0 %s %s\r\nContent-Type: text/html\r\nContent-Length: %d\r\n\r\n",
		errnum, shortmsg, len(body),
	)

	if _, err := io.WriteString(w, head); err != nil {
		return err
	}
	_, err := io.WriteString(w, body)
	return err
}

// NotImplemented writes a 501 Not Implemented page for an unsupported
// request method.
func NotImplemented(w io.Writer, method string) error {
	return Write(w, "501", "Not Implemented", "Proxy does not implement this method", method)
}

// ServiceUnavailable writes a 503 Service Unavailable page for an origin
// that could not be resolved or reached.
func ServiceUnavailable(w io.Writer, cause string) error {
	return Write(w, "503", "Service Unavailable", "Proxy could not reach the origin server", cause)
}
