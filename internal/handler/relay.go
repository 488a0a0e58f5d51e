package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"

	"serena-relay-go/internal/model"
	"serena-relay-go/internal/relay"
)

// userinfoPattern matches credentials embedded in URLs that may appear in
// upstream error messages.
var userinfoPattern = regexp.MustCompile(`(https?://[^/@\s:]+:)[^@\s]+@`)

// RelayHandler forwards every request it receives to the configured upstream.
type RelayHandler struct {
	engine *relay.Engine
	logger *slog.Logger
}

// NewRelayHandler creates a RelayHandler.
func NewRelayHandler(engine *relay.Engine, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		engine: engine,
		logger: logger.With("component", "relay_handler"),
	}
}

// Handle relays the request to the upstream and streams the response back.
// The upstream status and headers are mirrored; the body is flushed chunk by
// chunk as it arrives.
func (h *RelayHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.Request{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.Path,
		EscapedPath:   req.URL.EscapedPath(),
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
		RemoteIP:      c.RealIP(),
		Host:          req.Host,
		Scheme:        c.Scheme(),
	}

	resp, sess, err := h.engine.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Only genuinely open-ended streaming responses get keep-alive newlines
	// after the content. Unknown length alone is not enough: every chunked
	// response has ContentLength -1, and a finite chunked body must terminate
	// for the client exactly where the upstream ended it.
	keepAlive := isStreamingResponse(resp.Header)

	if err := h.engine.Stream(req.Context(), sess, c.Response(), resp.Body, keepAlive); err != nil {
		if errors.Is(err, context.Canceled) {
			// Client went away; nothing left to deliver.
			return nil
		}

		// The status line is already on the wire, so a relay-originated
		// error response is no longer possible. Abort the connection so
		// the client sees a broken stream instead of a silent stall.
		h.logger.Error("streaming response body",
			"err", sanitizeError(err),
			"path", req.URL.Path,
			"session_id", sess.ID,
		)
		panic(http.ErrAbortHandler)
	}

	return nil
}

func (h *RelayHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("relay error",
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return c.JSON(http.StatusGatewayTimeout, map[string]string{
				"error": "upstream request timed out",
			})
		}
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}

// isStreamingResponse reports whether the upstream response is an open-ended
// stream, based on its media type. These bodies have no natural end from the
// client's point of view, so the relay keeps the connection warm after
// upstream EOF.
func isStreamingResponse(h http.Header) bool {
	ct := h.Get("Content-Type")
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	switch strings.ToLower(strings.TrimSpace(ct)) {
	case "text/event-stream", "application/x-ndjson", "application/stream+json":
		return true
	}
	return false
}

// sanitizeError redacts URL-embedded credentials from error messages.
func sanitizeError(err error) string {
	return userinfoPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]@")
}
