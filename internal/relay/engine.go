// Package relay implements the core forwarding engine: it pairs each inbound
// request with an outbound upstream exchange and streams bytes through in
// both directions until either side closes or an error occurs.
package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"serena-relay-go/internal/client"
	"serena-relay-go/internal/config"
	"serena-relay-go/internal/metrics"
	"serena-relay-go/internal/model"
)

// ErrIdleTimeout is returned by Stream when a session sees no traffic in
// either direction for longer than the configured idle timeout.
var ErrIdleTimeout = errors.New("session idle timeout exceeded")

// streamBufferSize is the per-chunk read buffer for the relay copy loop.
const streamBufferSize = 32 * 1024

// readResult is one step of the upstream read loop: a chunk, or the error
// that ended the stream.
type readResult struct {
	chunk []byte
	err   error
}

// Engine forwards requests to the single configured upstream. It holds no
// per-session state: every Forward call produces an independent Session, and
// concurrent sessions share nothing but the immutable configuration.
type Engine struct {
	client  *client.UpstreamClient
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	baseURL *url.URL

	idleTimeout       time.Duration
	keepAliveInterval time.Duration
}

// NewEngine creates an Engine. The metrics parameter is optional; pass nil to
// disable session metrics recording.
func NewEngine(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Engine, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	return &Engine{
		client:            c,
		cfg:               cfg,
		logger:            logger.With("component", "relay_engine"),
		metrics:           m,
		baseURL:           u,
		idleTimeout:       cfg.Relay.IdleTimeout(),
		keepAliveInterval: cfg.Relay.KeepAliveInterval(),
	}, nil
}

// Forward opens the outbound leg of a new forwarding session: it rewrites the
// inbound request for the upstream, establishes the upstream exchange within
// the configured connect timeout, and returns the upstream response with its
// headers already filtered. The returned Session owns both legs; the caller
// must either call Stream (which closes the session) or close it directly.
//
// Connect refusal or timeout closes the session and returns the error; the
// relay never retries on its own.
func (e *Engine) Forward(pr *model.Request) (*model.Response, *Session, error) {
	sess, sctx := newSession(pr.Ctx, e.logger)
	sess.transition(StateConnecting)

	upstreamURL := e.buildUpstreamURL(pr)

	sess.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
		"upstream_host", e.baseURL.Host,
	)

	resp, err := e.client.DoStream(sctx, pr.Method, upstreamURL,
		e.rewriteRequestHeaders(pr), e.countedBody(pr.Body), pr.ContentLength)
	if err != nil {
		sess.transition(StateClosing)
		sess.Close()
		return nil, nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.Header = copyEndToEnd(resp.Header)

	sess.transition(StateForwarding)
	if e.metrics != nil {
		e.metrics.SessionsActive.Inc()
		sess.onClose = e.metrics.SessionsActive.Dec
	}

	sess.logger.Info("session established",
		"method", pr.Method,
		"path", pr.Path,
		"status", resp.StatusCode,
		"remote_ip", pr.RemoteIP,
	)

	return resp, sess, nil
}

// Stream copies the upstream body to dst chunk by chunk, flushing after every
// chunk so long-lived streams reach the client as they are produced. It
// drives the session to StateClosed on every exit path.
//
// ctx is the inbound side of the session: its cancellation means the client
// went away. A session with no upstream traffic for the idle timeout is
// force-closed and ErrIdleTimeout returned. When keepAlive is set and the
// body is open-ended, newline keep-alives are written after upstream EOF
// until the client disconnects, so intermediaries do not reap the connection.
func (e *Engine) Stream(ctx context.Context, sess *Session, dst io.Writer, src io.ReadCloser, keepAlive bool) error {
	defer sess.Close()
	defer func() { _ = src.Close() }()

	flusher, _ := dst.(http.Flusher)

	// done unblocks the reader goroutine when the copy loop exits first
	// (client disconnect, idle timeout); closing the session then cancels
	// the upstream read as well.
	done := make(chan struct{})
	defer close(done)

	// A single ordered channel carries both chunks and the terminal read
	// error, so EOF can never overtake a chunk still in flight.
	results := make(chan readResult, 1)
	go func() {
		buf := make([]byte, streamBufferSize)
		for {
			n, err := src.Read(buf)
			if n > 0 {
				select {
				case results <- readResult{chunk: append([]byte(nil), buf[:n]...)}:
				case <-done:
					return
				}
			}
			if err != nil {
				select {
				case results <- readResult{err: err}:
				case <-done:
				}
				return
			}
		}
	}()

	var idleC <-chan time.Time
	var idle *time.Timer
	if e.idleTimeout > 0 {
		idle = time.NewTimer(e.idleTimeout)
		defer idle.Stop()
		idleC = idle.C
	}

	for {
		select {
		case <-ctx.Done():
			sess.transition(StateClosing)
			return ctx.Err()

		case res := <-results:
			if res.err != nil {
				sess.transition(StateClosing)
				if res.err == io.EOF {
					if keepAlive && e.keepAliveInterval > 0 {
						return e.keepAliveLoop(ctx, sess, dst, flusher)
					}
					return nil
				}
				return fmt.Errorf("read from upstream: %w", res.err)
			}

			if _, err := dst.Write(res.chunk); err != nil {
				sess.transition(StateClosing)
				return fmt.Errorf("write to client: %w", err)
			}
			if flusher != nil {
				flusher.Flush()
			}
			if e.metrics != nil {
				e.metrics.StreamedBytes.WithLabelValues(metrics.DirectionDownstream).Add(float64(len(res.chunk)))
			}
			if idle != nil {
				if !idle.Stop() {
					<-idle.C
				}
				idle.Reset(e.idleTimeout)
			}

		case <-idleC:
			sess.transition(StateClosing)
			return ErrIdleTimeout
		}
	}
}

// keepAliveLoop writes a newline to the client at the configured interval
// after the upstream content has been fully streamed. It runs until the
// client disconnects or a write fails.
func (e *Engine) keepAliveLoop(ctx context.Context, sess *Session, dst io.Writer, flusher http.Flusher) error {
	ticker := time.NewTicker(e.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sess.logger.Debug("client disconnected, stopping keep-alive")
			return nil
		case <-ticker.C:
			if _, err := dst.Write([]byte("\n")); err != nil {
				return nil
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// buildUpstreamURL appends the inbound request target to the upstream base,
// byte for byte: the escaped path keeps percent-encoded octets (a %2F must
// not collapse into a path separator) and the raw query keeps the client's
// parameter order and encoding.
func (e *Engine) buildUpstreamURL(pr *model.Request) string {
	u := *e.baseURL
	u.Path = strings.TrimSuffix(e.baseURL.Path, "/") + pr.Path
	u.RawPath = strings.TrimSuffix(e.baseURL.EscapedPath(), "/") + pr.EscapedPath
	u.RawQuery = pr.RawQuery
	return u.String()
}

// rewriteRequestHeaders produces the upstream header set: a faithful copy of
// the inbound headers minus hop-by-hop headers, with the minimal allowed
// rewrites applied. The inbound Authorization header is never forwarded; when
// an upstream password is configured, the relay's own basic-auth credential
// replaces it.
func (e *Engine) rewriteRequestHeaders(pr *model.Request) http.Header {
	h := copyEndToEnd(pr.Header)

	// Host is set from the upstream URL by the transport.
	h.Del("Host")
	h.Del("Authorization")

	if e.cfg.Upstream.Password != "" {
		cred := e.cfg.Upstream.Username + ":" + e.cfg.Upstream.Password
		h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(cred)))
	}

	if h.Get("Content-Type") == "" && pr.ContentLength != 0 {
		h.Set("Content-Type", "application/json")
	}

	if pr.RemoteIP != "" {
		h.Add("X-Forwarded-For", pr.RemoteIP)
	}
	if pr.Host != "" {
		h.Set("X-Forwarded-Host", pr.Host)
	}
	if pr.Scheme != "" {
		h.Set("X-Forwarded-Proto", pr.Scheme)
	}

	return h
}

// countedBody wraps the inbound request body so client-to-upstream bytes are
// recorded as they are streamed by the transport.
func (e *Engine) countedBody(body io.ReadCloser) io.ReadCloser {
	if body == nil || body == http.NoBody || e.metrics == nil {
		return body
	}
	counter := e.metrics.StreamedBytes.WithLabelValues(metrics.DirectionUpstream)
	return &countingReadCloser{
		rc:    body,
		count: func(n int) { counter.Add(float64(n)) },
	}
}

type countingReadCloser struct {
	rc    io.ReadCloser
	count func(int)
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.rc.Read(p)
	if n > 0 {
		c.count(n)
	}
	return n, err
}

func (c *countingReadCloser) Close() error {
	return c.rc.Close()
}
