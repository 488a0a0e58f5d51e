// Package model defines shared types for the relay.
package model

import (
	"context"
	"io"
	"net/http"
)

// Request represents a client request to be forwarded upstream.
// EscapedPath and RawQuery preserve the request target exactly as the client
// sent it; Path is the decoded form, used for routing decisions and logs.
// ContentLength is -1 when the inbound body length is unknown.
type Request struct {
	Ctx           context.Context
	Method        string
	Path          string
	EscapedPath   string
	RawQuery      string
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
	RemoteIP      string
	Host          string
	Scheme        string
}

// Response represents the upstream response to be streamed back.
// ContentLength is -1 when the upstream body is open-ended.
type Response struct {
	StatusCode    int
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
}
