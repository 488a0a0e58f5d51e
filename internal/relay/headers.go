package relay

import (
	"net/http"
	"strings"
)

// hopByHopHeaders are meaningful only for a single connection segment and
// must not be forwarded between the client and upstream legs. Names are
// canonical per http.CanonicalHeaderKey.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// copyEndToEnd returns a copy of src with hop-by-hop headers removed,
// including any header named by the Connection header itself.
func copyEndToEnd(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		dst[key] = append([]string(nil), vals...)
	}
	stripHopByHop(dst)
	return dst
}

// stripHopByHop removes hop-by-hop headers from h in place.
func stripHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
