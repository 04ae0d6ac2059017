package authserver

import "context"

// Requester sends auth requests for a client.
//
// Request returns a Response with Code Error together with a non-nil error
// when no server could be reached.
type Requester interface {
	// Configured reports whether any auth server is set. Without one the
	// gateway runs in local-only mode.
	Configured() bool
	Request(ctx context.Context, kind RequestKind, ip, mac, token string, incoming, outgoing uint64) (Response, error)
}
