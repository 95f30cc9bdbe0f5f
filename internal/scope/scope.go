package scope

import (
	"context"
	"strings"
)

type ctxKeyCaller struct{}

// Caller identifies the authenticated origin of a request. The engine never
// inspects token formats or SSO state; it only partitions cached values by
// these identifiers.
type Caller struct {
	SessionID string
	UserID    string
	// Channel is the live-update channel id of the requester, if it opened one.
	Channel string
}

// WithCaller binds the caller identity to the context. Identifiers are
// trimmed; empty identifiers are kept empty rather than invented.
func WithCaller(ctx context.Context, c Caller) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	c.SessionID = strings.TrimSpace(c.SessionID)
	c.UserID = strings.TrimSpace(c.UserID)
	c.Channel = strings.TrimSpace(c.Channel)
	return context.WithValue(ctx, ctxKeyCaller{}, c)
}

// CallerFrom returns the caller bound to the context, or a zero Caller.
func CallerFrom(ctx context.Context) Caller {
	if ctx != nil {
		if v := ctx.Value(ctxKeyCaller{}); v != nil {
			if c, ok := v.(Caller); ok {
				return c
			}
		}
	}
	return Caller{}
}
