/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package audit

import "context"

// Origin identifies who issued a request.
type Origin struct {
	Actor     string
	IPAddress string
	UserAgent string
}

type originKey struct{}

// WithOrigin attaches o to ctx.
func WithOrigin(ctx context.Context, o Origin) context.Context {
	return context.WithValue(ctx, originKey{}, o)
}

// OriginFrom returns the origin attached to ctx, if any.
func OriginFrom(ctx context.Context) (Origin, bool) {
	if ctx == nil {
		return Origin{}, false
	}
	o, ok := ctx.Value(originKey{}).(Origin)
	return o, ok
}

// Payload returns o as event payload fields understood by the bus
// subscriber.
func (o Origin) Payload() map[string]any {
	return map[string]any{
		"actor":      o.Actor,
		"ip_address": o.IPAddress,
		"user_agent": o.UserAgent,
	}
}
