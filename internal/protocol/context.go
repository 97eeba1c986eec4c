package protocol

import "context"

type gcsTokenKey struct{}

// WithGCSToken stores a short-lived object-store bearer token on the context.
// Transports that receive the token out of band (the X-Gcs-Token header, a
// message attribute) attach it here so tool implementations can pick it up.
func WithGCSToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, gcsTokenKey{}, token)
}

// GCSTokenFrom returns the token set by WithGCSToken, or "".
func GCSTokenFrom(ctx context.Context) string {
	token, _ := ctx.Value(gcsTokenKey{}).(string)
	return token
}
